package voidtx

import (
	"strings"

	"github.com/kostush/purchase-gateway-sub010/cascade"
)

var billerKeys = map[string][]string{
	cascade.BillerRocketgate: {"merchantId", "merchantPassword", "merchantCustomerId", "merchantInvoiceId"},
	cascade.BillerNetbilling: {"accountId", "siteTag", "merchantPassword"},
}

// BillerFields picks the fields a biller needs to void a transaction.
// Unknown billers get an empty payload.
func BillerFields(biller string, source map[string]string) map[string]string {
	keys := billerKeys[strings.ToLower(biller)]
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		out[k] = source[k]
	}
	return out
}
