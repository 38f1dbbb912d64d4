package versioning

import "fmt"

// PurchaseProcessedChain upgrades PurchaseProcessed event bodies.
var PurchaseProcessedChain = Chain{
	Name:   "PurchaseProcessed",
	Latest: 4,
	Steps: map[int]Step{
		1: purchaseProcessedV1ToV2,
		2: purchaseProcessedV2ToV3,
		3: purchaseProcessedV3ToV4,
	},
}

func purchaseProcessedV1ToV2(p map[string]any) (map[string]any, error) {
	rename(p, "member_info", "member")
	backfill(p, "cross_sale_purchase_data", []any{})
	return p, nil
}

func purchaseProcessedV2ToV3(p map[string]any) (map[string]any, error) {
	backfill(p, "payment_method", "cc")
	backfill(p, "threed_required", false)
	backfill(p, "skip_void_transaction", false)
	return p, nil
}

// purchaseProcessedV3ToV4 replaces the flat transaction fields of the main
// purchase and of every cross-sale by a transaction collection.
func purchaseProcessedV3ToV4(p map[string]any) (map[string]any, error) {
	flattenToCollection(p)

	switch xs := p["cross_sale_purchase_data"].(type) {
	case nil:
		p["cross_sale_purchase_data"] = []any{}
	case []any:
		for i, entry := range xs {
			m, ok := entry.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("cross_sale_purchase_data[%d] has type %T", i, entry)
			}
			flattenToCollection(m)
		}
	default:
		return nil, fmt.Errorf("cross_sale_purchase_data has type %T", xs)
	}
	return p, nil
}

func flattenToCollection(m map[string]any) {
	if _, done := m["transaction_collection"]; done {
		delete(m, "transaction_id")
		delete(m, "status")
		return
	}
	id := asString(m["transaction_id"])
	state := ReclassifyFailed(asString(m["status"]), id)

	m["transaction_collection"] = []any{
		map[string]any{"transaction_id": id, "state": state},
	}
	if id == "" {
		m["item_id"] = nil
	} else {
		m["item_id"] = id
	}
	delete(m, "transaction_id")
	delete(m, "status")
}

// ReclassifyFailed maps the legacy failed status to aborted when the biller
// never issued a transaction id and to declined otherwise.
func ReclassifyFailed(state, transactionID string) string {
	if state != "failed" {
		return state
	}
	if transactionID == "" {
		return "aborted"
	}
	return "declined"
}
