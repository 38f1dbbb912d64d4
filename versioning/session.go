package versioning

import "fmt"

// SessionChain upgrades persisted purchase process sessions.
var SessionChain = Chain{
	Name:   "PurchaseProcessSession",
	Latest: 4,
	Steps: map[int]Step{
		1: sessionV1ToV2,
		2: sessionV2ToV3,
		3: sessionV3ToV4,
	},
}

func sessionV1ToV2(p map[string]any) (map[string]any, error) {
	rename(p, "gateway_submit", "gateway_submit_number")
	backfill(p, "gateway_submit_number", 0)
	backfill(p, "fraud_advice", map[string]any{
		"captcha":                false,
		"blacklisted_on_init":    false,
		"blacklisted_on_process": false,
		"captcha_validated":      false,
		"force_threed":           false,
		"detect_threed_usage":    false,
		"source":                 "default",
	})
	return p, nil
}

func sessionV2ToV3(p map[string]any) (map[string]any, error) {
	backfill(p, "three_d", map[string]any{
		"version":          0,
		"authenticated":    false,
		"lookup_performed": false,
	})
	switch c := p["cascade"].(type) {
	case nil:
	case map[string]any:
		rename(c, "current_biller_position", "position")
		backfill(c, "position", 0)
	default:
		return nil, fmt.Errorf("cascade has type %T", c)
	}
	return p, nil
}

func sessionV3ToV4(p map[string]any) (map[string]any, error) {
	items, _ := p["items"].([]any)
	for i, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("items[%d] has type %T", i, raw)
		}
		txs, _ := item["transaction_collection"].([]any)
		for j, rawTx := range txs {
			tx, ok := rawTx.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("items[%d].transaction_collection[%d] has type %T", i, j, rawTx)
			}
			tx["state"] = ReclassifyFailed(asString(tx["state"]), asString(tx["transaction_id"]))
		}
	}
	backfill(p, "revision", 0)
	return p, nil
}
