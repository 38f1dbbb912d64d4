// Package events stores integration events next to the session that raised
// them and relays them to a publisher, queueing failed publishes for retry.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kostush/purchase-gateway-sub010/purchase"
)

const (
	TypePurchaseProcessed = "PurchaseProcessed"
	// PurchaseProcessedVersion is the body version written today.
	PurchaseProcessedVersion = 4
)

// Envelope is a stored event as read back from the store.
type Envelope struct {
	Position    int64           `json:"position"`
	EventID     uuid.UUID       `json:"event_id"`
	AggregateID uuid.UUID       `json:"aggregate_id"`
	Type        string          `json:"type"`
	Version     int             `json:"version"`
	OccurredOn  time.Time       `json:"occurred_on"`
	Body        json.RawMessage `json:"body"`
}

// Decode unmarshals the body into dst.
func (e Envelope) Decode(dst any) error {
	if err := json.Unmarshal(e.Body, dst); err != nil {
		return fmt.Errorf("events: decode %s %s: %w", e.Type, e.EventID, err)
	}
	return nil
}

// TransactionEntry is one attempt in an event's transaction collection.
type TransactionEntry struct {
	TransactionID string `json:"transaction_id"`
	State         string `json:"state"`
	BillerName    string `json:"biller_name,omitempty"`
}

// CrossSalePurchase describes a cross-sale bought in the same session.
type CrossSalePurchase struct {
	ItemID                string             `json:"item_id"`
	SiteID                string             `json:"site_id"`
	BundleID              string             `json:"bundle_id"`
	AddonID               string             `json:"addon_id"`
	IsSelected            bool               `json:"is_selected"`
	TransactionCollection []TransactionEntry `json:"transaction_collection"`
}

// Member identifies the buyer.
type Member struct {
	MemberID  string `json:"member_id,omitempty"`
	Email     string `json:"email,omitempty"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Country   string `json:"country_code,omitempty"`
	ZipCode   string `json:"zip_code,omitempty"`
}

// PurchaseProcessed is raised once per session that reaches Processed.
type PurchaseProcessed struct {
	Version               int                 `json:"version"`
	PurchaseID            string              `json:"purchase_id"`
	SessionID             uuid.UUID           `json:"session_id"`
	SiteID                string              `json:"site_id"`
	BusinessGroupID       string              `json:"business_group_id"`
	Member                Member              `json:"member"`
	ItemID                *string             `json:"item_id"`
	MainItemID            string              `json:"main_item_id"`
	BundleID              string              `json:"bundle_id"`
	AddonID               string              `json:"addon_id"`
	Amount                string              `json:"amount"`
	Currency              string              `json:"currency"`
	BillerName            string              `json:"biller_name"`
	PaymentType           string              `json:"payment_type"`
	PaymentMethod         string              `json:"payment_method"`
	PaymentTemplateID     string              `json:"payment_template_id,omitempty"`
	First6                string              `json:"first6,omitempty"`
	Last4                 string              `json:"last4,omitempty"`
	ThreeDRequired        bool                `json:"threed_required"`
	SkipVoidTransaction   bool                `json:"skip_void_transaction"`
	TransactionCollection []TransactionEntry  `json:"transaction_collection"`
	CrossSalePurchaseData []CrossSalePurchase `json:"cross_sale_purchase_data"`
}

// LastTransaction is the most recent main item attempt.
func (p PurchaseProcessed) LastTransaction() (TransactionEntry, bool) {
	if len(p.TransactionCollection) == 0 {
		return TransactionEntry{}, false
	}
	return p.TransactionCollection[len(p.TransactionCollection)-1], true
}

// NewPurchaseProcessed builds the event body from a processed session.
func NewPurchaseProcessed(p *purchase.Process) PurchaseProcessed {
	main := p.MainItem()
	user := p.User()
	payment := p.Payment()

	ev := PurchaseProcessed{
		Version:         PurchaseProcessedVersion,
		PurchaseID:      p.PurchaseID(),
		SessionID:       p.SessionID(),
		SiteID:          p.SiteID(),
		BusinessGroupID: p.BusinessGroupID(),
		Member: Member{
			MemberID:  p.MemberID(),
			Email:     user.Email,
			Username:  user.Username,
			FirstName: user.FirstName,
			LastName:  user.LastName,
			Country:   user.Country,
			ZipCode:   user.ZipCode,
		},
		MainItemID:            main.ItemID,
		BundleID:              main.BundleID,
		AddonID:               main.AddonID,
		Amount:                main.ChargeInformation.Amount.StringFixed(2),
		Currency:              main.ChargeInformation.Currency,
		PaymentType:           p.Billing().PaymentType,
		PaymentMethod:         p.Billing().PaymentMethod,
		PaymentTemplateID:     payment.PaymentTemplateID,
		First6:                payment.First6(),
		Last4:                 payment.Last4(),
		ThreeDRequired:        p.ThreeD().Version > 0,
		SkipVoidTransaction:   p.SkipVoidTransaction(),
		TransactionCollection: entries(main.Transactions),
		CrossSalePurchaseData: []CrossSalePurchase{},
	}
	if id := main.LastTransactionID(); id != "" {
		ev.ItemID = &id
	}
	if last, ok := main.Transactions.Last(); ok {
		ev.BillerName = last.BillerName
		if ev.First6 == "" {
			ev.First6 = last.First6
			ev.Last4 = last.Last4
		}
	}
	for _, cs := range p.Items().SelectedCrossSales() {
		ev.CrossSalePurchaseData = append(ev.CrossSalePurchaseData, CrossSalePurchase{
			ItemID:                cs.ItemID,
			SiteID:                cs.SiteID,
			BundleID:              cs.BundleID,
			AddonID:               cs.AddonID,
			IsSelected:            cs.IsCrossSaleSelected,
			TransactionCollection: entries(cs.Transactions),
		})
	}
	return ev
}

// DomainEvent wraps the body for recording on the aggregate.
func (p PurchaseProcessed) DomainEvent() purchase.DomainEvent {
	return purchase.DomainEvent{
		Type:    TypePurchaseProcessed,
		Version: PurchaseProcessedVersion,
		Body:    p,
	}
}

func entries(txs purchase.TransactionCollection) []TransactionEntry {
	out := make([]TransactionEntry, 0, len(txs))
	for _, tx := range txs {
		out = append(out, TransactionEntry{
			TransactionID: tx.TransactionID,
			State:         string(tx.State),
			BillerName:    tx.BillerName,
		})
	}
	return out
}
