package purchase

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionState is the billing outcome of a single biller submit.
type TransactionState string

const (
	TransactionPending  TransactionState = "pending"
	TransactionApproved TransactionState = "approved"
	TransactionDeclined TransactionState = "declined"
	TransactionAborted  TransactionState = "aborted"
)

// IsTerminal reports whether the biller resolved the transaction.
func (s TransactionState) IsTerminal() bool {
	return s == TransactionApproved || s == TransactionDeclined || s == TransactionAborted
}

// Transaction is one biller submit attempt for an item.
type Transaction struct {
	TransactionID string           `json:"transaction_id"`
	State         TransactionState `json:"state"`
	BillerName    string           `json:"biller_name"`
	First6        string           `json:"first6,omitempty"`
	Last4         string           `json:"last4,omitempty"`
	CardExpiry    string           `json:"card_expiry,omitempty"`
	IsNSF         bool             `json:"is_nsf"`
	ThreeDVersion int              `json:"threed_version,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}

// TransactionCollection is append-only, ordered by submit.
type TransactionCollection []Transaction

// Last returns the most recently appended transaction.
func (c TransactionCollection) Last() (Transaction, bool) {
	if len(c) == 0 {
		return Transaction{}, false
	}
	return c[len(c)-1], true
}

// LastTransactionID is empty when nothing was submitted yet.
func (c TransactionCollection) LastTransactionID() string {
	last, ok := c.Last()
	if !ok {
		return ""
	}
	return last.TransactionID
}

// ChargeInformation describes what is charged for an item.
type ChargeInformation struct {
	Amount       decimal.Decimal `json:"amount"`
	InitialDays  int             `json:"initial_days"`
	RebillAmount decimal.Decimal `json:"rebill_amount"`
	RebillDays   int             `json:"rebill_days"`
	Currency     string          `json:"currency"`
	IsTrial      bool            `json:"is_trial"`
}

// IsRecurring reports whether the item rebills.
func (c ChargeInformation) IsRecurring() bool {
	return c.RebillDays > 0 && c.RebillAmount.IsPositive()
}

// InitializedItem is the main product or one cross-sale of a session.
type InitializedItem struct {
	ItemID              string                `json:"item_id"`
	SiteID              string                `json:"site_id"`
	BundleID            string                `json:"bundle_id"`
	AddonID             string                `json:"addon_id"`
	IsCrossSale         bool                  `json:"is_cross_sale"`
	IsCrossSaleSelected bool                  `json:"is_cross_sale_selected"`
	ChargeInformation   ChargeInformation     `json:"charge_information"`
	Transactions        TransactionCollection `json:"transaction_collection"`
}

// LastTransactionID refers to the most recently appended transaction.
func (i *InitializedItem) LastTransactionID() string {
	return i.Transactions.LastTransactionID()
}

// LastTransactionState is empty when nothing was submitted yet.
func (i *InitializedItem) LastTransactionState() TransactionState {
	last, ok := i.Transactions.Last()
	if !ok {
		return ""
	}
	return last.State
}

// WasSuccessfullyPurchased holds iff the last transaction was approved.
func (i *InitializedItem) WasSuccessfullyPurchased() bool {
	return i.LastTransactionState() == TransactionApproved
}

func (i *InitializedItem) appendTransaction(tx Transaction) {
	i.Transactions = append(i.Transactions, tx)
}

// updateLastTransaction rewrites the state of the latest attempt in place.
func (i *InitializedItem) updateLastTransaction(state TransactionState) bool {
	if len(i.Transactions) == 0 {
		return false
	}
	i.Transactions[len(i.Transactions)-1].State = state
	return true
}

// ItemCollection keeps the main item first, followed by cross-sales.
type ItemCollection struct {
	items []*InitializedItem
}

func NewItemCollection(main *InitializedItem, crossSales ...*InitializedItem) *ItemCollection {
	items := make([]*InitializedItem, 0, 1+len(crossSales))
	items = append(items, main)
	for _, cs := range crossSales {
		cs.IsCrossSale = true
		items = append(items, cs)
	}
	return &ItemCollection{items: items}
}

// All returns every item, main item first.
func (c *ItemCollection) All() []*InitializedItem {
	return c.items
}

func (c *ItemCollection) Main() *InitializedItem {
	if len(c.items) == 0 {
		return nil
	}
	return c.items[0]
}

func (c *ItemCollection) CrossSales() []*InitializedItem {
	if len(c.items) < 2 {
		return nil
	}
	return c.items[1:]
}

// SelectedCrossSales are the cross-sales the customer chose to buy.
func (c *ItemCollection) SelectedCrossSales() []*InitializedItem {
	var out []*InitializedItem
	for _, cs := range c.CrossSales() {
		if cs.IsCrossSaleSelected {
			out = append(out, cs)
		}
	}
	return out
}

func (c *ItemCollection) Find(itemID string) (*InitializedItem, bool) {
	for _, item := range c.items {
		if item.ItemID == itemID {
			return item, true
		}
	}
	return nil, false
}
