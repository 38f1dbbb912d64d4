// Package purchase holds the purchase process aggregate and the state machine
// guarding its lifecycle.
package purchase

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kostush/purchase-gateway-sub010/cascade"
)

var (
	ErrItemNotFound   = errors.New("purchase: item not found")
	ErrNoTransaction  = errors.New("purchase: item has no transaction")
	ErrNoCascade      = errors.New("purchase: cascade not set")
	ErrMissingSession = errors.New("purchase: session id required")
)

// now is replaced in tests that need deterministic timestamps.
var now = func() time.Time { return time.Now().UTC() }

// BillingContext is what the cascade service routes on.
type BillingContext struct {
	Country       string `json:"country"`
	PaymentType   string `json:"payment_type"`
	PaymentMethod string `json:"payment_method"`
	TrafficSource string `json:"traffic_source"`
	Currency      string `json:"currency"`
}

// InitParams describes a new purchase session.
type InitParams struct {
	SessionID           uuid.UUID
	SiteID              string
	BusinessGroupID     string
	Billing             BillingContext
	MainItem            *InitializedItem
	CrossSales          []*InitializedItem
	RedirectURL         string
	PostbackURL         string
	ClientIP            string
	User                UserInfo
	SkipVoidTransaction bool
}

// DomainEvent is recorded by the aggregate and appended to the event store
// together with the session.
type DomainEvent struct {
	ID         uuid.UUID
	Type       string
	Version    int
	OccurredOn time.Time
	Body       any
}

// Process is the purchase process aggregate for one session. It is owned by a
// single command handler for the duration of a request.
type Process struct {
	sessionID       uuid.UUID
	state           State
	revision        int64
	siteID          string
	businessGroupID string
	billing         BillingContext
	items           *ItemCollection
	cascade         *cascade.Cascade
	payment         PaymentInfo
	fraud           FraudAdvice
	user            UserInfo
	submitNumber    int
	redirectURL     string
	billerRedirect  string
	postbackURL     string
	clientIP        string
	threeD          ThreeD
	purchaseID      string
	memberID        string
	skipVoid        bool
	createdAt       time.Time
	updatedAt       time.Time

	events []DomainEvent
}

// New starts a purchase process in the Created state.
func New(params InitParams) (*Process, error) {
	if params.SessionID == uuid.Nil {
		return nil, ErrMissingSession
	}
	if params.MainItem == nil {
		return nil, fmt.Errorf("purchase: new: %w", ErrItemNotFound)
	}
	params.Billing.Country = normalizeCountry(params.Billing.Country)
	ts := now()
	return &Process{
		sessionID:       params.SessionID,
		state:           StateCreated,
		siteID:          params.SiteID,
		businessGroupID: params.BusinessGroupID,
		billing:         params.Billing,
		items:           NewItemCollection(params.MainItem, params.CrossSales...),
		cascade:         cascade.New(),
		fraud:           NeutralFraudAdvice(),
		user:            params.User,
		redirectURL:     params.RedirectURL,
		postbackURL:     params.PostbackURL,
		clientIP:        params.ClientIP,
		skipVoid:        params.SkipVoidTransaction,
		createdAt:       ts,
		updatedAt:       ts,
	}, nil
}

func (p *Process) apply(t Transition) error {
	next, err := Next(p.state, t)
	if err != nil {
		return err
	}
	p.state = next
	p.updatedAt = now()
	return nil
}

func (p *Process) Validate() error { return p.apply(TransitionValidate) }
func (p *Process) BlockDueToFraudAdvice() error { return p.apply(TransitionBlockDueToFraudAdvice) }
func (p *Process) StartProcessing() error { return p.apply(TransitionStartProcessing) }
func (p *Process) StartPending() error { return p.apply(TransitionStartPending) }
func (p *Process) AuthenticateThreeD() error { return p.apply(TransitionAuthenticateThreeD) }
func (p *Process) PerformThreeDLookup() error { return p.apply(TransitionPerformThreeDLookup) }
func (p *Process) Redirect() error { return p.apply(TransitionRedirect) }
func (p *Process) FinishProcessing() error { return p.apply(TransitionFinishProcessing) }
func (p *Process) NoMoreBillersAvailable() error {
	return p.apply(TransitionNoMoreBillersAvailable)
}

func (p *Process) SessionID() uuid.UUID { return p.sessionID }
func (p *Process) State() State { return p.state }
func (p *Process) Revision() int64 { return p.revision }
func (p *Process) SiteID() string { return p.siteID }
func (p *Process) BusinessGroupID() string { return p.businessGroupID }
func (p *Process) Billing() BillingContext { return p.billing }
func (p *Process) Items() *ItemCollection { return p.items }
func (p *Process) MainItem() *InitializedItem { return p.items.Main() }
func (p *Process) Payment() PaymentInfo { return p.payment }
func (p *Process) FraudAdvice() FraudAdvice { return p.fraud }
func (p *Process) User() UserInfo { return p.user }
func (p *Process) GatewaySubmitNumber() int { return p.submitNumber }
func (p *Process) RedirectURL() string { return p.redirectURL }
func (p *Process) PostbackURL() string { return p.postbackURL }
func (p *Process) BillerRedirectURL() string { return p.billerRedirect }
func (p *Process) ClientIP() string { return p.clientIP }
func (p *Process) ThreeD() ThreeD { return p.threeD }
func (p *Process) PurchaseID() string { return p.purchaseID }
func (p *Process) MemberID() string { return p.memberID }
func (p *Process) SkipVoidTransaction() bool { return p.skipVoid }
func (p *Process) CreatedAt() time.Time { return p.createdAt }
func (p *Process) UpdatedAt() time.Time { return p.updatedAt }

// IsProcessed reports whether the session reached Processed.
func (p *Process) IsProcessed() bool { return p.state.IsProcessed() }

// IsValid reports whether the session awaits a new biller attempt.
func (p *Process) IsValid() bool { return p.state == StateValid }

// MarkPersisted records the revision written by the session store and drops
// the events it appended.
func (p *Process) MarkPersisted(revision int64) {
	p.revision = revision
	p.events = nil
}

func (p *Process) SetPayment(info PaymentInfo) {
	p.payment = info
	if info.PaymentMethod != "" {
		p.billing.PaymentMethod = info.PaymentMethod
	}
	if info.PaymentType != "" {
		p.billing.PaymentType = info.PaymentType
	}
}

func (p *Process) SetFraudAdvice(advice FraudAdvice) { p.fraud = advice }

// SetUser merges non-empty fields over the stored user info.
func (p *Process) SetUser(u UserInfo) {
	merge := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	merge(&p.user.Email, u.Email)
	merge(&p.user.Username, u.Username)
	merge(&p.user.FirstName, u.FirstName)
	merge(&p.user.LastName, u.LastName)
	merge(&p.user.ZipCode, u.ZipCode)
	merge(&p.user.Country, u.Country)
	merge(&p.user.IPAddress, u.IPAddress)
	merge(&p.user.PhoneNumber, u.PhoneNumber)
}

func (p *Process) SetThreeD(t ThreeD) { p.threeD = t }

// SetBillerRedirectURL stores the third-party payment page the customer is sent to.
func (p *Process) SetBillerRedirectURL(u string) { p.billerRedirect = u }

// SetCascade replaces the cascade, normally once per init.
func (p *Process) SetCascade(c *cascade.Cascade) { p.cascade = c }

func (p *Process) Cascade() *cascade.Cascade { return p.cascade }

// CurrentBiller is the biller the next attempt goes to.
func (p *Process) CurrentBiller() (cascade.Biller, bool) {
	if p.cascade == nil {
		return cascade.Biller{}, false
	}
	return p.cascade.Current()
}

// SelectCrossSales marks the chosen cross-sales; unknown ids fail.
func (p *Process) SelectCrossSales(itemIDs ...string) error {
	for _, id := range itemIDs {
		item, ok := p.items.Find(id)
		if !ok || !item.IsCrossSale {
			return fmt.Errorf("purchase: select cross-sale %s: %w", id, ErrItemNotFound)
		}
		item.IsCrossSaleSelected = true
	}
	return nil
}

// RecordAttempt appends a transaction to an item.
func (p *Process) RecordAttempt(itemID string, tx Transaction) error {
	item, ok := p.items.Find(itemID)
	if !ok {
		return fmt.Errorf("purchase: record attempt %s: %w", itemID, ErrItemNotFound)
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now()
	}
	item.appendTransaction(tx)
	p.updatedAt = now()
	return nil
}

// UpdateTransactionState rewrites the state of the item's last transaction.
func (p *Process) UpdateTransactionState(itemID string, state TransactionState) error {
	item, ok := p.items.Find(itemID)
	if !ok {
		return fmt.Errorf("purchase: update transaction %s: %w", itemID, ErrItemNotFound)
	}
	if !item.updateLastTransaction(state) {
		return fmt.Errorf("purchase: update transaction %s: %w", itemID, ErrNoTransaction)
	}
	p.updatedAt = now()
	return nil
}

// FindTransaction locates an item by one of its transaction ids.
func (p *Process) FindTransaction(transactionID string) (*InitializedItem, bool) {
	for _, item := range p.items.All() {
		for _, tx := range item.Transactions {
			if tx.TransactionID != "" && tx.TransactionID == transactionID {
				return item, true
			}
		}
	}
	return nil, false
}

// RecordDeclinedAttempt moves past a biller that declined or aborted the
// current attempt. The session goes back to Valid, the submit number grows
// and the cascade advances; when no biller is left the session ends in
// CascadeBillersExhausted.
func (p *Process) RecordDeclinedAttempt() error {
	if p.cascade == nil {
		return ErrNoCascade
	}
	switch p.state {
	case StateProcessing, StateThreeDLookupPerformed, StateRedirected:
		if err := p.apply(TransitionValidate); err != nil {
			return err
		}
	}
	if p.state != StateValid {
		return &IllegalTransitionError{From: p.state, Transition: TransitionNoMoreBillersAvailable}
	}
	p.submitNumber++
	if p.cascade.Advance() {
		return p.apply(TransitionNoMoreBillersAvailable)
	}
	return nil
}

// IncrementGatewaySubmitNumberIfValid bumps the submit counter while the
// session still awaits an attempt.
func (p *Process) IncrementGatewaySubmitNumberIfValid() bool {
	if p.state != StateValid {
		return false
	}
	p.submitNumber++
	return true
}

// AttachPurchase links the purchase record created for this session.
func (p *Process) AttachPurchase(purchaseID, memberID string) {
	p.purchaseID = purchaseID
	if memberID != "" {
		p.memberID = memberID
	}
}

// HasFailedTransactions reports any declined or aborted attempt on any item.
func (p *Process) HasFailedTransactions() bool {
	for _, item := range p.items.All() {
		for _, tx := range item.Transactions {
			if tx.State == TransactionDeclined || tx.State == TransactionAborted {
				return true
			}
		}
	}
	return false
}

// CheckForDeclinedAndNsfTransaction reports a main item declined for
// insufficient funds.
func (p *Process) CheckForDeclinedAndNsfTransaction() bool {
	last, ok := p.items.Main().Transactions.Last()
	return ok && last.State == TransactionDeclined && last.IsNSF
}

func (p *Process) IsBlacklistedOnProcess() bool { return p.fraud.BlacklistedOnProcess }

func (p *Process) WasMainItemPurchaseSuccessful() bool {
	return p.items.Main().WasSuccessfullyPurchased()
}

// Record queues a domain event for the next persist.
func (p *Process) Record(e DomainEvent) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.OccurredOn.IsZero() {
		e.OccurredOn = now()
	}
	p.events = append(p.events, e)
}

// PendingEvents returns events recorded since the last persist.
func (p *Process) PendingEvents() []DomainEvent {
	out := make([]DomainEvent, len(p.events))
	copy(out, p.events)
	return out
}

func (p *Process) ClearEvents() { p.events = nil }
