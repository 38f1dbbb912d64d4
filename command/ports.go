package command

import (
	"context"

	"github.com/google/uuid"

	"github.com/kostush/purchase-gateway-sub010/cascade"
	"github.com/kostush/purchase-gateway-sub010/idempotency"
	"github.com/kostush/purchase-gateway-sub010/purchase"
	"github.com/kostush/purchase-gateway-sub010/session"
	"github.com/kostush/purchase-gateway-sub010/site"
)

// CascadeService is implemented by cascade.Selector.
type CascadeService interface {
	Select(ctx context.Context, req cascade.Request) *cascade.Cascade
}

// TransactionStatus is how a biller answered a submit.
type TransactionStatus string

const (
	StatusApproved TransactionStatus = "approved"
	StatusDeclined TransactionStatus = "declined"
	StatusPending  TransactionStatus = "pending"
	StatusAborted  TransactionStatus = "aborted"
)

// State converts the status into the item transaction state.
func (s TransactionStatus) State() purchase.TransactionState {
	switch s {
	case StatusApproved:
		return purchase.TransactionApproved
	case StatusDeclined:
		return purchase.TransactionDeclined
	case StatusPending:
		return purchase.TransactionPending
	default:
		return purchase.TransactionAborted
	}
}

// TransactionRequest is one biller submit for one item.
type TransactionRequest struct {
	SessionID     uuid.UUID
	SiteID        string
	Biller        cascade.Biller
	Item          *purchase.InitializedItem
	Payment       purchase.PaymentInfo
	User          purchase.UserInfo
	ClientIP      string
	ThreeDEnabled bool
	ForceThreeD   bool
	// ThreeDReturnURL is where the ACS sends the customer back to.
	ThreeDReturnURL string
	// ReturnURL and PostbackURL are only used by third-party billers.
	ReturnURL   string
	PostbackURL string
}

// TransactionResult is the biller answer to a submit.
type TransactionResult struct {
	TransactionID  string
	Status         TransactionStatus
	First6         string
	Last4          string
	CardExpiry     string
	IsNSF          bool
	ThreeD         *purchase.ThreeD
	RedirectURL    string
	ThreeDRequired bool
}

// LookupRequest continues a 3DS2 attempt after device collection.
type LookupRequest struct {
	SessionID           uuid.UUID
	TransactionID       string
	Biller              cascade.Biller
	DeviceFingerprintID string
	Payment             purchase.PaymentInfo
	ThreeDReturnURL     string
}

// CompleteRequest finishes a 3DS attempt with the ACS answer.
type CompleteRequest struct {
	SessionID     uuid.UUID
	TransactionID string
	Biller        cascade.Biller
	Pares         string
	MD            string
	// QueryString holds the raw 3DS2 completion parameters.
	QueryString string
}

// RetrievedTransaction is the transaction service view of an attempt.
type RetrievedTransaction struct {
	TransactionID     string
	Status            TransactionStatus
	BillerName        string
	First6            string
	Last4             string
	CardExpiry        string
	PaymentTemplateID string
	MerchantAccount   map[string]string
}

// BillerInteraction carries the payload a third-party biller sent back.
type BillerInteraction struct {
	SessionID     uuid.UUID
	TransactionID string
	Biller        string
	Kind          string
	Payload       map[string]string
}

type TransactionService interface {
	AttemptTransaction(ctx context.Context, req TransactionRequest) (TransactionResult, error)
	PerformLookupThreeD(ctx context.Context, req LookupRequest) (TransactionResult, error)
	AttemptCompleteThreeDTransaction(ctx context.Context, req CompleteRequest) (TransactionResult, error)
	SimplifiedCompleteThreeD(ctx context.Context, req CompleteRequest) (TransactionResult, error)
	GetTransactionDataBy(ctx context.Context, transactionID string, sessionID uuid.UUID) (RetrievedTransaction, error)
	AddBillerInteraction(ctx context.Context, in BillerInteraction) (TransactionResult, error)
}

// ConfigService returns nil for unknown or inactive sites.
type ConfigService interface {
	GetSite(ctx context.Context, siteID string) (*site.Site, error)
}

// FraudStep names the point of the flow advice is requested for.
type FraudStep string

const (
	FraudStepInit    FraudStep = "init"
	FraudStepProcess FraudStep = "process"
)

type FraudRequest struct {
	SessionID uuid.UUID
	SiteID    string
	Step      FraudStep
	Params    map[string]string
}

// FraudService falls back to neutral advice when the fraud service is down.
type FraudService interface {
	RetrieveAdvice(ctx context.Context, req FraudRequest) purchase.FraudAdvice
}

// PaymentTemplate is a stored card the buyer pays with again.
type PaymentTemplate struct {
	TemplateID      string
	BillerName      string
	First6          string
	Last4           string
	ExpirationMonth string
	ExpirationYear  string
	BillerFields    map[string]string
}

type PaymentTemplateService interface {
	Retrieve(ctx context.Context, templateID string, sessionID uuid.UUID) (PaymentTemplate, error)
}

// Postback is the merchant notification body.
type Postback struct {
	SessionID  uuid.UUID `json:"sessionId"`
	PurchaseID string    `json:"purchaseId,omitempty"`
	MemberID   string    `json:"memberId,omitempty"`
	Success    bool      `json:"success"`
	State      string    `json:"state"`
	Result     Result    `json:"result"`
}

type PostbackService interface {
	Queue(ctx context.Context, body Postback, postbackURL string) error
}

// BIEvent is an analytics event shipped best effort.
type BIEvent struct {
	Type      string         `json:"type"`
	SessionID uuid.UUID      `json:"sessionId"`
	Payload   map[string]any `json:"payload"`
}

type BILogger interface {
	Queue(ctx context.Context, ev BIEvent) error
}

// SessionStore is implemented by session.Repository.
type SessionStore interface {
	Create(ctx context.Context, p *purchase.Process) error
	Load(ctx context.Context, id uuid.UUID) (*purchase.Process, error)
	Update(ctx context.Context, p *purchase.Process) error
}

// PurchaseStore is implemented by session.PurchaseRepository.
type PurchaseStore interface {
	Create(ctx context.Context, rec session.PurchaseRecord) (session.PurchaseRecord, error)
	FindBySession(ctx context.Context, sessionID uuid.UUID) (session.PurchaseRecord, error)
}

// IdempotencyStore is the side channel behind the guard.
type IdempotencyStore = idempotency.Store

// URLBuilder produces the callback URLs handed to billers. Each URL carries a
// token naming the session.
type URLBuilder interface {
	ThreeDCompleteURL(sessionID uuid.UUID) (string, error)
	ThreeDSimplifiedURL(sessionID uuid.UUID) (string, error)
	ThirdPartyReturnURL(sessionID uuid.UUID) (string, error)
	ThirdPartyPostbackURL(sessionID uuid.UUID) (string, error)
}
