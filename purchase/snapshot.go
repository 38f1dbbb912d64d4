package purchase

import (
	"time"

	"github.com/google/uuid"

	"github.com/kostush/purchase-gateway-sub010/cascade"
)

// Snapshot is the persisted shape of a Process.
type Snapshot struct {
	SessionID           uuid.UUID          `json:"session_id"`
	State               State              `json:"state"`
	Revision            int64              `json:"revision"`
	SiteID              string             `json:"site_id"`
	BusinessGroupID     string             `json:"business_group_id"`
	Billing             BillingContext     `json:"billing"`
	Items               []*InitializedItem `json:"items"`
	Cascade             *cascade.Cascade   `json:"cascade"`
	Payment             PaymentInfo        `json:"payment_info"`
	FraudAdvice         FraudAdvice        `json:"fraud_advice"`
	User                UserInfo           `json:"user_info"`
	GatewaySubmitNumber int                `json:"gateway_submit_number"`
	RedirectURL         string             `json:"redirect_url"`
	BillerRedirectURL   string             `json:"biller_redirect_url,omitempty"`
	PostbackURL         string             `json:"postback_url"`
	ClientIP            string             `json:"client_ip"`
	ThreeD              ThreeD             `json:"three_d"`
	PurchaseID          string             `json:"purchase_id,omitempty"`
	MemberID            string             `json:"member_id,omitempty"`
	SkipVoidTransaction bool               `json:"skip_void_transaction"`
	CreatedAt           time.Time          `json:"created_at"`
	UpdatedAt           time.Time          `json:"updated_at"`
}

// Snapshot copies the aggregate state. Pending events are not part of it.
func (p *Process) Snapshot() Snapshot {
	return Snapshot{
		SessionID:           p.sessionID,
		State:               p.state,
		Revision:            p.revision,
		SiteID:              p.siteID,
		BusinessGroupID:     p.businessGroupID,
		Billing:             p.billing,
		Items:               p.items.All(),
		Cascade:             p.cascade,
		Payment:             p.payment,
		FraudAdvice:         p.fraud,
		User:                p.user,
		GatewaySubmitNumber: p.submitNumber,
		RedirectURL:         p.redirectURL,
		BillerRedirectURL:   p.billerRedirect,
		PostbackURL:         p.postbackURL,
		ClientIP:            p.clientIP,
		ThreeD:              p.threeD,
		PurchaseID:          p.purchaseID,
		MemberID:            p.memberID,
		SkipVoidTransaction: p.skipVoid,
		CreatedAt:           p.createdAt,
		UpdatedAt:           p.updatedAt,
	}
}

// FromSnapshot rehydrates an aggregate.
func FromSnapshot(s Snapshot) (*Process, error) {
	if s.SessionID == uuid.Nil {
		return nil, ErrMissingSession
	}
	if len(s.Items) == 0 {
		return nil, ErrItemNotFound
	}
	if _, ok := stateNames[s.State]; !ok {
		return nil, &StateRestoreError{Name: s.State.String()}
	}
	c := s.Cascade
	if c == nil {
		c = cascade.New()
	}
	return &Process{
		sessionID:       s.SessionID,
		state:           s.State,
		revision:        s.Revision,
		siteID:          s.SiteID,
		businessGroupID: s.BusinessGroupID,
		billing:         s.Billing,
		items:           &ItemCollection{items: s.Items},
		cascade:         c,
		payment:         s.Payment,
		fraud:           s.FraudAdvice,
		user:            s.User,
		submitNumber:    s.GatewaySubmitNumber,
		redirectURL:     s.RedirectURL,
		billerRedirect:  s.BillerRedirectURL,
		postbackURL:     s.PostbackURL,
		clientIP:        s.ClientIP,
		threeD:          s.ThreeD,
		purchaseID:      s.PurchaseID,
		memberID:        s.MemberID,
		skipVoid:        s.SkipVoidTransaction,
		createdAt:       s.CreatedAt,
		updatedAt:       s.UpdatedAt,
	}, nil
}
