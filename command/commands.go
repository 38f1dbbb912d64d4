package command

import (
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kostush/purchase-gateway-sub010/purchase"
)

// Charge describes the price of the main item or a cross-sale offer.
type Charge struct {
	SiteID       string
	BundleID     string
	AddonID      string
	Amount       decimal.Decimal
	InitialDays  int
	RebillAmount decimal.Decimal
	RebillDays   int
	IsTrial      bool
}

func (c Charge) validate(field string) error {
	switch {
	case c.BundleID == "":
		return invalidField(field + ": bundle id is required")
	case c.Amount.IsNegative():
		return invalidField(field + ": amount must not be negative")
	case c.RebillAmount.IsNegative():
		return invalidField(field + ": rebill amount must not be negative")
	}
	return nil
}

func (c Charge) item(itemID, siteID, currency string) *purchase.InitializedItem {
	if c.SiteID != "" {
		siteID = c.SiteID
	}
	return &purchase.InitializedItem{
		ItemID:   itemID,
		SiteID:   siteID,
		BundleID: c.BundleID,
		AddonID:  c.AddonID,
		ChargeInformation: purchase.ChargeInformation{
			Amount:       c.Amount,
			InitialDays:  c.InitialDays,
			RebillAmount: c.RebillAmount,
			RebillDays:   c.RebillDays,
			Currency:     currency,
			IsTrial:      c.IsTrial,
		},
	}
}

// InitCommand opens a purchase session. A nil SessionID gets a fresh one.
type InitCommand struct {
	SessionID           uuid.UUID
	SiteID              string
	Main                Charge
	CrossSales          []Charge
	Currency            string
	Country             string
	PaymentType         string
	PaymentMethod       string
	TrafficSource       string
	ClientIP            string
	RedirectURL         string
	PostbackURL         string
	User                purchase.UserInfo
	FraudParams         map[string]string
	SkipVoidTransaction bool
}

func (c InitCommand) validate() error {
	if c.SiteID == "" {
		return invalidField("site id is required")
	}
	if len(strings.TrimSpace(c.Currency)) != 3 {
		return invalidField("currency must be a three letter code")
	}
	if c.PaymentType == "" {
		return invalidField("payment type is required")
	}
	if err := c.Main.validate("main item"); err != nil {
		return err
	}
	for _, cs := range c.CrossSales {
		if err := cs.validate("cross-sale"); err != nil {
			return err
		}
	}
	return nil
}

// ProcessCommand submits payment for a validated session.
type ProcessCommand struct {
	SessionID          uuid.UUID
	Payment            purchase.PaymentInfo
	User               purchase.UserInfo
	SelectedCrossSales []string
	CaptchaValidated   bool
	FraudParams        map[string]string
}

func (c ProcessCommand) validate() error {
	if c.SessionID == uuid.Nil {
		return invalidField("session id is required")
	}
	if !c.Payment.HasCard() && c.Payment.PaymentTemplateID == "" && c.Payment.PaymentType == "cc" {
		return invalidField("card number or payment template is required")
	}
	return nil
}

// LookupThreeDCommand continues 3DS2 once device collection finished.
type LookupThreeDCommand struct {
	SessionID           uuid.UUID
	DeviceFingerprintID string
}

// CompleteThreeDCommand carries the 3DS1 ACS answer.
type CompleteThreeDCommand struct {
	SessionID uuid.UUID
	Pares     string
	MD        string
}

// SimplifiedCompleteThreeDCommand carries the raw 3DS2 completion query.
type SimplifiedCompleteThreeDCommand struct {
	SessionID   uuid.UUID
	QueryString string
}

// ThirdPartyReturnCommand is the customer coming back from a biller page.
type ThirdPartyReturnCommand struct {
	SessionID uuid.UUID
	Payload   map[string]string
}

// ThirdPartyPostbackCommand is the biller notifying the outcome server to server.
type ThirdPartyPostbackCommand struct {
	SessionID uuid.UUID
	Type      string
	Payload   map[string]string
}

func requireSession(id uuid.UUID) error {
	if id == uuid.Nil {
		return invalidField("session id is required")
	}
	return nil
}
