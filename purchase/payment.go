package purchase

import "strings"

// PaymentInfo carries either raw card data or a stored payment template.
type PaymentInfo struct {
	PaymentType       string `json:"payment_type"`
	PaymentMethod     string `json:"payment_method"`
	CCNumber          string `json:"cc_number,omitempty"`
	CVV               string `json:"cvv,omitempty"`
	ExpirationMonth   string `json:"expiration_month,omitempty"`
	ExpirationYear    string `json:"expiration_year,omitempty"`
	PaymentTemplateID string `json:"payment_template_id,omitempty"`
}

// HasCard reports whether raw card data is present.
func (p PaymentInfo) HasCard() bool {
	return p.CCNumber != ""
}

// First6 is the card BIN, empty without a card.
func (p PaymentInfo) First6() string {
	if len(p.CCNumber) < 6 {
		return ""
	}
	return p.CCNumber[:6]
}

// Last4 is empty without a card.
func (p PaymentInfo) Last4() string {
	if len(p.CCNumber) < 4 {
		return ""
	}
	return p.CCNumber[len(p.CCNumber)-4:]
}

// FraudAdvice is the fraud service verdict, tracked per step.
type FraudAdvice struct {
	Captcha              bool   `json:"captcha"`
	BlacklistedOnInit    bool   `json:"blacklisted_on_init"`
	BlacklistedOnProcess bool   `json:"blacklisted_on_process"`
	CaptchaValidated     bool   `json:"captcha_validated"`
	ForceThreeD          bool   `json:"force_threed"`
	DetectThreeDUsage    bool   `json:"detect_threed_usage"`
	Source               string `json:"source,omitempty"`
}

// NeutralFraudAdvice is used whenever the fraud service cannot answer.
func NeutralFraudAdvice() FraudAdvice {
	return FraudAdvice{Source: "default"}
}

// BlocksInit reports whether init must block the session.
func (f FraudAdvice) BlocksInit() bool {
	return f.BlacklistedOnInit || (f.Captcha && !f.CaptchaValidated)
}

// UserInfo describes the buyer.
type UserInfo struct {
	Email       string `json:"email,omitempty"`
	Username    string `json:"username,omitempty"`
	FirstName   string `json:"first_name,omitempty"`
	LastName    string `json:"last_name,omitempty"`
	ZipCode     string `json:"zip_code,omitempty"`
	Country     string `json:"country_code,omitempty"`
	IPAddress   string `json:"ip_address,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
}

// ThreeD is the 3-D Secure sub-state of a session.
type ThreeD struct {
	Version           int    `json:"version"`
	Authenticated     bool   `json:"authenticated"`
	LookupPerformed   bool   `json:"lookup_performed"`
	AcsURL            string `json:"acs_url,omitempty"`
	Pareq             string `json:"pareq,omitempty"`
	MD                string `json:"md,omitempty"`
	Pares             string `json:"pares,omitempty"`
	StepUpURL         string `json:"step_up_url,omitempty"`
	StepUpJWT         string `json:"step_up_jwt,omitempty"`
	DeviceCollectURL  string `json:"device_collection_url,omitempty"`
	DeviceCollectJWT  string `json:"device_collection_jwt,omitempty"`
	FrictionlessCheck bool   `json:"frictionless,omitempty"`
}

// IsThreeDTwo reports whether the biller negotiated 3DS version 2.
func (t ThreeD) IsThreeDTwo() bool {
	return t.Version == 2
}

func normalizeCountry(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
