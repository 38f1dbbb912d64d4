package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/kostush/purchase-gateway-sub010/command"
	"github.com/kostush/purchase-gateway-sub010/purchase"
)

const maxBodyBytes = 1 << 20

type chargeRequest struct {
	SiteID       string          `json:"siteId"`
	BundleID     string          `json:"bundleId"`
	AddonID      string          `json:"addonId"`
	Amount       decimal.Decimal `json:"amount"`
	InitialDays  int             `json:"initialDays"`
	RebillAmount decimal.Decimal `json:"rebillAmount"`
	RebillDays   int             `json:"rebillDays"`
	IsTrial      bool            `json:"isTrial"`
}

func (c chargeRequest) charge() command.Charge {
	return command.Charge{
		SiteID:       c.SiteID,
		BundleID:     c.BundleID,
		AddonID:      c.AddonID,
		Amount:       c.Amount,
		InitialDays:  c.InitialDays,
		RebillAmount: c.RebillAmount,
		RebillDays:   c.RebillDays,
		IsTrial:      c.IsTrial,
	}
}

type memberRequest struct {
	Email       string `json:"email"`
	Username    string `json:"username"`
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	ZipCode     string `json:"zipCode"`
	Country     string `json:"country"`
	PhoneNumber string `json:"phone"`
}

func (m memberRequest) user(ip string) purchase.UserInfo {
	return purchase.UserInfo{
		Email:       m.Email,
		Username:    m.Username,
		FirstName:   m.FirstName,
		LastName:    m.LastName,
		ZipCode:     m.ZipCode,
		Country:     m.Country,
		PhoneNumber: m.PhoneNumber,
		IPAddress:   ip,
	}
}

type initRequest struct {
	chargeRequest
	Currency            string            `json:"currency"`
	ClientIP            string            `json:"clientIp"`
	PaymentType         string            `json:"paymentType"`
	PaymentMethod       string            `json:"paymentMethod"`
	TrafficSource       string            `json:"trafficSource"`
	RedirectURL         string            `json:"redirectUrl"`
	PostbackURL         string            `json:"postbackUrl"`
	CrossSells          []chargeRequest   `json:"crossSellOptions"`
	Member              memberRequest     `json:"member"`
	FraudParams         map[string]string `json:"fraudParams"`
	SkipVoidTransaction bool              `json:"skipVoidTransaction"`
}

type initResponse struct {
	command.Result
	Token string `json:"token"`
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	var req initRequest
	if !decode(w, r, &req) {
		return
	}
	clientIP := req.ClientIP
	if clientIP == "" {
		clientIP = r.RemoteAddr
	}
	cmd := command.InitCommand{
		SiteID:              req.SiteID,
		Main:                req.charge(),
		Currency:            req.Currency,
		Country:             req.Member.Country,
		PaymentType:         req.PaymentType,
		PaymentMethod:       req.PaymentMethod,
		TrafficSource:       req.TrafficSource,
		ClientIP:            clientIP,
		RedirectURL:         req.RedirectURL,
		PostbackURL:         req.PostbackURL,
		User:                req.Member.user(clientIP),
		FraudParams:         req.FraudParams,
		SkipVoidTransaction: req.SkipVoidTransaction,
	}
	for _, cs := range req.CrossSells {
		cmd.CrossSales = append(cmd.CrossSales, cs.charge())
	}

	res, err := s.handlers.Init.Execute(r.Context(), cmd)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	tok, err := s.tokens.Issue(res.SessionID)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("api: issue token: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, initResponse{Result: res, Token: tok})
}

type paymentRequest struct {
	Type              string `json:"type"`
	Method            string `json:"method"`
	CCNumber          string `json:"ccNumber"`
	CVV               string `json:"cvv"`
	ExpirationMonth   string `json:"cardExpirationMonth"`
	ExpirationYear    string `json:"cardExpirationYear"`
	PaymentTemplateID string `json:"paymentTemplateId"`
}

type processRequest struct {
	Payment            paymentRequest    `json:"payment"`
	Member             memberRequest     `json:"member"`
	SelectedCrossSells []string          `json:"selectedCrossSells"`
	CaptchaValidated   bool              `json:"captchaValidated"`
	FraudParams        map[string]string `json:"fraudParams"`
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if !decode(w, r, &req) {
		return
	}
	s.run(w, r, s.handlers.Process, command.ProcessCommand{
		SessionID: sessionFrom(r.Context()),
		Payment: purchase.PaymentInfo{
			PaymentType:       req.Payment.Type,
			PaymentMethod:     req.Payment.Method,
			CCNumber:          req.Payment.CCNumber,
			CVV:               req.Payment.CVV,
			ExpirationMonth:   req.Payment.ExpirationMonth,
			ExpirationYear:    req.Payment.ExpirationYear,
			PaymentTemplateID: req.Payment.PaymentTemplateID,
		},
		User:               req.Member.user(r.RemoteAddr),
		SelectedCrossSales: req.SelectedCrossSells,
		CaptchaValidated:   req.CaptchaValidated,
		FraudParams:        req.FraudParams,
	})
}

type lookupRequest struct {
	DeviceFingerprintID string `json:"deviceFingerprintingId"`
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	var req lookupRequest
	if !decode(w, r, &req) {
		return
	}
	s.run(w, r, s.handlers.LookupThreeD, command.LookupThreeDCommand{
		SessionID:           sessionFrom(r.Context()),
		DeviceFingerprintID: req.DeviceFingerprintID,
	})
}

// handleComplete receives the ACS form post.
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		writeProblem(w, http.StatusBadRequest, string(command.CodeInvalidCommand), "malformed form body")
		return
	}
	s.run(w, r, s.handlers.CompleteThreeD, command.CompleteThreeDCommand{
		SessionID: sessionFrom(r.Context()),
		Pares:     firstOf(r.PostForm.Get("PaRes"), r.PostForm.Get("pares")),
		MD:        firstOf(r.PostForm.Get("MD"), r.PostForm.Get("md")),
	})
}

func (s *Server) handleSimplifiedComplete(w http.ResponseWriter, r *http.Request) {
	s.run(w, r, s.handlers.SimplifiedComplete, command.SimplifiedCompleteThreeDCommand{
		SessionID:   sessionFrom(r.Context()),
		QueryString: r.URL.RawQuery,
	})
}

func (s *Server) handleReturn(w http.ResponseWriter, r *http.Request) {
	payload, ok := formPayload(w, r)
	if !ok {
		return
	}
	s.run(w, r, s.handlers.ThirdPartyReturn, command.ThirdPartyReturnCommand{
		SessionID: sessionFrom(r.Context()),
		Payload:   payload,
	})
}

func (s *Server) handlePostback(w http.ResponseWriter, r *http.Request) {
	payload, ok := formPayload(w, r)
	if !ok {
		return
	}
	s.run(w, r, s.handlers.ThirdPartyPostback, command.ThirdPartyPostbackCommand{
		SessionID: sessionFrom(r.Context()),
		Type:      r.URL.Query().Get("type"),
		Payload:   payload,
	})
}

func (s *Server) run(w http.ResponseWriter, r *http.Request, h Executor, cmd any) {
	res, err := h.Execute(r.Context(), cmd)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		writeProblem(w, http.StatusBadRequest, string(command.CodeInvalidCommand), "malformed json body")
		return false
	}
	return true
}

// formPayload flattens query and form values, or a JSON object body, into
// one map. The first value of a repeated key wins.
func formPayload(w http.ResponseWriter, r *http.Request) (map[string]string, bool) {
	out := map[string]string{}
	if r.Header.Get("Content-Type") == "application/json" {
		var body map[string]any
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
			writeProblem(w, http.StatusBadRequest, string(command.CodeInvalidCommand), "malformed json body")
			return nil, false
		}
		for k, v := range body {
			out[k] = fmt.Sprint(v)
		}
	} else {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		if err := r.ParseForm(); err != nil {
			writeProblem(w, http.StatusBadRequest, string(command.CodeInvalidCommand), "malformed form body")
			return nil, false
		}
		for k, vs := range r.Form {
			if len(vs) > 0 {
				out[k] = vs[0]
			}
		}
	}
	for k, vs := range r.URL.Query() {
		if _, ok := out[k]; !ok && len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out, true
}

func firstOf(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
