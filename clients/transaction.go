package clients

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/kostush/purchase-gateway-sub010/breaker"
	"github.com/kostush/purchase-gateway-sub010/command"
	"github.com/kostush/purchase-gateway-sub010/purchase"
	"github.com/kostush/purchase-gateway-sub010/voidtx"
)

// TransactionClient talks to the transaction service. Errors propagate so
// the handlers can abort the attempt and move the cascade on.
type TransactionClient struct {
	service
}

func NewTransactionClient(ep Endpoint, bs breaker.Settings, logger *slog.Logger) *TransactionClient {
	return &TransactionClient{service: newService("transaction", ep, bs, logger)}
}

type paymentPayload struct {
	Type              string `json:"type"`
	Method            string `json:"method"`
	CCNumber          string `json:"ccNumber,omitempty"`
	CVV               string `json:"cvv,omitempty"`
	ExpirationMonth   string `json:"expirationMonth,omitempty"`
	ExpirationYear    string `json:"expirationYear,omitempty"`
	PaymentTemplateID string `json:"paymentTemplateId,omitempty"`
}

func toPaymentPayload(p purchase.PaymentInfo) paymentPayload {
	return paymentPayload{
		Type:              p.PaymentType,
		Method:            p.PaymentMethod,
		CCNumber:          p.CCNumber,
		CVV:               p.CVV,
		ExpirationMonth:   p.ExpirationMonth,
		ExpirationYear:    p.ExpirationYear,
		PaymentTemplateID: p.PaymentTemplateID,
	}
}

type memberPayload struct {
	Email     string `json:"email,omitempty"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	ZipCode   string `json:"zipCode,omitempty"`
	Country   string `json:"country,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

type saleRequest struct {
	SessionID       string         `json:"sessionId"`
	SiteID          string         `json:"siteId"`
	ItemID          string         `json:"itemId"`
	Amount          string         `json:"amount"`
	Currency        string         `json:"currency"`
	InitialDays     int            `json:"initialDays"`
	RebillAmount    string         `json:"rebillAmount,omitempty"`
	RebillDays      int            `json:"rebillDays,omitempty"`
	IsTrial         bool           `json:"isTrial"`
	Payment         paymentPayload `json:"payment"`
	Member          memberPayload  `json:"member"`
	ClientIP        string         `json:"clientIp,omitempty"`
	UseThreeD       bool           `json:"useThreeD"`
	ForceThreeD     bool           `json:"forceThreeD"`
	ThreeDReturnURL string         `json:"threeDReturnUrl,omitempty"`
	ReturnURL       string         `json:"returnUrl,omitempty"`
	PostbackURL     string         `json:"postbackUrl,omitempty"`
}

type threeDPayload struct {
	Version             int    `json:"version"`
	AcsURL              string `json:"acsUrl"`
	Pareq               string `json:"pareq"`
	MD                  string `json:"md"`
	StepUpURL           string `json:"stepUpUrl"`
	StepUpJWT           string `json:"stepUpJwt"`
	DeviceCollectionURL string `json:"deviceCollectionUrl"`
	DeviceCollectionJWT string `json:"deviceCollectionJwt"`
}

type transactionResponse struct {
	TransactionID  string         `json:"transactionId"`
	Status         string         `json:"status"`
	First6         string         `json:"first6"`
	Last4          string         `json:"last4"`
	CardExpiry     string         `json:"cardExpirationDate"`
	IsNSF          bool           `json:"isNsf"`
	ThreeD         *threeDPayload `json:"threeD"`
	RedirectURL    string         `json:"redirectUrl"`
	ThreeDRequired bool           `json:"threeDRequired"`
}

func (r transactionResponse) result() command.TransactionResult {
	res := command.TransactionResult{
		TransactionID:  r.TransactionID,
		Status:         command.TransactionStatus(r.Status),
		First6:         r.First6,
		Last4:          r.Last4,
		CardExpiry:     r.CardExpiry,
		IsNSF:          r.IsNSF,
		RedirectURL:    r.RedirectURL,
		ThreeDRequired: r.ThreeDRequired,
	}
	switch res.Status {
	case command.StatusApproved, command.StatusDeclined, command.StatusPending:
	default:
		res.Status = command.StatusAborted
	}
	if r.ThreeD != nil {
		res.ThreeD = &purchase.ThreeD{
			Version:          r.ThreeD.Version,
			AcsURL:           r.ThreeD.AcsURL,
			Pareq:            r.ThreeD.Pareq,
			MD:               r.ThreeD.MD,
			StepUpURL:        r.ThreeD.StepUpURL,
			StepUpJWT:        r.ThreeD.StepUpJWT,
			DeviceCollectURL: r.ThreeD.DeviceCollectionURL,
			DeviceCollectJWT: r.ThreeD.DeviceCollectionJWT,
		}
	}
	return res
}

func (c *TransactionClient) AttemptTransaction(ctx context.Context, req command.TransactionRequest) (command.TransactionResult, error) {
	body := saleRequest{
		SessionID:       req.SessionID.String(),
		SiteID:          req.SiteID,
		Payment:         toPaymentPayload(req.Payment),
		ClientIP:        req.ClientIP,
		UseThreeD:       req.ThreeDEnabled,
		ForceThreeD:     req.ForceThreeD,
		ThreeDReturnURL: req.ThreeDReturnURL,
		ReturnURL:       req.ReturnURL,
		PostbackURL:     req.PostbackURL,
		Member: memberPayload{
			Email:     req.User.Email,
			Username:  req.User.Username,
			FirstName: req.User.FirstName,
			LastName:  req.User.LastName,
			ZipCode:   req.User.ZipCode,
			Country:   req.User.Country,
			Phone:     req.User.PhoneNumber,
		},
	}
	if req.Item != nil {
		ci := req.Item.ChargeInformation
		body.ItemID = req.Item.ItemID
		body.Amount = ci.Amount.StringFixed(2)
		body.Currency = ci.Currency
		body.InitialDays = ci.InitialDays
		body.RebillDays = ci.RebillDays
		body.IsTrial = ci.IsTrial
		if ci.IsRecurring() {
			body.RebillAmount = ci.RebillAmount.StringFixed(2)
		}
	}
	resp, err := guarded[transactionResponse](ctx, c.service, call{
		method: http.MethodPost,
		path:   "/api/v1/sale/{biller}",
		params: map[string]string{"biller": req.Biller.Name},
		body:   body,
	})
	if err != nil {
		return command.TransactionResult{}, err
	}
	return resp.result(), nil
}

type lookupRequest struct {
	SessionID           string         `json:"sessionId"`
	DeviceFingerprintID string         `json:"deviceFingerprintingId"`
	Payment             paymentPayload `json:"payment"`
	RedirectURL         string         `json:"redirectUrl"`
}

func (c *TransactionClient) PerformLookupThreeD(ctx context.Context, req command.LookupRequest) (command.TransactionResult, error) {
	resp, err := guarded[transactionResponse](ctx, c.service, call{
		method: http.MethodPost,
		path:   "/api/v1/transaction/{id}/{biller}/lookup",
		params: map[string]string{"id": req.TransactionID, "biller": req.Biller.Name},
		body: lookupRequest{
			SessionID:           req.SessionID.String(),
			DeviceFingerprintID: req.DeviceFingerprintID,
			Payment:             toPaymentPayload(req.Payment),
			RedirectURL:         req.ThreeDReturnURL,
		},
	})
	if err != nil {
		return command.TransactionResult{}, err
	}
	return resp.result(), nil
}

type completeRequest struct {
	SessionID   string `json:"sessionId"`
	Pares       string `json:"pares,omitempty"`
	MD          string `json:"md,omitempty"`
	QueryString string `json:"queryString,omitempty"`
}

func (c *TransactionClient) complete(ctx context.Context, path string, req command.CompleteRequest) (command.TransactionResult, error) {
	resp, err := guarded[transactionResponse](ctx, c.service, call{
		method: http.MethodPost,
		path:   path,
		params: map[string]string{"id": req.TransactionID, "biller": req.Biller.Name},
		body: completeRequest{
			SessionID:   req.SessionID.String(),
			Pares:       req.Pares,
			MD:          req.MD,
			QueryString: req.QueryString,
		},
	})
	if err != nil {
		return command.TransactionResult{}, err
	}
	return resp.result(), nil
}

func (c *TransactionClient) AttemptCompleteThreeDTransaction(ctx context.Context, req command.CompleteRequest) (command.TransactionResult, error) {
	return c.complete(ctx, "/api/v1/transaction/{id}/{biller}/complete", req)
}

func (c *TransactionClient) SimplifiedCompleteThreeD(ctx context.Context, req command.CompleteRequest) (command.TransactionResult, error) {
	return c.complete(ctx, "/api/v1/transaction/{id}/{biller}/simplified-complete", req)
}

type retrievedResponse struct {
	TransactionID     string            `json:"transactionId"`
	Status            string            `json:"status"`
	BillerName        string            `json:"billerName"`
	First6            string            `json:"first6"`
	Last4             string            `json:"last4"`
	CardExpiry        string            `json:"cardExpirationDate"`
	PaymentTemplateID string            `json:"paymentTemplateId"`
	MerchantAccount   map[string]string `json:"billerSettings"`
}

func (c *TransactionClient) GetTransactionDataBy(ctx context.Context, transactionID string, sessionID uuid.UUID) (command.RetrievedTransaction, error) {
	resp, err := guarded[retrievedResponse](ctx, c.service, call{
		method: http.MethodGet,
		path:   "/api/v1/transaction/{id}/session/{sessionId}",
		params: map[string]string{"id": transactionID, "sessionId": sessionID.String()},
	})
	if err != nil {
		return command.RetrievedTransaction{}, err
	}
	return command.RetrievedTransaction{
		TransactionID:     resp.TransactionID,
		Status:            command.TransactionStatus(resp.Status),
		BillerName:        resp.BillerName,
		First6:            resp.First6,
		Last4:             resp.Last4,
		CardExpiry:        resp.CardExpiry,
		PaymentTemplateID: resp.PaymentTemplateID,
		MerchantAccount:   resp.MerchantAccount,
	}, nil
}

type interactionRequest struct {
	SessionID string            `json:"sessionId"`
	Type      string            `json:"type"`
	Payload   map[string]string `json:"payload"`
}

func (c *TransactionClient) AddBillerInteraction(ctx context.Context, in command.BillerInteraction) (command.TransactionResult, error) {
	resp, err := guarded[transactionResponse](ctx, c.service, call{
		method: http.MethodPost,
		path:   "/api/v1/transaction/{id}/{biller}/biller-interaction",
		params: map[string]string{"id": in.TransactionID, "biller": in.Biller},
		body:   interactionRequest{SessionID: in.SessionID.String(), Type: in.Kind, Payload: in.Payload},
	})
	if err != nil {
		return command.TransactionResult{}, err
	}
	return resp.result(), nil
}

// PublishVoid implements voidtx.Publisher.
func (c *TransactionClient) PublishVoid(ctx context.Context, req voidtx.VoidRequest) error {
	_, err := guarded[struct{}](ctx, c.service, call{
		method: http.MethodPost,
		path:   "/api/v1/transaction/{id}/{biller}/void",
		params: map[string]string{"id": req.TransactionID, "biller": req.BillerName},
		body:   req,
	})
	return err
}
