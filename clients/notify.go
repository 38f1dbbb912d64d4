package clients

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/kostush/purchase-gateway-sub010/breaker"
	"github.com/kostush/purchase-gateway-sub010/command"
)

type PaymentTemplateClient struct {
	service
}

func NewPaymentTemplateClient(ep Endpoint, bs breaker.Settings, logger *slog.Logger) *PaymentTemplateClient {
	return &PaymentTemplateClient{service: newService("payment_template", ep, bs, logger)}
}

type templateResponse struct {
	TemplateID      string            `json:"templateId"`
	BillerName      string            `json:"billerName"`
	First6          string            `json:"firstSix"`
	Last4           string            `json:"lastFour"`
	ExpirationMonth string            `json:"expirationMonth"`
	ExpirationYear  string            `json:"expirationYear"`
	BillerFields    map[string]string `json:"billerFields"`
}

func (c *PaymentTemplateClient) Retrieve(ctx context.Context, templateID string, sessionID uuid.UUID) (command.PaymentTemplate, error) {
	resp, err := guarded[templateResponse](ctx, c.service, call{
		method: http.MethodGet,
		path:   "/api/v1/payment-template/{id}",
		params: map[string]string{"id": templateID},
		query:  map[string]string{"sessionId": sessionID.String()},
	})
	if err != nil {
		return command.PaymentTemplate{}, err
	}
	return command.PaymentTemplate{
		TemplateID:      resp.TemplateID,
		BillerName:      resp.BillerName,
		First6:          resp.First6,
		Last4:           resp.Last4,
		ExpirationMonth: resp.ExpirationMonth,
		ExpirationYear:  resp.ExpirationYear,
		BillerFields:    resp.BillerFields,
	}, nil
}

// PostbackClient hands merchant notifications to the postback service,
// which owns delivery and retries.
type PostbackClient struct {
	service
}

func NewPostbackClient(ep Endpoint, bs breaker.Settings, logger *slog.Logger) *PostbackClient {
	return &PostbackClient{service: newService("postback", ep, bs, logger)}
}

type postbackEnvelope struct {
	URL  string           `json:"url"`
	Body command.Postback `json:"body"`
}

func (c *PostbackClient) Queue(ctx context.Context, body command.Postback, postbackURL string) error {
	_, err := guarded[struct{}](ctx, c.service, call{
		method: http.MethodPost,
		path:   "/api/v1/postback",
		body:   postbackEnvelope{URL: postbackURL, Body: body},
	})
	return err
}

type BIClient struct {
	service
}

func NewBIClient(ep Endpoint, bs breaker.Settings, logger *slog.Logger) *BIClient {
	return &BIClient{service: newService("bi", ep, bs, logger)}
}

func (c *BIClient) Queue(ctx context.Context, ev command.BIEvent) error {
	_, err := guarded[struct{}](ctx, c.service, call{
		method: http.MethodPost,
		path:   "/api/v1/bi-events",
		body:   ev,
	})
	return err
}
