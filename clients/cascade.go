package clients

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/kostush/purchase-gateway-sub010/breaker"
	"github.com/kostush/purchase-gateway-sub010/cascade"
)

type CascadeClient struct {
	service
}

func NewCascadeClient(ep Endpoint, bs breaker.Settings, logger *slog.Logger) *CascadeClient {
	return &CascadeClient{service: newService("cascade", ep, bs, logger)}
}

type cascadeRequest struct {
	SessionID       string `json:"sessionId"`
	SiteID          string `json:"siteId"`
	BusinessGroupID string `json:"businessGroupId"`
	Country         string `json:"country"`
	PaymentType     string `json:"paymentType"`
	PaymentMethod   string `json:"paymentMethod"`
	TrafficSource   string `json:"trafficSource,omitempty"`
}

type cascadeResponse struct {
	Billers []struct {
		Name string `json:"name"`
	} `json:"billers"`
}

// Get implements cascade.Service.
func (c *CascadeClient) Get(ctx context.Context, req cascade.Request) ([]cascade.Biller, error) {
	resp, err := guarded[cascadeResponse](ctx, c.service, call{
		method: http.MethodPost,
		path:   "/api/v1/cascade",
		body: cascadeRequest{
			SessionID:       req.SessionID.String(),
			SiteID:          req.SiteID,
			BusinessGroupID: req.BusinessGroupID,
			Country:         req.Country,
			PaymentType:     req.PaymentType,
			PaymentMethod:   req.PaymentMethod,
			TrafficSource:   req.TrafficSource,
		},
	})
	if err != nil {
		return nil, err
	}
	out := make([]cascade.Biller, 0, len(resp.Billers))
	for _, b := range resp.Billers {
		out = append(out, cascade.NewBiller(b.Name))
	}
	return out, nil
}
