package clients

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/kostush/purchase-gateway-sub010/breaker"
	"github.com/kostush/purchase-gateway-sub010/command"
	"github.com/kostush/purchase-gateway-sub010/purchase"
)

// FraudClient never fails: any error yields neutral advice.
type FraudClient struct {
	service
}

func NewFraudClient(ep Endpoint, bs breaker.Settings, logger *slog.Logger) *FraudClient {
	return &FraudClient{service: newService("fraud", ep, bs, logger)}
}

type adviceRequest struct {
	SessionID string            `json:"sessionId"`
	SiteID    string            `json:"siteId"`
	Params    map[string]string `json:"params"`
}

type adviceResponse struct {
	Captcha           bool `json:"captcha"`
	Blacklist         bool `json:"blacklist"`
	ForceThreeD       bool `json:"forceThreeD"`
	DetectThreeDUsage bool `json:"detectThreeDUsage"`
}

func (c *FraudClient) RetrieveAdvice(ctx context.Context, req command.FraudRequest) purchase.FraudAdvice {
	return breaker.Call(ctx, c.breaker, func(ctx context.Context) (purchase.FraudAdvice, error) {
		resp, err := send[adviceResponse](ctx, c.http, call{
			method: http.MethodPost,
			path:   "/api/v1/advice/{step}",
			params: map[string]string{"step": string(req.Step)},
			body:   adviceRequest{SessionID: req.SessionID.String(), SiteID: req.SiteID, Params: req.Params},
		})
		if err != nil {
			return purchase.FraudAdvice{}, err
		}
		advice := purchase.FraudAdvice{
			Captcha:           resp.Captcha,
			ForceThreeD:       resp.ForceThreeD,
			DetectThreeDUsage: resp.DetectThreeDUsage,
			Source:            "fraud-service",
		}
		if req.Step == command.FraudStepInit {
			advice.BlacklistedOnInit = resp.Blacklist
		} else {
			advice.BlacklistedOnProcess = resp.Blacklist
		}
		return advice, nil
	}, func(error) purchase.FraudAdvice {
		return purchase.NeutralFraudAdvice()
	})
}
