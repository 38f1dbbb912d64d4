package cascade

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// Request is the billing context the cascade service routes on.
type Request struct {
	SessionID       uuid.UUID
	SiteID          string
	BusinessGroupID string
	Country         string
	PaymentType     string
	PaymentMethod   string
	TrafficSource   string
}

// Service is the external cascade service port.
type Service interface {
	Get(ctx context.Context, req Request) ([]Biller, error)
}

// Selector obtains a cascade for a session. Failures and empty answers fall
// back to the default single-biller cascade.
type Selector struct {
	svc    Service
	logger *slog.Logger
}

func NewSelector(svc Service, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{svc: svc, logger: logger}
}

func (s *Selector) Select(ctx context.Context, req Request) *Cascade {
	billers, err := s.svc.Get(ctx, req)
	if err != nil {
		s.logger.WarnContext(ctx, "cascade service unavailable, using default biller",
			"session_id", req.SessionID, "site_id", req.SiteID, "error", err)
		return New(Default())
	}
	if len(billers) == 0 {
		s.logger.WarnContext(ctx, "cascade service returned no billers, using default biller",
			"session_id", req.SessionID, "site_id", req.SiteID)
		return New(Default())
	}
	normalized := make([]Biller, 0, len(billers))
	for _, b := range billers {
		normalized = append(normalized, NewBiller(b.Name))
	}
	return New(normalized...)
}
