// Package idempotency detects duplicate and concurrent completion calls from a
// side-channel record of the last known state and gateway submit number of
// each session. It is a fencing check, not a distributed lock.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/kostush/purchase-gateway-sub010/purchase"
)

var (
	// ErrNotFound is returned when no record exists for the session.
	ErrNotFound = errors.New("idempotency: record not found")
	// ErrStillInFlight is returned when another call did not settle in time.
	ErrStillInFlight = errors.New("idempotency: call still in flight")
)

// Record is what the guard remembers per session.
type Record struct {
	State               string
	GatewaySubmitNumber int
	UpdatedAt           time.Time
}

// Store persists records outside the aggregate.
type Store interface {
	Get(ctx context.Context, sessionID uuid.UUID) (Record, error)
	Put(ctx context.Context, sessionID uuid.UUID, rec Record) error
	// Claim atomically marks the session as processing. The claim loses when
	// a fresh processing record exists or when the same submit number already
	// settled.
	Claim(ctx context.Context, sessionID uuid.UUID, submitNumber int, staleBefore time.Time) (bool, error)
}

// Decision tells a handler what to do with a completion call.
type Decision int

const (
	// Proceed runs a fresh billing attempt.
	Proceed Decision = iota
	// Replay returns the already assembled result of a finished attempt.
	Replay
	// InFlight means another call is running the same attempt.
	InFlight
)

func (d Decision) String() string {
	switch d {
	case Proceed:
		return "proceed"
	case Replay:
		return "replay"
	case InFlight:
		return "in_flight"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

var settledStates = map[string]bool{
	purchase.StateValid.String():                   true,
	purchase.StateProcessed.String():               true,
	purchase.StateCascadeBillersExhausted.String(): true,
}

// Guard compares the aggregate's submit number against the stored one.
type Guard struct {
	store       Store
	logger      *slog.Logger
	inFlightTTL time.Duration
	maxWait     time.Duration
	clock       func() time.Time
}

type Option func(*Guard)

// WithInFlightTTL bounds how long a processing record blocks other calls.
func WithInFlightTTL(d time.Duration) Option {
	return func(g *Guard) { g.inFlightTTL = d }
}

// WithMaxWait bounds AwaitSettled.
func WithMaxWait(d time.Duration) Option {
	return func(g *Guard) { g.maxWait = d }
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(g *Guard) { g.clock = clock }
}

func NewGuard(store Store, logger *slog.Logger, opts ...Option) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Guard{
		store:       store,
		logger:      logger,
		inFlightTTL: 2 * time.Minute,
		maxWait:     10 * time.Second,
		clock:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check decides whether a completion call for the given submit number must run.
func (g *Guard) Check(ctx context.Context, sessionID uuid.UUID, current int) (Decision, error) {
	rec, err := g.store.Get(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return Proceed, nil
	}
	if err != nil {
		return Proceed, fmt.Errorf("idempotency: check: %w", err)
	}
	return g.decide(rec, current), nil
}

func (g *Guard) decide(rec Record, current int) Decision {
	if rec.State == purchase.StateProcessing.String() && !g.stale(rec) {
		return InFlight
	}
	if rec.GatewaySubmitNumber == current && settledStates[rec.State] {
		return Replay
	}
	return Proceed
}

func (g *Guard) stale(rec Record) bool {
	return !rec.UpdatedAt.IsZero() && rec.UpdatedAt.Before(g.clock().Add(-g.inFlightTTL))
}

// MarkInFlight claims the attempt before the billing call. A lost claim
// reports InFlight.
func (g *Guard) MarkInFlight(ctx context.Context, p *purchase.Process) (Decision, error) {
	won, err := g.store.Claim(ctx, p.SessionID(), p.GatewaySubmitNumber(), g.clock().Add(-g.inFlightTTL))
	if err != nil {
		return Proceed, fmt.Errorf("idempotency: claim: %w", err)
	}
	if !won {
		return InFlight, nil
	}
	return Proceed, nil
}

// Remember stores the state the aggregate was persisted with. Failures are
// logged; the next call then simply proceeds.
func (g *Guard) Remember(ctx context.Context, p *purchase.Process) {
	rec := Record{
		State:               p.State().String(),
		GatewaySubmitNumber: p.GatewaySubmitNumber(),
		UpdatedAt:           g.clock(),
	}
	if err := g.store.Put(ctx, p.SessionID(), rec); err != nil {
		g.logger.WarnContext(ctx, "idempotency record not stored",
			"session_id", p.SessionID(), "state", rec.State, "error", err)
	}
}

// AwaitSettled polls with exponential backoff until the session leaves the
// processing state or the wait budget runs out.
func (g *Guard) AwaitSettled(ctx context.Context, sessionID uuid.UUID) (Record, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = time.Second
	policy.MaxElapsedTime = g.maxWait

	var settled Record
	op := func() error {
		rec, err := g.store.Get(ctx, sessionID)
		if errors.Is(err, ErrNotFound) {
			return backoff.Permanent(err)
		}
		if err != nil {
			return err
		}
		if rec.State == purchase.StateProcessing.String() && !g.stale(rec) {
			return ErrStillInFlight
		}
		settled = rec
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return Record{}, fmt.Errorf("idempotency: await %s: %w", sessionID, err)
	}
	return settled, nil
}
