// Package breaker wraps calls to external services in a circuit breaker.
// Callers choose between a fallback value and a propagated error.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// ErrOpen is returned by Do while the circuit rejects calls.
var ErrOpen = errors.New("breaker: circuit open")

type Settings struct {
	Name                string
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

// Breaker guards one external dependency.
type Breaker struct {
	name   string
	cb     *gobreaker.CircuitBreaker
	logger *slog.Logger
}

func New(s Settings, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	threshold := s.ConsecutiveFailures
	if threshold == 0 {
		threshold = 5
	}
	b := &Breaker{name: s.Name, logger: logger}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return b
}

func (b *Breaker) Name() string { return b.name }

// Open reports whether calls are currently rejected.
func (b *Breaker) Open() bool { return b.cb.State() == gobreaker.StateOpen }

// Do runs op through the breaker and propagates its error. A rejected call
// returns ErrOpen.
func Do[T any](ctx context.Context, b *Breaker, op func(context.Context) (T, error)) (T, error) {
	var zero T
	out, err := b.cb.Execute(func() (interface{}, error) {
		return op(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return zero, ErrOpen
	}
	if err != nil {
		return zero, err
	}
	v, _ := out.(T)
	return v, nil
}

// Call runs op through the breaker and substitutes fallback on any failure,
// including a rejected call.
func Call[T any](ctx context.Context, b *Breaker, op func(context.Context) (T, error), fallback func(error) T) T {
	v, err := Do(ctx, b, op)
	if err != nil {
		b.logger.WarnContext(ctx, "dependency call failed, using fallback", "breaker", b.name, "error", err)
		return fallback(err)
	}
	return v
}
