package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/kostush/purchase-gateway-sub010/db"
	"github.com/kostush/purchase-gateway-sub010/versioning"
)

// Publisher ships an event to the bus.
type Publisher interface {
	Publish(ctx context.Context, e Envelope) error
}

// EventSource hands out unrelayed events under row locks held by tx.
type EventSource interface {
	Unpublished(ctx context.Context, tx db.Querier, limit int) ([]Envelope, error)
	MarkRelayed(ctx context.Context, tx db.Querier, positions []int64) error
}

// PositionTracker records how far a consumer got.
type PositionTracker interface {
	Advance(ctx context.Context, consumer string, position int64) error
}

// FailureSink takes events whose publish failed.
type FailureSink interface {
	Add(ctx context.Context, e Envelope, cause error) error
}

// Relay publishes stored events in order, upgrading bodies to their latest
// version first.
type Relay struct {
	consumer   string
	pool       db.TxBeginner
	source     EventSource
	tracker    PositionTracker
	failures   FailureSink
	publisher  Publisher
	converters map[string]*versioning.Converter
	batchSize  int
	logger     *slog.Logger
}

type RelayConfig struct {
	Consumer   string
	Pool       db.TxBeginner
	Source     EventSource
	Tracker    PositionTracker
	Failures   FailureSink
	Publisher  Publisher
	Converters map[string]*versioning.Converter
	BatchSize  int
	Logger     *slog.Logger
}

func NewRelay(cfg RelayConfig) *Relay {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "event-relay"
	}
	return &Relay{
		consumer:   cfg.Consumer,
		pool:       cfg.Pool,
		source:     cfg.Source,
		tracker:    cfg.Tracker,
		failures:   cfg.Failures,
		publisher:  cfg.Publisher,
		converters: cfg.Converters,
		batchSize:  cfg.BatchSize,
		logger:     cfg.Logger,
	}
}

// RunOnce relays one batch and returns how many events it consumed.
// Unreadable events are skipped; failed publishes are queued for retry.
// Handled events are marked in the same transaction that locked them, so a
// crash before commit relays them again.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("events: begin relay: %w", err)
	}
	defer tx.Rollback(ctx)

	batch, err := r.source.Unpublished(ctx, tx, r.batchSize)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	done := context.WithoutCancel(ctx)
	relayed := make([]int64, 0, len(batch))
	var high int64
	for _, e := range batch {
		upgraded, err := upgrade(ctx, r.converters, e)
		if err != nil {
			r.logger.ErrorContext(ctx, "skipping unreadable event",
				"event_id", e.EventID, "type", e.Type, "version", e.Version, "error", err)
		} else if err := r.publisher.Publish(ctx, upgraded); err != nil {
			r.logger.WarnContext(ctx, "event publish failed, queued for retry",
				"event_id", e.EventID, "type", e.Type, "error", err)
			if qerr := r.failures.Add(done, upgraded, err); qerr != nil {
				return 0, qerr
			}
		}
		relayed = append(relayed, e.Position)
		high = max(high, e.Position)
	}

	if err := r.source.MarkRelayed(done, tx, relayed); err != nil {
		return 0, err
	}
	if err := tx.Commit(done); err != nil {
		return 0, fmt.Errorf("events: commit relay: %w", err)
	}
	if err := r.tracker.Advance(done, r.consumer, high); err != nil {
		r.logger.WarnContext(ctx, "event tracker not advanced", "consumer", r.consumer, "position", high, "error", err)
	}
	return len(batch), nil
}

// upgrade runs the body through the converter registered for its type.
func upgrade(ctx context.Context, converters map[string]*versioning.Converter, e Envelope) (Envelope, error) {
	conv, ok := converters[e.Type]
	if !ok {
		return e, nil
	}
	var body map[string]any
	if err := json.Unmarshal(e.Body, &body); err != nil {
		return e, fmt.Errorf("events: decode %s: %w", e.EventID, err)
	}
	if _, ok := body[versioning.VersionKey]; !ok {
		body[versioning.VersionKey] = e.Version
	}
	out, err := conv.Convert(ctx, body)
	if err != nil {
		return e, err
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return e, fmt.Errorf("events: encode %s: %w", e.EventID, err)
	}
	e.Body = raw
	e.Version = conv.Chain().Latest
	return e, nil
}

// RetryQueue is the transactional side of FailedPublishQueue.
type RetryQueue interface {
	Due(ctx context.Context, tx db.Querier, limit int) ([]FailedPublish, error)
	MarkPublished(ctx context.Context, tx db.Querier, id int64) error
	MarkAttempt(ctx context.Context, tx db.Querier, id int64, cause error) error
}

// Republisher retries queued publishes, throttled by a rate limiter.
type Republisher struct {
	pool      db.TxBeginner
	queue     RetryQueue
	publisher Publisher
	limiter   *rate.Limiter
	batchSize int
	logger    *slog.Logger
}

func NewRepublisher(pool db.TxBeginner, queue RetryQueue, publisher Publisher, perSecond float64, batchSize int, logger *slog.Logger) *Republisher {
	if logger == nil {
		logger = slog.Default()
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &Republisher{
		pool:      pool,
		queue:     queue,
		publisher: publisher,
		limiter:   rate.NewLimiter(limit, 1),
		batchSize: batchSize,
		logger:    logger,
	}
}

// RunOnce retries one batch of due publishes and returns how many succeeded.
func (r *Republisher) RunOnce(ctx context.Context) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("events: begin republish: %w", err)
	}
	defer tx.Rollback(ctx)

	due, err := r.queue.Due(ctx, tx, r.batchSize)
	if err != nil {
		return 0, err
	}

	// outcomes of publishes already made must survive cancellation
	done := context.WithoutCancel(ctx)
	published := 0
	for _, f := range due {
		if err := r.limiter.Wait(ctx); err != nil || ctx.Err() != nil {
			break
		}
		if err := r.publisher.Publish(ctx, f.Event); err != nil {
			r.logger.WarnContext(ctx, "event republish failed",
				"event_id", f.Event.EventID, "retries", f.Retries+1, "error", err)
			if err := r.queue.MarkAttempt(done, tx, f.ID, err); err != nil {
				return published, err
			}
			continue
		}
		if err := r.queue.MarkPublished(done, tx, f.ID); err != nil {
			return published, err
		}
		published++
	}

	if err := tx.Commit(done); err != nil {
		return published, fmt.Errorf("events: commit republish: %w", err)
	}
	return published, nil
}

// Poll runs fn every interval until ctx is done. Errors are logged and the
// loop keeps going.
func Poll(ctx context.Context, interval time.Duration, name string, logger *slog.Logger, fn func(context.Context) (int, error)) error {
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n, err := fn(ctx)
		if err != nil {
			logger.ErrorContext(ctx, "poll iteration failed", "loop", name, "error", err)
		} else if n > 0 {
			logger.DebugContext(ctx, "poll iteration", "loop", name, "count", n)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
