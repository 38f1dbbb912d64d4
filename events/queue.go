package events

import (
	"context"
	"fmt"
	"time"

	"github.com/kostush/purchase-gateway-sub010/db"
)

// DefaultMaxPublishAttempts bounds retries of a failed publish.
const DefaultMaxPublishAttempts = 5

// FailedPublish is a queued event that could not be published.
type FailedPublish struct {
	ID            int64
	Event         Envelope
	Retries       int
	LastAttempted time.Time
	LastError     string
}

// FailedPublishQueue is the bounded retry queue in failed_event_publish.
type FailedPublishQueue struct {
	db          db.Querier
	maxAttempts int
}

func NewFailedPublishQueue(q db.Querier, maxAttempts int) *FailedPublishQueue {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxPublishAttempts
	}
	return &FailedPublishQueue{db: q, maxAttempts: maxAttempts}
}

func (q *FailedPublishQueue) MaxAttempts() int { return q.maxAttempts }

// Add queues an event after its first failed publish. Adding the same event
// twice keeps the original entry.
func (q *FailedPublishQueue) Add(ctx context.Context, e Envelope, cause error) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO failed_event_publish
			(event_id, aggregate_id, type_name, version, occurred_on, body, retries, last_error, last_attempted)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, 1, $7, now())
		ON CONFLICT (event_id) DO NOTHING
	`, e.EventID, e.AggregateID, e.Type, e.Version, e.OccurredOn, string(e.Body), errorText(cause))
	if err != nil {
		return fmt.Errorf("events: queue failed publish: %w", err)
	}
	return nil
}

// Due returns unpublished entries still under the retry bound, oldest first.
// Rows are locked with SKIP LOCKED so parallel republishers split the work;
// tx must be a transaction for the locks to hold.
func (q *FailedPublishQueue) Due(ctx context.Context, tx db.Querier, limit int) ([]FailedPublish, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, event_id, aggregate_id, type_name, version, occurred_on, body,
		       retries, COALESCE(last_attempted, created_at), COALESCE(last_error, '')
		FROM failed_event_publish
		WHERE published = false AND retries < $1
		ORDER BY created_at, id
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, q.maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("events: query due: %w", err)
	}
	defer rows.Close()

	var out []FailedPublish
	for rows.Next() {
		var (
			f    FailedPublish
			body []byte
		)
		if err := rows.Scan(&f.ID, &f.Event.EventID, &f.Event.AggregateID, &f.Event.Type, &f.Event.Version,
			&f.Event.OccurredOn, &body, &f.Retries, &f.LastAttempted, &f.LastError); err != nil {
			return nil, fmt.Errorf("events: scan due: %w", err)
		}
		f.Event.Body = body
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("events: rows due: %w", err)
	}
	return out, nil
}

func (q *FailedPublishQueue) MarkPublished(ctx context.Context, tx db.Querier, id int64) error {
	if _, err := tx.Exec(ctx, `
		UPDATE failed_event_publish
		SET published = true, last_attempted = now()
		WHERE id = $1
	`, id); err != nil {
		return fmt.Errorf("events: mark published %d: %w", id, err)
	}
	return nil
}

func (q *FailedPublishQueue) MarkAttempt(ctx context.Context, tx db.Querier, id int64, cause error) error {
	if _, err := tx.Exec(ctx, `
		UPDATE failed_event_publish
		SET retries = retries + 1, last_attempted = now(), last_error = $2
		WHERE id = $1
	`, id, errorText(cause)); err != nil {
		return fmt.Errorf("events: mark attempt %d: %w", id, err)
	}
	return nil
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
