package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kostush/purchase-gateway-sub010/db"
	"github.com/kostush/purchase-gateway-sub010/purchase"
)

// Store is the append-only stored_events table.
type Store struct {
	db db.Querier
}

func NewStore(q db.Querier) *Store {
	return &Store{db: q}
}

// Append writes events through q, normally the transaction persisting the
// aggregate that recorded them.
func Append(ctx context.Context, q db.Querier, aggregateID uuid.UUID, evs []purchase.DomainEvent) error {
	for _, ev := range evs {
		body, err := json.Marshal(ev.Body)
		if err != nil {
			return fmt.Errorf("events: marshal %s: %w", ev.Type, err)
		}
		if _, err := q.Exec(ctx, `
			INSERT INTO stored_events (event_id, aggregate_id, type_name, version, occurred_on, body)
			VALUES ($1, $2, $3, $4, $5, $6::jsonb)
		`, ev.ID, aggregateID, ev.Type, ev.Version, ev.OccurredOn, string(body)); err != nil {
			return fmt.Errorf("events: append %s: %w", ev.Type, err)
		}
	}
	return nil
}

// Unpublished returns up to limit events the relay has not handled yet,
// oldest first. Rows are locked with SKIP LOCKED, so tx must be a
// transaction; an event committed late behind a higher position is still
// returned on a later call.
func (s *Store) Unpublished(ctx context.Context, tx db.Querier, limit int) ([]Envelope, error) {
	rows, err := tx.Query(ctx, `
		SELECT position, event_id, aggregate_id, type_name, version, occurred_on, body
		FROM stored_events
		WHERE published_at IS NULL
		ORDER BY position
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("events: query unpublished: %w", err)
	}
	return scanEnvelopes(rows)
}

// MarkRelayed stamps the events at positions as handled by the relay.
func (s *Store) MarkRelayed(ctx context.Context, tx db.Querier, positions []int64) error {
	if len(positions) == 0 {
		return nil
	}
	if _, err := tx.Exec(ctx, `
		UPDATE stored_events
		SET published_at = now()
		WHERE position = ANY($1)
	`, positions); err != nil {
		return fmt.Errorf("events: mark relayed: %w", err)
	}
	return nil
}

// ForAggregate lists the events of one session, oldest first.
func (s *Store) ForAggregate(ctx context.Context, aggregateID uuid.UUID) ([]Envelope, error) {
	rows, err := s.db.Query(ctx, `
		SELECT position, event_id, aggregate_id, type_name, version, occurred_on, body
		FROM stored_events
		WHERE aggregate_id = $1
		ORDER BY position
	`, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("events: query aggregate: %w", err)
	}
	return scanEnvelopes(rows)
}

func scanEnvelopes(rows pgx.Rows) ([]Envelope, error) {
	defer rows.Close()

	var out []Envelope
	for rows.Next() {
		var (
			e    Envelope
			body []byte
		)
		if err := rows.Scan(&e.Position, &e.EventID, &e.AggregateID, &e.Type, &e.Version, &e.OccurredOn, &body); err != nil {
			return nil, fmt.Errorf("events: scan: %w", err)
		}
		e.Body = body
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("events: rows: %w", err)
	}
	return out, nil
}

// Tracker remembers the highest relayed position per consumer. It is a
// progress marker only; Unpublished decides what is relayed.
type Tracker struct {
	db db.Querier
}

func NewTracker(q db.Querier) *Tracker {
	return &Tracker{db: q}
}

func (t *Tracker) Position(ctx context.Context, consumer string) (int64, error) {
	var pos int64
	err := t.db.QueryRow(ctx, `SELECT last_position FROM event_tracker WHERE consumer = $1`, consumer).Scan(&pos)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("events: tracker position: %w", err)
	}
	return pos, nil
}

// Advance moves the consumer forward; it never moves back.
func (t *Tracker) Advance(ctx context.Context, consumer string, position int64) error {
	_, err := t.db.Exec(ctx, `
		INSERT INTO event_tracker (consumer, last_position, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (consumer) DO UPDATE
		SET last_position = GREATEST(event_tracker.last_position, EXCLUDED.last_position),
		    updated_at = now()
	`, consumer, position)
	if err != nil {
		return fmt.Errorf("events: tracker advance: %w", err)
	}
	return nil
}
