package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the invariants checked while actors run. Each query selects
// the offending rows; an empty result means the invariant holds.
func All(maxPublishAttempts int) []Oracle {
	return []Oracle{
		{
			Name: "O1_single_purchase_processed_event",
			SQL: `SELECT aggregate_id, COUNT(*) FROM stored_events
                  WHERE type_name = 'PurchaseProcessed'
                  GROUP BY aggregate_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_purchase_requires_processed_session",
			SQL: `SELECT p.purchase_id, s.state FROM purchases p
                  JOIN purchase_sessions s ON s.session_id = p.session_id
                  WHERE s.state <> 'processed'`,
		},
		{
			Name: "O3_processed_session_has_event",
			SQL: `SELECT s.session_id FROM purchase_sessions s
                  WHERE s.state = 'processed'
                    AND NOT EXISTS (SELECT 1 FROM stored_events e
                                    WHERE e.aggregate_id = s.session_id AND e.type_name = 'PurchaseProcessed')`,
		},
		{
			Name: "O4_tracker_within_store",
			SQL: `SELECT t.consumer, t.last_position FROM event_tracker t
                  WHERE t.last_position > (SELECT COALESCE(MAX(position), 0) FROM stored_events)`,
		},
		{
			Name: "O5_retry_bound",
			SQL:  fmt.Sprintf(`SELECT event_id, retries FROM failed_event_publish WHERE retries > %d`, maxPublishAttempts),
		},
		{
			Name: "O6_failed_publish_is_stored",
			SQL: `SELECT f.event_id FROM failed_event_publish f
                  WHERE NOT EXISTS (SELECT 1 FROM stored_events e WHERE e.event_id = f.event_id)`,
		},
		{
			Name: "O7_no_event_left_behind",
			SQL: `SELECT position, event_id FROM stored_events
                  WHERE published_at IS NULL
                    AND occurred_on < now() - interval '30 seconds'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool, maxPublishAttempts int) (string, string, error) {
	for _, o := range All(maxPublishAttempts) {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
