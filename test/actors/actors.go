package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kostush/purchase-gateway-sub010/events"
	"github.com/kostush/purchase-gateway-sub010/idempotency"
	"github.com/kostush/purchase-gateway-sub010/purchase"
	"github.com/kostush/purchase-gateway-sub010/session"
)

// Channel names the entry point a completion arrives through.
type Channel string

const (
	Return   Channel = "return"
	Postback Channel = "postback"
	Complete Channel = "complete"
)

// Completer races the other channels to settle sessions. Only the caller
// that wins the claim creates the purchase and appends PurchaseProcessed.
func Completer(ctx context.Context, pool *pgxpool.Pool, ch Channel, sessions []uuid.UUID, wins *atomic.Int64, stop <-chan struct{}) error {
	store := idempotency.NewPGStore(pool)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		id := sessions[rand.Intn(len(sessions))]
		won, err := store.Claim(ctx, id, 1, time.Now().Add(-time.Minute))
		if err != nil {
			if isTransient(ctx, err) {
				continue
			}
			return fmt.Errorf("%s claim: %w", ch, err)
		}
		if won {
			if err := settle(ctx, pool, store, id, wins); err != nil {
				if isTransient(ctx, err) {
					continue
				}
				return fmt.Errorf("%s settle: %w", ch, err)
			}
		}
		time.Sleep(time.Duration(5+rand.Intn(15)) * time.Millisecond)
	}
}

// settle counts a win once the processed transaction commits.
func settle(ctx context.Context, pool *pgxpool.Pool, store *idempotency.PGStore, id uuid.UUID, wins *atomic.Int64) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var state string
	if err := tx.QueryRow(ctx, `SELECT state FROM purchase_sessions WHERE session_id = $1 FOR UPDATE`, id).Scan(&state); err != nil {
		return err
	}
	processed := purchase.StateProcessed.String()
	if state == processed {
		return store.Put(ctx, id, idempotency.Record{State: processed, GatewaySubmitNumber: 1})
	}
	if _, err := tx.Exec(ctx, `UPDATE purchase_sessions SET state = $2, revision = revision + 1 WHERE session_id = $1`,
		id, processed); err != nil {
		return err
	}
	rec, err := session.NewPurchaseRepository(tx).Create(ctx, session.PurchaseRecord{SessionID: id, MainItemID: "item-" + id.String()[:8]})
	if err != nil {
		return err
	}
	ev := purchase.DomainEvent{
		ID:         uuid.New(),
		Type:       events.TypePurchaseProcessed,
		Version:    events.PurchaseProcessedVersion,
		OccurredOn: time.Now().UTC(),
		Body: events.PurchaseProcessed{
			Version:    events.PurchaseProcessedVersion,
			PurchaseID: rec.PurchaseID.String(),
			SessionID:  id,
		},
	}
	if err := events.Append(ctx, tx, id, []purchase.DomainEvent{ev}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	wins.Add(1)
	return store.Put(ctx, id, idempotency.Record{State: processed, GatewaySubmitNumber: 1})
}

// FlakyPublisher fails one publish in every n.
type FlakyPublisher struct {
	N         int
	Published atomic.Int64
	Failed    atomic.Int64
}

func (p *FlakyPublisher) Publish(_ context.Context, _ events.Envelope) error {
	if p.N > 0 && rand.Intn(p.N) == 0 {
		p.Failed.Add(1)
		return errors.New("broker unavailable")
	}
	p.Published.Add(1)
	return nil
}

// Relayer drains the event store through a flaky publisher.
func Relayer(ctx context.Context, relay *events.Relay, stop <-chan struct{}) error {
	return loop(ctx, stop, 20*time.Millisecond, relay.RunOnce)
}

// Republisher retries queued publishes.
func Republisher(ctx context.Context, rp *events.Republisher, stop <-chan struct{}) error {
	return loop(ctx, stop, 50*time.Millisecond, rp.RunOnce)
}

func loop(ctx context.Context, stop <-chan struct{}, pause time.Duration, fn func(context.Context) (int, error)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := fn(ctx); err != nil && !isTransient(ctx, err) {
			return err
		}
		time.Sleep(pause)
	}
}

// isTransient covers backends killed by chaos and shutdown.
func isTransient(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "57"), strings.HasPrefix(pgErr.Code, "08"):
			return true
		case pgErr.Code == "40001", pgErr.Code == "40P01":
			return true
		}
		return false
	}
	// connection level failures surface without a server error
	return true
}
