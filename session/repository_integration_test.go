package session

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kostush/purchase-gateway-sub010/db"
	"github.com/kostush/purchase-gateway-sub010/events"
	"github.com/kostush/purchase-gateway-sub010/purchase"
)

// TestRepository_Integration connects to a real PostgreSQL via DATABASE_URL and
// verifies revision compare-and-swap, event append and purchase uniqueness.
func TestRepository_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()
	if _, err := db.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	repo := NewRepository(pool, testCodec(t), nil)
	p := testProcess(t)

	if err := repo.Create(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.Create(ctx, p); !errors.Is(err, ErrDuplicateSession) {
		t.Fatalf("expected duplicate session, got %v", err)
	}

	first, err := repo.Load(ctx, p.SessionID())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	second, err := repo.Load(ctx, p.SessionID())
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if err := first.StartProcessing(); err != nil {
		t.Fatalf("start processing: %v", err)
	}
	if err := first.FinishProcessing(); err != nil {
		t.Fatalf("finish processing: %v", err)
	}
	first.Record(purchase.DomainEvent{Type: events.TypePurchaseProcessed, Version: 4, Body: map[string]any{"version": 4}})
	if err := repo.Update(ctx, first); err != nil {
		t.Fatalf("update winner: %v", err)
	}
	if first.Revision() != 2 {
		t.Fatalf("expected revision 2, got %d", first.Revision())
	}

	if err := second.StartProcessing(); err != nil {
		t.Fatalf("start processing: %v", err)
	}
	if err := repo.Update(ctx, second); !errors.Is(err, ErrConcurrentUpdate) {
		t.Fatalf("expected concurrent update, got %v", err)
	}

	reloaded, err := repo.Load(ctx, p.SessionID())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.State() != purchase.StateProcessed {
		t.Fatalf("expected processed, got %s", reloaded.State())
	}
	if reloaded.Payment().CCNumber != "4111111111111111" {
		t.Fatalf("expected card to survive sealing")
	}

	stored, err := events.NewStore(pool).ForAggregate(ctx, p.SessionID())
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(stored) != 1 || stored[0].Type != events.TypePurchaseProcessed {
		t.Fatalf("expected one stored event, got %+v", stored)
	}

	if _, err := repo.Load(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	purchases := NewPurchaseRepository(pool)
	a, err := purchases.Create(ctx, PurchaseRecord{SessionID: p.SessionID(), MainItemID: "main"})
	if err != nil {
		t.Fatalf("create purchase: %v", err)
	}
	b, err := purchases.Create(ctx, PurchaseRecord{SessionID: p.SessionID(), MainItemID: "main"})
	if err != nil {
		t.Fatalf("create purchase again: %v", err)
	}
	if a.PurchaseID != b.PurchaseID {
		t.Fatalf("expected one purchase per session, got %s and %s", a.PurchaseID, b.PurchaseID)
	}
}
