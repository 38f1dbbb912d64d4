package db

import (
	"context"
	"os"
	"testing"
)

func TestMigrationsAreOrdered(t *testing.T) {
	names, err := Migrations()
	if err != nil {
		t.Fatalf("list migrations: %v", err)
	}
	want := []string{"001_purchase_sessions.sql", "002_events.sql", "003_sites.sql", "004_stored_events_published.sql"}
	if len(names) != len(want) {
		t.Fatalf("expected %d migrations, got %v", len(want), names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("migration %d: expected %s, got %s", i, want[i], names[i])
		}
	}
}

func TestNewPoolRejectsEmptyDSN(t *testing.T) {
	if _, err := NewPool(context.Background(), "", PoolOptions{}); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
}

func TestMigrateIsRepeatable(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping migration integration test")
	}
	ctx := context.Background()
	pool, err := NewPool(ctx, dsn, PoolOptions{MaxConns: 2})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer pool.Close()

	if _, err := Migrate(ctx, pool); err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	applied, err := Migrate(ctx, pool)
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("expected nothing to apply twice, got %v", applied)
	}
}
