package infra

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AppName tags stress-test connections so chaos only kills our backends.
const AppName = "gateway-stress"

// Harness owns the database a stress run works against.
type Harness struct {
	container *PGContainer
	pool      *pgxpool.Pool
	teardown  func(context.Context) error
}

// NewHarness picks a database in order: overrideDSN, STRESS_TEST_PG_DSN, a
// Postgres 16 container when Docker is available, then a local server.
// Shared databases get an isolated schema.
func NewHarness(ctx context.Context, overrideDSN string) (*Harness, error) {
	var (
		h      = &Harness{container: &PGContainer{}}
		dsn    string
		shared bool
		err    error
	)
	switch {
	case overrideDSN != "":
		dsn, shared = overrideDSN, true
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn, shared = os.Getenv("STRESS_TEST_PG_DSN"), true
	case dockerAvailable(ctx):
		h.container, dsn, err = StartPostgres16(ctx, "")
		if err != nil {
			return nil, fmt.Errorf("start postgres: %w", err)
		}
	default:
		dsn, err = InitLocalDatabase(ctx)
		if err != nil {
			return nil, fmt.Errorf("init local database: %w", err)
		}
	}

	h.pool, h.teardown, err = ApplyMigrations(ctx, dsn, shared)
	if err != nil {
		_ = h.container.Terminate(ctx)
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return h, nil
}

// Pool exposes the configured pgx pool.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// Close tears down resources.
func (h *Harness) Close(ctx context.Context) error {
	if h.pool != nil {
		h.pool.Close()
	}
	var err error
	if h.teardown != nil {
		err = h.teardown(ctx)
	}
	if terr := h.container.Terminate(ctx); err == nil {
		err = terr
	}
	return err
}

// Reset truncates mutable tables to provide a clean slate for next epoch.
func (h *Harness) Reset(ctx context.Context) error {
	tables := []string{
		"failed_event_publish",
		"event_tracker",
		"stored_events",
		"purchase_idempotency",
		"purchases",
		"purchase_sessions",
	}

	tx, err := h.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reset begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, tbl := range tables {
		if _, err := tx.Exec(ctx, "TRUNCATE TABLE "+tbl+" CASCADE"); err != nil {
			return fmt.Errorf("truncate %s: %w", tbl, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("reset commit: %w", err)
	}
	return nil
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}
