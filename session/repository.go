package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kostush/purchase-gateway-sub010/db"
	"github.com/kostush/purchase-gateway-sub010/events"
	"github.com/kostush/purchase-gateway-sub010/purchase"
	"github.com/kostush/purchase-gateway-sub010/versioning"
)

var (
	// ErrNotFound is returned when no session row exists for the id.
	ErrNotFound = errors.New("session: not found")
	// ErrConcurrentUpdate signals the stored revision moved since the load.
	ErrConcurrentUpdate = errors.New("session: concurrent update")
	// ErrDuplicateSession is returned when creating an id that already exists.
	ErrDuplicateSession = errors.New("session: duplicate session")
)

// Pool is the subset of pgxpool.Pool the repository needs.
type Pool interface {
	db.TxBeginner
	db.Querier
}

// Repository stores aggregates in purchase_sessions. Writes compare and swap
// on revision and append pending events in the same transaction.
type Repository struct {
	pool   Pool
	codec  *Codec
	logger *slog.Logger
}

func NewRepository(pool Pool, codec *Codec, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{pool: pool, codec: codec, logger: logger}
}

func (r *Repository) Create(ctx context.Context, p *purchase.Process) error {
	payload, sealed, err := r.codec.Encode(p)
	if err != nil {
		return err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("session: begin create: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO purchase_sessions (session_id, state, revision, version, payload, payment_info_sealed)
		VALUES ($1, $2, 1, $3, $4::jsonb, NULLIF($5, ''))
	`, p.SessionID(), p.State().String(), versioning.SessionChain.Latest, string(payload), sealed); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateSession
		}
		return fmt.Errorf("session: insert: %w", err)
	}
	if err := events.Append(ctx, tx, p.SessionID(), p.PendingEvents()); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("session: commit create: %w", err)
	}
	p.MarkPersisted(1)
	return nil
}

func (r *Repository) Load(ctx context.Context, id uuid.UUID) (*purchase.Process, error) {
	var (
		payload  []byte
		sealed   *string
		revision int64
	)
	err := r.pool.QueryRow(ctx, `
		SELECT payload, payment_info_sealed, revision
		FROM purchase_sessions
		WHERE session_id = $1
	`, id).Scan(&payload, &sealed, &revision)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session: load %s: %w", id, err)
	}

	var s string
	if sealed != nil {
		s = *sealed
	}
	p, err := r.codec.Decode(ctx, payload, s)
	if err != nil {
		return nil, err
	}
	p.MarkPersisted(revision)
	return p, nil
}

// Update writes p if nobody else wrote since it was loaded.
func (r *Repository) Update(ctx context.Context, p *purchase.Process) error {
	payload, sealed, err := r.codec.Encode(p)
	if err != nil {
		return err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("session: begin update: %w", err)
	}
	defer tx.Rollback(ctx)

	var next int64
	err = tx.QueryRow(ctx, `
		UPDATE purchase_sessions
		SET state = $3,
		    revision = revision + 1,
		    version = $4,
		    payload = $5::jsonb,
		    payment_info_sealed = NULLIF($6, ''),
		    updated_at = now()
		WHERE session_id = $1 AND revision = $2
		RETURNING revision
	`, p.SessionID(), p.Revision(), p.State().String(), versioning.SessionChain.Latest, string(payload), sealed).Scan(&next)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM purchase_sessions WHERE session_id = $1)`, p.SessionID()).Scan(&exists); err != nil {
			return fmt.Errorf("session: check %s: %w", p.SessionID(), err)
		}
		if !exists {
			return ErrNotFound
		}
		r.logger.WarnContext(ctx, "session revision moved",
			"session_id", p.SessionID(), "revision", p.Revision(), "state", p.State().String())
		return ErrConcurrentUpdate
	}
	if err != nil {
		return fmt.Errorf("session: update %s: %w", p.SessionID(), err)
	}

	if err := events.Append(ctx, tx, p.SessionID(), p.PendingEvents()); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("session: commit update: %w", err)
	}
	p.MarkPersisted(next)
	return nil
}
