package idempotency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kostush/purchase-gateway-sub010/db"
	"github.com/kostush/purchase-gateway-sub010/purchase"
)

// PGStore keeps records in purchase_idempotency.
type PGStore struct {
	db db.Querier
}

func NewPGStore(q db.Querier) *PGStore {
	return &PGStore{db: q}
}

func (s *PGStore) Get(ctx context.Context, sessionID uuid.UUID) (Record, error) {
	var rec Record
	err := s.db.QueryRow(ctx, `
		SELECT state, gateway_submit_number, updated_at
		FROM purchase_idempotency
		WHERE session_id = $1
	`, sessionID).Scan(&rec.State, &rec.GatewaySubmitNumber, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("idempotency: get: %w", err)
	}
	return rec, nil
}

func (s *PGStore) Put(ctx context.Context, sessionID uuid.UUID, rec Record) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO purchase_idempotency (session_id, state, gateway_submit_number, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (session_id) DO UPDATE
		SET state = EXCLUDED.state,
		    gateway_submit_number = EXCLUDED.gateway_submit_number,
		    updated_at = EXCLUDED.updated_at
	`, sessionID, rec.State, rec.GatewaySubmitNumber)
	if err != nil {
		return fmt.Errorf("idempotency: put: %w", err)
	}
	return nil
}

func (s *PGStore) Claim(ctx context.Context, sessionID uuid.UUID, submitNumber int, staleBefore time.Time) (bool, error) {
	var claimed uuid.UUID
	err := s.db.QueryRow(ctx, `
		INSERT INTO purchase_idempotency (session_id, state, gateway_submit_number, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (session_id) DO UPDATE
		SET state = EXCLUDED.state,
		    gateway_submit_number = EXCLUDED.gateway_submit_number,
		    updated_at = EXCLUDED.updated_at
		WHERE (purchase_idempotency.state = $2 AND purchase_idempotency.updated_at < $4)
		   OR (purchase_idempotency.state <> $2
		       AND NOT (purchase_idempotency.state = ANY($5)
		                AND purchase_idempotency.gateway_submit_number = $3))
		RETURNING session_id
	`, sessionID, purchase.StateProcessing.String(), submitNumber, staleBefore, settledNames()).Scan(&claimed)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("idempotency: claim: %w", err)
	}
	return true, nil
}

func settledNames() []string {
	out := make([]string, 0, len(settledStates))
	for name := range settledStates {
		out = append(out, name)
	}
	return out
}

// MemoryStore is an in-process Store for single-node runs and tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]Record
	clock   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[uuid.UUID]Record),
		clock:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Get(_ context.Context, sessionID uuid.UUID) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[sessionID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) Put(_ context.Context, sessionID uuid.UUID, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = s.clock()
	}
	s.records[sessionID] = rec
	return nil
}

func (s *MemoryStore) Claim(_ context.Context, sessionID uuid.UUID, submitNumber int, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	processing := purchase.StateProcessing.String()
	if rec, ok := s.records[sessionID]; ok {
		if rec.State == processing && !rec.UpdatedAt.Before(staleBefore) {
			return false, nil
		}
		if settledStates[rec.State] && rec.GatewaySubmitNumber == submitNumber {
			return false, nil
		}
	}
	s.records[sessionID] = Record{State: processing, GatewaySubmitNumber: submitNumber, UpdatedAt: s.clock()}
	return true, nil
}
