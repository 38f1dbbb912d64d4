package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kostush/purchase-gateway-sub010/db"
)

// ErrPurchaseNotFound is returned when the session has no purchase yet.
var ErrPurchaseNotFound = errors.New("session: purchase not found")

// PurchaseRecord is the purchase created once a session is processed.
type PurchaseRecord struct {
	PurchaseID uuid.UUID
	SessionID  uuid.UUID
	MemberID   string
	MainItemID string
	CreatedAt  time.Time
}

// PurchaseRepository keeps at most one purchase per session.
type PurchaseRepository struct {
	db    db.Querier
	newID func() uuid.UUID
}

func NewPurchaseRepository(q db.Querier) *PurchaseRepository {
	return &PurchaseRepository{db: q, newID: uuid.New}
}

// Create inserts the purchase for rec.SessionID. When the session already has
// one, the existing record is returned so return and postback converge.
func (r *PurchaseRepository) Create(ctx context.Context, rec PurchaseRecord) (PurchaseRecord, error) {
	if rec.PurchaseID == uuid.Nil {
		rec.PurchaseID = r.newID()
	}
	if rec.MemberID == "" {
		rec.MemberID = r.newID().String()
	}

	err := r.db.QueryRow(ctx, `
		INSERT INTO purchases (purchase_id, session_id, member_id, main_item_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id) DO NOTHING
		RETURNING created_at
	`, rec.PurchaseID, rec.SessionID, rec.MemberID, rec.MainItemID).Scan(&rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return r.FindBySession(ctx, rec.SessionID)
	}
	if err != nil {
		return PurchaseRecord{}, fmt.Errorf("session: create purchase: %w", err)
	}
	return rec, nil
}

func (r *PurchaseRepository) FindBySession(ctx context.Context, sessionID uuid.UUID) (PurchaseRecord, error) {
	rec := PurchaseRecord{SessionID: sessionID}
	err := r.db.QueryRow(ctx, `
		SELECT purchase_id, member_id, main_item_id, created_at
		FROM purchases
		WHERE session_id = $1
	`, sessionID).Scan(&rec.PurchaseID, &rec.MemberID, &rec.MainItemID, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return PurchaseRecord{}, ErrPurchaseNotFound
	}
	if err != nil {
		return PurchaseRecord{}, fmt.Errorf("session: find purchase: %w", err)
	}
	return rec, nil
}
