package site

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/kostush/purchase-gateway-sub010/db"
)

// ErrNotFound signals the requested site does not exist.
var ErrNotFound = errors.New("site: not found")

const selectColumns = `
	SELECT site_id, business_group_id, name, url, postback_url,
	       fraud_enabled, threed_enabled, bin_routing_enabled, active, updated_at
	FROM sites
`

// Repository provides read access to site configuration.
type Repository struct {
	db db.Querier
}

// NewRepository wires a pgx-backed repository implementation.
func NewRepository(q db.Querier) *Repository {
	return &Repository{db: q}
}

// GetByID fetches a site by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Site, error) {
	row := r.db.QueryRow(ctx, selectColumns+` WHERE site_id = $1`, id)
	s, err := scan(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Site{}, ErrNotFound
		}
		return Site{}, fmt.Errorf("site: query by id: %w", err)
	}
	return s, nil
}

// ListActive returns every active site ordered by id.
func (r *Repository) ListActive(ctx context.Context) ([]Site, error) {
	rows, err := r.db.Query(ctx, selectColumns+` WHERE active ORDER BY site_id`)
	if err != nil {
		return nil, fmt.Errorf("site: list: %w", err)
	}
	defer rows.Close()

	var sites []Site
	for rows.Next() {
		s, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("site: scan: %w", err)
		}
		sites = append(sites, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("site: iterate: %w", err)
	}
	return sites, nil
}

// Upsert stores a site, used by seeding and admin tooling.
func (r *Repository) Upsert(ctx context.Context, s Site) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO sites (site_id, business_group_id, name, url, postback_url,
		                   fraud_enabled, threed_enabled, bin_routing_enabled, active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (site_id) DO UPDATE
		SET business_group_id = EXCLUDED.business_group_id,
		    name = EXCLUDED.name,
		    url = EXCLUDED.url,
		    postback_url = EXCLUDED.postback_url,
		    fraud_enabled = EXCLUDED.fraud_enabled,
		    threed_enabled = EXCLUDED.threed_enabled,
		    bin_routing_enabled = EXCLUDED.bin_routing_enabled,
		    active = EXCLUDED.active,
		    updated_at = now()
	`, s.SiteID, s.BusinessGroupID, s.Name, s.URL, s.PostbackURL,
		s.FraudEnabled, s.ThreeDEnabled, s.BinRoutingEnabled, s.Active)
	if err != nil {
		return fmt.Errorf("site: upsert %s: %w", s.SiteID, err)
	}
	return nil
}

func scan(row pgx.Row) (Site, error) {
	var s Site
	err := row.Scan(&s.SiteID, &s.BusinessGroupID, &s.Name, &s.URL, &s.PostbackURL,
		&s.FraudEnabled, &s.ThreeDEnabled, &s.BinRoutingEnabled, &s.Active, &s.UpdatedAt)
	return s, err
}
