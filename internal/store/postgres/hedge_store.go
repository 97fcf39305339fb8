package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/fundingarb/internal/domain"
)

const hedgeColumns = `id, opportunity_id, pair, direction, target_size, status, manual_intervention,
	close_reason, error,
	leg_a_venue, leg_a_side, leg_a_size, leg_a_entry_price,
	leg_b_venue, leg_b_side, leg_b_size, leg_b_entry_price,
	opened_at, updated_at, closed_at`

// HedgeStore implements domain.HedgeStore. Each transition of a hedge is an
// upsert of the whole row.
type HedgeStore struct {
	pool *pgxpool.Pool
}

// NewHedgeStore creates a new HedgeStore.
func NewHedgeStore(pool *pgxpool.Pool) *HedgeStore {
	return &HedgeStore{pool: pool}
}

// Upsert writes h, replacing any earlier version.
func (s *HedgeStore) Upsert(ctx context.Context, h domain.HedgePosition) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO hedge_positions (`+hedgeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			manual_intervention = EXCLUDED.manual_intervention,
			close_reason = EXCLUDED.close_reason,
			error = EXCLUDED.error,
			leg_a_side = EXCLUDED.leg_a_side,
			leg_a_size = EXCLUDED.leg_a_size,
			leg_a_entry_price = EXCLUDED.leg_a_entry_price,
			leg_b_side = EXCLUDED.leg_b_side,
			leg_b_size = EXCLUDED.leg_b_size,
			leg_b_entry_price = EXCLUDED.leg_b_entry_price,
			updated_at = EXCLUDED.updated_at,
			closed_at = EXCLUDED.closed_at`,
		h.ID, h.OpportunityID, h.Pair, string(h.Direction), h.TargetSize, string(h.Status), h.ManualIntervention,
		string(h.CloseReason), h.Error,
		string(h.LegA.Venue), string(h.LegA.Side), h.LegA.Size, h.LegA.EntryPrice,
		string(h.LegB.Venue), string(h.LegB.Side), h.LegB.Size, h.LegB.EntryPrice,
		h.OpenedAt, h.UpdatedAt, h.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert hedge %s: %w", h.ID, err)
	}
	return nil
}

// GetByID returns domain.ErrNotFound for an unknown id.
func (s *HedgeStore) GetByID(ctx context.Context, id string) (domain.HedgePosition, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+hedgeColumns+` FROM hedge_positions WHERE id = $1`, id)
	h, err := scanHedge(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.HedgePosition{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.HedgePosition{}, fmt.Errorf("postgres: get hedge %s: %w", id, err)
	}
	return h, nil
}

// ListOpen returns every hedge not yet closed or failed, oldest first. It
// seeds the ledger and risk state at startup.
func (s *HedgeStore) ListOpen(ctx context.Context) ([]domain.HedgePosition, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+hedgeColumns+` FROM hedge_positions
		WHERE status NOT IN ($1, $2) ORDER BY opened_at`,
		string(domain.HedgeClosed), string(domain.HedgeFailed))
	if err != nil {
		return nil, fmt.Errorf("postgres: list open hedges: %w", err)
	}
	return collectHedges(rows)
}

// ListRecent returns hedges newest first.
func (s *HedgeStore) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.HedgePosition, error) {
	query, args := listQuery(`SELECT `+hedgeColumns+` FROM hedge_positions WHERE TRUE`, "opened_at", nil, opts)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list hedges: %w", err)
	}
	return collectHedges(rows)
}

func collectHedges(rows pgx.Rows) ([]domain.HedgePosition, error) {
	defer rows.Close()
	var out []domain.HedgePosition
	for rows.Next() {
		h, err := scanHedge(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan hedge: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func scanHedge(row pgx.Row) (domain.HedgePosition, error) {
	var (
		h                            domain.HedgePosition
		direction, status, reason    string
		venueA, sideA, venueB, sideB string
	)
	err := row.Scan(&h.ID, &h.OpportunityID, &h.Pair, &direction, &h.TargetSize, &status, &h.ManualIntervention,
		&reason, &h.Error,
		&venueA, &sideA, &h.LegA.Size, &h.LegA.EntryPrice,
		&venueB, &sideB, &h.LegB.Size, &h.LegB.EntryPrice,
		&h.OpenedAt, &h.UpdatedAt, &h.ClosedAt,
	)
	if err != nil {
		return domain.HedgePosition{}, err
	}
	h.Direction = domain.Direction(direction)
	h.Status = domain.HedgeStatus(status)
	h.CloseReason = domain.CloseReason(reason)
	h.LegA = domain.Position{Pair: h.Pair, Venue: domain.Venue(venueA), Leg: domain.LegA, Side: domain.OrderSide(sideA),
		Size: h.LegA.Size, EntryPrice: h.LegA.EntryPrice, OpenedAt: h.OpenedAt}
	h.LegB = domain.Position{Pair: h.Pair, Venue: domain.Venue(venueB), Leg: domain.LegB, Side: domain.OrderSide(sideB),
		Size: h.LegB.Size, EntryPrice: h.LegB.EntryPrice, OpenedAt: h.OpenedAt}
	return h, nil
}

var _ domain.HedgeStore = (*HedgeStore)(nil)
