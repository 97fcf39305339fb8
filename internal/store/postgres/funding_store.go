package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/fundingarb/internal/domain"
)

// FundingStore implements domain.FundingHistoryStore.
type FundingStore struct {
	pool *pgxpool.Pool
}

// NewFundingStore creates a new FundingStore.
func NewFundingStore(pool *pgxpool.Pool) *FundingStore {
	return &FundingStore{pool: pool}
}

// Insert records one accepted quote.
func (s *FundingStore) Insert(ctx context.Context, q domain.FundingQuote) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO funding_quotes (venue, leg, pair, rate, latency_ms, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		string(q.Venue), string(q.Leg), q.Pair, q.Rate, q.Latency.Milliseconds(), q.ObservedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert funding quote %s/%s: %w", q.Venue, q.Pair, err)
	}
	return nil
}

// ListByPair returns quotes for pair across both venues, newest first.
func (s *FundingStore) ListByPair(ctx context.Context, pair string, opts domain.ListOpts) ([]domain.FundingQuote, error) {
	query, args := listQuery(`SELECT venue, leg, pair, rate, latency_ms, observed_at FROM funding_quotes WHERE pair = $1`,
		"observed_at", []any{pair}, opts)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list funding quotes %s: %w", pair, err)
	}
	defer rows.Close()

	var out []domain.FundingQuote
	for rows.Next() {
		var (
			q          domain.FundingQuote
			venue, leg string
			latencyMS  int64
		)
		if err := rows.Scan(&venue, &leg, &q.Pair, &q.Rate, &latencyMS, &q.ObservedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan funding quote: %w", err)
		}
		q.Venue = domain.Venue(venue)
		q.Leg = domain.Leg(leg)
		q.Latency = time.Duration(latencyMS) * time.Millisecond
		out = append(out, q)
	}
	return out, rows.Err()
}

var _ domain.FundingHistoryStore = (*FundingStore)(nil)
