package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/alanyoungcy/fundingarb/internal/domain"
)

// QuoteCache implements domain.QuoteCache with one hash per (venue, pair) at
// "funding:<venue>:<pair>". Entries expire after ttl so a dead monitor cannot
// leave quotes that look fresh to other readers.
type QuoteCache struct {
	c   *Client
	ttl time.Duration
}

// NewQuoteCache creates a QuoteCache. A zero ttl keeps entries forever.
func NewQuoteCache(c *Client, ttl time.Duration) *QuoteCache {
	return &QuoteCache{c: c, ttl: ttl}
}

// SetQuote replaces the stored quote.
func (qc *QuoteCache) SetQuote(ctx context.Context, q domain.FundingQuote) error {
	key := qc.c.key("funding", string(q.Venue), q.Pair)
	pipe := qc.c.rdb.TxPipeline()
	pipe.HSet(ctx, key, encodeQuote(q))
	if qc.ttl > 0 {
		pipe.Expire(ctx, key, qc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set quote %s/%s: %w", q.Venue, q.Pair, err)
	}
	return nil
}

// GetQuote returns domain.ErrNotFound when nothing is stored.
func (qc *QuoteCache) GetQuote(ctx context.Context, venue domain.Venue, pair string) (domain.FundingQuote, error) {
	vals, err := qc.c.rdb.HGetAll(ctx, qc.c.key("funding", string(venue), pair)).Result()
	if err != nil {
		return domain.FundingQuote{}, fmt.Errorf("redis: get quote %s/%s: %w", venue, pair, err)
	}
	if len(vals) == 0 {
		return domain.FundingQuote{}, domain.ErrNotFound
	}
	q, err := decodeQuote(vals)
	if err != nil {
		return domain.FundingQuote{}, fmt.Errorf("redis: decode quote %s/%s: %w", venue, pair, err)
	}
	return q, nil
}

func encodeQuote(q domain.FundingQuote) map[string]any {
	return map[string]any{
		"venue":   string(q.Venue),
		"leg":     string(q.Leg),
		"pair":    q.Pair,
		"rate":    strconv.FormatFloat(q.Rate, 'f', -1, 64),
		"ts":      strconv.FormatInt(q.ObservedAt.UnixNano(), 10),
		"latency": strconv.FormatInt(int64(q.Latency), 10),
	}
}

func decodeQuote(vals map[string]string) (domain.FundingQuote, error) {
	rate, err := strconv.ParseFloat(vals["rate"], 64)
	if err != nil {
		return domain.FundingQuote{}, fmt.Errorf("rate: %w", err)
	}
	ts, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return domain.FundingQuote{}, fmt.Errorf("ts: %w", err)
	}
	latency, _ := strconv.ParseInt(vals["latency"], 10, 64)
	return domain.FundingQuote{
		Venue:      domain.Venue(vals["venue"]),
		Leg:        domain.Leg(vals["leg"]),
		Pair:       vals["pair"],
		Rate:       rate,
		ObservedAt: time.Unix(0, ts),
		Latency:    time.Duration(latency),
	}, nil
}

var _ domain.QuoteCache = (*QuoteCache)(nil)
