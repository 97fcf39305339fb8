// Package monitor polls both venues for funding rates and keeps the latest
// quote per (venue, pair) together with the derived spread.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/fundingarb/internal/domain"
)

// Config holds the monitor tick parameters.
type Config struct {
	Pairs            []domain.TradingPair
	UpdateInterval   time.Duration
	VenueTimeout     time.Duration
	StalenessCeiling time.Duration
}

type quoteKey struct {
	leg  domain.Leg
	pair string
}

// Status is a summary for the status API.
type Status struct {
	Running        bool                   `json:"running"`
	Pairs          int                    `json:"pairs"`
	MonitoredPairs int                    `json:"monitored_pairs"`
	LastUpdate     time.Time              `json:"last_update"`
	Failures       map[string]int         `json:"consecutive_failures"`
	Reliability    map[domain.Leg]float64 `json:"reliability"`
}

// Monitor owns every FundingQuote and SpreadSnapshot in the process.
type Monitor struct {
	venueA domain.Exchange
	venueB domain.Exchange
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	cache   domain.QuoteCache
	bus     domain.SignalBus
	history domain.FundingHistoryStore

	mu         sync.RWMutex
	quotes     map[quoteKey]domain.FundingQuote
	failures   map[quoteKey]int
	latency    map[domain.Leg]time.Duration
	snapshots  map[string]domain.SpreadSnapshot
	running    bool
	lastUpdate time.Time
}

// New creates a Monitor reading from venueA and venueB. Spreads are always
// rate(A) - rate(B).
func New(venueA, venueB domain.Exchange, cfg Config, logger *slog.Logger) *Monitor {
	return &Monitor{
		venueA:    venueA,
		venueB:    venueB,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "monitor")),
		now:       time.Now,
		quotes:    make(map[quoteKey]domain.FundingQuote),
		failures:  make(map[quoteKey]int),
		latency:   make(map[domain.Leg]time.Duration),
		snapshots: make(map[string]domain.SpreadSnapshot),
	}
}

// SetQuoteCache mirrors accepted quotes into a shared cache.
func (m *Monitor) SetQuoteCache(c domain.QuoteCache) { m.cache = c }

// SetSignalBus publishes every valid snapshot on domain.ChannelSpread.
func (m *Monitor) SetSignalBus(b domain.SignalBus) { m.bus = b }

// SetHistoryStore appends every accepted quote to durable storage.
func (m *Monitor) SetHistoryStore(s domain.FundingHistoryStore) { m.history = s }

func (m *Monitor) exchange(leg domain.Leg) domain.Exchange {
	if leg == domain.LegA {
		return m.venueA
	}
	return m.venueB
}

// Refresh reads both venues for pair concurrently and recomputes its spread.
// Both reads complete before anything is computed. A failed read keeps the
// previous quote; the returned error is a *domain.StaleDataError when either
// quote is missing or older than the staleness ceiling.
func (m *Monitor) Refresh(ctx context.Context, pair domain.TradingPair) (domain.SpreadSnapshot, error) {
	var (
		rates   [2]domain.FundingRate
		lat     [2]time.Duration
		readErr [2]error
	)

	g, gctx := errgroup.WithContext(ctx)
	for i, leg := range []domain.Leg{domain.LegA, domain.LegB} {
		g.Go(func() error {
			rctx, cancel := context.WithTimeout(gctx, m.cfg.VenueTimeout)
			defer cancel()
			start := m.now()
			rates[i], readErr[i] = m.exchange(leg).GetFundingRate(rctx, pair.VenueSymbol(leg))
			lat[i] = m.now().Sub(start)
			// A venue error never aborts the sibling read.
			return nil
		})
	}
	_ = g.Wait()

	now := m.now()
	accepted := make([]domain.FundingQuote, 0, 2)

	m.mu.Lock()
	for i, leg := range []domain.Leg{domain.LegA, domain.LegB} {
		key := quoteKey{leg: leg, pair: pair.Symbol}
		m.latency[leg] = lat[i]
		if readErr[i] != nil {
			m.failures[key]++
			m.logger.WarnContext(ctx, "funding read failed",
				slog.String("pair", pair.Symbol),
				slog.String("venue", string(m.exchange(leg).Name())),
				slog.Int("consecutive_failures", m.failures[key]),
				slog.String("error", readErr[i].Error()),
			)
			continue
		}
		m.failures[key] = 0
		observed := rates[i].Timestamp
		if observed.IsZero() {
			observed = now
		}
		q := domain.FundingQuote{
			Venue:      m.exchange(leg).Name(),
			Leg:        leg,
			Pair:       pair.Symbol,
			Rate:       rates[i].Rate,
			ObservedAt: observed,
			Latency:    lat[i],
		}
		m.quotes[key] = q
		accepted = append(accepted, q)
	}

	snap, err := m.spreadLocked(pair.Symbol, now)
	if err == nil {
		if prev, ok := m.snapshots[pair.Symbol]; !ok || snap.ComputedAt.After(prev.ComputedAt) {
			m.snapshots[pair.Symbol] = snap
		}
	}
	m.mu.Unlock()

	m.publish(ctx, accepted, snap, err)

	if err != nil {
		return domain.SpreadSnapshot{}, err
	}
	return snap, nil
}

// spreadLocked computes the snapshot for pair from stored quotes. The caller
// must hold m.mu.
func (m *Monitor) spreadLocked(pair string, now time.Time) (domain.SpreadSnapshot, error) {
	qa, okA := m.quotes[quoteKey{leg: domain.LegA, pair: pair}]
	qb, okB := m.quotes[quoteKey{leg: domain.LegB, pair: pair}]
	if !okA {
		return domain.SpreadSnapshot{}, &domain.StaleDataError{Pair: pair, Venue: m.venueA.Name(), Missing: true}
	}
	if !okB {
		return domain.SpreadSnapshot{}, &domain.StaleDataError{Pair: pair, Venue: m.venueB.Name(), Missing: true}
	}

	ageA, ageB := qa.Age(now), qb.Age(now)
	if ageA > m.cfg.StalenessCeiling {
		return domain.SpreadSnapshot{}, &domain.StaleDataError{Pair: pair, Venue: qa.Venue, Staleness: ageA, Ceiling: m.cfg.StalenessCeiling}
	}
	if ageB > m.cfg.StalenessCeiling {
		return domain.SpreadSnapshot{}, &domain.StaleDataError{Pair: pair, Venue: qb.Venue, Staleness: ageB, Ceiling: m.cfg.StalenessCeiling}
	}

	return domain.SpreadSnapshot{
		Pair:         pair,
		RateA:        qa.Rate,
		RateB:        qb.Rate,
		Spread:       qa.Rate - qb.Rate,
		ComputedAt:   now,
		MaxStaleness: max(ageA, ageB),
		ReliabilityA: m.reliabilityLocked(domain.LegA, pair),
		ReliabilityB: m.reliabilityLocked(domain.LegB, pair),
	}, nil
}

// reliabilityLocked scores a venue in [0,1] from its consecutive failures on
// pair and how much of the timeout its last read consumed.
func (m *Monitor) reliabilityLocked(leg domain.Leg, pair string) float64 {
	score := 1 / (1 + float64(m.failures[quoteKey{leg: leg, pair: pair}]))
	if m.cfg.VenueTimeout > 0 {
		used := float64(m.latency[leg]) / float64(m.cfg.VenueTimeout)
		score *= 1 - 0.5*math.Min(1, math.Max(0, used))
	}
	return score
}

func (m *Monitor) publish(ctx context.Context, quotes []domain.FundingQuote, snap domain.SpreadSnapshot, snapErr error) {
	for _, q := range quotes {
		if m.cache != nil {
			if err := m.cache.SetQuote(ctx, q); err != nil {
				m.logger.WarnContext(ctx, "quote cache write failed", slog.String("pair", q.Pair), slog.String("error", err.Error()))
			}
		}
		if m.history != nil {
			if err := m.history.Insert(ctx, q); err != nil {
				m.logger.WarnContext(ctx, "funding history insert failed", slog.String("pair", q.Pair), slog.String("error", err.Error()))
			}
		}
	}
	if m.bus == nil || snapErr != nil {
		return
	}
	payload, _ := json.Marshal(map[string]any{
		"event":         "spread",
		"pair":          snap.Pair,
		"rate_a":        snap.RateA,
		"rate_b":        snap.RateB,
		"spread":        snap.Spread,
		"max_staleness": snap.MaxStaleness.String(),
		"computed_at":   snap.ComputedAt.Format(time.RFC3339Nano),
	})
	if err := m.bus.Publish(ctx, domain.ChannelSpread, payload); err != nil {
		m.logger.WarnContext(ctx, "publish spread failed", slog.String("pair", snap.Pair), slog.String("error", err.Error()))
	}
}

// Latest returns the last valid snapshot for pair, re-checked against the
// staleness ceiling at read time.
func (m *Monitor) Latest(pair string) (domain.SpreadSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snapshots[pair]
	if !ok {
		return domain.SpreadSnapshot{}, fmt.Errorf("monitor: latest %q: %w", pair, domain.ErrNotAvailable)
	}
	now := m.now()
	for _, leg := range []domain.Leg{domain.LegA, domain.LegB} {
		q := m.quotes[quoteKey{leg: leg, pair: pair}]
		if age := q.Age(now); age > m.cfg.StalenessCeiling {
			return domain.SpreadSnapshot{}, &domain.StaleDataError{Pair: pair, Venue: q.Venue, Staleness: age, Ceiling: m.cfg.StalenessCeiling}
		}
	}
	return snap, nil
}

// Quotes returns a copy of every stored quote with Staleness computed now.
func (m *Monitor) Quotes() []domain.FundingQuote {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	out := make([]domain.FundingQuote, 0, len(m.quotes))
	for _, q := range m.quotes {
		q.Staleness = q.Age(now)
		out = append(out, q)
	}
	return out
}

// Snapshots returns the last valid snapshot for every pair that has one.
func (m *Monitor) Snapshots() []domain.SpreadSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.SpreadSnapshot, 0, len(m.snapshots))
	for _, p := range m.cfg.Pairs {
		if s, ok := m.snapshots[p.Symbol]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Tick refreshes every enabled pair concurrently and returns the valid
// snapshots in pair order.
func (m *Monitor) Tick(ctx context.Context) []domain.SpreadSnapshot {
	results := make([]*domain.SpreadSnapshot, len(m.cfg.Pairs))

	var wg sync.WaitGroup
	for i, p := range m.cfg.Pairs {
		if !p.Enabled {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, err := m.Refresh(ctx, p)
			if err != nil {
				m.logger.DebugContext(ctx, "spread unavailable", slog.String("pair", p.Symbol), slog.String("reason", err.Error()))
				return
			}
			results[i] = &snap
		}()
	}
	wg.Wait()

	m.mu.Lock()
	m.lastUpdate = m.now()
	m.mu.Unlock()

	out := make([]domain.SpreadSnapshot, 0, len(results))
	for _, s := range results {
		if s != nil {
			out = append(out, *s)
		}
	}
	return out
}

// Run ticks every UpdateInterval until ctx is cancelled, sending each valid
// snapshot on out. Snapshots for a pair are sent in ComputedAt order. Run
// closes out when it returns.
func (m *Monitor) Run(ctx context.Context, out chan<- domain.SpreadSnapshot) error {
	defer close(out)

	m.mu.Lock()
	m.running = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	m.logger.InfoContext(ctx, "monitor started",
		slog.Int("pairs", len(m.cfg.Pairs)),
		slog.Duration("interval", m.cfg.UpdateInterval),
	)

	ticker := time.NewTicker(m.cfg.UpdateInterval)
	defer ticker.Stop()

	for {
		for _, snap := range m.Tick(ctx) {
			select {
			case out <- snap:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		select {
		case <-ctx.Done():
			m.logger.InfoContext(ctx, "monitor stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Status returns counters for the status API.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Status{
		Running:     m.running,
		Pairs:       len(m.cfg.Pairs),
		LastUpdate:  m.lastUpdate,
		Failures:    make(map[string]int, len(m.failures)),
		Reliability: make(map[domain.Leg]float64, 2),
	}
	for _, p := range m.cfg.Pairs {
		if p.Enabled {
			st.MonitoredPairs++
		}
	}
	for k, n := range m.failures {
		if n > 0 {
			st.Failures[string(m.exchange(k.leg).Name())+":"+k.pair] = n
		}
	}
	for _, leg := range []domain.Leg{domain.LegA, domain.LegB} {
		worst := 1.0
		for _, p := range m.cfg.Pairs {
			worst = math.Min(worst, m.reliabilityLocked(leg, p.Symbol))
		}
		st.Reliability[leg] = worst
	}
	return st
}
