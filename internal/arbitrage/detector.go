// Package arbitrage turns spread snapshots into sized, ranked funding-rate
// opportunities.
package arbitrage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/fundingarb/internal/domain"
)

// CapacityProvider reports how much more notional a pair may take on.
type CapacityProvider interface {
	AvailableCapacity(pair string) float64
}

// DetectorConfig configures the detector.
type DetectorConfig struct {
	Pairs                []domain.TradingPair
	Cost                 CostModel
	MinSpreadThreshold   float64
	MaxSpreadThreshold   float64
	MinTradeAmount       float64
	FundingIntervalHours float64
	StalenessCeiling     time.Duration
	Risk                 CapacityProvider
	Logger               *slog.Logger
}

// Stats counts detector outcomes since start.
type Stats struct {
	Evaluated  int64 `json:"evaluated"`
	Detected   int64 `json:"detected"`
	Suppressed int64 `json:"suppressed"`
	OutOfRange int64 `json:"out_of_range"`
	Stale      int64 `json:"stale"`
	Undersized int64 `json:"undersized"`
	InFlight   int   `json:"in_flight"`
}

const recentLimit = 100

// Detector applies per-pair thresholds to spread snapshots. It owns only the
// in-flight opportunity set and the last evaluated snapshot time per pair.
type Detector struct {
	cfg    DetectorConfig
	pairs  map[string]domain.TradingPair
	logger *slog.Logger
	now    func() time.Time
	bus    domain.SignalBus
	alerts domain.Alerter

	mu            sync.Mutex
	inFlight      map[string]string // pair -> opportunity ID
	lastEvaluated map[string]time.Time
	recent        []domain.Opportunity
	stats         Stats
}

// NewDetector creates a detector for the configured pairs.
func NewDetector(cfg DetectorConfig) *Detector {
	pairs := make(map[string]domain.TradingPair, len(cfg.Pairs))
	for _, p := range cfg.Pairs {
		pairs[p.Symbol] = p
	}
	return &Detector{
		cfg:           cfg,
		pairs:         pairs,
		logger:        cfg.Logger.With(slog.String("component", "detector")),
		now:           time.Now,
		inFlight:      make(map[string]string),
		lastEvaluated: make(map[string]time.Time),
	}
}

// SetSignalBus publishes emitted opportunities on domain.ChannelOpportunity.
func (d *Detector) SetSignalBus(b domain.SignalBus) { d.bus = b }

// SetAlerter sends an "opportunity" notification for every emitted opportunity.
func (d *Detector) SetAlerter(a domain.Alerter) { d.alerts = a }

// MinThreshold returns the effective minimum net spread for pair.
func (d *Detector) MinThreshold(pair domain.TradingPair) float64 {
	if pair.MinFundingRateDiff > 0 {
		return pair.MinFundingRateDiff
	}
	return d.cfg.MinSpreadThreshold
}

// NetSpread returns |spread| less the round-trip cost for pair.
func (d *Detector) NetSpread(pair domain.TradingPair, spread float64) float64 {
	return d.cfg.Cost.NetSpread(pair, spread)
}

// Evaluate decides whether snap is a tradeable opportunity. It returns nil, nil
// when nothing should be emitted. Stale inputs, undersized trades and pairs
// already in flight come back as errors for the caller to log.
func (d *Detector) Evaluate(ctx context.Context, snap domain.SpreadSnapshot) (*domain.Opportunity, error) {
	pair, ok := d.pairs[snap.Pair]
	if !ok || !pair.Enabled {
		return nil, fmt.Errorf("detector: evaluate %q: %w", snap.Pair, domain.ErrNotFound)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if last, seen := d.lastEvaluated[pair.Symbol]; seen && !snap.ComputedAt.After(last) {
		return nil, nil
	}
	d.lastEvaluated[pair.Symbol] = snap.ComputedAt
	d.stats.Evaluated++

	if snap.MaxStaleness > d.cfg.StalenessCeiling {
		d.stats.Stale++
		return nil, &domain.StaleDataError{Pair: pair.Symbol, Staleness: snap.MaxStaleness, Ceiling: d.cfg.StalenessCeiling}
	}

	if id, busy := d.inFlight[pair.Symbol]; busy {
		return nil, fmt.Errorf("detector: %s (opportunity %s): %w", pair.Symbol, id, domain.ErrInFlight)
	}

	minT := d.MinThreshold(pair)
	maxT := d.cfg.MaxSpreadThreshold
	net := d.cfg.Cost.NetSpread(pair, snap.Spread)
	if net < minT-tolerance {
		d.stats.Suppressed++
		return nil, nil
	}
	if net > maxT+tolerance {
		d.stats.OutOfRange++
		d.logger.WarnContext(ctx, "spread above maximum, treating as bad data",
			slog.String("pair", pair.Symbol),
			slog.Float64("spread", snap.Spread),
			slog.Float64("net_spread", net),
			slog.Float64("max", maxT),
		)
		return nil, nil
	}

	size := pair.MaxPositionSize
	if d.cfg.Risk != nil {
		size = math.Min(size, d.cfg.Risk.AvailableCapacity(pair.Symbol))
	}
	if size < d.cfg.MinTradeAmount {
		d.stats.Undersized++
		return nil, &domain.SizingError{Pair: pair.Symbol, Size: size, Min: d.cfg.MinTradeAmount, Max: pair.MaxPositionSize}
	}

	opp := domain.Opportunity{
		ID:                    uuid.NewString(),
		Pair:                  pair.Symbol,
		Direction:             domain.DirectionFor(snap.Spread),
		Spread:                snap.Spread,
		NetSpread:             net,
		EstimatedNetProfitBps: net * 10_000,
		Confidence:            confidence(net, minT, maxT, snap, float64(d.cfg.StalenessCeiling)),
		RecommendedSize:       size,
		SnapshotAt:            snap.ComputedAt,
		CreatedAt:             d.now(),
	}
	d.inFlight[pair.Symbol] = opp.ID
	d.stats.Detected++
	d.recent = append(d.recent, opp)
	if len(d.recent) > recentLimit {
		d.recent = d.recent[len(d.recent)-recentLimit:]
	}

	d.logger.InfoContext(ctx, "opportunity detected",
		slog.String("opportunity_id", opp.ID),
		slog.String("pair", opp.Pair),
		slog.String("direction", string(opp.Direction)),
		slog.Float64("spread", opp.Spread),
		slog.Float64("net_spread", opp.NetSpread),
		slog.Float64("confidence", opp.Confidence),
		slog.Float64("size", opp.RecommendedSize),
	)
	return &opp, nil
}

// Release clears the in-flight marker for pair so the next snapshot can emit.
func (d *Detector) Release(pair string) {
	d.mu.Lock()
	delete(d.inFlight, pair)
	d.mu.Unlock()
}

// Hold marks pair in flight for opportunityID, e.g. for a hedge restored
// from a previous run. The executor's close path releases it.
func (d *Detector) Hold(pair, opportunityID string) {
	d.mu.Lock()
	d.inFlight[pair] = opportunityID
	d.mu.Unlock()
}

// EstimatedProfit projects the funding collected by opp over holdHours,
// net of round-trip cost. Rates are per funding interval.
func (d *Detector) EstimatedProfit(opp domain.Opportunity, holdHours float64) float64 {
	interval := d.cfg.FundingIntervalHours
	if interval <= 0 {
		interval = 8
	}
	periods := holdHours / interval
	gross := opp.RecommendedSize * math.Abs(opp.Spread) * periods
	return gross - opp.RecommendedSize*(math.Abs(opp.Spread)-opp.NetSpread)
}

// Recent returns the most recently emitted opportunities, ranked.
func (d *Detector) Recent() []domain.Opportunity {
	d.mu.Lock()
	out := make([]domain.Opportunity, len(d.recent))
	copy(out, d.recent)
	d.mu.Unlock()
	return Rank(out)
}

// Stats returns a copy of the counters.
func (d *Detector) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.stats
	st.InFlight = len(d.inFlight)
	return st
}

// Run evaluates every snapshot from in and sends emitted opportunities on out.
// It closes out when in is closed or ctx is cancelled.
func (d *Detector) Run(ctx context.Context, in <-chan domain.SpreadSnapshot, out chan<- domain.Opportunity) error {
	defer close(out)
	d.logger.InfoContext(ctx, "detector started", slog.Int("pairs", len(d.pairs)))
	defer d.logger.InfoContext(ctx, "detector stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap, ok := <-in:
			if !ok {
				return nil
			}
			opp, err := d.Evaluate(ctx, snap)
			if err != nil {
				d.logger.DebugContext(ctx, "snapshot skipped",
					slog.String("pair", snap.Pair),
					slog.String("reason", err.Error()),
				)
				continue
			}
			if opp == nil {
				continue
			}
			d.announce(ctx, *opp)
			select {
			case out <- *opp:
			case <-ctx.Done():
				d.Release(opp.Pair)
				return ctx.Err()
			}
		}
	}
}

func (d *Detector) announce(ctx context.Context, opp domain.Opportunity) {
	if d.bus != nil {
		payload, _ := json.Marshal(map[string]any{
			"event":          "opportunity",
			"opportunity_id": opp.ID,
			"pair":           opp.Pair,
			"direction":      opp.Direction,
			"spread":         opp.Spread,
			"net_spread":     opp.NetSpread,
			"confidence":     opp.Confidence,
			"size":           opp.RecommendedSize,
		})
		if err := d.bus.Publish(ctx, domain.ChannelOpportunity, payload); err != nil {
			d.logger.WarnContext(ctx, "publish opportunity failed", slog.String("error", err.Error()))
		}
	}
	if d.alerts != nil {
		msg := fmt.Sprintf("%s %s: spread %.4f%% net %.4f%% size $%.2f (est. 24h $%.2f)",
			opp.Pair, opp.Direction, opp.Spread*100, opp.NetSpread*100, opp.RecommendedSize,
			d.EstimatedProfit(opp, 24))
		if err := d.alerts.Notify(ctx, domain.EventOpportunity, "Funding opportunity", msg); err != nil {
			d.logger.WarnContext(ctx, "opportunity alert failed", slog.String("error", err.Error()))
		}
	}
}
