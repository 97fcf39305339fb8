package service

import (
	"context"
	"log/slog"
	"math"
	"sync"

	"github.com/alanyoungcy/fundingarb/internal/domain"
)

// RiskConfig holds exposure limits and exit thresholds. Percentages are in
// percent (2.0 means 2%).
type RiskConfig struct {
	MaxTotalPosition     float64
	MaxPositionPerPair   float64
	StopLossPercentage   float64
	TakeProfitPercentage float64
}

type exposure struct {
	pair     string
	reserved float64
	filled   float64
}

func (e exposure) charge() float64 { return math.Max(e.reserved, e.filled) }

// RiskService is the single owner of aggregate exposure. Every read and write
// happens under one mutex, so authorization and fill accounting never race.
type RiskService struct {
	cfg    RiskConfig
	logger *slog.Logger
	audit  domain.AuditStore

	mu        sync.Mutex
	hedges    map[string]exposure // hedge ID -> exposure
	total     float64
	perPair   map[string]float64
	stopped   bool
	listeners []func(reason string)
}

// NewRiskService creates a RiskService with zero exposure.
func NewRiskService(cfg RiskConfig, logger *slog.Logger) *RiskService {
	return &RiskService{
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "risk")),
		hedges:  make(map[string]exposure),
		perPair: make(map[string]float64),
	}
}

// SetAuditStore records authorizations, denials and emergency stops.
func (s *RiskService) SetAuditStore(a domain.AuditStore) { s.audit = a }

// Load seeds exposure from hedges persisted by a previous run. Only
// non-terminal hedges are counted.
func (s *RiskService) Load(hedges []domain.HedgePosition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range hedges {
		if h.Status.Terminal() {
			continue
		}
		s.setLocked(h.ID, exposure{pair: h.Pair, filled: h.Notional()})
	}
	s.logger.Info("risk state loaded",
		slog.Int("hedges", len(s.hedges)),
		slog.Float64("total_notional", s.total),
	)
}

// setLocked replaces the exposure of one hedge and updates the aggregates.
func (s *RiskService) setLocked(id string, e exposure) {
	if old, ok := s.hedges[id]; ok {
		s.total -= old.charge()
		s.perPair[old.pair] -= old.charge()
		if s.perPair[old.pair] <= 1e-9 {
			delete(s.perPair, old.pair)
		}
		if s.total < 1e-9 {
			s.total = 0
		}
	}
	if e.charge() <= 0 {
		delete(s.hedges, id)
		return
	}
	s.hedges[id] = e
	s.total += e.charge()
	s.perPair[e.pair] += e.charge()
}

// Authorize reserves opp.RecommendedSize for hedgeID against both limits, or
// returns a *domain.AuthorizationDenied naming the limit that would be hit.
func (s *RiskService) Authorize(ctx context.Context, opp domain.Opportunity, hedgeID string) error {
	size := opp.RecommendedSize

	s.mu.Lock()
	var denied *domain.AuthorizationDenied
	switch {
	case s.stopped:
		denied = &domain.AuthorizationDenied{Pair: opp.Pair, Limit: "emergency_stop", Current: s.total, Attempted: size}
	case s.total+size > s.cfg.MaxTotalPosition+1e-9:
		denied = &domain.AuthorizationDenied{Pair: opp.Pair, Limit: "max_total_position", Current: s.total, Attempted: size, Max: s.cfg.MaxTotalPosition}
	case s.perPair[opp.Pair]+size > s.cfg.MaxPositionPerPair+1e-9:
		denied = &domain.AuthorizationDenied{Pair: opp.Pair, Limit: "max_position_per_pair", Current: s.perPair[opp.Pair], Attempted: size, Max: s.cfg.MaxPositionPerPair}
	default:
		s.setLocked(hedgeID, exposure{pair: opp.Pair, reserved: size})
	}
	total := s.total
	s.mu.Unlock()

	if denied != nil {
		s.logger.WarnContext(ctx, "authorization denied",
			slog.String("pair", opp.Pair),
			slog.String("opportunity_id", opp.ID),
			slog.String("limit", denied.Limit),
			slog.Float64("current", denied.Current),
			slog.Float64("attempted", denied.Attempted),
			slog.Float64("max", denied.Max),
		)
		s.record(ctx, "authorization_denied", map[string]any{
			"pair": opp.Pair, "opportunity_id": opp.ID, "limit": denied.Limit,
			"current": denied.Current, "attempted": denied.Attempted, "max": denied.Max,
		})
		return denied
	}

	s.logger.InfoContext(ctx, "authorized",
		slog.String("pair", opp.Pair),
		slog.String("hedge_id", hedgeID),
		slog.Float64("size", size),
		slog.Float64("total_notional", total),
	)
	s.record(ctx, "authorized", map[string]any{
		"pair": opp.Pair, "opportunity_id": opp.ID, "hedge_id": hedgeID, "size": size,
	})
	return nil
}

// RecordFill updates the filled notional of a hedge to its larger leg.
func (s *RiskService) RecordFill(h domain.HedgePosition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.hedges[h.ID]
	e.pair = h.Pair
	e.filled = h.Notional()
	s.setLocked(h.ID, e)
}

// Settle drops whatever part of the reservation was not filled.
func (s *RiskService) Settle(hedgeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.hedges[hedgeID]; ok {
		e.reserved = 0
		s.setLocked(hedgeID, e)
	}
}

// Release drops the reservation of a hedge that never opened.
func (s *RiskService) Release(hedgeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(hedgeID, exposure{})
}

// RecordClose removes a hedge's exposure entirely.
func (s *RiskService) RecordClose(h domain.HedgePosition) {
	s.Release(h.ID)
}

// AvailableCapacity returns how much notional pair can still take, floored at 0.
func (s *RiskService) AvailableCapacity(pair string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return 0
	}
	room := math.Min(s.cfg.MaxTotalPosition-s.total, s.cfg.MaxPositionPerPair-s.perPair[pair])
	return math.Max(0, room)
}

// CheckExit returns the close reason a hedge's PnL percentage triggers, or ""
// when it should stay open.
func (s *RiskService) CheckExit(h domain.HedgePosition, pnlPct float64) domain.CloseReason {
	if h.Status != domain.HedgeBalanced {
		return ""
	}
	switch {
	case s.cfg.StopLossPercentage > 0 && pnlPct <= -s.cfg.StopLossPercentage:
		return domain.CloseStopLoss
	case s.cfg.TakeProfitPercentage > 0 && pnlPct >= s.cfg.TakeProfitPercentage:
		return domain.CloseTakeProfit
	default:
		return ""
	}
}

// OnEmergencyStop registers fn to run once when the emergency stop engages.
func (s *RiskService) OnEmergencyStop(fn func(reason string)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// EngageEmergencyStop denies every future authorization and notifies the
// registered listeners. Engaging twice is a no-op.
func (s *RiskService) EngageEmergencyStop(ctx context.Context, reason string) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	listeners := append([]func(string){}, s.listeners...)
	s.mu.Unlock()

	s.logger.ErrorContext(ctx, "emergency stop engaged", slog.String("reason", reason))
	s.record(ctx, "emergency_stop", map[string]any{"reason": reason})
	for _, fn := range listeners {
		fn(reason)
	}
}

// EmergencyStopped reports whether the emergency stop is engaged.
func (s *RiskService) EmergencyStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// State returns a snapshot of aggregate exposure.
func (s *RiskService) State() domain.RiskState {
	s.mu.Lock()
	defer s.mu.Unlock()
	per := make(map[string]float64, len(s.perPair))
	for k, v := range s.perPair {
		per[k] = v
	}
	return domain.RiskState{TotalNotional: s.total, PerPair: per, EmergencyStop: s.stopped}
}

func (s *RiskService) record(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}
