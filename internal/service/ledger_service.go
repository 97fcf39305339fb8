package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/fundingarb/internal/domain"
)

// LedgerService mirrors hedge transitions to durable storage and the signal
// bus. Every dependency is optional; a nil store or bus is skipped.
type LedgerService struct {
	hedges domain.HedgeStore
	bus    domain.SignalBus
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewLedgerService creates a LedgerService.
func NewLedgerService(
	hedges domain.HedgeStore,
	bus domain.SignalBus,
	audit domain.AuditStore,
	logger *slog.Logger,
) *LedgerService {
	return &LedgerService{
		hedges: hedges,
		bus:    bus,
		audit:  audit,
		logger: logger.With(slog.String("component", "ledger")),
	}
}

// Record persists h and publishes the transition. Storage failures are
// returned; bus and audit failures are only logged.
func (s *LedgerService) Record(ctx context.Context, h domain.HedgePosition) error {
	if s.hedges != nil {
		if err := s.hedges.Upsert(ctx, h); err != nil {
			return fmt.Errorf("ledger_service: upsert hedge %q: %w", h.ID, err)
		}
	}

	if s.bus != nil {
		evt, _ := json.Marshal(map[string]any{
			"event":               "hedge",
			"hedge_id":            h.ID,
			"opportunity_id":      h.OpportunityID,
			"pair":                h.Pair,
			"direction":           h.Direction,
			"status":              h.Status,
			"leg_a":               h.LegA.Size,
			"leg_b":               h.LegB.Size,
			"manual_intervention": h.ManualIntervention,
			"close_reason":        h.CloseReason,
			"updated_at":          h.UpdatedAt.Format(time.RFC3339Nano),
		})
		if err := s.bus.Publish(ctx, domain.ChannelHedge, evt); err != nil {
			s.logger.WarnContext(ctx, "publish hedge event failed",
				slog.String("hedge_id", h.ID),
				slog.String("error", err.Error()),
			)
		}
		if h.Status.Terminal() || h.Status == domain.HedgeBalanced {
			if err := s.bus.StreamAppend(ctx, domain.StreamHedges, evt); err != nil {
				s.logger.WarnContext(ctx, "append hedge stream failed",
					slog.String("hedge_id", h.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	if s.audit != nil && (h.Status.Terminal() || h.Status == domain.HedgeBalanced) {
		event := "hedge_" + string(h.Status)
		if h.ManualIntervention {
			event = domain.EventManualIntervention
		}
		if err := s.audit.Log(ctx, event, map[string]any{
			"hedge_id":     h.ID,
			"pair":         h.Pair,
			"leg_a":        h.LegA.Size,
			"leg_b":        h.LegB.Size,
			"close_reason": h.CloseReason,
			"error":        h.Error,
		}); err != nil {
			s.logger.WarnContext(ctx, "audit log failed",
				slog.String("hedge_id", h.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// LoadOpen returns every non-terminal hedge from storage, or nothing when no
// store is configured.
func (s *LedgerService) LoadOpen(ctx context.Context) ([]domain.HedgePosition, error) {
	if s.hedges == nil {
		return nil, nil
	}
	open, err := s.hedges.ListOpen(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger_service: list open: %w", err)
	}
	return open, nil
}

// ListRecent returns stored hedges newest first, including those that have
// left the in-memory ledger of this run.
func (s *LedgerService) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.HedgePosition, error) {
	if s.hedges == nil {
		return nil, fmt.Errorf("ledger_service: list recent: %w", domain.ErrNotAvailable)
	}
	hs, err := s.hedges.ListRecent(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("ledger_service: list recent: %w", err)
	}
	return hs, nil
}

// Get loads one stored hedge.
func (s *LedgerService) Get(ctx context.Context, id string) (domain.HedgePosition, error) {
	if s.hedges == nil {
		return domain.HedgePosition{}, fmt.Errorf("ledger_service: get %q: %w", id, domain.ErrNotAvailable)
	}
	h, err := s.hedges.GetByID(ctx, id)
	if err != nil {
		return domain.HedgePosition{}, fmt.Errorf("ledger_service: get %q: %w", id, err)
	}
	return h, nil
}
