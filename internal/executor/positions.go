package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/alanyoungcy/fundingarb/internal/domain"
)

// Run executes opportunities from opps until the channel closes or ctx is
// cancelled, then waits for in-progress hedges to come to rest. Each
// opportunity ID is executed at most once.
func (e *Executor) Run(ctx context.Context, opps <-chan domain.Opportunity) {
	var wg sync.WaitGroup
	defer wg.Wait()

	cleanup := time.NewTicker(e.cfg.DedupTTL)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cleanup.C:
			e.dedup.Cleanup()
		case opp, ok := <-opps:
			if !ok {
				return
			}
			if !e.dedup.Claim(opp.ID) {
				e.logger.DebugContext(ctx, "duplicate opportunity skipped",
					slog.String("opportunity_id", opp.ID),
					slog.String("pair", opp.Pair),
				)
				continue
			}
			wg.Go(func() {
				// Outcomes are logged and recorded by Execute.
				_, _ = e.Execute(ctx, opp)
			})
		}
	}
}

// Close flattens both legs of a balanced hedge. When another close of the
// same pair is in progress it waits for it; a hedge that holder brought to
// rest is returned without error.
func (e *Executor) Close(ctx context.Context, id string, reason domain.CloseReason) (domain.HedgePosition, error) {
	h, ok := e.ledger.Get(id)
	if !ok {
		return domain.HedgePosition{}, fmt.Errorf("executor: close %q: %w", id, domain.ErrNotFound)
	}
	unlock, contended, err := e.acquire(ctx, h.Pair)
	if err != nil {
		return h, fmt.Errorf("executor: close %q: %w", id, err)
	}
	defer unlock()

	// Re-read under the lock; a concurrent close may have won.
	h, _ = e.ledger.Get(id)
	if contended && h.Status.Terminal() {
		e.logger.InfoContext(ctx, "hedge already at rest",
			slog.String("hedge_id", h.ID),
			slog.String("status", string(h.Status)),
		)
		return h, nil
	}
	if h.Status != domain.HedgeBalanced {
		return h, fmt.Errorf("executor: close %q: status %s: %w", id, h.Status, domain.ErrNotAvailable)
	}

	e.logger.InfoContext(ctx, "closing hedge",
		slog.String("hedge_id", h.ID),
		slog.String("pair", h.Pair),
		slog.String("reason", string(reason)),
	)
	h.CloseReason = reason
	h.Status = domain.HedgeUnwinding
	e.save(ctx, &h)

	err = e.unwindBoth(ctx, &h)
	if h.Notional() > dust {
		e.risk.RecordFill(h)
		return e.fail(ctx, &h, fmt.Sprintf("close (%s) left legs open", reason), err, true)
	}
	e.risk.RecordClose(h)
	return e.closed(ctx, &h, nil)
}

// CheckPositions reads venue PnL for every balanced hedge and closes those
// that hit a stop-loss or take-profit threshold. It returns the number closed.
func (e *Executor) CheckPositions(ctx context.Context) (int, error) {
	var (
		closed int
		errs   []error
	)
	for _, h := range e.ledger.Open() {
		if h.Status != domain.HedgeBalanced {
			continue
		}
		pnl, err := e.unrealizedPnL(ctx, h)
		if err != nil {
			e.logger.WarnContext(ctx, "position check failed",
				slog.String("hedge_id", h.ID),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
			continue
		}
		notional := h.Notional()
		if notional <= dust {
			continue
		}
		pct := pnl / notional * 100
		reason := e.risk.CheckExit(h, pct)
		if reason == "" {
			continue
		}
		e.logger.InfoContext(ctx, "exit threshold hit",
			slog.String("hedge_id", h.ID),
			slog.String("pair", h.Pair),
			slog.Float64("pnl", pnl),
			slog.Float64("pnl_pct", pct),
			slog.String("reason", string(reason)),
		)
		if _, err := e.Close(ctx, h.ID, reason); err != nil {
			errs = append(errs, err)
			continue
		}
		closed++
	}
	return closed, errors.Join(errs...)
}

// Resume resolves restored hedges that stopped short of Balanced, for example
// after a crash mid-execution. Each one is flattened against the positions the
// venues report and ends Closed, or Failed and flagged when the venues cannot
// be read or will not flatten. It returns the number that ended Closed.
func (e *Executor) Resume(ctx context.Context) (int, error) {
	var (
		closed int
		errs   []error
	)
	for _, h := range e.ledger.Open() {
		if h.Status == domain.HedgeBalanced {
			continue
		}
		if _, err := e.resume(ctx, h); err != nil {
			errs = append(errs, err)
			continue
		}
		closed++
	}
	return closed, errors.Join(errs...)
}

func (e *Executor) resume(ctx context.Context, h domain.HedgePosition) (domain.HedgePosition, error) {
	reason := fmt.Sprintf("resumed from %s", h.Status)
	e.logger.WarnContext(ctx, "resuming interrupted hedge",
		slog.String("hedge_id", h.ID),
		slog.String("pair", h.Pair),
		slog.String("status", string(h.Status)),
	)
	pair, ok := e.pairs[h.Pair]
	if !ok {
		return e.fail(ctx, &h, reason, fmt.Errorf("executor: pair %q: %w", h.Pair, domain.ErrNotFound), true)
	}
	unlock, _, err := e.acquire(ctx, h.Pair)
	if err != nil {
		return h, fmt.Errorf("executor: resume %q: %w", h.ID, err)
	}
	defer unlock()

	// The venues are the record of what filled before the interruption.
	for _, leg := range []domain.Leg{domain.LegA, domain.LegB} {
		vp, err := e.venues[leg].GetPosition(ctx, pair.VenueSymbol(leg))
		if err != nil {
			return e.fail(ctx, &h, reason+": position unknown", fmt.Errorf("executor: resume %q leg %s: %w", h.ID, leg, err), true)
		}
		p := h.Leg(leg)
		p.Pair, p.Leg, p.Venue, p.Size = h.Pair, leg, e.venues[leg].Name(), 0
		if vp != nil {
			p.Side, p.Size = vp.Side, math.Abs(vp.Size)
			if p.EntryPrice == 0 {
				p.EntryPrice = vp.EntryPrice
			}
		}
		e.setLeg(&h, p)
	}

	h.Status = domain.HedgeUnwinding
	h.Error = reason
	e.save(ctx, &h)
	err = e.unwindBoth(ctx, &h)
	if h.Notional() > dust {
		e.risk.RecordFill(h)
		e.risk.Settle(h.ID)
		return e.fail(ctx, &h, "unwind failed after "+reason, err, true)
	}
	e.risk.RecordClose(h)
	return e.closed(ctx, &h, nil)
}

func (e *Executor) unrealizedPnL(ctx context.Context, h domain.HedgePosition) (float64, error) {
	pair, ok := e.pairs[h.Pair]
	if !ok {
		return 0, fmt.Errorf("executor: pnl %q: %w", h.Pair, domain.ErrNotFound)
	}
	var total float64
	for _, leg := range []domain.Leg{domain.LegA, domain.LegB} {
		pos, err := e.venues[leg].GetPosition(ctx, pair.VenueSymbol(leg))
		if err != nil {
			return 0, fmt.Errorf("executor: pnl %q leg %s: %w", h.Pair, leg, err)
		}
		if pos != nil {
			total += pos.UnrealizedPnL
		}
	}
	return total, nil
}

// WatchPositions runs CheckPositions on every PositionCheckInterval until ctx
// is cancelled.
func (e *Executor) WatchPositions(ctx context.Context) {
	if e.cfg.PositionCheckInterval <= 0 {
		return
	}
	ticker := time.NewTicker(e.cfg.PositionCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = e.CheckPositions(ctx)
		}
	}
}

// CloseAll stops accepting hedges, aborts pending leg submissions, waits for
// executions to come to rest and then closes every balanced hedge.
func (e *Executor) CloseAll(ctx context.Context, reason domain.CloseReason) error {
	e.mu.Lock()
	e.closing = true
	e.mu.Unlock()

	if n := e.CancelPending(); n > 0 {
		e.logger.WarnContext(ctx, "cancelled pending executions", slog.Int("count", n))
	}
	e.active.Wait()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, h := range e.ledger.Open() {
		if h.Status != domain.HedgeBalanced {
			continue
		}
		wg.Go(func() {
			if _, err := e.Close(ctx, h.ID, reason); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	return errors.Join(errs...)
}
