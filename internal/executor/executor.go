// Package executor opens, reconciles and closes two-leg funding hedges.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/fundingarb/internal/domain"
)

// dust is the notional below which a leg counts as flat.
const dust = 1e-6

var (
	errFillTimeout  = errors.New("fill timeout")
	errClosing      = errors.New("executor is closing")
	errOrderWorking = errors.New("order still working after cancel")
)

// Risk is the exposure gate the executor reports through.
type Risk interface {
	Authorize(ctx context.Context, opp domain.Opportunity, hedgeID string) error
	RecordFill(h domain.HedgePosition)
	Settle(hedgeID string)
	Release(hedgeID string)
	RecordClose(h domain.HedgePosition)
	CheckExit(h domain.HedgePosition, pnlPct float64) domain.CloseReason
}

// Releaser clears the detector's in-flight marker for a pair.
type Releaser interface {
	Release(pair string)
}

// Config holds hedged executor parameters.
type Config struct {
	FillTimeout           time.Duration
	PollInterval          time.Duration
	SizeTolerance         float64
	MaxSubmitRetries      int
	MaxCorrectionRetries  int
	RetryBackoff          time.Duration
	Sequential            bool
	FastLeg               domain.Leg
	PositionCheckInterval time.Duration
	UnwindTimeout         time.Duration
	LockTTL               time.Duration
	DedupTTL              time.Duration
}

// Executor turns opportunities into hedges. Each hedge is written only by the
// goroutine executing or closing it; the Ledger holds copies for readers.
type Executor struct {
	venues map[domain.Leg]domain.Exchange
	pairs  map[string]domain.TradingPair
	risk   Risk
	cfg    Config
	ledger *Ledger
	locks  domain.LockManager
	dedup  *Dedup
	logger *slog.Logger
	now    func() time.Time

	detector Releaser
	alerts   domain.Alerter

	mu      sync.Mutex
	pending map[string]context.CancelFunc // hedge ID -> leg submission cancel
	closing bool
	active  sync.WaitGroup
}

// New creates an Executor trading venueA and venueB. ledger may be shared with
// readers such as the status API.
func New(
	venueA, venueB domain.Exchange,
	pairs []domain.TradingPair,
	risk Risk,
	ledger *Ledger,
	cfg Config,
	logger *slog.Logger,
) *Executor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.UnwindTimeout <= 0 {
		cfg.UnwindTimeout = time.Duration(cfg.MaxCorrectionRetries+2) * (cfg.FillTimeout + cfg.RetryBackoff)
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = time.Hour
	}
	byName := make(map[string]domain.TradingPair, len(pairs))
	for _, p := range pairs {
		byName[p.Symbol] = p
	}
	return &Executor{
		venues:  map[domain.Leg]domain.Exchange{domain.LegA: venueA, domain.LegB: venueB},
		pairs:   byName,
		risk:    risk,
		cfg:     cfg,
		ledger:  ledger,
		locks:   newLocalLocker(),
		dedup:   NewDedup(cfg.DedupTTL),
		logger:  logger.With(slog.String("component", "executor")),
		now:     time.Now,
		pending: make(map[string]context.CancelFunc),
	}
}

// SetLockManager replaces the in-process pair lock, e.g. with a Redis lock so
// several processes can share venues.
func (e *Executor) SetLockManager(l domain.LockManager) { e.locks = l }

// SetDetector lets the executor release a pair once its hedge is terminal.
func (e *Executor) SetDetector(d Releaser) { e.detector = d }

// SetAlerter enables operator notifications.
func (e *Executor) SetAlerter(a domain.Alerter) { e.alerts = a }

// Ledger returns the executor's position ledger.
func (e *Executor) Ledger() *Ledger { return e.ledger }

// order is one submission and its venue-confirmed outcome.
type order struct {
	leg    domain.Leg
	req    domain.OrderRequest
	handle domain.OrderHandle
	acked  bool
	state  domain.OrderState
	err    error
	// working is set when the venue would not confirm a cancel; the order
	// may still fill.
	working bool
}

func (o *order) filled() float64 { return o.state.FilledSize }

func (e *Executor) save(ctx context.Context, h *domain.HedgePosition) {
	h.UpdatedAt = e.now()
	e.ledger.Put(ctx, *h)
}

func (e *Executor) unwindContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.cfg.UnwindTimeout)
}

// Execute runs opp to a resting state: Balanced, Closed or Failed. The error
// is non-nil for every outcome other than Balanced.
func (e *Executor) Execute(ctx context.Context, opp domain.Opportunity) (domain.HedgePosition, error) {
	now := e.now()
	h := domain.HedgePosition{
		ID:            uuid.NewString(),
		OpportunityID: opp.ID,
		Pair:          opp.Pair,
		Direction:     opp.Direction,
		TargetSize:    opp.RecommendedSize,
		Status:        domain.HedgeProposed,
		OpenedAt:      now,
	}
	log := e.logger.With(
		slog.String("hedge_id", h.ID),
		slog.String("opportunity_id", opp.ID),
		slog.String("pair", opp.Pair),
	)

	pair, ok := e.pairs[opp.Pair]
	if !ok {
		return e.abandon(ctx, &h, "unknown pair", fmt.Errorf("executor: pair %q: %w", opp.Pair, domain.ErrNotFound))
	}
	for _, leg := range []domain.Leg{domain.LegA, domain.LegB} {
		e.setLeg(&h, domain.Position{Pair: pair.Symbol, Venue: e.venues[leg].Name(), Leg: leg, Side: h.Direction.SideFor(leg)})
	}
	e.save(ctx, &h)

	if !e.begin() {
		return e.abandon(ctx, &h, "not accepting hedges", errClosing)
	}
	defer e.active.Done()

	unlock, err := e.locks.Acquire(ctx, "exec:"+pair.Symbol, e.cfg.LockTTL)
	if err != nil {
		return e.abandon(ctx, &h, "execution lock unavailable", err)
	}
	defer unlock()

	if err := e.risk.Authorize(ctx, opp, h.ID); err != nil {
		return e.abandon(ctx, &h, "authorization denied", err)
	}

	legCtx, cancel := context.WithCancel(ctx)
	e.trackPending(h.ID, cancel)
	defer e.untrackPending(h.ID)

	h.Status = domain.HedgeLegAPending
	e.save(ctx, &h)
	log.InfoContext(ctx, "submitting legs",
		slog.String("direction", string(h.Direction)),
		slog.Float64("size", h.TargetSize),
		slog.Bool("sequential", e.cfg.Sequential),
	)

	orders := map[domain.Leg]*order{
		domain.LegA: e.newOrder(domain.LegA, pair, h.Direction.SideFor(domain.LegA), h.TargetSize, false),
		domain.LegB: e.newOrder(domain.LegB, pair, h.Direction.SideFor(domain.LegB), h.TargetSize, false),
	}
	e.openLegs(legCtx, &h, orders)

	a, b := orders[domain.LegA], orders[domain.LegB]
	e.applyFill(&h.LegA, a.state, now)
	e.applyFill(&h.LegB, b.state, now)

	for _, o := range []*order{a, b} {
		if o.working {
			return e.stranded(ctx, &h, o)
		}
	}

	switch {
	case a.filled() <= dust && b.filled() <= dust:
		e.risk.Release(h.ID)
		cause := errors.Join(a.err, b.err)
		if cause == nil {
			cause = errors.New("no fill on either leg")
		}
		return e.fail(ctx, &h, "both legs failed", cause, false)

	case a.filled() <= dust || b.filled() <= dust:
		open, dead := a, b
		if a.filled() <= dust {
			open, dead = b, a
		}
		e.risk.RecordFill(h)
		log.WarnContext(ctx, "single leg filled, flattening",
			slog.String("filled_leg", string(open.leg)),
			slog.Float64("filled", open.filled()),
			slog.String("failed_leg_error", errString(dead.err)),
		)
		return e.flattenSingle(ctx, &h, open.leg, fmt.Sprintf("leg %s failed: %s", dead.leg, errString(dead.err)))
	}

	e.risk.RecordFill(h)
	if h.Imbalance() > e.cfg.SizeTolerance {
		uctx, cancel := e.unwindContext(ctx)
		w := e.correct(uctx, &h, pair)
		cancel()
		if w != nil {
			return e.stranded(ctx, &h, w)
		}
	}
	if h.Imbalance() > e.cfg.SizeTolerance {
		return e.unwindDiverged(ctx, &h)
	}

	h.Status = domain.HedgeBalanced
	e.risk.RecordFill(h)
	e.risk.Settle(h.ID)
	e.save(ctx, &h)
	log.InfoContext(ctx, "hedge balanced",
		slog.Float64("leg_a", h.LegA.Size),
		slog.Float64("leg_b", h.LegB.Size),
		slog.Float64("imbalance", h.Imbalance()),
	)
	e.notify(ctx, domain.EventHedgeBalanced, "Hedge balanced",
		fmt.Sprintf("%s %s: A=%.2f B=%.2f", h.Pair, h.Direction, h.LegA.Size, h.LegB.Size))
	return h, nil
}

func (e *Executor) newOrder(leg domain.Leg, pair domain.TradingPair, side domain.OrderSide, size float64, reduce bool) *order {
	return &order{
		leg: leg,
		req: domain.OrderRequest{
			ClientID:   uuid.NewString(),
			Symbol:     pair.VenueSymbol(leg),
			Side:       side,
			Size:       size,
			ReduceOnly: reduce,
		},
	}
}

// openLegs submits both opening orders and waits for their fills. In
// sequential mode the fast leg must fill before the other is submitted, and
// the other leg is sized to what the fast leg filled.
func (e *Executor) openLegs(ctx context.Context, h *domain.HedgePosition, orders map[domain.Leg]*order) {
	if e.cfg.Sequential {
		first, second := orders[e.cfg.FastLeg], orders[e.cfg.FastLeg.Other()]
		e.submit(ctx, first)
		e.settle(ctx, first)
		if first.working || first.filled() <= dust {
			second.err = fmt.Errorf("not submitted: leg %s did not fill", first.leg)
			return
		}
		second.req.Size = first.filled()
		h.Status = domain.HedgeLegBPending
		e.save(ctx, h)
		e.submit(ctx, second)
		e.settle(ctx, second)
		return
	}

	var submits errgroup.Group
	for _, o := range orders {
		submits.Go(func() error { e.submit(ctx, o); return nil })
	}
	_ = submits.Wait()

	if orders[domain.LegA].acked {
		h.Status = domain.HedgeLegBPending
		e.save(ctx, h)
	}

	var fills errgroup.Group
	for _, o := range orders {
		fills.Go(func() error { e.settle(ctx, o); return nil })
	}
	_ = fills.Wait()
}

// submit places o, retrying retryable failures with the same ClientID. Before
// every retry the venue is asked whether it already has the order.
func (e *Executor) submit(ctx context.Context, o *order) {
	ex := e.venues[o.leg]
	probe := domain.OrderHandle{Venue: ex.Name(), ClientID: o.req.ClientID, Symbol: o.req.Symbol}

	for attempt := 0; ; attempt++ {
		h, err := ex.PlaceOrder(ctx, o.req)
		if err == nil {
			o.handle, o.acked, o.err = h, true, nil
			return
		}
		o.err = err
		if !domain.IsRetryable(err) {
			return
		}

		if e.known(ctx, ex, probe) {
			e.logger.InfoContext(ctx, "adopting order found by client id",
				slog.String("venue", string(ex.Name())),
				slog.String("client_id", o.req.ClientID),
			)
			o.handle, o.acked, o.err = probe, true, nil
			return
		}
		if attempt >= e.cfg.MaxSubmitRetries {
			return
		}
		e.logger.WarnContext(ctx, "order submit failed, retrying",
			slog.String("venue", string(ex.Name())),
			slog.String("client_id", o.req.ClientID),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.cfg.RetryBackoff):
		}
	}
}

// known reports whether the venue has an order under probe.ClientID. The
// lookup survives cancellation of ctx.
func (e *Executor) known(ctx context.Context, ex domain.Exchange, probe domain.OrderHandle) bool {
	qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.FillTimeout)
	defer cancel()
	_, err := ex.GetOrderStatus(qctx, probe)
	return err == nil
}

// settle waits for an acknowledged order to reach a terminal state. On
// timeout or cancellation the order is cancelled and re-read so a late fill
// is still counted. A cancel the venue does not confirm is retried up to
// MaxCorrectionRetries times before the order is marked working.
func (e *Executor) settle(ctx context.Context, o *order) {
	if !o.acked {
		return
	}
	ex := e.venues[o.leg]
	st, err := e.waitFill(ctx, ex, o.handle)
	o.err = err
	if err == nil {
		o.state = st
		return
	}

	uctx, cancel := e.unwindContext(ctx)
	defer cancel()
	for attempt := 0; ; attempt++ {
		cerr := ex.CancelOrder(uctx, o.handle)
		if final, rerr := ex.GetOrderStatus(uctx, o.handle); rerr == nil {
			st = final
		}
		if st.Status.Terminal() {
			o.state = st
			return
		}
		if attempt >= e.cfg.MaxCorrectionRetries || uctx.Err() != nil {
			break
		}
		e.logger.WarnContext(ctx, "cancel not confirmed, retrying",
			slog.String("venue", string(ex.Name())),
			slog.String("client_id", o.handle.ClientID),
			slog.Int("attempt", attempt+1),
			slog.String("error", errString(cerr)),
		)
		select {
		case <-uctx.Done():
		case <-time.After(e.cfg.RetryBackoff):
		}
	}

	o.state = st
	o.working = true
	o.err = fmt.Errorf("%w: %s %s: %w", errOrderWorking, ex.Name(), o.handle.ClientID, err)
	e.logger.ErrorContext(ctx, "order still working after cancel",
		slog.String("venue", string(ex.Name())),
		slog.String("client_id", o.handle.ClientID),
		slog.Float64("filled", st.FilledSize),
	)
}

func (e *Executor) waitFill(ctx context.Context, ex domain.Exchange, h domain.OrderHandle) (domain.OrderState, error) {
	deadline := time.NewTimer(e.cfg.FillTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	var last domain.OrderState
	for {
		st, err := ex.GetOrderStatus(ctx, h)
		if err == nil {
			last = st
			if st.Status.Terminal() {
				return st, nil
			}
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-deadline.C:
			return last, errFillTimeout
		case <-ticker.C:
		}
	}
}

// applyFill folds a venue fill into a leg, averaging the entry price.
func (e *Executor) applyFill(p *domain.Position, st domain.OrderState, at time.Time) {
	if st.FilledSize <= 0 {
		return
	}
	total := p.Size + st.FilledSize
	if st.AvgPrice > 0 {
		p.EntryPrice = (p.EntryPrice*p.Size + st.AvgPrice*st.FilledSize) / total
	}
	if p.OpenedAt.IsZero() {
		p.OpenedAt = at
	}
	p.Size = total
}

// correct tops up the smaller leg until the legs agree within tolerance or the
// retry budget runs out. It stops at a top-up order left working and returns
// it.
func (e *Executor) correct(ctx context.Context, h *domain.HedgePosition, pair domain.TradingPair) *order {
	for attempt := 0; attempt < e.cfg.MaxCorrectionRetries && h.Imbalance() > e.cfg.SizeTolerance; attempt++ {
		small := domain.LegA
		if math.Abs(h.LegB.Size) < math.Abs(h.LegA.Size) {
			small = domain.LegB
		}
		diff := h.Imbalance()
		o := e.newOrder(small, pair, h.Direction.SideFor(small), diff, false)

		e.logger.WarnContext(ctx, "legs diverged, correcting",
			slog.String("hedge_id", h.ID),
			slog.String("leg", string(small)),
			slog.Float64("diff", diff),
			slog.Int("attempt", attempt+1),
		)
		e.submit(ctx, o)
		e.settle(ctx, o)

		if small == domain.LegA {
			e.applyFill(&h.LegA, o.state, e.now())
		} else {
			e.applyFill(&h.LegB, o.state, e.now())
		}
		e.risk.RecordFill(*h)
		e.save(ctx, h)
		if o.working {
			return o
		}
	}
	return nil
}

// flattenSingle closes the only filled leg of a hedge whose other leg failed.
func (e *Executor) flattenSingle(ctx context.Context, h *domain.HedgePosition, leg domain.Leg, reason string) (domain.HedgePosition, error) {
	h.Status = domain.HedgeUnwinding
	h.Error = reason
	e.save(ctx, h)

	uctx, cancel := e.unwindContext(ctx)
	defer cancel()

	pos := h.Leg(leg)
	remaining, err := e.flatten(uctx, leg, pos)
	e.setLegSize(h, leg, remaining)

	if remaining > dust {
		e.risk.RecordFill(*h)
		e.risk.Settle(h.ID)
		return e.fail(ctx, h, "unwind failed after "+reason, err, true)
	}
	e.risk.RecordClose(*h)
	return e.closed(ctx, h, &domain.ExecutionFailure{HedgeID: h.ID, Pair: h.Pair, Reason: reason})
}

// stranded fails a hedge holding an order the venue would not cancel. The legs
// are left as filled and the requested size stays reserved in risk until an
// operator resolves the order.
func (e *Executor) stranded(ctx context.Context, h *domain.HedgePosition, o *order) (domain.HedgePosition, error) {
	e.risk.RecordFill(*h)
	return e.fail(ctx, h, fmt.Sprintf("leg %s order %s left working", o.leg, o.req.ClientID), o.err, true)
}

// unwindDiverged flattens both legs after correction failed to rebalance them.
// The hedge always ends Failed and flagged for review; an incomplete unwind is
// additionally escalated.
func (e *Executor) unwindDiverged(ctx context.Context, h *domain.HedgePosition) (domain.HedgePosition, error) {
	reason := fmt.Sprintf("correction failed: imbalance %.2f above tolerance %.2f", h.Imbalance(), e.cfg.SizeTolerance)
	h.Status = domain.HedgeUnwinding
	h.Error = reason
	e.save(ctx, h)

	err := e.unwindBoth(ctx, h)
	if h.Notional() > dust {
		e.risk.RecordFill(*h)
		e.risk.Settle(h.ID)
		return e.fail(ctx, h, "unwind failed after "+reason, err, true)
	}
	e.risk.RecordClose(*h)
	return e.fail(ctx, h, reason, nil, true)
}

// unwindBoth reduces both legs concurrently and records what is left open.
func (e *Executor) unwindBoth(ctx context.Context, h *domain.HedgePosition) error {
	uctx, cancel := e.unwindContext(ctx)
	defer cancel()

	var (
		g    errgroup.Group
		left [2]float64
		errs [2]error
	)
	for i, leg := range []domain.Leg{domain.LegA, domain.LegB} {
		pos := h.Leg(leg)
		g.Go(func() error {
			left[i], errs[i] = e.flatten(uctx, leg, pos)
			return nil
		})
	}
	_ = g.Wait()

	e.setLegSize(h, domain.LegA, left[0])
	e.setLegSize(h, domain.LegB, left[1])
	return errors.Join(errs[0], errs[1])
}

// flatten sends reduce-only orders against pos until it is flat or the retry
// budget is spent, returning the size still open.
func (e *Executor) flatten(ctx context.Context, leg domain.Leg, pos domain.Position) (float64, error) {
	pair := e.pairs[pos.Pair]
	remaining := math.Abs(pos.Size)
	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxCorrectionRetries && remaining > dust; attempt++ {
		o := e.newOrder(leg, pair, pos.Side.Opposite(), remaining, true)
		e.submit(ctx, o)
		e.settle(ctx, o)
		remaining -= o.filled()
		if o.err != nil {
			lastErr = o.err
		}
		if o.working {
			break
		}
	}
	if remaining <= dust {
		return 0, nil
	}
	if lastErr == nil {
		lastErr = errors.New("reduce orders did not fill")
	}
	return remaining, fmt.Errorf("executor: flatten %s leg %s: %.2f still open: %w", pos.Pair, leg, remaining, lastErr)
}

// acquire takes the pair lock, waiting up to UnwindTimeout for a holder to
// finish. contended reports whether it had to wait.
func (e *Executor) acquire(ctx context.Context, pair string) (unlock func(), contended bool, err error) {
	wctx, cancel := context.WithTimeout(ctx, e.cfg.UnwindTimeout)
	defer cancel()
	for {
		unlock, err = e.locks.Acquire(ctx, "exec:"+pair, e.cfg.LockTTL)
		if err == nil || !errors.Is(err, domain.ErrLockHeld) {
			return unlock, contended, err
		}
		contended = true
		select {
		case <-wctx.Done():
			return nil, contended, err
		case <-time.After(e.cfg.PollInterval):
		}
	}
}

func (e *Executor) setLeg(h *domain.HedgePosition, p domain.Position) {
	if p.Leg == domain.LegA {
		h.LegA = p
	} else {
		h.LegB = p
	}
}

func (e *Executor) setLegSize(h *domain.HedgePosition, leg domain.Leg, size float64) {
	if leg == domain.LegA {
		h.LegA.Size = size
	} else {
		h.LegB.Size = size
	}
}

// abandon ends a hedge that never reached the venues.
func (e *Executor) abandon(ctx context.Context, h *domain.HedgePosition, reason string, err error) (domain.HedgePosition, error) {
	h.Status = domain.HedgeFailed
	h.Error = reason + ": " + err.Error()
	closedAt := e.now()
	h.ClosedAt = &closedAt
	e.save(ctx, h)
	e.release(h.Pair)
	e.logger.WarnContext(ctx, "hedge abandoned",
		slog.String("hedge_id", h.ID),
		slog.String("pair", h.Pair),
		slog.String("reason", reason),
		slog.String("error", err.Error()),
	)
	return *h, err
}

func (e *Executor) closed(ctx context.Context, h *domain.HedgePosition, err error) (domain.HedgePosition, error) {
	h.Status = domain.HedgeClosed
	closedAt := e.now()
	h.ClosedAt = &closedAt
	e.save(ctx, h)
	e.release(h.Pair)
	e.logger.InfoContext(ctx, "hedge closed",
		slog.String("hedge_id", h.ID),
		slog.String("pair", h.Pair),
		slog.String("close_reason", string(h.CloseReason)),
		slog.String("error", h.Error),
	)
	e.notify(ctx, domain.EventHedgeClosed, "Hedge closed",
		fmt.Sprintf("%s closed (%s) %s", h.Pair, h.CloseReason, h.Error))
	return *h, err
}

// fail marks h Failed. manual means the hedge needs an operator: it is logged
// at error level and alerted past the event filter.
func (e *Executor) fail(ctx context.Context, h *domain.HedgePosition, reason string, cause error, manual bool) (domain.HedgePosition, error) {
	h.Status = domain.HedgeFailed
	h.ManualIntervention = manual
	h.Error = reason
	if cause != nil {
		h.Error += ": " + cause.Error()
	}
	closedAt := e.now()
	h.ClosedAt = &closedAt
	e.save(ctx, h)
	e.release(h.Pair)

	ferr := &domain.ExecutionFailure{HedgeID: h.ID, Pair: h.Pair, Reason: reason, ManualIntervention: manual, Err: cause}
	attrs := []any{
		slog.String("hedge_id", h.ID),
		slog.String("pair", h.Pair),
		slog.Float64("leg_a", h.LegA.Size),
		slog.Float64("leg_b", h.LegB.Size),
		slog.Bool("manual_intervention", manual),
		slog.String("error", h.Error),
	}
	if manual {
		e.logger.ErrorContext(ctx, "hedge failed, manual intervention required", attrs...)
		if e.alerts != nil {
			msg := fmt.Sprintf("%s hedge %s: %s (open A=%.2f B=%.2f)", h.Pair, h.ID, h.Error, h.LegA.Size, h.LegB.Size)
			if err := e.alerts.NotifyAll(ctx, "MANUAL INTERVENTION REQUIRED", msg); err != nil {
				e.logger.WarnContext(ctx, "manual intervention alert failed", slog.String("error", err.Error()))
			}
		}
	} else {
		e.logger.WarnContext(ctx, "hedge failed", attrs...)
		e.notify(ctx, domain.EventHedgeFailed, "Hedge failed", fmt.Sprintf("%s: %s", h.Pair, h.Error))
	}
	return *h, ferr
}

func (e *Executor) release(pair string) {
	if e.detector != nil {
		e.detector.Release(pair)
	}
}

func (e *Executor) notify(ctx context.Context, event, title, msg string) {
	if e.alerts == nil {
		return
	}
	if err := e.alerts.Notify(ctx, event, title, msg); err != nil {
		e.logger.WarnContext(ctx, "alert failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}

// begin registers an execution unless CloseAll has started.
func (e *Executor) begin() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closing {
		return false
	}
	e.active.Add(1)
	return true
}

func (e *Executor) trackPending(id string, cancel context.CancelFunc) {
	e.mu.Lock()
	e.pending[id] = cancel
	e.mu.Unlock()
}

func (e *Executor) untrackPending(id string) {
	e.mu.Lock()
	if cancel, ok := e.pending[id]; ok {
		cancel()
		delete(e.pending, id)
	}
	e.mu.Unlock()
}

// CancelPending aborts every in-progress leg submission. Hedges already
// unwinding are unaffected.
func (e *Executor) CancelPending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cancel := range e.pending {
		cancel()
	}
	return len(e.pending)
}

func errString(err error) string {
	if err == nil {
		return "none"
	}
	return err.Error()
}
