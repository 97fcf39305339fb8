package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/fundingarb/internal/domain"
	"github.com/alanyoungcy/fundingarb/internal/platform/simulated"
	"github.com/alanyoungcy/fundingarb/internal/service"
)

type releaser struct {
	mu    sync.Mutex
	pairs []string
}

func (r *releaser) Release(pair string) {
	r.mu.Lock()
	r.pairs = append(r.pairs, pair)
	r.mu.Unlock()
}

func (r *releaser) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pairs)
}

type alerts struct {
	mu     sync.Mutex
	events []string
	all    int
}

func (a *alerts) Notify(_ context.Context, event, _, _ string) error {
	a.mu.Lock()
	a.events = append(a.events, event)
	a.mu.Unlock()
	return nil
}

func (a *alerts) NotifyAll(context.Context, string, string) error {
	a.mu.Lock()
	a.all++
	a.mu.Unlock()
	return nil
}

type harness struct {
	exec     *Executor
	a, b     *simulated.Exchange
	risk     *service.RiskService
	released *releaser
	alerts   *alerts
}

func newHarness(t *testing.T, mutate func(*Config, *service.RiskConfig)) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := Config{
		FillTimeout:          50 * time.Millisecond,
		PollInterval:         5 * time.Millisecond,
		SizeTolerance:        50,
		MaxSubmitRetries:     2,
		MaxCorrectionRetries: 2,
		RetryBackoff:         time.Millisecond,
		FastLeg:              domain.LegA,
		LockTTL:              time.Minute,
	}
	rcfg := service.RiskConfig{MaxTotalPosition: 10000, MaxPositionPerPair: 2000, StopLossPercentage: 2, TakeProfitPercentage: 1}
	if mutate != nil {
		mutate(&cfg, &rcfg)
	}

	h := &harness{
		a:        simulated.New("sim-a", nil),
		b:        simulated.New("sim-b", nil),
		risk:     service.NewRiskService(rcfg, logger),
		released: &releaser{},
		alerts:   &alerts{},
	}
	pairs := []domain.TradingPair{{Symbol: "ETH", SymbolA: "ETH-PERP", SymbolB: "ETH", MaxPositionSize: 1000, Enabled: true}}
	h.exec = New(h.a, h.b, pairs, h.risk, NewLedger(nil, logger), cfg, logger)
	h.exec.SetDetector(h.released)
	h.exec.SetAlerter(h.alerts)
	return h
}

func opportunity(id string) domain.Opportunity {
	return domain.Opportunity{
		ID:              id,
		Pair:            "ETH",
		Direction:       domain.DirectionShortALongB,
		Spread:          0.001,
		RecommendedSize: 500,
	}
}

// assertAtRest checks venue state agrees with the hedge: terminal hedges left
// nothing open and balanced hedges hold both legs within tolerance.
func (h *harness) assertAtRest(t *testing.T, hp domain.HedgePosition) {
	t.Helper()
	netA, netB := h.a.NetPosition("ETH-PERP"), h.b.NetPosition("ETH")
	switch hp.Status {
	case domain.HedgeClosed, domain.HedgeFailed:
		if !hp.ManualIntervention {
			assert.Zero(t, netA, "leg a left open")
			assert.Zero(t, netB, "leg b left open")
		}
	case domain.HedgeBalanced:
		assert.InDelta(t, hp.LegA.Size, math.Abs(netA), 1e-9)
		assert.InDelta(t, hp.LegB.Size, math.Abs(netB), 1e-9)
		assert.LessOrEqual(t, hp.Imbalance(), 50.0)
	default:
		t.Fatalf("hedge %s not at rest: %s", hp.ID, hp.Status)
	}
	stored, ok := h.exec.Ledger().Get(hp.ID)
	require.True(t, ok)
	assert.Equal(t, hp.Status, stored.Status)
}

func TestExecuteBalanced(t *testing.T) {
	h := newHarness(t, nil)

	hp, err := h.exec.Execute(context.Background(), opportunity("o1"))
	require.NoError(t, err)
	assert.Equal(t, domain.HedgeBalanced, hp.Status)
	assert.Equal(t, 500.0, hp.LegA.Size)
	assert.Equal(t, domain.OrderSideSell, hp.LegA.Side)
	assert.Equal(t, domain.OrderSideBuy, hp.LegB.Side)
	assert.Equal(t, -500.0, h.a.NetPosition("ETH-PERP"))
	assert.Equal(t, 500.0, h.b.NetPosition("ETH"))
	h.assertAtRest(t, hp)

	assert.Equal(t, 500.0, h.risk.State().TotalNotional)
	assert.Zero(t, h.released.count(), "balanced hedge keeps the pair in flight")
	assert.Contains(t, h.alerts.events, domain.EventHedgeBalanced)
}

func TestExecuteSingleLegFill(t *testing.T) {
	// Leg A fills, leg B is rejected: leg A is flattened and the hedge closes.
	h := newHarness(t, nil)
	h.b.Script("ETH", simulated.Script{Reject: true})

	hp, err := h.exec.Execute(context.Background(), opportunity("o1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrExecutionFailure)
	assert.NotErrorIs(t, err, domain.ErrManualIntervention)

	assert.Equal(t, domain.HedgeClosed, hp.Status)
	assert.False(t, hp.ManualIntervention)
	assert.Contains(t, hp.Error, "leg b failed")
	h.assertAtRest(t, hp)

	fills := h.a.Fills()
	require.Len(t, fills, 2)
	assert.True(t, fills[1].ReduceOnly)
	assert.Equal(t, domain.OrderSideBuy, fills[1].Side)

	assert.Zero(t, h.risk.State().TotalNotional)
	assert.Equal(t, 1, h.released.count())
	assert.Contains(t, h.alerts.events, domain.EventHedgeClosed)
}

func TestExecuteDivergentFills(t *testing.T) {
	t.Run("correction rebalances", func(t *testing.T) {
		h := newHarness(t, nil)
		h.b.Script("ETH", simulated.Script{FillFraction: 0.6})

		hp, err := h.exec.Execute(context.Background(), opportunity("o1"))
		require.NoError(t, err)
		assert.Equal(t, domain.HedgeBalanced, hp.Status)
		assert.InDelta(t, 500, hp.LegB.Size, 1e-9)
		assert.Equal(t, 2, h.b.OrdersPlaced())
		h.assertAtRest(t, hp)
	})

	t.Run("failed correction unwinds and flags", func(t *testing.T) {
		h := newHarness(t, nil)
		h.b.Script("ETH",
			simulated.Script{FillFraction: 0.6},
			simulated.Script{Reject: true},
			simulated.Script{Reject: true},
		)

		hp, err := h.exec.Execute(context.Background(), opportunity("o1"))
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrManualIntervention)
		assert.Equal(t, domain.HedgeFailed, hp.Status)
		assert.True(t, hp.ManualIntervention)
		assert.Contains(t, hp.Error, "correction failed")

		// Both legs were still flattened.
		assert.Zero(t, h.a.NetPosition("ETH-PERP"))
		assert.Zero(t, h.b.NetPosition("ETH"))
		assert.Zero(t, hp.Notional())
		assert.Zero(t, h.risk.State().TotalNotional)
		assert.Equal(t, 1, h.alerts.all)
		assert.Equal(t, 1, h.released.count())
	})
}

func TestExecuteBothLegsFail(t *testing.T) {
	h := newHarness(t, nil)
	h.a.Script("ETH-PERP", simulated.Script{Reject: true})
	h.b.Script("ETH", simulated.Script{Reject: true})

	hp, err := h.exec.Execute(context.Background(), opportunity("o1"))
	require.Error(t, err)
	assert.Equal(t, domain.HedgeFailed, hp.Status)
	assert.False(t, hp.ManualIntervention)
	assert.Zero(t, h.risk.State().TotalNotional)
	assert.Contains(t, h.alerts.events, domain.EventHedgeFailed)
	h.assertAtRest(t, hp)
}

func TestIdempotentSubmit(t *testing.T) {
	t.Run("lost ack is adopted", func(t *testing.T) {
		h := newHarness(t, nil)
		h.a.Script("ETH-PERP", simulated.Script{LostAck: true})

		hp, err := h.exec.Execute(context.Background(), opportunity("o1"))
		require.NoError(t, err)
		assert.Equal(t, domain.HedgeBalanced, hp.Status)
		assert.Equal(t, 1, h.a.OrdersPlaced(), "no duplicate order")
		assert.Equal(t, -500.0, h.a.NetPosition("ETH-PERP"))
	})

	t.Run("transient error is retried", func(t *testing.T) {
		h := newHarness(t, nil)
		h.a.Script("ETH-PERP", simulated.Script{SubmitErr: errors.New("503")})

		hp, err := h.exec.Execute(context.Background(), opportunity("o1"))
		require.NoError(t, err)
		assert.Equal(t, domain.HedgeBalanced, hp.Status)
		assert.Equal(t, 1, h.a.OrdersPlaced())
	})
}

func TestFillTimeout(t *testing.T) {
	t.Run("late fill on cancel counts", func(t *testing.T) {
		h := newHarness(t, nil)
		h.a.Script("ETH-PERP", simulated.Script{NeverFill: true, FillOnCancel: true})

		hp, err := h.exec.Execute(context.Background(), opportunity("o1"))
		require.NoError(t, err)
		assert.Equal(t, domain.HedgeBalanced, hp.Status)
		h.assertAtRest(t, hp)
	})

	t.Run("unfilled leg is cancelled and the other flattened", func(t *testing.T) {
		h := newHarness(t, nil)
		h.a.Script("ETH-PERP", simulated.Script{NeverFill: true})

		hp, err := h.exec.Execute(context.Background(), opportunity("o1"))
		require.Error(t, err)
		assert.Equal(t, domain.HedgeClosed, hp.Status)
		h.assertAtRest(t, hp)
	})
}

func TestSequentialLegOrder(t *testing.T) {
	h := newHarness(t, func(c *Config, _ *service.RiskConfig) {
		c.Sequential = true
		c.FastLeg = domain.LegB
	})
	h.b.Script("ETH", simulated.Script{Reject: true})

	hp, err := h.exec.Execute(context.Background(), opportunity("o1"))
	require.Error(t, err)
	assert.Equal(t, domain.HedgeFailed, hp.Status)
	assert.Zero(t, h.a.OrdersPlaced(), "second leg is not submitted")
}

func TestSequentialSizesSecondLegToFirstFill(t *testing.T) {
	h := newHarness(t, func(c *Config, _ *service.RiskConfig) { c.Sequential = true })
	h.a.Script("ETH-PERP", simulated.Script{FillFraction: 0.6})

	hp, err := h.exec.Execute(context.Background(), opportunity("o1"))
	require.NoError(t, err)
	assert.Equal(t, domain.HedgeBalanced, hp.Status)
	assert.InDelta(t, 300, hp.LegA.Size, 1e-9)
	assert.InDelta(t, 300, hp.LegB.Size, 1e-9)
	assert.Equal(t, 1, h.b.OrdersPlaced(), "no correction needed")
	h.assertAtRest(t, hp)
	assert.InDelta(t, 300, h.risk.State().TotalNotional, 1e-9)
}

func TestCancelNotConfirmed(t *testing.T) {
	h := newHarness(t, nil)
	h.a.Script("ETH-PERP", simulated.Script{NeverFill: true, CancelErr: errors.New("503 service unavailable")})

	hp, err := h.exec.Execute(context.Background(), opportunity("o1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrManualIntervention)
	assert.ErrorIs(t, err, errOrderWorking)

	assert.Equal(t, domain.HedgeFailed, hp.Status)
	assert.True(t, hp.ManualIntervention)
	assert.Contains(t, hp.Error, "left working")
	assert.Equal(t, 1, h.a.OpenOrders(), "order is still on the venue")
	assert.Equal(t, 500.0, h.b.NetPosition("ETH"), "filled leg is left for the operator")
	assert.Equal(t, 1, h.b.OrdersPlaced())
	assert.Equal(t, 500.0, h.risk.State().TotalNotional, "requested size stays charged")
	assert.Equal(t, 1, h.alerts.all)
}

func TestAuthorizationDenied(t *testing.T) {
	h := newHarness(t, func(_ *Config, r *service.RiskConfig) { r.MaxTotalPosition = 100 })

	hp, err := h.exec.Execute(context.Background(), opportunity("o1"))
	assert.ErrorIs(t, err, domain.ErrAuthorizationDenied)
	assert.Equal(t, domain.HedgeFailed, hp.Status)
	assert.Zero(t, h.a.OrdersPlaced())
	assert.Zero(t, h.b.OrdersPlaced())
	assert.Equal(t, 1, h.released.count())
}

func TestClose(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	hp, err := h.exec.Execute(ctx, opportunity("o1"))
	require.NoError(t, err)

	closed, err := h.exec.Close(ctx, hp.ID, domain.CloseManual)
	require.NoError(t, err)
	assert.Equal(t, domain.HedgeClosed, closed.Status)
	assert.Equal(t, domain.CloseManual, closed.CloseReason)
	assert.NotNil(t, closed.ClosedAt)
	h.assertAtRest(t, closed)
	assert.Zero(t, h.risk.State().TotalNotional)
	assert.Equal(t, 1, h.released.count())

	_, err = h.exec.Close(ctx, hp.ID, domain.CloseManual)
	assert.ErrorIs(t, err, domain.ErrNotAvailable)
	_, err = h.exec.Close(ctx, "missing", domain.CloseManual)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCheckPositions(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	hp, err := h.exec.Execute(ctx, opportunity("o1"))
	require.NoError(t, err)

	n, err := h.exec.CheckPositions(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Short leg A loses 10% of notional.
	h.a.SetMarkPrice("ETH-PERP", 110)
	n, err = h.exec.CheckPositions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, _ := h.exec.Ledger().Get(hp.ID)
	assert.Equal(t, domain.HedgeClosed, stored.Status)
	assert.Equal(t, domain.CloseStopLoss, stored.CloseReason)
	h.assertAtRest(t, stored)
}

func TestCloseAll(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	_, err := h.exec.Execute(ctx, opportunity("o1"))
	require.NoError(t, err)

	require.NoError(t, h.exec.CloseAll(ctx, domain.CloseShutdown))
	assert.Empty(t, h.exec.Ledger().Open())
	assert.Zero(t, h.a.NetPosition("ETH-PERP"))
	assert.Zero(t, h.b.NetPosition("ETH"))

	hp, err := h.exec.Execute(ctx, opportunity("o2"))
	assert.Error(t, err, "closed executor refuses new hedges")
	assert.Equal(t, domain.HedgeFailed, hp.Status)
}

func TestCloseAllDuringExecute(t *testing.T) {
	h := newHarness(t, func(c *Config, _ *service.RiskConfig) { c.FillTimeout = 10 * time.Second })
	h.a.Script("ETH-PERP", simulated.Script{NeverFill: true})
	ctx := context.Background()

	type result struct {
		hp  domain.HedgePosition
		err error
	}
	done := make(chan result, 1)
	go func() {
		hp, err := h.exec.Execute(ctx, opportunity("o1"))
		done <- result{hp, err}
	}()
	require.Eventually(t, func() bool {
		return h.a.OrdersPlaced() == 1 && h.b.OrdersPlaced() == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, h.exec.CloseAll(ctx, domain.CloseEmergencyStop))

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("execute did not return")
	}
	require.Error(t, res.err)
	assert.Equal(t, domain.HedgeClosed, res.hp.Status)
	assert.Zero(t, h.a.OpenOrders(), "pending leg cancelled")
	h.assertAtRest(t, res.hp)
	assert.Empty(t, h.exec.Ledger().Open())
}

func TestCloseAllWaitsForConcurrentClose(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	hp, err := h.exec.Execute(ctx, opportunity("o1"))
	require.NoError(t, err)

	// A position check holds the pair and brings the hedge to rest first.
	unlock, err := h.exec.locks.Acquire(ctx, "exec:ETH", time.Minute)
	require.NoError(t, err)
	go func() {
		time.Sleep(20 * time.Millisecond)
		closed := hp
		closed.Status = domain.HedgeClosed
		h.exec.Ledger().Put(ctx, closed)
		unlock()
	}()

	require.NoError(t, h.exec.CloseAll(ctx, domain.CloseEmergencyStop))
	stored, _ := h.exec.Ledger().Get(hp.ID)
	assert.Equal(t, domain.HedgeClosed, stored.Status)
	assert.Equal(t, 1, h.a.OrdersPlaced(), "no second close was sent")
}

func TestCloseGivesUpOnHeldLock(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	hp, err := h.exec.Execute(ctx, opportunity("o1"))
	require.NoError(t, err)

	unlock, err := h.exec.locks.Acquire(ctx, "exec:ETH", time.Minute)
	require.NoError(t, err)
	defer unlock()

	_, err = h.exec.Close(ctx, hp.ID, domain.CloseManual)
	assert.ErrorIs(t, err, domain.ErrLockHeld)
	stored, _ := h.exec.Ledger().Get(hp.ID)
	assert.Equal(t, domain.HedgeBalanced, stored.Status)
}

// interrupted restores a hedge that stopped at status after leg A sold 500.
func (h *harness) interrupted(t *testing.T, status domain.HedgeStatus) domain.HedgePosition {
	t.Helper()
	_, err := h.a.PlaceOrder(context.Background(), domain.OrderRequest{
		ClientID: "before-restart", Symbol: "ETH-PERP", Side: domain.OrderSideSell, Size: 500,
	})
	require.NoError(t, err)
	hp := domain.HedgePosition{
		ID:         "h1",
		Pair:       "ETH",
		Direction:  domain.DirectionShortALongB,
		TargetSize: 500,
		Status:     status,
		LegA:       domain.Position{Pair: "ETH", Leg: domain.LegA, Side: domain.OrderSideSell},
		LegB:       domain.Position{Pair: "ETH", Leg: domain.LegB, Side: domain.OrderSideBuy},
	}
	h.exec.Ledger().Restore([]domain.HedgePosition{hp})
	h.risk.Load([]domain.HedgePosition{hp})
	return hp
}

func TestResume(t *testing.T) {
	t.Run("flattens what the venues hold", func(t *testing.T) {
		h := newHarness(t, nil)
		hp := h.interrupted(t, domain.HedgeLegBPending)

		n, err := h.exec.Resume(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		stored, _ := h.exec.Ledger().Get(hp.ID)
		assert.Equal(t, domain.HedgeClosed, stored.Status)
		assert.Contains(t, stored.Error, "resumed from leg_b_pending")
		h.assertAtRest(t, stored)
		assert.Zero(t, h.b.OrdersPlaced(), "flat leg needs no order")
		assert.Zero(t, h.risk.State().TotalNotional)
		assert.Equal(t, 1, h.released.count())
	})

	t.Run("flags what will not flatten", func(t *testing.T) {
		h := newHarness(t, nil)
		hp := h.interrupted(t, domain.HedgeUnwinding)
		h.a.Script("ETH-PERP",
			simulated.Script{Reject: true},
			simulated.Script{Reject: true},
			simulated.Script{Reject: true},
		)

		n, err := h.exec.Resume(context.Background())
		assert.ErrorIs(t, err, domain.ErrManualIntervention)
		assert.Zero(t, n)

		stored, _ := h.exec.Ledger().Get(hp.ID)
		assert.Equal(t, domain.HedgeFailed, stored.Status)
		assert.True(t, stored.ManualIntervention)
		assert.InDelta(t, 500, stored.LegA.Size, 1e-9)
		assert.InDelta(t, 500, h.risk.State().TotalNotional, 1e-9)
		assert.Equal(t, 1, h.alerts.all)
	})

	t.Run("balanced hedges are left alone", func(t *testing.T) {
		h := newHarness(t, nil)
		hp, err := h.exec.Execute(context.Background(), opportunity("o1"))
		require.NoError(t, err)

		n, err := h.exec.Resume(context.Background())
		require.NoError(t, err)
		assert.Zero(t, n)
		stored, _ := h.exec.Ledger().Get(hp.ID)
		assert.Equal(t, domain.HedgeBalanced, stored.Status)
	})
}

func TestRunExecutesEachOpportunityOnce(t *testing.T) {
	h := newHarness(t, nil)
	opps := make(chan domain.Opportunity, 2)
	opps <- opportunity("o1")
	opps <- opportunity("o1")
	close(opps)

	h.exec.Run(context.Background(), opps)
	require.Len(t, h.exec.Ledger().List(), 1)
	assert.Equal(t, 1, h.a.OrdersPlaced())
}

func TestDedup(t *testing.T) {
	d := NewDedup(time.Minute)
	now := time.Now()
	d.now = func() time.Time { return now }

	assert.True(t, d.Claim("a"))
	assert.False(t, d.Claim("a"))
	assert.True(t, d.Claim("b"))

	now = now.Add(2 * time.Minute)
	d.Cleanup()
	assert.Zero(t, d.Len())
	assert.True(t, d.Claim("a"))
}

func TestLocalLocker(t *testing.T) {
	l := newLocalLocker()
	ctx := context.Background()

	unlock, err := l.Acquire(ctx, "k", 0)
	require.NoError(t, err)
	_, err = l.Acquire(ctx, "k", 0)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	unlock()
	again, err := l.Acquire(ctx, "k", 0)
	require.NoError(t, err)
	again()
}
