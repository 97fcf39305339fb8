package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/fundingarb/internal/arbitrage"
	"github.com/alanyoungcy/fundingarb/internal/config"
	"github.com/alanyoungcy/fundingarb/internal/domain"
	"github.com/alanyoungcy/fundingarb/internal/executor"
	"github.com/alanyoungcy/fundingarb/internal/metrics"
	"github.com/alanyoungcy/fundingarb/internal/monitor"
	"github.com/alanyoungcy/fundingarb/internal/pipeline"
	"github.com/alanyoungcy/fundingarb/internal/platform"
	"github.com/alanyoungcy/fundingarb/internal/server"
	"github.com/alanyoungcy/fundingarb/internal/server/handler"
	"github.com/alanyoungcy/fundingarb/internal/server/ws"
	"github.com/alanyoungcy/fundingarb/internal/service"
)

// shutdownTimeout bounds the close-out and archive steps after the mode's
// goroutines have stopped.
const shutdownTimeout = 2 * time.Minute

// components are the long-lived pieces shared by every mode.
type components struct {
	venueA   *platform.Venue
	venueB   *platform.Venue
	pairs    []domain.TradingPair
	risk     *service.RiskService
	monitor  *monitor.Monitor
	detector *arbitrage.Detector
	ledger   *service.LedgerService // trade mode only
}

// build creates the venues, risk service, monitor and detector. Outside trade
// mode the venues are always simulated so no signing keys are needed and no
// order can reach a venue.
func (a *App) build(deps *Dependencies, trading bool) (*components, error) {
	cfg := a.cfg
	simulate := cfg.Execution.SimulationMode || !trading
	pairs := cfg.TradingPairs()

	symbols := func(leg domain.Leg) []string {
		var out []string
		for _, p := range pairs {
			if p.Enabled {
				out = append(out, p.VenueSymbol(leg))
			}
		}
		return out
	}

	newVenue := a.newVenue
	if newVenue == nil {
		newVenue = platform.New
	}
	venue := func(vc config.VenueConfig, leg domain.Leg) (*platform.Venue, error) {
		v, err := newVenue(vc, platform.Options{
			Simulate: simulate,
			Limiter:  deps.RateLimiter,
			Timeout:  cfg.Monitor.VenueTimeout.Duration,
			Symbols:  symbols(leg),
			Logger:   a.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("app: venue %s: %w", leg, err)
		}
		return v, nil
	}
	venueA, err := venue(cfg.Venues.A, domain.LegA)
	if err != nil {
		return nil, err
	}
	venueB, err := venue(cfg.Venues.B, domain.LegB)
	if err != nil {
		return nil, err
	}

	risk := service.NewRiskService(service.RiskConfig{
		MaxTotalPosition:     cfg.Risk.MaxTotalPosition,
		MaxPositionPerPair:   cfg.Risk.MaxPositionPerPair,
		StopLossPercentage:   cfg.Risk.StopLossPercentage,
		TakeProfitPercentage: cfg.Risk.TakeProfitPercentage,
	}, a.logger)
	if deps.AuditStore != nil {
		risk.SetAuditStore(deps.AuditStore)
	}

	mon := monitor.New(venueA.Exchange, venueB.Exchange, monitor.Config{
		Pairs:            pairs,
		UpdateInterval:   cfg.Monitor.UpdateInterval.Duration,
		VenueTimeout:     cfg.Monitor.VenueTimeout.Duration,
		StalenessCeiling: cfg.Monitor.StalenessCeiling.Duration,
	}, a.logger)
	if deps.QuoteCache != nil {
		mon.SetQuoteCache(deps.QuoteCache)
	}
	if deps.FundingStore != nil {
		mon.SetHistoryStore(deps.FundingStore)
	}
	mon.SetSignalBus(deps.SignalBus)

	det := arbitrage.NewDetector(arbitrage.DetectorConfig{
		Pairs: pairs,
		Cost: arbitrage.CostModel{
			TakerFeeA: cfg.Venues.A.TakerFee,
			TakerFeeB: cfg.Venues.B.TakerFee,
			Slippage:  cfg.Arbitrage.Slippage,
		},
		MinSpreadThreshold:   cfg.Arbitrage.MinSpreadThreshold,
		MaxSpreadThreshold:   cfg.Arbitrage.MaxSpreadThreshold,
		MinTradeAmount:       cfg.Risk.MinTradeAmount,
		FundingIntervalHours: cfg.Arbitrage.FundingIntervalHours,
		StalenessCeiling:     cfg.Monitor.StalenessCeiling.Duration,
		Risk:                 risk,
		Logger:               a.logger,
	})
	det.SetSignalBus(deps.SignalBus)
	if deps.Notifier != nil {
		det.SetAlerter(deps.Notifier)
	}

	return &components{
		venueA:   venueA,
		venueB:   venueB,
		pairs:    pairs,
		risk:     risk,
		monitor:  mon,
		detector: det,
	}, nil
}

// run starts the venue feeds and the monitor -> detector pipeline. The
// returned channel carries emitted opportunities and is closed when the
// detector stops.
func (c *components) run(ctx context.Context, g *errgroup.Group) <-chan domain.Opportunity {
	for _, v := range []*platform.Venue{c.venueA, c.venueB} {
		g.Go(func() error {
			if err := v.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("app: venue feed: %w", err)
			}
			return nil
		})
	}

	snaps := make(chan domain.SpreadSnapshot, 64)
	opps := make(chan domain.Opportunity, 16)
	g.Go(func() error {
		if err := c.monitor.Run(ctx, snaps); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("app: monitor: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := c.detector.Run(ctx, snaps, opps); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("app: detector: %w", err)
		}
		return nil
	})
	return opps
}

// ---------------------------------------------------------------------------
// Monitor mode
// ---------------------------------------------------------------------------

// MonitorMode watches funding rates and reports opportunities without placing
// orders.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	c, err := a.build(deps, false)
	if err != nil {
		return err
	}
	a.logger.InfoContext(ctx, "monitor mode starting", slog.Int("pairs", len(c.pairs)))

	g, ctx := errgroup.WithContext(ctx)
	opps := c.run(ctx, g)

	// Opportunities are reported and released straight away so the detector
	// keeps emitting for every pair.
	g.Go(func() error {
		for opp := range opps {
			a.logger.InfoContext(ctx, "opportunity",
				slog.String("opportunity_id", opp.ID),
				slog.String("pair", opp.Pair),
				slog.String("direction", string(opp.Direction)),
				slog.Float64("net_spread", opp.NetSpread),
				slog.Float64("confidence", opp.Confidence),
				slog.Float64("size", opp.RecommendedSize),
				slog.Float64("est_profit_24h", c.detector.EstimatedProfit(opp, 24)),
			)
			c.detector.Release(opp.Pair)
		}
		return nil
	})

	g.Go(func() error {
		a.healthLoop(ctx, deps, c, nil)
		return nil
	})

	a.startHTTPServer(ctx, g, deps, c, nil)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.logger.Info("monitor mode stopped", slog.Any("detector", c.detector.Stats()))
	return nil
}

// ---------------------------------------------------------------------------
// Trade mode
// ---------------------------------------------------------------------------

// TradeMode runs the full pipeline: monitor, detector, hedged executor and
// position watcher. Open hedges from the previous run are restored first.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	c, err := a.build(deps, true)
	if err != nil {
		return err
	}
	cfg := a.cfg

	ledgerSvc := service.NewLedgerService(deps.HedgeStore, deps.SignalBus, deps.AuditStore, a.logger)
	ledger := executor.NewLedger(ledgerSvc, a.logger)
	c.ledger = ledgerSvc

	restored, err := a.restoreHedges(ctx, deps, ledgerSvc)
	if err != nil {
		return err
	}
	if len(restored) > 0 {
		ledger.Restore(restored)
		c.risk.Load(restored)
		for _, h := range restored {
			c.detector.Hold(h.Pair, h.OpportunityID)
		}
		a.logger.InfoContext(ctx, "hedges restored", slog.Int("count", len(restored)))
	}

	exec := executor.New(c.venueA.Exchange, c.venueB.Exchange, c.pairs, c.risk, ledger, executor.Config{
		FillTimeout:           cfg.Execution.FillTimeout.Duration,
		PollInterval:          cfg.Execution.PollInterval.Duration,
		SizeTolerance:         cfg.Execution.SizeTolerance,
		MaxSubmitRetries:      cfg.Execution.MaxSubmitRetries,
		MaxCorrectionRetries:  cfg.Execution.MaxCorrectionRetries,
		RetryBackoff:          cfg.Execution.RetryBackoff.Duration,
		Sequential:            strings.EqualFold(cfg.Execution.LegOrder, "sequential"),
		FastLeg:               domain.Leg(strings.ToLower(cfg.Execution.FastVenue)),
		PositionCheckInterval: cfg.Execution.PositionCheckInterval.Duration,
		LockTTL:               cfg.Execution.LockTTL.Duration,
	}, a.logger)
	if deps.LockManager != nil {
		exec.SetLockManager(deps.LockManager)
	}
	exec.SetDetector(c.detector)
	if deps.Notifier != nil {
		exec.SetAlerter(deps.Notifier)
	}

	// Hedges interrupted mid-execution are flattened before new ones open;
	// failures are flagged and alerted by the executor.
	if n, err := exec.Resume(ctx); n > 0 || err != nil {
		attrs := []any{slog.Int("closed", n)}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}
		a.logger.WarnContext(ctx, "interrupted hedges resumed", attrs...)
	}

	stops := make(chan string, 1)
	c.risk.OnEmergencyStop(func(reason string) {
		select {
		case stops <- reason:
		default:
		}
	})

	a.logger.InfoContext(ctx, "trade mode starting",
		slog.Int("pairs", len(c.pairs)),
		slog.Bool("simulation", cfg.Execution.SimulationMode),
		slog.String("leg_order", cfg.Execution.LegOrder),
	)

	g, gctx := errgroup.WithContext(ctx)
	opps := c.run(gctx, g)

	g.Go(func() error {
		exec.Run(gctx, opps)
		return nil
	})
	g.Go(func() error {
		exec.WatchPositions(gctx)
		return nil
	})
	g.Go(func() error {
		a.emergencyLoop(gctx, deps, c, exec, stops)
		return nil
	})
	g.Go(func() error {
		a.healthLoop(gctx, deps, c, ledger)
		return nil
	})

	if deps.Archiver != nil {
		snap := pipeline.NewSnapshotter(deps.Archiver, ledger, c.risk, a.logger)
		g.Go(func() error {
			var err error
			switch {
			case cfg.S3.SnapshotCron != "":
				err = snap.RunCron(gctx, cfg.S3.SnapshotCron)
			case cfg.S3.SnapshotInterval.Duration > 0:
				err = snap.RunEvery(gctx, cfg.S3.SnapshotInterval.Duration)
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("app: snapshots: %w", err)
			}
			return nil
		})
	}

	a.startHTTPServer(gctx, g, deps, c, exec)

	runErr := g.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	// Close-out and archive run on a fresh deadline; the mode's context is
	// already done.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if cfg.Execution.CloseOnShutdown {
		if err := exec.CloseAll(sctx, domain.CloseShutdown); err != nil {
			a.logger.Error("close on shutdown failed", slog.String("error", err.Error()))
		}
	}
	if deps.Archiver != nil {
		path, err := deps.Archiver.Flush(sctx, ledger.List(), c.risk.State())
		if err != nil {
			a.logger.Error("ledger archive failed", slog.String("error", err.Error()))
		} else {
			a.logger.Info("ledger archived", slog.String("path", path))
		}
	}
	for _, h := range ledger.Open() {
		a.logger.Warn("hedge left open",
			slog.String("hedge_id", h.ID),
			slog.String("pair", h.Pair),
			slog.String("status", string(h.Status)),
			slog.Float64("leg_a", h.LegA.Size),
			slog.Float64("leg_b", h.LegB.Size),
		)
	}
	a.logger.Info("trade mode stopped", slog.Any("risk", c.risk.State()))
	return runErr
}

// restoreHedges reads the non-terminal hedges left by the previous run, from
// PostgreSQL when configured and from the newest S3 ledger snapshot otherwise.
func (a *App) restoreHedges(ctx context.Context, deps *Dependencies, ledgerSvc *service.LedgerService) ([]domain.HedgePosition, error) {
	if deps.HedgeStore != nil {
		open, err := ledgerSvc.LoadOpen(ctx)
		if err != nil {
			return nil, fmt.Errorf("app: restore hedges: %w", err)
		}
		return open, nil
	}
	if deps.Snapshots == nil {
		return nil, nil
	}
	snap, err := deps.Snapshots.Latest(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("app: restore snapshot: %w", err)
	}
	var open []domain.HedgePosition
	for _, h := range snap.Hedges {
		if !h.Status.Terminal() {
			open = append(open, h)
		}
	}
	a.logger.InfoContext(ctx, "ledger snapshot loaded",
		slog.Time("flushed_at", snap.FlushedAt),
		slog.Int("hedges", len(snap.Hedges)),
		slog.Int("open", len(open)),
	)
	return open, nil
}

// emergencyLoop closes every balanced hedge each time the emergency stop is
// engaged.
func (a *App) emergencyLoop(ctx context.Context, deps *Dependencies, c *components, exec *executor.Executor, stops <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case reason := <-stops:
			a.logger.ErrorContext(ctx, "emergency stop engaged", slog.String("reason", reason))

			cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			err := exec.CloseAll(cctx, domain.CloseEmergencyStop)
			a.publishRisk(cctx, deps, c.risk.State())
			if deps.Notifier != nil {
				msg := "all hedges closed: " + reason
				if err != nil {
					msg = fmt.Sprintf("close-out incomplete (%s): %v", reason, err)
					_ = deps.Notifier.NotifyAll(cctx, "Emergency stop", msg)
				} else {
					_ = deps.Notifier.Notify(cctx, domain.EventEmergencyStop, "Emergency stop", msg)
				}
			}
			if err != nil {
				a.logger.ErrorContext(ctx, "emergency close-out failed", slog.String("error", err.Error()))
			}
			cancel()
		}
	}
}

// ---------------------------------------------------------------------------
// Health and status
// ---------------------------------------------------------------------------

// healthLoop probes the backends, logs a status report and publishes the risk
// state every check interval. ledger is nil outside trade mode.
func (a *App) healthLoop(ctx context.Context, deps *Dependencies, c *components, ledger *executor.Ledger) {
	interval := a.cfg.Monitor.CheckInterval.Duration
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for name, p := range deps.Health {
			pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := p.Ping(pctx); err != nil {
				a.logger.WarnContext(ctx, "dependency unhealthy",
					slog.String("dependency", name),
					slog.String("error", err.Error()),
				)
			}
			cancel()
		}

		st := c.monitor.Status()
		if !st.Running {
			a.logger.WarnContext(ctx, "monitor not running")
		}
		attrs := []any{
			slog.Int("monitored_pairs", st.MonitoredPairs),
			slog.Time("last_update", st.LastUpdate),
			slog.Any("detector", c.detector.Stats()),
			slog.Any("risk", c.risk.State()),
		}
		if ledger != nil {
			attrs = append(attrs, slog.Int("open_hedges", len(ledger.Open())))
		}
		a.logger.InfoContext(ctx, "status report", attrs...)

		a.publishRisk(ctx, deps, c.risk.State())
	}
}

func (a *App) publishRisk(ctx context.Context, deps *Dependencies, st domain.RiskState) {
	payload, err := json.Marshal(st)
	if err != nil {
		return
	}
	if err := deps.SignalBus.Publish(ctx, domain.ChannelRisk, payload); err != nil {
		a.logger.WarnContext(ctx, "publish risk state failed", slog.String("error", err.Error()))
	}
}

// startHTTPServer runs the REST API and WebSocket hub when the server is
// enabled. exec is nil outside trade mode, leaving the hedge routes unwired.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, c *components, exec *executor.Executor) {
	sc := a.cfg.Server
	if !sc.Enabled {
		return
	}

	hub := ws.NewHub(deps.SignalBus, ws.Config{
		Mode:       a.cfg.Mode,
		Simulation: a.cfg.Execution.SimulationMode || exec == nil,
		StartedAt:  a.startedAt,
		Status:     c.risk.State,
	}, a.logger)

	handlers := server.Handlers{
		Health:        handler.NewHealthHandler(deps.Health, a.logger),
		Status:        handler.NewStatusHandler(a.cfg.Mode, a.cfg.Execution.SimulationMode || exec == nil, a.startedAt, c.risk.EmergencyStopped),
		Spreads:       handler.NewSpreadHandler(c.monitor, a.logger),
		Opportunities: handler.NewOpportunityHandler(c.detector),
		Risk:          handler.NewRiskHandler(c.risk, a.logger),
	}
	if exec != nil {
		hedges := handler.NewHedgeHandler(exec.Ledger(), a.logger).WithCloser(exec)
		if deps.HedgeStore != nil && c.ledger != nil {
			hedges.WithArchive(c.ledger)
		}
		handlers.Hedges = hedges
	}
	if deps.FundingStore != nil || deps.AuditStore != nil {
		handlers.History = handler.NewHistoryHandler(deps.FundingStore, deps.AuditStore, a.logger)
	}

	srvCfg := server.Config{
		Port:        sc.Port,
		CORSOrigins: sc.CORSOrigins,
		APIKey:      sc.APIKey,
		RateLimit:   sc.RateLimit,
		Limiter:     deps.RateLimiter,
	}
	if sc.Metrics {
		collector := metrics.NewCollector(a.logger)
		srvCfg.Metrics = collector
		g.Go(func() error {
			if err := collector.Run(ctx, deps.SignalBus); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("app: metrics: %w", err)
			}
			return nil
		})
	}
	srv := server.NewServer(srvCfg, handlers, hub, a.logger)

	g.Go(func() error {
		if err := hub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("app: ws hub: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return srv.Run(ctx)
	})
}

// ---------------------------------------------------------------------------
// Check mode
// ---------------------------------------------------------------------------

// checkLine is one pair's result in check mode.
type checkLine struct {
	Pair         string  `json:"pair"`
	RateA        float64 `json:"rate_a"`
	RateB        float64 `json:"rate_b"`
	Spread       float64 `json:"spread"`
	NetSpread    float64 `json:"net_spread"`
	StalenessMs  int64   `json:"staleness_ms"`
	Opportunity  bool    `json:"opportunity"`
	Direction    string  `json:"direction,omitempty"`
	Confidence   float64 `json:"confidence,omitempty"`
	Size         float64 `json:"size,omitempty"`
	EstProfit24h float64 `json:"est_profit_24h,omitempty"`
	Reason       string  `json:"reason,omitempty"`
	Error        string  `json:"error,omitempty"`
}

// CheckMode takes one funding-rate snapshot of every enabled pair, prints one
// JSON line per pair and exits.
func (a *App) CheckMode(ctx context.Context, deps *Dependencies) error {
	c, err := a.build(deps, false)
	if err != nil {
		return err
	}

	c.monitor.Tick(ctx)
	enc := json.NewEncoder(a.out)
	for _, p := range c.pairs {
		if !p.Enabled {
			continue
		}
		line := checkLine{Pair: p.Symbol}
		snap, err := c.monitor.Latest(p.Symbol)
		if err != nil {
			line.Error = err.Error()
		} else {
			line.RateA, line.RateB, line.Spread = snap.RateA, snap.RateB, snap.Spread
			line.StalenessMs = snap.MaxStaleness.Milliseconds()
			opp, err := c.detector.Evaluate(ctx, snap)
			switch {
			case err != nil:
				line.Reason = err.Error()
			case opp == nil:
				line.NetSpread = c.detector.NetSpread(p, snap.Spread)
				line.Reason = "below threshold"
			default:
				line.Opportunity = true
				line.NetSpread = opp.NetSpread
				line.Direction = string(opp.Direction)
				line.Confidence = opp.Confidence
				line.Size = opp.RecommendedSize
				line.EstProfit24h = c.detector.EstimatedProfit(*opp, 24)
				c.detector.Release(p.Symbol)
			}
		}
		if err := enc.Encode(line); err != nil {
			return fmt.Errorf("app: check output: %w", err)
		}
	}
	return nil
}
