// Package pipeline holds the scheduled background jobs of the bot.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/alanyoungcy/fundingarb/internal/domain"
)

// LedgerSource lists every hedge the process knows about.
type LedgerSource interface {
	List() []domain.HedgePosition
}

// RiskSource reports the current exposure.
type RiskSource interface {
	State() domain.RiskState
}

// Snapshotter copies the hedge ledger to cold storage on a schedule, so a
// restart without PostgreSQL can restore the hedges that were open.
type Snapshotter struct {
	archiver domain.Archiver
	ledger   LedgerSource
	risk     RiskSource
	logger   *slog.Logger
	now      func() time.Time
}

// NewSnapshotter creates a Snapshotter.
func NewSnapshotter(archiver domain.Archiver, ledger LedgerSource, risk RiskSource, logger *slog.Logger) *Snapshotter {
	return &Snapshotter{
		archiver: archiver,
		ledger:   ledger,
		risk:     risk,
		logger:   logger.With(slog.String("component", "snapshotter")),
		now:      time.Now,
	}
}

// Run flushes one snapshot and returns its object path.
func (s *Snapshotter) Run(ctx context.Context) (string, error) {
	hedges := s.ledger.List()
	path, err := s.archiver.Flush(ctx, hedges, s.risk.State())
	if err != nil {
		return "", fmt.Errorf("pipeline: snapshot: %w", err)
	}
	open := 0
	for _, h := range hedges {
		if !h.Status.Terminal() {
			open++
		}
	}
	s.logger.DebugContext(ctx, "ledger snapshot written",
		slog.String("path", path),
		slog.Int("hedges", len(hedges)),
		slog.Int("open", open),
	)
	return path, nil
}

// RunEvery flushes a snapshot every interval until ctx is cancelled.
func (s *Snapshotter) RunEvery(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Run(ctx); err != nil {
				s.logger.ErrorContext(ctx, "snapshot failed", slog.String("error", err.Error()))
			}
		}
	}
}

// RunCron flushes a snapshot at every time matching the standard 5-field cron
// expression (descriptors such as "@hourly" work too) until ctx is cancelled.
func (s *Snapshotter) RunCron(ctx context.Context, expr string) error {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return fmt.Errorf("pipeline: cron %q: %w", expr, err)
	}
	s.logger.InfoContext(ctx, "snapshot cron started", slog.String("cron", expr))

	for {
		next := sched.Next(s.now().UTC())
		if next.IsZero() {
			return fmt.Errorf("pipeline: cron %q: no upcoming run", expr)
		}
		timer := time.NewTimer(next.Sub(s.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			if _, err := s.Run(ctx); err != nil {
				s.logger.ErrorContext(ctx, "snapshot failed", slog.String("error", err.Error()))
			}
		}
	}
}
