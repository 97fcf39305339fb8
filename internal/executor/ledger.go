package executor

import (
	"context"
	"log/slog"
	"sync"

	"github.com/alanyoungcy/fundingarb/internal/domain"
)

// Recorder mirrors hedge transitions outside the process.
type Recorder interface {
	Record(ctx context.Context, h domain.HedgePosition) error
}

// Ledger is the in-memory position ledger. It stores copies, so the executor
// goroutine that owns a hedge is the only writer of its state.
type Ledger struct {
	mu     sync.RWMutex
	hedges map[string]domain.HedgePosition
	order  []string
	sink   Recorder
	logger *slog.Logger
}

// NewLedger creates an empty ledger. sink may be nil.
func NewLedger(sink Recorder, logger *slog.Logger) *Ledger {
	return &Ledger{
		hedges: make(map[string]domain.HedgePosition),
		sink:   sink,
		logger: logger,
	}
}

// Put stores h and mirrors it to the sink. Mirror failures are logged only.
func (l *Ledger) Put(ctx context.Context, h domain.HedgePosition) {
	l.mu.Lock()
	if _, ok := l.hedges[h.ID]; !ok {
		l.order = append(l.order, h.ID)
	}
	l.hedges[h.ID] = h
	l.mu.Unlock()

	if l.sink == nil {
		return
	}
	if err := l.sink.Record(ctx, h); err != nil {
		l.logger.WarnContext(ctx, "ledger mirror failed",
			slog.String("hedge_id", h.ID),
			slog.String("status", string(h.Status)),
			slog.String("error", err.Error()),
		)
	}
}

// Get returns the hedge with id.
func (l *Ledger) Get(id string) (domain.HedgePosition, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	h, ok := l.hedges[id]
	return h, ok
}

// List returns every hedge in creation order.
func (l *Ledger) List() []domain.HedgePosition {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.HedgePosition, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.hedges[id])
	}
	return out
}

// Open returns every non-terminal hedge in creation order.
func (l *Ledger) Open() []domain.HedgePosition {
	all := l.List()
	out := all[:0]
	for _, h := range all {
		if !h.Status.Terminal() {
			out = append(out, h)
		}
	}
	return out
}

// Restore loads hedges persisted by a previous run without mirroring them.
func (l *Ledger) Restore(hedges []domain.HedgePosition) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, h := range hedges {
		if _, ok := l.hedges[h.ID]; !ok {
			l.order = append(l.order, h.ID)
		}
		l.hedges[h.ID] = h
	}
}
