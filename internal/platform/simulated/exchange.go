// Package simulated provides an in-memory venue that fills orders locally. It
// backs dry-run trading and the executor tests, and behaves like a live
// adapter at the domain.Exchange boundary.
package simulated

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/fundingarb/internal/domain"
)

const defaultMark = 100.0

var errSimTimeout = errors.New("simulated timeout")

// Script overrides how the next new order on a symbol behaves. Scripts are
// consumed in order, one per distinct ClientID; with no script queued an
// order fills in full immediately at the mark.
type Script struct {
	// FillFraction of the requested size is filled and the rest cancelled, as
	// an IOC order would. 0 means fill in full.
	FillFraction float64
	// Reject refuses the order with a non-retryable error.
	Reject bool
	// NeverFill leaves the order pending until it is cancelled.
	NeverFill bool
	// FillOnCancel fills the order in full when it is cancelled.
	FillOnCancel bool
	// SubmitErr fails the submission with a retryable error before the venue
	// records anything.
	SubmitErr error
	// LostAck records and fills the order but reports a retryable timeout.
	LostAck bool
	// CancelErr fails every cancel of the order with a retryable error and
	// leaves it working.
	CancelErr error
}

// Fill is one executed order, kept for replay in tests.
type Fill struct {
	ClientID   string
	Symbol     string
	Side       domain.OrderSide
	Size       float64
	Price      float64
	ReduceOnly bool
	At         time.Time
}

type order struct {
	handle domain.OrderHandle
	req    domain.OrderRequest
	script Script
	state  domain.OrderState
}

// MarkSource is implemented by venues that quote a mark price.
type MarkSource interface {
	MarkPrice(ctx context.Context, symbol string) (float64, error)
}

// Exchange is a simulated venue. Funding rates come from the wrapped inner
// venue when one is set, otherwise from SetFundingRate. Marks come from the
// inner venue when it is a MarkSource, otherwise from SetMarkPrice.
type Exchange struct {
	name  domain.Venue
	inner domain.Exchange
	now   func() time.Time

	mu        sync.Mutex
	rates     map[string]domain.FundingRate
	marks     map[string]float64
	scripts   map[string][]Script
	orders    map[string]*order  // by ClientID
	positions map[string]float64 // signed notional
	entries   map[string]float64
	fills     []Fill
	placed    int
}

var _ domain.Exchange = (*Exchange)(nil)

// New creates a simulated venue called name. inner may be nil.
func New(name domain.Venue, inner domain.Exchange) *Exchange {
	return &Exchange{
		name:      name,
		inner:     inner,
		now:       time.Now,
		rates:     make(map[string]domain.FundingRate),
		marks:     make(map[string]float64),
		scripts:   make(map[string][]Script),
		orders:    make(map[string]*order),
		positions: make(map[string]float64),
		entries:   make(map[string]float64),
	}
}

// Name returns the venue name.
func (e *Exchange) Name() domain.Venue { return e.name }

// SetFundingRate sets the rate returned for symbol when there is no inner venue.
func (e *Exchange) SetFundingRate(symbol string, rate float64) {
	e.mu.Lock()
	e.rates[symbol] = domain.FundingRate{Rate: rate, Timestamp: e.now()}
	e.mu.Unlock()
}

// SetMarkPrice sets the price at which orders on symbol fill.
func (e *Exchange) SetMarkPrice(symbol string, price float64) {
	e.mu.Lock()
	e.marks[symbol] = price
	e.mu.Unlock()
}

// Script queues behaviours for the next orders on symbol.
func (e *Exchange) Script(symbol string, scripts ...Script) {
	e.mu.Lock()
	e.scripts[symbol] = append(e.scripts[symbol], scripts...)
	e.mu.Unlock()
}

// GetFundingRate returns the current funding rate for symbol.
func (e *Exchange) GetFundingRate(ctx context.Context, symbol string) (domain.FundingRate, error) {
	if e.inner != nil {
		return e.inner.GetFundingRate(ctx, symbol)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rates[symbol]
	if !ok {
		return domain.FundingRate{}, domain.NewAdapterError(e.name, "get_funding_rate", false,
			fmt.Errorf("%s: %w", symbol, domain.ErrNotFound))
	}
	return r, nil
}

// PlaceOrder submits a market order. Resubmitting a ClientID the venue has
// already recorded returns the original handle without a second fill.
func (e *Exchange) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderHandle, error) {
	if err := ctx.Err(); err != nil {
		return domain.OrderHandle{}, domain.NewAdapterError(e.name, "place_order", true, err)
	}
	if req.ClientID == "" || req.Size <= 0 {
		return domain.OrderHandle{}, domain.NewAdapterError(e.name, "place_order", false,
			fmt.Errorf("invalid order: client_id=%q size=%.4f", req.ClientID, req.Size))
	}
	if err := e.refreshMark(ctx, req.Symbol); err != nil {
		return domain.OrderHandle{}, domain.NewAdapterError(e.name, "place_order", domain.IsRetryable(err), err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if o, ok := e.orders[req.ClientID]; ok {
		return o.handle, nil
	}

	var sc Script
	if q := e.scripts[req.Symbol]; len(q) > 0 {
		sc = q[0]
		if sc.SubmitErr == nil {
			e.scripts[req.Symbol] = q[1:]
		} else {
			// A failed submission leaves the script for the retry to see, minus
			// the error.
			q[0].SubmitErr = nil
		}
	}
	if sc.SubmitErr != nil {
		return domain.OrderHandle{}, domain.NewAdapterError(e.name, "place_order", true, sc.SubmitErr)
	}
	if sc.Reject {
		return domain.OrderHandle{}, domain.NewAdapterError(e.name, "place_order", false,
			errors.New("order rejected"))
	}

	e.placed++
	o := &order{
		handle: domain.OrderHandle{
			Venue:    e.name,
			ClientID: req.ClientID,
			OrderID:  uuid.NewString(),
			Symbol:   req.Symbol,
		},
		req:    req,
		script: sc,
		state:  domain.OrderState{Status: domain.OrderStatusPending, UpdatedAt: e.now()},
	}
	e.orders[req.ClientID] = o

	switch {
	case sc.NeverFill:
	case sc.FillFraction > 0 && sc.FillFraction < 1:
		e.fillLocked(o, req.Size*sc.FillFraction)
		o.state.Status = domain.OrderStatusCancelled
	default:
		e.fillLocked(o, req.Size)
	}

	if sc.LostAck {
		return domain.OrderHandle{}, domain.NewAdapterError(e.name, "place_order", true, errSimTimeout)
	}
	return o.handle, nil
}

// fillLocked executes size of o at the mark and updates the net position.
// Reduce-only orders are clamped so they never flip the position.
func (e *Exchange) fillLocked(o *order, size float64) {
	sym := o.req.Symbol
	pos := e.positions[sym]
	signed := size
	if o.req.Side == domain.OrderSideSell {
		signed = -size
	}
	if o.req.ReduceOnly {
		if pos == 0 || math.Signbit(pos) == math.Signbit(signed) {
			o.state.Status = domain.OrderStatusRejected
			return
		}
		if math.Abs(signed) > math.Abs(pos) {
			signed = -pos
			size = math.Abs(pos)
		}
	}

	mark := e.markLocked(sym)
	next := pos + signed
	switch {
	case math.Abs(next) < 1e-9:
		next = 0
		delete(e.entries, sym)
	case pos == 0 || math.Signbit(pos) != math.Signbit(next):
		e.entries[sym] = mark
	case math.Signbit(pos) == math.Signbit(signed):
		// Adding to the position: notional-weighted entry.
		e.entries[sym] = (e.entries[sym]*math.Abs(pos) + mark*math.Abs(signed)) / math.Abs(next)
	}
	e.positions[sym] = next

	o.state.FilledSize += size
	o.state.AvgPrice = mark
	o.state.Status = domain.OrderStatusFilled
	o.state.UpdatedAt = e.now()
	e.fills = append(e.fills, Fill{
		ClientID:   o.req.ClientID,
		Symbol:     sym,
		Side:       o.req.Side,
		Size:       size,
		Price:      mark,
		ReduceOnly: o.req.ReduceOnly,
		At:         o.state.UpdatedAt,
	})
}

// refreshMark copies the inner venue's mark for symbol. A failed read keeps
// the last mark only if one was seen.
func (e *Exchange) refreshMark(ctx context.Context, symbol string) error {
	src, ok := e.inner.(MarkSource)
	if !ok {
		return nil
	}
	px, err := src.MarkPrice(ctx, symbol)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil && px > 0 {
		e.marks[symbol] = px
		return nil
	}
	if _, seen := e.marks[symbol]; seen {
		return nil
	}
	if err == nil {
		err = fmt.Errorf("%s: no mark price", symbol)
	}
	return fmt.Errorf("mark %s: %w", symbol, err)
}

func (e *Exchange) markLocked(symbol string) float64 {
	if m, ok := e.marks[symbol]; ok && m > 0 {
		return m
	}
	return defaultMark
}

// CancelOrder cancels a pending order. Cancelling a terminal order is a no-op.
func (e *Exchange) CancelOrder(_ context.Context, h domain.OrderHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[h.ClientID]
	if !ok {
		return domain.NewAdapterError(e.name, "cancel_order", false,
			fmt.Errorf("%s: %w", h.ClientID, domain.ErrNotFound))
	}
	if o.state.Status.Terminal() {
		return nil
	}
	if o.script.CancelErr != nil {
		return domain.NewAdapterError(e.name, "cancel_order", true, o.script.CancelErr)
	}
	if o.script.FillOnCancel {
		e.fillLocked(o, o.req.Size)
		return nil
	}
	o.state.Status = domain.OrderStatusCancelled
	o.state.UpdatedAt = e.now()
	return nil
}

// GetOrderStatus looks an order up by ClientID.
func (e *Exchange) GetOrderStatus(_ context.Context, h domain.OrderHandle) (domain.OrderState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[h.ClientID]
	if !ok {
		return domain.OrderState{}, domain.NewAdapterError(e.name, "get_order_status", false,
			fmt.Errorf("%s: %w", h.ClientID, domain.ErrNotFound))
	}
	return o.state, nil
}

// GetPosition returns the net simulated position in symbol, or nil when flat.
// PnL is marked against the inner venue when it quotes one.
func (e *Exchange) GetPosition(ctx context.Context, symbol string) (*domain.VenuePosition, error) {
	if err := e.refreshMark(ctx, symbol); err != nil {
		e.mu.Lock()
		flat := e.positions[symbol] == 0
		e.mu.Unlock()
		if !flat {
			return nil, domain.NewAdapterError(e.name, "get_position", domain.IsRetryable(err), err)
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	pos := e.positions[symbol]
	if pos == 0 {
		return nil, nil
	}
	side := domain.OrderSideBuy
	if pos < 0 {
		side = domain.OrderSideSell
	}
	entry := e.entries[symbol]
	mark := e.markLocked(symbol)
	pnl := 0.0
	if entry > 0 {
		pnl = pos * (mark - entry) / entry
	}
	return &domain.VenuePosition{
		Symbol:        symbol,
		Side:          side,
		Size:          math.Abs(pos),
		EntryPrice:    entry,
		MarkPrice:     mark,
		UnrealizedPnL: pnl,
	}, nil
}

// NetPosition returns the signed notional held in symbol.
func (e *Exchange) NetPosition(symbol string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.positions[symbol]
}

// Fills returns every execution in order.
func (e *Exchange) Fills() []Fill {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Fill, len(e.fills))
	copy(out, e.fills)
	return out
}

// OrdersPlaced counts distinct orders the venue accepted.
func (e *Exchange) OrdersPlaced() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.placed
}

// OpenOrders counts orders that are not yet terminal.
func (e *Exchange) OpenOrders() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, o := range e.orders {
		if !o.state.Status.Terminal() {
			n++
		}
	}
	return n
}
