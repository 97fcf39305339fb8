// Package hyperliquid is the Hyperliquid perpetuals adapter. Market orders
// are sent as IOC limit orders priced through the mark.
package hyperliquid

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/fundingarb/internal/crypto"
	"github.com/alanyoungcy/fundingarb/internal/domain"
	"github.com/alanyoungcy/fundingarb/internal/platform/rest"
)

const (
	MainnetURL = "https://api.hyperliquid.xyz"
	TestnetURL = "https://api.hyperliquid-testnet.xyz"

	defaultSlippage = 0.01
)

// Config configures a Client.
type Config struct {
	BaseURL  string
	Testnet  bool
	Slippage float64 // IOC price buffer through the mark
	Timeout  time.Duration
}

type asset struct {
	index      int
	szDecimals int
}

// Client implements domain.Exchange against the Hyperliquid REST API.
type Client struct {
	name     domain.Venue
	api      *rest.Client
	signer   *crypto.Signer
	mainnet  bool
	slippage float64
	now      func() time.Time
	nonce    atomic.Uint64

	mu     sync.RWMutex
	assets map[string]asset
	avgPx  map[string]float64 // client id -> fill price reported at placement
}

var _ domain.Exchange = (*Client)(nil)

// New creates a Client. signer may be nil for a read-only adapter.
func New(name domain.Venue, cfg Config, signer *crypto.Signer) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = MainnetURL
		if cfg.Testnet {
			cfg.BaseURL = TestnetURL
		}
	}
	if cfg.Slippage <= 0 {
		cfg.Slippage = defaultSlippage
	}
	return &Client{
		name:     name,
		api:      rest.New(cfg.BaseURL, cfg.Timeout),
		signer:   signer,
		mainnet:  !cfg.Testnet,
		slippage: cfg.Slippage,
		now:      time.Now,
		assets:   make(map[string]asset),
		avgPx:    make(map[string]float64),
	}
}

// SetRateLimiter throttles REST calls.
func (c *Client) SetRateLimiter(l domain.RateLimiter, perSecond int) {
	c.api.SetRateLimiter(l, "venue:"+string(c.name), perSecond)
}

// Name returns the venue name.
func (c *Client) Name() domain.Venue { return c.name }

func (c *Client) adapterErr(op string, err error) error {
	return domain.NewAdapterError(c.name, op, rest.Retryable(err), err)
}

// contexts reads the perp universe with current funding and mark prices.
func (c *Client) contexts(ctx context.Context) (map[string]assetCtx, error) {
	var raw []json.RawMessage
	if err := c.api.Do(ctx, http.MethodPost, "/info", infoRequest{Type: "metaAndAssetCtxs"}, &raw); err != nil {
		return nil, err
	}
	if len(raw) != 2 {
		return nil, fmt.Errorf("unexpected metaAndAssetCtxs shape: %d elements", len(raw))
	}
	var m meta
	if err := json.Unmarshal(raw[0], &m); err != nil {
		return nil, fmt.Errorf("decode meta: %w", err)
	}
	var ctxs []assetCtx
	if err := json.Unmarshal(raw[1], &ctxs); err != nil {
		return nil, fmt.Errorf("decode asset contexts: %w", err)
	}

	out := make(map[string]assetCtx, len(m.Universe))
	c.mu.Lock()
	for i, u := range m.Universe {
		c.assets[u.Name] = asset{index: i, szDecimals: u.SzDecimals}
		if i < len(ctxs) {
			out[u.Name] = ctxs[i]
		}
	}
	c.mu.Unlock()
	return out, nil
}

// GetFundingRate returns the current funding rate for coin symbol.
func (c *Client) GetFundingRate(ctx context.Context, symbol string) (domain.FundingRate, error) {
	ctxs, err := c.contexts(ctx)
	if err != nil {
		return domain.FundingRate{}, c.adapterErr("get_funding_rate", err)
	}
	ac, ok := ctxs[symbol]
	if !ok {
		return domain.FundingRate{}, domain.NewAdapterError(c.name, "get_funding_rate", false,
			fmt.Errorf("%s: %w", symbol, domain.ErrNotFound))
	}
	rate, err := strconv.ParseFloat(ac.Funding, 64)
	if err != nil {
		return domain.FundingRate{}, domain.NewAdapterError(c.name, "get_funding_rate", false,
			fmt.Errorf("parse funding %q: %w", ac.Funding, err))
	}
	return domain.FundingRate{Rate: rate, Timestamp: c.now()}, nil
}

// MarkPrice returns the current mark for coin symbol.
func (c *Client) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	ctxs, err := c.contexts(ctx)
	if err != nil {
		return 0, c.adapterErr("mark_price", err)
	}
	px := parseFloat(ctxs[symbol].MarkPx)
	if px <= 0 {
		return 0, domain.NewAdapterError(c.name, "mark_price", false,
			fmt.Errorf("%s: %w", symbol, domain.ErrNotFound))
	}
	return px, nil
}

func (c *Client) user() (string, error) {
	if c.signer == nil {
		return "", fmt.Errorf("no signing key: %w", domain.ErrUnauthorized)
	}
	return c.signer.Address().Hex(), nil
}

func (c *Client) exchange(ctx context.Context, action any) (exchangeData, error) {
	nonce := c.nextNonce()
	sig, err := signAction(c.signer, action, nonce, c.mainnet)
	if err != nil {
		return exchangeData{}, err
	}
	var resp exchangeResponse
	if err := c.api.Do(ctx, http.MethodPost, "/exchange", exchangeRequest{Action: action, Nonce: nonce, Signature: sig}, &resp); err != nil {
		return exchangeData{}, err
	}
	if resp.Status != "ok" {
		var msg string
		_ = json.Unmarshal(resp.Response, &msg)
		return exchangeData{}, fmt.Errorf("exchange error: %s", msg)
	}
	var data exchangeData
	if err := json.Unmarshal(resp.Response, &data); err != nil {
		return exchangeData{}, fmt.Errorf("decode exchange response: %w", err)
	}
	return data, nil
}

// nextNonce returns a millisecond timestamp, bumped when two calls land in
// the same millisecond.
func (c *Client) nextNonce() uint64 {
	for {
		last := c.nonce.Load()
		next := uint64(c.now().UnixMilli())
		if next <= last {
			next = last + 1
		}
		if c.nonce.CompareAndSwap(last, next) {
			return next
		}
	}
}

// PlaceOrder sends an IOC order for req.Size notional. The client id is
// sent as the venue cloid, so a resubmission after a lost ack is rejected
// by the venue instead of doubling the position.
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderHandle, error) {
	const op = "place_order"
	if _, err := c.user(); err != nil {
		return domain.OrderHandle{}, domain.NewAdapterError(c.name, op, false, err)
	}
	ctxs, err := c.contexts(ctx)
	if err != nil {
		return domain.OrderHandle{}, c.adapterErr(op, err)
	}
	c.mu.RLock()
	a, ok := c.assets[req.Symbol]
	c.mu.RUnlock()
	mark := parseFloat(ctxs[req.Symbol].MarkPx)
	if !ok || mark <= 0 {
		return domain.OrderHandle{}, domain.NewAdapterError(c.name, op, false,
			fmt.Errorf("%s: %w", req.Symbol, domain.ErrNotFound))
	}

	size := roundSize(req.Size/mark, a.szDecimals)
	if size <= 0 {
		return domain.OrderHandle{}, domain.NewAdapterError(c.name, op, false,
			fmt.Errorf("%s: notional %.2f below minimum lot: %w", req.Symbol, req.Size, domain.ErrSizing))
	}
	px := mark * (1 + c.slippage)
	if req.Side == domain.OrderSideSell {
		px = mark * (1 - c.slippage)
	}

	cloid := Cloid(req.ClientID)
	action := orderAction{
		Type: "order",
		Orders: []orderWire{{
			Asset:      a.index,
			IsBuy:      req.Side == domain.OrderSideBuy,
			LimitPx:    formatPrice(px, a.szDecimals),
			Size:       strconv.FormatFloat(size, 'f', -1, 64),
			ReduceOnly: req.ReduceOnly,
			Type:       orderType{Limit: limitType{TIF: "Ioc"}},
			Cloid:      cloid,
		}},
		Grouping: "na",
	}
	data, err := c.exchange(ctx, action)
	if err != nil {
		return domain.OrderHandle{}, c.adapterErr(op, err)
	}
	if len(data.Data.Statuses) == 0 {
		return domain.OrderHandle{}, domain.NewAdapterError(c.name, op, true, errors.New("empty order status"))
	}

	var st orderStatusEntry
	if err := json.Unmarshal(data.Data.Statuses[0], &st); err != nil {
		return domain.OrderHandle{}, domain.NewAdapterError(c.name, op, false, fmt.Errorf("decode order status: %w", err))
	}
	h := domain.OrderHandle{Venue: c.name, ClientID: req.ClientID, Symbol: req.Symbol}
	switch {
	case st.Error != "":
		return domain.OrderHandle{}, domain.NewAdapterError(c.name, op, false, fmt.Errorf("order rejected: %s", st.Error))
	case st.Filled != nil:
		h.OrderID = strconv.FormatInt(st.Filled.OID, 10)
		c.mu.Lock()
		c.avgPx[req.ClientID] = parseFloat(st.Filled.AvgPx)
		c.mu.Unlock()
	case st.Resting != nil:
		h.OrderID = strconv.FormatInt(st.Resting.OID, 10)
	}
	return h, nil
}

// CancelOrder cancels by cloid. An order the venue already finished is not
// an error.
func (c *Client) CancelOrder(ctx context.Context, h domain.OrderHandle) error {
	const op = "cancel_order"
	if _, err := c.user(); err != nil {
		return domain.NewAdapterError(c.name, op, false, err)
	}
	c.mu.RLock()
	a, ok := c.assets[h.Symbol]
	c.mu.RUnlock()
	if !ok {
		if _, err := c.contexts(ctx); err != nil {
			return c.adapterErr(op, err)
		}
		c.mu.RLock()
		a, ok = c.assets[h.Symbol]
		c.mu.RUnlock()
		if !ok {
			return domain.NewAdapterError(c.name, op, false, fmt.Errorf("%s: %w", h.Symbol, domain.ErrNotFound))
		}
	}

	data, err := c.exchange(ctx, cancelAction{
		Type:    "cancelByCloid",
		Cancels: []cancelByCloid{{Asset: a.index, Cloid: Cloid(h.ClientID)}},
	})
	if err != nil {
		return c.adapterErr(op, err)
	}
	for _, raw := range data.Data.Statuses {
		var st orderStatusEntry
		if json.Unmarshal(raw, &st) == nil && st.Error != "" && !strings.Contains(st.Error, "never placed") {
			return domain.NewAdapterError(c.name, op, false, fmt.Errorf("cancel rejected: %s", st.Error))
		}
	}
	return nil
}

// GetOrderStatus looks the order up by cloid. FilledSize is converted back
// to notional at the fill price.
func (c *Client) GetOrderStatus(ctx context.Context, h domain.OrderHandle) (domain.OrderState, error) {
	const op = "get_order_status"
	user, err := c.user()
	if err != nil {
		return domain.OrderState{}, domain.NewAdapterError(c.name, op, false, err)
	}
	var resp orderStatusResponse
	if err := c.api.Do(ctx, http.MethodPost, "/info", infoRequest{Type: "orderStatus", User: user, OID: Cloid(h.ClientID)}, &resp); err != nil {
		return domain.OrderState{}, c.adapterErr(op, err)
	}
	if resp.Status != "order" {
		return domain.OrderState{}, domain.NewAdapterError(c.name, op, false,
			fmt.Errorf("%s: %w", h.ClientID, domain.ErrNotFound))
	}

	o := resp.Order.Order
	filledBase := parseFloat(o.OrigSz) - parseFloat(o.Sz)
	c.mu.RLock()
	px := c.avgPx[h.ClientID]
	c.mu.RUnlock()
	if px <= 0 {
		px = parseFloat(o.LimitPx)
	}

	st := domain.OrderState{
		Status:     mapStatus(resp.Order.Status, filledBase),
		FilledSize: math.Max(0, filledBase) * px,
		AvgPrice:   px,
		UpdatedAt:  c.now(),
	}
	return st, nil
}

func mapStatus(s string, filled float64) domain.OrderStatus {
	switch {
	case s == "filled":
		return domain.OrderStatusFilled
	case s == "rejected":
		return domain.OrderStatusRejected
	case s == "canceled" || strings.HasSuffix(s, "Canceled"):
		return domain.OrderStatusCancelled
	case filled > 0:
		return domain.OrderStatusPartiallyFilled
	default:
		return domain.OrderStatusPending
	}
}

// GetPosition returns the net position in coin symbol, or nil when flat.
func (c *Client) GetPosition(ctx context.Context, symbol string) (*domain.VenuePosition, error) {
	const op = "get_position"
	user, err := c.user()
	if err != nil {
		return nil, domain.NewAdapterError(c.name, op, false, err)
	}
	var state clearinghouseState
	if err := c.api.Do(ctx, http.MethodPost, "/info", infoRequest{Type: "clearinghouseState", User: user}, &state); err != nil {
		return nil, c.adapterErr(op, err)
	}
	for _, ap := range state.AssetPositions {
		p := ap.Position
		if p.Coin != symbol {
			continue
		}
		szi := parseFloat(p.Szi)
		if szi == 0 {
			return nil, nil
		}
		side := domain.OrderSideBuy
		if szi < 0 {
			side = domain.OrderSideSell
		}
		value := math.Abs(parseFloat(p.PositionValue))
		return &domain.VenuePosition{
			Symbol:        symbol,
			Side:          side,
			Size:          value,
			EntryPrice:    parseFloat(p.EntryPx),
			MarkPrice:     value / math.Abs(szi),
			UnrealizedPnL: parseFloat(p.UnrealizedPnl),
		}, nil
	}
	return nil, nil
}

// Cloid maps a client id to the venue's 16-byte client order id. UUIDs map
// to their own bytes; anything else is hashed.
func Cloid(clientID string) string {
	if u, err := uuid.Parse(clientID); err == nil {
		return "0x" + hex.EncodeToString(u[:])
	}
	return "0x" + hex.EncodeToString(crypto.Keccak256([]byte(clientID))[:16])
}

func roundSize(base float64, decimals int) float64 {
	p := math.Pow10(decimals)
	return math.Round(base*p) / p
}

// formatPrice renders px with at most five significant figures and
// 6-szDecimals decimal places, as the venue requires for perps.
func formatPrice(px float64, szDecimals int) string {
	if px <= 0 {
		return "0"
	}
	sig, _ := strconv.ParseFloat(strconv.FormatFloat(px, 'g', 5, 64), 64)
	dec := max(6-szDecimals, 0)
	s := strconv.FormatFloat(sig, 'f', dec, 64)
	if strings.Contains(s, ".") {
		s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
	}
	return s
}
