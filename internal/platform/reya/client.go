// Package reya is the Reya Network perpetuals adapter. Funding rates come
// from the market data socket when it is fresh and from REST otherwise;
// orders are EIP-712 signed and sent over REST.
package reya

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/fundingarb/internal/crypto"
	"github.com/alanyoungcy/fundingarb/internal/domain"
	"github.com/alanyoungcy/fundingarb/internal/platform/rest"
)

const (
	DefaultAPIURL = "https://api.reya.xyz"
	DefaultWsURL  = "wss://ws.reya.xyz"
	DefaultChain  = 1729

	defaultSlippage = 0.01
	orderDeadline   = time.Minute
	// feedMaxAge bounds how old a streamed rate may be before REST is used.
	feedMaxAge = 2 * time.Minute
)

var (
	orderTypeHash  = crypto.TypeHash("Order(uint128 accountId,uint128 marketId,uint8 exchangeId,int256 base,uint256 limitPx,bool reduceOnly,uint256 nonce,uint256 deadline)")
	cancelTypeHash = crypto.TypeHash("CancelOrder(uint128 accountId,string clientOrderId,uint256 nonce)")
	wad            = new(big.Float).SetFloat64(1e18)
)

// Config configures a Client.
type Config struct {
	APIURL            string
	ChainID           int64
	AccountID         string
	VerifyingContract string
	Slippage          float64
	Timeout           time.Duration
}

// Client implements domain.Exchange against the Reya REST API.
type Client struct {
	name      domain.Venue
	api       *rest.Client
	signer    *crypto.Signer
	accountID uint64
	eip712    crypto.Domain
	slippage  float64
	feed      *Feed
	now       func() time.Time
	nonce     atomic.Uint64

	mu      sync.RWMutex
	markets map[string]market
}

var _ domain.Exchange = (*Client)(nil)

// New creates a Client. signer may be nil for a read-only adapter.
func New(name domain.Venue, cfg Config, signer *crypto.Signer) (*Client, error) {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.ChainID == 0 {
		cfg.ChainID = DefaultChain
	}
	if cfg.Slippage <= 0 {
		cfg.Slippage = defaultSlippage
	}
	var account uint64
	if cfg.AccountID != "" {
		id, err := strconv.ParseUint(cfg.AccountID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("reya: account id %q: %w", cfg.AccountID, err)
		}
		account = id
	}
	return &Client{
		name:      name,
		api:       rest.New(cfg.APIURL, cfg.Timeout),
		signer:    signer,
		accountID: account,
		eip712: crypto.Domain{
			Name:              "Reya",
			Version:           "1",
			ChainID:           cfg.ChainID,
			VerifyingContract: common.HexToAddress(cfg.VerifyingContract),
		},
		slippage: cfg.Slippage,
		now:      time.Now,
		markets:  make(map[string]market),
	}, nil
}

// SetFeed makes GetFundingRate prefer streamed rates.
func (c *Client) SetFeed(f *Feed) { c.feed = f }

// SetRateLimiter throttles REST calls.
func (c *Client) SetRateLimiter(l domain.RateLimiter, perSecond int) {
	c.api.SetRateLimiter(l, "venue:"+string(c.name), perSecond)
}

// Name returns the venue name.
func (c *Client) Name() domain.Venue { return c.name }

func (c *Client) adapterErr(op string, err error) error {
	return domain.NewAdapterError(c.name, op, rest.Retryable(err), err)
}

func (c *Client) refreshMarkets(ctx context.Context) error {
	var ms []market
	if err := c.api.Do(ctx, http.MethodGet, "/v2/markets", nil, &ms); err != nil {
		return err
	}
	c.mu.Lock()
	for _, m := range ms {
		c.markets[m.Symbol] = m
	}
	c.mu.Unlock()
	return nil
}

func (c *Client) market(ctx context.Context, symbol string, refresh bool) (market, error) {
	if refresh {
		if err := c.refreshMarkets(ctx); err != nil {
			return market{}, err
		}
	}
	c.mu.RLock()
	m, ok := c.markets[symbol]
	c.mu.RUnlock()
	if ok {
		return m, nil
	}
	if !refresh {
		return c.market(ctx, symbol, true)
	}
	return market{}, fmt.Errorf("%s: %w", symbol, domain.ErrNotFound)
}

// GetFundingRate returns the funding rate for symbol.
func (c *Client) GetFundingRate(ctx context.Context, symbol string) (domain.FundingRate, error) {
	symbol = Normalize(symbol)
	if c.feed != nil {
		if r, _, ok := c.feed.Latest(symbol); ok && c.now().Sub(r.Timestamp) <= feedMaxAge {
			return r, nil
		}
	}
	m, err := c.market(ctx, symbol, true)
	if err != nil {
		return domain.FundingRate{}, c.adapterErr("get_funding_rate", err)
	}
	ts := c.now()
	if m.UpdatedAt > 0 {
		ts = time.UnixMilli(m.UpdatedAt)
	}
	return domain.FundingRate{Rate: parseFloat(m.FundingRate), Timestamp: ts}, nil
}

// MarkPrice returns the current mark for symbol, from the socket when fresh.
func (c *Client) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	symbol = Normalize(symbol)
	m, err := c.market(ctx, symbol, false)
	if err != nil {
		return 0, c.adapterErr("mark_price", err)
	}
	if px := c.mark(ctx, m); px > 0 {
		return px, nil
	}
	return 0, domain.NewAdapterError(c.name, "mark_price", true, fmt.Errorf("%s: no mark price", symbol))
}

func (c *Client) mark(ctx context.Context, m market) float64 {
	if c.feed != nil {
		if _, px, ok := c.feed.Latest(m.Symbol); ok && px > 0 {
			return px
		}
	}
	if px := parseFloat(m.MarkPrice); px > 0 {
		return px
	}
	if fresh, err := c.market(ctx, m.Symbol, true); err == nil {
		return parseFloat(fresh.MarkPrice)
	}
	return 0
}

func (c *Client) tradable() error {
	if c.signer == nil || c.accountID == 0 {
		return fmt.Errorf("signing key and account id required: %w", domain.ErrUnauthorized)
	}
	return nil
}

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

// PlaceOrder sends an IOC order for req.Size notional with a 1% price limit
// through the mark.
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderHandle, error) {
	const op = "place_order"
	if err := c.tradable(); err != nil {
		return domain.OrderHandle{}, domain.NewAdapterError(c.name, op, false, err)
	}
	symbol := Normalize(req.Symbol)
	m, err := c.market(ctx, symbol, false)
	if err != nil {
		return domain.OrderHandle{}, c.adapterErr(op, err)
	}
	mark := c.mark(ctx, m)
	if mark <= 0 {
		return domain.OrderHandle{}, domain.NewAdapterError(c.name, op, true, fmt.Errorf("%s: no mark price", symbol))
	}

	qty := req.Size / mark
	px := mark * (1 + c.slippage)
	if req.Side == domain.OrderSideSell {
		px = mark * (1 - c.slippage)
	}
	base := toWad(qty)
	if req.Side == domain.OrderSideSell {
		base.Neg(base)
	}

	nonce := c.nextNonce()
	deadline := c.now().Add(orderDeadline).Unix()
	sig, err := c.signer.SignTypedData(c.eip712, crypto.HashStruct(orderTypeHash,
		crypto.Uint(new(big.Int).SetUint64(c.accountID)),
		crypto.Uint(big.NewInt(m.MarketID)),
		crypto.Uint(big.NewInt(1)),
		crypto.Int(base),
		crypto.Uint(toWad(px)),
		crypto.Bool(req.ReduceOnly),
		crypto.Uint(new(big.Int).SetUint64(nonce)),
		crypto.Uint(big.NewInt(deadline)),
	))
	if err != nil {
		return domain.OrderHandle{}, domain.NewAdapterError(c.name, op, false, fmt.Errorf("%w: %w", domain.ErrSigningFailed, err))
	}

	var resp orderResponse
	err = c.api.Do(ctx, http.MethodPost, "/v2/orders", orderRequest{
		AccountID:     c.accountID,
		MarketID:      m.MarketID,
		ExchangeID:    1,
		IsBuy:         req.Side == domain.OrderSideBuy,
		Qty:           strconv.FormatFloat(qty, 'f', -1, 64),
		LimitPx:       strconv.FormatFloat(px, 'f', -1, 64),
		ReduceOnly:    req.ReduceOnly,
		TimeInForce:   "IOC",
		ClientOrderID: req.ClientID,
		Nonce:         nonce,
		Deadline:      deadline,
		Signature:     sig.Hex(),
		SignerWallet:  c.signer.Address().Hex(),
	}, &resp)
	if err != nil {
		return domain.OrderHandle{}, c.adapterErr(op, err)
	}
	if strings.EqualFold(resp.Status, "REJECTED") {
		return domain.OrderHandle{}, domain.NewAdapterError(c.name, op, false, fmt.Errorf("order rejected: %s", resp.Reason))
	}
	return domain.OrderHandle{Venue: c.name, ClientID: req.ClientID, OrderID: resp.OrderID, Symbol: symbol}, nil
}

// CancelOrder cancels by client order id.
func (c *Client) CancelOrder(ctx context.Context, h domain.OrderHandle) error {
	const op = "cancel_order"
	if err := c.tradable(); err != nil {
		return domain.NewAdapterError(c.name, op, false, err)
	}
	nonce := c.nextNonce()
	sig, err := c.signer.SignTypedData(c.eip712, crypto.HashStruct(cancelTypeHash,
		crypto.Uint(new(big.Int).SetUint64(c.accountID)),
		crypto.String(h.ClientID),
		crypto.Uint(new(big.Int).SetUint64(nonce)),
	))
	if err != nil {
		return domain.NewAdapterError(c.name, op, false, fmt.Errorf("%w: %w", domain.ErrSigningFailed, err))
	}
	err = c.api.Do(ctx, http.MethodPost, "/v2/orders/cancel", cancelRequest{
		AccountID:     c.accountID,
		ClientOrderID: h.ClientID,
		Nonce:         nonce,
		Signature:     sig.Hex(),
	}, nil)
	if err != nil {
		return c.adapterErr(op, err)
	}
	return nil
}

// GetOrderStatus looks an order up by client order id.
func (c *Client) GetOrderStatus(ctx context.Context, h domain.OrderHandle) (domain.OrderState, error) {
	const op = "get_order_status"
	if err := c.tradable(); err != nil {
		return domain.OrderState{}, domain.NewAdapterError(c.name, op, false, err)
	}
	path := fmt.Sprintf("/v2/orders/client/%s?accountId=%d", url.PathEscape(h.ClientID), c.accountID)
	var resp orderResponse
	if err := c.api.Do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return domain.OrderState{}, c.adapterErr(op, err)
	}
	qty, avg := parseFloat(resp.ExecQty), parseFloat(resp.AvgPrice)
	return domain.OrderState{
		Status:     mapStatus(resp.Status, qty),
		FilledSize: math.Abs(qty) * avg,
		AvgPrice:   avg,
		UpdatedAt:  c.now(),
	}, nil
}

func mapStatus(s string, filled float64) domain.OrderStatus {
	switch strings.ToUpper(s) {
	case "FILLED":
		return domain.OrderStatusFilled
	case "CANCELLED", "CANCELED", "EXPIRED":
		return domain.OrderStatusCancelled
	case "REJECTED":
		return domain.OrderStatusRejected
	}
	if filled > 0 {
		return domain.OrderStatusPartiallyFilled
	}
	return domain.OrderStatusPending
}

// GetPosition returns the account's net position in symbol, or nil when flat.
func (c *Client) GetPosition(ctx context.Context, symbol string) (*domain.VenuePosition, error) {
	const op = "get_position"
	if err := c.tradable(); err != nil {
		return nil, domain.NewAdapterError(c.name, op, false, err)
	}
	symbol = Normalize(symbol)
	var ps []position
	if err := c.api.Do(ctx, http.MethodGet, fmt.Sprintf("/v2/accounts/%d/positions", c.accountID), nil, &ps); err != nil {
		return nil, c.adapterErr(op, err)
	}
	for _, p := range ps {
		if p.Symbol != symbol {
			continue
		}
		qty := parseFloat(p.Qty)
		if math.Abs(qty) < 1e-12 {
			return nil, nil
		}
		side := domain.OrderSideBuy
		if qty < 0 {
			side = domain.OrderSideSell
		}
		mark := parseFloat(p.MarkPrice)
		return &domain.VenuePosition{
			Symbol:        symbol,
			Side:          side,
			Size:          math.Abs(qty) * mark,
			EntryPrice:    parseFloat(p.AvgEntryPrice),
			MarkPrice:     mark,
			UnrealizedPnL: parseFloat(p.UnrealizedPnl),
		}, nil
	}
	return nil, nil
}

// toWad scales v by 1e18.
func toWad(v float64) *big.Int {
	out, _ := new(big.Float).Mul(big.NewFloat(v), wad).Int(nil)
	return out
}
