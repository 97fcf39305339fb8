package reya

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/fundingarb/internal/crypto"
	"github.com/alanyoungcy/fundingarb/internal/domain"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func newServer(t *testing.T, orders *[]orderRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v2/markets":
			_, _ = w.Write([]byte(`[{"symbol":"ETH-rUSD","marketId":1,"markPrice":"2000","fundingRate":"0.0001","updatedAt":1700000000000}]`))
		case r.URL.Path == "/v2/orders" && r.Method == http.MethodPost:
			var req orderRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			*orders = append(*orders, req)
			if req.ReduceOnly {
				_, _ = w.Write([]byte(`{"orderId":"9","status":"REJECTED","reason":"nothing to reduce"}`))
				return
			}
			_, _ = w.Write([]byte(`{"orderId":"9","clientOrderId":"` + req.ClientOrderID + `","status":"FILLED"}`))
		case strings.HasPrefix(r.URL.Path, "/v2/orders/client/"):
			if r.URL.Query().Get("accountId") != "42" {
				http.Error(w, "wrong account", http.StatusBadRequest)
				return
			}
			_, _ = w.Write([]byte(`{"orderId":"9","status":"FILLED","execQty":"0.25","avgPrice":"2010"}`))
		case r.URL.Path == "/v2/accounts/42/positions":
			_, _ = w.Write([]byte(`[{"symbol":"ETH-rUSD","qty":"0.25","avgEntryPrice":"2000","markPrice":"2020","unrealizedPnl":"5"}]`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newClient(t *testing.T, url string) *Client {
	t.Helper()
	s, err := crypto.NewSigner(testKey)
	require.NoError(t, err)
	c, err := New("reya", Config{APIURL: url, AccountID: "42"}, s)
	require.NoError(t, err)
	return c
}

func TestFundingRate(t *testing.T) {
	var orders []orderRequest
	c := newClient(t, newServer(t, &orders).URL)
	ctx := context.Background()

	r, err := c.GetFundingRate(ctx, "ETH")
	require.NoError(t, err)
	assert.Equal(t, 0.0001, r.Rate)
	assert.Equal(t, time.UnixMilli(1700000000000), r.Timestamp)

	_, err = c.GetFundingRate(ctx, "DOGE")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMarkPrice(t *testing.T) {
	var orders []orderRequest
	c := newClient(t, newServer(t, &orders).URL)

	px, err := c.MarkPrice(context.Background(), "ETH")
	require.NoError(t, err)
	assert.Equal(t, 2000.0, px)

	_, err = c.MarkPrice(context.Background(), "DOGE")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFundingRatePrefersFreshFeed(t *testing.T) {
	var orders []orderRequest
	c := newClient(t, newServer(t, &orders).URL)
	now := time.Now()
	c.now = func() time.Time { return now }

	f := NewFeed("ws://unused", []string{"ETH"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	f.handle([]byte(`{"type":"channel_data","channel":"funding-rates","id":"ETH-rUSD","contents":{"fundingRate":"0.0005","markPrice":"2100","timestamp":` +
		jsonInt(now.Add(-time.Second).UnixMilli()) + `}}`))
	c.SetFeed(f)

	r, err := c.GetFundingRate(context.Background(), "ETH")
	require.NoError(t, err)
	assert.Equal(t, 0.0005, r.Rate)

	now = now.Add(time.Hour)
	r, err = c.GetFundingRate(context.Background(), "ETH")
	require.NoError(t, err)
	assert.Equal(t, 0.0001, r.Rate, "stale feed falls back to REST")
}

func TestPlaceOrder(t *testing.T) {
	var orders []orderRequest
	c := newClient(t, newServer(t, &orders).URL)
	ctx := context.Background()

	h, err := c.PlaceOrder(ctx, domain.OrderRequest{ClientID: "cid-1", Symbol: "ETH", Side: domain.OrderSideBuy, Size: 500})
	require.NoError(t, err)
	assert.Equal(t, "ETH-rUSD", h.Symbol)
	require.Len(t, orders, 1)
	sent := orders[0]
	assert.Equal(t, uint64(42), sent.AccountID)
	assert.True(t, sent.IsBuy)
	assert.Equal(t, "0.25", sent.Qty)
	assert.Equal(t, "2020", sent.LimitPx)
	assert.Equal(t, "IOC", sent.TimeInForce)
	assert.Equal(t, "cid-1", sent.ClientOrderID)
	assert.True(t, strings.HasPrefix(sent.Signature, "0x"))

	st, err := c.GetOrderStatus(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, st.Status)
	assert.InDelta(t, 502.5, st.FilledSize, 1e-9)

	_, err = c.PlaceOrder(ctx, domain.OrderRequest{ClientID: "cid-2", Symbol: "ETH", Side: domain.OrderSideSell, Size: 500, ReduceOnly: true})
	require.Error(t, err)
	assert.False(t, domain.IsRetryable(err))
}

func TestGetPosition(t *testing.T) {
	var orders []orderRequest
	c := newClient(t, newServer(t, &orders).URL)

	pos, err := c.GetPosition(context.Background(), "ETH")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, domain.OrderSideBuy, pos.Side)
	assert.InDelta(t, 505, pos.Size, 1e-9)

	pos, err = c.GetPosition(context.Background(), "BTC")
	require.NoError(t, err)
	assert.Nil(t, pos)
}

func TestTradingNeedsAccount(t *testing.T) {
	c, err := New("reya", Config{}, nil)
	require.NoError(t, err)
	_, err = c.PlaceOrder(context.Background(), domain.OrderRequest{ClientID: "x", Symbol: "ETH", Size: 1})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = New("reya", Config{AccountID: "abc"}, nil)
	assert.Error(t, err)
}

func TestFeedHandle(t *testing.T) {
	f := NewFeed("ws://unused", []string{"ETH", "BTC-rUSD"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Equal(t, []string{"ETH-rUSD", "BTC-rUSD"}, f.symbols)

	reply := f.handle([]byte(`{"type":"ping"}`))
	assert.JSONEq(t, `{"type":"pong"}`, string(reply))

	assert.Nil(t, f.handle([]byte(`not json`)))
	f.handle([]byte(`{"type":"channel_data","channel":"funding-rates","id":"BTC-rUSD","contents":{"fundingRate":"-0.0002","markPrice":"60000"}}`))
	r, mark, ok := f.Latest("BTC")
	require.True(t, ok)
	assert.Equal(t, -0.0002, r.Rate)
	assert.Equal(t, 60000.0, mark)
	assert.False(t, r.Timestamp.IsZero())
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
