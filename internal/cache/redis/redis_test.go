package redis

import (
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/fundingarb/internal/domain"
)

func TestKeyPrefix(t *testing.T) {
	assert.Equal(t, "lock:exec:ETH", (&Client{}).key("lock", "exec:ETH"))
	assert.Equal(t, "bot1:funding:reya:ETH", (&Client{prefix: "bot1"}).key("funding", "reya", "ETH"))
	assert.Equal(t, "bot1:ch:spread", (&Client{prefix: "bot1"}).key(domain.ChannelSpread))
}

func TestClientOptions(t *testing.T) {
	opts, err := ClientConfig{Addr: "localhost:6379", PoolSize: 20, TLSEnabled: true}.options()
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", opts.Addr)
	assert.Equal(t, 20, opts.PoolSize)
	assert.NotNil(t, opts.TLSConfig)
	assert.Equal(t, ioTimeout, opts.ReadTimeout)

	opts, err = ClientConfig{Addr: "rediss://:secret@cache:6380/2"}.options()
	require.NoError(t, err)
	assert.Equal(t, "cache:6380", opts.Addr)
	assert.Equal(t, "secret", opts.Password)
	assert.Equal(t, 2, opts.DB)
	assert.NotNil(t, opts.TLSConfig)

	opts, err = ClientConfig{Addr: "redis://cache:6379/1", DB: 3, Password: "override"}.options()
	require.NoError(t, err)
	assert.Equal(t, 3, opts.DB)
	assert.Equal(t, "override", opts.Password)
	assert.Nil(t, opts.TLSConfig)
}

func TestQuoteEncoding(t *testing.T) {
	q := domain.FundingQuote{
		Venue:      "hyperliquid",
		Leg:        domain.LegB,
		Pair:       "ETH",
		Rate:       -0.0000125,
		ObservedAt: time.Unix(1700000000, 42),
		Latency:    120 * time.Millisecond,
	}
	enc := encodeQuote(q)
	vals := make(map[string]string, len(enc))
	for k, v := range enc {
		vals[k] = v.(string)
	}
	got, err := decodeQuote(vals)
	require.NoError(t, err)
	assert.Equal(t, q.Rate, got.Rate)
	assert.True(t, q.ObservedAt.Equal(got.ObservedAt))
	assert.Equal(t, q.Latency, got.Latency)
	assert.Equal(t, q.Leg, got.Leg)

	vals["rate"] = "x"
	_, err = decodeQuote(vals)
	assert.Error(t, err)
}

func TestStreamMessages(t *testing.T) {
	msgs := streamMessages([]goredis.XStream{{
		Stream: "hedges",
		Messages: []goredis.XMessage{
			{ID: "1-0", Values: map[string]any{"payload": `{"status":"balanced"}`}},
			{ID: "2-0", Values: map[string]any{"other": "x"}},
			{ID: "3-0", Values: map[string]any{"payload": []byte("raw")}},
		},
	}})
	require.Len(t, msgs, 2)
	assert.Equal(t, "1-0", msgs[0].ID)
	assert.JSONEq(t, `{"status":"balanced"}`, string(msgs[0].Payload))
	assert.Equal(t, "raw", string(msgs[1].Payload))
	assert.Empty(t, streamMessages(nil))
}
