package ws

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

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/fundingarb/internal/cache/memory"
	"github.com/alanyoungcy/fundingarb/internal/domain"
)

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, kind)
	var env envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestHubRelaysBusEvents(t *testing.T) {
	bus := memory.NewBus(0)
	hub := NewHub(bus, Config{
		Mode:       "Trade",
		Simulation: true,
		Status:     func() domain.RiskState { return domain.RiskState{TotalNotional: 250} },
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = hub.Run(ctx) }()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	// The greeting is only written once the hub has registered the client,
	// which happens after its bus subscriptions are in place.
	greeting := readEnvelope(t, conn)
	assert.Equal(t, "status", greeting.Type)
	var status struct {
		Mode       string           `json:"mode"`
		Simulation bool             `json:"simulation"`
		Risk       domain.RiskState `json:"risk"`
	}
	require.NoError(t, json.Unmarshal(greeting.Payload, &status))
	assert.Equal(t, "trade", status.Mode)
	assert.True(t, status.Simulation)
	assert.Equal(t, 250.0, status.Risk.TotalNotional)

	require.NoError(t, bus.Publish(ctx, domain.ChannelHedge, []byte(`{"hedge_id":"h1"}`)))
	env := readEnvelope(t, conn)
	assert.Equal(t, domain.ChannelHedge, env.Type)
	assert.JSONEq(t, `{"hedge_id":"h1"}`, string(env.Payload))

	require.NoError(t, bus.Publish(ctx, domain.ChannelRisk, []byte(`not json`)))
	env = readEnvelope(t, conn)
	assert.Equal(t, domain.ChannelRisk, env.Type)
	assert.JSONEq(t, `"not json"`, string(env.Payload))
}

func TestClientApply(t *testing.T) {
	c := &client{subs: map[string]bool{domain.ChannelSpread: true, domain.ChannelHedge: true}}

	c.apply(clientMsg{Action: "unsubscribe", Channels: []string{domain.ChannelSpread}})
	assert.False(t, c.subs[domain.ChannelSpread])
	assert.True(t, c.subs[domain.ChannelHedge])

	c.apply(clientMsg{Action: "subscribe", Channels: []string{domain.ChannelSpread}})
	assert.True(t, c.subs[domain.ChannelSpread])

	c.apply(clientMsg{Action: "bogus", Channels: []string{domain.ChannelRisk}})
	assert.False(t, c.subs[domain.ChannelRisk])
}

func TestHubReplaysHedgeStream(t *testing.T) {
	bus := memory.NewBus(0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, bus.StreamAppend(ctx, domain.StreamHedges, []byte(`{"hedge_id":"h1"}`)))
	require.NoError(t, bus.StreamAppend(ctx, domain.StreamHedges, []byte(`{"hedge_id":"h2"}`)))

	hub := NewHub(bus, Config{Mode: "trade"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	go func() { _ = hub.Run(ctx) }()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "status", readEnvelope(t, conn).Type)

	require.NoError(t, conn.WriteJSON(clientMsg{Action: "replay"}))
	first := readEnvelope(t, conn)
	second := readEnvelope(t, conn)
	assert.Equal(t, domain.StreamHedges, first.Type)
	assert.JSONEq(t, `{"hedge_id":"h1"}`, string(first.Payload))
	assert.JSONEq(t, `{"hedge_id":"h2"}`, string(second.Payload))
	require.NotEmpty(t, first.ID)

	require.NoError(t, conn.WriteJSON(clientMsg{Action: "replay", Since: first.ID}))
	again := readEnvelope(t, conn)
	assert.Equal(t, second.ID, again.ID)
}
