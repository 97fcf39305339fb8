// Package ws streams signal-bus events to WebSocket clients.
//
// Every client gets the channels in Channels until it narrows them with
// {"action":"unsubscribe","channels":[...]}. A client that reconnects can ask
// for the hedge transitions it missed with {"action":"replay","since":"<id>"};
// the replayed frames carry their stream id so the next replay can resume.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/fundingarb/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
	replayLimit    = 200
)

// Channels are the bus channels the hub relays.
var Channels = []string{
	domain.ChannelSpread,
	domain.ChannelOpportunity,
	domain.ChannelHedge,
	domain.ChannelRisk,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API key middleware guards /ws.
	CheckOrigin: func(*http.Request) bool { return true },
}

// envelope is the frame sent to clients. ID is set on replayed stream entries.
type envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// clientMsg is a request read from a client.
type clientMsg struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels,omitempty"`
	Since    string   `json:"since,omitempty"`
}

// client state other than conn is owned by Hub.Run.
type client struct {
	conn *websocket.Conn
	send chan []byte
	subs map[string]bool
}

// apply changes the subscription set. Other actions leave it alone.
func (c *client) apply(msg clientMsg) {
	switch msg.Action {
	case "subscribe":
		for _, ch := range msg.Channels {
			c.subs[ch] = true
		}
	case "unsubscribe":
		for _, ch := range msg.Channels {
			delete(c.subs, ch)
		}
	}
}

// request carries work from a connection goroutine to Run: a subscription
// change, frames to queue for the client, or both.
type request struct {
	c      *client
	msg    clientMsg
	frames [][]byte
}

// Config holds the metadata sent to clients on connect.
type Config struct {
	Mode       string
	Simulation bool
	StartedAt  time.Time
	// Status, when set, adds the current risk snapshot to the greeting.
	Status func() domain.RiskState
}

// Hub bridges a SignalBus to connected WebSocket clients.
type Hub struct {
	bus    domain.SignalBus
	cfg    Config
	logger *slog.Logger

	events     chan envelope
	register   chan *client
	unregister chan *client
	requests   chan request
	done       chan struct{}
}

// NewHub creates a Hub relaying Channels from bus.
func NewHub(bus domain.SignalBus, cfg Config, logger *slog.Logger) *Hub {
	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = time.Now().UTC()
	}
	return &Hub{
		bus:        bus,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "ws")),
		events:     make(chan envelope, sendBufferSize),
		register:   make(chan *client),
		unregister: make(chan *client),
		requests:   make(chan request),
		done:       make(chan struct{}),
	}
}

// Run relays bus messages to clients until ctx is cancelled, then closes
// every connection.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	for _, ch := range Channels {
		msgs, err := h.bus.Subscribe(ctx, ch)
		if err != nil {
			h.logger.ErrorContext(ctx, "subscribe failed",
				slog.String("channel", ch),
				slog.String("error", err.Error()),
			)
			continue
		}
		go h.relay(ctx, ch, msgs)
	}

	clients := make(map[*client]struct{})
	drop := func(c *client) {
		if _, ok := clients[c]; ok {
			delete(clients, c)
			close(c.send)
		}
	}

	for {
		select {
		case <-ctx.Done():
			for c := range clients {
				drop(c)
			}
			return ctx.Err()

		case c := <-h.register:
			clients[c] = struct{}{}
			h.logger.Info("client connected", slog.Int("total_clients", len(clients)))

		case c := <-h.unregister:
			drop(c)
			h.logger.Info("client disconnected", slog.Int("total_clients", len(clients)))

		case req := <-h.requests:
			if _, ok := clients[req.c]; !ok {
				continue
			}
			req.c.apply(req.msg)
			for _, f := range req.frames {
				if !h.queue(req.c, f) {
					break
				}
			}

		case ev := <-h.events:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			for c := range clients {
				if c.subs[ev.Type] {
					h.queue(c, data)
				}
			}
		}
	}
}

// queue hands data to the client's write pump, dropping it when the client
// is not keeping up.
func (h *Hub) queue(c *client, data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		h.logger.Warn("dropping message for slow client")
		return false
	}
}

func (h *Hub) relay(ctx context.Context, channel string, msgs <-chan []byte) {
	for {
		var data []byte
		select {
		case <-ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			data = m
		}
		select {
		case h.events <- envelope{Type: channel, Payload: asJSON(data)}:
		case <-ctx.Done():
			return
		}
	}
}

// asJSON passes JSON payloads through and quotes anything else as a string.
func asJSON(data []byte) json.RawMessage {
	if json.Valid(data) {
		return data
	}
	quoted, _ := json.Marshal(string(data))
	return quoted
}

// HandleWS upgrades the request and registers the client on every channel.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: make(map[string]bool, len(Channels)),
	}
	for _, ch := range Channels {
		c.subs[ch] = true
	}
	// Queued before registering; Run owns c.send afterwards.
	if greeting, err := h.greeting(); err == nil {
		c.send <- greeting
	}

	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go h.writePump(c)
	go h.readPump(c)
}

// greeting lets clients mark the connection healthy before any event arrives.
func (h *Hub) greeting() ([]byte, error) {
	payload := map[string]any{
		"mode":           h.cfg.Mode,
		"simulation":     h.cfg.Simulation,
		"uptime_seconds": max(0, int64(time.Since(h.cfg.StartedAt).Seconds())),
		"channels":       Channels,
	}
	if h.cfg.Status != nil {
		payload["risk"] = h.cfg.Status()
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: "status", Payload: raw})
}

// replay reads the hedge stream after since. The bus trims the stream, so a
// client that was away long enough only gets its tail.
func (h *Hub) replay(since string) ([][]byte, error) {
	if since == "" {
		since = "0"
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	msgs, err := h.bus.StreamRead(ctx, domain.StreamHedges, since, replayLimit)
	if err != nil {
		return nil, err
	}
	frames := make([][]byte, 0, len(msgs))
	for _, m := range msgs {
		f, err := json.Marshal(envelope{Type: domain.StreamHedges, ID: m.ID, Payload: asJSON(m.Payload)})
		if err != nil {
			continue
		}
		frames = append(frames, f)
	}
	return frames, nil
}

func (h *Hub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var msg clientMsg
		if json.Unmarshal(data, &msg) != nil || msg.Action == "" {
			continue
		}
		req := request{c: c, msg: msg}
		if msg.Action == "replay" {
			frames, err := h.replay(msg.Since)
			if err != nil {
				h.logger.Warn("replay failed", slog.String("error", err.Error()))
				continue
			}
			req.frames = frames
		}
		select {
		case h.requests <- req:
		case <-h.done:
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	write := func(kind int, data []byte) error {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		return c.conn.WriteMessage(kind, data)
	}
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				_ = write(websocket.CloseMessage, nil)
				return
			}
			if err := write(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
