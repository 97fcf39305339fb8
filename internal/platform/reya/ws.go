package reya

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/fundingarb/internal/domain"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	reconnectDelay    = 2 * time.Second
	maxReconnectDelay = 60 * time.Second

	fundingChannel = "funding-rates"
)

// tick is the latest streamed reading for one market.
type tick struct {
	rate domain.FundingRate
	mark float64
}

// Feed streams funding rates and marks over the market data socket and keeps
// the latest value per symbol. It reconnects with exponential backoff until
// its context is cancelled.
type Feed struct {
	url     string
	symbols []string
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.RWMutex
	ticks     map[string]tick
	connected bool
}

// NewFeed creates a Feed subscribing to symbols.
func NewFeed(url string, symbols []string, logger *slog.Logger) *Feed {
	norm := make([]string, len(symbols))
	for i, s := range symbols {
		norm[i] = Normalize(s)
	}
	return &Feed{
		url:     url,
		symbols: norm,
		logger:  logger.With(slog.String("component", "reya_ws")),
		now:     time.Now,
		ticks:   make(map[string]tick),
	}
}

// Latest returns the last streamed tick for symbol.
func (f *Feed) Latest(symbol string) (domain.FundingRate, float64, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.ticks[Normalize(symbol)]
	return t.rate, t.mark, ok
}

// Connected reports whether the socket is currently up.
func (f *Feed) Connected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.connected
}

// Run keeps the feed connected until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	delay := reconnectDelay
	for {
		err := f.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		f.logger.WarnContext(ctx, "funding feed disconnected",
			slog.String("error", err.Error()),
			slog.Duration("retry_in", delay),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay = min(delay*2, maxReconnectDelay)
	}
}

// session runs one connection until it fails or ctx is cancelled.
func (f *Feed) session(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("reya/ws: connect: %w", err)
	}
	defer conn.Close()

	var writeMu sync.Mutex
	write := func(msgType int, data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(msgType, data)
	}

	for _, s := range f.symbols {
		data, _ := json.Marshal(wsMessage{Type: "subscribe", Channel: fundingChannel, ID: s})
		if err := write(websocket.TextMessage, data); err != nil {
			return fmt.Errorf("reya/ws: subscribe %s: %w", s, err)
		}
	}
	f.setConnected(true)
	defer f.setConnected(false)
	f.logger.InfoContext(ctx, "funding feed connected", slog.Int("symbols", len(f.symbols)))

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				_ = write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				_ = conn.Close()
				return
			case <-ticker.C:
				if err := write(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("reya/ws: read: %w: %w", domain.ErrWSDisconnect, err)
		}
		if reply := f.handle(raw); reply != nil {
			if err := write(websocket.TextMessage, reply); err != nil {
				return fmt.Errorf("reya/ws: write: %w", err)
			}
		}
	}
}

func (f *Feed) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

// handle applies one frame and returns a reply to send, if any.
func (f *Feed) handle(raw []byte) []byte {
	var msg wsMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil
	}
	switch msg.Type {
	case "ping":
		reply, _ := json.Marshal(wsMessage{Type: "pong"})
		return reply
	case "channel_data":
		if msg.Channel != fundingChannel || msg.Contents == nil {
			return nil
		}
		ts := f.now()
		if msg.Contents.Timestamp > 0 {
			ts = time.UnixMilli(msg.Contents.Timestamp)
		}
		f.mu.Lock()
		f.ticks[msg.ID] = tick{
			rate: domain.FundingRate{Rate: parseFloat(msg.Contents.FundingRate), Timestamp: ts},
			mark: parseFloat(msg.Contents.MarkPrice),
		}
		f.mu.Unlock()
	case "error":
		f.logger.Warn("funding feed error frame", slog.String("raw", string(raw)))
	}
	return nil
}
