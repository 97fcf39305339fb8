// Package memory provides in-process stand-ins for the Redis-backed caches,
// used when no Redis address is configured.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/fundingarb/internal/domain"
)

const (
	defaultStreamLen = 10000
	subscriberBuffer = 64
)

type entry struct {
	ms, seq int64
	payload []byte
}

func (e entry) id() string { return fmt.Sprintf("%d-%d", e.ms, e.seq) }

type subscriber struct {
	ch chan []byte
}

// Bus implements domain.SignalBus inside one process. Publish drops messages
// for subscribers whose buffer is full; streams keep the newest maxLen
// entries.
type Bus struct {
	mu      sync.Mutex
	subs    map[string]map[*subscriber]struct{}
	streams map[string][]entry
	maxLen  int
	lastMs  int64
	seq     int64
	now     func() time.Time
}

// NewBus creates a Bus. maxLen <= 0 keeps 10000 entries per stream.
func NewBus(maxLen int) *Bus {
	if maxLen <= 0 {
		maxLen = defaultStreamLen
	}
	return &Bus{
		subs:    make(map[string]map[*subscriber]struct{}),
		streams: make(map[string][]entry),
		maxLen:  maxLen,
		now:     time.Now,
	}
}

// Publish delivers payload to every current subscriber of channel.
func (b *Bus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs[channel] {
		select {
		case s.ch <- payload:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel of payloads published to channel. It is closed
// when ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	s := &subscriber{ch: make(chan []byte, subscriberBuffer)}

	b.mu.Lock()
	set, ok := b.subs[channel]
	if !ok {
		set = make(map[*subscriber]struct{})
		b.subs[channel] = set
	}
	set[s] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs[channel], s)
		if len(b.subs[channel]) == 0 {
			delete(b.subs, channel)
		}
		close(s.ch)
		b.mu.Unlock()
	}()
	return s.ch, nil
}

// StreamAppend adds payload to stream with a Redis-style "<ms>-<seq>" ID.
func (b *Bus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ms := b.now().UnixMilli()
	if ms <= b.lastMs {
		ms = b.lastMs
		b.seq++
	} else {
		b.lastMs = ms
		b.seq = 0
	}
	entries := append(b.streams[stream], entry{ms: ms, seq: b.seq, payload: payload})
	if over := len(entries) - b.maxLen; over > 0 {
		entries = append([]entry(nil), entries[over:]...)
	}
	b.streams[stream] = entries
	return nil
}

// StreamRead returns up to count entries after lastID. "0" or "" reads from
// the start. It never blocks.
func (b *Bus) StreamRead(_ context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	afterMs, afterSeq, err := parseID(lastID)
	if err != nil {
		return nil, fmt.Errorf("memory: stream read %s: %w", stream, err)
	}
	if count <= 0 {
		count = 100
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.StreamMessage
	for _, e := range b.streams[stream] {
		if e.ms < afterMs || (e.ms == afterMs && e.seq <= afterSeq) {
			continue
		}
		out = append(out, domain.StreamMessage{ID: e.id(), Payload: e.payload})
		if len(out) == count {
			break
		}
	}
	return out, nil
}

func parseID(id string) (ms, seq int64, err error) {
	if id == "" || id == "0" {
		return -1, -1, nil
	}
	msPart, seqPart, found := strings.Cut(id, "-")
	if ms, err = strconv.ParseInt(msPart, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("bad stream id %q", id)
	}
	if !found {
		return ms, -1, nil
	}
	if seq, err = strconv.ParseInt(seqPart, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("bad stream id %q", id)
	}
	return ms, seq, nil
}

var _ domain.SignalBus = (*Bus)(nil)
