package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/fundingarb/internal/domain"
)

// maxLimiters bounds the per-key table; it is reset when exceeded.
const maxLimiters = 10000

type keyedLimiter struct {
	limit  int
	window time.Duration
	l      *rate.Limiter
}

// RateLimiter is an in-process token bucket per key. It stands in for the
// Redis sliding window when Redis is not configured, so limits hold within a
// single process only.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*keyedLimiter
}

var _ domain.RateLimiter = (*RateLimiter)(nil)

// NewRateLimiter creates an empty RateLimiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{limiters: make(map[string]*keyedLimiter)}
}

func (r *RateLimiter) get(key string, limit int, window time.Duration) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if k, ok := r.limiters[key]; ok && k.limit == limit && k.window == window {
		return k.l
	}
	if len(r.limiters) >= maxLimiters {
		r.limiters = make(map[string]*keyedLimiter)
	}
	l := rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit)
	r.limiters[key] = &keyedLimiter{limit: limit, window: window, l: l}
	return l
}

// Allow reports whether one more event for key fits in limit per window.
func (r *RateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 || window <= 0 {
		return false, fmt.Errorf("memory: rate limit %q: invalid limit %d per %s", key, limit, window)
	}
	return r.get(key, limit, window).Allow(), nil
}

// Wait blocks until an event for key is allowed or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context, key string, limit int, window time.Duration) error {
	if limit <= 0 || window <= 0 {
		return fmt.Errorf("memory: rate limit %q: invalid limit %d per %s", key, limit, window)
	}
	if err := r.get(key, limit, window).Wait(ctx); err != nil {
		return fmt.Errorf("memory: rate limit %q: %w", key, err)
	}
	return nil
}
