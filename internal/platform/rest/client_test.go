package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/fundingarb/internal/domain"
)

type countingLimiter struct{ calls int }

func (l *countingLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return true, nil
}

func (l *countingLimiter) Wait(context.Context, string, int, time.Duration) error {
	l.calls++
	return nil
}

func TestDo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/echo":
			var in map[string]any
			_ = json.NewDecoder(r.Body).Decode(&in)
			_ = json.NewEncoder(w).Encode(in)
		case "/busy":
			w.WriteHeader(http.StatusServiceUnavailable)
		case "/bad":
			http.Error(w, "bad order", http.StatusBadRequest)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL+"/", time.Second)
	lim := &countingLimiter{}
	c.SetRateLimiter(lim, "venue:test", 5)
	ctx := context.Background()

	var out map[string]any
	require.NoError(t, c.Do(ctx, http.MethodPost, "/echo", map[string]any{"a": 1.0}, &out))
	assert.Equal(t, 1.0, out["a"])
	assert.Equal(t, 1, lim.calls)

	err := c.Do(ctx, http.MethodGet, "/busy", nil, nil)
	assert.True(t, Retryable(err))

	err = c.Do(ctx, http.MethodGet, "/bad", nil, nil)
	assert.False(t, Retryable(err))
	assert.Contains(t, err.Error(), "bad order")

	err = c.Do(ctx, http.MethodGet, "/missing", nil, nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.False(t, Retryable(err))
}

func TestRetryable(t *testing.T) {
	assert.False(t, Retryable(nil))
	assert.True(t, Retryable(context.DeadlineExceeded))
	assert.False(t, Retryable(context.Canceled))
	assert.True(t, Retryable(&StatusError{Code: 429}))
	assert.False(t, Retryable(errors.New("decode response: eof")))
}
