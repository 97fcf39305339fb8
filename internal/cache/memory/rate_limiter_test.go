package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterAllow(t *testing.T) {
	r := NewRateLimiter()
	ctx := context.Background()

	for range 3 {
		ok, err := r.Allow(ctx, "api:10.0.0.1", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := r.Allow(ctx, "api:10.0.0.1", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "burst exhausted")

	ok, err = r.Allow(ctx, "api:10.0.0.2", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "keys are independent")

	_, err = r.Allow(ctx, "api:x", 0, time.Minute)
	assert.Error(t, err)
}

func TestRateLimiterWait(t *testing.T) {
	r := NewRateLimiter()
	require.NoError(t, r.Wait(context.Background(), "venue:reya", 1, time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, r.Wait(ctx, "venue:reya", 1, time.Hour), "next token is an hour away")
}
