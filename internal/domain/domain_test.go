package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDirectionSides(t *testing.T) {
	assert.Equal(t, DirectionShortALongB, DirectionFor(0.001))
	assert.Equal(t, DirectionLongAShortB, DirectionFor(-0.001))

	d := DirectionShortALongB
	assert.Equal(t, OrderSideSell, d.SideFor(LegA))
	assert.Equal(t, OrderSideBuy, d.SideFor(LegB))

	d = DirectionLongAShortB
	assert.Equal(t, OrderSideBuy, d.SideFor(LegA))
	assert.Equal(t, OrderSideSell, d.SideFor(LegB))

	assert.Equal(t, LegB, LegA.Other())
	assert.Equal(t, OrderSideBuy, OrderSideSell.Opposite())
}

func TestHedgeSizes(t *testing.T) {
	h := HedgePosition{LegA: Position{Size: 500}, LegB: Position{Size: -300}}
	assert.Equal(t, 500.0, h.Notional())
	assert.Equal(t, 200.0, h.Imbalance())
	assert.Equal(t, -300.0, h.Leg(LegB).Size)

	assert.True(t, HedgeFailed.Terminal())
	assert.False(t, HedgeUnwinding.Terminal())
}

func TestErrorMatching(t *testing.T) {
	err := fmt.Errorf("monitor: %w", &StaleDataError{Pair: "ETH", Venue: "reya", Missing: true})
	assert.ErrorIs(t, err, ErrStaleData)
	assert.Contains(t, err.Error(), "no quote from reya")

	assert.ErrorIs(t, &SizingError{Pair: "ETH", Size: 5, Min: 100, Max: 1000}, ErrSizing)
	assert.ErrorIs(t, &AuthorizationDenied{Limit: "max_total_position"}, ErrAuthorizationDenied)

	failure := &ExecutionFailure{HedgeID: "h1", Pair: "ETH", Reason: "unwind failed", Err: ErrNotAvailable}
	assert.ErrorIs(t, failure, ErrExecutionFailure)
	assert.ErrorIs(t, failure, ErrNotAvailable)
	assert.NotErrorIs(t, failure, ErrManualIntervention)
	failure.ManualIntervention = true
	assert.ErrorIs(t, failure, ErrManualIntervention)

	assert.Nil(t, NewAdapterError("reya", "place_order", true, nil))
	wrapped := fmt.Errorf("executor: %w", NewAdapterError("reya", "place_order", true, errors.New("timeout")))
	assert.True(t, IsRetryable(wrapped))
	assert.False(t, IsRetryable(NewAdapterError("reya", "place_order", false, errors.New("rejected"))))
	assert.False(t, IsRetryable(errors.New("plain")))
}
