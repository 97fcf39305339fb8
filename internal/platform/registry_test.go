package platform

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/fundingarb/internal/config"
	"github.com/alanyoungcy/fundingarb/internal/platform/hyperliquid"
	"github.com/alanyoungcy/fundingarb/internal/platform/reya"
	"github.com/alanyoungcy/fundingarb/internal/platform/simulated"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func quiet() Options {
	return Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func TestNewSimulated(t *testing.T) {
	v, err := New(config.VenueConfig{Name: "simulated"}, quiet())
	require.NoError(t, err)
	assert.IsType(t, &simulated.Exchange{}, v.Exchange)
	assert.Nil(t, v.Feed)
	assert.NoError(t, v.Run(context.Background()))
}

func TestNewLive(t *testing.T) {
	v, err := New(config.VenueConfig{Name: "hyperliquid", PrivateKey: testKey, Testnet: true}, quiet())
	require.NoError(t, err)
	assert.IsType(t, &hyperliquid.Client{}, v.Exchange)

	opts := quiet()
	opts.Symbols = []string{"ETH"}
	v, err = New(config.VenueConfig{Name: "reya", WsURL: "wss://example.invalid", AccountID: "7"}, opts)
	require.NoError(t, err)
	assert.IsType(t, &reya.Client{}, v.Exchange)
	require.NotNil(t, v.Feed)
}

func TestNewSimulationWrapsLive(t *testing.T) {
	opts := quiet()
	opts.Simulate = true
	// A broken key is never read in simulation.
	v, err := New(config.VenueConfig{Name: "hyperliquid", PrivateKey: "zz"}, opts)
	require.NoError(t, err)
	assert.IsType(t, &simulated.Exchange{}, v.Exchange)
	assert.Equal(t, "hyperliquid", string(v.Exchange.Name()))
}

func TestNewErrors(t *testing.T) {
	_, err := New(config.VenueConfig{Name: "binance"}, quiet())
	assert.Error(t, err)

	_, err = New(config.VenueConfig{Name: "hyperliquid", PrivateKey: "zz"}, quiet())
	assert.Error(t, err)

	_, err = New(config.VenueConfig{Name: "reya", AccountID: "not-a-number"}, quiet())
	assert.Error(t, err)
}
