package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTOML = `
mode = "monitor"

[venues.a]
name = "reya"
taker_fee = 0.0004

[venues.b]
name = "hyperliquid"
taker_fee = 0.00045

[[pairs]]
symbol = "ETH"
venue_a_symbol = "ETH-PERP"
venue_b_symbol = "ETH"
min_funding_rate_diff = 0.0006
max_position_size = 1500
enabled = true

[[pairs]]
symbol = "BTC"
venue_a_symbol = "BTC-PERP"
venue_b_symbol = "BTC"
max_position_size = 2000
enabled = false

[monitor]
update_interval = "15s"

[risk]
max_total_position = 5000
max_position_per_pair = 1000
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("merges file over defaults", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, sampleTOML))
		require.NoError(t, err)

		assert.Equal(t, 15*time.Second, cfg.Monitor.UpdateInterval.Duration)
		assert.Equal(t, 2*time.Minute, cfg.Monitor.StalenessCeiling.Duration, "default kept")
		assert.Equal(t, 5000.0, cfg.Risk.MaxTotalPosition)
		assert.Equal(t, 100.0, cfg.Risk.MinTradeAmount, "default kept")
		require.Len(t, cfg.Pairs, 2)
		assert.NoError(t, cfg.Validate())
	})

	t.Run("env overrides file", func(t *testing.T) {
		t.Setenv("FUNDINGARB_RISK_MAX_TOTAL_POSITION", "7500")
		t.Setenv("FUNDINGARB_VENUE_B_PRIVATE_KEY", "0xabc")
		t.Setenv("FUNDINGARB_EXECUTION_FILL_TIMEOUT", "45s")
		t.Setenv("FUNDINGARB_NOTIFY_EVENTS", "hedge_failed, emergency_stop")

		cfg, err := Load(writeConfig(t, sampleTOML))
		require.NoError(t, err)

		assert.Equal(t, 7500.0, cfg.Risk.MaxTotalPosition)
		assert.Equal(t, "0xabc", cfg.Venues.B.PrivateKey)
		assert.Equal(t, 45*time.Second, cfg.Execution.FillTimeout.Duration)
		assert.Equal(t, []string{"hedge_failed", "emergency_stop"}, cfg.Notify.Events)
	})

	t.Run("invalid duration is an error", func(t *testing.T) {
		_, err := Load(writeConfig(t, "[monitor]\nupdate_interval = \"soon\"\n"))
		assert.Error(t, err)
	})
}

func TestExampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config.example.toml"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "monitor", cfg.Mode)
	assert.True(t, cfg.Execution.SimulationMode)
	assert.Len(t, cfg.Pairs, 3)
	assert.Empty(t, cfg.Redis.Addr)
	assert.Equal(t, 5*time.Minute, cfg.S3.SnapshotInterval.Duration)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg := Defaults()
		cfg.Pairs = []PairConfig{{
			Symbol: "ETH", VenueASymbol: "ETH-PERP", VenueBSymbol: "ETH",
			MaxPositionSize: 1000, Enabled: true,
		}}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults with one pair", mutate: func(*Config) {}},
		{name: "unknown mode", mutate: func(c *Config) { c.Mode = "yolo" }, wantErr: "unknown mode"},
		{name: "no enabled pair", mutate: func(c *Config) { c.Pairs[0].Enabled = false }, wantErr: "at least one enabled pair"},
		{name: "duplicate pair", mutate: func(c *Config) { c.Pairs = append(c.Pairs, c.Pairs[0]) }, wantErr: "duplicate symbol"},
		{name: "max below min", mutate: func(c *Config) { c.Arbitrage.MaxSpreadThreshold = 0.0001 }, wantErr: "max_spread_threshold"},
		{name: "per pair above total", mutate: func(c *Config) { c.Risk.MaxPositionPerPair = c.Risk.MaxTotalPosition + 1 }, wantErr: "must not exceed"},
		{name: "same venue twice", mutate: func(c *Config) { c.Venues.B.Name = c.Venues.A.Name }, wantErr: "must be different"},
		{
			name: "live trading without keys",
			mutate: func(c *Config) {
				c.Mode = "trade"
				c.Execution.SimulationMode = false
			},
			wantErr: "private_key or encrypted_key_path",
		},
		{
			name: "sequential without fast venue",
			mutate: func(c *Config) {
				c.Execution.LegOrder = "sequential"
			},
			wantErr: "fast_venue",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Venues.A.PrivateKey = "secret-a"
	cfg.Postgres.Password = "pw"
	cfg.Notify.Events = []string{"hedge_failed"}

	out := RedactedConfig(&cfg)

	assert.Equal(t, "***", out.Venues.A.PrivateKey)
	assert.Equal(t, "***", out.Postgres.Password)
	assert.Empty(t, out.Venues.B.PrivateKey, "empty secrets stay empty")
	assert.Equal(t, "secret-a", cfg.Venues.A.PrivateKey, "original untouched")

	out.Notify.Events[0] = "changed"
	assert.Equal(t, "hedge_failed", cfg.Notify.Events[0])
}

func TestTradingPairs(t *testing.T) {
	cfg := Defaults()
	cfg.Pairs = []PairConfig{{Symbol: "SOL", VenueASymbol: "SOL-PERP", VenueBSymbol: "SOL", MaxPositionSize: 500, RoundTripCost: 0.001, Enabled: true}}

	pairs := cfg.TradingPairs()
	require.Len(t, pairs, 1)
	assert.Equal(t, "SOL-PERP", pairs[0].SymbolA)
	assert.Equal(t, "SOL", pairs[0].SymbolB)
	assert.Equal(t, 0.001, pairs[0].RoundTripCost)
}
