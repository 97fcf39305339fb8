// Package config defines the top-level configuration for the funding-rate
// arbitrage bot and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/fundingarb/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by FUNDINGARB_* environment variables.
type Config struct {
	Venues    VenuesConfig    `toml:"venues"`
	Pairs     []PairConfig    `toml:"pairs"`
	Monitor   MonitorConfig   `toml:"monitor"`
	Arbitrage ArbitrageConfig `toml:"arbitrage"`
	Risk      RiskConfig      `toml:"risk"`
	Execution ExecutionConfig `toml:"execution"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// VenuesConfig holds the two venues of the hedge. Spreads are rate(A) - rate(B).
type VenuesConfig struct {
	A VenueConfig `toml:"a"`
	B VenueConfig `toml:"b"`
}

// VenueConfig holds credentials and endpoints for one exchange adapter.
type VenueConfig struct {
	// Name selects the adapter: "hyperliquid", "reya" or "simulated".
	Name              string  `toml:"name"`
	APIURL            string  `toml:"api_url"`
	WsURL             string  `toml:"ws_url"`
	PrivateKey        string  `toml:"private_key"`
	EncryptedKeyPath  string  `toml:"encrypted_key_path"`
	KeyPassword       string  `toml:"key_password"`
	AccountID         string  `toml:"account_id"`
	ChainID           int     `toml:"chain_id"`
	VerifyingContract string  `toml:"verifying_contract"` // EIP-712 order domain
	Testnet           bool    `toml:"testnet"`
	TakerFee          float64 `toml:"taker_fee"`
	RateLimitPerSec   int     `toml:"rate_limit_per_sec"`
}

// PairConfig maps a logical instrument to its per-venue symbols.
type PairConfig struct {
	Symbol             string  `toml:"symbol"`
	VenueASymbol       string  `toml:"venue_a_symbol"`
	VenueBSymbol       string  `toml:"venue_b_symbol"`
	MinFundingRateDiff float64 `toml:"min_funding_rate_diff"`
	MaxPositionSize    float64 `toml:"max_position_size"`
	RoundTripCost      float64 `toml:"round_trip_cost"`
	Enabled            bool    `toml:"enabled"`
}

// MonitorConfig controls the funding monitor tick.
type MonitorConfig struct {
	UpdateInterval   duration `toml:"update_interval"`
	CheckInterval    duration `toml:"check_interval"`
	VenueTimeout     duration `toml:"venue_timeout"`
	StalenessCeiling duration `toml:"staleness_ceiling"`
}

// ArbitrageConfig holds the detector thresholds. Rates are fractions.
type ArbitrageConfig struct {
	MinSpreadThreshold   float64 `toml:"min_spread_threshold"`
	MaxSpreadThreshold   float64 `toml:"max_spread_threshold"`
	Slippage             float64 `toml:"slippage"`
	FundingIntervalHours float64 `toml:"funding_interval_hours"`
}

// RiskConfig holds exposure limits and exit thresholds.
type RiskConfig struct {
	MaxTotalPosition     float64 `toml:"max_total_position"`
	MaxPositionPerPair   float64 `toml:"max_position_per_pair"`
	MinTradeAmount       float64 `toml:"min_trade_amount"`
	StopLossPercentage   float64 `toml:"stop_loss_percentage"`
	TakeProfitPercentage float64 `toml:"take_profit_percentage"`
}

// ExecutionConfig holds hedged executor parameters.
type ExecutionConfig struct {
	SimulationMode        bool     `toml:"simulation_mode"`
	FillTimeout           duration `toml:"fill_timeout"`
	PollInterval          duration `toml:"poll_interval"`
	SizeTolerance         float64  `toml:"size_tolerance"`
	MaxSubmitRetries      int      `toml:"max_submit_retries"`
	MaxCorrectionRetries  int      `toml:"max_correction_retries"`
	RetryBackoff          duration `toml:"retry_backoff"`
	LegOrder              string   `toml:"leg_order"` // "parallel" or "sequential"
	FastVenue             string   `toml:"fast_venue"`
	PositionCheckInterval duration `toml:"position_check_interval"`
	CloseOnShutdown       bool     `toml:"close_on_shutdown"`
	LockTTL               duration `toml:"lock_ttl"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. An empty Addr disables Redis.
type RedisConfig struct {
	Addr         string `toml:"addr"`
	Password     string `toml:"password"`
	DB           int    `toml:"db"`
	PoolSize     int    `toml:"pool_size"`
	MaxRetries   int    `toml:"max_retries"`
	TLSEnabled   bool   `toml:"tls_enabled"`
	StreamMaxLen int    `toml:"stream_max_len"`
	// KeyPrefix namespaces every key, e.g. "bot1".
	KeyPrefix string   `toml:"key_prefix"`
	QuoteTTL  duration `toml:"quote_ttl"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`

	// SnapshotCron schedules ledger snapshots in trade mode ("*/5 * * * *").
	// SnapshotInterval is used when it is empty; zero disables both.
	SnapshotCron     string   `toml:"snapshot_cron"`
	SnapshotInterval duration `toml:"snapshot_interval"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
	// RateLimit is requests per minute per client IP; 0 disables it.
	RateLimit int `toml:"rate_limit"`
	// Metrics serves Prometheus metrics on GET /metrics.
	Metrics bool `toml:"metrics"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Venues: VenuesConfig{
			A: VenueConfig{
				Name:            "reya",
				APIURL:          "https://api.reya.xyz",
				WsURL:           "wss://ws.reya.xyz",
				ChainID:         1729,
				TakerFee:        0.0004,
				RateLimitPerSec: 10,
			},
			B: VenueConfig{
				Name:            "hyperliquid",
				APIURL:          "https://api.hyperliquid.xyz",
				TakerFee:        0.00045,
				RateLimitPerSec: 10,
			},
		},
		Monitor: MonitorConfig{
			UpdateInterval:   duration{30 * time.Second},
			CheckInterval:    duration{60 * time.Second},
			VenueTimeout:     duration{5 * time.Second},
			StalenessCeiling: duration{2 * time.Minute},
		},
		Arbitrage: ArbitrageConfig{
			MinSpreadThreshold:   0.0005,
			MaxSpreadThreshold:   0.01,
			Slippage:             0.0002,
			FundingIntervalHours: 8,
		},
		Risk: RiskConfig{
			MaxTotalPosition:     10000,
			MaxPositionPerPair:   2000,
			MinTradeAmount:       100,
			StopLossPercentage:   2.0,
			TakeProfitPercentage: 1.0,
		},
		Execution: ExecutionConfig{
			SimulationMode:        true,
			FillTimeout:           duration{30 * time.Second},
			PollInterval:          duration{500 * time.Millisecond},
			SizeTolerance:         50,
			MaxSubmitRetries:      2,
			MaxCorrectionRetries:  2,
			RetryBackoff:          duration{500 * time.Millisecond},
			LegOrder:              "parallel",
			PositionCheckInterval: duration{30 * time.Second},
			CloseOnShutdown:       false,
			LockTTL:               duration{5 * time.Minute},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "fundingarb",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			PoolSize:     20,
			MaxRetries:   3,
			StreamMaxLen: 10000,
			QuoteTTL:     duration{10 * time.Minute},
		},
		S3: S3Config{
			Endpoint:         "http://localhost:9000",
			Region:           "us-east-1",
			Bucket:           "fundingarb-ledger",
			ForcePathStyle:   true,
			SnapshotInterval: duration{5 * time.Minute},
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    8000,
			Metrics: true,
		},
		Notify: NotifyConfig{
			Events: []string{"hedge_balanced", "hedge_closed", "hedge_failed", "emergency_stop"},
		},
		Mode:     "monitor",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"monitor": true,
	"trade":   true,
	"check":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validVenues = map[string]bool{
	"hyperliquid": true,
	"reya":        true,
	"simulated":   true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: monitor, trade, check)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Venues
	for _, v := range []struct {
		label string
		cfg   VenueConfig
	}{{"venues.a", c.Venues.A}, {"venues.b", c.Venues.B}} {
		if !validVenues[v.cfg.Name] {
			errs = append(errs, fmt.Sprintf("%s: unknown name %q (valid: hyperliquid, reya, simulated)", v.label, v.cfg.Name))
		}
		if v.cfg.TakerFee < 0 {
			errs = append(errs, v.label+": taker_fee must not be negative")
		}
		// Live trading needs a signing key on every real venue.
		live := strings.ToLower(c.Mode) == "trade" && !c.Execution.SimulationMode
		if live && v.cfg.Name != "simulated" {
			if v.cfg.PrivateKey == "" && v.cfg.EncryptedKeyPath == "" {
				errs = append(errs, v.label+": private_key or encrypted_key_path is required for live trading")
			}
			if v.cfg.EncryptedKeyPath != "" && v.cfg.KeyPassword == "" {
				errs = append(errs, v.label+": key_password is required when encrypted_key_path is set")
			}
			if v.cfg.Name == "reya" && v.cfg.AccountID == "" {
				errs = append(errs, v.label+": account_id is required for live trading on reya")
			}
		}
	}
	if c.Venues.A.Name == c.Venues.B.Name && c.Venues.A.Name != "simulated" {
		errs = append(errs, "venues: a and b must be different exchanges")
	}

	// Pairs
	enabled := 0
	seen := make(map[string]bool, len(c.Pairs))
	for i, p := range c.Pairs {
		label := fmt.Sprintf("pairs[%d]", i)
		if p.Symbol == "" {
			errs = append(errs, label+": symbol must not be empty")
		}
		if seen[p.Symbol] {
			errs = append(errs, fmt.Sprintf("%s: duplicate symbol %q", label, p.Symbol))
		}
		seen[p.Symbol] = true
		if p.VenueASymbol == "" || p.VenueBSymbol == "" {
			errs = append(errs, label+": venue_a_symbol and venue_b_symbol must be set")
		}
		if p.MaxPositionSize <= 0 {
			errs = append(errs, label+": max_position_size must be positive")
		}
		if p.MinFundingRateDiff < 0 || p.RoundTripCost < 0 {
			errs = append(errs, label+": min_funding_rate_diff and round_trip_cost must not be negative")
		}
		if p.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		errs = append(errs, "pairs: at least one enabled pair is required")
	}

	// Monitor
	if c.Monitor.UpdateInterval.Duration <= 0 {
		errs = append(errs, "monitor: update_interval must be positive")
	}
	if c.Monitor.VenueTimeout.Duration <= 0 {
		errs = append(errs, "monitor: venue_timeout must be positive")
	}
	if c.Monitor.StalenessCeiling.Duration <= 0 {
		errs = append(errs, "monitor: staleness_ceiling must be positive")
	}

	// Arbitrage
	if c.Arbitrage.MinSpreadThreshold < 0 {
		errs = append(errs, "arbitrage: min_spread_threshold must not be negative")
	}
	if c.Arbitrage.MaxSpreadThreshold <= c.Arbitrage.MinSpreadThreshold {
		errs = append(errs, fmt.Sprintf("arbitrage: max_spread_threshold (%g) must exceed min_spread_threshold (%g)",
			c.Arbitrage.MaxSpreadThreshold, c.Arbitrage.MinSpreadThreshold))
	}

	// Risk
	if c.Risk.MaxTotalPosition <= 0 || c.Risk.MaxPositionPerPair <= 0 {
		errs = append(errs, "risk: max_total_position and max_position_per_pair must be positive")
	}
	if c.Risk.MaxPositionPerPair > c.Risk.MaxTotalPosition {
		errs = append(errs, "risk: max_position_per_pair must not exceed max_total_position")
	}
	if c.Risk.MinTradeAmount <= 0 {
		errs = append(errs, "risk: min_trade_amount must be positive")
	}
	if c.Risk.StopLossPercentage <= 0 || c.Risk.TakeProfitPercentage <= 0 {
		errs = append(errs, "risk: stop_loss_percentage and take_profit_percentage must be positive")
	}

	// Execution
	if c.Execution.FillTimeout.Duration <= 0 || c.Execution.PollInterval.Duration <= 0 {
		errs = append(errs, "execution: fill_timeout and poll_interval must be positive")
	}
	if c.Execution.SizeTolerance < 0 {
		errs = append(errs, "execution: size_tolerance must not be negative")
	}
	switch c.Execution.LegOrder {
	case "parallel", "":
	case "sequential":
		if c.Execution.FastVenue != "a" && c.Execution.FastVenue != "b" {
			errs = append(errs, "execution: fast_venue must be \"a\" or \"b\" when leg_order is sequential")
		}
	default:
		errs = append(errs, fmt.Sprintf("execution: unknown leg_order %q (valid: parallel, sequential)", c.Execution.LegOrder))
	}

	// Postgres
	if c.Postgres.Enabled && strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port %d out of range", c.Postgres.Port))
		}
	}

	// S3
	if c.S3.Enabled && (c.S3.Bucket == "" || c.S3.Region == "") {
		errs = append(errs, "s3: bucket and region are required when enabled")
	}

	// Server
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Sprintf("server: port %d out of range", c.Server.Port))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// TradingPairs converts the pair configuration into domain values. Disabled
// pairs are kept so callers can report on them.
func (c *Config) TradingPairs() []domain.TradingPair {
	out := make([]domain.TradingPair, 0, len(c.Pairs))
	for _, p := range c.Pairs {
		out = append(out, domain.TradingPair{
			Symbol:             p.Symbol,
			SymbolA:            p.VenueASymbol,
			SymbolB:            p.VenueBSymbol,
			MinFundingRateDiff: p.MinFundingRateDiff,
			MaxPositionSize:    p.MaxPositionSize,
			RoundTripCost:      p.RoundTripCost,
			Enabled:            p.Enabled,
		})
	}
	return out
}
