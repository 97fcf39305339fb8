package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies FUNDINGARB_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known FUNDINGARB_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). Secrets are expected to arrive this way rather than in the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Venues ──
	applyVenueOverrides(&cfg.Venues.A, "FUNDINGARB_VENUE_A_")
	applyVenueOverrides(&cfg.Venues.B, "FUNDINGARB_VENUE_B_")

	// ── Monitor ──
	setDuration(&cfg.Monitor.UpdateInterval, "FUNDINGARB_MONITOR_UPDATE_INTERVAL")
	setDuration(&cfg.Monitor.CheckInterval, "FUNDINGARB_MONITOR_CHECK_INTERVAL")
	setDuration(&cfg.Monitor.VenueTimeout, "FUNDINGARB_MONITOR_VENUE_TIMEOUT")
	setDuration(&cfg.Monitor.StalenessCeiling, "FUNDINGARB_MONITOR_STALENESS_CEILING")

	// ── Arbitrage ──
	setFloat64(&cfg.Arbitrage.MinSpreadThreshold, "FUNDINGARB_ARBITRAGE_MIN_SPREAD_THRESHOLD")
	setFloat64(&cfg.Arbitrage.MaxSpreadThreshold, "FUNDINGARB_ARBITRAGE_MAX_SPREAD_THRESHOLD")
	setFloat64(&cfg.Arbitrage.Slippage, "FUNDINGARB_ARBITRAGE_SLIPPAGE")
	setFloat64(&cfg.Arbitrage.FundingIntervalHours, "FUNDINGARB_ARBITRAGE_FUNDING_INTERVAL_HOURS")

	// ── Risk ──
	setFloat64(&cfg.Risk.MaxTotalPosition, "FUNDINGARB_RISK_MAX_TOTAL_POSITION")
	setFloat64(&cfg.Risk.MaxPositionPerPair, "FUNDINGARB_RISK_MAX_POSITION_PER_PAIR")
	setFloat64(&cfg.Risk.MinTradeAmount, "FUNDINGARB_RISK_MIN_TRADE_AMOUNT")
	setFloat64(&cfg.Risk.StopLossPercentage, "FUNDINGARB_RISK_STOP_LOSS_PERCENTAGE")
	setFloat64(&cfg.Risk.TakeProfitPercentage, "FUNDINGARB_RISK_TAKE_PROFIT_PERCENTAGE")

	// ── Execution ──
	setBool(&cfg.Execution.SimulationMode, "FUNDINGARB_EXECUTION_SIMULATION_MODE")
	setDuration(&cfg.Execution.FillTimeout, "FUNDINGARB_EXECUTION_FILL_TIMEOUT")
	setDuration(&cfg.Execution.PollInterval, "FUNDINGARB_EXECUTION_POLL_INTERVAL")
	setFloat64(&cfg.Execution.SizeTolerance, "FUNDINGARB_EXECUTION_SIZE_TOLERANCE")
	setInt(&cfg.Execution.MaxSubmitRetries, "FUNDINGARB_EXECUTION_MAX_SUBMIT_RETRIES")
	setInt(&cfg.Execution.MaxCorrectionRetries, "FUNDINGARB_EXECUTION_MAX_CORRECTION_RETRIES")
	setDuration(&cfg.Execution.RetryBackoff, "FUNDINGARB_EXECUTION_RETRY_BACKOFF")
	setStr(&cfg.Execution.LegOrder, "FUNDINGARB_EXECUTION_LEG_ORDER")
	setStr(&cfg.Execution.FastVenue, "FUNDINGARB_EXECUTION_FAST_VENUE")
	setDuration(&cfg.Execution.PositionCheckInterval, "FUNDINGARB_EXECUTION_POSITION_CHECK_INTERVAL")
	setBool(&cfg.Execution.CloseOnShutdown, "FUNDINGARB_EXECUTION_CLOSE_ON_SHUTDOWN")
	setDuration(&cfg.Execution.LockTTL, "FUNDINGARB_EXECUTION_LOCK_TTL")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "FUNDINGARB_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "FUNDINGARB_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "FUNDINGARB_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "FUNDINGARB_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "FUNDINGARB_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "FUNDINGARB_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "FUNDINGARB_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "FUNDINGARB_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "FUNDINGARB_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "FUNDINGARB_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "FUNDINGARB_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "FUNDINGARB_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "FUNDINGARB_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "FUNDINGARB_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "FUNDINGARB_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "FUNDINGARB_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "FUNDINGARB_REDIS_TLS_ENABLED")
	setInt(&cfg.Redis.StreamMaxLen, "FUNDINGARB_REDIS_STREAM_MAX_LEN")
	setStr(&cfg.Redis.KeyPrefix, "FUNDINGARB_REDIS_KEY_PREFIX")
	setDuration(&cfg.Redis.QuoteTTL, "FUNDINGARB_REDIS_QUOTE_TTL")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "FUNDINGARB_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "FUNDINGARB_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "FUNDINGARB_S3_REGION")
	setStr(&cfg.S3.Bucket, "FUNDINGARB_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "FUNDINGARB_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "FUNDINGARB_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "FUNDINGARB_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "FUNDINGARB_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.SnapshotCron, "FUNDINGARB_S3_SNAPSHOT_CRON")
	setDuration(&cfg.S3.SnapshotInterval, "FUNDINGARB_S3_SNAPSHOT_INTERVAL")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "FUNDINGARB_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "FUNDINGARB_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "FUNDINGARB_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "FUNDINGARB_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimit, "FUNDINGARB_SERVER_RATE_LIMIT")
	setBool(&cfg.Server.Metrics, "FUNDINGARB_SERVER_METRICS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "FUNDINGARB_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "FUNDINGARB_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "FUNDINGARB_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "FUNDINGARB_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "FUNDINGARB_MODE")
	setStr(&cfg.LogLevel, "FUNDINGARB_LOG_LEVEL")
}

func applyVenueOverrides(v *VenueConfig, prefix string) {
	setStr(&v.Name, prefix+"NAME")
	setStr(&v.APIURL, prefix+"API_URL")
	setStr(&v.WsURL, prefix+"WS_URL")
	setStr(&v.PrivateKey, prefix+"PRIVATE_KEY")
	setStr(&v.EncryptedKeyPath, prefix+"ENCRYPTED_KEY_PATH")
	setStr(&v.KeyPassword, prefix+"KEY_PASSWORD")
	setStr(&v.AccountID, prefix+"ACCOUNT_ID")
	setInt(&v.ChainID, prefix+"CHAIN_ID")
	setStr(&v.VerifyingContract, prefix+"VERIFYING_CONTRACT")
	setBool(&v.Testnet, prefix+"TESTNET")
	setFloat64(&v.TakerFee, prefix+"TAKER_FEE")
	setInt(&v.RateLimitPerSec, prefix+"RATE_LIMIT_PER_SEC")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
