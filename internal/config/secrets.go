package config

import "slices"

const redacted = "***"

// RedactedConfig returns a copy of cfg that is safe to log: every credential
// is replaced by "***" and slices are cloned so the copy shares no storage
// with cfg.
func RedactedConfig(cfg *Config) Config {
	out := *cfg
	for _, s := range secretFields(&out) {
		if *s != "" {
			*s = redacted
		}
	}
	out.Pairs = slices.Clone(cfg.Pairs)
	out.Notify.Events = slices.Clone(cfg.Notify.Events)
	out.Server.CORSOrigins = slices.Clone(cfg.Server.CORSOrigins)
	return out
}

// secretFields lists every credential in cfg.
func secretFields(cfg *Config) []*string {
	return []*string{
		&cfg.Venues.A.PrivateKey, &cfg.Venues.A.KeyPassword,
		&cfg.Venues.B.PrivateKey, &cfg.Venues.B.KeyPassword,
		&cfg.Postgres.DSN, &cfg.Postgres.Password,
		&cfg.Redis.Password,
		&cfg.S3.AccessKey, &cfg.S3.SecretKey,
		&cfg.Server.APIKey,
		&cfg.Notify.TelegramToken, &cfg.Notify.DiscordWebhookURL,
	}
}
