// Package platform builds venue adapters from configuration.
package platform

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/fundingarb/internal/config"
	"github.com/alanyoungcy/fundingarb/internal/crypto"
	"github.com/alanyoungcy/fundingarb/internal/domain"
	"github.com/alanyoungcy/fundingarb/internal/platform/hyperliquid"
	"github.com/alanyoungcy/fundingarb/internal/platform/reya"
	"github.com/alanyoungcy/fundingarb/internal/platform/simulated"
)

// Simulated fills take their price from these.
var (
	_ simulated.MarkSource = (*hyperliquid.Client)(nil)
	_ simulated.MarkSource = (*reya.Client)(nil)
)

// Options are the process-wide settings shared by every adapter.
type Options struct {
	// Simulate wraps live adapters so rates and marks are real and orders fill
	// locally.
	Simulate bool
	Limiter  domain.RateLimiter
	Timeout  time.Duration
	// Symbols are the venue symbols to stream when the adapter has a feed.
	Symbols []string
	Logger  *slog.Logger
}

// Venue is a built adapter together with its optional funding feed.
type Venue struct {
	Exchange domain.Exchange
	Feed     *reya.Feed
}

// Run drives the venue's background loops until ctx is cancelled. It returns
// immediately for venues without any.
func (v *Venue) Run(ctx context.Context) error {
	if v.Feed == nil {
		return nil
	}
	return v.Feed.Run(ctx)
}

// New builds the adapter named by cfg.Name.
func New(cfg config.VenueConfig, opts Options) (*Venue, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	name := domain.Venue(cfg.Name)

	var signer *crypto.Signer
	if !opts.Simulate && cfg.Name != "simulated" {
		s, err := crypto.LoadSigner(crypto.KeyConfig{
			RawPrivateKey:    cfg.PrivateKey,
			EncryptedKeyPath: cfg.EncryptedKeyPath,
			KeyPassword:      cfg.KeyPassword,
		})
		if err != nil {
			return nil, fmt.Errorf("platform: %s key: %w", cfg.Name, err)
		}
		signer = s
	}

	v := &Venue{}
	var live domain.Exchange
	switch cfg.Name {
	case "simulated":
		v.Exchange = simulated.New(name, nil)
		return v, nil
	case "hyperliquid":
		c := hyperliquid.New(name, hyperliquid.Config{
			BaseURL: cfg.APIURL,
			Testnet: cfg.Testnet,
			Timeout: opts.Timeout,
		}, signer)
		if opts.Limiter != nil && cfg.RateLimitPerSec > 0 {
			c.SetRateLimiter(opts.Limiter, cfg.RateLimitPerSec)
		}
		live = c
	case "reya":
		c, err := reya.New(name, reya.Config{
			APIURL:            cfg.APIURL,
			ChainID:           int64(cfg.ChainID),
			AccountID:         cfg.AccountID,
			VerifyingContract: cfg.VerifyingContract,
			Timeout:           opts.Timeout,
		}, signer)
		if err != nil {
			return nil, err
		}
		if opts.Limiter != nil && cfg.RateLimitPerSec > 0 {
			c.SetRateLimiter(opts.Limiter, cfg.RateLimitPerSec)
		}
		if cfg.WsURL != "" {
			v.Feed = reya.NewFeed(cfg.WsURL, opts.Symbols, opts.Logger)
			c.SetFeed(v.Feed)
		}
		live = c
	default:
		return nil, fmt.Errorf("platform: unknown venue %q", cfg.Name)
	}

	if opts.Simulate {
		v.Exchange = simulated.New(name, live)
	} else {
		v.Exchange = live
	}
	opts.Logger.Info("venue ready",
		slog.String("venue", cfg.Name),
		slog.Bool("simulated", opts.Simulate),
		slog.Bool("signer", signer != nil),
		slog.Bool("feed", v.Feed != nil),
	)
	return v, nil
}
