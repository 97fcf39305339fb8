// Package server is the status HTTP API and WebSocket event stream.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/fundingarb/internal/domain"
	"github.com/alanyoungcy/fundingarb/internal/metrics"
	"github.com/alanyoungcy/fundingarb/internal/server/handler"
	"github.com/alanyoungcy/fundingarb/internal/server/middleware"
	"github.com/alanyoungcy/fundingarb/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	// RateLimit is requests per minute per client IP. It needs Limiter.
	RateLimit int
	Limiter   domain.RateLimiter
	// Metrics, when set, serves GET /metrics and records request metrics.
	Metrics *metrics.Collector
}

// Handlers aggregates the HTTP handlers. Every field is optional: Hedges
// exists only once the executor is wired, History only with Postgres.
type Handlers struct {
	Health        *handler.HealthHandler
	Status        *handler.StatusHandler
	Spreads       *handler.SpreadHandler
	Opportunities *handler.OpportunityHandler
	Hedges        *handler.HedgeHandler
	Risk          *handler.RiskHandler
	History       *handler.HistoryHandler
}

// Server is the headless HTTP + WebSocket API.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers routes and builds the middleware chain.
func NewServer(cfg Config, handlers Handlers, hub *ws.Hub, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      routes(cfg, handlers, hub, logger),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

func routes(cfg Config, handlers Handlers, hub *ws.Hub, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	if handlers.Health != nil {
		mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	}
	if handlers.Status != nil {
		mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)
	}
	if handlers.Spreads != nil {
		mux.HandleFunc("GET /api/spreads", handlers.Spreads.ListSpreads)
		mux.HandleFunc("GET /api/spreads/{pair}", handlers.Spreads.GetSpread)
		mux.HandleFunc("GET /api/monitor", handlers.Spreads.MonitorStatus)
	}
	if handlers.Opportunities != nil {
		mux.HandleFunc("GET /api/opportunities", handlers.Opportunities.ListRecent)
	}
	if handlers.Hedges != nil {
		mux.HandleFunc("GET /api/hedges", handlers.Hedges.ListHedges)
		mux.HandleFunc("GET /api/hedges/{id}", handlers.Hedges.GetHedge)
		mux.HandleFunc("POST /api/hedges/{id}/close", handlers.Hedges.CloseHedge)
	}
	if handlers.Risk != nil {
		mux.HandleFunc("GET /api/risk", handlers.Risk.GetRisk)
		mux.HandleFunc("POST /api/emergency-stop", handlers.Risk.EmergencyStop)
	}
	if handlers.History != nil {
		mux.HandleFunc("GET /api/spreads/{pair}/history", handlers.History.FundingHistory)
		mux.HandleFunc("GET /api/audit", handlers.History.AuditLog)
	}
	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics.Handler())
	}

	var h http.Handler = mux
	if cfg.Metrics != nil {
		h = cfg.Metrics.Instrument(h)
	}
	if cfg.RateLimit > 0 && cfg.Limiter != nil {
		h = middleware.RateLimit(cfg.Limiter, cfg.RateLimit, time.Minute, logger)(h)
	}
	h = middleware.Auth(cfg.APIKey, "/api/health")(h)
	h = middleware.Logging(logger, "/api/health", "/metrics")(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start listens until the server fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("listening", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Run starts the server and shuts it down when ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	}
}

// Shutdown waits for in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
