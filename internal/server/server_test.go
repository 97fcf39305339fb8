package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/fundingarb/internal/domain"
	"github.com/alanyoungcy/fundingarb/internal/metrics"
	"github.com/alanyoungcy/fundingarb/internal/server/handler"
)

type staticRisk struct{}

func (staticRisk) State() domain.RiskState                     { return domain.RiskState{} }
func (staticRisk) EngageEmergencyStop(context.Context, string) {}

type countingLimiter struct{ n, limit int }

func (c *countingLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	c.n++
	return c.n <= c.limit, nil
}

func (c *countingLimiter) Wait(context.Context, string, int, time.Duration) error { return nil }

func TestRoutes(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(Config{Port: 0, APIKey: "k"}, Handlers{
		Health:  handler.NewHealthHandler(nil, logger),
		Status:  handler.NewStatusHandler("monitor", true, time.Now(), nil),
		Risk:    handler.NewRiskHandler(staticRisk{}, logger),
		History: handler.NewHistoryHandler(nil, nil, logger),
	}, nil, logger)
	h := srv.Handler()

	get := func(path, key string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if key != "" {
			req.Header.Set("X-API-Key", key)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, get("/api/health", ""), "health needs no key")
	assert.Equal(t, http.StatusUnauthorized, get("/api/risk", ""))
	assert.Equal(t, http.StatusOK, get("/api/risk", "k"))
	assert.Equal(t, http.StatusOK, get("/api/status", "k"))
	assert.Equal(t, http.StatusNotFound, get("/api/hedges", "k"), "not wired in this mode")
	assert.Equal(t, http.StatusNotImplemented, get("/api/audit", "k"))
	assert.Equal(t, http.StatusNotImplemented, get("/api/spreads/ETH/history", "k"))
}

func TestRoutesRateLimited(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	lim := &countingLimiter{limit: 2}
	srv := NewServer(Config{RateLimit: 2, Limiter: lim}, Handlers{
		Health: handler.NewHealthHandler(nil, logger),
	}, nil, logger)

	var codes []int
	for range 3 {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{200, 200, 429}, codes)
}

func TestRoutesMetrics(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(Config{APIKey: "k", Metrics: metrics.NewCollector(logger)}, Handlers{
		Health: handler.NewHealthHandler(nil, logger),
	}, nil, logger)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	srv.Handler().ServeHTTP(httptest.NewRecorder(), req)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "metrics need the key")

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Authorization", "Bearer k")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `route="GET /api/health"`)
}
