// Package metrics exposes Prometheus collectors for the bot. Trading metrics
// are fed from the signal bus, so the components that publish events need no
// knowledge of Prometheus.
package metrics

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/fundingarb/internal/domain"
)

const namespace = "fundingarb"

// Collector owns a private registry with the bot's collectors.
type Collector struct {
	registry *prometheus.Registry
	logger   *slog.Logger

	rate          *prometheus.GaugeVec
	spread        *prometheus.GaugeVec
	opportunities *prometheus.CounterVec
	hedges        *prometheus.CounterVec
	exposure      prometheus.Gauge
	pairExposure  *prometheus.GaugeVec
	emergency     prometheus.Gauge

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewCollector creates and registers every collector.
func NewCollector(logger *slog.Logger) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		logger:   logger.With(slog.String("component", "metrics")),

		rate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "monitor", Name: "funding_rate",
			Help: "Latest accepted funding rate per pair and leg.",
		}, []string{"pair", "leg"}),
		spread: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "monitor", Name: "spread",
			Help: "Latest rate(A) - rate(B) per pair.",
		}, []string{"pair"}),
		opportunities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "detector", Name: "opportunities_total",
			Help: "Opportunities emitted by the detector.",
		}, []string{"pair", "direction"}),
		hedges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "executor", Name: "hedge_transitions_total",
			Help: "Hedge status transitions.",
		}, []string{"pair", "status"}),
		exposure: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "risk", Name: "total_notional",
			Help: "Aggregate notional exposure in USD.",
		}),
		pairExposure: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "risk", Name: "pair_notional",
			Help: "Notional exposure per pair in USD.",
		}, []string{"pair"}),
		emergency: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "risk", Name: "emergency_stop",
			Help: "1 while the emergency stop is engaged.",
		}),

		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests handled.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		}, []string{"method", "route"}),
	}

	c.registry.MustRegister(
		c.rate, c.spread, c.opportunities, c.hedges,
		c.exposure, c.pairExposure, c.emergency,
		c.httpRequests, c.httpDuration,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Run updates the trading metrics from bus events until ctx is cancelled.
func (c *Collector) Run(ctx context.Context, bus domain.SignalBus) error {
	type sub struct {
		channel string
		msgs    <-chan []byte
	}
	var subs []sub
	for _, ch := range []string{domain.ChannelSpread, domain.ChannelOpportunity, domain.ChannelHedge, domain.ChannelRisk} {
		msgs, err := bus.Subscribe(ctx, ch)
		if err != nil {
			return err
		}
		subs = append(subs, sub{ch, msgs})
	}

	done := make(chan struct{}, len(subs))
	for _, s := range subs {
		go func() {
			defer func() { done <- struct{}{} }()
			for msg := range s.msgs {
				c.Observe(s.channel, msg)
			}
		}()
	}
	for range subs {
		<-done
	}
	return ctx.Err()
}

type event struct {
	Pair      string  `json:"pair"`
	RateA     float64 `json:"rate_a"`
	RateB     float64 `json:"rate_b"`
	Spread    float64 `json:"spread"`
	Direction string  `json:"direction"`
	Status    string  `json:"status"`
}

// Observe applies one bus payload published on channel.
func (c *Collector) Observe(channel string, payload []byte) {
	if channel == domain.ChannelRisk {
		var st domain.RiskState
		if err := json.Unmarshal(payload, &st); err != nil {
			c.logger.Debug("bad risk payload", slog.String("error", err.Error()))
			return
		}
		c.exposure.Set(st.TotalNotional)
		c.pairExposure.Reset()
		for pair, n := range st.PerPair {
			c.pairExposure.WithLabelValues(pair).Set(n)
		}
		if st.EmergencyStop {
			c.emergency.Set(1)
		} else {
			c.emergency.Set(0)
		}
		return
	}

	var e event
	if err := json.Unmarshal(payload, &e); err != nil {
		c.logger.Debug("bad event payload",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return
	}
	switch channel {
	case domain.ChannelSpread:
		c.rate.WithLabelValues(e.Pair, string(domain.LegA)).Set(e.RateA)
		c.rate.WithLabelValues(e.Pair, string(domain.LegB)).Set(e.RateB)
		c.spread.WithLabelValues(e.Pair).Set(e.Spread)
	case domain.ChannelOpportunity:
		c.opportunities.WithLabelValues(e.Pair, e.Direction).Inc()
	case domain.ChannelHedge:
		c.hedges.WithLabelValues(e.Pair, e.Status).Inc()
	}
}

// Instrument records request counts and latency. It must wrap the ServeMux
// directly so the matched route pattern is known when the handler returns.
func (c *Collector) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		c.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		c.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
