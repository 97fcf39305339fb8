package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/fundingarb/internal/arbitrage"
	"github.com/alanyoungcy/fundingarb/internal/domain"
	"github.com/alanyoungcy/fundingarb/internal/monitor"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func do(t *testing.T, fn http.HandlerFunc, method, target, body string, pathValues ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	for i := 0; i+1 < len(pathValues); i += 2 {
		req.SetPathValue(pathValues[i], pathValues[i+1])
	}
	rec := httptest.NewRecorder()
	fn(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestHealthCheck(t *testing.T) {
	h := NewHealthHandler(map[string]Pinger{"redis": pinger{}}, quiet)
	rec := do(t, h.HealthCheck, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "ok", body["status"])

	h = NewHealthHandler(map[string]Pinger{"redis": pinger{}, "postgres": pinger{errors.New("refused")}}, quiet)
	rec = do(t, h.HealthCheck, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body = decode[map[string]any](t, rec)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, map[string]any{"redis": "ok", "postgres": "refused"}, body["dependencies"])
}

func TestGetStatus(t *testing.T) {
	h := NewStatusHandler("trade", true, time.Now().Add(-time.Minute), func() bool { return true })
	rec := do(t, h.GetStatus, http.MethodGet, "/api/status", "")
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "trade", body["mode"])
	assert.Equal(t, true, body["simulation"])
	assert.Equal(t, true, body["emergency_stop"])
	assert.GreaterOrEqual(t, body["uptime_seconds"], 59.0)
}

type fakeMonitor struct {
	snaps  map[string]domain.SpreadSnapshot
	latest error
}

func (f *fakeMonitor) Latest(pair string) (domain.SpreadSnapshot, error) {
	if f.latest != nil {
		return domain.SpreadSnapshot{}, f.latest
	}
	s, ok := f.snaps[pair]
	if !ok {
		return s, fmt.Errorf("monitor: latest %q: %w", pair, domain.ErrNotAvailable)
	}
	return s, nil
}

func (f *fakeMonitor) Snapshots() []domain.SpreadSnapshot {
	out := make([]domain.SpreadSnapshot, 0, len(f.snaps))
	for _, s := range f.snaps {
		out = append(out, s)
	}
	return out
}

func (f *fakeMonitor) Quotes() []domain.FundingQuote {
	return []domain.FundingQuote{{Venue: "reya", Pair: "ETH", Rate: 0.0003}}
}

func (f *fakeMonitor) Status() monitor.Status {
	return monitor.Status{Running: true, Pairs: len(f.snaps)}
}

func TestSpreads(t *testing.T) {
	m := &fakeMonitor{snaps: map[string]domain.SpreadSnapshot{"ETH": {Pair: "ETH", RateA: 0.0003, RateB: 0.0001, Spread: 0.0002}}}
	h := NewSpreadHandler(m, quiet)

	rec := do(t, h.ListSpreads, http.MethodGet, "/api/spreads", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	list := decode[listSpreadsResponse](t, rec)
	require.Len(t, list.Spreads, 1)
	assert.Equal(t, 0.0002, list.Spreads[0].Spread)
	assert.Len(t, list.Quotes, 1)

	rec = do(t, h.GetSpread, http.MethodGet, "/api/spreads/ETH", "", "pair", "ETH")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h.GetSpread, http.MethodGet, "/api/spreads/BTC", "", "pair", "BTC")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	m.latest = &domain.StaleDataError{Pair: "ETH", Venue: "reya", Staleness: time.Hour, Ceiling: time.Minute}
	rec = do(t, h.GetSpread, http.MethodGet, "/api/spreads/ETH", "", "pair", "ETH")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h.MonitorStatus, http.MethodGet, "/api/monitor", "")
	st := decode[monitor.Status](t, rec)
	assert.True(t, st.Running)
}

type fakeDetector struct{ opps []domain.Opportunity }

func (f fakeDetector) Recent() []domain.Opportunity { return f.opps }
func (f fakeDetector) Stats() arbitrage.Stats       { return arbitrage.Stats{Detected: int64(len(f.opps))} }

func TestOpportunities(t *testing.T) {
	h := NewOpportunityHandler(fakeDetector{opps: []domain.Opportunity{{ID: "o1"}, {ID: "o2"}, {ID: "o3"}}})
	rec := do(t, h.ListRecent, http.MethodGet, "/api/opportunities?limit=2&offset=1", "")
	body := decode[listOpportunitiesResponse](t, rec)
	require.Len(t, body.Opportunities, 2)
	assert.Equal(t, "o2", body.Opportunities[0].ID)
	assert.Equal(t, int64(3), body.Stats.Detected)

	rec = do(t, h.ListRecent, http.MethodGet, "/api/opportunities?offset=10", "")
	assert.JSONEq(t, `[]`, string(decode[map[string]json.RawMessage](t, rec)["opportunities"]))
}

type fakeLedger struct{ hedges []domain.HedgePosition }

func (f fakeLedger) List() []domain.HedgePosition {
	return append([]domain.HedgePosition(nil), f.hedges...)
}

func (f fakeLedger) Get(id string) (domain.HedgePosition, bool) {
	for _, h := range f.hedges {
		if h.ID == id {
			return h, true
		}
	}
	return domain.HedgePosition{}, false
}

type fakeCloser struct{ err error }

func (f fakeCloser) Close(_ context.Context, id string, reason domain.CloseReason) (domain.HedgePosition, error) {
	return domain.HedgePosition{ID: id, Status: domain.HedgeClosed, CloseReason: reason}, f.err
}

func TestHedges(t *testing.T) {
	ledger := fakeLedger{hedges: []domain.HedgePosition{
		{ID: "h1", Status: domain.HedgeClosed},
		{ID: "h2", Status: domain.HedgeBalanced},
		{ID: "h3", Status: domain.HedgeFailed, ManualIntervention: true},
	}}
	h := NewHedgeHandler(ledger, quiet)

	rec := do(t, h.ListHedges, http.MethodGet, "/api/hedges", "")
	body := decode[listHedgesResponse](t, rec)
	require.Len(t, body.Hedges, 3)
	assert.Equal(t, "h3", body.Hedges[0].ID, "newest first")

	rec = do(t, h.ListHedges, http.MethodGet, "/api/hedges?status=open", "")
	body = decode[listHedgesResponse](t, rec)
	require.Len(t, body.Hedges, 1)
	assert.Equal(t, "h2", body.Hedges[0].ID)

	rec = do(t, h.ListHedges, http.MethodGet, "/api/hedges?status=failed", "")
	body = decode[listHedgesResponse](t, rec)
	assert.Equal(t, 1, body.Total)

	rec = do(t, h.GetHedge, http.MethodGet, "/api/hedges/h2", "", "id", "h2")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h.GetHedge, http.MethodGet, "/api/hedges/nope", "", "id", "nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCloseHedge(t *testing.T) {
	h := NewHedgeHandler(fakeLedger{}, quiet)
	rec := do(t, h.CloseHedge, http.MethodPost, "/api/hedges/h2/close", "", "id", "h2")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"closed", nil, http.StatusOK},
		{"unknown", fmt.Errorf("executor: close: %w", domain.ErrNotFound), http.StatusNotFound},
		{"not balanced", fmt.Errorf("executor: close: %w", domain.ErrNotAvailable), http.StatusConflict},
		{"venue error", errors.New("boom"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHedgeHandler(fakeLedger{}, quiet).WithCloser(fakeCloser{err: tt.err})
			rec := do(t, h.CloseHedge, http.MethodPost, "/api/hedges/h2/close", "", "id", "h2")
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

type fakeRisk struct {
	stopped bool
	reason  string
}

func (f *fakeRisk) State() domain.RiskState {
	return domain.RiskState{TotalNotional: 500, PerPair: map[string]float64{"ETH": 500}, EmergencyStop: f.stopped}
}

func (f *fakeRisk) EngageEmergencyStop(_ context.Context, reason string) {
	f.stopped, f.reason = true, reason
}

func TestRisk(t *testing.T) {
	risk := &fakeRisk{}
	h := NewRiskHandler(risk, quiet)

	rec := do(t, h.GetRisk, http.MethodGet, "/api/risk", "")
	st := decode[domain.RiskState](t, rec)
	assert.Equal(t, 500.0, st.TotalNotional)
	assert.False(t, st.EmergencyStop)

	rec = do(t, h.EmergencyStop, http.MethodPost, "/api/emergency-stop", `{"reason":"venue outage"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, decode[domain.RiskState](t, rec).EmergencyStop)
	assert.Equal(t, "venue outage", risk.reason)

	risk = &fakeRisk{}
	h = NewRiskHandler(risk, quiet)
	rec = do(t, h.EmergencyStop, http.MethodPost, "/api/emergency-stop", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "api request", risk.reason)

	rec = do(t, h.EmergencyStop, http.MethodPost, "/api/emergency-stop", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestParseListOpts(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?limit=9999&offset=-3", nil)
	opts := parseListOpts(req)
	assert.Equal(t, 500, opts.Limit)
	assert.Equal(t, 0, opts.Offset)

	assert.Equal(t, []int{2, 3}, page([]int{1, 2, 3, 4}, domain.ListOpts{Limit: 2, Offset: 1}))
	assert.Empty(t, page([]int{1}, domain.ListOpts{Offset: 5}))
}

type fakeArchive struct {
	hedges []domain.HedgePosition
	opts   domain.ListOpts
	err    error
}

func (f *fakeArchive) ListRecent(_ context.Context, opts domain.ListOpts) ([]domain.HedgePosition, error) {
	f.opts = opts
	return f.hedges, f.err
}

func (f *fakeArchive) Get(_ context.Context, id string) (domain.HedgePosition, error) {
	if f.err != nil {
		return domain.HedgePosition{}, f.err
	}
	for _, h := range f.hedges {
		if h.ID == id {
			return h, nil
		}
	}
	return domain.HedgePosition{}, fmt.Errorf("ledger_service: get %q: %w", id, domain.ErrNotFound)
}

func TestHedgesFromStore(t *testing.T) {
	h := NewHedgeHandler(fakeLedger{}, quiet)
	rec := do(t, h.ListHedges, http.MethodGet, "/api/hedges?source=store", "")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)

	archive := &fakeArchive{hedges: []domain.HedgePosition{{ID: "old", Status: domain.HedgeClosed}}}
	h = NewHedgeHandler(fakeLedger{}, quiet).WithArchive(archive)

	rec = do(t, h.ListHedges, http.MethodGet, "/api/hedges?source=store&limit=5&since=2024-01-02T00:00:00Z", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[listHedgesResponse](t, rec)
	require.Len(t, body.Hedges, 1)
	assert.Equal(t, 5, archive.opts.Limit)
	require.NotNil(t, archive.opts.Since)
	assert.Equal(t, 2, archive.opts.Since.Day())

	rec = do(t, h.GetHedge, http.MethodGet, "/api/hedges/old", "", "id", "old")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h.GetHedge, http.MethodGet, "/api/hedges/nope", "", "id", "nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	archive.err = errors.New("db down")
	rec = do(t, h.GetHedge, http.MethodGet, "/api/hedges/old", "", "id", "old")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

type fakeFunding struct {
	pair string
	opts domain.ListOpts
}

func (f *fakeFunding) Insert(context.Context, domain.FundingQuote) error { return nil }

func (f *fakeFunding) ListByPair(_ context.Context, pair string, opts domain.ListOpts) ([]domain.FundingQuote, error) {
	f.pair, f.opts = pair, opts
	return []domain.FundingQuote{{Venue: "reya", Pair: pair, Rate: 0.0004}}, nil
}

type fakeAudit struct {
	entries []domain.AuditEntry
	err     error
}

func (f fakeAudit) Log(context.Context, string, map[string]any) error { return nil }

func (f fakeAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return f.entries, f.err
}

func TestHistory(t *testing.T) {
	h := NewHistoryHandler(nil, nil, quiet)
	rec := do(t, h.FundingHistory, http.MethodGet, "/api/spreads/ETH/history", "", "pair", "ETH")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
	rec = do(t, h.AuditLog, http.MethodGet, "/api/audit", "")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)

	funding := &fakeFunding{}
	h = NewHistoryHandler(funding, fakeAudit{}, quiet)
	rec = do(t, h.FundingHistory, http.MethodGet, "/api/spreads/ETH/history?limit=10&until=bad", "", "pair", "ETH")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "ETH", body["pair"])
	assert.Len(t, body["quotes"], 1)
	assert.Equal(t, "ETH", funding.pair)
	assert.Equal(t, 10, funding.opts.Limit)
	assert.Nil(t, funding.opts.Until, "unparseable time is ignored")

	rec = do(t, h.AuditLog, http.MethodGet, "/api/audit", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"entries":[]}`, rec.Body.String())

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h = NewHistoryHandler(nil, fakeAudit{entries: []domain.AuditEntry{
		{ID: 7, Event: "emergency_stop", Detail: map[string]any{"reason": "manual"}, CreatedAt: at},
	}}, quiet)
	rec = do(t, h.AuditLog, http.MethodGet, "/api/audit", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"entries":[{"ID":7,"Event":"emergency_stop","Detail":{"reason":"manual"},"CreatedAt":"2026-03-01T12:00:00Z"}]}`, rec.Body.String())

	h = NewHistoryHandler(nil, fakeAudit{err: errors.New("db down")}, quiet)
	rec = do(t, h.AuditLog, http.MethodGet, "/api/audit", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
