package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/fundingarb/internal/domain"
)

// HistoryHandler serves stored funding quotes and the audit log. Either store
// may be nil, in which case its route answers 501.
type HistoryHandler struct {
	funding domain.FundingHistoryStore
	audit   domain.AuditStore
	logger  *slog.Logger
}

// NewHistoryHandler creates a HistoryHandler.
func NewHistoryHandler(funding domain.FundingHistoryStore, audit domain.AuditStore, logger *slog.Logger) *HistoryHandler {
	return &HistoryHandler{funding: funding, audit: audit, logger: logHandler(logger, "history")}
}

// FundingHistory returns the stored quotes of one pair, newest first.
// GET /api/spreads/{pair}/history?since=2024-01-01T00:00:00Z&limit=100
func (h *HistoryHandler) FundingHistory(w http.ResponseWriter, r *http.Request) {
	if h.funding == nil {
		writeError(w, http.StatusNotImplemented, "no funding history store configured")
		return
	}
	pair := r.PathValue("pair")
	quotes, err := h.funding.ListByPair(r.Context(), pair, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list funding history failed",
			slog.String("pair", pair),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list funding history")
		return
	}
	if quotes == nil {
		quotes = []domain.FundingQuote{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"pair": pair, "quotes": quotes})
}

// AuditLog returns audit entries newest first.
// GET /api/audit?limit=50
func (h *HistoryHandler) AuditLog(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeError(w, http.StatusNotImplemented, "no audit store configured")
		return
	}
	entries, err := h.audit.List(r.Context(), parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list audit log failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list audit log")
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
