package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/fundingarb/internal/domain"
	"github.com/alanyoungcy/fundingarb/internal/monitor"
)

// SpreadReader is the read side of the funding monitor.
type SpreadReader interface {
	Latest(pair string) (domain.SpreadSnapshot, error)
	Snapshots() []domain.SpreadSnapshot
	Quotes() []domain.FundingQuote
	Status() monitor.Status
}

// SpreadHandler serves funding quotes and spread snapshots.
type SpreadHandler struct {
	monitor SpreadReader
	logger  *slog.Logger
}

// NewSpreadHandler creates a SpreadHandler.
func NewSpreadHandler(m SpreadReader, logger *slog.Logger) *SpreadHandler {
	return &SpreadHandler{monitor: m, logger: logHandler(logger, "spreads")}
}

type listSpreadsResponse struct {
	Spreads []domain.SpreadSnapshot `json:"spreads"`
	Quotes  []domain.FundingQuote   `json:"quotes"`
}

// ListSpreads returns the last valid snapshot per pair and every stored quote.
// GET /api/spreads
func (h *SpreadHandler) ListSpreads(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, listSpreadsResponse{
		Spreads: h.monitor.Snapshots(),
		Quotes:  h.monitor.Quotes(),
	})
}

// GetSpread returns the current snapshot for one pair. Stale data is a 409 so
// callers can tell it apart from a pair that was never quoted.
// GET /api/spreads/{pair}
func (h *SpreadHandler) GetSpread(w http.ResponseWriter, r *http.Request) {
	pair := r.PathValue("pair")
	snap, err := h.monitor.Latest(pair)
	if err != nil {
		var stale *domain.StaleDataError
		switch {
		case errors.As(err, &stale):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, domain.ErrNotAvailable):
			writeError(w, http.StatusNotFound, "no spread for pair "+pair)
		default:
			h.logger.ErrorContext(r.Context(), "latest spread failed",
				slog.String("pair", pair),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to read spread")
		}
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// MonitorStatus returns the monitor's health summary.
// GET /api/monitor
func (h *SpreadHandler) MonitorStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.monitor.Status())
}
