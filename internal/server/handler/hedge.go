package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"

	"github.com/alanyoungcy/fundingarb/internal/domain"
)

// HedgeReader is the read side of the in-memory hedge ledger.
type HedgeReader interface {
	List() []domain.HedgePosition
	Get(id string) (domain.HedgePosition, bool)
}

// HedgeCloser closes a balanced hedge on operator request.
type HedgeCloser interface {
	Close(ctx context.Context, id string, reason domain.CloseReason) (domain.HedgePosition, error)
}

// HedgeArchive reads hedges from durable storage, including earlier runs.
type HedgeArchive interface {
	ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.HedgePosition, error)
	Get(ctx context.Context, id string) (domain.HedgePosition, error)
}

// HedgeHandler serves the hedge ledger.
type HedgeHandler struct {
	ledger  HedgeReader
	closer  HedgeCloser  // optional; when nil, CloseHedge returns 501
	archive HedgeArchive // optional
	logger  *slog.Logger
}

// NewHedgeHandler creates a HedgeHandler.
func NewHedgeHandler(ledger HedgeReader, logger *slog.Logger) *HedgeHandler {
	return &HedgeHandler{ledger: ledger, logger: logHandler(logger, "hedges")}
}

// WithArchive enables ?source=store listings and lookups of hedges that are
// no longer in memory.
func (h *HedgeHandler) WithArchive(a HedgeArchive) *HedgeHandler {
	h.archive = a
	return h
}

// WithCloser enables POST /api/hedges/{id}/close.
func (h *HedgeHandler) WithCloser(c HedgeCloser) *HedgeHandler {
	h.closer = c
	return h
}

type listHedgesResponse struct {
	Hedges []domain.HedgePosition `json:"hedges"`
	Total  int                    `json:"total"`
}

// ListHedges returns hedges newest first. ?status=open keeps non-terminal
// hedges; any other value matches the status exactly. ?source=store reads
// the stored history instead of this run's ledger.
// GET /api/hedges?status=balanced&limit=50&offset=0
func (h *HedgeHandler) ListHedges(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("source") == "store" {
		h.listStored(w, r)
		return
	}
	all := h.ledger.List()
	slices.Reverse(all)

	if status := r.URL.Query().Get("status"); status != "" {
		all = slices.DeleteFunc(all, func(p domain.HedgePosition) bool {
			if status == "open" {
				return p.Status.Terminal()
			}
			return string(p.Status) != status
		})
	}

	writeJSON(w, http.StatusOK, listHedgesResponse{
		Hedges: page(all, parseListOpts(r)),
		Total:  len(all),
	})
}

// GetHedge returns one hedge.
// GET /api/hedges/{id}
func (h *HedgeHandler) GetHedge(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if hedge, ok := h.ledger.Get(id); ok {
		writeJSON(w, http.StatusOK, hedge)
		return
	}
	if h.archive == nil {
		writeError(w, http.StatusNotFound, "hedge not found")
		return
	}
	hedge, err := h.archive.Get(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, hedge)
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "hedge not found")
	default:
		h.logger.ErrorContext(r.Context(), "load hedge failed",
			slog.String("hedge_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load hedge")
	}
}

func (h *HedgeHandler) listStored(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		writeError(w, http.StatusNotImplemented, "no hedge store configured")
		return
	}
	opts := parseListOpts(r)
	hedges, err := h.archive.ListRecent(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list stored hedges failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list hedges")
		return
	}
	if hedges == nil {
		hedges = []domain.HedgePosition{}
	}
	writeJSON(w, http.StatusOK, listHedgesResponse{Hedges: hedges, Total: len(hedges)})
}

// CloseHedge flattens both legs of a balanced hedge.
// POST /api/hedges/{id}/close
func (h *HedgeHandler) CloseHedge(w http.ResponseWriter, r *http.Request) {
	if h.closer == nil {
		writeError(w, http.StatusNotImplemented, "closing hedges requires trade mode")
		return
	}
	id := r.PathValue("id")
	hedge, err := h.closer.Close(r.Context(), id, domain.CloseManual)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, hedge)
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "hedge not found")
	case errors.Is(err, domain.ErrNotAvailable), errors.Is(err, domain.ErrLockHeld):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.ErrorContext(r.Context(), "close hedge failed",
			slog.String("hedge_id", id),
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "hedge": hedge})
	}
}
