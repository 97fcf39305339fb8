package handler

import (
	"net/http"

	"github.com/alanyoungcy/fundingarb/internal/arbitrage"
	"github.com/alanyoungcy/fundingarb/internal/domain"
)

// OpportunityReader is the read side of the detector.
type OpportunityReader interface {
	Recent() []domain.Opportunity
	Stats() arbitrage.Stats
}

// OpportunityHandler serves detected opportunities.
type OpportunityHandler struct {
	detector OpportunityReader
}

// NewOpportunityHandler creates an OpportunityHandler.
func NewOpportunityHandler(d OpportunityReader) *OpportunityHandler {
	return &OpportunityHandler{detector: d}
}

type listOpportunitiesResponse struct {
	Opportunities []domain.Opportunity `json:"opportunities"`
	Stats         arbitrage.Stats      `json:"stats"`
}

// ListRecent returns recent opportunities ranked best first.
// GET /api/opportunities?limit=20
func (h *OpportunityHandler) ListRecent(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, listOpportunitiesResponse{
		Opportunities: page(h.detector.Recent(), parseListOpts(r)),
		Stats:         h.detector.Stats(),
	})
}
