package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/fundingarb/internal/domain"
)

// RiskController exposes aggregate exposure and the emergency stop.
type RiskController interface {
	State() domain.RiskState
	EngageEmergencyStop(ctx context.Context, reason string)
}

// RiskHandler serves risk state and the emergency stop.
type RiskHandler struct {
	risk   RiskController
	logger *slog.Logger
}

// NewRiskHandler creates a RiskHandler.
func NewRiskHandler(risk RiskController, logger *slog.Logger) *RiskHandler {
	return &RiskHandler{risk: risk, logger: logHandler(logger, "risk")}
}

// GetRisk returns the current exposure snapshot.
// GET /api/risk
func (h *RiskHandler) GetRisk(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.risk.State())
}

type emergencyStopRequest struct {
	Reason string `json:"reason"`
}

// EmergencyStop halts new authorizations and closes every balanced hedge.
// The body is optional.
// POST /api/emergency-stop
func (h *RiskHandler) EmergencyStop(w http.ResponseWriter, r *http.Request) {
	var req emergencyStopRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "api request"
	}

	h.logger.WarnContext(r.Context(), "emergency stop requested",
		slog.String("reason", reason),
		slog.String("remote_addr", r.RemoteAddr),
	)
	// Closing hedges outlives the request.
	h.risk.EngageEmergencyStop(context.WithoutCancel(r.Context()), reason)
	writeJSON(w, http.StatusAccepted, h.risk.State())
}
