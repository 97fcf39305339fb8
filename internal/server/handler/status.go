package handler

import (
	"net/http"
	"time"
)

// StatusHandler serves the process mode and uptime.
type StatusHandler struct {
	Mode       string
	Simulation bool
	StartedAt  time.Time
	// Stopped reports whether the emergency stop is engaged. Optional.
	Stopped func() bool
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(mode string, simulation bool, startedAt time.Time, stopped func() bool) *StatusHandler {
	return &StatusHandler{Mode: mode, Simulation: simulation, StartedAt: startedAt, Stopped: stopped}
}

// GetStatus responds with the current mode, simulation flag and uptime.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	stopped := false
	if h.Stopped != nil {
		stopped = h.Stopped()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":           h.Mode,
		"simulation":     h.Simulation,
		"started_at":     h.StartedAt.UTC(),
		"uptime_seconds": int64(time.Since(h.StartedAt).Seconds()),
		"emergency_stop": stopped,
	})
}
