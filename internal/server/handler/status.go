package handler

import (
	"net/http"
	"time"

	"github.com/Shmuel18/Arbitrage/internal/engine"
	"github.com/Shmuel18/Arbitrage/internal/health"
)

// StatusHandler serves the engine's aggregate state for dashboards.
type StatusHandler struct {
	mode      string
	startedAt time.Time
	ctrl      *engine.Controller
	registry  *engine.Registry
	monitor   *health.Monitor
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(mode string, startedAt time.Time, ctrl *engine.Controller, registry *engine.Registry, monitor *health.Monitor) *StatusHandler {
	return &StatusHandler{
		mode:      mode,
		startedAt: startedAt,
		ctrl:      ctrl,
		registry:  registry,
		monitor:   monitor,
	}
}

// GetStatus responds with mode, uptime, trading gates, and stream health.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":           h.mode,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"paused":         h.ctrl.Paused(),
		"halted":         h.ctrl.Halted(),
		"active_trades":  h.registry.CountActive(),
		"streams":        h.monitor.Snapshot(),
	})
}
