package handler

import (
	"log/slog"
	"net/http"

	"github.com/Shmuel18/Arbitrage/internal/domain"
)

// IncidentHandler serves the incident feed.
type IncidentHandler struct {
	incidents domain.IncidentStore
	logger    *slog.Logger
}

// NewIncidentHandler creates an IncidentHandler.
func NewIncidentHandler(incidents domain.IncidentStore, logger *slog.Logger) *IncidentHandler {
	return &IncidentHandler{
		incidents: incidents,
		logger:    logHandler(logger, "incidents"),
	}
}

// ListIncidents returns recent incidents, newest first.
// GET /api/incidents?limit=&offset=
func (h *IncidentHandler) ListIncidents(w http.ResponseWriter, r *http.Request) {
	incidents, err := h.incidents.ListRecent(r.Context(), parseListOpts(r))
	if err != nil {
		h.logger.Error("list incidents failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list incidents")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"incidents": incidents, "count": len(incidents)})
}
