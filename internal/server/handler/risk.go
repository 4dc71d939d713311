package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/Shmuel18/Arbitrage/internal/domain"
	"github.com/Shmuel18/Arbitrage/internal/engine"
)

// RiskHandler serves the guard's latest risk snapshot and cached venue
// exposure.
type RiskHandler struct {
	guard     *engine.Guard
	snapshots domain.SnapshotStore
	venues    engine.VenueSource
	logger    *slog.Logger
}

// NewRiskHandler creates a RiskHandler. snapshots may be nil when Redis is
// not configured; the positions endpoint then reports empty exposure.
func NewRiskHandler(guard *engine.Guard, snapshots domain.SnapshotStore, venues engine.VenueSource, logger *slog.Logger) *RiskHandler {
	return &RiskHandler{
		guard:     guard,
		snapshots: snapshots,
		venues:    venues,
		logger:    logHandler(logger, "risk"),
	}
}

// GetRisk returns the most recent risk snapshot.
// GET /api/risk
func (h *RiskHandler) GetRisk(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.guard.Last())
}

// ListPositions returns the last known positions and balance per venue from
// the snapshot cache. Stale or missing venues report null.
// GET /api/positions
func (h *RiskHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]any)
	for _, venue := range h.venues.Venues() {
		entry := map[string]any{"positions": nil, "balance": nil}
		if h.snapshots != nil {
			positions, err := h.snapshots.GetPositions(r.Context(), venue)
			if err != nil && !errors.Is(err, domain.ErrNotFound) {
				h.logger.Warn("positions snapshot read failed",
					slog.String("venue", venue),
					slog.String("error", err.Error()),
				)
			}
			if err == nil {
				entry["positions"] = positions
			}
			balance, err := h.snapshots.GetBalance(r.Context(), venue)
			if err == nil {
				entry["balance"] = balance
			}
		}
		out[venue] = entry
	}
	writeJSON(w, http.StatusOK, out)
}
