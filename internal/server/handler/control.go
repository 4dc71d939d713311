package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/Shmuel18/Arbitrage/internal/domain"
	"github.com/Shmuel18/Arbitrage/internal/engine"
)

// ControlHandler exposes the operator control plane: pausing entries,
// closing trades, and the emergency stop. Every action lands in the audit
// trail through the controller itself.
type ControlHandler struct {
	ctrl   *engine.Controller
	logger *slog.Logger
}

// NewControlHandler creates a ControlHandler.
func NewControlHandler(ctrl *engine.Controller, logger *slog.Logger) *ControlHandler {
	return &ControlHandler{ctrl: ctrl, logger: logHandler(logger, "control")}
}

type controlRequest struct {
	Reason string `json:"reason"`
}

func readReason(r *http.Request, fallback string) string {
	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err == nil && req.Reason != "" {
		return req.Reason
	}
	return fallback
}

// Pause stops new trade entries. Active trades keep running to completion.
// POST /api/control/pause
func (h *ControlHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.ctrl.Pause(readReason(r, "operator pause"))
	writeJSON(w, http.StatusOK, map[string]any{"paused": true})
}

// Resume re-enables trade entries. A halted engine stays halted; clearing a
// halt is a separate, deliberate action.
// POST /api/control/resume
func (h *ControlHandler) Resume(w http.ResponseWriter, r *http.Request) {
	if h.ctrl.Halted() {
		writeError(w, http.StatusConflict, "engine is halted; clear the halt first")
		return
	}
	h.ctrl.Resume()
	writeJSON(w, http.StatusOK, map[string]any{"paused": false})
}

// ClearHalt lifts an emergency-stop latch after operator review.
// POST /api/control/clear-halt
func (h *ControlHandler) ClearHalt(w http.ResponseWriter, r *http.Request) {
	h.ctrl.ClearHalt()
	writeJSON(w, http.StatusOK, map[string]any{"halted": false})
}

// CloseTrade requests an orderly close of one trade.
// POST /api/control/close/{id}
func (h *ControlHandler) CloseTrade(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(pathParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid trade id")
		return
	}

	err = h.ctrl.Close(r.Context(), id, readReason(r, "operator close"))
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "trade not found")
	case errors.Is(err, domain.ErrLockHeld):
		writeError(w, http.StatusConflict, "trade is busy, try again")
	case errors.Is(err, domain.ErrTerminalState), errors.Is(err, domain.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "trade cannot be closed from its current state")
	case err != nil:
		h.logger.Error("close failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "close failed")
	default:
		writeJSON(w, http.StatusOK, map[string]any{"closing": id})
	}
}

// EmergencyStop halts entries and force-closes every active trade.
// POST /api/control/emergency-stop
func (h *ControlHandler) EmergencyStop(w http.ResponseWriter, r *http.Request) {
	reason := readReason(r, "operator emergency stop")
	h.logger.Warn("emergency stop requested", slog.String("reason", reason))
	if err := h.ctrl.EmergencyStop(r.Context(), reason); err != nil {
		h.logger.Error("emergency stop incomplete", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "emergency stop incomplete, check incidents")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"halted": true})
}
