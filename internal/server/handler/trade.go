package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/Shmuel18/Arbitrage/internal/domain"
	"github.com/Shmuel18/Arbitrage/internal/engine"
)

// TradeHandler serves trade history and live trade snapshots.
type TradeHandler struct {
	trades    domain.TradeStore
	incidents domain.IncidentStore
	registry  *engine.Registry
	logger    *slog.Logger
}

// NewTradeHandler creates a TradeHandler.
func NewTradeHandler(trades domain.TradeStore, incidents domain.IncidentStore, registry *engine.Registry, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{
		trades:    trades,
		incidents: incidents,
		registry:  registry,
		logger:    logHandler(logger, "trades"),
	}
}

// ListTrades returns recent trades, newest first.
// GET /api/trades?limit=&offset=
func (h *TradeHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := h.trades.ListRecent(r.Context(), parseListOpts(r))
	if err != nil {
		h.logger.Error("list trades failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list trades")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": trades, "count": len(trades)})
}

// ListActive returns the in-memory snapshots of non-terminal trades. These
// come from the registry, not the database, so they reflect the engine's
// current beliefs including unsaved fills.
// GET /api/trades/active
func (h *TradeHandler) ListActive(w http.ResponseWriter, r *http.Request) {
	machines := h.registry.Active()
	trades := make([]domain.Trade, 0, len(machines))
	for _, m := range machines {
		trades = append(trades, m.Snapshot())
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": trades, "count": len(trades)})
}

// GetTrade returns one trade with its incidents. Live trades are served from
// the registry, finished ones from the store.
// GET /api/trades/{id}
func (h *TradeHandler) GetTrade(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(pathParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid trade id")
		return
	}

	var trade domain.Trade
	if m, ok := h.registry.Get(id); ok {
		trade = m.Snapshot()
	} else {
		trade, err = h.trades.GetByID(r.Context(), id)
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "trade not found")
			return
		}
		if err != nil {
			h.logger.Error("get trade failed", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "failed to load trade")
			return
		}
	}

	incidents, err := h.incidents.ListByTrade(r.Context(), id)
	if err != nil {
		h.logger.Warn("trade incidents load failed", slog.String("error", err.Error()))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"trade":     trade,
		"incidents": incidents,
	})
}
