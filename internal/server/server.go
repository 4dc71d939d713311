// Package server exposes the read API, the operator control plane, and the
// live event stream over HTTP.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Shmuel18/Arbitrage/internal/server/handler"
	"github.com/Shmuel18/Arbitrage/internal/server/middleware"
	"github.com/Shmuel18/Arbitrage/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // empty disables authentication
}

// Handlers aggregates the HTTP handlers the server registers. Nil entries
// are skipped so partial wiring (e.g. monitor mode) still serves.
type Handlers struct {
	Health    *handler.HealthHandler
	Status    *handler.StatusHandler
	Trades    *handler.TradeHandler
	Incidents *handler.IncidentHandler
	Risk      *handler.RiskHandler
	Control   *handler.ControlHandler
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers all routes and builds the middleware chain. metrics,
// when non-nil, is served unauthenticated at /metrics for the scraper.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, metrics http.Handler, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	if handlers.Health != nil {
		mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	}
	if handlers.Status != nil {
		mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)
	}
	if handlers.Trades != nil {
		mux.HandleFunc("GET /api/trades", handlers.Trades.ListTrades)
		mux.HandleFunc("GET /api/trades/active", handlers.Trades.ListActive)
		mux.HandleFunc("GET /api/trades/{id}", handlers.Trades.GetTrade)
	}
	if handlers.Incidents != nil {
		mux.HandleFunc("GET /api/incidents", handlers.Incidents.ListIncidents)
	}
	if handlers.Risk != nil {
		mux.HandleFunc("GET /api/risk", handlers.Risk.GetRisk)
		mux.HandleFunc("GET /api/positions", handlers.Risk.ListPositions)
	}
	if handlers.Control != nil {
		mux.HandleFunc("POST /api/control/pause", handlers.Control.Pause)
		mux.HandleFunc("POST /api/control/resume", handlers.Control.Resume)
		mux.HandleFunc("POST /api/control/clear-halt", handlers.Control.ClearHalt)
		mux.HandleFunc("POST /api/control/close/{id}", handlers.Control.CloseTrade)
		mux.HandleFunc("POST /api/control/emergency-stop", handlers.Control.EmergencyStop)
	}
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	// Prometheus scrapes bypass auth and request logging.
	if metrics != nil {
		outer := http.NewServeMux()
		outer.Handle("GET /metrics", metrics)
		outer.Handle("/", h)
		h = outer
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger.With(slog.String("component", "server")),
	}
}

// Start listens until the server errors or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
