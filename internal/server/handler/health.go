package handler

import (
	"context"
	"net/http"
	"time"
)

// Pinger checks one backing service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves liveness and dependency checks.
type HealthHandler struct {
	deps map[string]Pinger
}

// NewHealthHandler creates a HealthHandler over named dependencies. A nil
// Pinger is skipped, so optional services can be passed unconditionally.
func NewHealthHandler(deps map[string]Pinger) *HealthHandler {
	return &HealthHandler{deps: deps}
}

// HealthCheck pings every dependency and reports per-service status. The
// response code is 200 only when everything answers.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	services := make(map[string]string, len(h.deps))
	for name, p := range h.deps {
		if p == nil {
			continue
		}
		if err := p.Ping(ctx); err != nil {
			services[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		services[name] = "ok"
	}

	writeJSON(w, status, map[string]any{
		"status":   http.StatusText(status),
		"services": services,
	})
}
