// Package handler contains the HTTP handlers for the operator API: engine
// status, trade history, risk snapshots, incidents, and the control plane.
package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Shmuel18/Arbitrage/internal/domain"
)

// writeJSON responds with v encoded as JSON under the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError responds with a JSON error body.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// parseListOpts reads limit and offset from the query string. Defaults to
// limit 50, capped at 500; offset 0.
func parseListOpts(r *http.Request) domain.ListOpts {
	opts := domain.ListOpts{Limit: 50}
	q := r.URL.Query()

	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		opts.Limit = min(n, 500)
	}
	if n, err := strconv.Atoi(q.Get("offset")); err == nil && n > 0 {
		opts.Offset = n
	}
	return opts
}

// pathParam reads a named path segment via Go 1.22 pattern routing.
func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}

// logHandler tags a logger with the handler name.
func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	return logger.With(slog.String("handler", handler))
}
