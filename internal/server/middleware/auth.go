package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Auth gates the API behind a shared key. Clients present it either as
// "Authorization: Bearer <key>" or in the X-API-Key header. An empty
// configured key disables the check entirely, which is the paper-mode and
// localhost default.
func Auth(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			presented := clientToken(r)
			if presented == "" {
				deny(w, "missing authentication token")
				return
			}
			if subtle.ConstantTimeCompare([]byte(presented), []byte(apiKey)) != 1 {
				deny(w, "invalid authentication token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, rest, found := strings.Cut(auth, " ")
		if found && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(rest)
		}
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

func deny(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
