package server

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/john/multichat/internal/gateway"
)

// adminAuth requires the admin token in X-Admin-Token or as a bearer token.
// An empty token leaves the routes open.
func adminAuth(next http.Handler, token string, logger *slog.Logger) http.Handler {
	if token == "" {
		logger.Warn("admin token not configured - /test and /disconnect-self are UNPROTECTED")
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("X-Admin-Token")
		if got == "" {
			got, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1 {
			next.ServeHTTP(w, r)
			return
		}
		logger.Warn("admin auth failed", slog.String("path", r.URL.Path), slog.String("remote_addr", r.RemoteAddr))
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	})
}

// withCORS allows every origin when the list is empty or contains "*",
// otherwise only the listed ones.
func withCORS(next http.Handler, origins []string) http.Handler {
	permissive := len(origins) == 0
	for _, o := range origins {
		if o == "*" {
			permissive = true
		}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if permissive {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" && gateway.OriginAllowed(origin, origins) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Admin-Token, X-Correlation-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
