package httpserver

import (
	"net/http"
	"strings"

	"github.com/warmlink/rendezvous/internal/origin"
)

func (s *Server) withOriginPolicy(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		originHeader := strings.TrimSpace(r.Header.Get("Origin"))
		if originHeader == "" {
			next(w, r)
			return
		}

		normalizedOrigin, _, ok := origin.Normalize(originHeader)
		if !ok || !s.checker.Allow(originHeader, r.Host) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		// Only send CORS headers when the browser sends an Origin header.
		// Same-origin requests don't require them, but setting them is
		// harmless and lets the frontend run on a separate origin during
		// development.
		w.Header().Set("Access-Control-Allow-Origin", normalizedOrigin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
		w.Header().Add("Vary", "Origin")

		// Basic preflight support for browser clients. The per-route handler
		// doesn't need to run for preflight.
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.Header().Set("Access-Control-Allow-Methods", "GET,OPTIONS")
			if requestHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers")); requestHeaders != "" {
				w.Header().Set("Access-Control-Allow-Headers", requestHeaders)
			}
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}
