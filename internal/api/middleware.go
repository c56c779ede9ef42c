package api

import (
	"crypto/subtle"
	"net/http"
	"slices"

	gateerrors "github.com/agentgate/agentgate/internal/errors"
)

// corsMiddleware wraps a handler with CORS headers for the configured
// origins. "*" allows any origin; otherwise the request Origin must
// match one of the configured values exactly.
func (s *Server) corsMiddleware() func(http.HandlerFunc) http.HandlerFunc {
	origins := s.cfg.Server.CORSOrigins
	wildcard := slices.Contains(origins, "*")

	return func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case wildcard:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "" && slices.Contains(origins, origin):
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			h(w, r)
		}
	}
}

// authMiddleware enforces the X-API-Key header on protected routes.
// With no key configured every request passes.
func (s *Server) authMiddleware() func(http.HandlerFunc) http.HandlerFunc {
	key := s.cfg.Server.APIKey

	return func(h http.HandlerFunc) http.HandlerFunc {
		if key == "" {
			return h
		}
		return func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				gerr := gateerrors.ErrUnauthorized()
				writeError(w, gerr.HTTPStatus(), string(gerr.Code), gerr.What, nil)
				return
			}
			h(w, r)
		}
	}
}
