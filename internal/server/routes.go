package server

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"wxsend/internal/metrics"
)

var endpoints = []string{
	"GET /api-key",
	"GET /health",
	"GET /services",
	"POST /send/text",
	"POST /send/file",
	"GET /contacts",
	"GET /rooms",
	"GET /metrics",
}

func RegisterRoutes(r chi.Router, h *Handler, apiKey string) {
	r.Get("/api-key", h.APIKeyHelp)

	r.Group(func(r chi.Router) {
		r.Use(requireAPIKey(apiKey))
		r.Get("/health", h.Health)
		r.Get("/services", h.Services)
		r.Post("/send/text", h.SendText)
		r.Post("/send/file", h.SendFile)
		r.Get("/contacts", h.Contacts)
		r.Get("/rooms", h.Rooms)
		r.Get("/metrics", metrics.Collector.Handler())
	})

	r.NotFound(h.NotFound)
	r.MethodNotAllowed(h.NotFound)
}

// requireAPIKey rejects requests whose x-api-key header does not match key.
// An empty key rejects everything.
func requireAPIKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("x-api-key")
			if key == "" || got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]any{
					"success": false,
					"error":   "API key required",
					"message": "send a valid x-api-key header; see GET /api-key",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// instrument logs each request and feeds the gateway metrics.
func instrument(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			metrics.InFlight.Inc()
			defer metrics.InFlight.Dec()

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			metrics.RecordRequest(route, status)
			logger.Info("http request", "method", r.Method, "path", r.URL.Path, "status", status,
				"duration", time.Since(start).Round(time.Millisecond))
		})
	}
}
