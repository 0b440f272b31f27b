package api

import (
	"github.com/gorilla/mux"

	"github.com/browsergrid/browsergrid/internal/ratelimit"
)

// SetupRoutes configures all HTTP routes
func (h *Handler) SetupRoutes(rateLimiter *ratelimit.Limiter, requestsPerHour int) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", h.Healthz).Methods("GET")

	// API v1 routes
	api := r.PathPrefix("/v1").Subrouter()

	// Session lifecycle is rate limited per project
	limited := api.PathPrefix("").Subrouter()
	limited.Use(RateLimitMiddleware(rateLimiter, requestsPerHour))

	limited.HandleFunc("/sessions", h.CreateSession).Methods("POST")
	limited.HandleFunc("/sessions", h.ListSessions).Methods("GET")
	limited.HandleFunc("/sessions/{id}", h.GetSession).Methods("GET")
	limited.HandleFunc("/sessions/{id}", h.EndSession).Methods("DELETE")
	limited.HandleFunc("/sessions/{id}/resume", h.ResumeSession).Methods("POST")

	// Commands and event streams are not rate limited: callers poll and
	// stream these at high frequency.
	api.HandleFunc("/sessions/{id}/commands", h.SendCommand).Methods("POST", "OPTIONS")
	api.HandleFunc("/sessions/{id}/events", h.Events).Methods("GET")
	api.HandleFunc("/stats", h.Stats).Methods("GET")

	r.Use(corsMiddleware)

	return r
}
