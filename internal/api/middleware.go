package api

import (
	"net/http"
	"strconv"

	"github.com/browsergrid/browsergrid/internal/ratelimit"
)

// RateLimitMiddleware enforces the per-project request budget. Requests
// without a project id pass through unlimited.
func RateLimitMiddleware(limiter *ratelimit.Limiter, requestsPerHour int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			projectID := projectIDFrom(r)
			if projectID == "" {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(requestsPerHour))
			if !limiter.Allow(projectID) {
				w.Header().Set("X-RateLimit-Remaining", "0")
				writeJSON(w, http.StatusTooManyRequests, map[string]string{
					"error": "rate limit exceeded for project " + projectID,
				})
				return
			}

			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(limiter.Tokens(projectID))))
			next.ServeHTTP(w, r)
		})
	}
}

// projectIDFrom reads the project id from the query string or the
// X-Project-ID header.
func projectIDFrom(r *http.Request) string {
	if id := r.URL.Query().Get("projectId"); id != "" {
		return id
	}
	return r.Header.Get("X-Project-ID")
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Project-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
