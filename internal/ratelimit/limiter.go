// Package ratelimit enforces per-project request budgets on the
// control-plane API.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter manages one token bucket per project.
type Limiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
}

// NewLimiter creates a limiter allowing requestsPerHour sustained requests
// per project with the given burst.
func NewLimiter(requestsPerHour, burst int) *Limiter {
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(float64(requestsPerHour) / 3600.0),
		burst:    burst,
	}
}

func (l *Limiter) get(projectID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.limiters[projectID]
	if !ok {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[projectID] = limiter
	}
	return limiter
}

// Allow reports whether a request for the project fits its budget.
func (l *Limiter) Allow(projectID string) bool {
	return l.get(projectID).Allow()
}

// Tokens returns the project's remaining burst capacity.
func (l *Limiter) Tokens(projectID string) float64 {
	return l.get(projectID).Tokens()
}
