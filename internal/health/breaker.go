package health

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker position
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// Breaker is a per-worker three-state circuit breaker: it opens after a
// run of consecutive failures, cools down, then admits one trial probe.
type Breaker struct {
	mu        sync.Mutex
	state     BreakerState
	failures  int
	threshold int
	cooldown  time.Duration
	openedAt  time.Time
	// downSince marks the first trip of the current outage; it survives
	// open -> half-open -> open cycles and clears only on success.
	downSince time.Time
}

// NewBreaker creates a closed breaker that opens after threshold
// consecutive failures and half-opens after cooldown.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{
		state:     BreakerClosed,
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// Allow reports whether a probe may be issued now. In the open state it
// admits nothing until the cooldown elapses, then flips to half-open and
// admits exactly one trial.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if time.Since(b.openedAt) >= b.cooldown {
			b.state = BreakerHalfOpen
			return true
		}
		return false
	default: // half-open: the one trial is already in flight
		return false
	}
}

// Record feeds a probe outcome back into the breaker.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		if success {
			b.failures = 0
			b.downSince = time.Time{}
			return
		}
		b.failures++
		if b.failures >= b.threshold {
			b.trip()
		}
	case BreakerHalfOpen:
		if success {
			b.state = BreakerClosed
			b.failures = 0
			b.downSince = time.Time{}
		} else {
			b.trip()
		}
	}
}

// trip opens the breaker. Caller holds mu.
func (b *Breaker) trip() {
	b.state = BreakerOpen
	b.openedAt = time.Now()
	if b.downSince.IsZero() {
		b.downSince = b.openedAt
	}
}

// State returns the current breaker position.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// DownFor returns how long the current outage has lasted, or zero when
// the breaker has no active outage.
func (b *Breaker) DownFor() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.downSince.IsZero() {
		return 0
	}
	return time.Since(b.downSince)
}
