package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := NewBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		assert.True(t, b.Allow())
		b.Record(false)
		assert.Equal(t, BreakerClosed, b.State())
	}

	assert.True(t, b.Allow())
	b.Record(false)
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow(), "open breaker suppresses checks")
}

func TestBreakerSuccessResetsFailureRun(t *testing.T) {
	b := NewBreaker(3, time.Minute)

	b.Record(false)
	b.Record(false)
	b.Record(true)
	b.Record(false)
	b.Record(false)
	assert.Equal(t, BreakerClosed, b.State(), "non-consecutive failures don't trip")
}

func TestBreakerHalfOpenCycle(t *testing.T) {
	b := NewBreaker(1, 20*time.Millisecond)

	b.Record(false)
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())

	time.Sleep(30 * time.Millisecond)
	assert.True(t, b.Allow(), "cooldown elapsed: one trial admitted")
	assert.Equal(t, BreakerHalfOpen, b.State())
	assert.False(t, b.Allow(), "only one trial while half-open")

	b.Record(true)
	assert.Equal(t, BreakerClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker(1, 20*time.Millisecond)

	b.Record(false)
	time.Sleep(30 * time.Millisecond)
	assert.True(t, b.Allow())
	b.Record(false)
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreakerDownForSpansReopenCycles(t *testing.T) {
	b := NewBreaker(1, 10*time.Millisecond)

	b.Record(false)
	time.Sleep(15 * time.Millisecond)
	assert.True(t, b.Allow())
	b.Record(false) // re-trip

	assert.GreaterOrEqual(t, b.DownFor(), 15*time.Millisecond,
		"outage clock keeps running across open/half-open cycles")

	time.Sleep(15 * time.Millisecond)
	assert.True(t, b.Allow())
	b.Record(true)
	assert.Zero(t, b.DownFor())
}
