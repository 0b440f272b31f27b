package orchestrator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/browsergrid/browsergrid/internal/fault"
)

func TestPollEndpointWaitsForAddress(t *testing.T) {
	var calls atomic.Int64
	describe := func(ctx context.Context, ref string) (*TaskStatus, error) {
		if calls.Add(1) < 3 {
			return &TaskStatus{State: TaskPending}, nil
		}
		return &TaskStatus{State: TaskRunning, Address: "10.0.0.5:9222"}, nil
	}

	addr, err := PollEndpoint(context.Background(), "w1", describe, time.Millisecond, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:9222", addr)
	assert.GreaterOrEqual(t, calls.Load(), int64(3))
}

func TestPollEndpointTimesOut(t *testing.T) {
	describe := func(ctx context.Context, ref string) (*TaskStatus, error) {
		return &TaskStatus{State: TaskPending}, nil
	}

	_, err := PollEndpoint(context.Background(), "w1", describe, time.Millisecond, 20*time.Millisecond)
	assert.True(t, fault.Is(err, fault.Timeout))
}

func TestPollEndpointStoppedTask(t *testing.T) {
	describe := func(ctx context.Context, ref string) (*TaskStatus, error) {
		return &TaskStatus{State: TaskStopped}, nil
	}

	_, err := PollEndpoint(context.Background(), "w1", describe, time.Millisecond, time.Second)
	assert.True(t, fault.Is(err, fault.NotFound))
}

func TestPollEndpointCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	describe := func(ctx context.Context, ref string) (*TaskStatus, error) {
		return &TaskStatus{State: TaskPending}, nil
	}

	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	_, err := PollEndpoint(ctx, "w1", describe, time.Millisecond, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPollEndpointRunningWithoutAddressKeepsWaiting(t *testing.T) {
	var calls atomic.Int64
	describe := func(ctx context.Context, ref string) (*TaskStatus, error) {
		if calls.Add(1) < 2 {
			return &TaskStatus{State: TaskRunning}, nil // port binding not visible yet
		}
		return &TaskStatus{State: TaskRunning, Address: "10.0.0.5:9222"}, nil
	}

	addr, err := PollEndpoint(context.Background(), "w1", describe, time.Millisecond, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:9222", addr)
}
