// Package orchestrator starts, stops and describes the remote compute
// units (one container per session) and resolves their endpoints.
package orchestrator

import (
	"context"
	"time"

	"github.com/browsergrid/browsergrid/internal/fault"
)

// TaskSpec sizes and configures one worker task
type TaskSpec struct {
	Image    string
	CPU      int64
	MemoryMB int64
	Env      map[string]string
	Labels   map[string]string
}

// TaskHandle identifies a started task
type TaskHandle struct {
	WorkerRef string
	SessionID string
}

// TaskState is the coarse lifecycle of a task
type TaskState string

const (
	TaskPending TaskState = "pending"
	TaskRunning TaskState = "running"
	TaskStopped TaskState = "stopped"
)

// TaskStatus reports a task's state and, once reachable, its address
type TaskStatus struct {
	State   TaskState
	Address string
}

// Orchestrator is the compute backend boundary. StartTask failures are
// surfaced immediately; retry policy belongs to the caller. StopTask is
// idempotent.
type Orchestrator interface {
	StartTask(ctx context.Context, sessionID string, spec TaskSpec) (*TaskHandle, error)
	StopTask(ctx context.Context, workerRef, reason string) error
	DescribeTask(ctx context.Context, workerRef string) (*TaskStatus, error)
	FindTaskBySession(ctx context.Context, sessionID string) (*TaskHandle, error)
	ResolveEndpoint(ctx context.Context, workerRef string, timeout time.Duration) (string, error)
	Close() error
}

// PollEndpoint polls describe at a fixed interval until the task reports a
// network address, the timeout elapses, or ctx is cancelled. It is the
// shared implementation behind ResolveEndpoint.
func PollEndpoint(ctx context.Context, workerRef string,
	describe func(context.Context, string) (*TaskStatus, error),
	interval, timeout time.Duration) (string, error) {

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, err := describe(ctx, workerRef)
		if err != nil {
			return "", err
		}
		if status.State == TaskStopped {
			return "", fault.New(fault.NotFound, "", "worker %s stopped before becoming reachable", workerRef)
		}
		if status.State == TaskRunning && status.Address != "" {
			return status.Address, nil
		}

		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return "", fault.New(fault.Timeout, "", "no endpoint for worker %s within %s", workerRef, timeout)
			}
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}
