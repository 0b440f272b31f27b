// Package store is the system of record for sessions. Two backends
// implement the same contract: a Redis store for distributed deployments
// and an in-process store for tests and single-node runs.
package store

import (
	"context"
	"time"

	"github.com/browsergrid/browsergrid/pkg/models"
)

// Store owns Session records. All mutation goes through Update, which
// merges partial fields atomically per record and enforces the status
// state machine. Records expire after the TTL given at creation; expiry
// removes the record and its secondary indexes.
type Store interface {
	Create(ctx context.Context, session *models.Session, ttl time.Duration) (*models.Session, error)
	Get(ctx context.Context, sessionID string) (*models.Session, error)
	GetByWorkerRef(ctx context.Context, workerRef string) (*models.Session, error)
	Update(ctx context.Context, sessionID string, update models.SessionUpdate) (*models.Session, error)
	Delete(ctx context.Context, sessionID string) error
	ListActive(ctx context.Context) ([]*models.Session, error)
	ListByMetadata(ctx context.Context, key, value string) ([]*models.Session, error)

	// SweepStale transitions running sessions whose last heartbeat is
	// older than the limit to lost, returning the affected session ids.
	SweepStale(ctx context.Context, heartbeatTimeout time.Duration) ([]string, error)

	Close() error
}

// applyUpdate merges an update into a copy of the current record. The
// caller holds whatever lock or transaction makes the merge atomic.
func applyUpdate(current *models.Session, update models.SessionUpdate) *models.Session {
	next := current.Clone()
	if update.Status != nil {
		next.Status = *update.Status
	}
	if update.WorkerRef != nil {
		next.WorkerRef = *update.WorkerRef
	}
	if update.Endpoint != nil {
		next.Endpoint = *update.Endpoint
	}
	if update.LastHeartbeatAt != nil {
		next.LastHeartbeatAt = *update.LastHeartbeatAt
	}
	if update.Metadata != nil {
		if next.Metadata == nil {
			next.Metadata = make(map[string]string, len(update.Metadata))
		}
		for k, v := range update.Metadata {
			next.Metadata[k] = v
		}
	}
	next.UpdatedAt = time.Now()
	return next
}
