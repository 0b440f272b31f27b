package store

import (
	"context"
	"sync"
	"time"

	"github.com/browsergrid/browsergrid/internal/fault"
	"github.com/browsergrid/browsergrid/pkg/models"
)

// MemoryStore keeps sessions in process memory with per-record expiry
// timers. It backs tests and Redis-less deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memEntry
	byWorker map[string]string
	closed   bool
}

type memEntry struct {
	session *models.Session
	timer   *time.Timer
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*memEntry),
		byWorker: make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, session *models.Session, ttl time.Duration) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fault.New(fault.Conflict, session.SessionID, "store is closed")
	}
	if _, exists := m.sessions[session.SessionID]; exists {
		return nil, fault.New(fault.Conflict, session.SessionID, "session already exists")
	}

	rec := session.Clone()
	now := time.Now()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	entry := &memEntry{session: rec}
	entry.timer = time.AfterFunc(ttl, func() { m.expire(rec.SessionID) })
	m.sessions[rec.SessionID] = entry
	if rec.WorkerRef != "" {
		m.byWorker[rec.WorkerRef] = rec.SessionID
	}
	return rec.Clone(), nil
}

func (m *MemoryStore) expire(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(sessionID)
}

// removeLocked drops a record and its worker index. Caller holds mu.
func (m *MemoryStore) removeLocked(sessionID string) {
	entry, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	entry.timer.Stop()
	if entry.session.WorkerRef != "" {
		delete(m.byWorker, entry.session.WorkerRef)
	}
	delete(m.sessions, sessionID)
}

func (m *MemoryStore) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.sessions[sessionID]
	if !ok {
		return nil, fault.New(fault.NotFound, sessionID, "session not found")
	}
	return entry.session.Clone(), nil
}

func (m *MemoryStore) GetByWorkerRef(ctx context.Context, workerRef string) (*models.Session, error) {
	m.mu.RLock()
	sessionID, ok := m.byWorker[workerRef]
	m.mu.RUnlock()
	if !ok {
		return nil, fault.New(fault.NotFound, "", "no session bound to worker %s", workerRef)
	}
	return m.Get(ctx, sessionID)
}

func (m *MemoryStore) Update(ctx context.Context, sessionID string, update models.SessionUpdate) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.sessions[sessionID]
	if !ok {
		return nil, fault.New(fault.NotFound, sessionID, "session not found")
	}

	current := entry.session
	if update.Status != nil && !models.CanTransition(current.Status, *update.Status) {
		return nil, fault.New(fault.Conflict, sessionID,
			"illegal transition %s -> %s", current.Status, *update.Status)
	}

	next := applyUpdate(current, update)
	if current.WorkerRef != next.WorkerRef {
		if current.WorkerRef != "" {
			delete(m.byWorker, current.WorkerRef)
		}
		if next.WorkerRef != "" {
			m.byWorker[next.WorkerRef] = sessionID
		}
	}
	entry.session = next
	return next.Clone(), nil
}

func (m *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return fault.New(fault.NotFound, sessionID, "session not found")
	}
	m.removeLocked(sessionID)
	return nil
}

func (m *MemoryStore) ListActive(ctx context.Context) ([]*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Session
	for _, entry := range m.sessions {
		if entry.session.Status.Active() {
			out = append(out, entry.session.Clone())
		}
	}
	return out, nil
}

func (m *MemoryStore) ListByMetadata(ctx context.Context, key, value string) ([]*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Session
	for _, entry := range m.sessions {
		if entry.session.Metadata[key] == value {
			out = append(out, entry.session.Clone())
		}
	}
	return out, nil
}

func (m *MemoryStore) SweepStale(ctx context.Context, heartbeatTimeout time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-heartbeatTimeout)

	m.mu.Lock()
	defer m.mu.Unlock()

	var swept []string
	for id, entry := range m.sessions {
		s := entry.session
		if s.Status != models.StatusRunning {
			continue
		}
		if s.LastHeartbeatAt.IsZero() || s.LastHeartbeatAt.After(cutoff) {
			continue
		}
		lost := models.StatusLost
		entry.session = applyUpdate(s, models.SessionUpdate{Status: &lost})
		swept = append(swept, id)
	}
	return swept, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.sessions {
		m.removeLocked(id)
	}
	m.closed = true
	return nil
}
