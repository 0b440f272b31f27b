package proxy

import (
	"context"
	"sync"

	"github.com/browsergrid/browsergrid/pkg/models"
)

// Manager caches one open handle per session so concurrent callers share
// a single worker connection.
type Manager struct {
	mu      sync.Mutex
	handles map[string]*Handle
	dials   map[string]*sync.Mutex

	onEvent func(string, models.WorkerEvent)
	onClose func(string)
}

// NewManager creates a handle cache. onEvent and onClose are installed on
// every handle it opens.
func NewManager(onEvent func(string, models.WorkerEvent), onClose func(string)) *Manager {
	return &Manager{
		handles: make(map[string]*Handle),
		dials:   make(map[string]*sync.Mutex),
		onEvent: onEvent,
		onClose: onClose,
	}
}

// dialLock returns the session's dial lock, creating it on first use.
func (m *Manager) dialLock(sessionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.dials[sessionID]
	if !ok {
		l = &sync.Mutex{}
		m.dials[sessionID] = l
	}
	return l
}

// Acquire returns the session's open handle, dialing a fresh one if there
// is none or the cached handle is closed or points at a stale endpoint.
// Dials are single-flighted per session so concurrent callers share one
// handle instead of racing to replace each other's.
func (m *Manager) Acquire(ctx context.Context, sessionID, endpoint string) (*Handle, error) {
	lock := m.dialLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	if h, ok := m.handles[sessionID]; ok && !h.Closed() && h.Endpoint() == endpoint {
		m.mu.Unlock()
		return h, nil
	}
	m.mu.Unlock()

	h, err := Open(ctx, sessionID, endpoint, m.onEvent, m.onClose)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	prev, replaced := m.handles[sessionID]
	m.handles[sessionID] = h
	m.mu.Unlock()

	if replaced && prev != h {
		// Deliberate replacement, not transport loss.
		go prev.discard()
	}
	return h, nil
}

// Get returns the cached handle for a session, if any.
func (m *Manager) Get(sessionID string) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[sessionID]
	return h, ok
}

// Evict closes and forgets the session's handle without firing the loss
// callback; eviction is always a deliberate retirement.
func (m *Manager) Evict(sessionID string) {
	m.mu.Lock()
	h, ok := m.handles[sessionID]
	delete(m.handles, sessionID)
	delete(m.dials, sessionID)
	m.mu.Unlock()
	if ok {
		h.discard()
	}
}

// CloseAll closes every cached handle; used on shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	handles := m.handles
	m.handles = make(map[string]*Handle)
	m.mu.Unlock()

	for _, h := range handles {
		h.discard()
	}
}
