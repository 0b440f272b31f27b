// Package health detects worker unavailability: it probes each tracked
// worker on a fixed interval, trips a per-worker circuit breaker on
// repeated failure, and drives lost-session recovery.
package health

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/browsergrid/browsergrid/internal/fault"
	"github.com/browsergrid/browsergrid/internal/hub"
	"github.com/browsergrid/browsergrid/internal/orchestrator"
	"github.com/browsergrid/browsergrid/internal/proxy"
	"github.com/browsergrid/browsergrid/internal/store"
	"github.com/browsergrid/browsergrid/pkg/models"
)

// Options tunes the monitor; zero values take the documented defaults.
type Options struct {
	Interval         time.Duration // probe cadence, default 30s
	ProbeTimeout     time.Duration // per-probe deadline, default 10s
	BreakerThreshold int           // consecutive failures to open, default 5
	BreakerCooldown  time.Duration // open -> half-open delay, default 30s
	Grace            time.Duration // outage length before giving up, default 60s
	ResolveTimeout   time.Duration // endpoint re-resolution budget, default 60s
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 10 * time.Second
	}
	if o.BreakerThreshold <= 0 {
		o.BreakerThreshold = 5
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = 30 * time.Second
	}
	if o.Grace <= 0 {
		o.Grace = time.Minute
	}
	if o.ResolveTimeout <= 0 {
		o.ResolveTimeout = time.Minute
	}
}

type tracked struct {
	sessionID string
	workerRef string
	breaker   *Breaker
	stop      chan struct{}
}

// Monitor polls tracked workers. Probe failures never surface to callers;
// they show up as session status changes.
type Monitor struct {
	store   store.Store
	orch    orchestrator.Orchestrator
	proxies *proxy.Manager
	events  *hub.Hub
	opts    Options

	httpClient *http.Client

	mu      sync.Mutex
	workers map[string]*tracked
	wg      sync.WaitGroup
	stopped bool
}

// NewMonitor wires a monitor; call Track per session once its worker is
// bound.
func NewMonitor(st store.Store, orch orchestrator.Orchestrator, proxies *proxy.Manager, events *hub.Hub, opts Options) *Monitor {
	opts.defaults()
	return &Monitor{
		store:      st,
		orch:       orch,
		proxies:    proxies,
		events:     events,
		opts:       opts,
		httpClient: &http.Client{Timeout: opts.ProbeTimeout},
		workers:    make(map[string]*tracked),
	}
}

// Track starts polling a session's worker. Tracking an already-tracked
// session resets its breaker.
func (m *Monitor) Track(sessionID, workerRef string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	if prev, ok := m.workers[sessionID]; ok {
		close(prev.stop)
	}

	t := &tracked{
		sessionID: sessionID,
		workerRef: workerRef,
		breaker:   NewBreaker(m.opts.BreakerThreshold, m.opts.BreakerCooldown),
		stop:      make(chan struct{}),
	}
	m.workers[sessionID] = t

	m.wg.Add(1)
	go m.loop(t)
}

// Untrack stops polling a session's worker.
func (m *Monitor) Untrack(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.workers[sessionID]; ok {
		close(t.stop)
		delete(m.workers, sessionID)
	}
}

// Tracked returns the number of workers currently polled.
func (m *Monitor) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}

// BreakerState exposes a session's breaker position, mainly for stats.
func (m *Monitor) BreakerState(sessionID string) (BreakerState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.workers[sessionID]; ok {
		return t.breaker.State(), true
	}
	return "", false
}

// Stop halts all polling and waits for the loops to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.stopped = true
	for id, t := range m.workers {
		close(t.stop)
		delete(m.workers, id)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Monitor) loop(t *tracked) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), m.opts.ProbeTimeout)
		done := m.check(ctx, t)
		cancel()
		if done {
			m.Untrack(t.sessionID)
			return
		}
	}
}

// check runs one monitoring round. It returns true when the worker should
// no longer be polled.
func (m *Monitor) check(ctx context.Context, t *tracked) bool {
	session, err := m.store.Get(ctx, t.sessionID)
	if err != nil {
		// Session expired or was deleted; nothing left to watch.
		return true
	}
	if session.Status.Terminal() || session.Status == models.StatusStopping {
		return true
	}

	if session.Status == models.StatusLost {
		if t.breaker.Allow() {
			ok := m.recover(t, session)
			t.breaker.Record(ok)
		}
		return false
	}

	if !t.breaker.Allow() {
		if t.breaker.DownFor() >= m.opts.Grace {
			m.markLost(t.sessionID, "health checks failing beyond grace period")
			return true
		}
		return false
	}

	ok := m.probe(ctx, session)
	t.breaker.Record(ok)
	if ok {
		now := time.Now()
		if _, err := m.store.Update(ctx, t.sessionID, models.SessionUpdate{LastHeartbeatAt: &now}); err != nil {
			log.Printf("health: heartbeat update for %s failed: %v", t.sessionID, err)
		}
	}
	return false
}

// probe checks one worker, preferring a lightweight call over the open
// proxy handle and falling back to an HTTP check against the endpoint.
func (m *Monitor) probe(ctx context.Context, session *models.Session) bool {
	if h, ok := m.proxies.Get(session.SessionID); ok && !h.Closed() {
		_, err := h.Call(ctx, "system.health", nil, m.opts.ProbeTimeout)
		if err == nil || fault.Is(err, fault.RemoteError) {
			// A worker that answers, even with an error envelope, is alive.
			return true
		}
		return false
	}

	if session.Endpoint == "" {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("http://%s/health", session.Endpoint), nil)
	if err != nil {
		return false
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// recover re-resolves a lost session's endpoint and reopens the proxy
// handle; on success the session transitions back to running.
func (m *Monitor) recover(t *tracked, session *models.Session) bool {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.ResolveTimeout)
	defer cancel()

	addr, err := m.orch.ResolveEndpoint(ctx, t.workerRef, m.opts.ResolveTimeout)
	if err != nil {
		log.Printf("health: endpoint re-resolution for %s failed: %v", t.sessionID, err)
		return false
	}

	if _, err := m.proxies.Acquire(ctx, t.sessionID, addr); err != nil {
		log.Printf("health: reopen for %s failed: %v", t.sessionID, err)
		return false
	}

	running := models.StatusRunning
	now := time.Now()
	updated, err := m.store.Update(ctx, t.sessionID, models.SessionUpdate{
		Status:          &running,
		Endpoint:        &addr,
		LastHeartbeatAt: &now,
	})
	if err != nil {
		log.Printf("health: recovery update for %s failed: %v", t.sessionID, err)
		return false
	}

	m.events.Register(t.sessionID, hub.WorkerConnID(t.sessionID), models.DirectionOutbound, nil, false)
	log.Printf("health: session %s recovered at %s", t.sessionID, addr)
	m.events.Publish(models.NewStatusChangedEvent(t.sessionID, session.Status, updated.Status, "worker recovered"))
	return true
}

// markLost transitions the session to lost exactly once and evicts its
// proxy handle.
func (m *Monitor) markLost(sessionID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	session, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return
	}
	if session.Status == models.StatusLost || session.Status.Terminal() {
		return
	}

	lost := models.StatusLost
	if _, err := m.store.Update(ctx, sessionID, models.SessionUpdate{Status: &lost}); err != nil {
		if !fault.Is(err, fault.Conflict) {
			log.Printf("health: marking %s lost failed: %v", sessionID, err)
		}
		return
	}

	m.proxies.Evict(sessionID)
	m.events.Unregister(hub.WorkerConnID(sessionID))
	log.Printf("health: session %s marked lost: %s", sessionID, reason)
	m.events.Publish(models.NewStatusChangedEvent(sessionID, session.Status, lost, reason))
}
