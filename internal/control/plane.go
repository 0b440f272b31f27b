// Package control is the control-plane façade: session lifecycle, command
// dispatch, event subscription and aggregate stats, built on the store,
// orchestrator, proxy and hub layers.
package control

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/browsergrid/browsergrid/internal/fault"
	"github.com/browsergrid/browsergrid/internal/health"
	"github.com/browsergrid/browsergrid/internal/hub"
	"github.com/browsergrid/browsergrid/internal/orchestrator"
	"github.com/browsergrid/browsergrid/internal/proxy"
	"github.com/browsergrid/browsergrid/internal/store"
	"github.com/browsergrid/browsergrid/pkg/models"
)

// Options tunes the plane; zero values take the documented defaults.
type Options struct {
	SessionTTL            time.Duration
	HeartbeatTimeout      time.Duration
	SweepInterval         time.Duration
	ResolveTimeout        time.Duration
	MaxSessionsPerProject int64
	Health                health.Options
}

func (o *Options) defaults() {
	if o.SessionTTL <= 0 {
		o.SessionTTL = time.Hour
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 5 * time.Minute
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Minute
	}
	if o.ResolveTimeout <= 0 {
		o.ResolveTimeout = time.Minute
	}
	if o.MaxSessionsPerProject <= 0 {
		o.MaxSessionsPerProject = 10
	}
}

// Plane owns one control-plane instance. All registries hang off this
// struct so isolated instances can coexist in tests.
type Plane struct {
	store   store.Store
	orch    orchestrator.Orchestrator
	events  *hub.Hub
	proxies *proxy.Manager
	monitor *health.Monitor
	opts    Options

	mu       sync.Mutex
	slots    map[string]*semaphore.Weighted
	slotOf   map[string]string // sessionID -> projectID, until released
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewPlane wires a plane over the given store, orchestrator and hub. It
// owns the proxy manager and health monitor it creates.
func NewPlane(st store.Store, orch orchestrator.Orchestrator, events *hub.Hub, opts Options) *Plane {
	opts.defaults()

	p := &Plane{
		store:  st,
		orch:   orch,
		events: events,
		opts:   opts,
		slots:  make(map[string]*semaphore.Weighted),
		slotOf: make(map[string]string),
		stopCh: make(chan struct{}),
	}
	p.proxies = proxy.NewManager(p.onWorkerEvent, p.onConnectionLost)
	p.monitor = health.NewMonitor(st, orch, p.proxies, events, opts.Health)

	p.wg.Add(1)
	go p.janitor()
	return p
}

// Proxies exposes the proxy manager, mainly for tests.
func (p *Plane) Proxies() *proxy.Manager { return p.proxies }

// Events exposes the hub for transports that register connections.
func (p *Plane) Events() *hub.Hub { return p.events }

// Monitor exposes the health monitor, mainly for tests.
func (p *Plane) Monitor() *health.Monitor { return p.monitor }

// CreateSession allocates a session record, starts a worker task for it
// and returns immediately with status starting; binding completes in the
// background and is observable via events or polling.
func (p *Plane) CreateSession(ctx context.Context, req models.CreateSessionRequest) (*models.Session, error) {
	if req.ProjectID == "" {
		return nil, fault.New(fault.Conflict, "", "projectId is required")
	}

	ttl := p.opts.SessionTTL
	if req.TimeoutSec != 0 {
		if req.TimeoutSec < 60 || req.TimeoutSec > 21600 {
			return nil, fault.New(fault.Conflict, "", "timeout must be between 60 and 21600 seconds")
		}
		ttl = time.Duration(req.TimeoutSec) * time.Second
	}

	sessionID := uuid.New().String()
	if err := p.acquireSlot(req.ProjectID, sessionID); err != nil {
		return nil, err
	}

	metadata := map[string]string{"projectId": req.ProjectID}
	for k, v := range req.Metadata {
		metadata[k] = v
	}

	session := &models.Session{
		SessionID:  sessionID,
		InstanceID: uuid.New().String(),
		Status:     models.StatusStarting,
		Metadata:   metadata,
	}
	created, err := p.store.Create(ctx, session, ttl)
	if err != nil {
		p.releaseSlot(sessionID)
		return nil, err
	}

	handle, err := p.orch.StartTask(ctx, sessionID, orchestrator.TaskSpec{
		CPU:      req.CPU,
		MemoryMB: req.MemoryMB,
		Env:      req.Env,
		Labels:   map[string]string{"project-id": req.ProjectID},
	})
	if err != nil {
		p.failSession(sessionID, "worker allocation failed")
		p.releaseSlot(sessionID)
		return nil, err
	}

	created, err = p.store.Update(ctx, sessionID, models.SessionUpdate{WorkerRef: &handle.WorkerRef})
	if err != nil {
		p.orch.StopTask(context.Background(), handle.WorkerRef, "session record vanished")
		p.releaseSlot(sessionID)
		return nil, err
	}

	p.wg.Add(1)
	go p.bind(sessionID, handle.WorkerRef)

	return created, nil
}

// bind waits for the worker to become reachable, then opens the command
// connection and moves the session to running.
func (p *Plane) bind(sessionID, workerRef string) {
	defer p.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), p.opts.ResolveTimeout)
	defer cancel()

	addr, err := p.orch.ResolveEndpoint(ctx, workerRef, p.opts.ResolveTimeout)
	if err != nil {
		log.Printf("control: session %s: endpoint resolution failed: %v", sessionID, err)
		p.failSession(sessionID, "worker never became reachable")
		p.orch.StopTask(context.Background(), workerRef, "endpoint resolution failed")
		p.releaseSlot(sessionID)
		return
	}

	if _, err := p.proxies.Acquire(ctx, sessionID, addr); err != nil {
		log.Printf("control: session %s: worker connection failed: %v", sessionID, err)
		p.failSession(sessionID, "worker connection failed")
		p.orch.StopTask(context.Background(), workerRef, "worker connection failed")
		p.releaseSlot(sessionID)
		return
	}

	running := models.StatusRunning
	now := time.Now()
	updated, err := p.store.Update(ctx, sessionID, models.SessionUpdate{
		Status:          &running,
		Endpoint:        &addr,
		LastHeartbeatAt: &now,
	})
	if err != nil {
		// The session ended or expired while the worker was starting.
		log.Printf("control: session %s: binding update failed: %v", sessionID, err)
		p.proxies.Evict(sessionID)
		p.orch.StopTask(context.Background(), workerRef, "session gone before binding")
		p.releaseSlot(sessionID)
		return
	}

	p.events.Register(sessionID, hub.WorkerConnID(sessionID), models.DirectionOutbound, nil, false)
	p.monitor.Track(sessionID, workerRef)
	log.Printf("control: session %s running at %s", sessionID, addr)
	p.events.Publish(models.NewStatusChangedEvent(sessionID, models.StatusStarting, updated.Status, "worker bound"))
}

// ResumeSession validates the session is resumable and brings it back to
// running, re-resolving the endpoint when the binding went stale.
func (p *Plane) ResumeSession(ctx context.Context, sessionID string) (*models.Session, error) {
	session, err := p.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	switch session.Status {
	case models.StatusPaused, models.StatusLost:
	case models.StatusRunning:
		return session, nil
	default:
		return nil, fault.New(fault.Conflict, sessionID, "status %s is not resumable", session.Status)
	}

	addr := session.Endpoint
	if session.Status == models.StatusLost || addr == "" {
		if session.WorkerRef == "" {
			return nil, fault.New(fault.SessionNotReady, sessionID, "no worker bound")
		}
		addr, err = p.orch.ResolveEndpoint(ctx, session.WorkerRef, p.opts.ResolveTimeout)
		if err != nil {
			return nil, err
		}
	}

	if _, err := p.proxies.Acquire(ctx, sessionID, addr); err != nil {
		return nil, err
	}

	running := models.StatusRunning
	now := time.Now()
	updated, err := p.store.Update(ctx, sessionID, models.SessionUpdate{
		Status:          &running,
		Endpoint:        &addr,
		LastHeartbeatAt: &now,
	})
	if err != nil {
		return nil, err
	}

	p.events.Register(sessionID, hub.WorkerConnID(sessionID), models.DirectionOutbound, nil, false)
	p.monitor.Track(sessionID, session.WorkerRef)
	p.events.Publish(models.NewStatusChangedEvent(sessionID, session.Status, updated.Status, "session resumed"))
	return updated, nil
}

// SendCommand proxies one call to the session's worker. Sessions without
// a reachable worker fail fast with SessionNotReady.
func (p *Plane) SendCommand(ctx context.Context, sessionID, method string, params any, timeout time.Duration) (any, error) {
	session, err := p.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if session.Status != models.StatusRunning && session.Status != models.StatusPaused {
		return nil, fault.New(fault.SessionNotReady, sessionID, "session is %s", session.Status)
	}
	if session.WorkerRef == "" || session.Endpoint == "" {
		return nil, fault.New(fault.SessionNotReady, sessionID, "no worker bound")
	}

	handle, err := p.proxies.Acquire(ctx, sessionID, session.Endpoint)
	if err != nil {
		return nil, err
	}
	return handle.Call(ctx, method, params, timeout)
}

// EndSession stops the worker task and retires the session. Ending an
// already-terminal session reports Conflict.
func (p *Plane) EndSession(ctx context.Context, sessionID, reason string) error {
	session, err := p.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status.Terminal() {
		return fault.New(fault.Conflict, sessionID, "session already %s", session.Status)
	}

	stopping := models.StatusStopping
	if _, err := p.store.Update(ctx, sessionID, models.SessionUpdate{Status: &stopping}); err != nil {
		return err
	}

	p.monitor.Untrack(sessionID)
	p.proxies.Evict(sessionID)

	if session.WorkerRef != "" {
		if err := p.orch.StopTask(ctx, session.WorkerRef, reason); err != nil {
			log.Printf("control: stopping worker for %s failed: %v", sessionID, err)
		}
	}

	stopped := models.StatusStopped
	empty := ""
	if _, err := p.store.Update(ctx, sessionID, models.SessionUpdate{Status: &stopped, Endpoint: &empty}); err != nil {
		return err
	}

	p.events.Publish(models.NewStatusChangedEvent(sessionID, session.Status, stopped, reason))
	p.events.DropSession(sessionID)
	p.releaseSlot(sessionID)

	log.Printf("control: session %s ended: %s", sessionID, reason)
	return nil
}

// GetSession returns the current session record.
func (p *Plane) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	return p.store.Get(ctx, sessionID)
}

// Subscribe attaches an in-process event feed to a session that exists.
func (p *Plane) Subscribe(ctx context.Context, sessionID string, replay bool) (*hub.Subscription, error) {
	if _, err := p.store.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	return p.events.Subscribe(sessionID, replay), nil
}

// Unsubscribe detaches a subscription.
func (p *Plane) Unsubscribe(subscriptionID string) error {
	return p.events.Unsubscribe(subscriptionID)
}

// ListActive returns every non-terminal session.
func (p *Plane) ListActive(ctx context.Context) ([]*models.Session, error) {
	return p.store.ListActive(ctx)
}

// ListByMetadata returns sessions whose metadata carries the given pair.
func (p *Plane) ListByMetadata(ctx context.Context, key, value string) ([]*models.Session, error) {
	return p.store.ListByMetadata(ctx, key, value)
}

// Stats aggregates session, connection and monitor counts.
type Stats struct {
	SessionsByStatus map[models.Status]int `json:"sessionsByStatus"`
	Connections      int                   `json:"connections"`
	Subscribers      int                   `json:"subscribers"`
	TrackedWorkers   int                   `json:"trackedWorkers"`
}

// Stats returns aggregate counts for the instance.
func (p *Plane) Stats(ctx context.Context) (*Stats, error) {
	sessions, err := p.store.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	byStatus := make(map[models.Status]int)
	for _, s := range sessions {
		byStatus[s.Status]++
	}

	conns, subs := p.events.Stats()
	return &Stats{
		SessionsByStatus: byStatus,
		Connections:      conns,
		Subscribers:      subs,
		TrackedWorkers:   p.monitor.Tracked(),
	}, nil
}

// Shutdown stops background work and closes every worker connection.
func (p *Plane) Shutdown() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.monitor.Stop()
	p.proxies.CloseAll()
	p.wg.Wait()
}

// onWorkerEvent routes unsolicited worker pushes onto the event bus.
func (p *Plane) onWorkerEvent(sessionID string, we models.WorkerEvent) {
	p.events.Publish(models.NewWorkerEvent(sessionID, we))
}

// onConnectionLost fires when a worker transport closes. Registry updates
// run here asynchronously relative to the read loop, and the session goes
// to lost so both current and future callers observe the drop.
func (p *Plane) onConnectionLost(sessionID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		p.events.Unregister(hub.WorkerConnID(sessionID))

		session, err := p.store.Get(ctx, sessionID)
		if err != nil {
			return
		}
		if session.Status != models.StatusRunning && session.Status != models.StatusPaused {
			return
		}

		lost := models.StatusLost
		if _, err := p.store.Update(ctx, sessionID, models.SessionUpdate{Status: &lost}); err != nil {
			if !fault.Is(err, fault.Conflict) {
				log.Printf("control: marking %s lost failed: %v", sessionID, err)
			}
			return
		}
		log.Printf("control: session %s lost its worker connection", sessionID)
		p.events.Publish(models.NewStatusChangedEvent(sessionID, session.Status, lost, "worker connection dropped"))
	}()
}

// failSession moves a session to failed, tolerating records that already
// expired or raced to a terminal state.
func (p *Plane) failSession(sessionID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	session, err := p.store.Get(ctx, sessionID)
	if err != nil {
		return
	}

	failed := models.StatusFailed
	empty := ""
	if _, err := p.store.Update(ctx, sessionID, models.SessionUpdate{Status: &failed, Endpoint: &empty}); err != nil {
		return
	}
	p.events.Publish(models.NewStatusChangedEvent(sessionID, session.Status, failed, reason))
}

func (p *Plane) acquireSlot(projectID, sessionID string) error {
	p.mu.Lock()
	sem, ok := p.slots[projectID]
	if !ok {
		sem = semaphore.NewWeighted(p.opts.MaxSessionsPerProject)
		p.slots[projectID] = sem
	}
	p.mu.Unlock()

	if !sem.TryAcquire(1) {
		return fault.New(fault.ResourceExhausted, "",
			"concurrency limit reached for project %s", projectID)
	}

	p.mu.Lock()
	p.slotOf[sessionID] = projectID
	p.mu.Unlock()
	return nil
}

// releaseSlot is idempotent per session; whichever teardown path gets
// there first wins.
func (p *Plane) releaseSlot(sessionID string) {
	p.mu.Lock()
	projectID, ok := p.slotOf[sessionID]
	if ok {
		delete(p.slotOf, sessionID)
	}
	sem := p.slots[projectID]
	p.mu.Unlock()

	if ok && sem != nil {
		sem.Release(1)
	}
}

// janitor periodically sweeps running sessions with stale heartbeats to
// lost, and reclaims slots for records TTL expiry removed underneath us.
func (p *Plane) janitor() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		swept, err := p.store.SweepStale(ctx, p.opts.HeartbeatTimeout)
		if err != nil {
			log.Printf("control: heartbeat sweep failed: %v", err)
		}
		for _, id := range swept {
			log.Printf("control: session %s lost (heartbeat timeout)", id)
			p.proxies.Evict(id)
			p.events.Unregister(hub.WorkerConnID(id))
			p.events.Publish(models.NewStatusChangedEvent(id, models.StatusRunning, models.StatusLost, "heartbeat timeout"))
		}

		// Slots whose session record expired are leaked; reconcile them.
		p.mu.Lock()
		var held []string
		for id := range p.slotOf {
			held = append(held, id)
		}
		p.mu.Unlock()
		for _, id := range held {
			if _, err := p.store.Get(ctx, id); fault.Is(err, fault.NotFound) {
				p.monitor.Untrack(id)
				p.proxies.Evict(id)
				p.events.DropSession(id)
				p.releaseSlot(id)
			}
		}
		cancel()
	}
}
