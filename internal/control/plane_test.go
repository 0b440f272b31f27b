package control

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/browsergrid/browsergrid/internal/fault"
	"github.com/browsergrid/browsergrid/internal/health"
	"github.com/browsergrid/browsergrid/internal/hub"
	"github.com/browsergrid/browsergrid/internal/orchestrator"
	"github.com/browsergrid/browsergrid/internal/store"
	"github.com/browsergrid/browsergrid/pkg/models"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// fakeWorker answers echo and system.health, errors on boom, hangs on
// sleep and drops the transport on die.
func fakeWorker(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			var req models.CommandRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			switch req.Method {
			case "echo", "click":
				conn.WriteJSON(models.CommandResponse{ID: req.ID, Result: req.Params})
			case "system.health":
				conn.WriteJSON(models.CommandResponse{ID: req.ID, Result: json.RawMessage(`{"ok":true}`)})
			case "boom":
				conn.WriteJSON(models.CommandResponse{ID: req.ID, Error: &models.CommandError{Message: "kaput", Code: 7}})
			case "sleep":
			case "die":
				return
			}
		}
	}))
}

// fakeOrch is an in-memory compute backend.
type fakeOrch struct {
	mu       sync.Mutex
	addr     string
	startErr error
	started  map[string]string // sessionID -> workerRef
	stopped  []string
}

func newFakeOrch(addr string) *fakeOrch {
	return &fakeOrch{addr: addr, started: make(map[string]string)}
}

func (f *fakeOrch) StartTask(ctx context.Context, sessionID string, spec orchestrator.TaskSpec) (*orchestrator.TaskHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	ref := "task-" + sessionID
	f.started[sessionID] = ref
	return &orchestrator.TaskHandle{WorkerRef: ref, SessionID: sessionID}, nil
}

func (f *fakeOrch) StopTask(ctx context.Context, workerRef, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, workerRef)
	return nil
}

func (f *fakeOrch) DescribeTask(ctx context.Context, workerRef string) (*orchestrator.TaskStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addr == "" {
		return &orchestrator.TaskStatus{State: orchestrator.TaskPending}, nil
	}
	return &orchestrator.TaskStatus{State: orchestrator.TaskRunning, Address: f.addr}, nil
}

func (f *fakeOrch) FindTaskBySession(ctx context.Context, sessionID string) (*orchestrator.TaskHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ref, ok := f.started[sessionID]; ok {
		return &orchestrator.TaskHandle{WorkerRef: ref, SessionID: sessionID}, nil
	}
	return nil, fault.New(fault.NotFound, sessionID, "no worker for session")
}

func (f *fakeOrch) ResolveEndpoint(ctx context.Context, workerRef string, timeout time.Duration) (string, error) {
	return orchestrator.PollEndpoint(ctx, workerRef, f.DescribeTask, 5*time.Millisecond, timeout)
}

func (f *fakeOrch) Close() error { return nil }

func (f *fakeOrch) stoppedRefs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stopped...)
}

func endpointOf(srv *httptest.Server) string {
	return strings.TrimPrefix(srv.URL, "http://")
}

func newTestPlane(t *testing.T, orch orchestrator.Orchestrator) *Plane {
	t.Helper()
	p := NewPlane(store.NewMemoryStore(), orch, hub.New(100, 16), Options{
		SessionTTL:            time.Minute,
		SweepInterval:         time.Hour,
		ResolveTimeout:        2 * time.Second,
		MaxSessionsPerProject: 4,
		Health: health.Options{
			// Keep the monitor idle during tests that drive transitions
			// by hand.
			Interval: time.Hour,
		},
	})
	t.Cleanup(p.Shutdown)
	return p
}

func waitForStatus(t *testing.T, p *Plane, sessionID string, want models.Status) *models.Session {
	t.Helper()
	var got *models.Session
	require.Eventually(t, func() bool {
		s, err := p.GetSession(context.Background(), sessionID)
		if err != nil {
			return false
		}
		got = s
		return s.Status == want
	}, 5*time.Second, 10*time.Millisecond, "session never reached %s", want)
	return got
}

func TestEndToEndScenario(t *testing.T) {
	ctx := context.Background()
	worker := fakeWorker(t)
	defer worker.Close()
	orch := newFakeOrch(endpointOf(worker))
	p := newTestPlane(t, orch)

	created, err := p.CreateSession(ctx, models.CreateSessionRequest{ProjectID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusStarting, created.Status)
	assert.Empty(t, created.Endpoint)

	sub, err := p.Subscribe(ctx, created.SessionID, false)
	require.NoError(t, err)

	running := waitForStatus(t, p, created.SessionID, models.StatusRunning)
	assert.Equal(t, endpointOf(worker), running.Endpoint)
	assert.NotEmpty(t, running.WorkerRef)
	require.Eventually(t, func() bool {
		return len(p.Events().ConnectionsFor(created.SessionID)) == 1
	}, time.Second, 10*time.Millisecond, "the worker link is registered")

	result, err := p.SendCommand(ctx, created.SessionID, "click", map[string]string{"selector": "#go"}, 5*time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"selector":"#go"}`, string(result.(json.RawMessage)))

	// Simulated transport drop: the worker closes the connection
	// mid-call and the session goes lost.
	_, err = p.SendCommand(ctx, created.SessionID, "die", nil, 5*time.Second)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.ConnectionLost))
	waitForStatus(t, p, created.SessionID, models.StatusLost)
	assert.Empty(t, p.Events().ConnectionsFor(created.SessionID), "the dead worker link is deregistered")

	_, err = p.SendCommand(ctx, created.SessionID, "click", nil, time.Second)
	assert.True(t, fault.Is(err, fault.SessionNotReady), "lost sessions fail fast")

	// The worker endpoint is still reachable; resume reconnects.
	resumed, err := p.ResumeSession(ctx, created.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, resumed.Status)

	_, err = p.SendCommand(ctx, created.SessionID, "echo", nil, 5*time.Second)
	require.NoError(t, err)

	require.NoError(t, p.EndSession(ctx, created.SessionID, "test over"))
	ended, err := p.GetSession(ctx, created.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, ended.Status)
	assert.Empty(t, ended.Endpoint)
	assert.Contains(t, orch.stoppedRefs(), running.WorkerRef)
	assert.Empty(t, p.Events().ConnectionsFor(created.SessionID))

	// The status events arrived in lifecycle order.
	var seen []models.Status
	for len(seen) < 3 {
		select {
		case ev := <-sub.C:
			if ev.Type != models.EventStatusChanged {
				continue
			}
			var payload models.StatusChangedPayload
			require.NoError(t, json.Unmarshal(ev.Payload, &payload))
			seen = append(seen, payload.To)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for status events, got %v", seen)
		}
	}
	assert.Equal(t, []models.Status{models.StatusRunning, models.StatusLost, models.StatusRunning}, seen[:3])

	err = p.EndSession(ctx, created.SessionID, "again")
	assert.True(t, fault.Is(err, fault.Conflict), "ending a stopped session conflicts")
}

func TestCreateSessionValidation(t *testing.T) {
	ctx := context.Background()
	p := newTestPlane(t, newFakeOrch(""))

	_, err := p.CreateSession(ctx, models.CreateSessionRequest{})
	assert.True(t, fault.Is(err, fault.Conflict))

	_, err = p.CreateSession(ctx, models.CreateSessionRequest{ProjectID: "p1", TimeoutSec: 10})
	assert.True(t, fault.Is(err, fault.Conflict))
}

func TestCreateSessionStartFailureReleasesSlot(t *testing.T) {
	ctx := context.Background()
	worker := fakeWorker(t)
	defer worker.Close()
	orch := newFakeOrch(endpointOf(worker))
	orch.startErr = fault.New(fault.ResourceExhausted, "", "cluster full")
	p := newTestPlane(t, orch)

	_, err := p.CreateSession(ctx, models.CreateSessionRequest{ProjectID: "p1"})
	assert.True(t, fault.Is(err, fault.ResourceExhausted))

	orch.mu.Lock()
	orch.startErr = nil
	orch.mu.Unlock()

	created, err := p.CreateSession(ctx, models.CreateSessionRequest{ProjectID: "p1"})
	require.NoError(t, err, "the failed create did not leak a slot")
	waitForStatus(t, p, created.SessionID, models.StatusRunning)
}

func TestCreateSessionBindFailure(t *testing.T) {
	ctx := context.Background()
	orch := newFakeOrch("") // task never reports an address
	p := NewPlane(store.NewMemoryStore(), orch, hub.New(100, 16), Options{
		SessionTTL:     time.Minute,
		SweepInterval:  time.Hour,
		ResolveTimeout: 100 * time.Millisecond,
		Health:         health.Options{Interval: time.Hour},
	})
	t.Cleanup(p.Shutdown)

	created, err := p.CreateSession(ctx, models.CreateSessionRequest{ProjectID: "p1"})
	require.NoError(t, err)

	failed := waitForStatus(t, p, created.SessionID, models.StatusFailed)
	assert.Empty(t, failed.Endpoint)
	assert.Eventually(t, func() bool {
		return len(orch.stoppedRefs()) == 1
	}, time.Second, 10*time.Millisecond, "the unreachable worker is stopped")
}

func TestSendCommandNotReady(t *testing.T) {
	ctx := context.Background()
	p := newTestPlane(t, newFakeOrch("")) // stays in starting

	created, err := p.CreateSession(ctx, models.CreateSessionRequest{ProjectID: "p1"})
	require.NoError(t, err)

	_, err = p.SendCommand(ctx, created.SessionID, "click", nil, time.Second)
	assert.True(t, fault.Is(err, fault.SessionNotReady))

	_, err = p.SendCommand(ctx, "missing", "click", nil, time.Second)
	assert.True(t, fault.Is(err, fault.NotFound))
}

func TestProjectConcurrencyLimit(t *testing.T) {
	ctx := context.Background()
	worker := fakeWorker(t)
	defer worker.Close()
	orch := newFakeOrch(endpointOf(worker))
	p := NewPlane(store.NewMemoryStore(), orch, hub.New(100, 16), Options{
		SessionTTL:            time.Minute,
		SweepInterval:         time.Hour,
		ResolveTimeout:        2 * time.Second,
		MaxSessionsPerProject: 1,
		Health:                health.Options{Interval: time.Hour},
	})
	t.Cleanup(p.Shutdown)

	first, err := p.CreateSession(ctx, models.CreateSessionRequest{ProjectID: "p1"})
	require.NoError(t, err)

	_, err = p.CreateSession(ctx, models.CreateSessionRequest{ProjectID: "p1"})
	assert.True(t, fault.Is(err, fault.ResourceExhausted))

	// Another project is unaffected.
	_, err = p.CreateSession(ctx, models.CreateSessionRequest{ProjectID: "p2"})
	require.NoError(t, err)

	// Ending the first session frees its slot.
	waitForStatus(t, p, first.SessionID, models.StatusRunning)
	require.NoError(t, p.EndSession(ctx, first.SessionID, "done"))
	_, err = p.CreateSession(ctx, models.CreateSessionRequest{ProjectID: "p1"})
	assert.NoError(t, err)
}

func TestSubscribeUnknownSession(t *testing.T) {
	p := newTestPlane(t, newFakeOrch(""))
	_, err := p.Subscribe(context.Background(), "missing", false)
	assert.True(t, fault.Is(err, fault.NotFound))
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	worker := fakeWorker(t)
	defer worker.Close()
	p := newTestPlane(t, newFakeOrch(endpointOf(worker)))

	created, err := p.CreateSession(ctx, models.CreateSessionRequest{ProjectID: "p1"})
	require.NoError(t, err)
	waitForStatus(t, p, created.SessionID, models.StatusRunning)

	_, err = p.Subscribe(ctx, created.SessionID, false)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stats, err := p.Stats(ctx)
		return err == nil && stats.Connections == 1 // the worker link
	}, time.Second, 10*time.Millisecond)

	stats, err := p.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.SessionsByStatus[models.StatusRunning])
	assert.Equal(t, 1, stats.Subscribers)
	assert.Equal(t, 1, stats.TrackedWorkers)
}

func TestListByMetadata(t *testing.T) {
	ctx := context.Background()
	worker := fakeWorker(t)
	defer worker.Close()
	p := newTestPlane(t, newFakeOrch(endpointOf(worker)))

	created, err := p.CreateSession(ctx, models.CreateSessionRequest{
		ProjectID: "p1",
		Metadata:  map[string]string{"user": "alice"},
	})
	require.NoError(t, err)

	byUser, err := p.ListByMetadata(ctx, "user", "alice")
	require.NoError(t, err)
	require.Len(t, byUser, 1)
	assert.Equal(t, created.SessionID, byUser[0].SessionID)

	byProject, err := p.ListByMetadata(ctx, "projectId", "p1")
	require.NoError(t, err)
	assert.Len(t, byProject, 1)
}
