package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/browsergrid/browsergrid/internal/fault"
	"github.com/browsergrid/browsergrid/pkg/models"
)

func newSession(id string) *models.Session {
	return &models.Session{
		SessionID:  id,
		InstanceID: id + "-i1",
		Status:     models.StatusStarting,
		Metadata:   map[string]string{"projectId": "p1"},
	}
}

func TestMemoryStoreCreateGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	created, err := s.Create(ctx, newSession("s1"), time.Minute)
	require.NoError(t, err)
	assert.False(t, created.CreatedAt.IsZero())

	got, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusStarting, got.Status)

	_, err = s.Get(ctx, "nope")
	assert.True(t, fault.Is(err, fault.NotFound))

	_, err = s.Create(ctx, newSession("s1"), time.Minute)
	assert.True(t, fault.Is(err, fault.Conflict))
}

func TestMemoryStorePartialUpdate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	_, err := s.Create(ctx, newSession("s1"), time.Minute)
	require.NoError(t, err)

	ref := "task-1"
	updated, err := s.Update(ctx, "s1", models.SessionUpdate{WorkerRef: &ref})
	require.NoError(t, err)
	assert.Equal(t, "task-1", updated.WorkerRef)
	assert.Equal(t, models.StatusStarting, updated.Status, "untouched fields survive")
	assert.Equal(t, "p1", updated.Metadata["projectId"])
	assert.True(t, updated.UpdatedAt.After(updated.CreatedAt) || updated.UpdatedAt.Equal(updated.CreatedAt))

	bySession, err := s.GetByWorkerRef(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "s1", bySession.SessionID)
}

func TestMemoryStoreIllegalTransition(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	_, err := s.Create(ctx, newSession("s1"), time.Minute)
	require.NoError(t, err)

	paused := models.StatusPaused
	_, err = s.Update(ctx, "s1", models.SessionUpdate{Status: &paused})
	assert.True(t, fault.Is(err, fault.Conflict))

	got, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusStarting, got.Status, "status unchanged after rejected transition")
}

func TestMemoryStoreTerminalIsFinal(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	sess := newSession("s1")
	sess.Status = models.StatusStopping
	_, err := s.Create(ctx, sess, time.Minute)
	require.NoError(t, err)

	stopped := models.StatusStopped
	_, err = s.Update(ctx, "s1", models.SessionUpdate{Status: &stopped})
	require.NoError(t, err)

	running := models.StatusRunning
	_, err = s.Update(ctx, "s1", models.SessionUpdate{Status: &running})
	assert.True(t, fault.Is(err, fault.Conflict))
}

func TestMemoryStoreTTLExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	sess := newSession("s1")
	sess.WorkerRef = "task-9"
	_, err := s.Create(ctx, sess, 50*time.Millisecond)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, err := s.Get(ctx, "s1")
		return fault.Is(err, fault.NotFound)
	}, time.Second, 10*time.Millisecond)

	_, err = s.GetByWorkerRef(ctx, "task-9")
	assert.True(t, fault.Is(err, fault.NotFound), "worker index removed with the record")
}

func TestMemoryStoreListActive(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	_, err := s.Create(ctx, newSession("s1"), time.Minute)
	require.NoError(t, err)

	done := newSession("s2")
	done.Status = models.StatusStopped
	_, err = s.Create(ctx, done, time.Minute)
	require.NoError(t, err)

	active, err := s.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "s1", active[0].SessionID)
}

func TestMemoryStoreListByMetadata(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	a := newSession("s1")
	a.Metadata["user"] = "alice"
	b := newSession("s2")
	b.Metadata["user"] = "bob"
	_, err := s.Create(ctx, a, time.Minute)
	require.NoError(t, err)
	_, err = s.Create(ctx, b, time.Minute)
	require.NoError(t, err)

	got, err := s.ListByMetadata(ctx, "user", "alice")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "s1", got[0].SessionID)

	all, err := s.ListByMetadata(ctx, "projectId", "p1")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestMemoryStoreMetadataUpdateMovesLookup(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	sess := newSession("s1")
	sess.Metadata["user"] = "alice"
	_, err := s.Create(ctx, sess, time.Minute)
	require.NoError(t, err)

	_, err = s.Update(ctx, "s1", models.SessionUpdate{Metadata: map[string]string{"user": "bob"}})
	require.NoError(t, err)

	// The old value no longer matches; only the new one does.
	old, err := s.ListByMetadata(ctx, "user", "alice")
	require.NoError(t, err)
	assert.Empty(t, old)

	got, err := s.ListByMetadata(ctx, "user", "bob")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "s1", got[0].SessionID)
}

func TestMemoryStoreSweepStale(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	stale := newSession("stale")
	stale.Status = models.StatusRunning
	stale.LastHeartbeatAt = time.Now().Add(-10 * time.Minute)
	_, err := s.Create(ctx, stale, time.Minute)
	require.NoError(t, err)

	fresh := newSession("fresh")
	fresh.Status = models.StatusRunning
	fresh.LastHeartbeatAt = time.Now()
	_, err = s.Create(ctx, fresh, time.Minute)
	require.NoError(t, err)

	swept, err := s.SweepStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"stale"}, swept)

	got, _ := s.Get(ctx, "stale")
	assert.Equal(t, models.StatusLost, got.Status)
	got, _ = s.Get(ctx, "fresh")
	assert.Equal(t, models.StatusRunning, got.Status)
}

func TestMemoryStoreDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	sess := newSession("s1")
	sess.WorkerRef = "task-1"
	_, err := s.Create(ctx, sess, time.Minute)
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "s1"))
	_, err = s.Get(ctx, "s1")
	assert.True(t, fault.Is(err, fault.NotFound))
	_, err = s.GetByWorkerRef(ctx, "task-1")
	assert.True(t, fault.Is(err, fault.NotFound))

	assert.True(t, fault.Is(s.Delete(ctx, "s1"), fault.NotFound))
}
