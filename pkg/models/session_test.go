package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusStarting, StatusRunning, true},
		{StatusStarting, StatusFailed, true},
		{StatusStarting, StatusPaused, false},
		{StatusRunning, StatusPaused, true},
		{StatusRunning, StatusLost, true},
		{StatusRunning, StatusStopping, true},
		{StatusLost, StatusRunning, true},
		{StatusLost, StatusStopping, true},
		{StatusLost, StatusPaused, false},
		{StatusPaused, StatusRunning, true},
		{StatusStopping, StatusStopped, true},
		{StatusStopping, StatusRunning, false},
		{StatusStopped, StatusRunning, false},
		{StatusStopped, StatusStopping, false},
		{StatusFailed, StatusRunning, false},
		{StatusRunning, StatusRunning, true},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.ok, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestTerminalStates(t *testing.T) {
	assert.True(t, StatusStopped.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusLost.Terminal())
	assert.False(t, StatusRunning.Terminal())
}

func TestSessionClone(t *testing.T) {
	s := &Session{
		SessionID: "s1",
		Status:    StatusRunning,
		Metadata:  map[string]string{"user": "a"},
	}
	c := s.Clone()
	c.Metadata["user"] = "b"
	c.Status = StatusPaused

	assert.Equal(t, "a", s.Metadata["user"])
	assert.Equal(t, StatusRunning, s.Status)
}

func TestNewWorkerEventTagging(t *testing.T) {
	known := NewWorkerEvent("s1", WorkerEvent{Type: "progress", Payload: json.RawMessage(`{"step":"nav"}`)})
	assert.Equal(t, EventProgress, known.Type)
	assert.Equal(t, "s1", known.SessionID)

	unknown := NewWorkerEvent("s1", WorkerEvent{Type: "telemetry.v2", Payload: json.RawMessage(`{"x":1}`)})
	assert.Equal(t, EventUnknown, unknown.Type)
	assert.JSONEq(t, `{"x":1}`, string(unknown.Payload))
}
