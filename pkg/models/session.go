package models

import "time"

// Status represents the current state of a session
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusPaused   Status = "paused"
	StatusLost     Status = "lost"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusFailed   Status = "failed"
)

// transitions lists the legal next states for every non-terminal status.
// stopped and failed are terminal.
var transitions = map[Status][]Status{
	StatusStarting: {StatusRunning, StatusStopping, StatusFailed},
	StatusRunning:  {StatusPaused, StatusLost, StatusStopping, StatusFailed},
	StatusPaused:   {StatusRunning, StatusStopping, StatusFailed},
	StatusLost:     {StatusRunning, StatusStopping},
	StatusStopping: {StatusStopped},
}

// CanTransition reports whether moving from one status to another is legal.
// A no-op transition (same status) is always allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusFailed
}

// Active reports whether the session still occupies a worker slot.
func (s Status) Active() bool {
	return !s.Terminal()
}

// Session represents one logical browser-automation unit and its worker binding
type Session struct {
	SessionID       string            `json:"sessionId"`
	InstanceID      string            `json:"instanceId"`
	Status          Status            `json:"status"`
	WorkerRef       string            `json:"workerRef,omitempty"`
	Endpoint        string            `json:"endpoint,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
	LastHeartbeatAt time.Time         `json:"lastHeartbeatAt,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy so callers can't mutate stored records.
func (s *Session) Clone() *Session {
	out := *s
	if s.Metadata != nil {
		out.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// SessionUpdate is a partial-field merge applied atomically by the store.
// Nil fields are left untouched; UpdatedAt is always refreshed.
type SessionUpdate struct {
	Status          *Status
	WorkerRef       *string
	Endpoint        *string
	LastHeartbeatAt *time.Time
	Metadata        map[string]string
}

// CreateSessionRequest is the payload for creating a new session
type CreateSessionRequest struct {
	ProjectID  string            `json:"projectId"`
	CPU        int64             `json:"cpu,omitempty"`
	MemoryMB   int64             `json:"memoryMb,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	TimeoutSec int               `json:"timeout,omitempty"`
	Credential string            `json:"credential,omitempty"`
}

// Direction distinguishes subscriber connections from worker connections
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Connection is a live transport session tracked by the registry
type Connection struct {
	ConnectionID   string    `json:"connectionId"`
	SessionID      string    `json:"sessionId"`
	Direction      Direction `json:"direction"`
	ConnectedAt    time.Time `json:"connectedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}
