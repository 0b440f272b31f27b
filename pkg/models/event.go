package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType tags the payload shape of an Event
type EventType string

const (
	EventStatusChanged        EventType = "status_changed"
	EventProgress             EventType = "progress"
	EventInterventionRequired EventType = "intervention_required"
	// EventUnknown carries worker pushes this control plane doesn't
	// understand; the payload passes through opaque.
	EventUnknown EventType = "unknown"
)

// Event is an immutable notification emitted during a session's life.
// Events are retained in a bounded per-session ring for replay; they are
// not a system of record.
type Event struct {
	EventID   string          `json:"eventId"`
	SessionID string          `json:"sessionId"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// StatusChangedPayload is the payload for EventStatusChanged
type StatusChangedPayload struct {
	From   Status `json:"from"`
	To     Status `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// ProgressPayload is the payload for EventProgress
type ProgressPayload struct {
	Step    string `json:"step"`
	Message string `json:"message,omitempty"`
}

// InterventionPayload is the payload for EventInterventionRequired
type InterventionPayload struct {
	Reason string `json:"reason"`
	URL    string `json:"url,omitempty"`
}

func newEvent(sessionID string, typ EventType, payload any) Event {
	raw, _ := json.Marshal(payload)
	return Event{
		EventID:   uuid.New().String(),
		SessionID: sessionID,
		Type:      typ,
		Timestamp: time.Now(),
		Payload:   raw,
	}
}

// NewStatusChangedEvent builds a status_changed event for a session.
func NewStatusChangedEvent(sessionID string, from, to Status, reason string) Event {
	return newEvent(sessionID, EventStatusChanged, StatusChangedPayload{From: from, To: to, Reason: reason})
}

// NewProgressEvent builds a progress event for a session.
func NewProgressEvent(sessionID, step, message string) Event {
	return newEvent(sessionID, EventProgress, ProgressPayload{Step: step, Message: message})
}

// NewInterventionEvent builds an intervention_required event for a session.
func NewInterventionEvent(sessionID, reason, url string) Event {
	return newEvent(sessionID, EventInterventionRequired, InterventionPayload{Reason: reason, URL: url})
}

// NewWorkerEvent wraps an unsolicited worker push. Types the control plane
// doesn't know are kept as EventUnknown rather than dropped.
func NewWorkerEvent(sessionID string, we WorkerEvent) Event {
	typ := EventType(we.Type)
	switch typ {
	case EventStatusChanged, EventProgress, EventInterventionRequired:
	default:
		typ = EventUnknown
	}
	ev := newEvent(sessionID, typ, nil)
	ev.Payload = we.Payload
	return ev
}
