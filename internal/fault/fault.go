// Package fault defines the caller-facing error taxonomy shared by every
// component of the control plane.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for callers
type Kind string

const (
	NotFound          Kind = "not_found"
	Conflict          Kind = "conflict"
	Timeout           Kind = "timeout"
	ConnectionLost    Kind = "connection_lost"
	RemoteError       Kind = "remote_error"
	SessionNotReady   Kind = "session_not_ready"
	ResourceExhausted Kind = "resource_exhausted"
)

// Error carries the taxonomy kind, the session it concerns when known,
// and a human-readable message.
type Error struct {
	Kind      Kind
	SessionID string
	Message   string
	// Code is set for RemoteError, carrying the worker's error code.
	Code  int
	cause error
}

func (e *Error) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s: session %s: %s", e.Kind, e.SessionID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a taxonomy error with a formatted message.
func New(kind Kind, sessionID, format string, args ...any) *Error {
	return &Error{Kind: kind, SessionID: sessionID, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a taxonomy error around an underlying cause.
func Wrap(kind Kind, sessionID string, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, SessionID: sessionID, Message: fmt.Sprintf(format, args...), cause: cause}
}

// Remote builds a RemoteError from a worker error envelope.
func Remote(sessionID, message string, code int) *Error {
	return &Error{Kind: RemoteError, SessionID: sessionID, Message: message, Code: code}
}

// KindOf extracts the taxonomy kind from any error in the chain, or ""
// when the error carries no kind.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
