package models

import "encoding/json"

// Wire envelopes for the worker command protocol. Requests and responses
// are matched by correlation id; frames without an id are unsolicited
// worker events.

// CommandRequest is the outbound envelope for one proxied call
type CommandRequest struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// CommandError is the error half of a response envelope
type CommandError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// CommandResponse is the inbound envelope matching a CommandRequest by id
type CommandResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *CommandError   `json:"error,omitempty"`
}

// WorkerEvent is an unsolicited push from the worker (no id)
type WorkerEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Frame is the superset shape used to demultiplex inbound traffic: a frame
// with an id is a response, anything else is a worker event.
type Frame struct {
	ID      *uint64         `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *CommandError   `json:"error,omitempty"`
	Type    string          `json:"type,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
