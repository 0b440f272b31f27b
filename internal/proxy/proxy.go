// Package proxy presents a call-and-wait abstraction over the persistent
// websocket connection to one worker. Outbound commands carry monotonic
// correlation ids; the read loop demultiplexes matching response frames to
// waiting callers and id-less frames to the event bus.
package proxy

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/browsergrid/browsergrid/internal/fault"
	"github.com/browsergrid/browsergrid/pkg/models"
)

type callResult struct {
	resp models.CommandResponse
	err  error
}

// Handle is one open connection to one worker. It never reconnects; on
// closure every outstanding call fails with ConnectionLost and the owner
// decides whether to reopen.
type Handle struct {
	sessionID string
	endpoint  string
	conn      *websocket.Conn

	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan callResult
	closed  bool

	writeMu sync.Mutex

	onEvent   func(string, models.WorkerEvent)
	onClose   func(string)
	closeOnce sync.Once
}

// Open dials the worker endpoint and starts the read loop. onEvent
// receives unsolicited worker pushes; onClose fires exactly once when the
// transport closes for any reason.
func Open(ctx context.Context, sessionID, endpoint string, onEvent func(string, models.WorkerEvent), onClose func(string)) (*Handle, error) {
	url := endpoint
	if !strings.Contains(url, "://") {
		url = "ws://" + url
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fault.Wrap(fault.ConnectionLost, sessionID, err, "failed to connect to worker at %s", endpoint)
	}

	h := &Handle{
		sessionID: sessionID,
		endpoint:  endpoint,
		conn:      conn,
		pending:   make(map[uint64]chan callResult),
		onEvent:   onEvent,
		onClose:   onClose,
	}
	go h.readLoop()
	return h, nil
}

// Endpoint returns the address this handle is connected to.
func (h *Handle) Endpoint() string { return h.endpoint }

// Call sends one command and waits for the matching response, the timeout,
// or cancellation, whichever comes first. Exactly one outcome resolves the
// call and the pending entry is always removed.
func (h *Handle) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fault.Wrap(fault.RemoteError, h.sessionID, err, "unencodable params for %s", method)
	}

	id := h.nextID.Add(1)
	ch := make(chan callResult, 1)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, fault.New(fault.ConnectionLost, h.sessionID, "connection to worker is closed")
	}
	h.pending[id] = ch
	h.mu.Unlock()

	req := models.CommandRequest{ID: id, Method: method, Params: raw}
	h.writeMu.Lock()
	err = h.conn.WriteJSON(req)
	h.writeMu.Unlock()
	if err != nil {
		h.abandon(id)
		return nil, fault.Wrap(fault.ConnectionLost, h.sessionID, err, "failed to send %s", method)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return h.finish(res)
	case <-timer.C:
		if h.abandon(id) {
			return nil, fault.New(fault.Timeout, h.sessionID, "no response for %s within %s", method, timeout)
		}
		// The response raced the deadline; it is already in the buffer.
		return h.finish(<-ch)
	case <-ctx.Done():
		if h.abandon(id) {
			return nil, ctx.Err()
		}
		return h.finish(<-ch)
	}
}

func (h *Handle) finish(res callResult) (json.RawMessage, error) {
	if res.err != nil {
		return nil, res.err
	}
	if res.resp.Error != nil {
		return nil, fault.Remote(h.sessionID, res.resp.Error.Message, res.resp.Error.Code)
	}
	return res.resp.Result, nil
}

// abandon removes a pending call, reporting whether it was still
// unresolved. A false return means the read loop got there first.
func (h *Handle) abandon(id uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.pending[id]; !ok {
		return false
	}
	delete(h.pending, id)
	return true
}

func (h *Handle) readLoop() {
	for {
		var frame models.Frame
		if err := h.conn.ReadJSON(&frame); err != nil {
			h.fail(err)
			return
		}

		if frame.ID == nil {
			if h.onEvent != nil {
				h.onEvent(h.sessionID, models.WorkerEvent{Type: frame.Type, Payload: frame.Payload})
			}
			continue
		}

		h.mu.Lock()
		ch, ok := h.pending[*frame.ID]
		if ok {
			delete(h.pending, *frame.ID)
		}
		h.mu.Unlock()

		if !ok {
			// Response arrived after its call timed out; dropping it is
			// the exactly-once guarantee.
			log.Printf("proxy: session %s: dropping late response id=%d", h.sessionID, *frame.ID)
			continue
		}
		ch <- callResult{resp: models.CommandResponse{ID: *frame.ID, Result: frame.Result, Error: frame.Error}}
	}
}

// fail marks the handle closed and resolves every outstanding call with
// ConnectionLost. No call is left hanging.
func (h *Handle) fail(cause error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	outstanding := h.pending
	h.pending = make(map[uint64]chan callResult)
	h.mu.Unlock()

	for _, ch := range outstanding {
		ch <- callResult{err: fault.Wrap(fault.ConnectionLost, h.sessionID, cause, "transport closed mid-call")}
	}

	h.conn.Close()
	h.closeOnce.Do(func() {
		if h.onClose != nil {
			h.onClose(h.sessionID)
		}
	})
}

// Close shuts the connection down. Outstanding calls resolve with
// ConnectionLost and onClose fires.
func (h *Handle) Close() error {
	h.writeMu.Lock()
	h.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	h.writeMu.Unlock()

	h.fail(fault.New(fault.ConnectionLost, h.sessionID, "connection closed"))
	return nil
}

// discard closes the handle without reporting transport loss. Deliberate
// replacement and eviction use it so onClose stays a genuine-loss signal.
func (h *Handle) discard() {
	h.closeOnce.Do(func() {})
	h.Close()
}

// Closed reports whether the transport has shut down.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}
