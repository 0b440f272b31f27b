// Package hub owns the control plane's shared fan-out state: the registry
// of live transport connections and the per-session event bus.
package hub

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/browsergrid/browsergrid/internal/fault"
	"github.com/browsergrid/browsergrid/pkg/models"
)

// EventWriter is the slice of a websocket connection the hub needs to
// broadcast events. *websocket.Conn satisfies it. Outbound (worker)
// connections carry no writer; they are registered for bookkeeping only.
type EventWriter interface {
	WriteJSON(v any) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// sendTimeout bounds a single broadcast write; a peer that cannot accept
// an event within it is removed.
const sendTimeout = 10 * time.Second

// WorkerConnID is the registry id for a session's worker link. One worker
// connection exists per session, so the id is derived, not random.
func WorkerConnID(sessionID string) string { return "worker-" + sessionID }

// Subscription is an in-process event feed for one session. Events arrive
// on C in publish order; the channel is closed on unsubscribe or when the
// session is dropped.
type Subscription struct {
	ID        string
	SessionID string
	C         <-chan models.Event
	ch        chan models.Event
}

type registeredConn struct {
	info   models.Connection
	writer EventWriter

	// sendCh and done exist only for inbound connections with a writer.
	// A dedicated goroutine drains sendCh so a stalled peer never holds
	// the hub lock or blocks a publisher.
	sendCh chan models.Event
	done   chan struct{}
}

// Hub is constructed once per control-plane instance and passed by handle;
// there are no package-level registries.
type Hub struct {
	mu sync.Mutex

	conns     map[string]*registeredConn
	bySession map[string]map[string]struct{}

	subs map[string]*Subscription
	// subOrder preserves registration order per session, which is also
	// delivery order.
	subOrder map[string][]string

	rings    map[string]*eventRing
	ringSize int
	bufSize  int
}

// New creates an empty hub. ringSize caps retained events per session;
// bufSize is the per-subscriber channel capacity.
func New(ringSize, bufSize int) *Hub {
	return &Hub{
		conns:     make(map[string]*registeredConn),
		bySession: make(map[string]map[string]struct{}),
		subs:      make(map[string]*Subscription),
		subOrder:  make(map[string][]string),
		rings:     make(map[string]*eventRing),
		ringSize:  ringSize,
		bufSize:   bufSize,
	}
}

// Register tracks a live connection for a session. With replay, the
// retained history is queued to the connection before it joins the
// broadcast set, under the same lock, so no event is missed or doubled.
// The caller verifies the session exists before registering.
func (h *Hub) Register(sessionID, connectionID string, direction models.Direction, w EventWriter, replay bool) models.Connection {
	now := time.Now()
	info := models.Connection{
		ConnectionID:   connectionID,
		SessionID:      sessionID,
		Direction:      direction,
		ConnectedAt:    now,
		LastActivityAt: now,
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	rc := &registeredConn{info: info, writer: w}
	if direction == models.DirectionInbound && w != nil {
		// Sized so a full history replay plus a burst of live events
		// fits without dropping.
		rc.sendCh = make(chan models.Event, h.ringSize+h.bufSize)
		rc.done = make(chan struct{})
		if replay {
			if ring := h.rings[sessionID]; ring != nil {
				for _, ev := range ring.snapshot() {
					rc.sendCh <- ev
				}
			}
		}
		go h.writeLoop(connectionID, rc)
	}

	h.conns[connectionID] = rc
	if h.bySession[sessionID] == nil {
		h.bySession[sessionID] = make(map[string]struct{})
	}
	h.bySession[sessionID][connectionID] = struct{}{}
	return info
}

// writeLoop drains one connection's send queue. A write error or timeout
// removes the connection and closes its transport.
func (h *Hub) writeLoop(connectionID string, rc *registeredConn) {
	for {
		select {
		case <-rc.done:
			return
		case ev := <-rc.sendCh:
			rc.writer.SetWriteDeadline(time.Now().Add(sendTimeout))
			if err := rc.writer.WriteJSON(ev); err != nil {
				log.Printf("hub: send to connection %s failed, removing: %v", connectionID, err)
				h.mu.Lock()
				h.removeConnLocked(connectionID, true)
				h.mu.Unlock()
				return
			}
			h.Touch(connectionID)
		}
	}
}

// Unregister removes a connection without closing its writer; the caller
// owns the transport.
func (h *Hub) Unregister(connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeConnLocked(connectionID, false)
}

func (h *Hub) removeConnLocked(connectionID string, closeWriter bool) {
	rc, ok := h.conns[connectionID]
	if !ok {
		return
	}
	delete(h.conns, connectionID)
	if set := h.bySession[rc.info.SessionID]; set != nil {
		delete(set, connectionID)
		if len(set) == 0 {
			delete(h.bySession, rc.info.SessionID)
		}
	}
	if rc.done != nil {
		close(rc.done)
	}
	if closeWriter && rc.writer != nil {
		rc.writer.Close()
	}
}

// ConnectionsFor returns the connection ids registered for a session.
func (h *Hub) ConnectionsFor(sessionID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	ids := make([]string, 0, len(h.bySession[sessionID]))
	for id := range h.bySession[sessionID] {
		ids = append(ids, id)
	}
	return ids
}

// Touch refreshes a connection's activity timestamp.
func (h *Hub) Touch(connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rc, ok := h.conns[connectionID]; ok {
		rc.info.LastActivityAt = time.Now()
	}
}

// Subscribe registers an in-process subscriber for a session. With replay,
// the whole retained history is queued before live delivery begins; the
// channel is sized to hold it, and the lock makes the replay-to-live
// handoff gapless.
func (h *Hub) Subscribe(sessionID string, replay bool) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	var history []models.Event
	if replay {
		if ring := h.rings[sessionID]; ring != nil {
			history = ring.snapshot()
		}
	}

	ch := make(chan models.Event, len(history)+h.bufSize)
	sub := &Subscription{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		C:         ch,
		ch:        ch,
	}
	for _, ev := range history {
		ch <- ev
	}
	h.subs[sub.ID] = sub
	h.subOrder[sessionID] = append(h.subOrder[sessionID], sub.ID)
	return sub
}

// Unsubscribe stops delivery to one subscriber and closes its channel.
// Unknown ids are reported as NotFound.
func (h *Hub) Unsubscribe(subscriptionID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.subs[subscriptionID]
	if !ok {
		return fault.New(fault.NotFound, "", "unknown subscription %s", subscriptionID)
	}
	h.removeSubLocked(sub)
	return nil
}

func (h *Hub) removeSubLocked(sub *Subscription) {
	delete(h.subs, sub.ID)
	order := h.subOrder[sub.SessionID]
	for i, id := range order {
		if id == sub.ID {
			h.subOrder[sub.SessionID] = append(order[:i], order[i+1:]...)
			break
		}
	}
	if len(h.subOrder[sub.SessionID]) == 0 {
		delete(h.subOrder, sub.SessionID)
	}
	close(sub.ch)
}

// Publish appends the event to the session's ring, delivers it to every
// in-process subscriber in registration order, and queues it to the
// session's subscriber connections. Publish never writes to a socket
// itself; each connection's write loop does, so a stalled peer cannot
// block the publisher.
func (h *Hub) Publish(event models.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ring := h.rings[event.SessionID]
	if ring == nil {
		ring = newEventRing(h.ringSize)
		h.rings[event.SessionID] = ring
	}
	ring.append(event)

	for _, subID := range h.subOrder[event.SessionID] {
		sub := h.subs[subID]
		select {
		case sub.ch <- event:
		default:
			// Slow consumer: drop for this subscriber rather than
			// block the publisher.
			log.Printf("hub: subscriber %s buffer full, dropping event %s", subID, event.EventID)
		}
	}

	for connID := range h.bySession[event.SessionID] {
		rc := h.conns[connID]
		if rc.sendCh == nil {
			continue
		}
		select {
		case rc.sendCh <- event:
		default:
			log.Printf("hub: connection %s send queue full, dropping event %s", connID, event.EventID)
		}
	}
}

// History returns the retained events for a session, oldest first.
func (h *Hub) History(sessionID string) []models.Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	ring := h.rings[sessionID]
	if ring == nil {
		return nil
	}
	return ring.snapshot()
}

// DropSession removes every connection, subscription and retained event
// for a deleted session.
func (h *Hub) DropSession(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for connID := range h.bySession[sessionID] {
		h.removeConnLocked(connID, true)
	}
	for _, subID := range append([]string(nil), h.subOrder[sessionID]...) {
		if sub, ok := h.subs[subID]; ok {
			h.removeSubLocked(sub)
		}
	}
	delete(h.rings, sessionID)
}

// Stats reports connection and subscriber totals.
func (h *Hub) Stats() (connections, subscribers int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns), len(h.subs)
}

// eventRing is a fixed-capacity ring of the most recent events.
type eventRing struct {
	buf  []models.Event
	next int
	full bool
}

func newEventRing(size int) *eventRing {
	if size <= 0 {
		size = 1
	}
	return &eventRing{buf: make([]models.Event, size)}
}

func (r *eventRing) append(ev models.Event) {
	r.buf[r.next] = ev
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *eventRing) snapshot() []models.Event {
	if !r.full {
		return append([]models.Event(nil), r.buf[:r.next]...)
	}
	out := make([]models.Event, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}
