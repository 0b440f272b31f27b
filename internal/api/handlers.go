package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/browsergrid/browsergrid/internal/control"
	"github.com/browsergrid/browsergrid/internal/fault"
	"github.com/browsergrid/browsergrid/pkg/models"
)

// Handler holds dependencies for HTTP handlers
type Handler struct {
	plane *control.Plane
}

// NewHandler creates a new HTTP handler
func NewHandler(plane *control.Plane) *Handler {
	return &Handler{plane: plane}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the fault taxonomy onto HTTP statuses with a JSON body.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := fault.KindOf(err)
	switch kind {
	case fault.NotFound:
		status = http.StatusNotFound
	case fault.Conflict, fault.SessionNotReady:
		status = http.StatusConflict
	case fault.Timeout:
		status = http.StatusGatewayTimeout
	case fault.ConnectionLost, fault.RemoteError:
		status = http.StatusBadGateway
	case fault.ResourceExhausted:
		status = http.StatusTooManyRequests
	}

	body := map[string]string{"error": err.Error()}
	if kind != "" {
		body["kind"] = string(kind)
	}
	var fe *fault.Error
	if errors.As(err, &fe) && fe.SessionID != "" {
		body["sessionId"] = fe.SessionID
	}
	writeJSON(w, status, body)
}

// CreateSession handles POST /v1/sessions
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req models.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return
	}

	session, err := h.plane.CreateSession(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

// GetSession handles GET /v1/sessions/{id}
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	session, err := h.plane.GetSession(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// ListSessions handles GET /v1/sessions. With projectId or a metadata
// key/value pair it uses the metadata index; otherwise it lists every
// active session.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var (
		sessions []*models.Session
		err      error
	)
	switch {
	case q.Get("projectId") != "":
		sessions, err = h.plane.ListByMetadata(r.Context(), "projectId", q.Get("projectId"))
	case q.Get("metaKey") != "":
		sessions, err = h.plane.ListByMetadata(r.Context(), q.Get("metaKey"), q.Get("metaValue"))
	default:
		sessions, err = h.plane.ListActive(r.Context())
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if sessions == nil {
		sessions = []*models.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// EndSession handles DELETE /v1/sessions/{id}
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "requested by caller"
	}

	if err := h.plane.EndSession(r.Context(), id, reason); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ResumeSession handles POST /v1/sessions/{id}/resume
func (h *Handler) ResumeSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	session, err := h.plane.ResumeSession(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

type commandRequest struct {
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	TimeoutMS int             `json:"timeoutMs,omitempty"`
}

// SendCommand handles POST /v1/sessions/{id}/commands
func (h *Handler) SendCommand(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.Method == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "method is required"})
		return
	}

	timeout := 30 * time.Second
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}

	result, err := h.plane.SendCommand(r.Context(), id, req.Method, req.Params, timeout)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

// Stats handles GET /v1/stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.plane.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Healthz handles GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
