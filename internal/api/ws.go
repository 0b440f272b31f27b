package api

import (
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/browsergrid/browsergrid/pkg/models"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Events handles GET /v1/sessions/{id}/events: it upgrades to a websocket,
// registers the connection for event fan-out (optionally replaying the
// retained history first) and holds it open until the client goes away.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if _, err := h.plane.GetSession(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("api: websocket upgrade failed: %v", err)
		return
	}

	connID := uuid.New().String()
	replay := r.URL.Query().Get("replay") == "true"
	h.plane.Events().Register(id, connID, models.DirectionInbound, conn, replay)
	log.Printf("api: subscriber %s attached to session %s", connID, id)

	defer func() {
		h.plane.Events().Unregister(connID)
		conn.Close()
		log.Printf("api: subscriber %s detached from session %s", connID, id)
	}()

	// Drain client frames to notice closure; subscribers only receive.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		h.plane.Events().Touch(connID)
	}
}
