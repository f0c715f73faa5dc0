package server

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/livetemplate/demoit"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in development
	},
}

// WebSocketHandler connects editor clients to a session. Each client gets
// the full state on connect, a "result" reply for every action it sends,
// and a "state" message after every change made by any client.
type WebSocketHandler struct {
	session *demoit.Session
	router  *demoit.MessageRouter
	hub     *Hub
	debug   bool
}

// NewWebSocketHandler creates a handler for session that broadcasts
// through hub.
func NewWebSocketHandler(session *demoit.Session, hub *Hub, debug bool) *WebSocketHandler {
	return &WebSocketHandler{
		session: session,
		router:  demoit.NewMessageRouter(session),
		hub:     hub,
		debug:   debug,
	}
}

// Watch broadcasts the state after every session change. The returned
// function stops it.
func (h *WebSocketHandler) Watch() (stop func()) {
	return h.session.Listen(func() {
		h.hub.Broadcast(h.stateEnvelope())
	})
}

func (h *WebSocketHandler) stateEnvelope() Envelope {
	return Envelope{
		Action: "state",
		Data: map[string]interface{}{
			"state":          h.session.Dump(),
			"activeFile":     h.session.ActiveFile(),
			"pendingChanges": h.session.PendingChanges(),
			"owner":          h.session.IsDemoOwner(),
			"forkable":       h.session.IsForkable(),
			"location":       h.session.Location().String(),
		},
	}
}

// ServeHTTP handles WebSocket upgrade and message routing.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] Failed to upgrade connection: %v", err)
		return
	}

	c := &client{conn: conn}
	h.hub.register(c)
	defer func() {
		h.hub.unregister(c)
		conn.Close()
	}()

	if h.debug {
		log.Printf("[WS] Client connected: %s", conn.RemoteAddr())
	}

	if err := c.send(h.stateEnvelope()); err != nil {
		log.Printf("[WS] Failed to send initial state: %v", err)
		return
	}

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[WS] Unexpected close: %v", err)
			}
			break
		}

		if h.debug {
			log.Printf("[WS] Received: %s", message)
		}

		h.handleMessage(r, c, message)
	}

	if h.debug {
		log.Printf("[WS] Client disconnected: %s", conn.RemoteAddr())
	}
}

// handleMessage routes one action and replies to the sender.
func (h *WebSocketHandler) handleMessage(r *http.Request, c *client, message []byte) {
	var envelope demoit.MessageEnvelope
	if err := json.Unmarshal(message, &envelope); err != nil {
		log.Printf("[WS] Failed to parse message: %v", err)
		h.reply(c, Envelope{Action: "error", Data: map[string]string{"error": "invalid message"}})
		return
	}

	resp, err := h.router.Route(r.Context(), &envelope)
	if err != nil {
		h.reply(c, Envelope{Action: "error", Data: map[string]string{"error": err.Error()}})
		return
	}
	h.reply(c, Envelope{Action: resp.Action, Data: resp.Data})
}

func (h *WebSocketHandler) reply(c *client, env Envelope) {
	if err := c.send(env); err != nil {
		log.Printf("[WS] Failed to send message: %v", err)
		return
	}
	if h.debug {
		log.Printf("[WS] Sent %s", env.Action)
	}
}
