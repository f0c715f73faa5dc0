package server

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/livetemplate/demoit/internal/persist"
	"github.com/livetemplate/demoit/internal/remote"
)

const writeWait = 10 * time.Second

// Envelope is a message pushed to editor clients.
type Envelope struct {
	Action string      `json:"action"`
	Data   interface{} `json:"data,omitempty"`
}

// client serializes writes to one connection; gorilla allows a single
// concurrent writer.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *client) send(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.write(data)
}

// Hub tracks connected editor clients and broadcasts to them.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	debug   bool
}

// NewHub creates an empty hub.
func NewHub(debug bool) *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		debug:   debug,
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	log.Printf("[Hub] WebSocket connection registered: %d active connections", len(h.clients))
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
	log.Printf("[Hub] WebSocket connection unregistered: %d active connections", len(h.clients))
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends env to every connected client.
func (h *Hub) Broadcast(env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		log.Printf("[Hub] Failed to marshal %s message: %v", env.Action, err)
		return
	}

	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	if h.debug && len(clients) > 0 {
		log.Printf("[Hub] Broadcasting %s to %d connections", env.Action, len(clients))
	}

	for _, c := range clients {
		if err := c.write(data); err != nil {
			log.Printf("[Hub] Failed to send %s to connection: %v", env.Action, err)
		}
	}
}

// Cleanup tells clients to release what they hold for filename. It is
// meant as the session's cleanup hook.
func (h *Hub) Cleanup(filename string) {
	h.Broadcast(Envelope{Action: "cleanup", Data: map[string]string{"filename": filename}})
}

// Persisted reports the outcome of a save to clients. It is meant as the
// session's persist callback.
func (h *Hub) Persisted(res persist.Result) {
	data := map[string]interface{}{
		"saved":  res.OK(),
		"demoId": res.DemoID,
		"fork":   res.Fork,
	}
	switch {
	case res.Err != nil:
		data["error"] = res.Err.Error()
		data["message"] = remote.Message(res.Err)
	case res.Skipped:
		data["reason"] = res.Reason
	case res.Superseded:
		data["superseded"] = true
	case res.Stale:
		data["stale"] = true
	}
	h.Broadcast(Envelope{Action: "persisted", Data: data})
}

// Reload tells clients that the state resource at path changed.
func (h *Hub) Reload(path string) {
	h.Broadcast(Envelope{Action: "reload", Data: map[string]string{"filePath": path}})
}
