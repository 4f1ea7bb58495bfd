package httpapi

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// Event is one websocket notification.
type Event struct {
	Event     string      `json:"event"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"ts"`
}

// hubClient serializes writes to one connection. The websocket package
// allows at most one concurrent writer per connection.
type hubClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *hubClient) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

// Hub fans events out to connected websocket clients. Clients are
// fire-and-forget observers; a failed write drops the client.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*hubClient
	logger  zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: map[string]*hubClient{},
		logger:  logger,
	}
}

// Add registers a connection and returns its client id.
func (h *Hub) Add(conn *websocket.Conn) string {
	clientID, _ := gonanoid.New()

	h.mu.Lock()
	h.clients[clientID] = &hubClient{conn: conn}
	h.mu.Unlock()

	h.logger.Info().Str("clientId", clientID).Msg("Client connected")
	return clientID
}

// Remove drops a connection.
func (h *Hub) Remove(clientID string) {
	h.mu.Lock()
	client, ok := h.clients[clientID]
	delete(h.clients, clientID)
	h.mu.Unlock()

	if ok {
		client.conn.Close()
		h.logger.Info().Str("clientId", clientID).Msg("Client disconnected")
	}
}

// Len reports the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends an event to every connected client. Safe to call from
// multiple goroutines.
func (h *Hub) Broadcast(event string, data interface{}) {
	msg := Event{
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}

	h.mu.RLock()
	targets := make(map[string]*hubClient, len(h.clients))
	for id, client := range h.clients {
		targets[id] = client
	}
	h.mu.RUnlock()

	for id, client := range targets {
		if err := client.writeJSON(msg); err != nil {
			h.logger.Warn().Err(err).Str("clientId", id).Msg("Broadcast write failed, dropping client")
			h.Remove(id)
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	for id, client := range h.clients {
		client.conn.Close()
		delete(h.clients, id)
	}
	h.mu.Unlock()
}
