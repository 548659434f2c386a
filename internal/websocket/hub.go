// Package websocket pushes live events to the desktop GUI: install progress,
// license status changes, and update availability. The GUI opens a single
// connection to the local control API and receives JSON envelopes.
package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"kerzzcli/internal/infrastructure"
)

// Event type constants in the envelope.
const (
	TypeConnection      = "connection"
	TypeLicenseStatus   = "license:status"
	TypeUpdateAvailable = "update:available"
	TypeUpdateProgress  = "update:progress"
	TypeError           = "error"
)

// Envelope is the wire format for every pushed event.
type Envelope struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Hub maintains the set of connected GUI clients and fans out events.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu     sync.RWMutex
	logger *slog.Logger

	quit    chan struct{}
	running bool

	// last holds the most recent envelope per type so a freshly connected
	// GUI immediately sees current state instead of waiting for the next
	// event.
	lastMu sync.Mutex
	last   map[string][]byte
}

// NewHub creates a hub; Start must be called before use.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger.With(slog.String("component", "websocket.hub")),
		quit:       make(chan struct{}),
		last:       make(map[string][]byte),
	}
}

// Start launches the hub loop.
func (h *Hub) Start() {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.mu.Unlock()

	go h.run()
}

// Stop shuts down the hub loop and disconnects all clients.
func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.mu.Unlock()

	close(h.quit)
}

func (h *Hub) run() {
	for {
		select {
		case <-h.quit:
			h.mu.Lock()
			for client := range h.clients {
				client.close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			h.logger.Info("hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("client connected", slog.Int("clients", count))
			h.replayLast(client)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.close()
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("client disconnected", slog.Int("clients", count))

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Slow consumer: drop the connection rather than
					// blocking every other client.
					delete(h.clients, client)
					client.close()
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast sends an event envelope to every connected client. Events are
// also retained per type for replay to late-joining clients.
func (h *Hub) Broadcast(eventType string, payload interface{}) {
	env := Envelope{Type: eventType, Payload: payload, Timestamp: time.Now()}
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Warn("failed to marshal event",
			slog.String("type", eventType),
			slog.String("error", err.Error()),
		)
		return
	}

	h.lastMu.Lock()
	h.last[eventType] = data
	h.lastMu.Unlock()

	select {
	case h.broadcast <- data:
	case <-h.quit:
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) replayLast(client *Client) {
	h.lastMu.Lock()
	defer h.lastMu.Unlock()
	for _, data := range h.last {
		select {
		case client.send <- data:
		default:
			return
		}
	}
}
