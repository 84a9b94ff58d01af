package ws

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"sentinai/internal/pipeline"
)

// client wraps a connection; gorilla/websocket allows one writer at a time
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(messageType, data)
}

// AlertHub manages WebSocket connections for real-time threat alerts
type AlertHub struct {
	clients map[*client]bool
	mu      sync.RWMutex
	logger  *log.Logger
}

// NewAlertHub creates a new alert hub
func NewAlertHub(logger *log.Logger) *AlertHub {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &AlertHub{
		clients: make(map[*client]bool),
		logger:  logger,
	}
}

func (h *AlertHub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Printf("[WS] Client registered (total: %d)", n)
}

func (h *AlertHub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		c.conn.Close()
		h.logger.Printf("[WS] Client unregistered")
	}
}

// ClientCount returns the number of connected clients
func (h *AlertHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a message to every client, dropping the ones that fail
func (h *AlertHub) Broadcast(message []byte) {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if err := c.write(websocket.TextMessage, message); err != nil {
			h.logger.Printf("[WS] Error sending to client: %v", err)
			h.unregister(c)
		}
	}
}

// BroadcastEvent encodes and sends a pipeline event
func (h *AlertHub) BroadcastEvent(ev *pipeline.ThreatEvent) {
	if h.ClientCount() == 0 {
		return
	}
	data, err := json.Marshal(NewAlertMessage(ev))
	if err != nil {
		h.logger.Printf("[WS] Error marshaling alert: %v", err)
		return
	}
	h.Broadcast(data)
}

// Run forwards events until ctx is cancelled or the channel is closed
func (h *AlertHub) Run(ctx context.Context, events <-chan *pipeline.ThreatEvent) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case ev, ok := <-events:
			if !ok {
				h.closeAll()
				return
			}
			h.BroadcastEvent(ev)
		}
	}
}

func (h *AlertHub) closeAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*client]bool)
	h.mu.Unlock()

	for c := range clients {
		_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		c.conn.Close()
	}
}
