// Package push fans gateway events out to websocket clients. Connection
// authentication belongs to the HTTP layer in front of the hub; this
// package only guarantees the frame payload contract.
package push

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cocovax/cuveris/internal/gateway"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 32
)

// Frame is the wire shape pushed to clients.
type Frame struct {
	Type string      `json:"type"` // "telemetry" or "config"
	Data interface{} `json:"data"`
}

// Hub tracks connected clients and broadcasts gateway events to them.
type Hub struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]bool
	closed  bool

	unsubscribe []func()
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*client]bool),
	}
}

// Bind subscribes the hub to both gateway fan-outs. Unbound again by Close.
func (h *Hub) Bind(gw *gateway.Gateway) {
	h.unsubscribe = append(h.unsubscribe,
		gw.OnTelemetry(func(event gateway.TelemetryEvent) {
			h.Broadcast(Frame{Type: "telemetry", Data: event})
		}),
		gw.OnConfigChanged(func(event gateway.ConfigEvent) {
			h.Broadcast(Frame{Type: "config", Data: event})
		}),
	)
}

// Broadcast sends one frame to every connected client. Slow clients are
// dropped rather than allowed to block the gateway.
func (h *Hub) Broadcast(frame Frame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		h.logger.Warn("Failed to marshal push frame", zap.Error(err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			h.dropLocked(c)
		}
	}
}

// ServeHTTP upgrades the request and services the client until it leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBufferSize)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = true
	h.mu.Unlock()

	go h.writeLoop(c)
	h.readLoop(c)
}

// writeLoop drains the client's send queue.
func (h *Hub) writeLoop(c *client) {
	for payload := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			break
		}
	}
	c.conn.Close()
}

// readLoop discards inbound frames; its only job is noticing disconnects.
func (h *Hub) readLoop(c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
	h.mu.Lock()
	h.dropLocked(c)
	h.mu.Unlock()
}

func (h *Hub) dropLocked(c *client) {
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
}

// ClientCount reports connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close unsubscribes from the gateway and disconnects every client.
func (h *Hub) Close() {
	for _, unsubscribe := range h.unsubscribe {
		unsubscribe()
	}
	h.unsubscribe = nil

	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.dropLocked(c)
	}
}
