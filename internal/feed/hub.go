package feed

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/strefethen/nowplaying-hub/internal/orchestrator"
)

const (
	pingInterval   = 30 * time.Second
	writeTimeout   = 10 * time.Second
	clientSendSize = 16
)

// client is one connected feed subscriber.
type client struct {
	conn   *websocket.Conn
	sendCh chan []byte
	stopCh chan struct{}
}

// Hub fans now-playing view snapshots out to connected WebSocket
// clients. New clients receive the latest view immediately; clients
// that cannot keep up are dropped.
type Hub struct {
	logger *log.Logger

	mu       sync.Mutex
	clients  map[*client]struct{}
	lastView []byte
	closed   bool
}

// NewHub creates a feed hub.
func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{
		logger:  logger,
		clients: make(map[*client]struct{}),
	}
}

// Broadcast serializes the view and sends it to every connected client.
func (h *Hub) Broadcast(view orchestrator.View) {
	payload, err := json.Marshal(view)
	if err != nil {
		h.logger.Printf("FEED: failed to marshal view: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastView = payload
	for c := range h.clients {
		select {
		case c.sendCh <- payload:
		default:
			// Slow client, drop it
			h.removeClientLocked(c)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// AddConnection registers an upgraded WebSocket connection.
func (h *Hub) AddConnection(conn *websocket.Conn) {
	c := &client{
		conn:   conn,
		sendCh: make(chan []byte, clientSendSize),
		stopCh: make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	if h.lastView != nil {
		c.sendCh <- h.lastView
	}
	count := len(h.clients)
	h.mu.Unlock()

	h.logger.Printf("FEED: client connected (%d total)", count)

	go h.writePump(c)
	go h.readPump(c)
}

// Close disconnects all clients.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for c := range h.clients {
		h.removeClientLocked(c)
	}
}

func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeClientLocked(c)
}

func (h *Hub) removeClientLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.stopCh)
	c.conn.Close()
}

// writePump sends queued views and periodic pings to one client.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case payload := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.removeClient(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.removeClient(c)
				return
			}
		}
	}
}

// readPump drains client messages so pong frames are processed and
// disconnects are noticed.
func (h *Hub) readPump(c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.removeClient(c)
			return
		}
	}
}
