// Package telemetry is the append-only event sink every MarketController and
// the Orchestrator emit to, plus a WebSocket hub that rebroadcasts the same
// stream to external dashboard consumers. Emit must never block the caller
// for long — a slow or disconnected client only risks dropping its own
// broadcast slot, never the core's event loop.
package telemetry

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"marketcore/pkg/coremodel"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
	maxMessageSize  = 512 * 1024
	broadcastDepth  = 256
	clientSendDepth = 256
	ringSize        = 1024
)

// Hub is the process-wide event sink and WebSocket broadcast hub. It
// satisfies controller.Sink and orchestrator.Sink via Emit.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	mu         sync.RWMutex
	logger     *slog.Logger

	ringMu sync.Mutex
	ring   []coremodel.Event
	head   int
}

// Client is one connected WebSocket dashboard subscriber.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// NewHub builds an event sink with no subscribers yet. Run must be started
// in a goroutine before Emit's broadcasts reach any client.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, broadcastDepth),
		ring:       make([]coremodel.Event, 0, ringSize),
		logger:     logger.With("component", "telemetry"),
	}
}

// Run drives the hub's register/unregister/broadcast select loop. Call it
// once in a goroutine; it runs until the process exits.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("dashboard client connected", "count", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("dashboard client disconnected", "count", n)

		case message := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Emit appends evt to the replay ring and broadcasts it to every connected
// client. It never blocks: a full broadcast channel drops the event with a
// warning rather than stalling the caller's tick.
func (h *Hub) Emit(evt coremodel.Event) {
	h.appendRing(evt)

	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("failed to marshal event", "error", err, "type", evt.Type)
		return
	}

	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("broadcast channel full, dropping event", "type", evt.Type)
	}
}

func (h *Hub) appendRing(evt coremodel.Event) {
	h.ringMu.Lock()
	defer h.ringMu.Unlock()
	if len(h.ring) < ringSize {
		h.ring = append(h.ring, evt)
		return
	}
	h.ring[h.head] = evt
	h.head = (h.head + 1) % ringSize
}

// Recent returns up to n most-recently-emitted events, oldest first. Used to
// backfill a client that just connected.
func (h *Hub) Recent(n int) []coremodel.Event {
	h.ringMu.Lock()
	defer h.ringMu.Unlock()

	total := len(h.ring)
	if n > total {
		n = total
	}
	if n <= 0 {
		return nil
	}

	out := make([]coremodel.Event, 0, n)
	if total < ringSize {
		out = append(out, h.ring[total-n:]...)
		return out
	}
	for i := 0; i < n; i++ {
		idx := (h.head + total - n + i) % ringSize
		out = append(out, h.ring[idx])
	}
	return out
}

// NewClient registers conn with the hub and starts its read/write pumps.
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	client := &Client{hub: hub, conn: conn, send: make(chan []byte, clientSendDepth)}
	client.hub.register <- client

	go client.writePump()
	go client.readPump()

	return client
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("dashboard websocket error", "error", err)
			}
			break
		}
		// the dashboard stream is one-directional; any client message is ignored.
	}
}
