package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Priya8975/sales-webhooks/internal/domain"
	"github.com/Priya8975/sales-webhooks/internal/monitor"
	"github.com/gorilla/websocket"
)

const (
	MessageAttempt = "attempt"
	MessageAlert   = "alert"

	sendBuffer   = 256
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Message is one frame of the live feed.
type Message struct {
	Type           string    `json:"type"`
	SubscriptionID string    `json:"subscription_id,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	Data           any       `json:"data"`
}

type outbound struct {
	subscriptionID string
	data           []byte
}

// Hub fans delivery attempts and alerts out to connected websocket clients.
// A client connected with ?subscription_id= only sees frames for that
// subscription plus global alerts.
type Hub struct {
	clients    map[*client]struct{}
	mu         sync.RWMutex
	broadcast  chan outbound
	register   chan *client
	unregister chan *client
	done       chan struct{}
	logger     *slog.Logger
}

type client struct {
	hub            *Hub
	conn           *websocket.Conn
	send           chan []byte
	subscriptionID string
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan outbound, sendBuffer),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run is the hub's event loop. It disconnects every client when ctx ends.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("websocket client connected", "subscription_id", c.subscriptionID, "total_clients", n)

		case c := <-h.unregister:
			h.mu.Lock()
			h.remove(c)
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("websocket client disconnected", "total_clients", n)

		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				if c.subscriptionID != "" && msg.subscriptionID != "" && c.subscriptionID != msg.subscriptionID {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					// Slow client.
					h.remove(c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// remove drops c. Callers hold mu.
func (h *Hub) remove(c *client) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Publish queues a frame for every interested client. It never blocks.
func (h *Hub) Publish(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal websocket message", "type", msg.Type, "error", err)
		return
	}

	select {
	case h.broadcast <- outbound{subscriptionID: msg.SubscriptionID, data: data}:
	default:
		h.logger.Warn("websocket broadcast channel full, dropping message", "type", msg.Type)
	}
}

// RecordAttempt publishes a completed delivery attempt.
func (h *Hub) RecordAttempt(a domain.DeliveryAttempt) {
	h.Publish(Message{
		Type:           MessageAttempt,
		SubscriptionID: a.SubscriptionID,
		Timestamp:      a.CompletedAt,
		Data:           a,
	})
}

// Notify publishes an alert that fired or resolved.
func (h *Hub) Notify(a monitor.Alert) {
	ts := a.LastSeenAt
	if a.ResolvedAt != nil {
		ts = *a.ResolvedAt
	}
	h.Publish(Message{
		Type:           MessageAlert,
		SubscriptionID: a.SubscriptionID,
		Timestamp:      ts,
		Data:           a,
	})
}

// HandleWebSocket upgrades the connection and registers the client.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		hub:            h,
		conn:           conn,
		send:           make(chan []byte, sendBuffer),
		subscriptionID: r.URL.Query().Get("subscription_id"),
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump only watches for pongs and disconnects; clients do not send data.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
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

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
