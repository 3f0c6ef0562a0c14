package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/breakoutsim/internal/broadcast"
	"github.com/alanyoungcy/breakoutsim/internal/domain"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size of an incoming message.
	maxMessageSize = 4096

	// sendBufferSize is the event queue length per client.
	sendBufferSize = 256
)

// upgrader configures the WebSocket upgrade parameters. Origin checks are
// left to the CORS middleware.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// EventSource hands out event subscriptions. broadcast.Hub implements it.
type EventSource interface {
	Subscribe(buffer int, types ...domain.EventType) *broadcast.Subscription
	Unsubscribe(sub *broadcast.Subscription)
}

// subscribeMsg is the JSON message a client sends to choose event types.
// An empty type list means every event.
type subscribeMsg struct {
	Action string             `json:"action"`
	Types  []domain.EventType `json:"types"`
}

// Hub serves broadcast events to WebSocket clients. Each client owns one
// subscription, so a slow browser only loses its own events.
type Hub struct {
	source EventSource
	status func() any
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewHub creates a Hub. status, when set, produces the snapshot sent to each
// client on connect.
func NewHub(source EventSource, status func() any, logger *slog.Logger) *Hub {
	return &Hub{
		source:  source,
		status:  status,
		logger:  logger.With(slog.String("component", "ws")),
		clients: make(map[*client]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) error {
	<-ctx.Done()
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.stop()
	}
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// HandleWS upgrades an HTTP request to a WebSocket connection and streams
// events to it.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:   h,
		conn:  conn,
		types: make(chan []domain.EventType, 1),
		quit:  make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("ws: client connected", slog.Int("total_clients", n))

	go c.writePump(h.source.Subscribe(sendBufferSize))
	go c.readPump()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		h.logger.Info("ws: client disconnected", slog.Int("total_clients", n))
	}
}

// client is a single WebSocket connection.
type client struct {
	hub   *Hub
	conn  *websocket.Conn
	types chan []domain.EventType
	quit  chan struct{}
	once  sync.Once
}

func (c *client) stop() {
	c.once.Do(func() { close(c.quit) })
}

// readPump handles subscription requests and keeps the read deadline fresh.
func (c *client) readPump() {
	defer c.stop()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close error", slog.String("error", err.Error()))
			}
			return
		}

		var msg subscribeMsg
		if json.Unmarshal(message, &msg) != nil || msg.Action != "subscribe" {
			continue
		}
		// Only the latest request matters.
		select {
		case <-c.types:
		default:
		}
		c.types <- msg.Types
	}
}

// writePump owns the subscription and the write side of the connection.
func (c *client) writePump(sub *broadcast.Subscription) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.hub.source.Unsubscribe(sub)
		c.hub.remove(c)
		c.conn.Close()
	}()

	if c.hub.status != nil {
		if err := c.writeJSON(domain.Event{
			Type:    domain.EventStatus,
			Time:    time.Now().UTC(),
			Payload: c.hub.status(),
		}); err != nil {
			return
		}
	}

	for {
		select {
		case <-c.quit:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case types := <-c.types:
			c.hub.source.Unsubscribe(sub)
			sub = c.hub.source.Subscribe(sendBufferSize, types...)

		case ev, ok := <-sub.Events():
			if !ok {
				// Dropped by the broadcaster or the broadcaster stopped.
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "event queue overflow"))
				return
			}
			if err := c.writeJSON(ev); err != nil {
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

func (c *client) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		c.hub.logger.Warn("ws: marshal failed", slog.String("error", err.Error()))
		return nil
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}
