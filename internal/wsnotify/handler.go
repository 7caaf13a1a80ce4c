// Package wsnotify implements tracker.Handler by fanning diffs out to
// WebSocket clients: register/unregister/broadcast channels serialized
// through one goroutine, a per-client buffered send channel, and
// ping/pong keepalive, specialized to per-topic diff subscriptions.
package wsnotify

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ruvnet/presence/internal/tracker"
)

// Message is what a client receives: one topic's joins/leaves.
type Message struct {
	Topic string            `json:"topic"`
	Diff  tracker.TopicDiff `json:"diff"`
}

type client struct {
	id     uuid.UUID
	conn   *websocket.Conn
	send   chan Message
	topics map[string]bool
	mu     sync.RWMutex
}

func (c *client) subscribed(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.topics[topic]
}

// Hub implements tracker.Handler, broadcasting each topic's diff to every
// WebSocket client currently subscribed to that topic.
type Hub struct {
	logger     *zap.Logger
	upgrader   websocket.Upgrader
	register   chan *client
	unregister chan *client
	broadcast  chan Message

	mu      sync.RWMutex
	clients map[*client]bool
}

// NewHub starts the hub's run loop and returns it.
func NewHub(logger *zap.Logger) *Hub {
	h := &Hub{
		logger:     logger,
		upgrader:   websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan Message, 256),
		clients:    make(map[*client]bool),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if !c.subscribed(msg.Topic) {
					continue
				}
				select {
				case c.send <- msg:
				default:
					h.logger.Warn("wsnotify: client send buffer full, dropping message")
				}
			}
			h.mu.RUnlock()
		}
	}
}

// HandleDiff implements tracker.Handler: every topic in diff is fanned out
// to subscribed clients. Never blocks on a slow client.
func (h *Hub) HandleDiff(diff tracker.Diff) error {
	for topic, td := range diff {
		h.broadcast <- Message{Topic: topic, Diff: td}
	}
	return nil
}

// ServeWS upgrades an HTTP request to a WebSocket and registers the
// resulting client. The initial subscription list comes from the
// repeated "topic" query parameter, e.g. "/ws?topic=room:1&topic=room:2".
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("wsnotify: upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		id:     uuid.New(),
		conn:   conn,
		send:   make(chan Message, 64),
		topics: make(map[string]bool),
	}
	for _, topic := range r.URL.Query()["topic"] {
		c.topics[topic] = true
	}

	h.register <- c
	h.logger.Debug("wsnotify: client connected", zap.String("client_id", c.id.String()))
	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
