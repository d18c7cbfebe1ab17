// Package hub fans simulator updates out to WebSocket viewers.
package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"bus-tracker/internal/fleet"
	"bus-tracker/internal/sim"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
	defaultBuffer  = 64
)

// Message is the envelope for everything sent to viewers.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// SnapshotEntry is the per-bus payload of the greeting snapshot.
type SnapshotEntry struct {
	ID           string      `json:"id"`
	CurrentIndex int         `json:"currentIndex"`
	CurrentStop  *fleet.Stop `json:"currentStop"`
	Progress     float64     `json:"progress"`
}

type HubMetrics interface {
	WSClientsSet(n int)
	WSDroppedInc()
}

type client struct {
	id   uuid.UUID
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

type Hub struct {
	snapshot func() []sim.Update
	metrics  HubMetrics
	buffer   int
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

type Option func(*Hub)

// WithOrigins restricts which browser origins may connect. "*" allows any.
func WithOrigins(origins []string) Option {
	return func(h *Hub) {
		if slices.Contains(origins, "*") {
			h.upgrader.CheckOrigin = func(*http.Request) bool { return true }
			return
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			o := r.Header.Get("Origin")
			return o == "" || slices.Contains(origins, o)
		}
	}
}

func WithMetrics(m HubMetrics) Option { return func(h *Hub) { h.metrics = m } }

// WithBuffer sets how many messages may queue per viewer before it is
// dropped.
func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// New returns a hub greeting each viewer with the state returned by snapshot.
func New(snapshot func() []sim.Update, opts ...Option) *Hub {
	h := &Hub{
		snapshot: snapshot,
		buffer:   defaultBuffer,
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		clients:  make(map[*client]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Len returns the number of connected viewers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Debug("ws upgrade failed")
		return
	}
	c := &client{
		id:   uuid.New(),
		conn: conn,
		send: make(chan []byte, h.buffer),
		done: make(chan struct{}),
	}
	log.WithFields(log.Fields{"client": c.id, "remote": r.RemoteAddr}).Info("ws client connected")

	// Queue the greeting before registering so no update can overtake it.
	if b, err := json.Marshal(Message{Type: "snapshot", Payload: h.snapshotPayload()}); err == nil {
		c.send <- b
	}
	h.register(c)

	go h.writePump(c)
	h.readPump(c)
}

// Emit broadcasts u to every viewer as a bus_update.
func (h *Hub) Emit(_ context.Context, u sim.Update) error {
	return h.Broadcast(Message{Type: "bus_update", Payload: u})
}

func (h *Hub) Broadcast(m Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	h.mu.Lock()
	var slow []*client
	for c := range h.clients {
		select {
		case c.send <- b:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.Unlock()

	for _, c := range slow {
		log.WithField("client", c.id).Warn("ws client too slow, dropping")
		if h.metrics != nil {
			h.metrics.WSDroppedInc()
		}
		h.unregister(c)
	}
	return nil
}

// Close disconnects every viewer.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		h.unregister(c)
	}
}

func (h *Hub) snapshotPayload() []SnapshotEntry {
	updates := h.snapshot()
	out := make([]SnapshotEntry, len(updates))
	for i, u := range updates {
		out[i] = SnapshotEntry{ID: u.ID, CurrentIndex: u.CurrentIndex, CurrentStop: u.CurrentStop, Progress: u.Progress}
	}
	return out
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.WSClientsSet(n)
	}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	c.close()
	if ok && h.metrics != nil {
		h.metrics.WSClientsSet(n)
	}
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		log.WithField("client", c.id).Info("ws client disconnected")
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithField("client", c.id).WithError(err).Debug("ws read")
			}
			return
		}
		var m Message
		if json.Unmarshal(data, &m) != nil {
			continue
		}
		if m.Type == "ping" {
			b, _ := json.Marshal(Message{Type: "pong"})
			select {
			case c.send <- b:
			default:
			}
		}
	}
}

// writePump is the only goroutine writing to c.conn.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case b := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				h.unregister(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.unregister(c)
				return
			}
		}
	}
}
