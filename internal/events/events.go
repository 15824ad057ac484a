// Package events carries the runtime's (category, message) notifications
// — lifecycle, scaling, task, queue, repair, and error events from §6 of
// the spec — to in-process handlers and, optionally, to a websocket Hub
// for live observation.
package events

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Category groups an event for routing/filtering.
type Category string

const (
	Lifecycle    Category = "lifecycle"
	Scaling      Category = "scaling"
	TaskEvent    Category = "task"
	QueueEvent   Category = "queue"
	Repair       Category = "repair"
	ErrorEvent   Category = "error"
	WarningEvent Category = "warning"
)

// Event is one (category, message) notification, timestamped for
// consumers that buffer or replay them.
type Event struct {
	Category Category    `json:"category"`
	Message  string      `json:"message"`
	At       time.Time   `json:"at"`
	Detail   interface{} `json:"detail,omitempty"`
}

// Handler receives events synchronously; it must not block.
type Handler func(Event)

// Bus fans events out to registered handlers and, if a Hub is attached,
// onto connected websocket clients.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
	hub      *Hub
}

func NewBus() *Bus { return &Bus{} }

func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// AttachHub routes every published event to the websocket hub as well.
func (b *Bus) AttachHub(h *Hub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hub = h
}

// Emit is the call site's entry point: fire-and-forget, never blocks on
// a slow handler longer than it takes to range the slice — handlers are
// expected to hand off to their own goroutine if they need to do I/O.
func (b *Bus) Emit(cat Category, msg string, detail interface{}) {
	ev := Event{Category: cat, Message: msg, At: time.Now(), Detail: detail}
	b.mu.RLock()
	hs := make([]Handler, len(b.handlers))
	copy(hs, b.handlers)
	hub := b.hub
	b.mu.RUnlock()

	for _, h := range hs {
		h(ev)
	}
	if hub != nil {
		hub.broadcast(ev)
	}
}

// Hub multiplexes events to websocket clients (admin UI / live tailing).
type Hub struct {
	upgrader   websocket.Upgrader
	mu         sync.RWMutex
	clients    map[*client]struct{}
	register   chan *client
	unregister chan *client
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func NewHub() *Hub {
	h := &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients:    make(map[*client]struct{}),
		register:   make(chan *client),
		unregister: make(chan *client),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) broadcast(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
		}
	}
}

// ServeHTTP upgrades the connection and streams events to it as JSON
// text frames until the client disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{conn: conn, send: make(chan []byte, 64)}
	h.register <- c
	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}
