package transport

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/chimerapy/engine/logger"
)

// Hub owns the set of live Client connections for one Manager or
// Worker listener, serializing register/unregister through its own
// event loop the way the reference server hub owns its client map —
// register and unregister arrive on channels rather than touching the
// map from arbitrary goroutines.
type Hub struct {
	register   chan *Client
	unregister chan *Client

	mu      sync.RWMutex
	clients map[string]*Client

	log *zap.SugaredLogger
}

// NewHub creates an empty Hub. Call Run to start its event loop.
func NewHub() *Hub {
	return &Hub{
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		clients:    make(map[string]*Client),
		log:        logger.ComponentLogger("transport.hub"),
	}
}

// Run drains register/unregister until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.ID] = c
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Infow("client registered", logger.FieldClientID, c.ID, logger.FieldCount, total)
		case c := <-h.unregister:
			h.mu.Lock()
			delete(h.clients, c.ID)
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Infow("client unregistered", logger.FieldClientID, c.ID, logger.FieldCount, total)
		}
	}
}

// Register schedules c to join the hub's client set. c.OnClose is
// wired to automatically unregister on disconnect.
func (h *Hub) Register(c *Client) {
	c.OnClose = func(string) { h.unregister <- c }
	h.register <- c
}

// Get returns the client registered under id, if connected.
func (h *Hub) Get(id string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[id]
	return c, ok
}

// Len reports the number of currently registered clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Each calls fn for every registered client under a read lock, letting
// callers build their own fan-out (broadcast-with-ack, partial
// failure collection) on top of the client set without racing
// register/unregister.
func (h *Hub) Each(fn func(c *Client)) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		fn(c)
	}
}

// IDs returns the stable ids of all currently registered clients.
func (h *Hub) IDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	return ids
}
