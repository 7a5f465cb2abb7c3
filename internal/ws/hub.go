package ws

import (
	"context"
	"sync"
)

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans deployment events out to subscribers of an application.
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	done      chan struct{}
	closeOnce sync.Once
}

type message struct {
	applicationID string
	payload       []byte
}

type subscription struct {
	applicationID string
	client        Subscriber
}

// NewHub creates a Hub whose broadcast queue holds buffer pending payloads.
// The hub runs until ctx is cancelled.
func NewHub(ctx context.Context, buffer int) *Hub {
	if buffer < 0 {
		buffer = 0
	}
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, buffer),
		done:      make(chan struct{}),
	}
	go h.run(ctx)
	return h
}

func (h *Hub) run(ctx context.Context) {
	defer h.shutdown()
	for {
		select {
		case <-ctx.Done():
			return
		case sub := <-h.register:
			h.mu.Lock()
			if _, ok := h.clients[sub.applicationID]; !ok {
				h.clients[sub.applicationID] = make(map[Subscriber]struct{})
			}
			h.clients[sub.applicationID][sub.client] = struct{}{}
			h.mu.Unlock()
		case sub := <-h.unreg:
			h.mu.Lock()
			h.remove(sub.applicationID, sub.client)
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *Hub) deliver(msg message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients[msg.applicationID] {
		if err := c.Send(msg.payload); err != nil {
			c.Close()
			h.remove(msg.applicationID, c)
		}
	}
}

func (h *Hub) remove(applicationID string, client Subscriber) {
	clients, ok := h.clients[applicationID]
	if !ok {
		return
	}
	delete(clients, client)
	if len(clients) == 0 {
		delete(h.clients, applicationID)
	}
}

func (h *Hub) shutdown() {
	h.closeOnce.Do(func() { close(h.done) })
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, clients := range h.clients {
		for c := range clients {
			c.Close()
		}
	}
	h.clients = make(map[string]map[Subscriber]struct{})
}

// Register adds a client to an application stream.
func (h *Hub) Register(applicationID string, client Subscriber) {
	select {
	case h.register <- subscription{applicationID: applicationID, client: client}:
	case <-h.done:
		client.Close()
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(applicationID string, client Subscriber) {
	select {
	case h.unreg <- subscription{applicationID: applicationID, client: client}:
	case <-h.done:
	}
}

// Broadcast queues payload for every subscriber of the application.
func (h *Hub) Broadcast(applicationID string, payload []byte) {
	select {
	case h.broadcast <- message{applicationID: applicationID, payload: payload}:
	case <-h.done:
	}
}

// Subscribers reports how many clients follow the application.
func (h *Hub) Subscribers(applicationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[applicationID])
}
