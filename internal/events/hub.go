package events

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Hub fans scheduler events out to websocket clients. A client with no
// subscriptions receives everything; otherwise only its subscribed topics.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Event
	register   chan *Client
	unregister chan *Client

	mutex  sync.RWMutex
	logger *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewHub creates a hub. Call Run to start it.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger.Named("events"),
	}
}

// Run starts the hub loop.
func (h *Hub) Run() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})
	go h.loop(ctx)
}

// Stop ends the hub loop and disconnects all clients.
func (h *Hub) Stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done

	h.mutex.Lock()
	defer h.mutex.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

func (h *Hub) loop(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.register:
			h.registerClient(client)
		case client := <-h.unregister:
			h.unregisterClient(client)
		case evt := <-h.broadcast:
			h.deliver(evt)
		}
	}
}

// Publish enqueues an event for broadcast. Never blocks: when the hub
// backlog is full the event is dropped.
func (h *Hub) Publish(evt Event) {
	select {
	case h.broadcast <- evt:
	default:
		h.logger.Warn("Event hub backlog full, dropping event",
			zap.String("type", evt.Type),
		)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

func (h *Hub) registerClient(client *Client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.clients[client] = true
	h.logger.Debug("Events client connected",
		zap.String("client_id", client.id),
		zap.Int("clients", len(h.clients)),
	)
}

func (h *Hub) unregisterClient(client *Client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	h.logger.Debug("Events client disconnected",
		zap.String("client_id", client.id),
		zap.Int("clients", len(h.clients)),
	)
}

func (h *Hub) deliver(evt Event) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	for client := range h.clients {
		if !client.subscribedTo(evt.Topic) {
			continue
		}
		select {
		case client.send <- evt:
		default:
			// Slow consumer loses the event instead of slowing the hub
			h.logger.Warn("Events client send buffer full, dropping event",
				zap.String("client_id", client.id),
				zap.String("type", evt.Type),
			)
		}
	}
}
