// Package realtime fans events out to websocket observers, one scope per
// user. It is the push half of the API; clients re-sync over HTTP after any
// disconnect.
package realtime

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Coder-HNP/LensClear/internal/bus"
)

// Hub tracks connected clients grouped by user id and implements bus.Bus.
// Publish never blocks: a client whose send buffer is full is dropped and
// must reconnect.
type Hub struct {
	log zerolog.Logger

	register   chan *Client
	unregister chan *Client
	events     chan bus.Event

	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log:        log,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		events:     make(chan bus.Event, 256),
		clients:    make(map[string]map[*Client]struct{}),
	}
}

// message is the wire envelope written to observers.
type message struct {
	Event   bus.Kind `json:"event"`
	Payload any      `json:"payload"`
}

// Publish queues an event for fan-out to the owning user's clients. When the
// hub's queue is full the event is dropped; realtime delivery is advisory.
func (h *Hub) Publish(ev bus.Event) {
	select {
	case h.events <- ev:
	default:
		h.log.Warn().Str("kind", string(ev.Kind)).Msg("realtime queue full, event dropped")
	}
}

// Run owns the client set. It exits when ctx-free callers close the process;
// the hub has no state worth flushing.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.remove(c)
		case ev := <-h.events:
			h.fanOut(ev)
		}
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	scope, ok := h.clients[c.userID]
	if !ok {
		scope = make(map[*Client]struct{})
		h.clients[c.userID] = scope
	}
	scope[c] = struct{}{}
	h.log.Debug().Str("user_id", c.userID).Int("clients", len(scope)).Msg("realtime client connected")
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	scope, ok := h.clients[c.userID]
	if !ok {
		return
	}
	if _, ok := scope[c]; !ok {
		return
	}
	delete(scope, c)
	close(c.send)
	if len(scope) == 0 {
		delete(h.clients, c.userID)
	}
	h.log.Debug().Str("user_id", c.userID).Msg("realtime client disconnected")
}

func (h *Hub) fanOut(ev bus.Event) {
	raw, err := json.Marshal(message{Event: ev.Kind, Payload: ev.Payload})
	if err != nil {
		h.log.Error().Err(err).Str("kind", string(ev.Kind)).Msg("failed to encode realtime event")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	scope := h.clients[ev.UserID]
	for c := range scope {
		select {
		case c.send <- raw:
		default:
			// Slow consumer. Drop it rather than hold up everyone in scope.
			delete(scope, c)
			close(c.send)
			h.log.Warn().Str("user_id", c.userID).Msg("realtime client too slow, dropped")
		}
	}
	if len(scope) == 0 {
		delete(h.clients, ev.UserID)
	}
}
