// Package notifier fans events out to the front-end clients watching a
// session. Delivery is fire-and-forget: a slow or gone client just misses
// the event.
package notifier

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	connectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "notifier_connected_clients",
		Help: "Front-end clients currently connected",
	})
	deliveredEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifier_events_delivered_total",
		Help: "Events delivered to watching clients",
	}, []string{"event"})
	droppedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notifier_events_dropped_total",
		Help: "Events dropped because a client's buffer was full",
	})
)

// Envelope is the frame written to clients. Every payload carries the
// delivery timestamp.
type Envelope struct {
	Event     string    `json:"event"`
	SessionID string    `json:"sessionId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// Hub groups connected clients by the session they watch.
type Hub struct {
	mu      sync.RWMutex
	groups  map[string]map[*Client]struct{}
	clients map[*Client]struct{}
	log     zerolog.Logger
	now     func() time.Time
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		groups:  make(map[string]map[*Client]struct{}),
		clients: make(map[*Client]struct{}),
		log:     log.With().Str("component", "notifier").Logger(),
		now:     time.Now,
	}
}

// Join adds the client to a session's watch group.
func (h *Hub) Join(c *Client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	group, ok := h.groups[sessionID]
	if !ok {
		group = make(map[*Client]struct{})
		h.groups[sessionID] = group
	}
	group[c] = struct{}{}
	c.joined[sessionID] = struct{}{}
	h.log.Debug().Str("session_id", sessionID).Str("client_id", c.id).Msg("client joined watch group")
}

// Leave removes the client from a session's watch group.
func (h *Hub) Leave(c *Client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, sessionID)
}

func (h *Hub) leaveLocked(c *Client, sessionID string) {
	if group, ok := h.groups[sessionID]; ok {
		delete(group, c)
		if len(group) == 0 {
			delete(h.groups, sessionID)
		}
	}
	delete(c.joined, sessionID)
}

// register tracks a connected client before it joins any group.
func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	connectedClients.Inc()
}

// remove detaches a disconnected client from every group it joined.
func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	for sessionID := range c.joined {
		h.leaveLocked(c, sessionID)
	}
	close(c.send)
	connectedClients.Dec()
}

// Emit delivers an event to every member of the session's watch group.
func (h *Hub) Emit(sessionID, event string, payload any) {
	env := Envelope{Event: event, SessionID: sessionID, Timestamp: h.now(), Payload: payload}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.groups[sessionID] {
		c.enqueue(env)
	}
	deliveredEvents.WithLabelValues(event).Inc()
}

// Broadcast delivers an event to every connected client.
func (h *Hub) Broadcast(event string, payload any) {
	env := Envelope{Event: event, Timestamp: h.now(), Payload: payload}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.enqueue(env)
	}
	deliveredEvents.WithLabelValues(event).Inc()
}

// Watchers returns the size of a session's watch group.
func (h *Hub) Watchers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[sessionID])
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
}
