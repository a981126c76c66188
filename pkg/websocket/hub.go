// Package websocket holds the client-facing half of the flight-tracking
// gateway: the connection registry, the broadcast engine and the message
// router.
package websocket

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"gliderops-gateway/internal/metrics"
	"gliderops-gateway/internal/types"
)

// Predicate selects the subset of registered clients a broadcast targets.
type Predicate func(*Client) bool

// SubscribedTo matches authenticated clients subscribed to the topic.
// Unauthenticated connections are registered but never match any predicate.
func SubscribedTo(topic string) Predicate {
	return func(c *Client) bool {
		return c.IsAuthenticated() && c.HasTopic(topic)
	}
}

// Hub is the connection registry plus the broadcast engine. All mutation of
// the client set goes through the hub's mutex; the demand-change callback is
// always invoked after the mutex is released so the feed manager can count
// demand without deadlocking.
type Hub struct {
	mu      sync.Mutex
	clients map[*Client]struct{}

	// Invoked once per effective removal (never while holding mu) so the
	// upstream link can re-evaluate demand. Wired after construction.
	onDemandChange func()

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func NewHub(logger zerolog.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger.With().Str("component", "hub").Logger(),
		metrics: m,
	}
}

// SetConnectivityCheck wires the demand re-evaluation hook. Must be called
// before the first connection is accepted.
func (h *Hub) SetConnectivityCheck(fn func()) {
	h.onDemandChange = fn
}

// Register adds a connection to the registry. The entry is visible to
// broadcasts immediately, but matches nothing until authenticated.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()

	h.metrics.ConnectionsTotal.Inc()
	h.metrics.ConnectionsCurrent.Set(float64(count))
	h.logger.Info().Str("client_id", c.ID).Int("clients", count).Msg("client connected")
}

// Remove detaches a connection. Idempotent: a connection removed through the
// disconnect path and again through a send-failure path triggers exactly one
// demand re-evaluation.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	_, present := h.clients[c]
	if present {
		delete(h.clients, c)
	}
	count := len(h.clients)
	h.mu.Unlock()

	if !present {
		return
	}

	c.Close()
	h.metrics.ConnectionsCurrent.Set(float64(count))
	h.logger.Info().Str("client_id", c.ID).Int("clients", count).Msg("client disconnected")

	if h.onDemandChange != nil {
		h.onDemandChange()
	}
}

// CountMatching counts registered clients matching the predicate.
func (h *Hub) CountMatching(pred Predicate) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for c := range h.clients {
		if pred(c) {
			n++
		}
	}
	return n
}

// Demand is the number of clients justifying an open upstream connection.
func (h *Hub) Demand() int {
	return h.CountMatching(func(c *Client) bool {
		return c.IsAuthenticated() && (c.HasTopic(types.TopicPlaneTracker) || c.HasTopic(types.TopicTrackedAircraft))
	})
}

// AuthenticatedCount backs the authenticated-clients gauge.
func (h *Hub) AuthenticatedCount() int {
	return h.CountMatching(func(c *Client) bool { return c.IsAuthenticated() })
}

// CollectAircraftIDs gathers the deduplicated union of per-aircraft
// subscriptions across all tracked-aircraft subscribers, for replay after an
// upstream reopen.
func (h *Hub) CollectAircraftIDs() []string {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	seen := make(map[string]struct{})
	var ids []string
	for _, c := range clients {
		if !c.IsAuthenticated() || !c.HasTopic(types.TopicTrackedAircraft) {
			continue
		}
		for _, id := range c.AircraftIDs() {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids
}

// Broadcast hands an already-serialized message to every matching open
// connection. Entries whose send fails, or whose transport is already
// terminal, are pruned; any pruning triggers one demand re-evaluation.
func (h *Hub) Broadcast(pred Predicate, message []byte) {
	h.metrics.Broadcasts.Inc()

	h.mu.Lock()
	var pruned []*Client
	for c := range h.clients {
		if !pred(c) {
			continue
		}
		if c.Closed() || !c.TrySend(message) {
			pruned = append(pruned, c)
		}
	}
	for _, c := range pruned {
		delete(h.clients, c)
	}
	count := len(h.clients)
	h.mu.Unlock()

	if len(pruned) == 0 {
		return
	}

	h.metrics.SendFailures.Add(float64(len(pruned)))
	h.metrics.ConnectionsCurrent.Set(float64(count))
	for _, c := range pruned {
		c.Close()
		h.logger.Info().Str("client_id", c.ID).Msg("client pruned during broadcast")
	}

	if h.onDemandChange != nil {
		h.onDemandChange()
	}
}

// BroadcastJSON serializes once, then fans out.
func (h *Hub) BroadcastJSON(pred Predicate, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error().Err(err).Msg("marshal broadcast message")
		return
	}
	h.Broadcast(pred, data)
}

// CloseAll tears down every client connection. Used on shutdown only.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*Client]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
	h.metrics.ConnectionsCurrent.Set(0)
}

// ClientCount reports the current registry size.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
