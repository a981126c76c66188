package websocket

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"gliderops-gateway/internal/auth"
	"gliderops-gateway/internal/metrics"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10
)

// Client is one attached websocket connection and its per-connection state.
// The identity fields are only written by the auth gate (once, from a
// background goroutine); subscriptions are only written by the router. Both
// go through the mutex because broadcasts read them concurrently.
type Client struct {
	ID          string
	ConnectedAt time.Time

	conn    *websocket.Conn
	send    chan []byte
	closed  atomic.Bool
	limiter *rate.Limiter

	mu            sync.Mutex
	authenticated bool
	channel       string
	principalID   string
	clubID        string
	topics        map[string]struct{}
	aircraftIDs   []string

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func newClient(conn *websocket.Conn, id string, limiter *rate.Limiter, logger zerolog.Logger, m *metrics.Metrics) *Client {
	return &Client{
		ID:          id,
		ConnectedAt: time.Now(),
		conn:        conn,
		send:        make(chan []byte, 256),
		limiter:     limiter,
		topics:      make(map[string]struct{}),
		logger:      logger.With().Str("client_id", id).Logger(),
		metrics:     m,
	}
}

// Authenticate promotes the connection with the verified claims.
func (c *Client) Authenticate(claims *auth.Claims) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authenticated = true
	c.principalID = claims.PrincipalID()
	c.clubID = claims.ClubID
	c.channel = claims.Channel()
}

func (c *Client) IsAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

func (c *Client) Channel() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel
}

func (c *Client) ClubID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clubID
}

func (c *Client) SubscribeTopic(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics[topic] = struct{}{}
}

func (c *Client) UnsubscribeTopic(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.topics, topic)
}

func (c *Client) HasTopic(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.topics[topic]
	return ok
}

// SetAircraftIDs replaces the per-aircraft subscription list.
func (c *Client) SetAircraftIDs(ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aircraftIDs = append([]string(nil), ids...)
}

func (c *Client) AircraftIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.aircraftIDs...)
}

// Closed reports whether the connection has reached a terminal state.
func (c *Client) Closed() bool {
	return c.closed.Load()
}

// TrySend queues a message without blocking. A full queue means the client
// stopped draining; the caller treats that the same as a dead connection.
func (c *Client) TrySend(message []byte) bool {
	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

// SendJSON marshals and queues a reply to this client.
func (c *Client) SendJSON(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error().Err(err).Msg("marshal outbound message")
		return false
	}
	return c.TrySend(data)
}

// Close tears the transport down. Safe to call from any goroutine and more
// than once.
func (c *Client) Close() {
	if c.closed.CompareAndSwap(false, true) && c.conn != nil {
		c.conn.Close()
	}
}

// readPump pumps messages from the websocket connection into the router.
// One goroutine per connection; exits on any read error.
func (c *Client) readPump(router *Router, maxMessageSize int64) {
	defer func() {
		c.Close()
		router.HandleDisconnect(c)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Debug().Err(err).Msg("websocket read error")
			}
			break
		}

		c.metrics.MessagesReceived.Inc()

		if c.limiter != nil && !c.limiter.Allow() {
			c.metrics.MessagesRejected.Inc()
			c.SendJSON(errorReply("rate limit exceeded"))
			continue
		}

		router.HandleMessage(c, message)
	}
}

// writePump pumps queued messages onto the websocket connection and keeps the
// transport alive with protocol pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug().Err(err).Msg("websocket write error")
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
