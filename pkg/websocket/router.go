package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"gliderops-gateway/internal/auth"
	"gliderops-gateway/internal/metrics"
	"gliderops-gateway/internal/types"
	"gliderops-gateway/pkg/status"
)

// UpstreamLink is the router's view of the upstream feed manager.
type UpstreamLink interface {
	EnsureConnectivity()
	Connected() bool
	ForwardSubscribeAircraft(ids []string)
	ForwardUnsubscribeAircraft(ids []string)
	ForwardAdsbPreference(wantsAdsb bool)
	// SnapshotMessage returns the serialized aircraft_data snapshot, or nil
	// when no aircraft are tracked yet.
	SnapshotMessage() []byte
}

// StatusDirectory is the router's view of the device status cache.
type StatusDirectory interface {
	Resolve(ctx context.Context, deviceID string) status.Status
	ResolveBatch(ctx context.Context, deviceIDs []string) []status.Status
}

// CredentialVerifier is the session-token capability consumed by the auth
// gate.
type CredentialVerifier interface {
	Verify(token string) (*auth.Claims, error)
}

// RouterConfig carries the router's tunables.
type RouterConfig struct {
	AuthGrace         time.Duration
	MessagesPerSecond float64
	MessageBurst      int
	MaxMessageSize    int64
}

// Router parses inbound client messages and dispatches them. It is the only
// component that talks to both the registry and the feed manager.
type Router struct {
	hub      *Hub
	upstream UpstreamLink
	statuses StatusDirectory
	verifier CredentialVerifier
	cfg      RouterConfig

	upgrader websocket.Upgrader
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

func NewRouter(hub *Hub, upstream UpstreamLink, statuses StatusDirectory, verifier CredentialVerifier, cfg RouterConfig, logger zerolog.Logger, m *metrics.Metrics) *Router {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 64 * 1024
	}
	return &Router{
		hub:      hub,
		upstream: upstream,
		statuses: statuses,
		verifier: verifier,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The dashboard fronts the gateway with its own origin checks.
			CheckOrigin:       func(r *http.Request) bool { return true },
			EnableCompression: true,
		},
		logger:  logger.With().Str("component", "router").Logger(),
		metrics: m,
	}
}

// ServeWS upgrades the HTTP request, registers the connection and starts the
// auth gate. Handshake failures close the new connection and touch nothing
// else.
func (r *Router) ServeWS(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	var limiter *rate.Limiter
	if r.cfg.MessagesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(r.cfg.MessagesPerSecond), r.cfg.MessageBurst)
	}

	client := newClient(conn, req.RemoteAddr, limiter, r.logger, r.metrics)
	r.hub.Register(client)

	token, tokenErr := auth.ExtractToken(req)
	r.beginAuth(client, token, tokenErr == nil)

	go client.writePump()
	go client.readPump(r, r.cfg.MaxMessageSize)
}

// beginAuth runs the authentication gate for a fresh connection: an async
// credential verification racing a grace timer. A connection that never
// authenticates stays registered but inert.
func (r *Router) beginAuth(c *Client, token string, hasToken bool) {
	grace := time.AfterFunc(r.cfg.AuthGrace, func() {
		// No-op if verification won the race or the client already left.
		if !c.IsAuthenticated() && !c.Closed() {
			c.SendJSON(types.AuthRequiredMessage{Type: types.MessageTypeAuthRequired})
		}
	})

	if !hasToken {
		// No credential on the handshake: not a failure, just a
		// verification that never completes. The grace timer will nudge the
		// client.
		return
	}

	go func() {
		claims, err := r.verifier.Verify(token)
		if c.Closed() {
			grace.Stop()
			return
		}
		if err != nil {
			r.metrics.AuthFailures.Inc()
			r.logger.Info().Err(err).Str("client_id", c.ID).Msg("credential verification failed")
			c.SendJSON(types.AuthFailureMessage{
				Type:    types.MessageTypeAuthFailure,
				Message: "invalid or expired credential",
			})
			return
		}

		c.Authenticate(claims)
		grace.Stop()
		r.metrics.AuthenticatedCurrent.Set(float64(r.hub.AuthenticatedCount()))

		c.SendJSON(types.AuthSuccessMessage{
			Type:     types.MessageTypeAuthSuccess,
			Channel:  claims.Channel(),
			ClubID:   claims.ClubID,
			ClientID: c.ID,
		})
		r.logger.Info().
			Str("client_id", c.ID).
			Str("principal", claims.PrincipalID()).
			Str("channel", claims.Channel()).
			Msg("client authenticated")
	}()
}

// HandleDisconnect runs when a client's read pump exits for any reason.
func (r *Router) HandleDisconnect(c *Client) {
	r.hub.Remove(c)
	r.metrics.AuthenticatedCurrent.Set(float64(r.hub.AuthenticatedCount()))
}

// HandleMessage dispatches one inbound client message. Protocol errors are
// answered with an error frame; the connection always stays open.
func (r *Router) HandleMessage(c *Client, raw []byte) {
	var msg types.ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		r.metrics.MessagesRejected.Inc()
		c.SendJSON(errorReply("invalid message format"))
		return
	}

	if !c.IsAuthenticated() {
		r.metrics.MessagesRejected.Inc()
		c.SendJSON(errorReply("authentication required"))
		return
	}

	switch msg.Type {
	case types.MessageTypePing:
		c.SendJSON(types.PongMessage{
			Type:      types.MessageTypePong,
			Timestamp: time.Now().UnixMilli(),
		})

	case types.MessageTypeEcho:
		c.TrySend(raw)

	case types.MessageTypeFlarmStatus:
		r.handleFlarmStatus(c, &msg)

	case types.MessageTypeFlarmStatusBatch:
		r.handleFlarmStatusBatch(c, &msg)

	case types.MessageTypeSubscribe:
		r.handleSubscribe(c, &msg)

	case types.MessageTypeUnsubscribe:
		r.handleUnsubscribe(c, &msg)

	case types.MessageTypeSubscribeAircraft:
		r.handleSubscribeAircraft(c, &msg)

	case types.MessageTypeUnsubscribeAircraft:
		if r.upstream.Connected() {
			r.upstream.ForwardUnsubscribeAircraft(msg.AircraftIDs)
		}

	case types.MessageTypeSetAdsbPreference:
		if msg.WantsAdsb == nil {
			c.SendJSON(errorReply("missing wants_adsb"))
			return
		}
		if r.upstream.Connected() {
			r.upstream.ForwardAdsbPreference(*msg.WantsAdsb)
		}

	case types.MessageTypeDisconnect:
		c.SendJSON(types.DisconnectAckMessage{Type: types.MessageTypeDisconnectAck})
		// Give the write pump a moment to flush the ack before tearing the
		// transport down; the read pump's exit handles registry removal.
		time.AfterFunc(100*time.Millisecond, c.Close)

	default:
		r.metrics.MessagesRejected.Inc()
		c.SendJSON(errorReply(fmt.Sprintf("unhandled message type: %s", msg.Type)))
	}
}

func (r *Router) handleFlarmStatus(c *Client, msg *types.ClientMessage) {
	if msg.FlarmID == "" {
		c.SendJSON(errorReply("missing flarmId"))
		return
	}
	s := r.statuses.Resolve(context.Background(), msg.FlarmID)
	c.SendJSON(types.FlarmStatusMessage{
		Type:    types.MessageTypeFlarmStatusReply,
		FlarmID: msg.FlarmID,
		Status:  string(s),
	})
}

func (r *Router) handleFlarmStatusBatch(c *Client, msg *types.ClientMessage) {
	if len(msg.FlarmIDs) == 0 {
		c.SendJSON(errorReply("missing flarmIds"))
		return
	}
	statuses := r.statuses.ResolveBatch(context.Background(), msg.FlarmIDs)

	entries := make([]types.FlarmStatusEntry, len(msg.FlarmIDs))
	for i, id := range msg.FlarmIDs {
		entries[i] = types.FlarmStatusEntry{FlarmID: id, Status: string(statuses[i])}
	}
	c.SendJSON(types.FlarmStatusBatchMessage{
		Type:      types.MessageTypeFlarmStatusBatchReply,
		Statuses:  entries,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (r *Router) handleSubscribe(c *Client, msg *types.ClientMessage) {
	if msg.Channel != types.TopicPlaneTracker {
		c.SendJSON(types.SubscriptionMessage{
			Type:   types.MessageTypeSubscriptionNak,
			Topic:  msg.Channel,
			Status: "topic_not_available",
		})
		return
	}

	c.SubscribeTopic(types.TopicPlaneTracker)
	c.SendJSON(types.SubscriptionMessage{
		Type:   types.MessageTypeSubscriptionAck,
		Topic:  types.TopicPlaneTracker,
		Status: "subscribed",
	})

	if snapshot := r.upstream.SnapshotMessage(); snapshot != nil {
		c.TrySend(snapshot)
	}
	r.upstream.EnsureConnectivity()
}

func (r *Router) handleUnsubscribe(c *Client, msg *types.ClientMessage) {
	if msg.Channel != types.TopicPlaneTracker {
		c.SendJSON(types.SubscriptionMessage{
			Type:   types.MessageTypeSubscriptionNak,
			Topic:  msg.Channel,
			Status: "topic_not_available",
		})
		return
	}

	c.UnsubscribeTopic(types.TopicPlaneTracker)
	c.SendJSON(types.SubscriptionMessage{
		Type:   types.MessageTypeSubscriptionAck,
		Topic:  types.TopicPlaneTracker,
		Status: "unsubscribed",
	})
	r.upstream.EnsureConnectivity()
}

func (r *Router) handleSubscribeAircraft(c *Client, msg *types.ClientMessage) {
	c.SubscribeTopic(types.TopicTrackedAircraft)
	c.SetAircraftIDs(msg.AircraftIDs)
	r.upstream.EnsureConnectivity()
	if r.upstream.Connected() {
		r.upstream.ForwardSubscribeAircraft(msg.AircraftIDs)
	}
}

func errorReply(message string) types.ErrorMessage {
	return types.ErrorMessage{Type: types.MessageTypeError, Message: message}
}
