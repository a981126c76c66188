// Package upstream owns the single connection to the external aircraft
// position feed: opened when client demand appears, closed when it goes away,
// reconnected on a fixed delay while demand persists.
package upstream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"gliderops-gateway/internal/metrics"
	"gliderops-gateway/internal/types"
	"gliderops-gateway/pkg/enrich"
)

// Conn is the slice of a websocket connection the feed manager uses. Tests
// substitute an in-memory implementation.
type Conn interface {
	WriteJSON(v any) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Dialer opens the upstream socket.
type Dialer func(url string) (Conn, error)

// NetDialer is the production dialer.
func NetDialer(handshakeTimeout time.Duration) Dialer {
	return func(url string) (Conn, error) {
		dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
		conn, _, err := dialer.Dial(url, nil)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Config wires the feed manager to its collaborators. The callbacks keep the
// package free of a dependency on the hub: Demand counts subscribed clients,
// AircraftIDs collects the per-aircraft replay set, and the broadcast
// functions fan a serialized frame out to the matching topic's subscribers.
type Config struct {
	URL            string
	Dial           Dialer
	ReconnectDelay time.Duration

	Demand           func() int
	AircraftIDs      func() []string
	BroadcastPlane   func(message []byte)
	BroadcastTracked func(message []byte)

	// Optional collaborators.
	Enricher      enrich.Resolver
	EnrichTimeout time.Duration
	Export        func(subject string, payload []byte)
	ExportUpdate  string
	ExportRemoved string
}

// Feed is the upstream feed manager. Invariant: no open connection when
// demand is zero; a connection open or a reconnect pending whenever demand is
// positive. Re-checked via EnsureConnectivity after every subscribe,
// unsubscribe, removal and upstream close.
type Feed struct {
	cfg     Config
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu             sync.Mutex
	conn           Conn
	dialing        bool
	stopped        bool
	reconnectTimer *time.Timer
	snapshot       map[string]types.AircraftRecord

	// Serializes writes to the upstream socket; gorilla connections do not
	// support concurrent writers.
	writeMu sync.Mutex
}

func New(cfg Config, logger zerolog.Logger, m *metrics.Metrics) *Feed {
	if cfg.EnrichTimeout <= 0 {
		cfg.EnrichTimeout = 2 * time.Second
	}
	return &Feed{
		cfg:      cfg,
		logger:   logger.With().Str("component", "upstream").Logger(),
		metrics:  m,
		snapshot: make(map[string]types.AircraftRecord),
	}
}

// EnsureConnectivity reconciles the connection state with current demand.
func (f *Feed) EnsureConnectivity() {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return
	}

	demand := f.cfg.Demand()
	if demand > 0 {
		if f.conn == nil && !f.dialing && f.reconnectTimer == nil {
			f.dialing = true
			go f.connect()
		}
		f.mu.Unlock()
		return
	}

	// Demand gone: cancel any pending retry and drop the connection.
	if f.reconnectTimer != nil {
		f.reconnectTimer.Stop()
		f.reconnectTimer = nil
	}
	conn := f.conn
	f.conn = nil
	f.mu.Unlock()

	if conn != nil {
		conn.Close()
		f.metrics.UpstreamConnected.Set(0)
		f.logger.Info().Msg("upstream closed, no remaining demand")
	}
}

// Connected reports whether the upstream socket is currently open.
func (f *Feed) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn != nil
}

// Stop tears the feed down for process shutdown.
func (f *Feed) Stop() {
	f.mu.Lock()
	f.stopped = true
	if f.reconnectTimer != nil {
		f.reconnectTimer.Stop()
		f.reconnectTimer = nil
	}
	conn := f.conn
	f.conn = nil
	f.mu.Unlock()

	if conn != nil {
		conn.Close()
		f.metrics.UpstreamConnected.Set(0)
	}
}

func (f *Feed) connect() {
	conn, err := f.cfg.Dial(f.cfg.URL)

	f.mu.Lock()
	f.dialing = false
	if f.stopped {
		f.mu.Unlock()
		if err == nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		// An open-time failure reconnects exactly like an unexpected close.
		f.logger.Warn().Err(err).Str("url", f.cfg.URL).Msg("upstream dial failed")
		f.scheduleReconnectLocked()
		f.mu.Unlock()
		return
	}
	if f.cfg.Demand() == 0 {
		// Demand disappeared while the dial was in flight.
		f.mu.Unlock()
		conn.Close()
		return
	}
	f.conn = conn
	f.mu.Unlock()

	f.metrics.UpstreamConnects.Inc()
	f.metrics.UpstreamConnected.Set(1)
	f.logger.Info().Str("url", f.cfg.URL).Msg("upstream connected")

	// Subscribe to everything, then replay per-aircraft subscriptions that
	// were registered before the link existed, then tell tracked clients
	// they may re-issue theirs.
	f.writeIntent(types.SubscribeAllIntent{Type: "subscribe_all"})
	if ids := f.cfg.AircraftIDs(); len(ids) > 0 {
		f.writeIntent(types.AircraftSubscriptionIntent{Type: "subscribe_aircraft", AircraftIDs: ids})
	}
	if ready, err := json.Marshal(types.PlaneTrackerReadyMessage{Type: types.MessageTypePlaneTrackerReady}); err == nil {
		f.cfg.BroadcastTracked(ready)
	}

	go f.readLoop(conn)
}

func (f *Feed) readLoop(conn Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		f.handleFrame(raw)
	}
	conn.Close()
	f.handleClose(conn)
}

// handleClose runs when the upstream socket drops. Intentional closes (conn
// already replaced or cleared) are ignored; otherwise a single reconnect is
// scheduled while demand persists.
func (f *Feed) handleClose(conn Conn) {
	f.mu.Lock()
	if f.conn != conn {
		f.mu.Unlock()
		return
	}
	f.conn = nil
	f.scheduleReconnectLocked()
	f.mu.Unlock()

	f.metrics.UpstreamConnected.Set(0)
	f.logger.Warn().Msg("upstream connection lost")
}

// scheduleReconnectLocked arms the single retry timer. Fixed delay, unbounded
// retries; the timer no-ops when demand has meanwhile gone away because
// EnsureConnectivity re-counts it.
func (f *Feed) scheduleReconnectLocked() {
	if f.stopped || f.reconnectTimer != nil || f.cfg.Demand() == 0 {
		return
	}
	f.metrics.UpstreamReconnects.Inc()
	f.reconnectTimer = time.AfterFunc(f.cfg.ReconnectDelay, func() {
		f.mu.Lock()
		f.reconnectTimer = nil
		f.mu.Unlock()
		f.EnsureConnectivity()
	})
}

// ForwardSubscribeAircraft relays a client's per-aircraft subscription.
func (f *Feed) ForwardSubscribeAircraft(ids []string) {
	if len(ids) == 0 {
		return
	}
	f.writeIntent(types.AircraftSubscriptionIntent{Type: "subscribe_aircraft", AircraftIDs: ids})
}

// ForwardUnsubscribeAircraft relays a client's per-aircraft unsubscription.
func (f *Feed) ForwardUnsubscribeAircraft(ids []string) {
	if len(ids) == 0 {
		return
	}
	f.writeIntent(types.AircraftSubscriptionIntent{Type: "unsubscribe_aircraft", AircraftIDs: ids})
}

// ForwardAdsbPreference relays a client's ADS-B preference.
func (f *Feed) ForwardAdsbPreference(wantsAdsb bool) {
	f.writeIntent(types.AdsbPreferenceIntent{Type: "client_wants_adsb", WantsAdsb: wantsAdsb})
}

func (f *Feed) writeIntent(v any) {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return
	}

	f.writeMu.Lock()
	err := conn.WriteJSON(v)
	f.writeMu.Unlock()
	if err != nil {
		// The read loop will observe the broken socket and drive reconnect.
		f.logger.Warn().Err(err).Msg("upstream write failed")
	}
}

// SnapshotMessage serializes the current aircraft snapshot as an
// aircraft_data push, or nil when empty.
func (f *Feed) SnapshotMessage() []byte {
	f.mu.Lock()
	if len(f.snapshot) == 0 {
		f.mu.Unlock()
		return nil
	}
	records := make([]types.AircraftRecord, 0, len(f.snapshot))
	for _, r := range f.snapshot {
		records = append(records, r)
	}
	f.mu.Unlock()

	data, err := json.Marshal(types.AircraftDataMessage{
		Type: types.MessageTypeAircraftData,
		Data: records,
	})
	if err != nil {
		return nil
	}
	return data
}

// handleFrame normalizes one inbound feed frame, merges it into the
// snapshot, enriches where the protocol calls for it and fans it out.
func (f *Feed) handleFrame(raw []byte) {
	f.metrics.UpstreamFrames.Inc()

	frame, err := types.ParseUpstreamFrame(raw)
	if err != nil {
		// Non-JSON payloads are upstream heartbeats; relay them verbatim.
		f.cfg.BroadcastPlane(raw)
		return
	}

	switch frame.Kind {
	case types.FrameAircraftData:
		f.replaceSnapshot(frame.Many)
		f.cfg.BroadcastPlane(raw)
		f.export(f.cfg.ExportUpdate, raw)

	case types.FrameAircraftUpdate:
		record := f.enrichRecord(frame.One)
		f.upsert(record)
		f.broadcastEnriched(frame.Tag, record, raw)

	case types.FrameAircraftBatchUpdate:
		records := make([]types.AircraftRecord, len(frame.Many))
		for i, r := range frame.Many {
			records[i] = f.enrichRecord(r)
			f.upsert(records[i])
		}
		f.broadcastEnrichedBatch(frame.Tag, records, raw)

	case types.FrameAdsbAircraftData:
		for _, r := range frame.Many {
			f.upsert(r)
		}
		f.cfg.BroadcastPlane(raw)
		f.export(f.cfg.ExportUpdate, raw)

	case types.FrameAdsbAircraftUpdate:
		f.upsert(frame.One)
		f.cfg.BroadcastPlane(raw)
		f.export(f.cfg.ExportUpdate, raw)

	case types.FrameAircraftRemoved, types.FrameAdsbAircraftRemoved:
		f.remove(frame.One.ID())
		f.cfg.BroadcastPlane(raw)
		f.export(f.cfg.ExportRemoved, raw)

	case types.FrameTrackedAircraftUpdate, types.FrameSubscriptionConfirmed, types.FrameUnsubscriptionConfirmed:
		f.cfg.BroadcastTracked(raw)

	case types.FrameUnknown:
		f.cfg.BroadcastPlane(raw)
	}
}

func (f *Feed) replaceSnapshot(records []types.AircraftRecord) {
	next := make(map[string]types.AircraftRecord, len(records))
	for _, r := range records {
		if id := r.ID(); id != "" {
			next[id] = r
		}
	}
	f.mu.Lock()
	f.snapshot = next
	f.mu.Unlock()
}

func (f *Feed) upsert(record types.AircraftRecord) {
	id := record.ID()
	if id == "" {
		return
	}
	f.mu.Lock()
	f.snapshot[id] = record
	f.mu.Unlock()
}

func (f *Feed) remove(id string) {
	if id == "" {
		return
	}
	f.mu.Lock()
	delete(f.snapshot, id)
	f.mu.Unlock()
}

// enrichRecord fills registration/model for records lacking a human-readable
// identity. Best-effort: any failure returns the record unchanged.
func (f *Feed) enrichRecord(record types.AircraftRecord) types.AircraftRecord {
	if record == nil || f.cfg.Enricher == nil {
		return record
	}
	if record.Registration() != "" {
		return record
	}
	id := record.ID()
	if id == "" {
		return record
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.EnrichTimeout)
	defer cancel()

	identity, err := f.cfg.Enricher.Resolve(ctx, id)
	if err != nil {
		f.metrics.EnrichmentFailures.Inc()
		f.logger.Debug().Err(err).Str("device_id", id).Msg("identity resolution failed")
		return record
	}

	enriched := make(types.AircraftRecord, len(record)+3)
	for k, v := range record {
		enriched[k] = v
	}
	if identity.Registration != "" {
		enriched["registration"] = identity.Registration
	}
	if identity.Model != "" {
		enriched["model"] = identity.Model
	}
	if identity.Source != "" {
		enriched["identity_source"] = identity.Source
	}
	return enriched
}

func (f *Feed) broadcastEnriched(tag string, record types.AircraftRecord, raw []byte) {
	out, err := json.Marshal(map[string]any{"type": tag, "data": record})
	if err != nil {
		out = raw
	}
	f.cfg.BroadcastPlane(out)
	f.export(f.cfg.ExportUpdate, out)
}

func (f *Feed) broadcastEnrichedBatch(tag string, records []types.AircraftRecord, raw []byte) {
	out, err := json.Marshal(map[string]any{"type": tag, "data": records})
	if err != nil {
		out = raw
	}
	f.cfg.BroadcastPlane(out)
	f.export(f.cfg.ExportUpdate, out)
}

func (f *Feed) export(subject string, payload []byte) {
	if f.cfg.Export == nil || subject == "" {
		return
	}
	f.cfg.Export(subject, payload)
}
