package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"gliderops-gateway/internal/auth"
	"gliderops-gateway/internal/metrics"
	"gliderops-gateway/internal/types"
	"gliderops-gateway/pkg/status"
)

type stubUpstream struct {
	mu           sync.Mutex
	connected    bool
	ensureCalls  int
	subscribed   [][]string
	unsubscribed [][]string
	adsb         []bool
	snapshot     []byte
}

func (s *stubUpstream) EnsureConnectivity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureCalls++
}

func (s *stubUpstream) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *stubUpstream) ForwardSubscribeAircraft(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribed = append(s.subscribed, ids)
}

func (s *stubUpstream) ForwardUnsubscribeAircraft(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribed = append(s.unsubscribed, ids)
}

func (s *stubUpstream) ForwardAdsbPreference(wantsAdsb bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adsb = append(s.adsb, wantsAdsb)
}

func (s *stubUpstream) SnapshotMessage() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

type stubStatuses struct {
	online map[string]bool
}

func (s *stubStatuses) Resolve(_ context.Context, deviceID string) status.Status {
	if s.online[deviceID] {
		return status.Online
	}
	return status.Offline
}

func (s *stubStatuses) ResolveBatch(ctx context.Context, deviceIDs []string) []status.Status {
	out := make([]status.Status, len(deviceIDs))
	for i, id := range deviceIDs {
		out[i] = s.Resolve(ctx, id)
	}
	return out
}

type stubVerifier struct {
	claims *auth.Claims
	err    error
}

func (v *stubVerifier) Verify(string) (*auth.Claims, error) {
	return v.claims, v.err
}

func newTestRouter(up *stubUpstream, st *stubStatuses, v CredentialVerifier) (*Router, *Hub) {
	if up == nil {
		up = &stubUpstream{}
	}
	if st == nil {
		st = &stubStatuses{}
	}
	if v == nil {
		v = &stubVerifier{err: errors.New("no verifier configured")}
	}
	hub := newTestHub()
	r := NewRouter(hub, up, st, v, RouterConfig{
		AuthGrace:      25 * time.Millisecond,
		MaxMessageSize: 64 * 1024,
	}, zerolog.Nop(), metrics.NewForTest())
	return r, hub
}

func recvJSON(t *testing.T, c *Client) map[string]any {
	t.Helper()
	select {
	case raw := <-c.send:
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("queued message is not JSON: %v (%q)", err, raw)
		}
		return m
	case <-time.After(time.Second):
		t.Fatal("no message queued for client")
		return nil
	}
}

func recvNothing(t *testing.T, c *Client) {
	t.Helper()
	select {
	case raw := <-c.send:
		t.Fatalf("unexpected message queued: %q", raw)
	default:
	}
}

func TestHandleMessageRequiresAuthentication(t *testing.T) {
	up := &stubUpstream{}
	r, _ := newTestRouter(up, nil, nil)
	c := bareClient("unauth")

	r.HandleMessage(c, []byte(`{"type":"subscribe","channel":"plane-tracker"}`))

	reply := recvJSON(t, c)
	if reply["type"] != "error" || reply["message"] != "authentication required" {
		t.Errorf("reply = %v, want authentication required error", reply)
	}
	if c.HasTopic(types.TopicPlaneTracker) {
		t.Error("unauthenticated subscribe mutated subscription state")
	}
	up.mu.Lock()
	defer up.mu.Unlock()
	if up.ensureCalls != 0 {
		t.Error("unauthenticated subscribe reached the upstream link")
	}
}

func TestHandleMessageMalformed(t *testing.T) {
	r, _ := newTestRouter(nil, nil, nil)
	c := authedClient("a")

	r.HandleMessage(c, []byte(`{not json`))

	reply := recvJSON(t, c)
	if reply["type"] != "error" || reply["message"] != "invalid message format" {
		t.Errorf("reply = %v, want invalid message format error", reply)
	}
}

func TestHandlePing(t *testing.T) {
	r, _ := newTestRouter(nil, nil, nil)
	c := authedClient("a")

	before := time.Now().UnixMilli()
	r.HandleMessage(c, []byte(`{"type":"ping"}`))

	reply := recvJSON(t, c)
	if reply["type"] != "pong" {
		t.Fatalf("reply type = %v, want pong", reply["type"])
	}
	ts, ok := reply["timestamp"].(float64)
	if !ok || int64(ts) < before {
		t.Errorf("pong timestamp = %v, want >= %d", reply["timestamp"], before)
	}
}

func TestHandleEcho(t *testing.T) {
	r, _ := newTestRouter(nil, nil, nil)
	c := authedClient("a")

	raw := []byte(`{"type":"echo","payload":"hello"}`)
	r.HandleMessage(c, raw)

	select {
	case got := <-c.send:
		if string(got) != string(raw) {
			t.Errorf("echo returned %q, want the original bytes", got)
		}
	default:
		t.Fatal("echo queued nothing")
	}
}

func TestHandleFlarmStatus(t *testing.T) {
	st := &stubStatuses{online: map[string]bool{"FLR123456": true}}
	r, _ := newTestRouter(nil, st, nil)
	c := authedClient("a")

	r.HandleMessage(c, []byte(`{"type":"flarm_status_request","flarmId":"FLR123456"}`))
	reply := recvJSON(t, c)
	if reply["type"] != "flarm_status" || reply["flarmId"] != "FLR123456" || reply["status"] != "online" {
		t.Errorf("reply = %v, want online status for FLR123456", reply)
	}

	r.HandleMessage(c, []byte(`{"type":"flarm_status_request"}`))
	reply = recvJSON(t, c)
	if reply["type"] != "error" || reply["message"] != "missing flarmId" {
		t.Errorf("reply = %v, want missing flarmId error", reply)
	}
}

func TestHandleFlarmStatusBatch(t *testing.T) {
	st := &stubStatuses{online: map[string]bool{"FLRAAA111": true}}
	r, _ := newTestRouter(nil, st, nil)
	c := authedClient("a")

	r.HandleMessage(c, []byte(`{"type":"flarm_status_batch_request","flarmIds":["FLRAAA111","FLRBBB222"]}`))

	reply := recvJSON(t, c)
	if reply["type"] != "flarm_status_batch_response" {
		t.Fatalf("reply type = %v, want flarm_status_batch_response", reply["type"])
	}
	entries, ok := reply["statuses"].([]any)
	if !ok || len(entries) != 2 {
		t.Fatalf("statuses = %v, want 2 entries", reply["statuses"])
	}
	first := entries[0].(map[string]any)
	second := entries[1].(map[string]any)
	if first["flarmId"] != "FLRAAA111" || first["status"] != "online" {
		t.Errorf("entry[0] = %v, want FLRAAA111 online", first)
	}
	if second["flarmId"] != "FLRBBB222" || second["status"] != "offline" {
		t.Errorf("entry[1] = %v, want FLRBBB222 offline", second)
	}

	r.HandleMessage(c, []byte(`{"type":"flarm_status_batch_request","flarmIds":[]}`))
	reply = recvJSON(t, c)
	if reply["message"] != "missing flarmIds" {
		t.Errorf("reply = %v, want missing flarmIds error", reply)
	}
}

func TestHandleSubscribePlaneTracker(t *testing.T) {
	up := &stubUpstream{snapshot: []byte(`{"type":"aircraft_data","data":[{"id":"FLR111111"}]}`)}
	r, _ := newTestRouter(up, nil, nil)
	c := authedClient("a")

	r.HandleMessage(c, []byte(`{"type":"subscribe","channel":"plane-tracker"}`))

	ack := recvJSON(t, c)
	if ack["type"] != "subscription_ack" || ack["topic"] != "plane-tracker" || ack["status"] != "subscribed" {
		t.Errorf("ack = %v", ack)
	}
	snapshot := recvJSON(t, c)
	if snapshot["type"] != "aircraft_data" {
		t.Errorf("expected snapshot push after ack, got %v", snapshot)
	}
	if !c.HasTopic(types.TopicPlaneTracker) {
		t.Error("client not subscribed after ack")
	}
	up.mu.Lock()
	defer up.mu.Unlock()
	if up.ensureCalls != 1 {
		t.Errorf("EnsureConnectivity called %d times, want 1", up.ensureCalls)
	}
}

func TestHandleSubscribeUnknownTopic(t *testing.T) {
	up := &stubUpstream{}
	r, _ := newTestRouter(up, nil, nil)
	c := authedClient("a")

	r.HandleMessage(c, []byte(`{"type":"subscribe","channel":"weather"}`))

	nak := recvJSON(t, c)
	if nak["type"] != "subscription_nak" || nak["topic"] != "weather" || nak["status"] != "topic_not_available" {
		t.Errorf("nak = %v", nak)
	}
	if c.HasTopic("weather") {
		t.Error("unknown topic was recorded")
	}
	up.mu.Lock()
	defer up.mu.Unlock()
	if up.ensureCalls != 0 {
		t.Error("nak'd subscribe re-evaluated connectivity")
	}
}

func TestHandleUnsubscribe(t *testing.T) {
	up := &stubUpstream{}
	r, _ := newTestRouter(up, nil, nil)
	c := authedClient("a")
	c.SubscribeTopic(types.TopicPlaneTracker)

	r.HandleMessage(c, []byte(`{"type":"unsubscribe","channel":"plane-tracker"}`))

	ack := recvJSON(t, c)
	if ack["type"] != "subscription_ack" || ack["status"] != "unsubscribed" {
		t.Errorf("ack = %v", ack)
	}
	if c.HasTopic(types.TopicPlaneTracker) {
		t.Error("topic still present after unsubscribe")
	}
	up.mu.Lock()
	defer up.mu.Unlock()
	if up.ensureCalls != 1 {
		t.Errorf("EnsureConnectivity called %d times, want 1", up.ensureCalls)
	}
}

func TestHandleSubscribeAircraft(t *testing.T) {
	t.Run("forwarded while connected", func(t *testing.T) {
		up := &stubUpstream{connected: true}
		r, _ := newTestRouter(up, nil, nil)
		c := authedClient("a")

		r.HandleMessage(c, []byte(`{"type":"subscribe_aircraft","aircraft_ids":["FLR111111","FLR222222"]}`))

		if !c.HasTopic(types.TopicTrackedAircraft) {
			t.Error("tracked topic not recorded")
		}
		if ids := c.AircraftIDs(); len(ids) != 2 {
			t.Errorf("AircraftIDs() = %v, want 2 ids", ids)
		}
		up.mu.Lock()
		defer up.mu.Unlock()
		if len(up.subscribed) != 1 || len(up.subscribed[0]) != 2 {
			t.Errorf("forwarded subscriptions = %v, want one forward of 2 ids", up.subscribed)
		}
	})

	t.Run("recorded but not forwarded while disconnected", func(t *testing.T) {
		up := &stubUpstream{connected: false}
		r, _ := newTestRouter(up, nil, nil)
		c := authedClient("a")

		r.HandleMessage(c, []byte(`{"type":"subscribe_aircraft","aircraft_ids":["FLR111111"]}`))

		if ids := c.AircraftIDs(); len(ids) != 1 {
			t.Errorf("AircraftIDs() = %v, want the id recorded for replay", ids)
		}
		up.mu.Lock()
		defer up.mu.Unlock()
		if len(up.subscribed) != 0 {
			t.Error("subscription forwarded while upstream was down")
		}
		if up.ensureCalls != 1 {
			t.Errorf("EnsureConnectivity called %d times, want 1", up.ensureCalls)
		}
	})
}

func TestHandleUnsubscribeAircraftKeepsLocalList(t *testing.T) {
	up := &stubUpstream{connected: true}
	r, _ := newTestRouter(up, nil, nil)
	c := authedClient("a")
	c.SubscribeTopic(types.TopicTrackedAircraft)
	c.SetAircraftIDs([]string{"FLR111111", "FLR222222"})

	r.HandleMessage(c, []byte(`{"type":"unsubscribe_aircraft","aircraft_ids":["FLR111111"]}`))

	up.mu.Lock()
	if len(up.unsubscribed) != 1 {
		t.Errorf("unsubscribe forwards = %v, want 1", up.unsubscribed)
	}
	up.mu.Unlock()

	// The replay list is only replaced by subscribe_aircraft.
	if ids := c.AircraftIDs(); len(ids) != 2 {
		t.Errorf("AircraftIDs() = %v, want the original list untouched", ids)
	}
}

func TestHandleSetAdsbPreference(t *testing.T) {
	up := &stubUpstream{connected: true}
	r, _ := newTestRouter(up, nil, nil)
	c := authedClient("a")

	r.HandleMessage(c, []byte(`{"type":"set_adsb_preference","wants_adsb":true}`))
	up.mu.Lock()
	if len(up.adsb) != 1 || !up.adsb[0] {
		t.Errorf("forwarded adsb prefs = %v, want [true]", up.adsb)
	}
	up.mu.Unlock()
	recvNothing(t, c)

	r.HandleMessage(c, []byte(`{"type":"set_adsb_preference"}`))
	reply := recvJSON(t, c)
	if reply["message"] != "missing wants_adsb" {
		t.Errorf("reply = %v, want missing wants_adsb error", reply)
	}
}

func TestHandleUnknownType(t *testing.T) {
	r, _ := newTestRouter(nil, nil, nil)
	c := authedClient("a")

	r.HandleMessage(c, []byte(`{"type":"teleport"}`))

	reply := recvJSON(t, c)
	msg, _ := reply["message"].(string)
	if reply["type"] != "error" || !strings.Contains(msg, "teleport") {
		t.Errorf("reply = %v, want unhandled type error naming the type", reply)
	}
}

func TestHandleDisconnect(t *testing.T) {
	r, _ := newTestRouter(nil, nil, nil)
	c := authedClient("a")

	r.HandleMessage(c, []byte(`{"type":"disconnect"}`))

	ack := recvJSON(t, c)
	if ack["type"] != "disconnect_ack" {
		t.Fatalf("reply = %v, want disconnect_ack", ack)
	}

	deadline := time.Now().Add(time.Second)
	for !c.Closed() {
		if time.Now().After(deadline) {
			t.Fatal("client not closed after disconnect ack")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAuthGateSuccess(t *testing.T) {
	claims := &auth.Claims{ClubID: "club-7", SelectedChannel: "lszf"}
	claims.Subject = "pilot-42"
	r, hub := newTestRouter(nil, nil, &stubVerifier{claims: claims})

	c := bareClient("a")
	hub.Register(c)

	r.beginAuth(c, "some-token", true)

	reply := recvJSON(t, c)
	if reply["type"] != "auth_success" || reply["channel"] != "lszf" || reply["clubId"] != "club-7" {
		t.Errorf("reply = %v, want auth_success for lszf/club-7", reply)
	}
	if !c.IsAuthenticated() {
		t.Error("client not authenticated after auth_success")
	}
}

func TestAuthGateFailure(t *testing.T) {
	r, hub := newTestRouter(nil, nil, &stubVerifier{err: errors.New("expired")})

	c := bareClient("a")
	hub.Register(c)

	r.beginAuth(c, "bad-token", true)

	reply := recvJSON(t, c)
	if reply["type"] != "auth_failure" {
		t.Errorf("reply = %v, want auth_failure", reply)
	}
	if c.IsAuthenticated() {
		t.Error("client authenticated despite verification failure")
	}
}

func TestAuthGateGraceNudge(t *testing.T) {
	r, hub := newTestRouter(nil, nil, nil)

	c := bareClient("a")
	hub.Register(c)

	// No credential: nothing until the grace timer fires.
	r.beginAuth(c, "", false)
	recvNothing(t, c)

	reply := recvJSON(t, c)
	if reply["type"] != "auth_required" {
		t.Errorf("reply = %v, want auth_required after grace period", reply)
	}
	if c.IsAuthenticated() {
		t.Error("client authenticated without a credential")
	}
}
