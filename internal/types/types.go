package types

import "encoding/json"

// Client message types
type MessageType string

const (
	MessageTypeAuthRequired          MessageType = "auth_required"
	MessageTypeAuthSuccess           MessageType = "auth_success"
	MessageTypeAuthFailure           MessageType = "auth_failure"
	MessageTypePing                  MessageType = "ping"
	MessageTypePong                  MessageType = "pong"
	MessageTypeEcho                  MessageType = "echo"
	MessageTypeError                 MessageType = "error"
	MessageTypeSubscribe             MessageType = "subscribe"
	MessageTypeUnsubscribe           MessageType = "unsubscribe"
	MessageTypeSubscriptionAck       MessageType = "subscription_ack"
	MessageTypeSubscriptionNak       MessageType = "subscription_nak"
	MessageTypeSubscribeAircraft     MessageType = "subscribe_aircraft"
	MessageTypeUnsubscribeAircraft   MessageType = "unsubscribe_aircraft"
	MessageTypeSetAdsbPreference     MessageType = "set_adsb_preference"
	MessageTypeFlarmStatus           MessageType = "flarm_status_request"
	MessageTypeFlarmStatusReply      MessageType = "flarm_status"
	MessageTypeFlarmStatusBatch      MessageType = "flarm_status_batch_request"
	MessageTypeFlarmStatusBatchReply MessageType = "flarm_status_batch_response"
	MessageTypeDisconnect            MessageType = "disconnect"
	MessageTypeDisconnectAck         MessageType = "disconnect_ack"
	MessageTypeAircraftData          MessageType = "aircraft_data"
	MessageTypePlaneTrackerReady     MessageType = "plane_tracker_ready"
)

// Topic names clients can subscribe to.
const (
	TopicPlaneTracker    = "plane-tracker"
	TopicTrackedAircraft = "tracked_aircraft"
)

// ClientMessage is the envelope for every inbound client message. Only the
// fields relevant to the given type are populated.
type ClientMessage struct {
	Type        MessageType `json:"type"`
	Channel     string      `json:"channel,omitempty"`
	Timestamp   int64       `json:"timestamp,omitempty"`
	FlarmID     string      `json:"flarmId,omitempty"`
	FlarmIDs    []string    `json:"flarmIds,omitempty"`
	AircraftIDs []string    `json:"aircraft_ids,omitempty"`
	WantsAdsb   *bool       `json:"wants_adsb,omitempty"`
}

type AuthRequiredMessage struct {
	Type MessageType `json:"type"`
}

type AuthSuccessMessage struct {
	Type     MessageType `json:"type"`
	Channel  string      `json:"channel"`
	ClubID   string      `json:"clubId,omitempty"`
	ClientID string      `json:"clientId"`
}

type AuthFailureMessage struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

type PongMessage struct {
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp"`
}

type ErrorMessage struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

type SubscriptionMessage struct {
	Type   MessageType `json:"type"`
	Topic  string      `json:"topic"`
	Status string      `json:"status"`
}

type FlarmStatusMessage struct {
	Type    MessageType `json:"type"`
	FlarmID string      `json:"flarmId"`
	Status  string      `json:"status"`
}

type FlarmStatusEntry struct {
	FlarmID string `json:"flarmId"`
	Status  string `json:"status"`
}

type FlarmStatusBatchMessage struct {
	Type      MessageType        `json:"type"`
	Statuses  []FlarmStatusEntry `json:"statuses"`
	Timestamp int64              `json:"timestamp"`
}

type DisconnectAckMessage struct {
	Type MessageType `json:"type"`
}

type PlaneTrackerReadyMessage struct {
	Type MessageType `json:"type"`
}

// AircraftRecord is one aircraft entry as carried by the upstream feed. The
// feed's field set is open-ended, so records are kept as raw objects and only
// the fields the gateway itself inspects have accessors.
type AircraftRecord map[string]any

func (r AircraftRecord) ID() string {
	if v, ok := r["id"].(string); ok {
		return v
	}
	return ""
}

func (r AircraftRecord) Registration() string {
	if v, ok := r["registration"].(string); ok {
		return v
	}
	return ""
}

// AircraftDataMessage is the snapshot/fan-out shape pushed to plane-tracker
// subscribers.
type AircraftDataMessage struct {
	Type MessageType      `json:"type"`
	Data []AircraftRecord `json:"data"`
}

// FrameKind is the closed set of upstream frame kinds. The wire distinguishes
// them only by string tag; the gateway maps tags onto this enum once at parse
// time so routing is an exhaustive switch.
type FrameKind int

const (
	FrameUnknown FrameKind = iota
	FrameAircraftData
	FrameAircraftUpdate
	FrameAircraftBatchUpdate
	FrameAircraftRemoved
	FrameAdsbAircraftData
	FrameAdsbAircraftUpdate
	FrameAdsbAircraftRemoved
	FrameTrackedAircraftUpdate
	FrameSubscriptionConfirmed
	FrameUnsubscriptionConfirmed
)

var frameKinds = map[string]FrameKind{
	"aircraft_data":            FrameAircraftData,
	"aircraft_update":          FrameAircraftUpdate,
	"aircraft_batch_update":    FrameAircraftBatchUpdate,
	"aircraft_removed":         FrameAircraftRemoved,
	"adsb_aircraft_data":       FrameAdsbAircraftData,
	"adsb_aircraft_update":     FrameAdsbAircraftUpdate,
	"adsb_aircraft_removed":    FrameAdsbAircraftRemoved,
	"tracked_aircraft_update":  FrameTrackedAircraftUpdate,
	"subscription_confirmed":   FrameSubscriptionConfirmed,
	"unsubscription_confirmed": FrameUnsubscriptionConfirmed,
}

// KindOf maps a wire tag to its frame kind. Unrecognized tags come back as
// FrameUnknown, which the feed manager relays untouched.
func KindOf(tag string) FrameKind {
	if k, ok := frameKinds[tag]; ok {
		return k
	}
	return FrameUnknown
}

// UpstreamFrame is a parsed inbound feed frame. One/Many hold the decoded
// payload depending on the kind; Raw preserves the original bytes for
// passthrough broadcasting.
type UpstreamFrame struct {
	Kind FrameKind
	Tag  string
	One  AircraftRecord
	Many []AircraftRecord
	Raw  []byte
}

// Outbound upstream intents.
type SubscribeAllIntent struct {
	Type string `json:"type"`
}

type AdsbPreferenceIntent struct {
	Type      string `json:"type"`
	WantsAdsb bool   `json:"wants_adsb"`
}

type AircraftSubscriptionIntent struct {
	Type        string   `json:"type"`
	AircraftIDs []string `json:"aircraft_ids"`
}

// ParseUpstreamFrame decodes a raw feed payload. Non-JSON payloads return an
// error; the caller treats those as heartbeats and relays them verbatim.
func ParseUpstreamFrame(raw []byte) (*UpstreamFrame, error) {
	var envelope struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, err
	}

	frame := &UpstreamFrame{
		Kind: KindOf(envelope.Type),
		Tag:  envelope.Type,
		Raw:  raw,
	}

	switch frame.Kind {
	case FrameAircraftData, FrameAircraftBatchUpdate, FrameAdsbAircraftData:
		if len(envelope.Data) > 0 {
			if err := json.Unmarshal(envelope.Data, &frame.Many); err != nil {
				return nil, err
			}
		}
	case FrameAircraftUpdate, FrameAdsbAircraftUpdate, FrameAircraftRemoved, FrameAdsbAircraftRemoved:
		if len(envelope.Data) > 0 {
			if err := json.Unmarshal(envelope.Data, &frame.One); err != nil {
				return nil, err
			}
		}
	}
	return frame, nil
}
