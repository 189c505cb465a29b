// Package signaling defines the call control messages exchanged between
// clients and the relay, and validates their payloads.
package signaling

import (
	"encoding/json"
	"time"
)

// Kind names a control message type.
type Kind string

const (
	KindOffer             Kind = "offer"
	KindAnswer            Kind = "answer"
	KindICECandidate      Kind = "ice_candidate"
	KindReconnectOffer    Kind = "reconnect_offer"
	KindReconnectAnswer   Kind = "reconnect_answer"
	KindRenegotiateOffer  Kind = "renegotiate_offer"
	KindRenegotiateAnswer Kind = "renegotiate_answer"
	KindMediaState        Kind = "media_state"
	KindAnnotation        Kind = "annotation"
	KindSidechatMessage   Kind = "sidechat_message"
	KindEnd               Kind = "end"
	KindReject            Kind = "reject"
	KindHeartbeat         Kind = "heartbeat"

	// KindAnsweredElsewhere is sent by the relay to the callee's own
	// connections when one of them answered. Clients never send it.
	KindAnsweredElsewhere Kind = "answered_elsewhere"
)

// Terminal reports whether a message of this kind ends the call.
func (k Kind) Terminal() bool {
	return k == KindEnd || k == KindReject
}

// Mode is the media mode a call was started with.
type Mode string

const (
	ModeVoice Mode = "voice"
	ModeVideo Mode = "video"
)

// Reason explains why a call ended or was rejected.
type Reason string

const (
	ReasonEnded       Reason = "ended"
	ReasonNoAnswer    Reason = "no_answer"
	ReasonMissed      Reason = "missed"
	ReasonBusy        Reason = "busy"
	ReasonNoMedia     Reason = "no_media"
	ReasonUnavailable Reason = "unavailable"
	ReasonDeclined    Reason = "declined"
	ReasonNetworkDrop Reason = "network_drop"
)

// Valid reports whether r belongs to the closed reason set.
func (r Reason) Valid() bool {
	switch r {
	case ReasonEnded, ReasonNoAnswer, ReasonMissed, ReasonBusy,
		ReasonNoMedia, ReasonUnavailable, ReasonDeclined, ReasonNetworkDrop:
		return true
	}
	return false
}

// Request is a client to server control message. Every request is answered
// by exactly one Ack carrying the same ID.
type Request struct {
	ID      string          `json:"id"`
	Type    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Ack acknowledges a Request. Error holds one of the wire error codes when OK is false.
type Ack struct {
	ID      string           `json:"id"`
	OK      bool             `json:"ok"`
	Error   string           `json:"error,omitempty"`
	Message *SidechatMessage `json:"message,omitempty"`
}

// Event is a server to client notification forwarded from the other participant.
type Event struct {
	Type           Kind            `json:"type"`
	ConversationID string          `json:"conversationId"`
	From           string          `json:"from"`
	Payload        json.RawMessage `json:"payload"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Frame is the unit written by the server on a signaling connection.
// Exactly one of Ack and Event is set.
type Frame struct {
	Ack   *Ack   `json:"ack,omitempty"`
	Event *Event `json:"event,omitempty"`
}

// NewEvent builds an Event with payload marshaled to JSON.
func NewEvent(kind Kind, conversationID, from string, payload any, at time.Time) (*Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Event{
		Type:           kind,
		ConversationID: conversationID,
		From:           from,
		Payload:        raw,
		Timestamp:      at.UTC(),
	}, nil
}
