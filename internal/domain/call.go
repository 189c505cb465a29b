package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallMode is the media mode of a call
type CallMode string

const (
	CallModeVoice CallMode = "voice"
	CallModeVideo CallMode = "video"
)

// CallOutcome classifies how a call attempt finished
type CallOutcome string

const (
	CallOutcomeCompleted CallOutcome = "completed" // answered, then ended
	CallOutcomeMissed    CallOutcome = "missed"    // never answered, ring budget exhausted or callee busy
	CallOutcomeDeclined  CallOutcome = "declined"  // explicitly rejected before answer
	CallOutcomeCancelled CallOutcome = "cancelled" // caller hung up before answer
)

// CallSession is the server's record of the call attempt in progress for a conversation.
// At most one exists per conversation.
type CallSession struct {
	ConversationID uuid.UUID         `json:"conversation_id"`
	Mode           CallMode          `json:"mode"`
	InitiatorID    uuid.UUID         `json:"initiator_id"`
	StartedAt      time.Time         `json:"started_at"`
	AnsweredAt     *time.Time        `json:"answered_at,omitempty"`
	Sidechat       []SidechatMessage `json:"sidechat,omitempty"`
	LastSeenAt     time.Time         `json:"last_seen_at"`
}

// Answered reports whether the callee has answered
func (s *CallSession) Answered() bool {
	return s.AnsweredAt != nil
}

// Clone returns a deep copy safe to hand out of a registry
func (s *CallSession) Clone() *CallSession {
	c := *s
	if s.AnsweredAt != nil {
		at := *s.AnsweredAt
		c.AnsweredAt = &at
	}
	c.Sidechat = append([]SidechatMessage(nil), s.Sidechat...)
	return &c
}

// SidechatMessage is an ephemeral in-call chat entry. It lives only as long as the session.
type SidechatMessage struct {
	MessageID uuid.UUID `json:"message_id"`
	SenderID  uuid.UUID `json:"sender_id"`
	Text      string    `json:"text"`
	SentAt    time.Time `json:"sent_at"`
}

// Call is a finished call attempt as kept in call history
// Maps to CockroachDB calls table
type Call struct {
	CallID         uuid.UUID   `json:"call_id" db:"call_id"`
	ConversationID uuid.UUID   `json:"conversation_id" db:"conversation_id"`
	CallerID       uuid.UUID   `json:"caller_id" db:"caller_id"`
	Mode           CallMode    `json:"mode" db:"mode"`
	Outcome        CallOutcome `json:"outcome" db:"outcome"`
	Reason         string      `json:"reason" db:"reason"`
	StartedAt      time.Time   `json:"started_at" db:"started_at"`
	AnsweredAt     *time.Time  `json:"answered_at,omitempty" db:"answered_at"`
	EndedAt        time.Time   `json:"ended_at" db:"ended_at"`
	Duration       int         `json:"duration" db:"duration"` // in seconds
}
