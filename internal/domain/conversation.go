package domain

import (
	"github.com/google/uuid"
)

// Conversation type values
const (
	ConversationTypeDirect = "direct"
	ConversationTypeGroup  = "group"
)

// ConversationInfo is the part of a conversation the call engine needs
type ConversationInfo struct {
	ConversationID uuid.UUID   `json:"conversation_id"`
	Participants   []uuid.UUID `json:"participants"`
	IsGroup        bool        `json:"is_group"`
}

// HasParticipant reports whether userID belongs to the conversation
func (c *ConversationInfo) HasParticipant(userID uuid.UUID) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Peer returns the other participant of a two-party conversation
func (c *ConversationInfo) Peer(userID uuid.UUID) (uuid.UUID, bool) {
	if len(c.Participants) != 2 {
		return uuid.Nil, false
	}
	switch userID {
	case c.Participants[0]:
		return c.Participants[1], true
	case c.Participants[1]:
		return c.Participants[0], true
	}
	return uuid.Nil, false
}
