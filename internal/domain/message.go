package domain

import (
	"time"

	"github.com/google/uuid"
)

// Message types written by the call engine
const (
	MessageTypeSystem = "system"
)

// Message represents a chat message entity
// Maps to Cassandra messages table
type Message struct {
	MessageID      uuid.UUID         `json:"message_id" cql:"message_id"`
	ConversationID uuid.UUID         `json:"conversation_id" cql:"conversation_id"`
	Bucket         int               `json:"-" cql:"bucket"`
	SenderID       uuid.UUID         `json:"sender_id" cql:"sender_id"` // uuid.Nil for system messages
	Content        string            `json:"content" cql:"content"`
	MessageType    string            `json:"message_type" cql:"message_type"`
	Metadata       map[string]string `json:"metadata,omitempty" cql:"metadata"`
	SentAt         time.Time         `json:"sent_at" cql:"sent_at"`
}

// CalculateBucket returns the monthly partition bucket for t, e.g. 202610
func CalculateBucket(t time.Time) int {
	t = t.UTC()
	return t.Year()*100 + int(t.Month())
}
