package cassandra

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"callrelay-backend/internal/domain"
)

// MessageRepository writes call summaries into the conversation message table.
// Rows are partitioned by conversation and monthly bucket like ordinary chat messages.
type MessageRepository struct {
	session *gocql.Session
	now     func() time.Time
}

// NewMessageRepository creates a new MessageRepository
func NewMessageRepository(session *gocql.Session) *MessageRepository {
	return &MessageRepository{session: session, now: time.Now}
}

// AppendSystemSummary stores text as a system message with no sender
func (r *MessageRepository) AppendSystemSummary(ctx context.Context, conversationID uuid.UUID, text string, metadata map[string]string) (*domain.Message, error) {
	sentAt := r.now().UTC()
	message := &domain.Message{
		MessageID:      uuid.Must(uuid.NewV7()),
		ConversationID: conversationID,
		Bucket:         domain.CalculateBucket(sentAt),
		SenderID:       uuid.Nil,
		Content:        text,
		MessageType:    domain.MessageTypeSystem,
		Metadata:       metadata,
		SentAt:         sentAt,
	}

	query := `
		INSERT INTO messages (
			conversation_id, bucket, message_id, sender_id, content,
			is_encrypted, message_type, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	err := r.session.Query(query,
		gocql.UUID(message.ConversationID),
		message.Bucket,
		gocql.UUID(message.MessageID),
		gocql.UUID(message.SenderID),
		message.Content,
		false,
		message.MessageType,
		message.Metadata,
		message.SentAt,
	).WithContext(ctx).Exec()
	if err != nil {
		return nil, fmt.Errorf("failed to save call summary: %w", err)
	}

	return message, nil
}
