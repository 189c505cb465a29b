package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"callrelay-backend/internal/domain"
	"callrelay-backend/pkg/database"
)

// ChatPublisher fans stored messages out on the chat:<conversation> channel
// that chat WebSocket gateways subscribe to
type ChatPublisher struct {
	client *database.RedisClient
}

// NewChatPublisher creates a new ChatPublisher
func NewChatPublisher(client *database.RedisClient) *ChatPublisher {
	return &ChatPublisher{client: client}
}

// ChatChannel returns the pub/sub channel of a conversation
func ChatChannel(msg *domain.Message) string {
	return fmt.Sprintf("chat:%s", msg.ConversationID)
}

// PublishMessage publishes msg as JSON
func (p *ChatPublisher) PublishMessage(ctx context.Context, msg *domain.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := p.client.SafePublish(ctx, ChatChannel(msg), data).Err(); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}
