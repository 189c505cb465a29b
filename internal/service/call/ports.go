package call

import (
	"context"
	"time"

	"github.com/google/uuid"

	"callrelay-backend/internal/domain"
	"callrelay-backend/pkg/push"
	"callrelay-backend/pkg/signaling"
)

// SessionRegistry keeps at most one CallSession per conversation.
// Every method is atomic with respect to a single conversation.
type SessionRegistry interface {
	// Start creates a session. It fails with a busy error if one exists.
	Start(ctx context.Context, conversationID, initiatorID uuid.UUID, mode domain.CallMode, now time.Time) (*domain.CallSession, error)
	// Get returns the session, or nil if there is none.
	Get(ctx context.Context, conversationID uuid.UUID) (*domain.CallSession, error)
	// MarkAnswered sets AnsweredAt once. wasFirst is false when it was already set.
	MarkAnswered(ctx context.Context, conversationID uuid.UUID, at time.Time) (session *domain.CallSession, wasFirst bool, err error)
	// AppendSidechat appends msg, dropping the oldest entries beyond limit.
	AppendSidechat(ctx context.Context, conversationID uuid.UUID, msg domain.SidechatMessage, limit int) (*domain.CallSession, error)
	// Touch refreshes the session's liveness timestamp.
	Touch(ctx context.Context, conversationID uuid.UUID, at time.Time) error
	// Stale lists conversations whose session was last seen before cutoff.
	Stale(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error)
	// Consume removes and returns the session. Only one caller observes a non-nil result.
	Consume(ctx context.Context, conversationID uuid.UUID) (*domain.CallSession, error)
}

// ConversationLookup resolves conversation membership
type ConversationLookup interface {
	LookupConversation(ctx context.Context, conversationID uuid.UUID) (*domain.ConversationInfo, error)
}

// Directory resolves user display names
type Directory interface {
	DisplayNameOf(ctx context.Context, userID uuid.UUID) (string, error)
}

// MessageStore appends call summaries to conversation history
type MessageStore interface {
	AppendSystemSummary(ctx context.Context, conversationID uuid.UUID, text string, metadata map[string]string) (*domain.Message, error)
}

// MessagePublisher broadcasts a stored message the same way ordinary chat messages are
type MessagePublisher interface {
	PublishMessage(ctx context.Context, msg *domain.Message) error
}

// HistoryStore persists finished calls
type HistoryStore interface {
	Record(ctx context.Context, call *domain.Call) error
	ListForUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error)
}

// Notifier delivers events to every live signaling connection of a user
type Notifier interface {
	NotifyUser(ctx context.Context, userID uuid.UUID, ev *signaling.Event) error
	IsOnline(ctx context.Context, userID uuid.UUID) (bool, error)
}

// PushSender alerts users that have no live signaling connection
type PushSender interface {
	SendIncomingCall(ctx context.Context, calleeID uuid.UUID, data *push.CallNotificationData) error
	SendMissedCall(ctx context.Context, calleeID uuid.UUID, data *push.CallNotificationData) error
}
