package push

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callrelay-backend/pkg/logger"
)

// Provider defines interface for sending push notifications
type Provider interface {
	Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error)
}

// SendResult contains the result of a push notification send operation
type SendResult struct {
	SuccessCount  int
	FailureCount  int
	InvalidTokens []string
}

// Notification represents a push notification
type Notification struct {
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
	Priority string            `json:"priority,omitempty"` // high, normal
	Sound    string            `json:"sound,omitempty"`
	Category string            `json:"category,omitempty"`
}

// CallNotificationData contains data for call-related notifications
type CallNotificationData struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	CallerID       uuid.UUID `json:"caller_id"`
	CallerName     string    `json:"caller_name"`
	CallType       string    `json:"call_type"` // voice, video
	Timestamp      int64     `json:"timestamp"`
}

func (d *CallNotificationData) fields(kind string) map[string]string {
	return map[string]string{
		"type":            kind,
		"conversation_id": d.ConversationID.String(),
		"caller_id":       d.CallerID.String(),
		"caller_name":     d.CallerName,
		"call_type":       d.CallType,
		"timestamp":       strconv.FormatInt(d.Timestamp, 10),
	}
}

// TokenType represents the type of push notification token
type TokenType string

const (
	TokenTypeFCM  TokenType = "fcm"
	TokenTypeAPNs TokenType = "apns"
	TokenTypeWeb  TokenType = "web"
)

// Token represents a push notification token for a user
type Token struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Token     string    `json:"token"`
	Type      TokenType `json:"type"`
	DeviceID  string    `json:"device_id,omitempty"`
	Platform  string    `json:"platform,omitempty"` // ios, android, web
	Active    bool      `json:"active"`
	CreatedAt int64     `json:"created_at"`
	UpdatedAt int64     `json:"updated_at"`
}

// TokenRepository defines interface for storing and retrieving push tokens
type TokenRepository interface {
	Store(ctx context.Context, token *Token) error
	GetByUserID(ctx context.Context, userID uuid.UUID) ([]*Token, error)
	GetByToken(ctx context.Context, token string) (*Token, error)
	Update(ctx context.Context, token *Token) error
	Remove(ctx context.Context, userID uuid.UUID, token string) error
}

// Recorder receives delivery counters
type Recorder interface {
	RecordPushNotification(notificationType string)
	RecordPushNotificationFailure(notificationType string)
}

// Service handles push notification operations
type Service struct {
	provider Provider
	repo     TokenRepository
	metrics  Recorder
}

// NewService creates a new push notification service. metrics may be nil.
func NewService(provider Provider, repo TokenRepository, metrics Recorder) *Service {
	return &Service{
		provider: provider,
		repo:     repo,
		metrics:  metrics,
	}
}

// RegisterToken registers a push notification token for a user, reactivating it if known
func (s *Service) RegisterToken(ctx context.Context, token *Token) error {
	existing, err := s.repo.GetByToken(ctx, token.Token)
	if err == nil && existing != nil && existing.UserID == token.UserID {
		existing.Active = true
		existing.DeviceID = token.DeviceID
		existing.Platform = token.Platform
		return s.repo.Update(ctx, existing)
	}
	if existing != nil && existing.UserID != token.UserID {
		// device changed hands
		if err := s.repo.Remove(ctx, existing.UserID, existing.Token); err != nil {
			return err
		}
	}

	token.Active = true
	return s.repo.Store(ctx, token)
}

// SendIncomingCall alerts an offline callee that a call is ringing
func (s *Service) SendIncomingCall(ctx context.Context, calleeID uuid.UUID, data *CallNotificationData) error {
	notification := &Notification{
		Title:    "Incoming Call",
		Body:     fmt.Sprintf("%s is calling you", data.CallerName),
		Priority: "high",
		Sound:    "default",
		Category: "INCOMING_CALL",
		Data:     data.fields("incoming_call"),
	}
	return s.send(ctx, "incoming_call", notification, calleeID)
}

// SendMissedCall tells the callee about a call nobody answered
func (s *Service) SendMissedCall(ctx context.Context, calleeID uuid.UUID, data *CallNotificationData) error {
	notification := &Notification{
		Title:    "Missed Call",
		Body:     fmt.Sprintf("You missed a %s call from %s", data.CallType, data.CallerName),
		Priority: "normal",
		Sound:    "default",
		Data:     data.fields("missed_call"),
	}
	return s.send(ctx, "missed_call", notification, calleeID)
}

func (s *Service) send(ctx context.Context, kind string, notification *Notification, userID uuid.UUID) error {
	tokens, err := s.repo.GetByUserID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to get push tokens: %w", err)
	}

	var active []string
	for _, token := range tokens {
		if token.Active {
			active = append(active, token.Token)
		}
	}
	if len(active) == 0 {
		logger.Debug("No active push tokens for user",
			zap.String("user_id", userID.String()),
			zap.String("type", kind))
		return nil
	}

	result, err := s.provider.Send(ctx, notification, active)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordPushNotificationFailure(kind)
		}
		logger.Error("Failed to send push notification",
			zap.String("user_id", userID.String()),
			zap.String("type", kind),
			zap.Int("token_count", len(active)),
			zap.Error(err))
		return fmt.Errorf("failed to send %s notification: %w", kind, err)
	}

	if s.metrics != nil {
		s.metrics.RecordPushNotification(kind)
	}
	logger.Info("Push notification sent",
		zap.String("user_id", userID.String()),
		zap.String("type", kind),
		zap.Int("success_count", result.SuccessCount),
		zap.Int("failure_count", result.FailureCount),
		zap.Int("invalid_tokens", len(result.InvalidTokens)))

	if len(result.InvalidTokens) > 0 {
		s.handleInvalidTokens(ctx, result.InvalidTokens)
	}
	return nil
}

// handleInvalidTokens marks invalid tokens as inactive
func (s *Service) handleInvalidTokens(ctx context.Context, invalidTokens []string) {
	for _, tokenStr := range invalidTokens {
		token, err := s.repo.GetByToken(ctx, tokenStr)
		if err != nil || token == nil {
			continue
		}
		token.Active = false
		if err := s.repo.Update(ctx, token); err != nil {
			logger.Warn("Failed to mark token as inactive",
				zap.String("token_id", token.ID.String()),
				zap.Error(err))
		}
	}
}

// MockProvider records notifications instead of delivering them
type MockProvider struct {
	mu   sync.Mutex
	sent []*Notification
}

// Send implements Provider interface
func (m *MockProvider) Send(_ context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	m.mu.Lock()
	m.sent = append(m.sent, notification)
	m.mu.Unlock()

	logger.Debug("MockProvider: Sending notification",
		zap.String("title", notification.Title),
		zap.String("body", notification.Body),
		zap.Int("token_count", len(tokens)))

	return &SendResult{SuccessCount: len(tokens)}, nil
}

// Sent returns the notifications sent so far
func (m *MockProvider) Sent() []*Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Notification(nil), m.sent...)
}
