package call

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"callrelay-backend/internal/domain"
	"callrelay-backend/pkg/constants"
	"callrelay-backend/pkg/push"
	"callrelay-backend/pkg/response"
)

// ActiveCallReader looks up the call in progress for a participant
type ActiveCallReader interface {
	ActiveCall(ctx context.Context, userID, conversationID uuid.UUID) (*domain.CallSession, error)
}

// HistoryReader lists finished calls
type HistoryReader interface {
	ListForUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error)
}

// TokenRegistrar stores push tokens
type TokenRegistrar interface {
	RegisterToken(ctx context.Context, token *push.Token) error
}

// Handler serves the call REST endpoints
type Handler struct {
	calls   ActiveCallReader
	history HistoryReader
	tokens  TokenRegistrar
}

// NewHandler creates a new call handler. history and tokens may be nil,
// which disables their endpoints.
func NewHandler(calls ActiveCallReader, history HistoryReader, tokens TokenRegistrar) *Handler {
	return &Handler{
		calls:   calls,
		history: history,
		tokens:  tokens,
	}
}

// RegisterRoutes mounts the handler on an authenticated router group
func (h *Handler) RegisterRoutes(calls, pushGroup *gin.RouterGroup) {
	calls.GET("/active/:conversation_id", h.GetActiveCall)
	if h.history != nil {
		calls.GET("/history", h.ListHistory)
	}
	if h.tokens != nil {
		pushGroup.POST("/tokens", h.RegisterToken)
	}
}

// ActiveCallResponse describes a call in progress
type ActiveCallResponse struct {
	ConversationID string                `json:"conversationId"`
	Mode           domain.CallMode       `json:"mode"`
	InitiatorID    string                `json:"initiatorId"`
	StartedAt      time.Time             `json:"startedAt"`
	AnsweredAt     *time.Time            `json:"answeredAt,omitempty"`
	Sidechat       []SidechatMessageView `json:"sidechat"`
}

// SidechatMessageView is one in-call chat line
type SidechatMessageView struct {
	ID     string    `json:"id"`
	From   string    `json:"from"`
	Text   string    `json:"text"`
	SentAt time.Time `json:"sentAt"`
}

func currentUser(c *gin.Context) (uuid.UUID, bool) {
	val, exists := c.Get("user_id")
	if !exists {
		return uuid.Nil, false
	}
	userID, ok := val.(uuid.UUID)
	return userID, ok
}

// GetActiveCall returns the call in progress in a conversation
// GET /v1/calls/active/:conversation_id
func (h *Handler) GetActiveCall(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	conversationID, err := uuid.Parse(c.Param("conversation_id"))
	if err != nil {
		response.ValidationError(c, "Invalid conversation ID")
		return
	}

	session, err := h.calls.ActiveCall(c.Request.Context(), userID, conversationID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	out := ActiveCallResponse{
		ConversationID: session.ConversationID.String(),
		Mode:           session.Mode,
		InitiatorID:    session.InitiatorID.String(),
		StartedAt:      session.StartedAt.UTC(),
		AnsweredAt:     session.AnsweredAt,
		Sidechat:       make([]SidechatMessageView, 0, len(session.Sidechat)),
	}
	for _, m := range session.Sidechat {
		out.Sidechat = append(out.Sidechat, SidechatMessageView{
			ID:     m.MessageID.String(),
			From:   m.SenderID.String(),
			Text:   m.Text,
			SentAt: m.SentAt.UTC(),
		})
	}

	response.Success(c, http.StatusOK, out)
}

// ListHistory returns the caller's finished calls, newest first
// GET /v1/calls/history?limit=20&offset=0
func (h *Handler) ListHistory(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	limit := constants.DefaultPageSize
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			response.ValidationError(c, "Invalid limit")
			return
		}
		limit = min(n, constants.MaxPageSize)
	}
	offset := 0
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			response.ValidationError(c, "Invalid offset")
			return
		}
		offset = n
	}

	calls, err := h.history.ListForUser(c.Request.Context(), userID, limit, offset)
	if err != nil {
		response.FromError(c, err)
		return
	}
	if calls == nil {
		calls = []*domain.Call{}
	}

	response.Success(c, http.StatusOK, gin.H{
		"calls":  calls,
		"limit":  limit,
		"offset": offset,
	})
}

// RegisterTokenRequest represents request to register a push token
type RegisterTokenRequest struct {
	Token    string         `json:"token" binding:"required,max=4096"`
	Type     push.TokenType `json:"type" binding:"required,oneof=fcm apns web"`
	DeviceID string         `json:"device_id" binding:"max=256"`
	Platform string         `json:"platform" binding:"omitempty,oneof=ios android web"`
}

// RegisterToken registers a push token for incoming and missed call alerts
// POST /v1/push/tokens
func (h *Handler) RegisterToken(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	var req RegisterTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	token := &push.Token{
		UserID:   userID,
		Token:    req.Token,
		Type:     req.Type,
		DeviceID: req.DeviceID,
		Platform: req.Platform,
	}
	if err := h.tokens.RegisterToken(c.Request.Context(), token); err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, gin.H{"registered": true})
}
