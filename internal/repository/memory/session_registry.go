// Package memory holds single-process implementations of repositories.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"callrelay-backend/internal/domain"
	apperrors "callrelay-backend/pkg/errors"
)

// SessionRegistry is a mutex guarded map of call sessions keyed by conversation.
// Returned sessions are copies; callers cannot mutate registry state.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*domain.CallSession
}

// NewSessionRegistry creates an empty registry
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[uuid.UUID]*domain.CallSession)}
}

// Start creates a session, or fails with busy if the conversation already has one
func (r *SessionRegistry) Start(_ context.Context, conversationID, initiatorID uuid.UUID, mode domain.CallMode, now time.Time) (*domain.CallSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[conversationID]; exists {
		return nil, apperrors.BusyError()
	}
	s := &domain.CallSession{
		ConversationID: conversationID,
		Mode:           mode,
		InitiatorID:    initiatorID,
		StartedAt:      now,
		LastSeenAt:     now,
	}
	r.sessions[conversationID] = s
	return s.Clone(), nil
}

// Get returns the session or nil
func (r *SessionRegistry) Get(_ context.Context, conversationID uuid.UUID) (*domain.CallSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[conversationID]
	if !ok {
		return nil, nil
	}
	return s.Clone(), nil
}

// MarkAnswered sets AnsweredAt if unset
func (r *SessionRegistry) MarkAnswered(_ context.Context, conversationID uuid.UUID, at time.Time) (*domain.CallSession, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[conversationID]
	if !ok {
		return nil, false, apperrors.NoActiveCallError()
	}
	first := s.AnsweredAt == nil
	if first {
		s.AnsweredAt = &at
	}
	if at.After(s.LastSeenAt) {
		s.LastSeenAt = at
	}
	return s.Clone(), first, nil
}

// AppendSidechat appends msg and trims the list to limit entries
func (r *SessionRegistry) AppendSidechat(_ context.Context, conversationID uuid.UUID, msg domain.SidechatMessage, limit int) (*domain.CallSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[conversationID]
	if !ok {
		return nil, apperrors.NoActiveCallError()
	}
	s.Sidechat = append(s.Sidechat, msg)
	if limit > 0 && len(s.Sidechat) > limit {
		s.Sidechat = append([]domain.SidechatMessage(nil), s.Sidechat[len(s.Sidechat)-limit:]...)
	}
	return s.Clone(), nil
}

// Touch refreshes LastSeenAt
func (r *SessionRegistry) Touch(_ context.Context, conversationID uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[conversationID]
	if !ok {
		return apperrors.NoActiveCallError()
	}
	if at.After(s.LastSeenAt) {
		s.LastSeenAt = at
	}
	return nil
}

// Stale lists sessions last seen before cutoff, oldest first
func (r *SessionRegistry) Stale(_ context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stale []*domain.CallSession
	for _, s := range r.sessions {
		if s.LastSeenAt.Before(cutoff) {
			stale = append(stale, s)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].LastSeenAt.Before(stale[j].LastSeenAt) })

	ids := make([]uuid.UUID, len(stale))
	for i, s := range stale {
		ids[i] = s.ConversationID
	}
	return ids, nil
}

// Consume removes and returns the session, or nil if there is none
func (r *SessionRegistry) Consume(_ context.Context, conversationID uuid.UUID) (*domain.CallSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[conversationID]
	if !ok {
		return nil, nil
	}
	delete(r.sessions, conversationID)
	return s, nil
}

// Len returns the number of active sessions
func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
