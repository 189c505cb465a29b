package push

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockTokenRepository struct {
	mock.Mock
}

func (m *MockTokenRepository) Store(ctx context.Context, token *Token) error {
	args := m.Called(ctx, token)
	return args.Error(0)
}

func (m *MockTokenRepository) GetByUserID(ctx context.Context, userID uuid.UUID) ([]*Token, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*Token), args.Error(1)
}

func (m *MockTokenRepository) GetByToken(ctx context.Context, token string) (*Token, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Token), args.Error(1)
}

func (m *MockTokenRepository) Update(ctx context.Context, token *Token) error {
	args := m.Called(ctx, token)
	return args.Error(0)
}

func (m *MockTokenRepository) Remove(ctx context.Context, userID uuid.UUID, token string) error {
	args := m.Called(ctx, userID, token)
	return args.Error(0)
}

type invalidatingProvider struct {
	invalid []string
}

func (p *invalidatingProvider) Send(_ context.Context, _ *Notification, tokens []string) (*SendResult, error) {
	return &SendResult{SuccessCount: len(tokens) - len(p.invalid), FailureCount: len(p.invalid), InvalidTokens: p.invalid}, nil
}

func TestService_SendIncomingCall(t *testing.T) {
	ctx := context.Background()
	repo := new(MockTokenRepository)
	provider := &MockProvider{}
	svc := NewService(provider, repo, nil)

	callee := uuid.New()
	repo.On("GetByUserID", ctx, callee).Return([]*Token{
		{Token: "a", Active: true},
		{Token: "b", Active: false},
	}, nil)

	err := svc.SendIncomingCall(ctx, callee, &CallNotificationData{
		ConversationID: uuid.New(),
		CallerID:       uuid.New(),
		CallerName:     "Alice",
		CallType:       "video",
	})
	require.NoError(t, err)

	sent := provider.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Alice is calling you", sent[0].Body)
	assert.Equal(t, "incoming_call", sent[0].Data["type"])
	assert.Equal(t, "high", sent[0].Priority)
}

func TestService_SendSkipsUsersWithoutTokens(t *testing.T) {
	ctx := context.Background()
	repo := new(MockTokenRepository)
	provider := &MockProvider{}
	svc := NewService(provider, repo, nil)

	callee := uuid.New()
	repo.On("GetByUserID", ctx, callee).Return([]*Token{}, nil)

	require.NoError(t, svc.SendMissedCall(ctx, callee, &CallNotificationData{CallerName: "Bob", CallType: "voice"}))
	assert.Empty(t, provider.Sent())
}

func TestService_InvalidTokensAreDeactivated(t *testing.T) {
	ctx := context.Background()
	repo := new(MockTokenRepository)
	svc := NewService(&invalidatingProvider{invalid: []string{"stale"}}, repo, nil)

	callee := uuid.New()
	stale := &Token{ID: uuid.New(), UserID: callee, Token: "stale", Active: true}
	repo.On("GetByUserID", ctx, callee).Return([]*Token{stale, {Token: "fresh", Active: true}}, nil)
	repo.On("GetByToken", ctx, "stale").Return(stale, nil)
	repo.On("Update", ctx, mock.MatchedBy(func(tok *Token) bool { return tok.Token == "stale" && !tok.Active })).Return(nil)

	require.NoError(t, svc.SendMissedCall(ctx, callee, &CallNotificationData{CallerName: "Bob", CallType: "voice"}))
	repo.AssertExpectations(t)
}

func TestService_RegisterToken(t *testing.T) {
	ctx := context.Background()
	user := uuid.New()

	t.Run("new token is stored active", func(t *testing.T) {
		repo := new(MockTokenRepository)
		svc := NewService(&MockProvider{}, repo, nil)
		tok := &Token{UserID: user, Token: "t1", Type: TokenTypeFCM}

		repo.On("GetByToken", ctx, "t1").Return(nil, nil)
		repo.On("Store", ctx, tok).Return(nil)

		require.NoError(t, svc.RegisterToken(ctx, tok))
		assert.True(t, tok.Active)
		repo.AssertExpectations(t)
	})

	t.Run("known token is reactivated", func(t *testing.T) {
		repo := new(MockTokenRepository)
		svc := NewService(&MockProvider{}, repo, nil)
		existing := &Token{ID: uuid.New(), UserID: user, Token: "t1", Active: false}

		repo.On("GetByToken", ctx, "t1").Return(existing, nil)
		repo.On("Update", ctx, existing).Return(nil)

		require.NoError(t, svc.RegisterToken(ctx, &Token{UserID: user, Token: "t1", Platform: "android"}))
		assert.True(t, existing.Active)
		assert.Equal(t, "android", existing.Platform)
		repo.AssertExpectations(t)
	})

	t.Run("token moved to another user", func(t *testing.T) {
		repo := new(MockTokenRepository)
		svc := NewService(&MockProvider{}, repo, nil)
		previousOwner := uuid.New()
		existing := &Token{ID: uuid.New(), UserID: previousOwner, Token: "t1", Active: true}
		tok := &Token{UserID: user, Token: "t1"}

		repo.On("GetByToken", ctx, "t1").Return(existing, nil)
		repo.On("Remove", ctx, previousOwner, "t1").Return(nil)
		repo.On("Store", ctx, tok).Return(nil)

		require.NoError(t, svc.RegisterToken(ctx, tok))
		repo.AssertExpectations(t)
	})
}
