package redis

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callrelay-backend/internal/domain"
	"callrelay-backend/pkg/database"
	apperrors "callrelay-backend/pkg/errors"
)

var sessionStart = time.Date(2026, 10, 16, 9, 5, 0, 0, time.UTC)

func newSessionRepo(t *testing.T) (*CallSessionRepository, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewCallSessionRepository(database.NewRedisClientFrom(client), time.Hour), mr
}

func TestCallSessionRepository_StartTwiceIsBusy(t *testing.T) {
	repo, mr := newSessionRepo(t)
	ctx := context.Background()
	conv := uuid.New()
	alice, bob := uuid.New(), uuid.New()

	s, err := repo.Start(ctx, conv, alice, domain.CallModeVoice, sessionStart)
	require.NoError(t, err)
	assert.Equal(t, alice, s.InitiatorID)
	assert.Equal(t, sessionStart, s.LastSeenAt)

	_, err = repo.Start(ctx, conv, bob, domain.CallModeVideo, sessionStart.Add(time.Second))
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeBusy, apperrors.GetAppError(err).Code)

	stored, err := repo.Get(ctx, conv)
	require.NoError(t, err)
	assert.Equal(t, alice, stored.InitiatorID)
	assert.Equal(t, domain.CallModeVoice, stored.Mode)
	assert.True(t, mr.TTL(sessionKey(conv)) > 0)
}

func TestCallSessionRepository_GetMissing(t *testing.T) {
	repo, _ := newSessionRepo(t)

	s, err := repo.Get(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestCallSessionRepository_MarkAnsweredKeepsFirst(t *testing.T) {
	repo, _ := newSessionRepo(t)
	ctx := context.Background()
	conv := uuid.New()
	_, err := repo.Start(ctx, conv, uuid.New(), domain.CallModeVoice, sessionStart)
	require.NoError(t, err)

	firstAt := sessionStart.Add(8 * time.Second)
	s, first, err := repo.MarkAnswered(ctx, conv, firstAt)
	require.NoError(t, err)
	assert.True(t, first)
	require.NotNil(t, s.AnsweredAt)

	s, first, err = repo.MarkAnswered(ctx, conv, firstAt.Add(3*time.Second))
	require.NoError(t, err)
	assert.False(t, first)
	assert.True(t, s.AnsweredAt.Equal(firstAt))

	stored, err := repo.Get(ctx, conv)
	require.NoError(t, err)
	assert.True(t, stored.AnsweredAt.Equal(firstAt))
	assert.True(t, stored.Answered())
}

func TestCallSessionRepository_MarkAnsweredWithoutSession(t *testing.T) {
	repo, _ := newSessionRepo(t)

	_, _, err := repo.MarkAnswered(context.Background(), uuid.New(), sessionStart)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeNoActiveCall, apperrors.GetAppError(err).Code)
}

func TestCallSessionRepository_ConsumeOnce(t *testing.T) {
	repo, _ := newSessionRepo(t)
	ctx := context.Background()
	conv := uuid.New()
	_, err := repo.Start(ctx, conv, uuid.New(), domain.CallModeVideo, sessionStart)
	require.NoError(t, err)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		got []*domain.CallSession
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := repo.Consume(ctx, conv)
			assert.NoError(t, err)
			if s != nil {
				mu.Lock()
				got = append(got, s)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, got, 1)
	assert.Equal(t, conv, got[0].ConversationID)

	s, err := repo.Get(ctx, conv)
	require.NoError(t, err)
	assert.Nil(t, s)

	stale, err := repo.Stale(ctx, sessionStart.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestCallSessionRepository_AppendSidechatDropsOldest(t *testing.T) {
	repo, _ := newSessionRepo(t)
	ctx := context.Background()
	conv := uuid.New()
	sender := uuid.New()
	_, err := repo.Start(ctx, conv, sender, domain.CallModeVoice, sessionStart)
	require.NoError(t, err)

	const limit = 3
	var s *domain.CallSession
	for i := 0; i < 5; i++ {
		s, err = repo.AppendSidechat(ctx, conv, domain.SidechatMessage{
			MessageID: uuid.New(),
			SenderID:  sender,
			Text:      fmt.Sprintf("line %d", i),
			SentAt:    sessionStart.Add(time.Duration(i) * time.Second),
		}, limit)
		require.NoError(t, err)
	}

	require.Len(t, s.Sidechat, limit)
	assert.Equal(t, "line 2", s.Sidechat[0].Text)
	assert.Equal(t, "line 4", s.Sidechat[limit-1].Text)

	stored, err := repo.Get(ctx, conv)
	require.NoError(t, err)
	assert.Equal(t, s.Sidechat, stored.Sidechat)
}

func TestCallSessionRepository_TouchAndStale(t *testing.T) {
	repo, _ := newSessionRepo(t)
	ctx := context.Background()
	quiet, busy := uuid.New(), uuid.New()

	_, err := repo.Start(ctx, quiet, uuid.New(), domain.CallModeVoice, sessionStart)
	require.NoError(t, err)
	_, err = repo.Start(ctx, busy, uuid.New(), domain.CallModeVoice, sessionStart)
	require.NoError(t, err)

	require.NoError(t, repo.Touch(ctx, busy, sessionStart.Add(40*time.Second)))
	// an older heartbeat never moves LastSeenAt back
	require.NoError(t, repo.Touch(ctx, busy, sessionStart.Add(10*time.Second)))

	stored, err := repo.Get(ctx, busy)
	require.NoError(t, err)
	assert.True(t, stored.LastSeenAt.Equal(sessionStart.Add(40*time.Second)))

	stale, err := repo.Stale(ctx, sessionStart.Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{quiet}, stale)

	// the cutoff is exclusive
	stale, err = repo.Stale(ctx, sessionStart)
	require.NoError(t, err)
	assert.Empty(t, stale)

	stale, err = repo.Stale(ctx, sessionStart.Add(time.Minute))
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{quiet, busy}, stale)

	err = repo.Touch(ctx, uuid.New(), sessionStart)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeNoActiveCall, apperrors.GetAppError(err).Code)
}
