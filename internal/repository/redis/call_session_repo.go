package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"callrelay-backend/internal/domain"
	"callrelay-backend/pkg/database"
	apperrors "callrelay-backend/pkg/errors"
	"callrelay-backend/pkg/logger"
)

const (
	callSessionKeyPrefix = "call:session:"
	callLastSeenKey      = "call:sessions:lastseen"
	maxTxRetries         = 10
)

// CallSessionRepository is a SessionRegistry shared by every call-service instance.
// Read-modify-write operations run as WATCH/MULTI transactions on the session key.
type CallSessionRepository struct {
	client *database.RedisClient
	ttl    time.Duration
}

// NewCallSessionRepository creates a CallSessionRepository. Sessions expire
// after ttl even if never consumed.
func NewCallSessionRepository(client *database.RedisClient, ttl time.Duration) *CallSessionRepository {
	return &CallSessionRepository{client: client, ttl: ttl}
}

func sessionKey(conversationID uuid.UUID) string {
	return callSessionKeyPrefix + conversationID.String()
}

func unixMillis(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// Start creates the session with SET NX so only one caller can win
func (r *CallSessionRepository) Start(ctx context.Context, conversationID, initiatorID uuid.UUID, mode domain.CallMode, now time.Time) (*domain.CallSession, error) {
	s := &domain.CallSession{
		ConversationID: conversationID,
		Mode:           mode,
		InitiatorID:    initiatorID,
		StartedAt:      now,
		LastSeenAt:     now,
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal call session: %w", err)
	}

	created, err := r.client.Client.SetNX(ctx, sessionKey(conversationID), data, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to create call session: %w", err)
	}
	if !created {
		return nil, apperrors.BusyError()
	}

	err = r.client.Client.ZAdd(ctx, callLastSeenKey, redis.Z{Score: unixMillis(now), Member: conversationID.String()}).Err()
	if err != nil {
		return nil, fmt.Errorf("failed to index call session: %w", err)
	}

	return s, nil
}

// Get returns the session or nil
func (r *CallSessionRepository) Get(ctx context.Context, conversationID uuid.UUID) (*domain.CallSession, error) {
	data, err := r.client.Client.Get(ctx, sessionKey(conversationID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get call session: %w", err)
	}
	return decodeSession(data)
}

// MarkAnswered sets AnsweredAt once
func (r *CallSessionRepository) MarkAnswered(ctx context.Context, conversationID uuid.UUID, at time.Time) (*domain.CallSession, bool, error) {
	first := false
	s, err := r.update(ctx, conversationID, func(s *domain.CallSession) {
		first = s.AnsweredAt == nil
		if first {
			answeredAt := at
			s.AnsweredAt = &answeredAt
		}
		if at.After(s.LastSeenAt) {
			s.LastSeenAt = at
		}
	})
	if err != nil {
		return nil, false, err
	}
	return s, first, nil
}

// AppendSidechat appends msg and trims the list to limit entries
func (r *CallSessionRepository) AppendSidechat(ctx context.Context, conversationID uuid.UUID, msg domain.SidechatMessage, limit int) (*domain.CallSession, error) {
	return r.update(ctx, conversationID, func(s *domain.CallSession) {
		s.Sidechat = append(s.Sidechat, msg)
		if limit > 0 && len(s.Sidechat) > limit {
			s.Sidechat = s.Sidechat[len(s.Sidechat)-limit:]
		}
	})
}

// Touch refreshes LastSeenAt
func (r *CallSessionRepository) Touch(ctx context.Context, conversationID uuid.UUID, at time.Time) error {
	_, err := r.update(ctx, conversationID, func(s *domain.CallSession) {
		if at.After(s.LastSeenAt) {
			s.LastSeenAt = at
		}
	})
	return err
}

// Stale lists conversations whose session was last seen before cutoff
func (r *CallSessionRepository) Stale(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	members, err := r.client.Client.ZRangeByScore(ctx, callLastSeenKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list stale call sessions: %w", err)
	}

	ids := make([]uuid.UUID, 0, len(members))
	for _, m := range members {
		id, err := uuid.Parse(m)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Consume removes the session with GETDEL, so exactly one caller receives it
func (r *CallSessionRepository) Consume(ctx context.Context, conversationID uuid.UUID) (*domain.CallSession, error) {
	data, err := r.client.Client.GetDel(ctx, sessionKey(conversationID)).Bytes()
	if zerr := r.client.Client.ZRem(ctx, callLastSeenKey, conversationID.String()).Err(); zerr != nil {
		logger.Warn("Failed to remove call session from last-seen index",
			zap.String("conversation_id", conversationID.String()),
			zap.Error(zerr))
	}
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to consume call session: %w", err)
	}
	return decodeSession(data)
}

// update applies fn to the stored session inside an optimistic transaction
func (r *CallSessionRepository) update(ctx context.Context, conversationID uuid.UUID, fn func(*domain.CallSession)) (*domain.CallSession, error) {
	key := sessionKey(conversationID)
	var result *domain.CallSession

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return apperrors.NoActiveCallError()
			}
			return err
		}
		s, err := decodeSession(data)
		if err != nil {
			return err
		}

		fn(s)
		updated, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("failed to marshal call session: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SetArgs(ctx, key, updated, redis.SetArgs{KeepTTL: true})
			pipe.ZAdd(ctx, callLastSeenKey, redis.Z{Score: unixMillis(s.LastSeenAt), Member: conversationID.String()})
			return nil
		})
		if err == nil {
			result = s
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Client.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if apperrors.IsAppError(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to update call session: %w", err)
	}
	return nil, fmt.Errorf("failed to update call session: too much contention")
}

func decodeSession(data []byte) (*domain.CallSession, error) {
	var s domain.CallSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal call session: %w", err)
	}
	return &s, nil
}
