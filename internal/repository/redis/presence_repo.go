package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"callrelay-backend/pkg/database"
)

// presenceTTL bounds how long a crashed instance can leave a user looking online
const presenceTTL = 2 * time.Minute

// PresenceRepository tracks which users hold a live signaling connection.
// Each user has a set of connection IDs so several devices and instances can coexist.
type PresenceRepository struct {
	client *database.RedisClient
}

// NewPresenceRepository creates a new PresenceRepository
func NewPresenceRepository(client *database.RedisClient) *PresenceRepository {
	return &PresenceRepository{client: client}
}

func presenceKey(userID uuid.UUID) string {
	return fmt.Sprintf("presence:conns:%s", userID)
}

// AddConnection marks a connection of the user as live
func (r *PresenceRepository) AddConnection(ctx context.Context, userID uuid.UUID, connID string) error {
	key := presenceKey(userID)
	if err := r.client.SafeSAdd(ctx, key, connID).Err(); err != nil {
		return fmt.Errorf("failed to add connection: %w", err)
	}
	if err := r.client.SafeExpire(ctx, key, presenceTTL).Err(); err != nil {
		return fmt.Errorf("failed to set presence expiry: %w", err)
	}
	return nil
}

// RemoveConnection drops a closed connection
func (r *PresenceRepository) RemoveConnection(ctx context.Context, userID uuid.UUID, connID string) error {
	if err := r.client.SafeSRem(ctx, presenceKey(userID), connID).Err(); err != nil {
		return fmt.Errorf("failed to remove connection: %w", err)
	}
	return nil
}

// Refresh extends the presence expiry (called on every pong)
func (r *PresenceRepository) Refresh(ctx context.Context, userID uuid.UUID) error {
	if err := r.client.SafeExpire(ctx, presenceKey(userID), presenceTTL).Err(); err != nil {
		return fmt.Errorf("failed to refresh presence: %w", err)
	}
	return nil
}

// IsOnline reports whether the user has any live connection on any instance
func (r *PresenceRepository) IsOnline(ctx context.Context, userID uuid.UUID) (bool, error) {
	count, err := r.client.SafeSCard(ctx, presenceKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check presence: %w", err)
	}
	return count > 0, nil
}

// IsDegraded returns true if Redis is in degraded mode
func (r *PresenceRepository) IsDegraded() bool {
	return r.client.IsDegraded()
}
