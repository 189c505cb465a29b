package middleware

import (
	"context"
	"fmt"

	"callrelay-backend/pkg/database"
	"callrelay-backend/pkg/jwt"
)

// RedisRevocationChecker looks up token IDs in the blacklist:<jti> keys
// written by the account service on logout
type RedisRevocationChecker struct {
	client *database.RedisClient
}

// NewRedisRevocationChecker creates a new RedisRevocationChecker
func NewRedisRevocationChecker(client *database.RedisClient) *RedisRevocationChecker {
	return &RedisRevocationChecker{client: client}
}

// IsTokenRevoked checks if a token is in the Redis blacklist
func (c *RedisRevocationChecker) IsTokenRevoked(ctx context.Context, tokenString string) (bool, error) {
	id, err := jwt.TokenID(tokenString)
	if err != nil {
		return false, err
	}
	if id == "" {
		return false, nil
	}

	exists, err := c.client.SafeExists(ctx, fmt.Sprintf("blacklist:%s", id)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check blacklist in redis: %w", err)
	}
	return exists > 0, nil
}
