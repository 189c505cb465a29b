package middleware

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"callrelay-backend/pkg/database"
	apperrors "callrelay-backend/pkg/errors"
	"callrelay-backend/pkg/logger"
	"callrelay-backend/pkg/response"
)

// RateLimiter is a fixed-window limiter shared through Redis. While Redis is
// degraded it counts in process memory instead.
type RateLimiter struct {
	client   *database.RedisClient
	fallback *InMemoryRateLimiter
	requests int
	window   time.Duration
}

// NewRateLimiter creates a limiter allowing requests per window per user or IP
func NewRateLimiter(client *database.RedisClient, requests int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client:   client,
		fallback: NewInMemoryRateLimiter(),
		requests: requests,
		window:   window,
	}
}

// Middleware returns a Gin middleware for rate limiting
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		identifier := "ip:" + c.ClientIP()
		if userID, exists := c.Get("user_id"); exists {
			identifier = fmt.Sprintf("user:%v", userID)
		}

		count, err := rl.hit(c.Request.Context(), identifier)
		if err != nil {
			logger.Warn("Rate limit check failed", zap.String("identifier", identifier), zap.Error(err))
			c.Next()
			return
		}

		remaining := rl.requests - count
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.requests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if count > rl.requests {
			appErr := apperrors.RateLimitExceededError()
			response.Error(c, appErr.StatusCode, string(appErr.Code), appErr.Message)
			c.Abort()
			return
		}
		c.Next()
	}
}

func (rl *RateLimiter) hit(ctx context.Context, identifier string) (int, error) {
	if rl.client == nil || rl.client.IsDegraded() {
		return rl.fallback.Hit(identifier, rl.window, time.Now()), nil
	}

	key := "ratelimit:" + identifier
	pipe := rl.client.Client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, rl.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment rate limit: %w", err)
	}
	return int(incr.Val()), nil
}

// InMemoryRateLimiter counts requests per identifier in fixed windows
type InMemoryRateLimiter struct {
	mu     sync.Mutex
	limits map[string]*windowCount
}

type windowCount struct {
	count int
	start time.Time
}

// NewInMemoryRateLimiter creates a new in-memory rate limiter
func NewInMemoryRateLimiter() *InMemoryRateLimiter {
	return &InMemoryRateLimiter{limits: make(map[string]*windowCount)}
}

// Hit records one request and returns the count in the current window
func (im *InMemoryRateLimiter) Hit(identifier string, window time.Duration, now time.Time) int {
	im.mu.Lock()
	defer im.mu.Unlock()

	w, ok := im.limits[identifier]
	if !ok || now.Sub(w.start) >= window {
		w = &windowCount{start: now}
		im.limits[identifier] = w
	}
	w.count++

	// drop expired windows so the map does not grow without bound
	if len(im.limits) > 10000 {
		for id, other := range im.limits {
			if now.Sub(other.start) >= window {
				delete(im.limits, id)
			}
		}
	}
	return w.count
}
