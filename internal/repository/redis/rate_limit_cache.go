package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"nameguard-service/internal/client"
)

const attemptCounterPrefix = "nameguard:attempts:"

// AttemptLimiter counts verification attempts per canonical name in a fixed
// window shared by every node.
type AttemptLimiter struct {
	client *client.RedisClient
	limit  int
	window time.Duration
	logger *zap.Logger
}

func NewAttemptLimiter(client *client.RedisClient, limit int, window time.Duration, logger *zap.Logger) *AttemptLimiter {
	return &AttemptLimiter{client: client, limit: limit, window: window, logger: logger}
}

// Allow records an attempt for key and reports whether it is within the limit.
func (l *AttemptLimiter) Allow(ctx context.Context, key string) (bool, error) {
	count, err := l.client.IncrWithExpire(ctx, attemptCounterPrefix+key, l.window)
	if err != nil {
		l.logger.Error("Failed to count attempt", zap.String("name_key", key), zap.Error(err))
		return false, fmt.Errorf("failed to count attempt: %w", err)
	}
	return count <= int64(l.limit), nil
}

// Reset clears the counter, used after an administrative unbind.
func (l *AttemptLimiter) Reset(ctx context.Context, key string) error {
	return l.client.Del(ctx, attemptCounterPrefix+key)
}
