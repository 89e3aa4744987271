package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"nameguard-service/internal/client"
)

const (
	lockKeyPrefix = "nameguard:lock:"

	defaultLeaseTTL   = 30 * time.Second
	defaultRetryDelay = 25 * time.Millisecond
	maxRetryDelay     = 250 * time.Millisecond
)

// releaseScript deletes the lease only if this holder still owns it.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// RedisLocker extends a KeyedMutex across processes with a Redis lease.
// The local mutex is taken first so only one goroutine per process polls
// the lease for a key.
type RedisLocker struct {
	local    *KeyedMutex
	redis    *client.RedisClient
	leaseTTL time.Duration
	logger   *zap.Logger
}

func NewRedisLocker(local *KeyedMutex, redis *client.RedisClient, leaseTTL time.Duration, logger *zap.Logger) *RedisLocker {
	if leaseTTL <= 0 {
		leaseTTL = defaultLeaseTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLocker{local: local, redis: redis, leaseTTL: leaseTTL, logger: logger}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	releaseLocal, err := l.local.Lock(ctx, key)
	if err != nil {
		return nil, err
	}

	token := uuid.NewString()
	redisKey := lockKeyPrefix + key
	delay := defaultRetryDelay
	for {
		ok, err := l.redis.SetNX(ctx, redisKey, token, l.leaseTTL)
		if err != nil {
			releaseLocal()
			return nil, fmt.Errorf("acquire identity lease: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			releaseLocal()
			return nil, ctx.Err()
		}
		delay = min(delay*2, maxRetryDelay)
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := l.redis.Eval(ctx, releaseScript, []string{redisKey}, token); err != nil {
			l.logger.Warn("failed to release identity lease", zap.String("name_key", key), zap.Error(err))
		}
		releaseLocal()
	}, nil
}
