package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"nameguard-service/internal/client"
	"nameguard-service/internal/models"
	"nameguard-service/internal/repository"
)

const (
	sessionDataPrefix = "nameguard:session:"
	keySessionsPrefix = "nameguard:name_sessions:"
)

// SessionCache stores connection sessions as JSON with a TTL. Get returns
// repository.ErrNotFound once a session has expired.
type SessionCache struct {
	client *client.RedisClient
	logger *zap.Logger
}

func NewSessionCache(client *client.RedisClient, logger *zap.Logger) *SessionCache {
	return &SessionCache{client: client, logger: logger}
}

func (c *SessionCache) Put(ctx context.Context, s *models.Session, ttl time.Duration) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	pipe := c.client.Pipeline()
	pipe.Set(ctx, sessionDataPrefix+s.ID, data, ttl)
	pipe.SAdd(ctx, keySessionsPrefix+s.Key, s.ID)
	pipe.Expire(ctx, keySessionsPrefix+s.Key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Error("Failed to store session",
			zap.String("session_id", s.ID),
			zap.String("name_key", s.Key),
			zap.Error(err))
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

func (c *SessionCache) Get(ctx context.Context, id string) (*models.Session, error) {
	data, err := c.client.Get(ctx, sessionDataPrefix+id)
	if errors.Is(err, client.ErrKeyNotFound) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	var s models.Session
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &s, nil
}

func (c *SessionCache) Delete(ctx context.Context, id string) error {
	s, err := c.Get(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	pipe := c.client.Pipeline()
	pipe.Del(ctx, sessionDataPrefix+id)
	pipe.SRem(ctx, keySessionsPrefix+s.Key, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// ForKey lists the live sessions of a canonical name. Expired members are
// pruned from the index as they are found.
func (c *SessionCache) ForKey(ctx context.Context, key string) ([]*models.Session, error) {
	ids, err := c.client.SMembers(ctx, keySessionsPrefix+key)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	var out []*models.Session
	for _, id := range ids {
		s, err := c.Get(ctx, id)
		if errors.Is(err, repository.ErrNotFound) {
			_ = c.client.SRem(ctx, keySessionsPrefix+key, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
