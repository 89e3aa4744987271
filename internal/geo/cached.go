package geo

import (
	"context"
	"time"

	"go.uber.org/zap"

	"nameguard-service/internal/models"
)

// Cache stores successful snapshots per provider and address.
type Cache interface {
	GetSnapshot(ctx context.Context, provider, ip string) (models.GeoSnapshot, bool, error)
	SetSnapshot(ctx context.Context, provider, ip string, snap models.GeoSnapshot, ttl time.Duration) error
}

// CachedProvider serves repeated lookups from a cache. Cache errors are
// logged and bypassed; only provider errors reach the cascade.
type CachedProvider struct {
	inner  Provider
	cache  Cache
	ttl    time.Duration
	logger *zap.Logger
}

func NewCachedProvider(inner Provider, cache Cache, ttl time.Duration, logger *zap.Logger) *CachedProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedProvider{inner: inner, cache: cache, ttl: ttl, logger: logger}
}

func (c *CachedProvider) Name() string { return c.inner.Name() }

func (c *CachedProvider) Lookup(ctx context.Context, ip string) (models.GeoSnapshot, error) {
	snap, ok, err := c.cache.GetSnapshot(ctx, c.inner.Name(), ip)
	if err != nil {
		c.logger.Warn("geo cache read failed", zap.String("provider", c.inner.Name()), zap.Error(err))
	} else if ok {
		return snap, nil
	}

	snap, err = c.inner.Lookup(ctx, ip)
	if err != nil {
		return models.GeoSnapshot{}, err
	}
	if err := c.cache.SetSnapshot(ctx, c.inner.Name(), ip, snap, c.ttl); err != nil {
		c.logger.Warn("geo cache write failed", zap.String("provider", c.inner.Name()), zap.Error(err))
	}
	return snap, nil
}
