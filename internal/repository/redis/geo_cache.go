package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"nameguard-service/internal/client"
	"nameguard-service/internal/models"
)

const geoCachePrefix = "nameguard:geo:"

// GeoCache keeps successful provider answers per provider and address.
type GeoCache struct {
	client *client.RedisClient
}

func NewGeoCache(client *client.RedisClient) *GeoCache {
	return &GeoCache{client: client}
}

func geoKey(provider, ip string) string {
	return geoCachePrefix + provider + ":" + ip
}

func (c *GeoCache) GetSnapshot(ctx context.Context, provider, ip string) (models.GeoSnapshot, bool, error) {
	data, err := c.client.Get(ctx, geoKey(provider, ip))
	if errors.Is(err, client.ErrKeyNotFound) {
		return models.GeoSnapshot{}, false, nil
	}
	if err != nil {
		return models.GeoSnapshot{}, false, err
	}

	var snap models.GeoSnapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return models.GeoSnapshot{}, false, fmt.Errorf("failed to unmarshal geo snapshot: %w", err)
	}
	return snap, true, nil
}

func (c *GeoCache) SetSnapshot(ctx context.Context, provider, ip string, snap models.GeoSnapshot, ttl time.Duration) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal geo snapshot: %w", err)
	}
	return c.client.Set(ctx, geoKey(provider, ip), data, ttl)
}
