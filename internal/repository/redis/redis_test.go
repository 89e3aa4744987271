package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"nameguard-service/internal/client"
	"nameguard-service/internal/config"
	"nameguard-service/internal/models"
	"nameguard-service/internal/repository"
)

// newTestClient connects to REDIS_TEST_URL; the tests are skipped without it.
func newTestClient(t *testing.T) *client.RedisClient {
	t.Helper()
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	cfg := &config.Config{Redis: config.RedisConfig{Enabled: true, URL: url, PoolSize: 4}}
	c, err := client.NewRedisClient(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSessionCache(t *testing.T) {
	c := newTestClient(t)
	cache := NewSessionCache(c, zap.NewNop())
	ctx := context.Background()

	s := &models.Session{
		ID:        uuid.NewString(),
		Key:       "test_" + uuid.NewString()[:8],
		State:     models.SessionAwaitingReauth,
		StartedAt: time.Now().UTC().Truncate(time.Second),
		Fingerprint: models.Fingerprint{
			PlatformID: models.Some("abc"),
			CreatedAt:  time.Now().UTC().Truncate(time.Second),
		},
	}
	require.NoError(t, cache.Put(ctx, s, time.Minute))

	got, err := cache.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.State, got.State)
	assert.Equal(t, s.Fingerprint, got.Fingerprint)

	list, err := cache.ForKey(ctx, s.Key)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, cache.Delete(ctx, s.ID))
	_, err = cache.Get(ctx, s.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestAttemptLimiter(t *testing.T) {
	c := newTestClient(t)
	limiter := NewAttemptLimiter(c, 2, time.Minute, zap.NewNop())
	ctx := context.Background()
	key := "test_" + uuid.NewString()[:8]
	t.Cleanup(func() { limiter.Reset(ctx, key) })

	for i := 0; i < 2; i++ {
		ok, err := limiter.Allow(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := limiter.Allow(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGeoCache(t *testing.T) {
	c := newTestClient(t)
	cache := NewGeoCache(c)
	ctx := context.Background()
	ip := "198.51.100." + uuid.NewString()[:3]

	_, ok, err := cache.GetSnapshot(ctx, "ipwho", ip)
	require.NoError(t, err)
	assert.False(t, ok)

	snap := models.GeoSnapshot{Success: true, IP: ip, Provider: "ipwho"}
	snap.Country = models.Some("NL")
	require.NoError(t, cache.SetSnapshot(ctx, "ipwho", ip, snap, time.Minute))

	got, ok, err := cache.GetSnapshot(ctx, "ipwho", ip)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, snap, got)
}
