package factory

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nameguard-service/internal/config"
	"nameguard-service/internal/models"
)

func testConfig(driver string) *config.Config {
	return &config.Config{
		Environment: "test",
		Hashing: config.HashingConfig{
			Argon2MemoryCost:  1024,
			Argon2TimeCost:    1,
			Argon2Parallelism: 1,
		},
		Bucketing: config.BucketingConfig{LockShards: 4, EventBuckets: 2},
		Storage:   config.StorageConfig{Driver: driver},
		Geo: config.GeoConfig{
			Providers: []string{"ipapi"},
			IPAPIURL:  "http://127.0.0.1:1/json/%s",
			Timeout:   time.Second,
		},
		Verification: config.DefaultVerification(),
		Security: config.SecurityConfig{
			SignalKey:    "factory-test-key",
			KickTemplate: "{reason}",
			Reasons:      config.DefaultReasons(),
		},
	}
}

func TestNewWithMemoryStore(t *testing.T) {
	f, err := New(testConfig(DriverMemory), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	ctx := context.Background()
	assert.Empty(t, f.HealthCheck(ctx))
	assert.True(t, f.IsHealthy(ctx))
	assert.Nil(t, f.TLSManager())

	svc := f.ServiceFactory().VerificationService()
	assert.Same(t, svc, f.ServiceFactory().VerificationService())

	d, err := svc.Verify(ctx, models.ConnectionAttempt{
		DisplayName: "Steve",
		IP:          "127.0.0.1",
		Edition:     models.EditionJava,
	})
	require.NoError(t, err)
	allowed, ok := d.(models.Allowed)
	require.True(t, ok, "got %#v", d)
	assert.True(t, allowed.IsNewBinding)

	keys, err := f.Store().Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"steve"}, keys)
}

func TestNewWithSQLiteStore(t *testing.T) {
	cfg := testConfig(DriverSQLite)
	cfg.Storage.SQLitePath = filepath.Join(t.TempDir(), "nested", "nameguard.db")

	f, err := New(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = os.Stat(cfg.Storage.SQLitePath)
	assert.NoError(t, err)
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Run("unknown driver", func(t *testing.T) {
		_, err := New(testConfig("etcd"), nil)
		assert.ErrorContains(t, err, "unknown storage driver")
	})

	t.Run("default signal key in production", func(t *testing.T) {
		cfg := testConfig(DriverMemory)
		cfg.Environment = "production"
		cfg.Security.SignalKey = ""
		_, err := New(cfg, nil)
		assert.ErrorContains(t, err, "SIGNAL_HMAC_KEY")
	})

	t.Run("unknown geo provider", func(t *testing.T) {
		cfg := testConfig(DriverMemory)
		cfg.Geo.Providers = []string{"crystal-ball"}
		_, err := New(cfg, nil)
		assert.Error(t, err)
	})
}

func TestCloseIsIdempotent(t *testing.T) {
	f, err := New(testConfig(DriverMemory), nil)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, f.Close())
	f.WaitForClose()
}
