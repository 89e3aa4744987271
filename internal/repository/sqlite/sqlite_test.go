package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nameguard-service/internal/ledger"
	"nameguard-service/internal/models"
	"nameguard-service/internal/repository"
	"nameguard-service/internal/repository/sqlite/migrations"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testBinding(n int) *ledger.Binding {
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	first := models.Fingerprint{
		PlatformID: models.Some("uuid-1"),
		Edition:    models.Some("java"),
		Locale:     models.Some("en_us"),
		Geo: models.GeoSignals{
			Country: models.Some("GB"),
			City:    models.Some("London"),
		},
		CreatedAt: t0,
	}
	b := ledger.NewBinding("alex", "Alex", models.EditionJava, first, t0)
	for i := 1; i < n; i++ {
		fp := first
		fp.TCPTTL = models.Some(100 + i)
		fp.CreatedAt = t0.Add(time.Duration(i) * time.Minute)
		b.AddFingerprint(fp, 0)
	}
	b.Trust = ledger.TrustHigh
	b.LastSeen = t0.Add(time.Hour)
	b.TotalPlaytime = 42*time.Minute + 1234*time.Nanosecond
	return b
}

func TestMigrationStatus(t *testing.T) {
	db, err := OpenConnection(":memory:")
	require.NoError(t, err)
	defer db.Close()

	assert.Error(t, migrations.CheckStatus(db), "fresh database needs migration")

	require.NoError(t, migrations.MigrateUp(db))
	require.NoError(t, migrations.MigrateUp(db), "second run is a no-op")

	st, err := migrations.ReadStatus(db)
	require.NoError(t, err)
	assert.True(t, st.UpToDate())
	assert.NoError(t, migrations.CheckStatus(db))
}

func TestSaveAndLoadKeepsFingerprintOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	b := testBinding(5)
	require.NoError(t, s.Save(ctx, b))

	got, err := s.Load(ctx, "alex")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, b, got)

	b.Fingerprints = b.Fingerprints[2:]
	b.Trust = ledger.TrustLocked
	require.NoError(t, s.Save(ctx, b))

	got, err = s.Load(ctx, "alex")
	require.NoError(t, err)
	assert.Len(t, got.Fingerprints, 3)
	assert.Equal(t, ledger.TrustLocked, got.Trust)
	assert.Equal(t, b.Fingerprints, got.Fingerprints)
}

func TestLoadMissingBinding(t *testing.T) {
	s := newTestStore(t)
	got, err := s.Load(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCorruptBindingIsQuarantined(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Save(ctx, testBinding(2)))

	_, err := s.DB().ExecContext(ctx, `UPDATE fingerprints SET payload = ? WHERE position = 1`, []byte("{broken"))
	require.NoError(t, err)

	_, err = s.Load(ctx, "alex")
	assert.ErrorIs(t, err, repository.ErrCorruptRecord)

	n, err := s.QuarantineCount(ctx, "alex")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Load(ctx, "alex")
	require.NoError(t, err)
	assert.Nil(t, got)

	var remaining int
	require.NoError(t, s.DB().QueryRowContext(ctx, `SELECT COUNT(1) FROM fingerprints`).Scan(&remaining))
	assert.Zero(t, remaining, "fingerprints cascade with the binding")
}

func TestRemoveBinding(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Save(ctx, testBinding(1)))

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alex"}, keys)

	removed, err := s.Remove(ctx, "alex")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = s.Remove(ctx, "alex")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestCredentialsAndAllowList(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.SetCredential(ctx, "alex", "hash-1"))
	require.NoError(t, s.SetCredential(ctx, "alex", "hash-2"))
	hash, ok, err := s.GetCredential(ctx, "alex")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "hash-2", hash)

	require.NoError(t, s.DeleteCredential(ctx, "alex"))
	_, ok, err = s.GetCredential(ctx, "alex")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Allow(ctx, "notch"))
	require.NoError(t, s.Allow(ctx, "notch"))
	allowed, err := s.IsAllowed(ctx, "notch")
	require.NoError(t, err)
	assert.True(t, allowed)

	keys, err := s.AllowedKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"notch"}, keys)

	require.NoError(t, s.Disallow(ctx, "notch"))
	allowed, err = s.IsAllowed(ctx, "notch")
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestHealthCheck(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.HealthCheck(context.Background()))
}
