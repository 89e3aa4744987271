package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nameguard-service/internal/bucketing"
	"nameguard-service/internal/config"
	"nameguard-service/internal/credential"
	"nameguard-service/internal/events"
	"nameguard-service/internal/fingerprint"
	"nameguard-service/internal/geo"
	"nameguard-service/internal/hashing"
	"nameguard-service/internal/ledger"
	"nameguard-service/internal/lock"
	"nameguard-service/internal/models"
	"nameguard-service/internal/repository"
	"nameguard-service/internal/signals"
	"nameguard-service/internal/util"
)

const publicIP = "93.184.216.34"

type stubProvider struct {
	name string

	mu    sync.Mutex
	snap  models.GeoSnapshot
	err   error
	calls int
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) Lookup(_ context.Context, ip string) (models.GeoSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return models.GeoSnapshot{}, p.err
	}
	snap := p.snap
	snap.IP = ip
	return snap, nil
}

func (p *stubProvider) set(snap models.GeoSnapshot, err error) {
	p.mu.Lock()
	p.snap, p.err = snap, err
	p.mu.Unlock()
}

func (p *stubProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type noPTR struct{}

func (noPTR) LookupAddr(context.Context, string) ([]string, error) { return nil, nil }

type plainOracle struct{}

func (plainOracle) Hash(p string) (string, error) { return "h:" + p, nil }

func (plainOracle) Verify(p, encoded string) (bool, error) {
	if !strings.HasPrefix(encoded, "h:") {
		return false, errors.New("malformed")
	}
	return encoded == "h:"+p, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.DecisionEvent
}

func (r *recordingPublisher) Enqueue(ev events.DecisionEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingPublisher) last() events.DecisionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type slowOracle struct{ plainOracle }

func (o slowOracle) Hash(p string) (string, error) {
	time.Sleep(50 * time.Millisecond)
	return o.plainOracle.Hash(p)
}

// vanishingStore removes a binding from the underlying store just before
// the n-th Load after it is armed, as an unbind from another process would.
type vanishingStore struct {
	*repository.MemoryStore

	mu    sync.Mutex
	key   string
	n     int
	loads int
}

func (v *vanishingStore) arm(key string, n int) {
	v.mu.Lock()
	v.key, v.n, v.loads = key, n, 0
	v.mu.Unlock()
}

func (v *vanishingStore) Load(ctx context.Context, key string) (*ledger.Binding, error) {
	v.mu.Lock()
	if key == v.key {
		v.loads++
		if v.loads == v.n {
			_, _ = v.MemoryStore.Remove(ctx, key)
		}
	}
	v.mu.Unlock()
	return v.MemoryStore.Load(ctx, key)
}

type failingStore struct {
	*repository.MemoryStore
	err error
}

func (f failingStore) Load(context.Context, string) (*ledger.Binding, error) { return nil, f.err }

var (
	berlin = models.GeoSnapshot{GeoSignals: models.GeoSignals{
		Country:   models.Some("DE"),
		Continent: models.Some("EU"),
		Region:    models.Some("Berlin"),
		City:      models.Some("Berlin"),
		Latitude:  models.Some(52.52),
		Longitude: models.Some(13.405),
		Timezone:  models.Some("Europe/Berlin"),
	}}
	paris = models.GeoSnapshot{GeoSignals: models.GeoSignals{
		Country:   models.Some("FR"),
		Continent: models.Some("EU"),
		Region:    models.Some("Ile-de-France"),
		City:      models.Some("Paris"),
		Latitude:  models.Some(48.8566),
		Longitude: models.Some(2.3522),
		Timezone:  models.Some("Europe/Paris"),
	}}
)

type fixture struct {
	svc   *VerificationService
	cfg   *config.Config
	mem   *repository.MemoryStore
	store repository.Store
	clock *util.StubClock
	// auth is the most trusted provider, fast the cheap first tier.
	auth, fast *stubProvider
	pub        *recordingPublisher
	oracle     credential.Oracle
}

type option func(*fixture)

func withOracle(o credential.Oracle) option {
	return func(f *fixture) { f.oracle = o }
}

func withPolicy(fn func(v *config.VerificationConfig)) option {
	return func(f *fixture) { fn(&f.cfg.Verification) }
}

func newFixture(t *testing.T, opts ...option) *fixture {
	t.Helper()
	cfg := &config.Config{
		Verification: config.DefaultVerification(),
		Security: config.SecurityConfig{
			KickTemplate: "[test] {reason}",
			Reasons:      config.DefaultReasons(),
		},
	}
	cfg.Verification.RateLimitEnabled = false

	mem := repository.NewMemoryStore(nil)
	f := &fixture{
		cfg:   cfg,
		mem:   mem,
		store: mem,
		clock: util.NewStubClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)),
		auth:  &stubProvider{name: "authoritative", snap: berlin},
		fast:  &stubProvider{name: "fast", snap: berlin},
		pub:   &recordingPublisher{},
	}
	f.oracle = plainOracle{}
	for _, o := range opts {
		o(f)
	}

	hasher, err := hashing.NewSignalHasher([]byte("test-key"))
	require.NoError(t, err)
	buckets := bucketing.NewManager(config.BucketingConfig{LockShards: 4})

	f.svc = NewVerificationService(Deps{
		Config:   cfg,
		Store:    f.store,
		Locker:   lock.NewKeyedMutex(buckets),
		Builder:  fingerprint.NewBuilder(signals.NewDeriver(noPTR{}, time.Second, nil), hasher, f.clock),
		Geo:      geo.NewResolver([]geo.Provider{f.auth, f.fast}, time.Second, nil),
		Sessions: credential.NewMemorySessionStore(f.clock),
		Oracle:   f.oracle,
		Events:   f.pub,
		Clock:    f.clock,
	})
	return f
}

func steve() models.ConnectionAttempt {
	ttl, mss := 64, 1460
	return models.ConnectionAttempt{
		DisplayName:      "Steve",
		IP:               publicIP,
		Edition:          models.EditionJava,
		SecondaryID:      "069a79f4-44e9-4726-a5be-fca90e38aaf5",
		ClientBrand:      "vanilla",
		DeviceOS:         "linux",
		ProtocolVersion:  "765",
		ModListHash:      "mods",
		ResourcePackHash: "pack",
		Viewport:         "1920x1080",
		Locale:           "en_us",
		DisplayOptions:   "fancy",
		TCPTTL:           &ttl,
		TCPMSS:           &mss,
	}
}

func (f *fixture) verify(t *testing.T, a models.ConnectionAttempt) models.Decision {
	t.Helper()
	d, err := f.svc.Verify(context.Background(), a)
	require.NoError(t, err)
	return d
}

func (f *fixture) binding(t *testing.T, key string) *ledger.Binding {
	t.Helper()
	b, err := f.mem.Load(context.Background(), key)
	require.NoError(t, err)
	return b
}

func TestNewNameRegisters(t *testing.T) {
	f := newFixture(t)

	d := f.verify(t, steve())
	allowed, ok := d.(models.Allowed)
	require.True(t, ok, "got %#v", d)
	assert.True(t, allowed.IsNewBinding)
	assert.Equal(t, models.BasisRegistration, allowed.TrustBasis)
	assert.Equal(t, "authoritative", allowed.Provider)
	assert.NotEmpty(t, allowed.SessionID)

	b := f.binding(t, "steve")
	require.NotNil(t, b)
	assert.Equal(t, "Steve", b.PreferredName)
	assert.Equal(t, ledger.TrustLow, b.Trust)
	require.Len(t, b.Fingerprints, 1)
	assert.Equal(t, "DE", b.Fingerprints[0].Geo.Country.Value)

	ev := f.pub.last()
	assert.Equal(t, models.OutcomeAllowed, ev.Outcome)
	assert.True(t, ev.IsNewBinding)
	assert.Equal(t, "93.184.216.0/24", ev.MaskedIP)
}

func TestReturningNameMatchesFastTier(t *testing.T) {
	f := newFixture(t)
	f.verify(t, steve())
	authCalls := f.auth.Calls()

	f.clock.Advance(time.Hour)
	d := f.verify(t, steve())
	allowed, ok := d.(models.Allowed)
	require.True(t, ok, "got %#v", d)
	assert.False(t, allowed.IsSoftMatch)
	assert.False(t, allowed.IsNewBinding)
	assert.Equal(t, models.BasisSimilarity, allowed.TrustBasis)
	assert.GreaterOrEqual(t, allowed.Similarity, f.cfg.Verification.AutoAllowScore)
	assert.Equal(t, "fast", allowed.Provider)
	assert.Equal(t, authCalls, f.auth.Calls(), "authoritative tier not consulted")

	b := f.binding(t, "steve")
	assert.Len(t, b.Fingerprints, 1, "identical observation is de-duplicated")
	assert.Equal(t, f.clock.Now(), b.LastSeen)
}

func TestCascadeEscalatesOnDisagreement(t *testing.T) {
	f := newFixture(t)
	f.verify(t, steve())

	f.fast.set(paris, nil)
	d := f.verify(t, steve())
	allowed, ok := d.(models.Allowed)
	require.True(t, ok, "got %#v", d)
	assert.Equal(t, "authoritative", allowed.Provider)
	assert.Equal(t, 1, f.fast.Calls())
}

func TestAllTiersDisagreeChallenges(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.verify(t, steve())
	require.NoError(t, f.mem.SetCredential(ctx, "steve", "h:hunter2"))

	f.fast.set(paris, nil)
	f.auth.set(paris, nil)
	d := f.verify(t, steve())
	nc, ok := d.(models.NeedsChallenge)
	require.True(t, ok, "got %#v", d)
	assert.Equal(t, models.ChallengeReauthentication, nc.Kind)
	assert.Equal(t, "geo_mismatch", nc.Reason)

	allowed, err := f.svc.Authorize(ctx, nc.SessionID, credential.ActionChat)
	require.NoError(t, err)
	assert.False(t, allowed)

	for i := 0; i < 2; i++ {
		res, err := f.svc.SubmitCredential(ctx, nc.SessionID, "wrong")
		require.NoError(t, err)
		assert.Equal(t, credential.SubmitRejected, res.Outcome)
	}
	res, err := f.svc.SubmitCredential(ctx, nc.SessionID, "wrong")
	require.NoError(t, err)
	assert.Equal(t, credential.SubmitTerminated, res.Outcome)

	assert.Len(t, f.binding(t, "steve").Fingerprints, 1, "history untouched until the challenge resolves")
}

func TestChallengeCommitsPendingFingerprint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.verify(t, steve())
	require.NoError(t, f.mem.SetCredential(ctx, "steve", "h:hunter2"))

	f.fast.set(paris, nil)
	f.auth.set(paris, nil)
	nc := f.verify(t, steve()).(models.NeedsChallenge)

	res, err := f.svc.SubmitCredential(ctx, nc.SessionID, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, credential.SubmitAccepted, res.Outcome)

	b := f.binding(t, "steve")
	require.Len(t, b.Fingerprints, 2)
	latest, _ := b.Latest()
	assert.Equal(t, "FR", latest.Geo.Country.Value)

	ok, err := f.svc.Authorize(ctx, nc.SessionID, credential.ActionMove)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, models.BasisCredential, models.TrustBasis(f.pub.last().Detail))
}

func TestPlatformIDMismatchDeniesWithoutScoring(t *testing.T) {
	f := newFixture(t)
	a := steve()
	a.PlatformID = "xuid-1"
	f.verify(t, a)
	fastCalls, authCalls := f.fast.Calls(), f.auth.Calls()

	a.PlatformID = "xuid-2"
	d := f.verify(t, a)
	denied, ok := d.(models.Denied)
	require.True(t, ok, "got %#v", d)
	assert.Equal(t, models.DenyHardMismatch, denied.Reason)
	assert.Equal(t, "[test] This name is bound to a different account.", denied.UserMessage)
	assert.Equal(t, fastCalls, f.fast.Calls())
	assert.Equal(t, authCalls, f.auth.Calls())
	assert.Len(t, f.binding(t, "steve").Fingerprints, 1)
}

func TestPlatformIDMatchAllowsAnywhere(t *testing.T) {
	f := newFixture(t)
	a := steve()
	a.PlatformID = "xuid-1"
	f.verify(t, a)

	f.fast.set(paris, nil)
	f.auth.set(paris, nil)
	a.ClientBrand = "other"
	d := f.verify(t, a)
	allowed, ok := d.(models.Allowed)
	require.True(t, ok, "got %#v", d)
	assert.Equal(t, models.BasisPlatformID, allowed.TrustBasis)
	assert.Equal(t, 100.0, allowed.Similarity)
	assert.Len(t, f.binding(t, "steve").Fingerprints, 2)
}

func TestSoftMatchAndLockedIdentity(t *testing.T) {
	soft := withPolicy(func(v *config.VerificationConfig) {
		v.AutoAllowScore = 101
		v.AllowMonitorScore = 0
	})

	t.Run("mid band is a soft match", func(t *testing.T) {
		f := newFixture(t, soft)
		f.verify(t, steve())
		d := f.verify(t, steve())
		allowed, ok := d.(models.Allowed)
		require.True(t, ok, "got %#v", d)
		assert.True(t, allowed.IsSoftMatch)
	})

	t.Run("locked identity never soft matches", func(t *testing.T) {
		ctx := context.Background()
		f := newFixture(t, soft)
		f.verify(t, steve())
		_, err := f.svc.SetTrust(ctx, "Steve", "locked")
		require.NoError(t, err)
		require.NoError(t, f.mem.SetCredential(ctx, "steve", "h:pw"))

		d := f.verify(t, steve())
		nc, ok := d.(models.NeedsChallenge)
		require.True(t, ok, "got %#v", d)
		assert.Equal(t, "low_similarity", nc.Reason)
		assert.Greater(t, nc.Similarity, 0.0)
	})
}

func TestChallengeWithoutCredentialDenies(t *testing.T) {
	f := newFixture(t)
	f.verify(t, steve())

	f.fast.set(paris, nil)
	f.auth.set(paris, nil)
	d := f.verify(t, steve())
	denied, ok := d.(models.Denied)
	require.True(t, ok, "got %#v", d)
	assert.Equal(t, models.DenyNoCredential, denied.Reason)
}

func TestRegistrationLookupFailure(t *testing.T) {
	down := errors.New("down")

	t.Run("gated denies", func(t *testing.T) {
		f := newFixture(t)
		f.fast.set(models.GeoSnapshot{}, down)
		f.auth.set(models.GeoSnapshot{}, down)

		d := f.verify(t, steve())
		denied, ok := d.(models.Denied)
		require.True(t, ok, "got %#v", d)
		assert.Equal(t, models.DenyLookupFailed, denied.Reason)
		assert.Nil(t, f.binding(t, "steve"))
	})

	t.Run("deferred registers on first credential", func(t *testing.T) {
		ctx := context.Background()
		f := newFixture(t, withPolicy(func(v *config.VerificationConfig) {
			v.RegistrationMode = config.RegistrationDeferred
		}))
		f.fast.set(models.GeoSnapshot{}, down)
		f.auth.set(models.GeoSnapshot{}, down)

		d := f.verify(t, steve())
		nc, ok := d.(models.NeedsChallenge)
		require.True(t, ok, "got %#v", d)
		assert.Equal(t, models.ChallengeRegistration, nc.Kind)
		assert.Nil(t, f.binding(t, "steve"))

		res, err := f.svc.SubmitCredential(ctx, nc.SessionID, "first")
		require.NoError(t, err)
		assert.True(t, res.Registered)

		b := f.binding(t, "steve")
		require.NotNil(t, b)
		assert.Len(t, b.Fingerprints, 1)
		hash, ok, err := f.mem.GetCredential(ctx, "steve")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "h:first", hash)
	})
}

func TestNameGuards(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.ConnectionAttempt)
		want   models.DenyReason
	}{
		{"no usable characters", func(a *models.ConnectionAttempt) { a.DisplayName = "!!!" }, models.DenyInvalidName},
		{"confusable spoof", func(a *models.ConnectionAttempt) { a.DisplayName = "Stеve" }, models.DenyConfusableNameSpoof},
		{"cross edition", func(a *models.ConnectionAttempt) { a.Edition = models.EditionBedrock }, models.DenyCrossEditionLock},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.verify(t, steve())

			a := steve()
			tt.mutate(&a)
			d := f.verify(t, a)
			denied, ok := d.(models.Denied)
			require.True(t, ok, "got %#v", d)
			assert.Equal(t, tt.want, denied.Reason)
		})
	}
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, withPolicy(func(v *config.VerificationConfig) {
		v.RateLimitEnabled = true
		v.RateLimitAttempts = 2
		v.RateLimitWindow = time.Minute
	}))

	f.verify(t, steve())
	f.verify(t, steve())
	d := f.verify(t, steve())
	denied, ok := d.(models.Denied)
	require.True(t, ok, "got %#v", d)
	assert.Equal(t, models.DenyRateLimited, denied.Reason)

	f.clock.Advance(time.Minute)
	_, ok = f.verify(t, steve()).(models.Allowed)
	assert.True(t, ok, "window resets")
}

func TestAllowList(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, withPolicy(func(v *config.VerificationConfig) {
		v.AllowList = []string{"Notch"}
	}))
	require.NoError(t, f.svc.Allow(ctx, "jeb_"))

	for _, name := range []string{"NOTCH", "jeb_"} {
		a := steve()
		a.DisplayName = name
		d := f.verify(t, a)
		allowed, ok := d.(models.Allowed)
		require.True(t, ok, "got %#v", d)
		assert.Equal(t, models.BasisAllowList, allowed.TrustBasis)
	}
	assert.Zero(t, f.auth.Calls()+f.fast.Calls())

	keys, err := f.svc.AllowList(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"jeb_", "notch"}, keys)
}

func TestStorageFailureFailsClosed(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.store = failingStore{MemoryStore: f.mem, err: errors.New("disk on fire")}
	})
	d := f.verify(t, steve())
	denied, ok := d.(models.Denied)
	require.True(t, ok, "got %#v", d)
	assert.Equal(t, models.DenyInternalError, denied.Reason)
}

func TestCorruptRecordTreatedAsUnseen(t *testing.T) {
	f := newFixture(t)
	f.mem.PutRaw("steve", []byte("{not json"))

	d := f.verify(t, steve())
	allowed, ok := d.(models.Allowed)
	require.True(t, ok, "got %#v", d)
	assert.True(t, allowed.IsNewBinding)
	_, quarantined := f.mem.Quarantined("steve")
	assert.True(t, quarantined)
}

func TestInvalidInput(t *testing.T) {
	f := newFixture(t)
	a := steve()
	a.IP = "not-an-ip"
	_, err := f.svc.Verify(context.Background(), a)
	assert.ErrorIs(t, err, ErrInvalidInput)

	a = steve()
	a.Edition = "console"
	_, err = f.svc.Verify(context.Background(), a)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestConcurrentFirstAttemptsCreateOneBinding(t *testing.T) {
	f := newFixture(t)

	const n = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		decisions []models.Decision
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := f.svc.Verify(context.Background(), steve())
			assert.NoError(t, err)
			mu.Lock()
			decisions = append(decisions, d)
			mu.Unlock()
		}()
	}
	wg.Wait()

	created := 0
	for _, d := range decisions {
		allowed, ok := d.(models.Allowed)
		require.True(t, ok, "got %#v", d)
		if allowed.IsNewBinding {
			created++
		}
	}
	assert.Equal(t, 1, created)
	keys, err := f.mem.Keys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"steve"}, keys)
}

func TestEndSessionPromotes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	allowed := f.verify(t, steve()).(models.Allowed)

	f.clock.Advance(20 * time.Minute)
	sum, err := f.svc.EndSession(ctx, allowed.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 20*time.Minute, sum.Playtime)
	assert.True(t, sum.Promoted)
	assert.Equal(t, ledger.TrustMedium, sum.Trust)

	b := f.binding(t, "steve")
	assert.Equal(t, ledger.TrustMedium, b.Trust)
	assert.Equal(t, 20*time.Minute, b.TotalPlaytime)

	_, err = f.svc.EndSession(ctx, allowed.SessionID)
	assert.ErrorIs(t, err, credential.ErrNoSession)
}

func TestEndChallengedSessionCreditsNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.verify(t, steve())
	require.NoError(t, f.mem.SetCredential(ctx, "steve", "h:pw"))
	f.fast.set(paris, nil)
	f.auth.set(paris, nil)
	nc := f.verify(t, steve()).(models.NeedsChallenge)

	f.clock.Advance(5 * time.Minute)
	sum, err := f.svc.EndSession(ctx, nc.SessionID)
	require.NoError(t, err)
	assert.Zero(t, sum.Playtime)
	assert.Zero(t, f.binding(t, "steve").TotalPlaytime)
}

func TestAdminOperations(t *testing.T) {
	ctx := context.Background()

	t.Run("bind locks to live session", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Bind(ctx, "Steve")
		assert.ErrorIs(t, err, ErrNoLiveSession)

		f.verify(t, steve())
		b, err := f.svc.Bind(ctx, "Steve")
		require.NoError(t, err)
		assert.Equal(t, ledger.TrustLocked, b.Trust)
		assert.Equal(t, ledger.TrustLocked, f.binding(t, "steve").Trust)
	})

	t.Run("unbind forgets binding and credential", func(t *testing.T) {
		f := newFixture(t)
		f.verify(t, steve())
		require.NoError(t, f.mem.SetCredential(ctx, "steve", "h:pw"))

		removed, err := f.svc.Unbind(ctx, "STEVE")
		require.NoError(t, err)
		assert.True(t, removed)
		assert.Nil(t, f.binding(t, "steve"))
		_, ok, err := f.mem.GetCredential(ctx, "steve")
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = f.svc.Check(ctx, "steve")
		assert.ErrorIs(t, err, ErrBindingNotFound)
	})

	t.Run("set trust validates", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.SetTrust(ctx, "steve", "high")
		assert.ErrorIs(t, err, ErrBindingNotFound)

		f.verify(t, steve())
		_, err = f.svc.SetTrust(ctx, "steve", "root")
		assert.ErrorIs(t, err, ErrInvalidInput)
		b, err := f.svc.SetTrust(ctx, "steve", "high")
		require.NoError(t, err)
		assert.Equal(t, ledger.TrustHigh, b.Trust)
	})

	t.Run("export lists bindings", func(t *testing.T) {
		f := newFixture(t)
		f.verify(t, steve())
		a := steve()
		a.DisplayName = "Alex"
		f.verify(t, a)

		out, err := f.svc.Export(ctx)
		require.NoError(t, err)
		require.Len(t, out, 2)
		assert.Equal(t, "alex", out[0].Key)
	})

	t.Run("invalid names", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Check(ctx, "???")
		assert.ErrorIs(t, err, ErrInvalidInput)
	})
}

func TestReloadPolicy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	assert.ErrorIs(t, f.svc.Reload(ctx), ErrNoPolicyFile)

	path := filepath.Join(t.TempDir(), "policy.toml")
	require.NoError(t, os.WriteFile(path, []byte("[verification]\nauto_allow = 95.0\nallow_monitor = 90.0\n"), 0o600))
	f.cfg.PolicyFile = path

	require.NoError(t, f.svc.Reload(ctx))
	assert.Equal(t, 95.0, f.svc.Config().Verification.AutoAllowScore)
	assert.Equal(t, 80.0, f.cfg.Verification.AutoAllowScore, "previous snapshot untouched")

	require.NoError(t, os.WriteFile(path, []byte("[verification]\nauto_allow = 10.0\nallow_monitor = 90.0\n"), 0o600))
	assert.Error(t, f.svc.Reload(ctx))
	assert.Equal(t, 95.0, f.svc.Config().Verification.AutoAllowScore, "invalid policy is not applied")
}

func TestUnbindDuringVerificationIsNotUndone(t *testing.T) {
	var vs *vanishingStore
	f := newFixture(t, func(f *fixture) {
		vs = &vanishingStore{MemoryStore: f.mem}
		f.store = vs
	})
	f.verify(t, steve())
	require.NotNil(t, f.binding(t, "steve"))

	// The first load scores the attempt, the second re-reads before saving.
	vs.arm("steve", 2)
	d := f.verify(t, steve())
	denied, ok := d.(models.Denied)
	require.True(t, ok, "got %#v", d)
	assert.Equal(t, models.DenyInternalError, denied.Reason)
	assert.Nil(t, f.binding(t, "steve"), "unbound name must stay unbound")
}

func TestUnbindDuringChallenge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.verify(t, steve())
	require.NoError(t, f.mem.SetCredential(ctx, "steve", "h:hunter2"))

	f.fast.set(paris, nil)
	f.auth.set(paris, nil)
	nc := f.verify(t, steve()).(models.NeedsChallenge)

	removed, err := f.mem.Remove(ctx, "steve")
	require.NoError(t, err)
	require.True(t, removed)

	_, err = f.svc.SubmitCredential(ctx, nc.SessionID, "hunter2")
	assert.ErrorIs(t, err, ErrBindingNotFound)
	assert.Nil(t, f.binding(t, "steve"))
}

func TestDeferredRegistrationRaces(t *testing.T) {
	down := errors.New("down")
	deferred := withPolicy(func(v *config.VerificationConfig) {
		v.RegistrationMode = config.RegistrationDeferred
	})

	t.Run("concurrent submissions keep the first baseline", func(t *testing.T) {
		ctx := context.Background()
		f := newFixture(t, deferred, withOracle(slowOracle{}))
		f.fast.set(models.GeoSnapshot{}, down)
		f.auth.set(models.GeoSnapshot{}, down)

		first := f.verify(t, steve()).(models.NeedsChallenge)
		second := f.verify(t, steve()).(models.NeedsChallenge)
		passwords := map[string]string{first.SessionID: "owner", second.SessionID: "intruder"}

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			results = map[string]credential.SubmitResult{}
		)
		for id, pw := range passwords {
			wg.Add(1)
			go func(id, pw string) {
				defer wg.Done()
				res, err := f.svc.SubmitCredential(ctx, id, pw)
				assert.NoError(t, err)
				mu.Lock()
				results[id] = res
				mu.Unlock()
			}(id, pw)
		}
		wg.Wait()

		var winner string
		for id, res := range results {
			if res.Registered {
				require.Empty(t, winner, "only one session may register the name")
				winner = id
			} else {
				assert.Equal(t, credential.SubmitRejected, res.Outcome)
			}
		}
		require.NotEmpty(t, winner)

		hash, ok, err := f.mem.GetCredential(ctx, "steve")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "h:"+passwords[winner], hash)
		assert.Len(t, f.binding(t, "steve").Fingerprints, 1)
	})

	t.Run("registration by another session wins", func(t *testing.T) {
		ctx := context.Background()
		f := newFixture(t, deferred)
		f.fast.set(models.GeoSnapshot{}, down)
		f.auth.set(models.GeoSnapshot{}, down)
		nc := f.verify(t, steve()).(models.NeedsChallenge)

		f.fast.set(berlin, nil)
		f.auth.set(berlin, nil)
		allowed := f.verify(t, steve()).(models.Allowed)
		require.True(t, allowed.IsNewBinding)

		_, err := f.svc.SubmitCredential(ctx, nc.SessionID, "late")
		assert.ErrorIs(t, err, ErrAlreadyRegistered)

		_, ok, err := f.mem.GetCredential(ctx, "steve")
		require.NoError(t, err)
		assert.False(t, ok, "the late session must not claim the name")
	})
}
