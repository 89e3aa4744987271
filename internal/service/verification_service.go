package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"nameguard-service/internal/canonical"
	"nameguard-service/internal/config"
	"nameguard-service/internal/credential"
	"nameguard-service/internal/events"
	"nameguard-service/internal/fingerprint"
	"nameguard-service/internal/geo"
	"nameguard-service/internal/ledger"
	"nameguard-service/internal/lock"
	"nameguard-service/internal/models"
	"nameguard-service/internal/repository"
	"nameguard-service/internal/scoring"
	"nameguard-service/internal/signals"
	"nameguard-service/internal/util"
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrBindingNotFound   = errors.New("binding not found")
	ErrNoLiveSession     = errors.New("no live session for name")
	ErrNoPolicyFile      = errors.New("no policy file configured")
	ErrAlreadyRegistered = errors.New("name was registered by another session")
)

// Publisher accepts decision events without blocking the caller.
type Publisher interface {
	Enqueue(ev events.DecisionEvent)
}

type nopPublisher struct{}

func (nopPublisher) Enqueue(events.DecisionEvent) {}

// Deps are the collaborators of a VerificationService. Limiter, Events,
// Clock and Logger are optional.
type Deps struct {
	Config   *config.Config
	Store    repository.Store
	Locker   lock.Locker
	Builder  *fingerprint.Builder
	Geo      *geo.Resolver
	Sessions credential.SessionStore
	Oracle   credential.Oracle
	Limiter  AttemptLimiter
	Events   Publisher
	Clock    util.Clock
	Logger   *zap.Logger
}

// policy is everything derived from the reloadable part of the config.
type policy struct {
	cfg    *config.Config
	scorer *scoring.Scorer
	gate   *credential.Gate
	allow  map[string]struct{}
}

// VerificationService runs the admission pipeline for connection attempts
// and owns the session lifecycle that follows it.
type VerificationService struct {
	policy atomic.Pointer[policy]

	store    repository.Store
	locker   lock.Locker
	builder  *fingerprint.Builder
	geo      *geo.Resolver
	sessions credential.SessionStore
	oracle   credential.Oracle
	limiter  AttemptLimiter
	events   Publisher
	clock    util.Clock
	logger   *zap.Logger
}

func NewVerificationService(d Deps) *VerificationService {
	if d.Clock == nil {
		d.Clock = util.RealClock{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Events == nil {
		d.Events = nopPublisher{}
	}
	if d.Limiter == nil {
		v := d.Config.Verification
		d.Limiter = NewWindowLimiter(v.RateLimitAttempts, v.RateLimitWindow, d.Clock)
	}
	s := &VerificationService{
		store:    d.Store,
		locker:   d.Locker,
		builder:  d.Builder,
		geo:      d.Geo,
		sessions: d.Sessions,
		oracle:   d.Oracle,
		limiter:  d.Limiter,
		events:   d.Events,
		clock:    d.Clock,
		logger:   d.Logger,
	}
	s.policy.Store(s.newPolicy(d.Config))
	return s
}

func (s *VerificationService) newPolicy(cfg *config.Config) *policy {
	p := &policy{
		cfg:    cfg,
		scorer: scoring.FromConfig(cfg.Verification),
		allow:  make(map[string]struct{}, len(cfg.Verification.AllowList)),
	}
	for _, name := range cfg.Verification.AllowList {
		if key := canonical.Canonicalize(name); key != "" {
			p.allow[key] = struct{}{}
		}
	}
	p.gate = credential.NewGate(s.sessions, s.store, s.oracle, s.commitChallenge, s.locker, credential.Options{
		MaxAttempts:  cfg.Verification.MaxCredentialAttempts,
		ChallengeTTL: cfg.Verification.ChallengeTTL,
		Clock:        s.clock,
		Logger:       s.logger,
	})
	return p
}

// Config returns the policy currently in force.
func (s *VerificationService) Config() *config.Config {
	return s.policy.Load().cfg
}

// attempt carries the per-call state of one verification.
type attempt struct {
	p       *policy
	in      models.ConnectionAttempt
	key     string
	display string
	trust   ledger.TrustLevel
}

// Verify decides whether a connection attempt may play. The only error is
// ErrInvalidInput for a malformed address or edition; every other failure
// becomes a Denied decision.
func (s *VerificationService) Verify(ctx context.Context, in models.ConnectionAttempt) (models.Decision, error) {
	if _, err := signals.ParseAddr(in.IP); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	switch in.Edition {
	case "":
		in.Edition = models.EditionJava
	case models.EditionJava, models.EditionBedrock:
	default:
		return nil, fmt.Errorf("%w: unknown edition %q", ErrInvalidInput, in.Edition)
	}

	raw := util.TruncateRunes(in.DisplayName, util.MaxDisplayNameLength)
	a := &attempt{
		p:       s.policy.Load(),
		in:      in,
		key:     canonical.Canonicalize(raw),
		display: canonical.PreferredName(raw),
	}
	a.in.DisplayName = raw

	d := s.run(ctx, a)
	s.record(a, d)
	return d, nil
}

func (s *VerificationService) run(ctx context.Context, a *attempt) models.Decision {
	if a.key == "" {
		return s.deny(a, models.DenyInvalidName)
	}

	if a.p.cfg.Verification.RateLimitEnabled {
		ok, err := s.limiter.Allow(ctx, a.key)
		switch {
		case err != nil:
			s.logger.Warn("Rate limiter unavailable, attempt not counted", util.NameKey(a.key), zap.Error(err))
		case !ok:
			return s.deny(a, models.DenyRateLimited)
		}
	}

	release, err := s.locker.Lock(ctx, a.key)
	if err != nil {
		s.logger.Error("Failed to acquire identity lock", util.NameKey(a.key), zap.Error(err))
		return s.deny(a, models.DenyInternalError)
	}
	defer release()

	// Work under the lock finishes even if the connection goes away.
	ctx = context.WithoutCancel(ctx)

	listed, err := s.allowListed(ctx, a)
	if err != nil {
		s.logger.Error("Failed to read allow-list", util.NameKey(a.key), zap.Error(err))
		return s.deny(a, models.DenyInternalError)
	}
	if listed {
		return s.admit(ctx, a, models.Fingerprint{CreatedAt: s.clock.Now()}, models.Allowed{TrustBasis: models.BasisAllowList})
	}

	var (
		binding *ledger.Binding
		fp      models.Fingerprint
		g       errgroup.Group
	)
	g.Go(func() error {
		b, err := s.store.Load(ctx, a.key)
		if errors.Is(err, repository.ErrCorruptRecord) {
			s.logger.Warn("Binding quarantined, treating name as unseen", util.NameKey(a.key))
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load binding: %w", err)
		}
		binding = b
		return nil
	})
	g.Go(func() error {
		built, err := s.builder.Build(ctx, a.in)
		if err != nil {
			return fmt.Errorf("failed to build fingerprint: %w", err)
		}
		fp = built
		return nil
	})
	if err := g.Wait(); err != nil {
		s.logger.Error("Verification aborted", util.NameKey(a.key), zap.Error(err))
		return s.deny(a, models.DenyInternalError)
	}

	if binding == nil {
		return s.register(ctx, a, fp)
	}
	return s.reverify(ctx, a, binding, fp)
}

func (s *VerificationService) allowListed(ctx context.Context, a *attempt) (bool, error) {
	if _, ok := a.p.allow[a.key]; ok {
		return true, nil
	}
	return s.store.IsAllowed(ctx, a.key)
}

// register handles a name with no binding.
func (s *VerificationService) register(ctx context.Context, a *attempt, fp models.Fingerprint) models.Decision {
	snap, err := s.geo.ResolveRegistration(ctx, a.in.IP)
	if err != nil {
		if a.p.cfg.Verification.RegistrationMode == config.RegistrationDeferred {
			s.logger.Warn("Registration lookup failed, deferring to credential", util.NameKey(a.key), zap.Error(err))
			return s.challenge(ctx, a, fp, models.NeedsChallenge{Kind: models.ChallengeRegistration, Reason: "lookup_failed"})
		}
		return s.deny(a, models.DenyLookupFailed)
	}

	fp = fingerprint.WithGeo(fp, snap)
	b := ledger.NewBinding(a.key, a.display, a.in.Edition, fp, s.clock.Now())
	if err := s.store.Save(ctx, b); err != nil {
		s.logger.Error("Failed to save new binding", util.NameKey(a.key), zap.Error(err))
		return s.deny(a, models.DenyInternalError)
	}
	a.trust = b.Trust
	s.logger.Info("Binding created", util.NameKey(a.key), zap.String("provider", snap.Provider))

	return s.admit(ctx, a, fp, models.Allowed{
		TrustBasis:   models.BasisRegistration,
		IsNewBinding: true,
		Provider:     snap.Provider,
	})
}

// reverify handles a returning name.
func (s *VerificationService) reverify(ctx context.Context, a *attempt, b *ledger.Binding, fp models.Fingerprint) models.Decision {
	v := a.p.cfg.Verification
	a.trust = b.Trust

	if canonical.UsesConfusables(a.in.DisplayName) && a.display != b.PreferredName {
		return s.deny(a, models.DenyConfusableNameSpoof)
	}
	if v.CrossEditionLock && b.AccountClass != "" && b.AccountClass != a.in.Edition {
		return s.deny(a, models.DenyCrossEditionLock)
	}

	switch a.p.scorer.HardOverrideHistory(fp, b.Fingerprints) {
	case scoring.OverrideDeny:
		return s.deny(a, models.DenyHardMismatch)
	case scoring.OverrideAllow:
		// Location is only recorded here, it cannot change the outcome.
		res := s.geo.ResolveUntil(ctx, a.in.IP, func(models.GeoSnapshot) bool { return true })
		if res.Accepted {
			fp = fingerprint.WithGeo(fp, res.Matched)
		}
		return s.commitAllowed(ctx, a, fp, models.Allowed{
			TrustBasis: models.BasisPlatformID,
			Similarity: scoring.MaxScore,
			Provider:   res.Matched.Provider,
		})
	}

	var best scoring.Result
	res := s.geo.ResolveUntil(ctx, a.in.IP, func(snap models.GeoSnapshot) bool {
		r := a.p.scorer.ScoreHistory(fingerprint.WithGeo(fp, snap), b.Fingerprints)
		best = r
		return r.GeographicMatch
	})
	if !res.Accepted {
		pending := fp
		if res.HasLast {
			pending = fingerprint.WithGeo(fp, res.Last)
		}
		s.logger.Info("No provider agrees with history",
			util.NameKey(a.key), zap.Strings("tried", res.Tried))
		return s.reauthenticate(ctx, a, pending, "geo_mismatch", 0)
	}

	fp = fingerprint.WithGeo(fp, res.Matched)
	switch {
	case best.Similarity >= v.AutoAllowScore:
		return s.commitAllowed(ctx, a, fp, models.Allowed{
			TrustBasis: models.BasisSimilarity,
			Similarity: best.Similarity,
			Provider:   res.Matched.Provider,
		})
	case best.Similarity >= v.AllowMonitorScore && b.Trust.AllowsSoftMatch():
		return s.commitAllowed(ctx, a, fp, models.Allowed{
			TrustBasis:  models.BasisSimilarity,
			IsSoftMatch: true,
			Similarity:  best.Similarity,
			Provider:    res.Matched.Provider,
		})
	default:
		return s.reauthenticate(ctx, a, fp, "low_similarity", best.Similarity)
	}
}

// reauthenticate opens a credential challenge, or denies when the name has
// nothing to check a credential against.
func (s *VerificationService) reauthenticate(ctx context.Context, a *attempt, pending models.Fingerprint, reason string, similarity float64) models.Decision {
	_, ok, err := s.store.GetCredential(ctx, a.key)
	if err != nil {
		s.logger.Error("Failed to load credential", util.NameKey(a.key), zap.Error(err))
		return s.deny(a, models.DenyInternalError)
	}
	if !ok {
		return s.deny(a, models.DenyNoCredential)
	}
	return s.challenge(ctx, a, pending, models.NeedsChallenge{
		Kind:       models.ChallengeReauthentication,
		Reason:     reason,
		Similarity: similarity,
	})
}

// commitAllowed appends fp to the binding as re-read from the store and
// admits the session. A binding that disappeared since it was scored was
// unbound out of band and is not written back.
func (s *VerificationService) commitAllowed(ctx context.Context, a *attempt, fp models.Fingerprint, allowed models.Allowed) models.Decision {
	v := a.p.cfg.Verification
	now := s.clock.Now()

	b, err := s.store.Load(ctx, a.key)
	if err != nil && !errors.Is(err, repository.ErrCorruptRecord) {
		s.logger.Error("Failed to re-read binding", util.NameKey(a.key), zap.Error(err))
		return s.deny(a, models.DenyInternalError)
	}
	if b == nil {
		s.logger.Warn("Binding removed during verification", util.NameKey(a.key))
		return s.deny(a, models.DenyInternalError)
	}
	b.AddFingerprint(fp, v.RollingFingerprintLimit)
	b.UpdateLastSeen(now)
	if err := s.store.Save(ctx, b); err != nil {
		s.logger.Error("Failed to save binding", util.NameKey(a.key), zap.Error(err))
		return s.deny(a, models.DenyInternalError)
	}
	a.trust = b.Trust
	return s.admit(ctx, a, fp, allowed)
}

func (s *VerificationService) newSession(a *attempt, fp models.Fingerprint) *models.Session {
	return &models.Session{
		ID:          uuid.NewString(),
		Key:         a.key,
		DisplayName: a.display,
		Edition:     a.in.Edition,
		Fingerprint: fp,
		StartedAt:   s.clock.Now(),
	}
}

func (s *VerificationService) admit(ctx context.Context, a *attempt, fp models.Fingerprint, allowed models.Allowed) models.Decision {
	sess := s.newSession(a, fp)
	sess.NewBinding = allowed.IsNewBinding
	if err := a.p.gate.Admit(ctx, sess); err != nil {
		s.logger.Error("Failed to store session", util.NameKey(a.key), zap.Error(err))
		return s.deny(a, models.DenyInternalError)
	}
	allowed.SessionID = sess.ID
	return allowed
}

func (s *VerificationService) challenge(ctx context.Context, a *attempt, pending models.Fingerprint, nc models.NeedsChallenge) models.Decision {
	sess := s.newSession(a, pending)
	if err := a.p.gate.Challenge(ctx, sess, nc.Kind); err != nil {
		s.logger.Error("Failed to store challenged session", util.NameKey(a.key), zap.Error(err))
		return s.deny(a, models.DenyInternalError)
	}
	nc.SessionID = sess.ID
	return nc
}

func (s *VerificationService) deny(a *attempt, reason models.DenyReason) models.Decision {
	return models.Denied{Reason: reason, UserMessage: a.p.cfg.KickMessage(string(reason))}
}

// record logs the decision and publishes its audit event.
func (s *VerificationService) record(a *attempt, d models.Decision) {
	fields := []zap.Field{
		util.NameKey(a.key),
		util.MaskedIP(a.in.IP),
		zap.String("edition", string(a.in.Edition)),
		zap.String("outcome", string(d.Outcome())),
	}
	switch v := d.(type) {
	case models.Allowed:
		s.logger.Info("Connection allowed", append(fields,
			zap.String("basis", string(v.TrustBasis)),
			zap.Float64("similarity", v.Similarity),
			zap.Bool("soft_match", v.IsSoftMatch))...)
	case models.NeedsChallenge:
		s.logger.Info("Connection challenged", append(fields,
			zap.String("kind", string(v.Kind)),
			zap.String("reason", v.Reason))...)
	case models.Denied:
		fields = append(fields, zap.String("reason", string(v.Reason)))
		if a.p.cfg.Verification.LogFailedAttempts {
			s.logger.Warn("Connection denied", fields...)
		} else {
			s.logger.Debug("Connection denied", fields...)
		}
	}

	ev := events.NewDecisionEvent(a.key, util.SanitizeInput(a.display), a.in.Edition, util.MaskIP(a.in.IP), d, s.clock.Now())
	ev.Trust = string(a.trust)
	s.events.Enqueue(ev)
}
