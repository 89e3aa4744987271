// Package credential implements the password fallback that holds a session
// in limbo until it proves itself.
package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"nameguard-service/internal/lock"
	"nameguard-service/internal/models"
	"nameguard-service/internal/repository"
	"nameguard-service/internal/util"
)

// AdmittedSessionTTL bounds how long an admitted session record lives
// without being ended.
const AdmittedSessionTTL = 24 * time.Hour

var (
	ErrNoSession         = errors.New("no such session")
	ErrNotInChallenge    = errors.New("session is not awaiting a credential")
	ErrSessionTerminated = errors.New("session has been terminated")
	ErrEmptyCredential   = errors.New("credential is empty")
)

// Action is something a connected player tries to do.
type Action string

const (
	ActionMove             Action = "move"
	ActionChat             Action = "chat"
	ActionInteract         Action = "interact"
	ActionCommand          Action = "command"
	ActionSubmitCredential Action = "submit_credential"
)

// Oracle hashes and verifies credentials. Plaintext never leaves it.
type Oracle interface {
	Hash(plaintext string) (string, error)
	Verify(plaintext, encoded string) (bool, error)
}

// CommitFunc applies a resolved challenge to the binding: it creates the
// binding for a registration or appends the pending fingerprint otherwise.
// The gate holds the identity lock of s.Key while it runs.
type CommitFunc func(ctx context.Context, s *models.Session, basis models.TrustBasis) error

type SubmitOutcome string

const (
	SubmitAccepted   SubmitOutcome = "accepted"
	SubmitRejected   SubmitOutcome = "rejected"
	SubmitTerminated SubmitOutcome = "terminated"
)

type SubmitResult struct {
	Outcome    SubmitOutcome `json:"outcome"`
	Registered bool          `json:"registered"`
	Remaining  int           `json:"remaining_attempts"`
}

type Options struct {
	MaxAttempts  int
	ChallengeTTL time.Duration
	Clock        util.Clock
	Logger       *zap.Logger
}

// Gate owns session state transitions around the credential challenge.
type Gate struct {
	sessions    SessionStore
	creds       repository.CredentialStore
	oracle      Oracle
	commit      CommitFunc
	locks       lock.Locker
	maxAttempts int
	ttl         time.Duration
	clock       util.Clock
	logger      *zap.Logger
}

func NewGate(sessions SessionStore, creds repository.CredentialStore, oracle Oracle, commit CommitFunc, locks lock.Locker, opts Options) *Gate {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.ChallengeTTL <= 0 {
		opts.ChallengeTTL = 5 * time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = util.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Gate{
		sessions:    sessions,
		creds:       creds,
		oracle:      oracle,
		commit:      commit,
		locks:       locks,
		maxAttempts: opts.MaxAttempts,
		ttl:         opts.ChallengeTTL,
		clock:       opts.Clock,
		logger:      opts.Logger,
	}
}

// Challenge puts s into limbo for kind and stores it.
func (g *Gate) Challenge(ctx context.Context, s *models.Session, kind models.ChallengeKind) error {
	s.State = models.ChallengeStateFor(kind)
	s.Failures = 0
	return g.sessions.Put(ctx, s, g.ttl)
}

// Admit marks s as playing and stores it.
func (g *Gate) Admit(ctx context.Context, s *models.Session) error {
	s.State = models.SessionAdmitted
	s.AdmittedAt = g.clock.Now()
	return g.sessions.Put(ctx, s, AdmittedSessionTTL)
}

// Session returns the stored session.
func (g *Gate) Session(ctx context.Context, id string) (*models.Session, error) {
	s, err := g.sessions.Get(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return s, nil
}

// Authorize reports whether the session may perform action. A challenged
// session may only submit a credential.
func (g *Gate) Authorize(ctx context.Context, id string, action Action) (bool, error) {
	s, err := g.Session(ctx, id)
	if err != nil {
		return false, err
	}
	switch {
	case s.State == models.SessionAdmitted:
		return true, nil
	case s.Challenged():
		return action == ActionSubmitCredential, nil
	default:
		return false, nil
	}
}

// Submit checks a credential for the session. A name without a stored
// credential has the submission stored as its baseline. That is allowed
// while awaiting registration and for freshly created bindings.
func (g *Gate) Submit(ctx context.Context, id, plaintext string) (SubmitResult, error) {
	if plaintext == "" {
		return SubmitResult{}, ErrEmptyCredential
	}

	s, err := g.Session(ctx, id)
	if err != nil {
		return SubmitResult{}, err
	}

	// The name's lock, not the session's: the credential check, the commit
	// and enrolment must not interleave with another session of the name.
	release, err := g.locks.Lock(ctx, s.Key)
	if err != nil {
		return SubmitResult{}, err
	}
	defer release()

	if s, err = g.Session(ctx, id); err != nil {
		return SubmitResult{}, err
	}
	if s.State == models.SessionTerminated {
		return SubmitResult{}, ErrSessionTerminated
	}

	stored, hasCredential, err := g.creds.GetCredential(ctx, s.Key)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("failed to load credential: %w", err)
	}

	if !hasCredential && (s.Challenged() || s.NewBinding) {
		return g.enrol(ctx, s, plaintext)
	}
	if !s.Challenged() {
		return SubmitResult{}, ErrNotInChallenge
	}

	ok, err := g.oracle.Verify(plaintext, stored)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("failed to verify credential: %w", err)
	}
	if ok {
		if err := g.commit(ctx, s, models.BasisCredential); err != nil {
			return SubmitResult{}, err
		}
		if err := g.Admit(ctx, s); err != nil {
			return SubmitResult{}, err
		}
		g.logger.Info("Credential accepted", zap.String("name_key", s.Key), zap.String("session_id", s.ID))
		return SubmitResult{Outcome: SubmitAccepted}, nil
	}

	s.Failures++
	if s.Failures >= g.maxAttempts {
		s.State = models.SessionTerminated
		if err := g.sessions.Put(ctx, s, g.ttl); err != nil {
			return SubmitResult{}, err
		}
		g.logger.Warn("Session terminated after failed credentials",
			zap.String("name_key", s.Key),
			zap.String("session_id", s.ID),
			zap.Int("failures", s.Failures))
		return SubmitResult{Outcome: SubmitTerminated}, nil
	}
	if err := g.sessions.Put(ctx, s, g.ttl); err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{Outcome: SubmitRejected, Remaining: g.maxAttempts - s.Failures}, nil
}

func (g *Gate) enrol(ctx context.Context, s *models.Session, plaintext string) (SubmitResult, error) {
	hash, err := g.oracle.Hash(plaintext)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("failed to hash credential: %w", err)
	}
	if s.Challenged() {
		basis := models.BasisCredential
		if s.State == models.SessionAwaitingRegistration {
			basis = models.BasisRegistration
		}
		if err := g.commit(ctx, s, basis); err != nil {
			return SubmitResult{}, err
		}
	}
	if err := g.creds.SetCredential(ctx, s.Key, hash); err != nil {
		return SubmitResult{}, fmt.Errorf("failed to store credential: %w", err)
	}
	if s.Challenged() {
		if err := g.Admit(ctx, s); err != nil {
			return SubmitResult{}, err
		}
	}
	g.logger.Info("Credential enrolled", zap.String("name_key", s.Key), zap.String("session_id", s.ID))
	return SubmitResult{Outcome: SubmitAccepted, Registered: true}, nil
}

// End removes the session and returns it as it was last stored.
func (g *Gate) End(ctx context.Context, id string) (*models.Session, error) {
	s, err := g.Session(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := g.sessions.Delete(ctx, id); err != nil {
		return nil, fmt.Errorf("failed to delete session: %w", err)
	}
	return s, nil
}

// ForKey lists the live sessions of a canonical name.
func (g *Gate) ForKey(ctx context.Context, key string) ([]*models.Session, error) {
	return g.sessions.ForKey(ctx, key)
}
