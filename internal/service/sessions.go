package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"nameguard-service/internal/canonical"
	"nameguard-service/internal/credential"
	"nameguard-service/internal/events"
	"nameguard-service/internal/ledger"
	"nameguard-service/internal/models"
	"nameguard-service/internal/repository"
	"nameguard-service/internal/util"
)

// SessionSummary describes what ending a session did to its binding.
type SessionSummary struct {
	SessionID string            `json:"session_id"`
	Key       string            `json:"name_key"`
	Playtime  time.Duration     `json:"playtime"`
	Trust     ledger.TrustLevel `json:"trust,omitempty"`
	Promoted  bool              `json:"promoted"`
	Purged    int               `json:"purged_fingerprints"`
}

// commitChallenge is the gate's CommitFunc. The gate calls it holding the
// identity lock of sess.Key. Only a registration creates a binding; any other
// challenge whose binding has since been unbound fails.
func (s *VerificationService) commitChallenge(ctx context.Context, sess *models.Session, basis models.TrustBasis) error {
	ctx = context.WithoutCancel(ctx)

	v := s.Config().Verification
	now := s.clock.Now()

	b, err := s.store.Load(ctx, sess.Key)
	if err != nil && !errors.Is(err, repository.ErrCorruptRecord) {
		return fmt.Errorf("failed to load binding: %w", err)
	}
	switch {
	case b != nil && basis == models.BasisRegistration:
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, sess.Key)
	case b == nil && basis == models.BasisRegistration:
		b = ledger.NewBinding(sess.Key, canonical.PreferredName(sess.DisplayName), sess.Edition, sess.Fingerprint, now)
	case b == nil:
		s.logger.Warn("Binding removed while challenged", util.NameKey(sess.Key), zap.String("session_id", sess.ID))
		return fmt.Errorf("%w: %s was unbound during the challenge", ErrBindingNotFound, sess.Key)
	default:
		b.AddFingerprint(sess.Fingerprint, v.RollingFingerprintLimit)
		b.UpdateLastSeen(now)
	}
	if err := s.store.Save(ctx, b); err != nil {
		return fmt.Errorf("failed to save binding: %w", err)
	}

	s.logger.Info("Challenge resolved", util.NameKey(sess.Key), zap.String("basis", string(basis)))
	ev := events.NewDecisionEvent(sess.Key, util.SanitizeInput(sess.DisplayName), sess.Edition, "",
		models.Allowed{TrustBasis: basis, IsNewBinding: basis == models.BasisRegistration, SessionID: sess.ID}, now)
	ev.Trust = string(b.Trust)
	s.events.Enqueue(ev)
	return nil
}

// SubmitCredential forwards a credential from a session to the gate.
func (s *VerificationService) SubmitCredential(ctx context.Context, sessionID, plaintext string) (credential.SubmitResult, error) {
	return s.policy.Load().gate.Submit(ctx, sessionID, plaintext)
}

// Authorize reports whether the session may perform action.
func (s *VerificationService) Authorize(ctx context.Context, sessionID string, action credential.Action) (bool, error) {
	return s.policy.Load().gate.Authorize(ctx, sessionID, action)
}

// Session returns a live session.
func (s *VerificationService) Session(ctx context.Context, sessionID string) (*models.Session, error) {
	return s.policy.Load().gate.Session(ctx, sessionID)
}

// EndSession closes a session. Playtime of an admitted session is credited
// to its binding, which may promote it, and stale fingerprints are purged.
func (s *VerificationService) EndSession(ctx context.Context, sessionID string) (SessionSummary, error) {
	p := s.policy.Load()
	sess, err := p.gate.End(ctx, sessionID)
	if err != nil {
		return SessionSummary{}, err
	}
	sum := SessionSummary{SessionID: sess.ID, Key: sess.Key}
	if sess.State != models.SessionAdmitted {
		return sum, nil
	}

	release, err := s.locker.Lock(ctx, sess.Key)
	if err != nil {
		return sum, fmt.Errorf("failed to acquire identity lock: %w", err)
	}
	defer release()
	ctx = context.WithoutCancel(ctx)

	v := p.cfg.Verification
	now := s.clock.Now()
	sum.Playtime = now.Sub(sess.AdmittedAt)

	b, err := s.store.Load(ctx, sess.Key)
	if err != nil {
		return sum, fmt.Errorf("failed to load binding: %w", err)
	}
	if b == nil {
		// Allow-listed names and unbound identities have nothing to update.
		return sum, nil
	}

	b.AddPlaytime(sum.Playtime)
	sum.Promoted = b.PromoteIfEligible(v.LowTrustPlaytime)
	sum.Purged = b.PurgeOldFingerprints(v.FingerprintRetention, v.FingerprintMinKeep, now)
	b.UpdateLastSeen(now)
	if err := s.store.Save(ctx, b); err != nil {
		return sum, fmt.Errorf("failed to save binding: %w", err)
	}
	sum.Trust = b.Trust

	if sum.Promoted {
		s.logger.Info("Binding promoted", util.NameKey(b.Key), zap.String("trust", string(b.Trust)))
	}
	s.logger.Debug("Session ended",
		util.NameKey(b.Key),
		zap.Duration("playtime", sum.Playtime),
		zap.Int("purged", sum.Purged))
	return sum, nil
}
