package service

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"nameguard-service/internal/canonical"
	"nameguard-service/internal/config"
	"nameguard-service/internal/ledger"
	"nameguard-service/internal/models"
	"nameguard-service/internal/repository"
	"nameguard-service/internal/util"
)

func keyOf(name string) (string, error) {
	key := canonical.Canonicalize(name)
	if key == "" {
		return "", fmt.Errorf("%w: name %q has no usable characters", ErrInvalidInput, name)
	}
	return key, nil
}

// Check returns the binding of a name.
func (s *VerificationService) Check(ctx context.Context, name string) (*ledger.Binding, error) {
	key, err := keyOf(name)
	if err != nil {
		return nil, err
	}
	b, err := s.store.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, ErrBindingNotFound
	}
	return b, nil
}

// Bind pins a name to the client of its live admitted session: the session
// fingerprint is appended and the binding is LOCKED.
func (s *VerificationService) Bind(ctx context.Context, name string) (*ledger.Binding, error) {
	key, err := keyOf(name)
	if err != nil {
		return nil, err
	}
	sessions, err := s.sessions.ForKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	var live *models.Session
	for _, sess := range sessions {
		if sess.State != models.SessionAdmitted {
			continue
		}
		if live == nil || sess.AdmittedAt.After(live.AdmittedAt) {
			live = sess
		}
	}
	if live == nil {
		return nil, ErrNoLiveSession
	}

	var out *ledger.Binding
	err = s.mutate(ctx, key, true, func(b *ledger.Binding) (*ledger.Binding, error) {
		now := s.clock.Now()
		if b == nil {
			b = ledger.NewBinding(key, live.DisplayName, live.Edition, live.Fingerprint, now)
		} else {
			b.AddFingerprint(live.Fingerprint, s.Config().Verification.RollingFingerprintLimit)
			b.UpdateLastSeen(now)
		}
		if err := b.SetTrust(ledger.TrustLocked); err != nil {
			return nil, err
		}
		out = b
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Binding locked by admin", util.NameKey(key), zap.String("session_id", live.ID))
	return out, nil
}

// Unbind forgets a name: its binding and its credential.
func (s *VerificationService) Unbind(ctx context.Context, name string) (bool, error) {
	key, err := keyOf(name)
	if err != nil {
		return false, err
	}
	release, err := s.locker.Lock(ctx, key)
	if err != nil {
		return false, err
	}
	defer release()

	removed, err := s.store.Remove(ctx, key)
	if err != nil {
		return false, fmt.Errorf("failed to remove binding: %w", err)
	}
	if err := s.store.DeleteCredential(ctx, key); err != nil {
		return removed, fmt.Errorf("failed to delete credential: %w", err)
	}
	s.logger.Info("Binding removed by admin", util.NameKey(key), zap.Bool("existed", removed))
	return removed, nil
}

// SetTrust moves a binding to any trust level, including downwards.
func (s *VerificationService) SetTrust(ctx context.Context, name, level string) (*ledger.Binding, error) {
	key, err := keyOf(name)
	if err != nil {
		return nil, err
	}
	trust, err := ledger.ParseTrustLevel(level)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	var out *ledger.Binding
	err = s.mutate(ctx, key, false, func(b *ledger.Binding) (*ledger.Binding, error) {
		if err := b.SetTrust(trust); err != nil {
			return nil, err
		}
		out = b
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Trust set by admin", util.NameKey(key), zap.String("trust", string(trust)))
	return out, nil
}

// mutate applies fn to the stored binding under the identity lock and saves
// the result. fn sees nil for a missing binding only when create is set.
func (s *VerificationService) mutate(ctx context.Context, key string, create bool, fn func(*ledger.Binding) (*ledger.Binding, error)) error {
	release, err := s.locker.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer release()

	b, err := s.store.Load(ctx, key)
	if err != nil && !errors.Is(err, repository.ErrCorruptRecord) {
		return fmt.Errorf("failed to load binding: %w", err)
	}
	if b == nil && !create {
		return ErrBindingNotFound
	}
	b, err = fn(b)
	if err != nil {
		return err
	}
	if err := s.store.Save(ctx, b); err != nil {
		return fmt.Errorf("failed to save binding: %w", err)
	}
	return nil
}

// Reload re-reads the policy file on top of the current config and swaps
// the scorer, thresholds and gate settings in one step.
func (s *VerificationService) Reload(_ context.Context) error {
	cur := s.Config()
	if cur.PolicyFile == "" {
		return ErrNoPolicyFile
	}
	next := cur.Clone()
	if err := next.LoadPolicyFile(cur.PolicyFile); err != nil {
		return err
	}
	config.Set(next)
	s.policy.Store(s.newPolicy(next))
	s.logger.Info("Policy reloaded", zap.String("file", cur.PolicyFile))
	return nil
}

// Allow adds a name to the stored allow-list.
func (s *VerificationService) Allow(ctx context.Context, name string) error {
	key, err := keyOf(name)
	if err != nil {
		return err
	}
	return s.store.Allow(ctx, key)
}

// Disallow removes a name from the stored allow-list. Names from the policy
// file stay listed until the file changes.
func (s *VerificationService) Disallow(ctx context.Context, name string) error {
	key, err := keyOf(name)
	if err != nil {
		return err
	}
	return s.store.Disallow(ctx, key)
}

// AllowList returns the canonical keys allowed by policy or by admin.
func (s *VerificationService) AllowList(ctx context.Context) ([]string, error) {
	stored, err := s.store.AllowedKeys(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(stored))
	for _, k := range stored {
		seen[k] = struct{}{}
	}
	for k := range s.policy.Load().allow {
		seen[k] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// Export returns every readable binding. Corrupt records are skipped.
func (s *VerificationService) Export(ctx context.Context) ([]*ledger.Binding, error) {
	keys, err := s.store.Keys(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*ledger.Binding, 0, len(keys))
	for _, k := range keys {
		b, err := s.store.Load(ctx, k)
		if errors.Is(err, repository.ErrCorruptRecord) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if b != nil {
			out = append(out, b)
		}
	}
	return out, nil
}
