// Package ledger holds the persistent per-identity record and every
// operation that mutates it.
package ledger

import (
	"fmt"
	"time"

	"nameguard-service/internal/models"
)

// Binding links a canonical name to its fingerprint history and trust state.
type Binding struct {
	Key           string               `json:"key"`
	PreferredName string               `json:"preferred_name"`
	AccountClass  models.Edition       `json:"account_class"`
	Fingerprints  []models.Fingerprint `json:"fingerprints"`
	Trust         TrustLevel           `json:"trust"`
	FirstSeen     time.Time            `json:"first_seen"`
	LastSeen      time.Time            `json:"last_seen"`
	TotalPlaytime time.Duration        `json:"total_playtime"`
}

// NewBinding creates a LOW trust binding seeded with its first fingerprint.
func NewBinding(key, preferredName string, class models.Edition, first models.Fingerprint, now time.Time) *Binding {
	b := &Binding{
		Key:           key,
		PreferredName: preferredName,
		AccountClass:  class,
		Trust:         TrustLow,
		FirstSeen:     now,
		LastSeen:      now,
	}
	b.AddFingerprint(first, 0)
	return b
}

// Clone returns a deep copy.
func (b *Binding) Clone() *Binding {
	if b == nil {
		return nil
	}
	c := *b
	c.Fingerprints = append([]models.Fingerprint(nil), b.Fingerprints...)
	return &c
}

// AddFingerprint appends fp unless an equal fingerprint is already held,
// then evicts the oldest entries while the history exceeds limit. Ties on
// CreatedAt evict the earlier-inserted entry. limit <= 0 means unbounded.
// It reports whether fp was appended.
func (b *Binding) AddFingerprint(fp models.Fingerprint, limit int) bool {
	for _, existing := range b.Fingerprints {
		if existing.Equal(fp) {
			return false
		}
	}
	b.Fingerprints = append(b.Fingerprints, fp)
	if limit > 0 {
		for len(b.Fingerprints) > limit {
			b.evict(oldestIndex(b.Fingerprints))
		}
	}
	return true
}

// PurgeOldFingerprints drops entries created before now-retention, oldest
// first, never going below minKeep. A non-positive retention disables it.
// It returns how many entries were removed.
func (b *Binding) PurgeOldFingerprints(retention time.Duration, minKeep int, now time.Time) int {
	if retention <= 0 {
		return 0
	}
	if minKeep < 0 {
		minKeep = 0
	}
	cutoff := now.Add(-retention)
	removed := 0
	for len(b.Fingerprints) > minKeep {
		i := oldestIndex(b.Fingerprints)
		if !b.Fingerprints[i].CreatedAt.Before(cutoff) {
			break
		}
		b.evict(i)
		removed++
	}
	return removed
}

// UpdateLastSeen never moves LastSeen backwards.
func (b *Binding) UpdateLastSeen(now time.Time) {
	if now.After(b.LastSeen) {
		b.LastSeen = now
	}
}

// AddPlaytime accumulates session time. Negative durations are ignored.
func (b *Binding) AddPlaytime(d time.Duration) {
	if d > 0 {
		b.TotalPlaytime += d
	}
}

// PromoteIfEligible applies the only automatic transition, LOW to MEDIUM,
// once total playtime reaches threshold. It reports whether trust changed.
func (b *Binding) PromoteIfEligible(threshold time.Duration) bool {
	if b.Trust == TrustLow && b.TotalPlaytime >= threshold {
		b.Trust = TrustMedium
		return true
	}
	return false
}

// SetTrust is the administrative transition; it may move trust anywhere.
func (b *Binding) SetTrust(level TrustLevel) error {
	if !level.Valid() {
		return fmt.Errorf("invalid trust level %q", level)
	}
	b.Trust = level
	return nil
}

// Latest returns the most recently created fingerprint.
func (b *Binding) Latest() (models.Fingerprint, bool) {
	if len(b.Fingerprints) == 0 {
		return models.Fingerprint{}, false
	}
	latest := 0
	for i, fp := range b.Fingerprints {
		if !fp.CreatedAt.Before(b.Fingerprints[latest].CreatedAt) {
			latest = i
		}
	}
	return b.Fingerprints[latest], true
}

func (b *Binding) evict(i int) {
	b.Fingerprints = append(b.Fingerprints[:i], b.Fingerprints[i+1:]...)
}

// oldestIndex returns the first index holding the minimum CreatedAt.
func oldestIndex(fps []models.Fingerprint) int {
	oldest := 0
	for i := 1; i < len(fps); i++ {
		if fps[i].CreatedAt.Before(fps[oldest].CreatedAt) {
			oldest = i
		}
	}
	return oldest
}
