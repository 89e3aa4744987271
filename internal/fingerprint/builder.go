// Package fingerprint assembles immutable Fingerprint snapshots from a
// connection attempt, derived network heuristics and optional geo data.
package fingerprint

import (
	"context"
	"strings"

	"nameguard-service/internal/hashing"
	"nameguard-service/internal/models"
	"nameguard-service/internal/signals"
	"nameguard-service/internal/util"
)

type Builder struct {
	deriver *signals.Deriver
	hasher  *hashing.SignalHasher
	clock   util.Clock
}

func NewBuilder(deriver *signals.Deriver, hasher *hashing.SignalHasher, clock util.Clock) *Builder {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Builder{deriver: deriver, hasher: hasher, clock: clock}
}

// Build derives the network heuristics for the attempt address and returns
// a fingerprint without geo signals.
func (b *Builder) Build(ctx context.Context, attempt models.ConnectionAttempt) (models.Fingerprint, error) {
	derived, err := b.deriver.Derive(ctx, attempt.IP)
	if err != nil {
		return models.Fingerprint{}, err
	}
	return b.FromDerived(attempt, derived), nil
}

// FromDerived is the pure half of Build.
func (b *Builder) FromDerived(attempt models.ConnectionAttempt, derived signals.Derived) models.Fingerprint {
	fp := models.Fingerprint{
		PlatformID:  models.SomeString(strings.TrimSpace(attempt.PlatformID)),
		SecondaryID: models.SomeString(strings.ToLower(strings.TrimSpace(attempt.SecondaryID))),
		Edition:     models.SomeString(string(attempt.Edition)),

		IPVersion:     models.SomeString(derived.IPVersion),
		SubnetHash:    b.hasher.HashSignal(models.SomeString(derived.SubnetPrefix)),
		PseudoASNHash: b.hasher.HashSignal(models.SomeString(derived.PseudoASN)),
		PTRHash:       b.hasher.HashSignal(derived.PTR),
		TCPTTL:        intSignal(attempt.TCPTTL),
		TCPMSS:        intSignal(attempt.TCPMSS),

		ClientBrand:      models.SomeString(strings.ToLower(strings.TrimSpace(attempt.ClientBrand))),
		DeviceOS:         models.SomeString(strings.ToLower(strings.TrimSpace(attempt.DeviceOS))),
		ProtocolVersion:  models.SomeString(strings.TrimSpace(attempt.ProtocolVersion)),
		ModListHash:      models.SomeString(attempt.ModListHash),
		ResourcePackHash: models.SomeString(attempt.ResourcePackHash),
		Viewport:         models.SomeString(attempt.Viewport),
		Locale:           models.SomeString(strings.ToLower(attempt.Locale)),
		DisplayOptions:   models.SomeString(attempt.DisplayOptions),

		CreatedAt: b.clock.Now(),
	}
	return fp
}

// WithGeo attaches the location of a successful snapshot. Failed snapshots
// leave the geo signals absent.
func WithGeo(fp models.Fingerprint, snap models.GeoSnapshot) models.Fingerprint {
	if !snap.Success {
		return fp
	}
	return fp.WithGeo(snap.GeoSignals)
}

func intSignal(v *int) models.Signal[int] {
	if v == nil {
		return models.None[int]()
	}
	return models.Some(*v)
}
