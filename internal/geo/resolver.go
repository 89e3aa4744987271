package geo

import (
	"context"
	"time"

	"go.uber.org/zap"

	"nameguard-service/internal/models"
	"nameguard-service/internal/signals"
)

// Resolver runs providers in order. The provider list is given most trusted
// first; registration uses that order and returning identities use it reversed.
type Resolver struct {
	providers []Provider
	timeout   time.Duration
	logger    *zap.Logger
}

func NewResolver(providers []Provider, timeout time.Duration, logger *zap.Logger) *Resolver {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{providers: providers, timeout: timeout, logger: logger}
}

// Providers returns provider names in priority order.
func (r *Resolver) Providers() []string {
	names := make([]string, len(r.providers))
	for i, p := range r.providers {
		names[i] = p.Name()
	}
	return names
}

// CascadeResult describes a reverse cascade run.
type CascadeResult struct {
	// Matched is the snapshot the visitor accepted.
	Matched  models.GeoSnapshot
	Accepted bool
	// Last is the most recent successful snapshot, accepted or not.
	Last    models.GeoSnapshot
	HasLast bool
	Tried   []string
}

// ResolveRegistration returns the first successful lookup in priority order.
// It returns ErrLookupFailed when every provider fails.
func (r *Resolver) ResolveRegistration(ctx context.Context, ip string) (models.GeoSnapshot, error) {
	if snap, ok := localSnapshot(ip); ok {
		return snap, nil
	}
	if len(r.providers) == 0 {
		return models.GeoSnapshot{}, ErrNoProviders
	}
	for i, p := range r.providers {
		snap, err := r.lookup(ctx, p, ip)
		if err == nil {
			return snap, nil
		}
		if i < len(r.providers)-1 {
			r.logger.Warn("registration lookup failed, trying next provider",
				zap.String("provider", p.Name()), zap.String("next", r.providers[i+1].Name()), zap.Error(err))
		} else {
			r.logger.Warn("registration lookup failed on last provider",
				zap.String("provider", p.Name()), zap.Error(err))
		}
	}
	return models.GeoSnapshot{}, ErrLookupFailed
}

// ResolveUntil walks providers cheapest first and stops at the first
// snapshot accept returns true for. Provider failures fall through to the next tier.
func (r *Resolver) ResolveUntil(ctx context.Context, ip string, accept func(models.GeoSnapshot) bool) CascadeResult {
	var res CascadeResult
	if snap, ok := localSnapshot(ip); ok {
		res.Last, res.HasLast = snap, true
		res.Tried = []string{snap.Provider}
		if accept(snap) {
			res.Matched, res.Accepted = snap, true
		}
		return res
	}

	for i := len(r.providers) - 1; i >= 0; i-- {
		p := r.providers[i]
		res.Tried = append(res.Tried, p.Name())

		snap, err := r.lookup(ctx, p, ip)
		if err != nil {
			r.logger.Warn("verification lookup failed, escalating", zap.String("provider", p.Name()), zap.Error(err))
			continue
		}
		res.Last, res.HasLast = snap, true
		if accept(snap) {
			res.Matched, res.Accepted = snap, true
			return res
		}
		r.logger.Debug("provider result disagrees with history, escalating", zap.String("provider", p.Name()))
	}
	return res
}

// lookup bounds one provider call by the resolver timeout. The call is
// detached from caller cancellation so a disconnecting client does not cut
// short a lookup that may still populate the cache.
func (r *Resolver) lookup(ctx context.Context, p Provider, ip string) (models.GeoSnapshot, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	snap, err := p.Lookup(ctx, ip)
	if err != nil {
		return models.GeoSnapshot{}, err
	}
	snap.Success = true
	if snap.Provider == "" {
		snap.Provider = p.Name()
	}
	return snap, nil
}

func localSnapshot(ip string) (models.GeoSnapshot, bool) {
	addr, err := signals.ParseAddr(ip)
	if err != nil || !signals.IsLocal(addr) {
		return models.GeoSnapshot{}, false
	}
	return models.LocalSnapshot(addr.String()), true
}
