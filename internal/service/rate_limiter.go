package service

import (
	"context"
	"sync"
	"time"

	"nameguard-service/internal/util"
)

// AttemptLimiter decides whether another verification attempt for a
// canonical name is allowed right now.
type AttemptLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

type window struct {
	count   int
	resetAt time.Time
}

// WindowLimiter is the in-process AttemptLimiter: a fixed window per key.
type WindowLimiter struct {
	limit   int
	period  time.Duration
	clock   util.Clock
	mu      sync.Mutex
	windows map[string]*window
}

func NewWindowLimiter(limit int, period time.Duration, clock util.Clock) *WindowLimiter {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &WindowLimiter{limit: limit, period: period, clock: clock, windows: make(map[string]*window)}
}

func (l *WindowLimiter) Allow(_ context.Context, key string) (bool, error) {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || !now.Before(w.resetAt) {
		if len(l.windows) > 4096 {
			l.sweep(now)
		}
		w = &window{resetAt: now.Add(l.period)}
		l.windows[key] = w
	}
	w.count++
	return w.count <= l.limit, nil
}

// sweep drops expired windows; mu must be held.
func (l *WindowLimiter) sweep(now time.Time) {
	for k, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, k)
		}
	}
}
