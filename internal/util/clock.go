package util

import (
	"sync"
	"time"
)

// Clock is the time source for everything that stamps or ages records.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now().UTC() }

// StubClock is a settable clock for tests.
type StubClock struct {
	mu      sync.Mutex
	current time.Time
}

func NewStubClock(t time.Time) *StubClock {
	return &StubClock{current: t}
}

func (c *StubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *StubClock) Set(t time.Time) {
	c.mu.Lock()
	c.current = t
	c.mu.Unlock()
}

func (c *StubClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	c.mu.Unlock()
}
