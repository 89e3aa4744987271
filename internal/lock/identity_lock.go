// Package lock provides per-identity mutual exclusion for verification.
package lock

import (
	"context"
	"sync"

	"nameguard-service/internal/bucketing"
)

// Locker serialises work per canonical name. The returned release function
// is idempotent.
type Locker interface {
	Lock(ctx context.Context, key string) (release func(), err error)
}

type entry struct {
	sem  chan struct{}
	refs int
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// KeyedMutex is an in-process Locker. Entries are reference counted and
// dropped when no holder or waiter remains; keys are spread across shards
// to keep the bookkeeping mutexes uncontended.
type KeyedMutex struct {
	shards  []*shard
	buckets *bucketing.Manager
}

func NewKeyedMutex(buckets *bucketing.Manager) *KeyedMutex {
	n := buckets.LockShards()
	km := &KeyedMutex{shards: make([]*shard, n), buckets: buckets}
	for i := range km.shards {
		km.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return km
}

// Lock blocks until key is free or ctx is done.
func (km *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	s := km.shards[km.buckets.LockShard(key)]

	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		s.entries[key] = e
	}
	e.refs++
	s.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		km.unref(s, key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			km.unref(s, key, e)
		})
	}, nil
}

func (km *KeyedMutex) unref(s *shard, key string, e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(s.entries, key)
	}
}

// Len reports how many keys are currently held or awaited.
func (km *KeyedMutex) Len() int {
	total := 0
	for _, s := range km.shards {
		s.mu.Lock()
		total += len(s.entries)
		s.mu.Unlock()
	}
	return total
}
