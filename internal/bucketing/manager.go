package bucketing

import (
	"hash"
	"sync"

	"github.com/spaolacci/murmur3"

	"nameguard-service/internal/config"
)

// Manager maps canonical names onto a fixed number of buckets with murmur3.
// Lock shards and event partitions both use it so one identity always lands
// in the same place.
type Manager struct {
	lockShards   int
	eventBuckets int
	hasherPool   sync.Pool
}

func NewManager(cfg config.BucketingConfig) *Manager {
	m := &Manager{
		lockShards:   positive(cfg.LockShards, 64),
		eventBuckets: positive(cfg.EventBuckets, 16),
	}
	m.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}
	return m
}

// LockShard returns the lock shard for a key (0 to LockShards-1).
func (m *Manager) LockShard(key string) int {
	return m.bucket(key, m.lockShards)
}

// EventBucket returns the partition bucket used for audit events of a key.
func (m *Manager) EventBucket(key string) int {
	return m.bucket(key, m.eventBuckets)
}

func (m *Manager) LockShards() int {
	return m.lockShards
}

func (m *Manager) EventBuckets() int {
	return m.eventBuckets
}

func (m *Manager) bucket(key string, n int) int {
	return int(m.hash(key) % uint64(n))
}

func (m *Manager) hash(key string) uint64 {
	h := m.hasherPool.Get().(hash.Hash64)
	defer m.hasherPool.Put(h)

	h.Reset()
	_, _ = h.Write([]byte(key))
	return h.Sum64()
}

func positive(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
