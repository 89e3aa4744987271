package credential

import (
	"context"
	"sync"
	"time"

	"nameguard-service/internal/models"
	"nameguard-service/internal/repository"
	"nameguard-service/internal/util"
)

// SessionStore persists connection sessions. Get returns
// repository.ErrNotFound for unknown or expired sessions.
type SessionStore interface {
	Put(ctx context.Context, s *models.Session, ttl time.Duration) error
	Get(ctx context.Context, id string) (*models.Session, error)
	Delete(ctx context.Context, id string) error
	ForKey(ctx context.Context, key string) ([]*models.Session, error)
}

type memoryEntry struct {
	session   models.Session
	expiresAt time.Time
}

// MemorySessionStore is the single-node SessionStore.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]memoryEntry
	clock    util.Clock
}

func NewMemorySessionStore(clock util.Clock) *MemorySessionStore {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &MemorySessionStore{sessions: make(map[string]memoryEntry), clock: clock}
}

func (m *MemorySessionStore) Put(_ context.Context, s *models.Session, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memoryEntry{session: *s}
	if ttl > 0 {
		e.expiresAt = m.clock.Now().Add(ttl)
	}
	m.sessions[s.ID] = e
	return nil
}

func (m *MemorySessionStore) Get(_ context.Context, id string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(id)
	if !ok {
		return nil, repository.ErrNotFound
	}
	s := e.session
	return &s, nil
}

func (m *MemorySessionStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return nil
}

func (m *MemorySessionStore) ForKey(_ context.Context, key string) ([]*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Session
	for id, e := range m.sessions {
		if _, ok := m.live(id); !ok || e.session.Key != key {
			continue
		}
		s := e.session
		out = append(out, &s)
	}
	return out, nil
}

// live must be called with mu held; it evicts expired entries.
func (m *MemorySessionStore) live(id string) (memoryEntry, bool) {
	e, ok := m.sessions[id]
	if !ok {
		return memoryEntry{}, false
	}
	if !e.expiresAt.IsZero() && !m.clock.Now().Before(e.expiresAt) {
		delete(m.sessions, id)
		return memoryEntry{}, false
	}
	return e, true
}
