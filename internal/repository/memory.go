package repository

import (
	"context"
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"

	"nameguard-service/internal/ledger"
)

// MemoryStore keeps encoded records in maps so that reads go through the
// same codec as the durable backends.
type MemoryStore struct {
	mu          sync.RWMutex
	bindings    map[string][]byte
	quarantine  map[string][]byte
	credentials map[string]string
	allowed     map[string]struct{}
	logger      *zap.Logger
}

func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		bindings:    make(map[string][]byte),
		quarantine:  make(map[string][]byte),
		credentials: make(map[string]string),
		allowed:     make(map[string]struct{}),
		logger:      logger,
	}
}

func (s *MemoryStore) Load(ctx context.Context, key string) (*ledger.Binding, error) {
	s.mu.RLock()
	data, ok := s.bindings[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	b, err := DecodeBinding(data)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, ErrInvalidRecord) {
		return nil, err
	}

	s.mu.Lock()
	s.quarantine[key] = data
	delete(s.bindings, key)
	s.mu.Unlock()
	s.logger.Warn("Quarantined unreadable binding", zap.String("name_key", key), zap.Error(err))
	return nil, ErrCorruptRecord
}

func (s *MemoryStore) Save(ctx context.Context, b *ledger.Binding) error {
	data, err := EncodeBinding(b)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.bindings[b.Key] = data
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Remove(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.bindings[key]
	delete(s.bindings, key)
	return ok, nil
}

func (s *MemoryStore) Keys(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.bindings), nil
}

// PutRaw stores data under key without encoding it.
func (s *MemoryStore) PutRaw(key string, data []byte) {
	s.mu.Lock()
	s.bindings[key] = data
	s.mu.Unlock()
}

// Quarantined returns the raw record moved aside for key, if any.
func (s *MemoryStore) Quarantined(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.quarantine[key]
	return data, ok
}

func (s *MemoryStore) GetCredential(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hash, ok := s.credentials[key]
	return hash, ok, nil
}

func (s *MemoryStore) SetCredential(ctx context.Context, key, encodedHash string) error {
	s.mu.Lock()
	s.credentials[key] = encodedHash
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) DeleteCredential(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.credentials, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) IsAllowed(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.allowed[key]
	return ok, nil
}

func (s *MemoryStore) Allow(ctx context.Context, key string) error {
	s.mu.Lock()
	s.allowed[key] = struct{}{}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Disallow(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.allowed, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) AllowedKeys(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.allowed), nil
}

func (s *MemoryStore) HealthCheck(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
