// Package repository defines the persistence contracts for bindings,
// credentials and the allow-list, plus an in-memory implementation.
package repository

import (
	"context"
	"errors"

	"nameguard-service/internal/ledger"
)

var (
	// ErrCorruptRecord is returned by Load after an unreadable record has
	// been moved to quarantine. The identity should be treated as unseen.
	ErrCorruptRecord = errors.New("corrupt binding record quarantined")
	ErrNotFound      = errors.New("record not found")
	ErrInvalidRecord = errors.New("invalid record")
)

// BindingStore is the authoritative binding storage. Load returns
// (nil, nil) when the key has no binding.
type BindingStore interface {
	Load(ctx context.Context, key string) (*ledger.Binding, error)
	Save(ctx context.Context, b *ledger.Binding) error
	Remove(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
}

// CredentialStore holds opaque credential hashes per canonical name.
type CredentialStore interface {
	GetCredential(ctx context.Context, key string) (string, bool, error)
	SetCredential(ctx context.Context, key, encodedHash string) error
	DeleteCredential(ctx context.Context, key string) error
}

// AllowList names identities that bypass verification.
type AllowList interface {
	IsAllowed(ctx context.Context, key string) (bool, error)
	Allow(ctx context.Context, key string) error
	Disallow(ctx context.Context, key string) error
	AllowedKeys(ctx context.Context) ([]string, error)
}

// Store is everything a storage backend provides.
type Store interface {
	BindingStore
	CredentialStore
	AllowList
	HealthCheck(ctx context.Context) error
	Close() error
}
