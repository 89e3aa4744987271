package scylla

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"nameguard-service/internal/ledger"
	"nameguard-service/internal/repository"
)

// BindingRepository implements repository.Store on ScyllaDB for
// deployments that run several verification nodes.
type BindingRepository struct {
	client *ScyllaClient
	logger *zap.Logger
}

var _ repository.Store = (*BindingRepository)(nil)

func NewBindingRepository(client *ScyllaClient, logger *zap.Logger) *BindingRepository {
	return &BindingRepository{client: client, logger: logger}
}

func (r *BindingRepository) Load(ctx context.Context, key string) (*ledger.Binding, error) {
	var (
		h        repository.BindingHeader
		playtime int64
		payloads [][]byte
	)
	query := r.client.Prepared.GetBinding.WithContext(ctx).Bind(key)
	err := r.client.ScanWithRetry(query,
		&h.Key, &h.PreferredName, &h.AccountClass, &h.Trust,
		&h.FirstSeen, &h.LastSeen, &playtime, &payloads)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to load binding", zap.String("name_key", key), zap.Error(err))
		return nil, fmt.Errorf("failed to load binding: %w", err)
	}
	h.TotalPlaytime = time.Duration(playtime)

	b, err := h.Assemble(payloads)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, repository.ErrInvalidRecord) {
		return nil, err
	}

	batch := r.client.Batch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(r.client.Prepared.InsertQuarantine.Statement(), key, err.Error(), payloads)
	batch.Query(`DELETE FROM bindings WHERE name_key = ?`, key)
	if qerr := r.client.ExecuteBatch(batch); qerr != nil {
		return nil, fmt.Errorf("failed to quarantine binding: %w", qerr)
	}
	r.logger.Warn("Quarantined unreadable binding", zap.String("name_key", key), zap.Error(err))
	return nil, repository.ErrCorruptRecord
}

func (r *BindingRepository) Save(ctx context.Context, b *ledger.Binding) error {
	h := repository.Header(b)
	payloads := make([][]byte, len(b.Fingerprints))
	for i, fp := range b.Fingerprints {
		data, err := repository.EncodeFingerprint(fp)
		if err != nil {
			return err
		}
		payloads[i] = data
	}

	err := r.client.Prepared.UpsertBinding.WithContext(ctx).Bind(
		h.Key, h.PreferredName, h.AccountClass, h.Trust,
		h.FirstSeen, h.LastSeen, int64(h.TotalPlaytime), payloads,
	).Exec()
	if err != nil {
		r.logger.Error("Failed to save binding", zap.String("name_key", h.Key), zap.Error(err))
		return fmt.Errorf("failed to save binding: %w", err)
	}
	return nil
}

func (r *BindingRepository) Remove(ctx context.Context, key string) (bool, error) {
	applied, err := r.client.Prepared.DeleteBinding.WithContext(ctx).Bind(key).ScanCAS()
	if err != nil {
		return false, fmt.Errorf("failed to remove binding: %w", err)
	}
	return applied, nil
}

func (r *BindingRepository) Keys(ctx context.Context) ([]string, error) {
	return r.scanKeys(r.client.Prepared.ListBindingKeys.WithContext(ctx))
}

func (r *BindingRepository) GetCredential(ctx context.Context, key string) (string, bool, error) {
	var hash string
	err := r.client.ScanWithRetry(r.client.Prepared.GetCredential.WithContext(ctx).Bind(key), &hash)
	if errors.Is(err, gocql.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to load credential: %w", err)
	}
	return hash, true, nil
}

func (r *BindingRepository) SetCredential(ctx context.Context, key, encodedHash string) error {
	err := r.client.Prepared.UpsertCredential.WithContext(ctx).Bind(key, encodedHash, time.Now().UTC()).Exec()
	if err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	return nil
}

func (r *BindingRepository) DeleteCredential(ctx context.Context, key string) error {
	if err := r.client.Prepared.DeleteCredential.WithContext(ctx).Bind(key).Exec(); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

func (r *BindingRepository) IsAllowed(ctx context.Context, key string) (bool, error) {
	var found string
	err := r.client.ScanWithRetry(r.client.Prepared.GetAllowed.WithContext(ctx).Bind(key), &found)
	if errors.Is(err, gocql.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query allow-list: %w", err)
	}
	return true, nil
}

func (r *BindingRepository) Allow(ctx context.Context, key string) error {
	if err := r.client.Prepared.InsertAllowed.WithContext(ctx).Bind(key, time.Now().UTC()).Exec(); err != nil {
		return fmt.Errorf("failed to update allow-list: %w", err)
	}
	return nil
}

func (r *BindingRepository) Disallow(ctx context.Context, key string) error {
	if err := r.client.Prepared.DeleteAllowed.WithContext(ctx).Bind(key).Exec(); err != nil {
		return fmt.Errorf("failed to update allow-list: %w", err)
	}
	return nil
}

func (r *BindingRepository) AllowedKeys(ctx context.Context) ([]string, error) {
	return r.scanKeys(r.client.Prepared.ListAllowed.WithContext(ctx))
}

func (r *BindingRepository) HealthCheck(ctx context.Context) error {
	return r.client.HealthCheck(ctx)
}

func (r *BindingRepository) Close() error {
	r.client.Close()
	return nil
}

func (r *BindingRepository) scanKeys(q *gocql.Query) ([]string, error) {
	iter := q.Iter()
	keys := []string{}
	var k string
	for iter.Scan(&k) {
		keys = append(keys, k)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}
