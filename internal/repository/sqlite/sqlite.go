// Package sqlite is the single-node durable binding store.
package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"nameguard-service/internal/ledger"
	"nameguard-service/internal/repository"
	"nameguard-service/internal/repository/sqlite/migrations"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Store implements repository.Store on SQLite. Each binding is one row in
// bindings plus one ordered row per fingerprint.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

var _ repository.Store = (*Store)(nil)

// OpenConnection opens path (or ":memory:") with foreign keys enforced on
// every pooled connection.
func OpenConnection(path string) (*sql.DB, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_foreign_keys=on&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Every pooled connection to ":memory:" would get its own database.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// NewStore opens path and applies pending migrations.
func NewStore(path string, logger *zap.Logger) (*Store, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return NewStoreFromDB(db, logger), nil
}

// NewStoreFromDB wraps an already migrated connection.
func NewStoreFromDB(db *sql.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Load(ctx context.Context, key string) (*ledger.Binding, error) {
	var (
		h        repository.BindingHeader
		first    int64
		last     int64
		playtime int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT name_key, preferred_name, account_class, trust, first_seen, last_seen, playtime_ns
		 FROM bindings WHERE name_key = ?`, key,
	).Scan(&h.Key, &h.PreferredName, &h.AccountClass, &h.Trust, &first, &last, &playtime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load binding: %w", err)
	}
	h.FirstSeen = fromNanos(first)
	h.LastSeen = fromNanos(last)
	h.TotalPlaytime = time.Duration(playtime)

	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM fingerprints WHERE binding_key = ? ORDER BY position`, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load fingerprints: %w", err)
	}
	defer rows.Close()

	var payloads [][]byte
	for rows.Next() {
		var p []byte
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("failed to scan fingerprint: %w", err)
		}
		payloads = append(payloads, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read fingerprints: %w", err)
	}
	rows.Close()

	b, err := h.Assemble(payloads)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, repository.ErrInvalidRecord) {
		return nil, err
	}
	if qerr := s.quarantine(ctx, key, err.Error(), bytes.Join(payloads, []byte("\n"))); qerr != nil {
		return nil, fmt.Errorf("failed to quarantine binding: %w", qerr)
	}
	s.logger.Warn("Quarantined unreadable binding", zap.String("name_key", key), zap.Error(err))
	return nil, repository.ErrCorruptRecord
}

func (s *Store) quarantine(ctx context.Context, key, reason string, payload []byte) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO quarantine (name_key, reason, payload, quarantined_at) VALUES (?, ?, ?, ?)`,
			key, reason, payload, s.now().UnixNano()); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM bindings WHERE name_key = ?`, key)
		return err
	})
}

// Save replaces the binding and its whole fingerprint list atomically.
func (s *Store) Save(ctx context.Context, b *ledger.Binding) error {
	h := repository.Header(b)
	payloads := make([][]byte, len(b.Fingerprints))
	for i, fp := range b.Fingerprints {
		data, err := repository.EncodeFingerprint(fp)
		if err != nil {
			return err
		}
		payloads[i] = data
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO bindings (name_key, preferred_name, account_class, trust, first_seen, last_seen, playtime_ns)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(name_key) DO UPDATE SET
			   preferred_name = excluded.preferred_name,
			   account_class  = excluded.account_class,
			   trust          = excluded.trust,
			   first_seen     = excluded.first_seen,
			   last_seen      = excluded.last_seen,
			   playtime_ns    = excluded.playtime_ns`,
			h.Key, h.PreferredName, h.AccountClass, h.Trust,
			h.FirstSeen.UnixNano(), h.LastSeen.UnixNano(), int64(h.TotalPlaytime)); err != nil {
			return fmt.Errorf("failed to upsert binding: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM fingerprints WHERE binding_key = ?`, h.Key); err != nil {
			return fmt.Errorf("failed to clear fingerprints: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO fingerprints (binding_key, position, payload, created_at) VALUES (?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i, p := range payloads {
			if _, err := stmt.ExecContext(ctx, h.Key, i, p, b.Fingerprints[i].CreatedAt.UnixNano()); err != nil {
				return fmt.Errorf("failed to insert fingerprint: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) Remove(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM bindings WHERE name_key = ?`, key)
	if err != nil {
		return false, fmt.Errorf("failed to remove binding: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) Keys(ctx context.Context) ([]string, error) {
	return s.queryKeys(ctx, `SELECT name_key FROM bindings ORDER BY name_key`)
}

func (s *Store) GetCredential(ctx context.Context, key string) (string, bool, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT encoded_hash FROM credentials WHERE name_key = ?`, key).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to load credential: %w", err)
	}
	return hash, true, nil
}

func (s *Store) SetCredential(ctx context.Context, key, encodedHash string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (name_key, encoded_hash, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(name_key) DO UPDATE SET encoded_hash = excluded.encoded_hash, updated_at = excluded.updated_at`,
		key, encodedHash, s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	return nil
}

func (s *Store) DeleteCredential(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE name_key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

func (s *Store) IsAllowed(ctx context.Context, key string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM allowlist WHERE name_key = ?`, key).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to query allow-list: %w", err)
	}
	return n > 0, nil
}

func (s *Store) Allow(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO allowlist (name_key, added_at) VALUES (?, ?) ON CONFLICT(name_key) DO NOTHING`,
		key, s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to update allow-list: %w", err)
	}
	return nil
}

func (s *Store) Disallow(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM allowlist WHERE name_key = ?`, key); err != nil {
		return fmt.Errorf("failed to update allow-list: %w", err)
	}
	return nil
}

func (s *Store) AllowedKeys(ctx context.Context) ([]string, error) {
	return s.queryKeys(ctx, `SELECT name_key FROM allowlist ORDER BY name_key`)
}

// QuarantineCount reports how many records have been set aside for key.
func (s *Store) QuarantineCount(ctx context.Context, key string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM quarantine WHERE name_key = ?`, key).Scan(&n)
	return n, err
}

func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return err
	}
	return migrations.CheckStatus(s.db)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) queryKeys(ctx context.Context, query string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
