package scylla

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"nameguard-service/internal/config"
	"nameguard-service/internal/util"
)

// Schema is applied by EnsureSchema. Fingerprints live in the binding row
// so that a Save is a single-partition write.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS bindings (
        name_key text PRIMARY KEY,
        preferred_name text,
        account_class text,
        trust text,
        first_seen timestamp,
        last_seen timestamp,
        playtime_ns bigint,
        fingerprints list<blob>
    )`,
	`CREATE TABLE IF NOT EXISTS credentials (
        name_key text PRIMARY KEY,
        encoded_hash text,
        updated_at timestamp
    )`,
	`CREATE TABLE IF NOT EXISTS allowlist (
        name_key text PRIMARY KEY,
        added_at timestamp
    )`,
	`CREATE TABLE IF NOT EXISTS quarantine (
        name_key text,
        quarantined_at timeuuid,
        reason text,
        payload list<blob>,
        PRIMARY KEY (name_key, quarantined_at)
    )`,
}

// PreparedStatements holds the statements the binding repository uses.
type PreparedStatements struct {
	UpsertBinding    *gocql.Query
	GetBinding       *gocql.Query
	DeleteBinding    *gocql.Query
	ListBindingKeys  *gocql.Query
	InsertQuarantine *gocql.Query
	UpsertCredential *gocql.Query
	GetCredential    *gocql.Query
	DeleteCredential *gocql.Query
	InsertAllowed    *gocql.Query
	GetAllowed       *gocql.Query
	DeleteAllowed    *gocql.Query
	ListAllowed      *gocql.Query
}

type ScyllaClient struct {
	Session      *gocql.Session
	config       *config.ScyllaConfig
	Prepared     *PreparedStatements
	prepareMutex sync.RWMutex
	isPrepared   bool
}

func NewScyllaClient(cfg *config.Config, logger *zap.Logger) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        100 * time.Millisecond,
		Max:        2 * time.Second,
		NumRetries: 3,
	}

	if scyllaConfig.UseTLS {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 util.GetEnv("SCYLLA_TLS_CA", "/etc/nameguard/certs/ca.pem"),
			CertPath:               util.GetEnv("SCYLLA_TLS_CERT", "/etc/nameguard/certs/client.pem"),
			KeyPath:                util.GetEnv("SCYLLA_TLS_KEY", "/etc/nameguard/certs/client.key"),
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session: session,
		config:  &scyllaConfig,
	}

	if err := client.EnsureSchema(context.Background()); err != nil {
		session.Close()
		return nil, err
	}
	if err := client.prepareStatements(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	logger.Info("ScyllaDB client initialized",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

// EnsureSchema creates missing tables in the configured keyspace.
func (s *ScyllaClient) EnsureSchema(ctx context.Context) error {
	for _, stmt := range Schema {
		if err := s.Session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("failed to apply scylla schema: %w", err)
		}
	}
	return nil
}

func (s *ScyllaClient) prepareStatements() error {
	s.prepareMutex.Lock()
	defer s.prepareMutex.Unlock()

	if s.isPrepared {
		return nil
	}

	prepared := &PreparedStatements{}

	prepared.UpsertBinding = s.Session.Query(`
        INSERT INTO bindings (
            name_key, preferred_name, account_class, trust,
            first_seen, last_seen, playtime_ns, fingerprints
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.GetBinding = s.Session.Query(`
        SELECT name_key, preferred_name, account_class, trust,
            first_seen, last_seen, playtime_ns, fingerprints
        FROM bindings WHERE name_key = ?`)

	prepared.DeleteBinding = s.Session.Query(`DELETE FROM bindings WHERE name_key = ? IF EXISTS`)

	prepared.ListBindingKeys = s.Session.Query(`SELECT name_key FROM bindings`)

	prepared.InsertQuarantine = s.Session.Query(`
        INSERT INTO quarantine (name_key, quarantined_at, reason, payload)
        VALUES (?, now(), ?, ?)`)

	prepared.UpsertCredential = s.Session.Query(`
        INSERT INTO credentials (name_key, encoded_hash, updated_at) VALUES (?, ?, ?)`)

	prepared.GetCredential = s.Session.Query(`SELECT encoded_hash FROM credentials WHERE name_key = ?`)

	prepared.DeleteCredential = s.Session.Query(`DELETE FROM credentials WHERE name_key = ?`)

	prepared.InsertAllowed = s.Session.Query(`INSERT INTO allowlist (name_key, added_at) VALUES (?, ?)`)

	prepared.GetAllowed = s.Session.Query(`SELECT name_key FROM allowlist WHERE name_key = ?`)

	prepared.DeleteAllowed = s.Session.Query(`DELETE FROM allowlist WHERE name_key = ?`)

	prepared.ListAllowed = s.Session.Query(`SELECT name_key FROM allowlist`)

	s.Prepared = prepared
	s.isPrepared = true
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
	}
}

func (s *ScyllaClient) Query(stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...)
}

func (s *ScyllaClient) Batch(typ gocql.BatchType) *gocql.Batch {
	return s.Session.NewBatch(typ)
}

func (s *ScyllaClient) ExecuteBatch(batch *gocql.Batch) error {
	return s.Session.ExecuteBatch(batch)
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}
	return nil
}

// ScanWithRetry retries transient read failures; gocql.ErrNotFound is
// returned immediately.
func (s *ScyllaClient) ScanWithRetry(query *gocql.Query, dest ...interface{}) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		err := query.Scan(dest...)
		if err == nil || err == gocql.ErrNotFound {
			return err
		}
		lastErr = err
		if i < 2 {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return lastErr
}
