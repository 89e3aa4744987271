package factory

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"nameguard-service/internal/bucketing"
	"nameguard-service/internal/client"
	"nameguard-service/internal/config"
	"nameguard-service/internal/credential"
	"nameguard-service/internal/encryption"
	"nameguard-service/internal/events"
	"nameguard-service/internal/fingerprint"
	"nameguard-service/internal/geo"
	"nameguard-service/internal/hashing"
	"nameguard-service/internal/lock"
	"nameguard-service/internal/repository"
	redisrepo "nameguard-service/internal/repository/redis"
	"nameguard-service/internal/repository/scylla"
	"nameguard-service/internal/repository/sqlite"
	"nameguard-service/internal/service"
	"nameguard-service/internal/signals"
	"nameguard-service/internal/tls"
	"nameguard-service/internal/util"
)

const (
	DriverSQLite = "sqlite"
	DriverScylla = "scylla"
	DriverMemory = "memory"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	logger     *zap.Logger
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers
	secrets      *encryption.SecretResolver
	hasher       *hashing.Hasher
	signalHasher *hashing.SignalHasher
	buckets      *bucketing.Manager

	store      repository.Store
	dispatcher *events.Dispatcher
	geoClosers []io.Closer

	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory loads the process config, initialises logging and builds every
// dependency.
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()
	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)
	return New(cfg, util.Get())
}

// New builds every dependency from cfg.
func New(cfg *config.Config, logger *zap.Logger) (*Factory, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Factory{
		config: cfg,
		logger: logger,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		f.tlsManager = tls.NewTLSManager(&tls.TLSConfig{
			EnableTLS:   cfg.Server.EnableTLS,
			AutoCert:    cfg.Server.AutoCert,
			Domain:      cfg.Server.Domain,
			CertFile:    cfg.Server.CertFile,
			KeyFile:     cfg.Server.KeyFile,
			AutoCertDir: cfg.Server.AutoCertDir,
			Email:       cfg.Server.Email,
			Environment: cfg.Environment,
		}, logger)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"clients", f.initializeClients},
		{"managers", f.initializeManagers},
		{"store", f.initializeStore},
		{"events", f.initializeEvents},
		{"services", f.initializeServices},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("failed to initialize %s: %w", step.name, err)
		}
	}

	logger.Info("Factory initialized successfully",
		zap.String("environment", cfg.Environment),
		zap.String("storage_driver", cfg.Storage.Driver),
		zap.Bool("redis_enabled", f.redisClient != nil),
		zap.Bool("tls_enabled", cfg.Server.EnableTLS),
		zap.Bool("kms_enabled", cfg.KMS.Enabled),
	)
	return f, nil
}

// initializeClients connects the optional external services. Outside
// production a failing optional client is logged and skipped.
func (f *Factory) initializeClients(ctx context.Context) error {
	cfg := f.config
	var initErrors []error

	if cfg.Redis.Enabled {
		if c, err := client.NewRedisClient(cfg, f.logger); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
		} else {
			f.redisClient = c
		}
	}

	if cfg.Storage.Driver == DriverScylla {
		c, err := scylla.NewScyllaClient(cfg, f.logger)
		if err != nil {
			return fmt.Errorf("scylla: %w", err)
		}
		f.scyllaClient = c
	}

	if cfg.Kafka.Enabled {
		if p, err := client.NewKafkaProducer(cfg, f.logger); err != nil {
			f.logger.Warn("Kafka producer initialization failed - proceeding without Kafka", zap.Error(err))
		} else {
			f.kafkaProducer = p
		}
	}

	if cfg.Elasticsearch.Enabled {
		if c, err := client.NewElasticsearchClient(cfg, f.logger); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
		} else if err := c.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch health check: %w", err))
		} else {
			f.esClient = c
		}
	}

	if cfg.Clickhouse.Enabled {
		if c, err := client.NewClickHouseClient(cfg, f.logger); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else {
			f.clickhouseClient = c
		}
	}

	if len(initErrors) > 0 {
		if cfg.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			f.logger.Warn("Service initialization warning", zap.Error(err))
		}
	}
	return nil
}

// initializeManagers resolves secrets and builds the hashers and bucketing.
func (f *Factory) initializeManagers(ctx context.Context) error {
	cfg := f.config

	var kmsClient encryption.KMSAPI
	if cfg.KMS.Enabled {
		c, err := encryption.NewKMSClient(ctx, cfg.KMS.Region)
		if err != nil {
			return err
		}
		kmsClient = c
	}
	f.secrets = encryption.NewSecretResolver(cfg, kmsClient, f.logger)

	if cfg.HasInsecureSignalKey() {
		if cfg.IsProduction() {
			return fmt.Errorf("SIGNAL_HMAC_KEY must be set in production")
		}
		f.logger.Warn("Signal HMAC key is the shipped default; network signal hashes are not secret")
	}
	key, err := f.secrets.SignalKey(ctx)
	if err != nil {
		return err
	}
	if f.signalHasher, err = hashing.NewSignalHasher(key); err != nil {
		return err
	}

	f.hasher = hashing.NewHasher(cfg, cfg.Security.Pepper)
	f.buckets = bucketing.NewManager(cfg.Bucketing)
	return nil
}

func (f *Factory) initializeStore(_ context.Context) error {
	switch f.config.Storage.Driver {
	case DriverSQLite:
		path := f.config.Storage.SQLitePath
		if path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
				return fmt.Errorf("failed to create sqlite directory: %w", err)
			}
		}
		s, err := sqlite.NewStore(path, f.logger)
		if err != nil {
			return err
		}
		f.store = s
	case DriverScylla:
		f.store = scylla.NewBindingRepository(f.scyllaClient, f.logger)
	case DriverMemory:
		f.logger.Warn("Using in-memory binding store; bindings are lost on restart")
		f.store = repository.NewMemoryStore(f.logger)
	default:
		return fmt.Errorf("unknown storage driver %q", f.config.Storage.Driver)
	}
	return nil
}

// initializeEvents fans decision events out to every configured sink.
func (f *Factory) initializeEvents(ctx context.Context) error {
	var sinks events.Multi
	if f.kafkaProducer != nil {
		sinks = append(sinks, events.NewKafkaSink(f.kafkaProducer, f.buckets))
	}
	if f.clickhouseClient != nil {
		s, err := events.NewClickHouseSink(ctx, f.clickhouseClient, f.config.Clickhouse.Table)
		if err != nil {
			if f.config.IsProduction() {
				return err
			}
			f.logger.Warn("ClickHouse sink disabled", zap.Error(err))
		} else {
			sinks = append(sinks, s)
		}
	}
	if f.esClient != nil {
		sinks = append(sinks, events.NewElasticSink(f.esClient, f.config.Elasticsearch.Index))
	}

	var sink events.Sink = events.Nop{}
	if len(sinks) > 0 {
		sink = sinks
	}
	f.dispatcher = events.NewDispatcher(sink, 0, f.logger.Named("events"))
	return nil
}

func (f *Factory) initializeServices(_ context.Context) error {
	cfg := f.config

	var (
		geoCache geo.Cache
		sessions credential.SessionStore = credential.NewMemorySessionStore(nil)
		limiter  service.AttemptLimiter
		local    = lock.NewKeyedMutex(f.buckets)
		locker   lock.Locker = local
	)
	if f.redisClient != nil {
		geoCache = redisrepo.NewGeoCache(f.redisClient)
		sessions = redisrepo.NewSessionCache(f.redisClient, f.logger)
		limiter = redisrepo.NewAttemptLimiter(f.redisClient,
			cfg.Verification.RateLimitAttempts, cfg.Verification.RateLimitWindow, f.logger)
		locker = lock.NewRedisLocker(local, f.redisClient, 0, f.logger)
	}

	providers, closers, err := geo.BuildProviders(cfg.Geo, nil, geoCache, f.logger.Named("geo"))
	f.geoClosers = closers
	if err != nil {
		return err
	}

	deriver := signals.NewDeriver(net.DefaultResolver, signals.DefaultPTRTimeout, f.logger)
	f.serviceFactory = service.NewServiceFactory(service.Deps{
		Config:   cfg,
		Store:    f.store,
		Locker:   locker,
		Builder:  fingerprint.NewBuilder(deriver, f.signalHasher, nil),
		Geo:      geo.NewResolver(providers, cfg.Geo.Timeout, f.logger.Named("geo")),
		Sessions: sessions,
		Oracle:   f.hasher,
		Limiter:  limiter,
		Events:   f.dispatcher,
		Logger:   f.logger,
	})
	return nil
}

// ServiceFactory returns the service factory.
func (f *Factory) ServiceFactory() *service.ServiceFactory {
	return f.serviceFactory
}

// HealthCheck reports the failing dependencies by name.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.store != nil {
		if err := f.store.HealthCheck(ctx); err != nil {
			healthErrors["store"] = err
		}
	} else {
		healthErrors["store"] = fmt.Errorf("store not initialized")
	}

	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	}
	if f.esClient != nil {
		if err := f.esClient.HealthCheck(ctx); err != nil {
			healthErrors["elasticsearch"] = err
		}
	}
	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	}
	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}
	return healthErrors
}

// IsHealthy ignores Kafka: the audit stream is best effort.
func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	delete(healthErrors, "kafka")
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		f.logger.Info("Shutting down factory...")

		// Flushing events needs the sinks' clients, so it goes first.
		if f.serviceFactory != nil {
			f.serviceFactory.Cleanup()
		} else if f.dispatcher != nil {
			_ = f.dispatcher.Close()
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				f.logger.Error("Failed to close ClickHouse client", zap.Error(err))
			}
		}
		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				f.logger.Error("Failed to close Kafka producer", zap.Error(err))
			}
		}
		// The scylla store owns its client session.
		if f.store != nil {
			if err := f.store.Close(); err != nil {
				f.logger.Error("Failed to close store", zap.Error(err))
			}
		}
		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				f.logger.Error("Failed to close Redis client", zap.Error(err))
			}
		}
		for _, c := range f.geoClosers {
			_ = c.Close()
		}

		f.logger.Info("Factory shutdown completed")
		_ = f.logger.Sync()
	})
	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) Logger() *zap.Logger {
	return f.logger
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) Store() repository.Store {
	return f.store
}
