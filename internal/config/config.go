package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

type Config struct {
	Environment   string
	PolicyFile    string
	Server        ServerConfig
	Logging       LoggingConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Elasticsearch ElasticsearchConfig
	Clickhouse    ClickhouseConfig
	KMS           KMSConfig
	Hashing       HashingConfig
	Bucketing     BucketingConfig
	Storage       StorageConfig
	Geo           GeoConfig
	Verification  VerificationConfig
	Security      SecurityConfig
}

type ServerConfig struct {
	Port         int
	TLSPort      int
	EnableTLS    bool
	AutoCert     bool
	Domain       string
	CertFile     string
	KeyFile      string
	AutoCertDir  string
	Email        string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	AdminToken   string
}

type LoggingConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	Enabled  bool
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
	UseTLS   bool
}

type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
}

type ElasticsearchConfig struct {
	Enabled  bool
	URL      string
	Username string
	Password string
	Index    string
}

type ClickhouseConfig struct {
	Enabled  bool
	URL      string
	Username string
	Password string
	Database string
	Table    string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

type HashingConfig struct {
	Argon2MemoryCost  int
	Argon2TimeCost    int
	Argon2Parallelism int
}

type BucketingConfig struct {
	LockShards   int
	EventBuckets int
}

// StorageConfig selects the binding store. Driver is one of sqlite, scylla or memory.
type StorageConfig struct {
	Driver     string
	SQLitePath string
}

type GeoConfig struct {
	// Providers lists provider names in priority order, most trusted first.
	Providers     []string
	FindIPURL     string
	FindIPToken   string
	IPAPIURL      string
	IPWhoURL      string
	MaxMindCityDB string
	MaxMindASNDB  string
	Timeout       time.Duration
	CacheTTL      time.Duration
}

// VerificationConfig is the tunable admission policy. Every field can be
// overridden from the TOML policy file.
type VerificationConfig struct {
	AutoAllowScore           float64       `toml:"auto_allow"`
	AllowMonitorScore        float64       `toml:"allow_monitor"`
	GeoToleranceKm           float64       `toml:"geo_tolerance_km"`
	RollingFingerprintLimit  int           `toml:"rolling_fingerprint_limit"`
	FingerprintRetention     time.Duration `toml:"fingerprint_retention"`
	FingerprintMinKeep       int           `toml:"fingerprint_min_keep"`
	CrossEditionLock         bool          `toml:"cross_edition_lock"`
	SecondaryIDAuthoritative bool          `toml:"secondary_id_authoritative"`
	RegistrationMode         string        `toml:"registration_mode"`
	LowTrustPlaytime         time.Duration `toml:"low_trust_playtime"`
	MaxCredentialAttempts    int           `toml:"max_credential_attempts"`
	ChallengeTTL             time.Duration `toml:"challenge_ttl"`
	RateLimitEnabled         bool          `toml:"rate_limit_enabled"`
	RateLimitAttempts        int           `toml:"rate_limit_attempts"`
	RateLimitWindow          time.Duration `toml:"rate_limit_window"`
	LogFailedAttempts        bool          `toml:"log_failed_attempts"`
	AllowList                []string      `toml:"allow_list"`
	Weights                  Weights       `toml:"weights"`
}

// Weights holds the per-signal weights inside each category and the weight of
// each category in the final 0..100 score.
type Weights struct {
	Categories CategoryWeights `toml:"categories"`

	SecondaryID     float64 `toml:"secondary_id"`
	Edition         float64 `toml:"edition"`
	ProtocolVersion float64 `toml:"protocol_version"`

	IPVersion float64 `toml:"ip_version"`
	Subnet    float64 `toml:"subnet"`
	PseudoASN float64 `toml:"pseudo_asn"`
	PTR       float64 `toml:"ptr"`
	TCPTTL    float64 `toml:"tcp_ttl"`
	TCPMSS    float64 `toml:"tcp_mss"`

	ClientBrand    float64 `toml:"client_brand"`
	DeviceOS       float64 `toml:"device_os"`
	ModListHash    float64 `toml:"mod_list_hash"`
	ResourcePack   float64 `toml:"resource_pack"`
	Viewport       float64 `toml:"viewport"`
	Locale         float64 `toml:"locale"`
	DisplayOptions float64 `toml:"display_options"`

	Country   float64 `toml:"country"`
	Continent float64 `toml:"continent"`
	Region    float64 `toml:"region"`
	City      float64 `toml:"city"`
	Timezone  float64 `toml:"timezone"`
	Distance  float64 `toml:"distance"`
}

type CategoryWeights struct {
	Identity float64 `toml:"identity"`
	Network  float64 `toml:"network"`
	Client   float64 `toml:"client"`
	Geo      float64 `toml:"geo"`
}

type SecurityConfig struct {
	// SignalKey keys the HMAC used for every derived network signal. When
	// SignalKeyCiphertext is set and KMS is enabled, the key is unwrapped at startup.
	SignalKey           string            `toml:"-"`
	SignalKeyCiphertext string            `toml:"-"`
	Pepper              string            `toml:"-"`
	KickTemplate        string            `toml:"kick_template"`
	Reasons             map[string]string `toml:"reasons"`
}

const (
	RegistrationGated    = "gated"
	RegistrationDeferred = "deferred"

	insecureSignalKey = "DEFAULT_SALT_CHANGE_ME"
)

var (
	current *Config
	mu      sync.RWMutex
)

// LoadConfig reads .env (if present), the environment and the optional TOML
// policy file, and installs the result as the process config.
func LoadConfig() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("APP_ENV", "development"),
		Server: ServerConfig{
			Port:         getEnvInt("SERVER_PORT", 8080),
			TLSPort:      getEnvInt("SERVER_TLS_PORT", 8443),
			EnableTLS:    getEnvBool("SERVER_ENABLE_TLS", false),
			AutoCert:     getEnvBool("SERVER_AUTO_CERT", false),
			Domain:       getEnv("SERVER_DOMAIN", "localhost"),
			CertFile:     getEnv("SERVER_CERT_FILE", ""),
			KeyFile:      getEnv("SERVER_KEY_FILE", ""),
			AutoCertDir:  getEnv("SERVER_AUTO_CERT_DIR", "./certs"),
			Email:        getEnv("SERVER_EMAIL", ""),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			AdminToken:   getEnv("ADMIN_TOKEN", ""),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "console"),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", false),
			URL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 20),
		},
		Scylla: ScyllaConfig{
			Nodes:    getEnvList("SCYLLA_NODES", []string{"localhost:9042"}),
			Keyspace: getEnv("SCYLLA_KEYSPACE", "nameguard"),
			Username: getEnv("SCYLLA_USERNAME", ""),
			Password: getEnv("SCYLLA_PASSWORD", ""),
			UseTLS:   getEnvBool("SCYLLA_TLS", false),
		},
		Kafka: KafkaConfig{
			Enabled: getEnvBool("KAFKA_ENABLED", false),
			Brokers: getEnvList("KAFKA_BROKERS", []string{"localhost:9092"}),
			Topic:   getEnv("KAFKA_TOPIC", "nameguard.decisions"),
		},
		Elasticsearch: ElasticsearchConfig{
			Enabled:  getEnvBool("ELASTICSEARCH_ENABLED", false),
			URL:      getEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
			Username: getEnv("ELASTICSEARCH_USERNAME", ""),
			Password: getEnv("ELASTICSEARCH_PASSWORD", ""),
			Index:    getEnv("ELASTICSEARCH_INDEX", "nameguard-identities"),
		},
		Clickhouse: ClickhouseConfig{
			Enabled:  getEnvBool("CLICKHOUSE_ENABLED", false),
			URL:      getEnv("CLICKHOUSE_URL", "localhost:9000"),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			Database: getEnv("CLICKHOUSE_DATABASE", "nameguard"),
			Table:    getEnv("CLICKHOUSE_TABLE", "verification_decisions"),
		},
		KMS: KMSConfig{
			Enabled: getEnvBool("KMS_ENABLED", false),
			KeyID:   getEnv("KMS_KEY_ID", ""),
			Region:  getEnv("KMS_REGION", "us-east-1"),
		},
		Hashing: HashingConfig{
			Argon2MemoryCost:  getEnvInt("ARGON2_MEMORY_KB", 64*1024),
			Argon2TimeCost:    getEnvInt("ARGON2_ITERATIONS", 3),
			Argon2Parallelism: getEnvInt("ARGON2_PARALLELISM", 2),
		},
		Bucketing: BucketingConfig{
			LockShards:   getEnvInt("LOCK_SHARDS", 64),
			EventBuckets: getEnvInt("EVENT_BUCKETS", 16),
		},
		Storage: StorageConfig{
			Driver:     getEnv("STORAGE_DRIVER", "sqlite"),
			SQLitePath: getEnv("SQLITE_PATH", "./data/nameguard.db"),
		},
		Geo: GeoConfig{
			Providers:     getEnvList("GEO_PROVIDERS", []string{"findip", "ipapi", "ipwho"}),
			FindIPURL:     getEnv("GEO_FINDIP_URL", "https://api.findip.net/%s/"),
			FindIPToken:   getEnv("GEO_FINDIP_TOKEN", ""),
			IPAPIURL:      getEnv("GEO_IPAPI_URL", "http://ip-api.com/json/%s"),
			IPWhoURL:      getEnv("GEO_IPWHO_URL", "https://ipwho.is/%s"),
			MaxMindCityDB: getEnv("GEO_MAXMIND_CITY_DB", ""),
			MaxMindASNDB:  getEnv("GEO_MAXMIND_ASN_DB", ""),
			Timeout:       getEnvDuration("GEO_TIMEOUT", 3*time.Second),
			CacheTTL:      getEnvDuration("GEO_CACHE_TTL", 10*time.Minute),
		},
		Verification: DefaultVerification(),
		Security: SecurityConfig{
			SignalKey:           getEnv("SIGNAL_HMAC_KEY", insecureSignalKey),
			SignalKeyCiphertext: getEnv("SIGNAL_HMAC_KEY_CIPHERTEXT", ""),
			Pepper:              getEnv("CREDENTIAL_PEPPER", ""),
			KickTemplate:        "[NameGuard] Connection refused.\nReason: {reason}",
			Reasons:             DefaultReasons(),
		},
	}

	cfg.Verification.RegistrationMode = getEnv("REGISTRATION_MODE", cfg.Verification.RegistrationMode)

	cfg.PolicyFile = getEnv("NAMEGUARD_POLICY_FILE", "")
	if cfg.PolicyFile != "" {
		if err := cfg.LoadPolicyFile(cfg.PolicyFile); err != nil {
			fmt.Fprintf(os.Stderr, "policy file ignored: %v\n", err)
		}
	}

	Set(cfg)
	return cfg
}

// DefaultVerification returns the admission policy defaults.
func DefaultVerification() VerificationConfig {
	return VerificationConfig{
		AutoAllowScore:           80,
		AllowMonitorScore:        60,
		GeoToleranceKm:           10,
		RollingFingerprintLimit:  5,
		FingerprintRetention:     90 * 24 * time.Hour,
		FingerprintMinKeep:       1,
		CrossEditionLock:         true,
		SecondaryIDAuthoritative: false,
		RegistrationMode:         RegistrationGated,
		LowTrustPlaytime:         15 * time.Minute,
		MaxCredentialAttempts:    3,
		ChallengeTTL:             10 * time.Minute,
		RateLimitEnabled:         true,
		RateLimitAttempts:        5,
		RateLimitWindow:          300 * time.Second,
		LogFailedAttempts:        true,
		Weights:                  DefaultWeights(),
	}
}

func DefaultWeights() Weights {
	return Weights{
		Categories: CategoryWeights{Identity: 30, Network: 25, Client: 30, Geo: 15},

		SecondaryID:     15,
		Edition:         8,
		ProtocolVersion: 7,

		IPVersion: 2,
		Subnet:    7,
		PseudoASN: 6,
		PTR:       5,
		TCPTTL:    3,
		TCPMSS:    2,

		ClientBrand:    7,
		DeviceOS:       7,
		ModListHash:    5,
		ResourcePack:   3,
		Viewport:       3,
		Locale:         3,
		DisplayOptions: 2,

		Country:   4,
		Continent: 1,
		Region:    3,
		City:      3,
		Timezone:  2,
		Distance:  2,
	}
}

func DefaultReasons() map[string]string {
	return map[string]string{
		"hard_mismatch":         "This name is bound to a different account.",
		"cross_edition_lock":    "This name is bound to another edition.",
		"confusable_name_spoof": "This name imitates a protected name.",
		"invalid_name":          "This name contains no usable characters.",
		"rate_limited":          "Too many attempts. Try again later.",
		"lookup_failed":         "We could not verify your connection. Try again later.",
		"no_credential":         "Your identity needs manual verification. Contact staff.",
		"internal_error":        "An internal error occurred during verification. Please try again later.",
		"unknown":               "Unknown reason.",
	}
}

// policyFile mirrors the sections of the TOML policy file.
type policyFile struct {
	Verification *VerificationConfig `toml:"verification"`
	Security     *SecurityConfig     `toml:"security"`
}

// LoadPolicyFile overlays the verification and security sections of a TOML
// file onto c. Keys absent from the file keep their current values.
func (c *Config) LoadPolicyFile(path string) error {
	pf := policyFile{
		Verification: &c.Verification,
		Security:     &c.Security,
	}
	if _, err := toml.DecodeFile(path, &pf); err != nil {
		return fmt.Errorf("failed to decode policy file %s: %w", path, err)
	}
	if c.Security.Reasons == nil {
		c.Security.Reasons = DefaultReasons()
	}
	return c.Validate()
}

// Clone copies c deeply enough that a policy overlay on the copy leaves c
// untouched.
func (c *Config) Clone() *Config {
	out := *c
	out.Verification.AllowList = append([]string(nil), c.Verification.AllowList...)
	out.Security.Reasons = make(map[string]string, len(c.Security.Reasons))
	for k, v := range c.Security.Reasons {
		out.Security.Reasons[k] = v
	}
	return &out
}

// Validate rejects policies that would make the thresholds meaningless.
func (c *Config) Validate() error {
	v := c.Verification
	if v.AllowMonitorScore > v.AutoAllowScore {
		return fmt.Errorf("allow_monitor (%.1f) must not exceed auto_allow (%.1f)", v.AllowMonitorScore, v.AutoAllowScore)
	}
	if v.GeoToleranceKm < 0 {
		return fmt.Errorf("geo_tolerance_km must not be negative")
	}
	if v.RegistrationMode != RegistrationGated && v.RegistrationMode != RegistrationDeferred {
		return fmt.Errorf("unknown registration_mode %q", v.RegistrationMode)
	}
	if v.MaxCredentialAttempts <= 0 {
		return fmt.Errorf("max_credential_attempts must be positive")
	}
	return nil
}

// KickMessage renders the user-facing message for a deny reason.
func (c *Config) KickMessage(reason string) string {
	text, ok := c.Security.Reasons[reason]
	if !ok {
		text = c.Security.Reasons["unknown"]
	}
	return strings.ReplaceAll(c.Security.KickTemplate, "{reason}", text)
}

// HasInsecureSignalKey reports whether the HMAC key is still the shipped default.
func (c *Config) HasInsecureSignalKey() bool {
	return c.Security.SignalKeyCiphertext == "" && (c.Security.SignalKey == "" || c.Security.SignalKey == insecureSignalKey)
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// Get returns the process config, loading it on first use.
func Get() *Config {
	mu.RLock()
	cfg := current
	mu.RUnlock()
	if cfg == nil {
		return LoadConfig()
	}
	return cfg
}

// Set replaces the process config. Used by LoadConfig and by policy reloads.
func Set(cfg *Config) {
	mu.Lock()
	current = cfg
	mu.Unlock()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
