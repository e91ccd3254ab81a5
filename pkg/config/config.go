package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"google.golang.org/api/option"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	FeatureFlags FeatureFlagsConfig
	Settlement   SettlementConfig
	Eventing     EventingConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	Kafka        KafkaConfig
	BigQuery     BigQueryConfig
	Outbox       OutboxConfig
	Square       SquareConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.FeatureFlags.UseSQLite {
		cfg.DB.useSQLite()
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Eventing.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"NOVAMART_APP_ENV" required:"true"`
	Port         string `envconfig:"NOVAMART_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"NOVAMART_LOG_LEVEL" default:"info"`
	LogFormat    string `envconfig:"NOVAMART_LOG_FORMAT" default:"json"`
	LogWarnStack bool   `envconfig:"NOVAMART_LOG_WARN_STACK" default:"false"`

	CORSOrigins []string `envconfig:"NOVAMART_CORS_ORIGINS" default:"https://app.novamart.example,https://admin.novamart.example"`
	// MetricsAddr is the /metrics listener of the worker binaries; empty disables it.
	MetricsAddr string `envconfig:"NOVAMART_METRICS_ADDR" default:":9090"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"NOVAMART_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"NOVAMART_DB_DSN"`
	Driver string `envconfig:"NOVAMART_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"NOVAMART_DB_HOST"`
	LegacyPort     int    `envconfig:"NOVAMART_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"NOVAMART_DB_USER"`
	LegacyPassword string `envconfig:"NOVAMART_DB_PASSWORD"`
	LegacyName     string `envconfig:"NOVAMART_DB_NAME"`
	LegacySSLMode  string `envconfig:"NOVAMART_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"NOVAMART_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"NOVAMART_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"NOVAMART_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"NOVAMART_DB_CONN_MAX_IDLE_TIME" default:"10m"`
	LockTimeout     time.Duration `envconfig:"NOVAMART_DB_LOCK_TIMEOUT" default:"5s"`
	SlowQuery       time.Duration `envconfig:"NOVAMART_DB_SLOW_QUERY" default:"500ms"`
}

type RedisConfig struct {
	URL          string        `envconfig:"NOVAMART_REDIS_URL" required:"true"`
	Address      string        `envconfig:"NOVAMART_REDIS_ADDR"`
	Password     string        `envconfig:"NOVAMART_REDIS_PASSWORD"`
	DB           int           `envconfig:"NOVAMART_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"NOVAMART_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"NOVAMART_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"NOVAMART_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"NOVAMART_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"NOVAMART_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type JWTConfig struct {
	Secret            string `envconfig:"NOVAMART_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"NOVAMART_JWT_ISSUER" required:"true"`
	ExpirationMinutes int    `envconfig:"NOVAMART_JWT_EXPIRATION_MINUTES" default:"60"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"NOVAMART_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"NOVAMART_AUTO_MIGRATE" default:"false"`
}

// SettlementConfig drives delivery grace windows and the auto-release sweep.
type SettlementConfig struct {
	GraceWindow    time.Duration `envconfig:"NOVAMART_SETTLEMENT_GRACE_WINDOW" default:"48h"`
	SweepInterval  time.Duration `envconfig:"NOVAMART_SETTLEMENT_SWEEP_INTERVAL" default:"1m"`
	ClaimTTL       time.Duration `envconfig:"NOVAMART_SETTLEMENT_CLAIM_TTL" default:"5m"`
	BatchSize      int           `envconfig:"NOVAMART_SETTLEMENT_BATCH_SIZE" default:"100"`
	MaxConcurrency int           `envconfig:"NOVAMART_SETTLEMENT_MAX_CONCURRENCY" default:"4"`
	MaxAttempts    int           `envconfig:"NOVAMART_SETTLEMENT_MAX_ATTEMPTS" default:"10"`
}

type EventingConfig struct {
	Transport            string        `envconfig:"NOVAMART_OUTBOX_TRANSPORT" default:"pubsub"`
	OutboxIdempotencyTTL time.Duration `envconfig:"NOVAMART_EVENTING_IDEMPOTENCY_TTL" default:"720h"`
}

func (e EventingConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(e.Transport)) {
	case TransportPubSub, TransportKafka:
		return nil
	default:
		return fmt.Errorf("%s must be %q or %q", EnvOutboxTransport, TransportPubSub, TransportKafka)
	}
}

// UsesKafka reports whether the outbox publisher should write to Kafka instead of Pub/Sub.
func (e EventingConfig) UsesKafka() bool {
	return strings.EqualFold(strings.TrimSpace(e.Transport), TransportKafka)
}

type GCPConfig struct {
	ProjectID              string `envconfig:"NOVAMART_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"NOVAMART_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"NOVAMART_GOOGLE_APPLICATION_CREDENTIALS"`
}

// ClientOptions picks explicit credentials for GCP clients. Inline JSON wins
// over a file path; with neither, clients fall back to ADC.
func (g GCPConfig) ClientOptions() []option.ClientOption {
	switch {
	case strings.TrimSpace(g.CredentialsJSON) != "":
		return []option.ClientOption{option.WithCredentialsJSON([]byte(g.CredentialsJSON))}
	case strings.TrimSpace(g.ApplicationCredentials) != "":
		return []option.ClientOption{option.WithCredentialsFile(g.ApplicationCredentials)}
	}
	return nil
}

type PubSubConfig struct {
	DomainTopic    string        `envconfig:"NOVAMART_PUBSUB_DOMAIN_TOPIC" default:"novamart-domain-events"`
	DisputeTopic   string        `envconfig:"NOVAMART_PUBSUB_DISPUTE_TOPIC"`
	PublishTimeout time.Duration `envconfig:"NOVAMART_PUBSUB_PUBLISH_TIMEOUT" default:"30s"`
}

type KafkaConfig struct {
	Brokers      []string      `envconfig:"NOVAMART_KAFKA_BROKERS"`
	DomainTopic  string        `envconfig:"NOVAMART_KAFKA_DOMAIN_TOPIC" default:"novamart.domain-events"`
	DisputeTopic string        `envconfig:"NOVAMART_KAFKA_DISPUTE_TOPIC"`
	WriteTimeout time.Duration `envconfig:"NOVAMART_KAFKA_WRITE_TIMEOUT" default:"10s"`
}

type BigQueryConfig struct {
	Dataset            string `envconfig:"NOVAMART_BIGQUERY_DATASET" default:"novamart"`
	LedgerEntriesTable string `envconfig:"NOVAMART_BIGQUERY_LEDGER_TABLE" default:"ledger_entries"`
	ExportBatchSize    int    `envconfig:"NOVAMART_BIGQUERY_EXPORT_BATCH_SIZE" default:"500"`
	CreateTable        bool   `envconfig:"NOVAMART_BIGQUERY_CREATE_TABLE" default:"false"`
}

type OutboxConfig struct {
	BatchSize      int           `envconfig:"NOVAMART_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int           `envconfig:"NOVAMART_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int           `envconfig:"NOVAMART_OUTBOX_MAX_ATTEMPTS" default:"10"`
	Retention      time.Duration `envconfig:"NOVAMART_OUTBOX_RETENTION" default:"720h"`
}

type SquareConfig struct {
	AccessToken   string `envconfig:"NOVAMART_SQUARE_ACCESS_TOKEN"`
	Env           string `envconfig:"NOVAMART_SQUARE_ENV" default:"sandbox"`
	LocationID    string `envconfig:"NOVAMART_SQUARE_LOCATION_ID"`
	WebhookSecret string `envconfig:"NOVAMART_SQUARE_WEBHOOK_SECRET"`
}

// Environment returns the normalized Square environment (sandbox/production).
func (s SquareConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "sandbox"
	}
	return env
}

// Enabled reports whether enough credentials exist to construct a Square client.
func (s SquareConfig) Enabled() bool {
	return strings.TrimSpace(s.AccessToken) != "" && strings.TrimSpace(s.WebhookSecret) != ""
}

// useSQLite points a local run at a file database instead of Postgres.
func (db *DBConfig) useSQLite() {
	db.Driver = "sqlite"
	if db.DSN == "" {
		db.DSN = "file:novamart.db?_foreign_keys=on"
	}
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
