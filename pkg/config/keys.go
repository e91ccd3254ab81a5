package config

const EnvPrefix = "NOVAMART"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	TransportPubSub = "pubsub"
	TransportKafka  = "kafka"
)

const (
	EnvAppEnv      = "NOVAMART_APP_ENV"
	EnvPort        = "NOVAMART_APP_PORT"
	EnvLogFormat   = "NOVAMART_LOG_FORMAT"
	EnvCORSOrigins = "NOVAMART_CORS_ORIGINS"
	EnvMetricsAddr = "NOVAMART_METRICS_ADDR"

	EnvDBDSN     = "NOVAMART_DB_DSN"
	EnvDBHost    = "NOVAMART_DB_HOST"
	EnvDBUser    = "NOVAMART_DB_USER"
	EnvDBName    = "NOVAMART_DB_NAME"
	EnvUseSQLite = "NOVAMART_USE_SQLITE"

	EnvRedisURL   = "NOVAMART_REDIS_URL"
	EnvJWTSecret  = "NOVAMART_JWT_SECRET"
	EnvJWTIssuer  = "NOVAMART_JWT_ISSUER"
	EnvJWTExpMins = "NOVAMART_JWT_EXPIRATION_MINUTES"

	EnvGraceWindow     = "NOVAMART_SETTLEMENT_GRACE_WINDOW"
	EnvSweepInterval   = "NOVAMART_SETTLEMENT_SWEEP_INTERVAL"
	EnvOutboxTransport = "NOVAMART_OUTBOX_TRANSPORT"
	EnvKafkaBrokers    = "NOVAMART_KAFKA_BROKERS"
	EnvGCPProjectID    = "NOVAMART_GCP_PROJECT_ID"
	EnvSquareEnv       = "NOVAMART_SQUARE_ENV"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
