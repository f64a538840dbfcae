package config

// EnvPrefix namespaces every variable read by Load.
const EnvPrefix = "TXCORE"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	EnvAppEnv   = "TXCORE_APP_ENV"
	EnvPort     = "TXCORE_APP_PORT"
	EnvLogLevel = "TXCORE_LOG_LEVEL"

	EnvDBDSN  = "TXCORE_DB_DSN"
	EnvDBHost = "TXCORE_DB_HOST"
	EnvDBUser = "TXCORE_DB_USER"
	EnvDBName = "TXCORE_DB_NAME"

	EnvRedisURL = "TXCORE_REDIS_URL"

	EnvGCPProjectID = "TXCORE_GCP_PROJECT_ID"

	EnvOutboxTransport   = "TXCORE_OUTBOX_TRANSPORT"
	EnvOutboxMaxAttempts = "TXCORE_OUTBOX_MAX_ATTEMPTS"
	EnvKafkaBrokers      = "TXCORE_KAFKA_BROKERS"
)

// legacyDBEnvVars must all be present when no DSN is configured.
var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}

const (
	TransportPubSub = "pubsub"
	TransportKafka  = "kafka"
)
