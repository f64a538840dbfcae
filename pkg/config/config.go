package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	FeatureFlags FeatureFlagsConfig
	Eventing     EventingConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	Kafka        KafkaConfig
	Outbox       OutboxConfig
	Saga         SagaConfig
	Snapshots    SnapshotConfig
	Worker       WorkerConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(cfg.FeatureFlags.UseSQLite); err != nil {
		return nil, err
	}
	if err := cfg.Outbox.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"TXCORE_APP_ENV" required:"true"`
	Port         string `envconfig:"TXCORE_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"TXCORE_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"TXCORE_LOG_WARN_STACK" default:"false"`
	// CORSOrigins is a comma separated allow list for browser clients.
	CORSOrigins []string `envconfig:"TXCORE_CORS_ORIGINS"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"TXCORE_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN string `envconfig:"TXCORE_DB_DSN"`

	// SlowQuery is the duration above which a statement is logged at warn.
	// Zero disables slow query logging.
	SlowQuery time.Duration `envconfig:"TXCORE_DB_SLOW_QUERY" default:"500ms"`

	LegacyHost     string `envconfig:"TXCORE_DB_HOST"`
	LegacyPort     int    `envconfig:"TXCORE_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"TXCORE_DB_USER"`
	LegacyPassword string `envconfig:"TXCORE_DB_PASSWORD"`
	LegacyName     string `envconfig:"TXCORE_DB_NAME"`
	LegacySSLMode  string `envconfig:"TXCORE_DB_SSLMODE" default:"disable"`

	SQLitePath string `envconfig:"TXCORE_DB_SQLITE_PATH" default:"txcore.db"`

	MaxOpenConns    int           `envconfig:"TXCORE_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"TXCORE_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"TXCORE_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"TXCORE_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"TXCORE_REDIS_URL"`
	Address      string        `envconfig:"TXCORE_REDIS_ADDR"`
	Password     string        `envconfig:"TXCORE_REDIS_PASSWORD"`
	DB           int           `envconfig:"TXCORE_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"TXCORE_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"TXCORE_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"TXCORE_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"TXCORE_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"TXCORE_REDIS_WRITE_TIMEOUT" default:"5s"`
	KeyNamespace string        `envconfig:"TXCORE_REDIS_KEY_NAMESPACE" default:"txc"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"TXCORE_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"TXCORE_AUTO_MIGRATE" default:"false"`
}

type EventingConfig struct {
	IdempotencyTTL time.Duration `envconfig:"TXCORE_EVENTING_IDEMPOTENCY_TTL" default:"720h"`
}

type GCPConfig struct {
	ProjectID       string `envconfig:"TXCORE_GCP_PROJECT_ID"`
	CredentialsJSON string `envconfig:"TXCORE_GCP_CREDENTIALS_JSON"`
}

// PubSubConfig names the topics events and saga messages are routed to. The
// Kafka transport reuses the same names as Kafka topics.
type PubSubConfig struct {
	UsersTopic   string `envconfig:"TXCORE_PUBSUB_USERS_TOPIC" default:"txcore-user-events"`
	BillingTopic string `envconfig:"TXCORE_PUBSUB_BILLING_TOPIC" default:"txcore-billing-events"`
	DevicesTopic string `envconfig:"TXCORE_PUBSUB_DEVICES_TOPIC" default:"txcore-device-events"`

	BillingCommandsTopic string `envconfig:"TXCORE_PUBSUB_BILLING_COMMANDS_TOPIC" default:"txcore-billing-commands"`
	DeviceCommandsTopic  string `envconfig:"TXCORE_PUBSUB_DEVICE_COMMANDS_TOPIC" default:"txcore-device-commands"`
	UserCommandsTopic    string `envconfig:"TXCORE_PUBSUB_USER_COMMANDS_TOPIC" default:"txcore-user-commands"`
	SagaRepliesTopic     string `envconfig:"TXCORE_PUBSUB_SAGA_REPLIES_TOPIC" default:"txcore-saga-replies"`

	SagaRepliesSubscription     string `envconfig:"TXCORE_PUBSUB_SAGA_REPLIES_SUBSCRIPTION"`
	BillingCommandsSubscription string `envconfig:"TXCORE_PUBSUB_BILLING_COMMANDS_SUBSCRIPTION"`
	DeviceCommandsSubscription  string `envconfig:"TXCORE_PUBSUB_DEVICE_COMMANDS_SUBSCRIPTION"`
	UserCommandsSubscription    string `envconfig:"TXCORE_PUBSUB_USER_COMMANDS_SUBSCRIPTION"`
}

type KafkaConfig struct {
	Brokers  string `envconfig:"TXCORE_KAFKA_BROKERS"`
	ClientID string `envconfig:"TXCORE_KAFKA_CLIENT_ID" default:"txcore"`
	GroupID  string `envconfig:"TXCORE_KAFKA_GROUP_ID" default:"txcore-workers"`
}

type OutboxConfig struct {
	BatchSize      int           `envconfig:"TXCORE_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int           `envconfig:"TXCORE_OUTBOX_PUBLISH_POLL_MS" default:"1000"`
	MaxAttempts    int           `envconfig:"TXCORE_OUTBOX_MAX_ATTEMPTS" default:"10"`
	BackoffBase    time.Duration `envconfig:"TXCORE_OUTBOX_BACKOFF_BASE" default:"1s"`
	BackoffFactor  float64       `envconfig:"TXCORE_OUTBOX_BACKOFF_FACTOR" default:"2"`
	BackoffMax     time.Duration `envconfig:"TXCORE_OUTBOX_BACKOFF_MAX" default:"5m"`
	LeaseTTL       time.Duration `envconfig:"TXCORE_OUTBOX_LEASE_TTL" default:"30s"`
	Transport      string        `envconfig:"TXCORE_OUTBOX_TRANSPORT" default:"pubsub"`
	RetentionDays  int           `envconfig:"TXCORE_OUTBOX_RETENTION_DAYS" default:"30"`
}

func (o OutboxConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(o.Transport)) {
	case TransportPubSub, TransportKafka:
	default:
		return fmt.Errorf("%s must be %q or %q, got %q", EnvOutboxTransport, TransportPubSub, TransportKafka, o.Transport)
	}
	if o.MaxAttempts < 0 {
		return fmt.Errorf("%s must be non-negative", EnvOutboxMaxAttempts)
	}
	return nil
}

// TransportName returns the normalized outbox transport.
func (o OutboxConfig) TransportName() string {
	name := strings.ToLower(strings.TrimSpace(o.Transport))
	if name == "" {
		return TransportPubSub
	}
	return name
}

type SagaConfig struct {
	TimeoutSweepInterval    time.Duration `envconfig:"TXCORE_SAGA_TIMEOUT_SWEEP_INTERVAL" default:"30s"`
	ReconcileInterval       time.Duration `envconfig:"TXCORE_SAGA_RECONCILE_INTERVAL" default:"15s"`
	RedeliveryAfter         time.Duration `envconfig:"TXCORE_SAGA_REDELIVERY_AFTER" default:"60s"`
	StepBackoffBase         time.Duration `envconfig:"TXCORE_SAGA_STEP_BACKOFF_BASE" default:"1s"`
	StepBackoffMax          time.Duration `envconfig:"TXCORE_SAGA_STEP_BACKOFF_MAX" default:"30s"`
	MaxCompensationAttempts int           `envconfig:"TXCORE_SAGA_MAX_COMPENSATION_ATTEMPTS" default:"5"`
	CompensationBackoffBase time.Duration `envconfig:"TXCORE_SAGA_COMPENSATION_BACKOFF_BASE" default:"2s"`
	CompensationBackoffMax  time.Duration `envconfig:"TXCORE_SAGA_COMPENSATION_BACKOFF_MAX" default:"2m"`
	SweepBatch              int           `envconfig:"TXCORE_SAGA_SWEEP_BATCH" default:"100"`
}

type SnapshotConfig struct {
	RefreshInterval time.Duration `envconfig:"TXCORE_SNAPSHOT_REFRESH_INTERVAL" default:"1h"`
	Lookback        time.Duration `envconfig:"TXCORE_SNAPSHOT_LOOKBACK" default:"24h"`
	Batch           int           `envconfig:"TXCORE_SNAPSHOT_BATCH" default:"200"`
	MinEvents       int           `envconfig:"TXCORE_SNAPSHOT_MIN_EVENTS" default:"50"`
}

type WorkerConfig struct {
	// Roles selects which consumers cmd/worker runs: replies, billing, devices, users.
	Roles []string `envconfig:"TXCORE_WORKER_ROLES" default:"replies,billing,devices,users"`
}

// HasRole reports whether the worker should run the named consumer.
func (w WorkerConfig) HasRole(role string) bool {
	for _, candidate := range w.Roles {
		if strings.EqualFold(strings.TrimSpace(candidate), role) {
			return true
		}
	}
	return false
}

func (db *DBConfig) ensureDSN(useSQLite bool) error {
	if db.DSN != "" || useSQLite {
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
