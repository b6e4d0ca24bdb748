package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App        AppConfig
	Service    ServiceConfig
	DB         DBConfig
	Redis      RedisConfig
	JWT        JWTConfig
	Ledger     LedgerConfig
	Admission  AdmissionConfig
	Ack        AckConfig
	Worker     WorkerConfig
	Eventing   EventingConfig
	Suppliers  SupplierConfig
	GCP        GCPConfig
	GCS        GCSConfig
	AWS        AWSConfig
	Artifacts  ArtifactConfig
	PubSub     PubSubConfig
	Downstream DownstreamConfig
	Kafka      KafkaConfig
	BigQuery   BigQueryConfig
	Features   FeatureFlagsConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Ledger.validate(); err != nil {
		return nil, err
	}
	if err := cfg.Artifacts.validate(); err != nil {
		return nil, err
	}
	if err := cfg.Downstream.validate(); err != nil {
		return nil, err
	}
	if cfg.Ledger.Backend == LedgerBackendPostgres {
		if err := cfg.DB.ensureDSN(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"IMMSBATCH_APP_ENV" required:"true"`
	Port         string `envconfig:"IMMSBATCH_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"IMMSBATCH_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"IMMSBATCH_LOG_WARN_STACK" default:"false"`
	LogFormat    string `envconfig:"IMMSBATCH_LOG_FORMAT" default:"json"`
	Version      string `envconfig:"IMMSBATCH_APP_VERSION"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

// ConsoleLogs reports whether logs should be written for humans instead of JSON.
func (a AppConfig) ConsoleLogs() bool {
	return strings.EqualFold(strings.TrimSpace(a.LogFormat), "console")
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"IMMSBATCH_SERVICE_KIND" default:"worker"`
}

type DBConfig struct {
	DSN    string `envconfig:"IMMSBATCH_DB_DSN"`
	Driver string `envconfig:"IMMSBATCH_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"IMMSBATCH_DB_HOST"`
	LegacyPort     int    `envconfig:"IMMSBATCH_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"IMMSBATCH_DB_USER"`
	LegacyPassword string `envconfig:"IMMSBATCH_DB_PASSWORD"`
	LegacyName     string `envconfig:"IMMSBATCH_DB_NAME"`
	LegacySSLMode  string `envconfig:"IMMSBATCH_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"IMMSBATCH_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"IMMSBATCH_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"IMMSBATCH_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"IMMSBATCH_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"IMMSBATCH_REDIS_URL"`
	Address      string        `envconfig:"IMMSBATCH_REDIS_ADDR"`
	Password     string        `envconfig:"IMMSBATCH_REDIS_PASSWORD"`
	DB           int           `envconfig:"IMMSBATCH_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"IMMSBATCH_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"IMMSBATCH_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"IMMSBATCH_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"IMMSBATCH_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"IMMSBATCH_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// JWTConfig guards the operator endpoints of the ops API.
type JWTConfig struct {
	Secret            string `envconfig:"IMMSBATCH_JWT_SECRET"`
	Issuer            string `envconfig:"IMMSBATCH_JWT_ISSUER" default:"immsbatch"`
	ExpirationMinutes int    `envconfig:"IMMSBATCH_JWT_EXPIRATION_MINUTES" default:"60"`
}

type LedgerConfig struct {
	Backend       string        `envconfig:"IMMSBATCH_LEDGER_BACKEND" default:"postgres"`
	DynamoTable   string        `envconfig:"IMMSBATCH_LEDGER_DYNAMO_TABLE" default:"immunisation-batch-audit"`
	FilenameIndex string        `envconfig:"IMMSBATCH_LEDGER_FILENAME_INDEX" default:"filename_index"`
	QueueIndex    string        `envconfig:"IMMSBATCH_LEDGER_QUEUE_INDEX" default:"queue_name_index"`
	Retention     time.Duration `envconfig:"IMMSBATCH_LEDGER_RETENTION" default:"720h"`
}

func (l LedgerConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(l.Backend)) {
	case LedgerBackendPostgres, LedgerBackendDynamo:
		return nil
	default:
		return fmt.Errorf("unsupported ledger backend %q", l.Backend)
	}
}

type AdmissionConfig struct {
	// FailedBlockTTL bounds how long a Failed record keeps its queue busy. Zero blocks until released.
	FailedBlockTTL time.Duration `envconfig:"IMMSBATCH_ADMISSION_FAILED_BLOCK_TTL" default:"0"`
	SourcePrefix   string        `envconfig:"IMMSBATCH_ADMISSION_SOURCE_PREFIX" default:""`
}

type AckConfig struct {
	TempPrefix    string `envconfig:"IMMSBATCH_ACK_TEMP_PREFIX" default:"TempAck/"`
	FinalPrefix   string `envconfig:"IMMSBATCH_ACK_FINAL_PREFIX" default:"forwardedFile/"`
	FailurePrefix string `envconfig:"IMMSBATCH_ACK_FAILURE_PREFIX" default:"ack/"`
	ArchivePrefix string `envconfig:"IMMSBATCH_ACK_ARCHIVE_PREFIX" default:"archive/"`
}

type WorkerConfig struct {
	InvocationTimeout time.Duration `envconfig:"IMMSBATCH_WORKER_INVOCATION_TIMEOUT" default:"10m"`
	OutcomeBatchSize  int           `envconfig:"IMMSBATCH_WORKER_OUTCOME_BATCH_SIZE" default:"100"`
}

type EventingConfig struct {
	IdempotencyTTL time.Duration `envconfig:"IMMSBATCH_EVENTING_IDEMPOTENCY_TTL" default:"168h"`
}

type SupplierConfig struct {
	RegistryPath        string        `envconfig:"IMMSBATCH_SUPPLIER_REGISTRY_PATH" default:"config/suppliers.yaml"`
	PermissionsCacheTTL time.Duration `envconfig:"IMMSBATCH_PERMISSIONS_CACHE_TTL" default:"5m"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"IMMSBATCH_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"IMMSBATCH_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"IMMSBATCH_GOOGLE_APPLICATION_CREDENTIALS"`
}

type GCSConfig struct {
	SourceBucket string `envconfig:"IMMSBATCH_GCS_SOURCE_BUCKET"`
	AckBucket    string `envconfig:"IMMSBATCH_GCS_ACK_BUCKET"`
}

type AWSConfig struct {
	Region   string `envconfig:"IMMSBATCH_AWS_REGION" default:"eu-west-2"`
	Profile  string `envconfig:"IMMSBATCH_AWS_PROFILE"`
	Endpoint string `envconfig:"IMMSBATCH_AWS_ENDPOINT"`
}

type ArtifactConfig struct {
	Backend      string `envconfig:"IMMSBATCH_ARTIFACT_BACKEND" default:"gcs"`
	SourceBucket string `envconfig:"IMMSBATCH_ARTIFACT_SOURCE_BUCKET"`
	AckBucket    string `envconfig:"IMMSBATCH_ARTIFACT_ACK_BUCKET"`
}

func (a ArtifactConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(a.Backend)) {
	case ArtifactBackendGCS, ArtifactBackendS3:
		return nil
	default:
		return fmt.Errorf("unsupported artifact backend %q", a.Backend)
	}
}

type PubSubConfig struct {
	FileEventsSubscription string `envconfig:"IMMSBATCH_PUBSUB_FILE_EVENTS_SUBSCRIPTION"`
	AdmissionTopic         string `envconfig:"IMMSBATCH_PUBSUB_ADMISSION_TOPIC" default:"batch-admission"`
	AdmissionSubscription  string `envconfig:"IMMSBATCH_PUBSUB_ADMISSION_SUBSCRIPTION"`
	OutcomeTopic           string `envconfig:"IMMSBATCH_PUBSUB_OUTCOME_TOPIC" default:"batch-row-outcomes"`
	OutcomeSubscription    string `envconfig:"IMMSBATCH_PUBSUB_OUTCOME_SUBSCRIPTION"`
	DownstreamTopic        string `envconfig:"IMMSBATCH_PUBSUB_DOWNSTREAM_TOPIC" default:"batch-canonical-events"`
}

type DownstreamConfig struct {
	Sink string `envconfig:"IMMSBATCH_DOWNSTREAM_SINK" default:"pubsub"`

	// ReportsOutcomes is set when the downstream processor publishes success outcomes itself.
	// Otherwise the forwarder reports a row as successful once the sink accepted it.
	ReportsOutcomes bool `envconfig:"IMMSBATCH_DOWNSTREAM_REPORTS_OUTCOMES" default:"false"`
}

func (d DownstreamConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(d.Sink)) {
	case DownstreamSinkPubSub, DownstreamSinkKafka:
		return nil
	default:
		return fmt.Errorf("unsupported downstream sink %q", d.Sink)
	}
}

type KafkaConfig struct {
	Brokers      []string      `envconfig:"IMMSBATCH_KAFKA_BROKERS" default:"localhost:9092"`
	Topic        string        `envconfig:"IMMSBATCH_KAFKA_TOPIC" default:"immunisation-canonical-events"`
	BatchTimeout time.Duration `envconfig:"IMMSBATCH_KAFKA_BATCH_TIMEOUT" default:"10ms"`
}

type BigQueryConfig struct {
	Dataset          string `envconfig:"IMMSBATCH_BIGQUERY_DATASET"`
	CompletionsTable string `envconfig:"IMMSBATCH_BIGQUERY_COMPLETIONS_TABLE" default:"file_completions"`
}

// Enabled reports whether completion facts should be shipped to BigQuery.
func (b BigQueryConfig) Enabled() bool {
	return strings.TrimSpace(b.Dataset) != ""
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"IMMSBATCH_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"IMMSBATCH_AUTO_MIGRATE" default:"false"`
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
