package config

// EnvPrefix is empty because every field carries its fully qualified variable name.
const EnvPrefix = ""

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	LedgerBackendPostgres = "postgres"
	LedgerBackendDynamo   = "dynamodb"

	ArtifactBackendGCS = "gcs"
	ArtifactBackendS3  = "s3"

	DownstreamSinkPubSub = "pubsub"
	DownstreamSinkKafka  = "kafka"
)

const (
	EnvAppEnv   = "IMMSBATCH_APP_ENV"
	EnvPort     = "IMMSBATCH_APP_PORT"
	EnvLogLevel = "IMMSBATCH_LOG_LEVEL"

	EnvDBDSN  = "IMMSBATCH_DB_DSN"
	EnvDBHost = "IMMSBATCH_DB_HOST"
	EnvDBUser = "IMMSBATCH_DB_USER"
	EnvDBName = "IMMSBATCH_DB_NAME"

	EnvRedisURL = "IMMSBATCH_REDIS_URL"

	EnvJWTSecret = "IMMSBATCH_JWT_SECRET"

	EnvLedgerBackend   = "IMMSBATCH_LEDGER_BACKEND"
	EnvArtifactBackend = "IMMSBATCH_ARTIFACT_BACKEND"
	EnvDownstreamSink  = "IMMSBATCH_DOWNSTREAM_SINK"
	EnvFailedBlockTTL  = "IMMSBATCH_ADMISSION_FAILED_BLOCK_TTL"

	EnvGCPProjectID = "IMMSBATCH_GCP_PROJECT_ID"
	EnvKafkaBrokers = "IMMSBATCH_KAFKA_BROKERS"

	EnvPubSubOutcomeSub = "IMMSBATCH_PUBSUB_OUTCOME_SUBSCRIPTION"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
