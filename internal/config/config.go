// Package config defines the configuration of the notifier processes.
// Configuration is loaded once at process start (Lambda cold start) and is
// immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// Any missing required value or invalid format fails startup.
package config

import (
	"time"

	"notifier/internal/types"
)

// SecretString is an alias for types.SecretString.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Sub-components receive only
// the sections they need.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"notifier"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server        ServerConfig
	Database      DatabaseConfig
	AWS           AWSConfig
	Redis         RedisConfig
	AMQP          AMQPConfig
	Engine        EngineConfig
	Webhook       WebhookConfig
	Email         EmailConfig
	Observability ObservabilityConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// ServerConfig holds the configuration API listener settings.
type ServerConfig struct {
	Port           string        `envconfig:"PORT" default:"8080"`
	RequestTimeout time.Duration `envconfig:"API_REQUEST_TIMEOUT" default:"10s"`
	AdminAPIKey    SecretString  `envconfig:"ADMIN_API_KEY"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10" validate:"min=1"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"1"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
	MigrationsTable   string        `envconfig:"DB_MIGRATIONS_TABLE" default:"notifier_schema_migrations"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// EventQueue receives acknowledgement and terminal events.
	EventQueue string `envconfig:"SQS_NOTIFIER_EVENTS" validate:"omitempty,url"`
	// JobQueue carries delivery job pointers to the delivery worker.
	JobQueue string `envconfig:"SQS_DELIVERY_JOBS" validate:"omitempty,url"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// RedisConfig configures the cache invalidation broadcast.
type RedisConfig struct {
	URL            SecretString  `envconfig:"REDIS_URL"`
	Channel        string        `envconfig:"REDIS_INVALIDATION_CHANNEL" default:"notifier:rules:invalidate"`
	ConnectTimeout time.Duration `envconfig:"REDIS_CONNECT_TIMEOUT" default:"5s"`
	RetryAttempts  int           `envconfig:"REDIS_RETRY_ATTEMPTS" default:"3" validate:"min=1"`
	RetryInterval  time.Duration `envconfig:"REDIS_RETRY_INTERVAL" default:"500ms"`
}

// AMQPConfig selects RabbitMQ as the outbound event sink when URL is set.
type AMQPConfig struct {
	URL      SecretString `envconfig:"AMQP_URL"`
	Exchange string       `envconfig:"AMQP_EXCHANGE" default:"notifier.events"`
}

// EngineConfig tunes the batch passes.
type EngineConfig struct {
	// Tenants lists the tenants scheduled tasks iterate over when the task
	// payload does not name one.
	Tenants []string `envconfig:"ENGINE_TENANTS" default:"default" validate:"min=1,dive,required"`
	// MaxBulkSize bounds every page fetched by a pass.
	MaxBulkSize int `envconfig:"ENGINE_MAX_BULK_SIZE" default:"1000" validate:"min=1,max=10000"`
	// JobCrashTTL is how long a delivery job may stay queued or running
	// before crash recovery re-schedules its recipients.
	JobCrashTTL time.Duration `envconfig:"ENGINE_JOB_CRASH_TTL" default:"30m"`
	// LockTTL guards the crash recovery task against concurrent runs.
	LockTTL time.Duration `envconfig:"ENGINE_LOCK_TTL" default:"5m"`
	// ScheduleParallelism bounds concurrent per-recipient schedule batches.
	ScheduleParallelism int `envconfig:"ENGINE_SCHEDULE_PARALLELISM" default:"4" validate:"min=1"`
}

// WebhookConfig holds settings for the webhook recipient plugin.
type WebhookConfig struct {
	UserAgent      string        `envconfig:"WEBHOOK_USER_AGENT" default:"Notifier-Webhook/1.0"`
	DefaultTimeout time.Duration `envconfig:"WEBHOOK_TIMEOUT" default:"10s"`
	MaxRetries     int           `envconfig:"WEBHOOK_MAX_RETRIES" default:"2"`
}

// EmailConfig holds the Postmark credentials used by the email recipient
// plugin and the operator channel.
type EmailConfig struct {
	PostmarkServerToken  SecretString `envconfig:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken SecretString `envconfig:"POSTMARK_ACCOUNT_TOKEN"`
	FromAddress          string       `envconfig:"EMAIL_FROM_ADDRESS" default:"notifier@localhost" validate:"required"`
	// OperatorAddresses receive operator notifications by role.
	OperatorAddresses []string `envconfig:"OPERATOR_EMAILS"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"Notifier"`
	EnableMetrics   bool   `envconfig:"ENABLE_METRICS" default:"false"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	// ErrSSMResolution indicates a failure when fetching secrets from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
