// Package config provides configuration management for Sagaweave.
package config

import (
	"fmt"
	"time"
)

// Config is the global configuration for Sagaweave.
type Config struct {
	// App is the application configuration.
	App AppConfig `mapstructure:"app" validate:"required"`

	// Server is the HTTP API server configuration.
	Server ServerConfig `mapstructure:"server" validate:"required"`

	// Log is the logging configuration.
	Log LogConfig `mapstructure:"log" validate:"required"`

	// Engine is the saga coordination configuration.
	Engine EngineConfig `mapstructure:"engine"`

	// EventSourcing is the event log configuration.
	EventSourcing EventSourcingConfig `mapstructure:"event_sourcing"`

	// Outbox is the transactional outbox drainer configuration.
	Outbox OutboxConfig `mapstructure:"outbox"`

	// Storage is the persistence configuration.
	Storage StorageConfig `mapstructure:"storage"`

	// Redis is the Redis transport and lease configuration.
	Redis RedisConfig `mapstructure:"redis"`

	// Metrics is the observability configuration.
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Tracing is the distributed tracing configuration.
	Tracing TracingConfig `mapstructure:"tracing"`
}

// AppConfig holds application metadata and settings.
type AppConfig struct {
	// Name is the application name.
	Name string `mapstructure:"name" validate:"required"`

	// Version is the application version.
	Version string `mapstructure:"version"`

	// Environment is the runtime environment (development, staging, production).
	Environment string `mapstructure:"environment" validate:"oneof=development staging production"`

	// Debug enables debug mode with verbose logging.
	Debug bool `mapstructure:"debug"`
}

// ServerConfig holds the HTTP server configuration.
type ServerConfig struct {
	// Host is the bind address.
	Host string `mapstructure:"host"`

	// Port is the HTTP API port.
	Port int `mapstructure:"port" validate:"required,min=1,max=65535"`

	// HTTP is the HTTP server configuration.
	HTTP HTTPConfig `mapstructure:"http"`

	// CORS is the CORS configuration.
	CORS CORSConfig `mapstructure:"cors"`
}

// HTTPConfig holds HTTP-specific settings.
type HTTPConfig struct {
	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out writes.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// IdleTimeout is the maximum amount of time to wait for the next request.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// RequestTimeout is the per-request handler deadline.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// MaxHeaderBytes limits the size of request headers.
	MaxHeaderBytes int `mapstructure:"max_header_bytes"`
}

// CORSConfig holds CORS settings.
type CORSConfig struct {
	// Enabled enables CORS support.
	Enabled bool `mapstructure:"enabled"`

	// AllowedOrigins is the list of allowed origins.
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	// AllowedMethods is the list of allowed HTTP methods.
	AllowedMethods []string `mapstructure:"allowed_methods"`

	// AllowedHeaders is the list of allowed headers.
	AllowedHeaders []string `mapstructure:"allowed_headers"`

	// ExposedHeaders is the list of headers exposed to the client.
	ExposedHeaders []string `mapstructure:"exposed_headers"`

	// AllowCredentials indicates whether credentials are allowed.
	AllowCredentials bool `mapstructure:"allow_credentials"`

	// MaxAge is the maximum age of CORS preflight cache in seconds.
	MaxAge int `mapstructure:"max_age"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`

	// Format is the output format (json, text).
	Format string `mapstructure:"format" validate:"oneof=json text"`

	// Output is the output destination (stdout, stderr, or file path).
	Output string `mapstructure:"output"`
}

// EngineConfig holds saga coordination settings.
type EngineConfig struct {
	// MaxConcurrency caps the number of events processed at once.
	MaxConcurrency int `mapstructure:"max_concurrency" validate:"min=1"`

	// DefaultStepTimeout is the step deadline for sagas without one.
	DefaultStepTimeout time.Duration `mapstructure:"default_step_timeout"`

	// MaxRetryAttempts caps compensation retries per step.
	MaxRetryAttempts int `mapstructure:"max_retry_attempts" validate:"min=0"`

	// RetryDelay is the initial delay between compensation retries.
	RetryDelay time.Duration `mapstructure:"retry_delay"`

	// AutoCompensation runs compensators automatically on step failure.
	AutoCompensation bool `mapstructure:"auto_compensation"`

	// EnableAutomaticCleanup enables the terminal saga retention sweeper.
	EnableAutomaticCleanup bool `mapstructure:"enable_automatic_cleanup"`

	// CleanupInterval is how often the sweeper runs.
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`

	// SagaRetentionPeriod is how long terminal sagas are kept.
	SagaRetentionPeriod time.Duration `mapstructure:"saga_retention_period"`

	// DegradedThreshold is how far past its deadline a step may run before
	// it is reported as degraded.
	DegradedThreshold time.Duration `mapstructure:"degraded_threshold"`

	// UnhealthyThreshold is how far past its deadline a step may run before
	// a timeout event is synthesized.
	UnhealthyThreshold time.Duration `mapstructure:"unhealthy_threshold"`
}

// EventSourcingConfig holds event log settings.
type EventSourcingConfig struct {
	// Enabled turns on event sourcing around the state store.
	Enabled bool `mapstructure:"enabled"`

	// StreamPrefix prefixes every saga stream key.
	StreamPrefix string `mapstructure:"stream_prefix"`

	// SnapshotInterval is the number of events between snapshots; 0 disables
	// snapshotting.
	SnapshotInterval uint64 `mapstructure:"snapshot_interval"`
}

// OutboxConfig holds transactional outbox drainer settings.
type OutboxConfig struct {
	// DrainInterval is how often the drainer polls for pending records.
	DrainInterval time.Duration `mapstructure:"drain_interval"`

	// BatchSize caps the records drained per cycle.
	BatchSize int `mapstructure:"batch_size" validate:"min=1"`

	// BackoffBase is the initial publish retry delay.
	BackoffBase time.Duration `mapstructure:"backoff_base"`

	// BackoffMax caps the publish retry delay.
	BackoffMax time.Duration `mapstructure:"backoff_max"`

	// ArchiveAfter is the retention period for published records.
	ArchiveAfter time.Duration `mapstructure:"archive_after"`

	// RateLimit caps publishes per second; 0 disables rate limiting.
	RateLimit float64 `mapstructure:"rate_limit" validate:"min=0"`

	// RateBurst is the rate limiter burst size.
	RateBurst int `mapstructure:"rate_burst" validate:"min=0"`

	// LeaseKey is the Redis key guarding single-drainer operation. Empty
	// disables leasing.
	LeaseKey string `mapstructure:"lease_key"`

	// LeaseTTL is the drainer lease lifetime.
	LeaseTTL time.Duration `mapstructure:"lease_ttl"`
}

// StorageConfig holds persistence settings.
type StorageConfig struct {
	// Type is the storage backend (memory, badger).
	Type string `mapstructure:"type" validate:"oneof=memory badger"`

	// Badger is the BadgerDB configuration.
	Badger BadgerConfig `mapstructure:"badger"`
}

// BadgerConfig holds BadgerDB-specific settings.
type BadgerConfig struct {
	// Path is the database directory path.
	Path string `mapstructure:"path"`

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool `mapstructure:"sync_writes"`

	// ValueLogFileSize is the maximum size of value log files in bytes.
	ValueLogFileSize int64 `mapstructure:"value_log_file_size"`

	// NumVersionsToKeep is the number of versions to keep per key.
	NumVersionsToKeep int `mapstructure:"num_versions_to_keep"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	// Enabled turns on the Redis dispatcher transport and drainer lease.
	Enabled bool `mapstructure:"enabled"`

	// Address is the Redis server address.
	Address string `mapstructure:"address"`

	// Password is the Redis password.
	Password string `mapstructure:"password"`

	// DB is the Redis database number.
	DB int `mapstructure:"db"`
}

// MetricsConfig holds observability settings.
type MetricsConfig struct {
	// Enabled enables metrics collection.
	Enabled bool `mapstructure:"enabled"`

	// Path is the metrics endpoint path.
	Path string `mapstructure:"path"`

	// Port is the metrics server port.
	Port int `mapstructure:"port" validate:"min=1,max=65535"`
}

// TracingConfig holds distributed tracing settings.
type TracingConfig struct {
	// Enabled enables distributed tracing.
	Enabled bool `mapstructure:"enabled"`

	// Exporter is the tracing exporter (otlp).
	Exporter string `mapstructure:"exporter"`

	// Endpoint is the collector endpoint.
	Endpoint string `mapstructure:"endpoint"`

	// Timeout is the exporter request timeout.
	Timeout time.Duration `mapstructure:"timeout"`

	// Headers are extra headers sent to the collector.
	Headers map[string]string `mapstructure:"headers"`

	// Sampler selects the sampling strategy (ratio, always_on, always_off).
	Sampler string `mapstructure:"sampler"`

	// SampleRate is the fraction of traces to sample (0.0-1.0).
	SampleRate float64 `mapstructure:"sample_rate" validate:"min=0,max=1"`
}

// Validate checks the configuration, including the rules that span
// sections.
func (c *Config) Validate() error {
	if err := ValidateWithDetails(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// String returns a string representation of the configuration (without sensitive data).
func (c *Config) String() string {
	return fmt.Sprintf("Config{App: %s, Server: :%d, Env: %s}",
		c.App.Name, c.Server.Port, c.App.Environment)
}
