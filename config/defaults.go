package config

import "time"

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "sagaweave",
			Version:     "dev",
			Environment: "development",
			Debug:       false,
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
			HTTP: HTTPConfig{
				ReadTimeout:     30 * time.Second,
				WriteTimeout:    30 * time.Second,
				IdleTimeout:     120 * time.Second,
				ShutdownTimeout: 10 * time.Second,
				RequestTimeout:  30 * time.Second,
				MaxHeaderBytes:  1 << 20, // 1MB
			},
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
				MaxAge:         300,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Engine: EngineConfig{
			MaxConcurrency:         10,
			DefaultStepTimeout:     30 * time.Minute,
			MaxRetryAttempts:       3,
			RetryDelay:             time.Minute,
			AutoCompensation:       true,
			EnableAutomaticCleanup: true,
			CleanupInterval:        time.Hour,
			SagaRetentionPeriod:    720 * time.Hour, // 30 days
			DegradedThreshold:      time.Minute,
			UnhealthyThreshold:     5 * time.Minute,
		},
		EventSourcing: EventSourcingConfig{
			Enabled:          true,
			StreamPrefix:     "saga-",
			SnapshotInterval: 50,
		},
		Outbox: OutboxConfig{
			DrainInterval: time.Second,
			BatchSize:     100,
			BackoffBase:   time.Second,
			BackoffMax:    5 * time.Minute,
			ArchiveAfter:  168 * time.Hour, // 7 days
			RateLimit:     200,
			RateBurst:     50,
			LeaseKey:      "sagaweave:outbox:lease",
			LeaseTTL:      15 * time.Second,
		},
		Storage: StorageConfig{
			Type: "badger",
			Badger: BadgerConfig{
				Path:              "./data/badger",
				SyncWrites:        true,
				ValueLogFileSize:  1073741824, // 1GB
				NumVersionsToKeep: 1,
			},
		},
		Redis: RedisConfig{
			Enabled:  false,
			Address:  "localhost:6379",
			Password: "",
			DB:       0,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9091,
		},
		Tracing: TracingConfig{
			Enabled:    false,
			Exporter:   "otlp",
			Endpoint:   "localhost:4317",
			Timeout:    10 * time.Second,
			Sampler:    "ratio",
			SampleRate: 0.1,
		},
	}
}
