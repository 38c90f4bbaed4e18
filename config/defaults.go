package config

import "time"

// DefaultConfig returns the full default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Database:  DefaultDatabaseConfig(),
		Redis:     DefaultRedisConfig(),
		Provider:  DefaultProviderConfig(),
		Batch:     DefaultBatchConfig(),
		Delivery:  DefaultDeliveryConfig(),
		Queue:     DefaultQueueConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig returns the default HTTP surface configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimit:       100,
	}
}

// DefaultDatabaseConfig returns the default store configuration.
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "batchman",
		Password:        "",
		Name:            "batchman",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultRedisConfig returns the default bus configuration. Addr is empty
// so single-node deployments use the in-process bus out of the box.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:      "",
		Password:  "",
		DB:        0,
		PoolSize:  10,
		KeyPrefix: "batchman:",
	}
}

// DefaultProviderConfig returns the default batch API client configuration.
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		APIKey:           "",
		BaseURL:          "https://api.openai.com",
		Timeout:          30 * time.Second,
		UploadTimeout:    5 * time.Minute,
		DownloadTimeout:  5 * time.Minute,
		CompletionWindow: "24h",
		PollInterval:     30 * time.Second,
	}
}

// DefaultBatchConfig returns the default aggregation and lifecycle tuning.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		MaxRequestsPerBatch: 50_000,
		MaxSizeBytes:        200 * 1024 * 1024,
		SoftSizeWarnBytes:   100 * 1024 * 1024,
		StorageBase:         "/var/lib/batchman/batches",
		StaleBuildingAge:    time.Hour,
		ExpirySweepInterval: 5 * time.Minute,
		StuckAge:            5 * time.Minute,
		JobRetries:          5,
	}
}

// DefaultDeliveryConfig returns the default delivery tuning.
func DefaultDeliveryConfig() DeliveryConfig {
	return DeliveryConfig{
		MaxAttempts:    3,
		DisableRetry:   false,
		Concurrency:    50,
		WebhookTimeout: 30 * time.Second,
	}
}

// DefaultQueueConfig returns the default AMQP sink configuration. URL is
// empty so the queue sink is disabled until a broker is configured.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		URL:               "",
		PublisherPoolSize: 4,
		ConfirmTimeout:    5 * time.Second,
		FailureTTL:        5 * time.Minute,
	}
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig returns the default tracing configuration.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "batchman",
		SampleRate:   0.1,
	}
}
