// Package config loads the service configuration from defaults, an optional
// YAML file, and environment variable overrides, in that order.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("BATCHMAN").
//	    Load()
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete service configuration.
type Config struct {
	// Server holds the HTTP surface configuration.
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Database holds the SQL store configuration.
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Redis holds the pub/sub bus configuration. Leave Addr empty to use
	// the in-process bus.
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Provider holds the batch API client configuration.
	Provider ProviderConfig `yaml:"provider" env:"PROVIDER"`

	// Batch holds aggregation and lifecycle tuning.
	Batch BatchConfig `yaml:"batch" env:"BATCH"`

	// Delivery holds result-delivery tuning.
	Delivery DeliveryConfig `yaml:"delivery" env:"DELIVERY"`

	// Queue holds the AMQP sink configuration. Leave URL empty to disable
	// the queue sink.
	Queue QueueConfig `yaml:"queue" env:"QUEUE"`

	// Log holds logging configuration.
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry holds tracing configuration.
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port" env:"HTTP_PORT"`
	MetricsPort     int           `yaml:"metrics_port" env:"METRICS_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// APIKey, when set, is required on every intake call.
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// RateLimit is the per-client intake request budget per second.
	// Zero disables rate limiting.
	RateLimit float64 `yaml:"rate_limit" env:"RATE_LIMIT"`
}

// DatabaseConfig configures the SQL store.
type DatabaseConfig struct {
	// Driver is one of postgres, mysql, sqlite.
	Driver          string        `yaml:"driver" env:"DRIVER"`
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	User            string        `yaml:"user" env:"USER"`
	Password        string        `yaml:"password" env:"PASSWORD"`
	Name            string        `yaml:"name" env:"NAME"`
	SSLMode         string        `yaml:"ssl_mode" env:"SSL_MODE"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// RedisConfig configures the Redis-backed event bus.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
	PoolSize int    `yaml:"pool_size" env:"POOL_SIZE"`
	// KeyPrefix namespaces the bus topics.
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// ProviderConfig configures the batch API client.
type ProviderConfig struct {
	APIKey           string        `yaml:"api_key" env:"API_KEY"`
	BaseURL          string        `yaml:"base_url" env:"BASE_URL"`
	Timeout          time.Duration `yaml:"timeout" env:"TIMEOUT"`
	UploadTimeout    time.Duration `yaml:"upload_timeout" env:"UPLOAD_TIMEOUT"`
	DownloadTimeout  time.Duration `yaml:"download_timeout" env:"DOWNLOAD_TIMEOUT"`
	CompletionWindow string        `yaml:"completion_window" env:"COMPLETION_WINDOW"`
	PollInterval     time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
}

// BatchConfig configures aggregation and batch lifecycle.
type BatchConfig struct {
	// MaxRequestsPerBatch closes a batch once it holds this many requests.
	MaxRequestsPerBatch int `yaml:"max_requests_per_batch" env:"MAX_REQUESTS_PER_BATCH"`
	// MaxSizeBytes closes a batch once its summed payloads reach this.
	MaxSizeBytes int64 `yaml:"max_size_bytes" env:"MAX_SIZE_BYTES"`
	// SoftSizeWarnBytes logs a warning when a draft batch crosses it.
	SoftSizeWarnBytes int64 `yaml:"soft_size_warn_bytes" env:"SOFT_SIZE_WARN_BYTES"`
	// StorageBase is the directory batch files are assembled in.
	StorageBase string `yaml:"storage_base" env:"STORAGE_BASE"`
	// StaleBuildingAge flushes (or deletes, when empty) building batches
	// older than this.
	StaleBuildingAge time.Duration `yaml:"stale_building_age" env:"STALE_BUILDING_AGE"`
	// ExpirySweepInterval is the retention cleanup cadence.
	ExpirySweepInterval time.Duration `yaml:"expiry_sweep_interval" env:"EXPIRY_SWEEP_INTERVAL"`
	// StuckAge re-enqueues work for batches idle in a transient state.
	StuckAge time.Duration `yaml:"stuck_age" env:"STUCK_AGE"`
	// JobRetries is the retry budget for provider I/O jobs.
	JobRetries int `yaml:"job_retries" env:"JOB_RETRIES"`
}

// DeliveryConfig configures result delivery.
type DeliveryConfig struct {
	// MaxAttempts is the per-request delivery attempt budget.
	MaxAttempts int `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	// DisableRetry forces a single delivery attempt regardless of outcome.
	DisableRetry bool `yaml:"disable_retry" env:"DISABLE_RETRY"`
	// Concurrency is the delivery worker count.
	Concurrency int `yaml:"concurrency" env:"CONCURRENCY"`
	// WebhookTimeout bounds one webhook POST.
	WebhookTimeout time.Duration `yaml:"webhook_timeout" env:"WEBHOOK_TIMEOUT"`
}

// QueueConfig configures the AMQP sink.
type QueueConfig struct {
	URL string `yaml:"url" env:"URL"`
	// PublisherPoolSize is the partition count of the publisher pool.
	PublisherPoolSize int `yaml:"publisher_pool_size" env:"PUBLISHER_POOL_SIZE"`
	// ConfirmTimeout bounds the wait for a publisher confirm.
	ConfirmTimeout time.Duration `yaml:"confirm_timeout" env:"CONFIRM_TIMEOUT"`
	// FailureTTL is how long a failed destination is served from cache.
	FailureTTL time.Duration `yaml:"failure_ttl" env:"FAILURE_TTL"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format is json or console.
	Format           string   `yaml:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig configures tracing.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// Loader loads configuration with a builder-style API.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a loader with the default env prefix.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "BATCHMAN",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator appends a validation function run after loading.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load resolves the configuration. Precedence: defaults, then YAML file,
// then prefixed environment variables, then the legacy unprefixed aliases.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}
	if err := applyLegacyEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply legacy env overrides: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}
	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}
		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}
	return nil
}

// legacyEnvAliases maps historically unprefixed variable names onto their
// prefixed equivalents so existing deployments keep working.
var legacyEnvAliases = map[string]func(*Config, string) error{
	"MAX_REQUESTS_PER_BATCH": func(c *Config, v string) error {
		return parseInto(&c.Batch.MaxRequestsPerBatch, v)
	},
	"MAX_BATCH_SIZE_BYTES": func(c *Config, v string) error {
		return parseInto(&c.Batch.MaxSizeBytes, v)
	},
	"BATCH_STORAGE_BASE": func(c *Config, v string) error {
		c.Batch.StorageBase = v
		return nil
	},
	"DELIVERY_MAX_ATTEMPTS": func(c *Config, v string) error {
		return parseInto(&c.Delivery.MaxAttempts, v)
	},
	"DISABLE_DELIVERY_RETRY": func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		c.Delivery.DisableRetry = b
		return nil
	},
	"QUEUE_FAILURE_TTL": func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		c.Queue.FailureTTL = d
		return nil
	},
	"QUEUE_PUBLISHER_POOL_SIZE": func(c *Config, v string) error {
		return parseInto(&c.Queue.PublisherPoolSize, v)
	},
	"OPENAI_API_KEY": func(c *Config, v string) error {
		c.Provider.APIKey = v
		return nil
	},
}

func applyLegacyEnv(cfg *Config) error {
	for name, apply := range legacyEnvAliases {
		value := os.Getenv(name)
		if value == "" {
			continue
		}
		if err := apply(cfg, value); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	return nil
}

func parseInto[T int | int64](dst *T, value string) error {
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return err
	}
	*dst = T(n)
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}
	return nil
}

// MustLoad loads the configuration or panics.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Batch.MaxRequestsPerBatch <= 0 {
		errs = append(errs, "max_requests_per_batch must be positive")
	}
	if c.Batch.MaxSizeBytes <= 0 {
		errs = append(errs, "max_size_bytes must be positive")
	}
	if c.Batch.SoftSizeWarnBytes > c.Batch.MaxSizeBytes {
		errs = append(errs, "soft_size_warn_bytes must not exceed max_size_bytes")
	}
	if c.Delivery.MaxAttempts <= 0 {
		errs = append(errs, "delivery max_attempts must be positive")
	}
	if c.Provider.APIKey == "" {
		errs = append(errs, "provider api_key is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// DSN returns the database connection string for the configured driver.
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
