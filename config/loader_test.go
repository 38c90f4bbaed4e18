package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 50_000, cfg.Batch.MaxRequestsPerBatch)
	assert.Equal(t, int64(200*1024*1024), cfg.Batch.MaxSizeBytes)
	assert.Equal(t, 3, cfg.Delivery.MaxAttempts)
	assert.Equal(t, 4, cfg.Queue.PublisherPoolSize)
	assert.Equal(t, 5*time.Minute, cfg.Queue.FailureTTL)
	assert.Empty(t, cfg.Queue.URL, "queue sink disabled by default")
	assert.Empty(t, cfg.Redis.Addr, "in-process bus by default")
}

func TestLoader_FromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  http_port: 9999
batch:
  max_requests_per_batch: 100
  storage_base: /tmp/batches
delivery:
  max_attempts: 5
provider:
  api_key: sk-test
`), 0o600))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.HTTPPort)
	assert.Equal(t, 100, cfg.Batch.MaxRequestsPerBatch)
	assert.Equal(t, "/tmp/batches", cfg.Batch.StorageBase)
	assert.Equal(t, 5, cfg.Delivery.MaxAttempts)
	// Untouched fields keep their defaults.
	assert.Equal(t, "postgres", cfg.Database.Driver)
}

func TestLoader_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  http_port: 9999\n"), 0o600))

	t.Setenv("BATCHMAN_SERVER_HTTP_PORT", "7777")
	t.Setenv("BATCHMAN_DATABASE_DRIVER", "sqlite")
	t.Setenv("BATCHMAN_BATCH_STALE_BUILDING_AGE", "30m")
	t.Setenv("BATCHMAN_DELIVERY_DISABLE_RETRY", "true")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.HTTPPort)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 30*time.Minute, cfg.Batch.StaleBuildingAge)
	assert.True(t, cfg.Delivery.DisableRetry)
}

func TestLoader_LegacyEnvAliases(t *testing.T) {
	t.Setenv("MAX_REQUESTS_PER_BATCH", "250")
	t.Setenv("MAX_BATCH_SIZE_BYTES", "1048576")
	t.Setenv("BATCH_STORAGE_BASE", "/srv/batches")
	t.Setenv("DELIVERY_MAX_ATTEMPTS", "7")
	t.Setenv("DISABLE_DELIVERY_RETRY", "true")
	t.Setenv("QUEUE_FAILURE_TTL", "2m")
	t.Setenv("QUEUE_PUBLISHER_POOL_SIZE", "8")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 250, cfg.Batch.MaxRequestsPerBatch)
	assert.Equal(t, int64(1048576), cfg.Batch.MaxSizeBytes)
	assert.Equal(t, "/srv/batches", cfg.Batch.StorageBase)
	assert.Equal(t, 7, cfg.Delivery.MaxAttempts)
	assert.True(t, cfg.Delivery.DisableRetry)
	assert.Equal(t, 2*time.Minute, cfg.Queue.FailureTTL)
	assert.Equal(t, 8, cfg.Queue.PublisherPoolSize)
}

func TestLoader_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/config.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Provider.APIKey = "sk-test"
	assert.NoError(t, cfg.Validate())

	bad := DefaultConfig()
	bad.Provider.APIKey = "sk-test"
	bad.Batch.MaxRequestsPerBatch = 0
	bad.Delivery.MaxAttempts = 0
	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_requests_per_batch")
	assert.Contains(t, err.Error(), "max_attempts")
}

func TestConfig_ValidateRequiresAPIKey(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key")
}

func TestDatabaseConfig_DSN(t *testing.T) {
	pg := DatabaseConfig{Driver: "postgres", Host: "db", Port: 5432, User: "u", Password: "p", Name: "n", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=n sslmode=disable", pg.DSN())

	my := DatabaseConfig{Driver: "mysql", Host: "db", Port: 3306, User: "u", Password: "p", Name: "n"}
	assert.Equal(t, "u:p@tcp(db:3306)/n?parseTime=true", my.DSN())

	sq := DatabaseConfig{Driver: "sqlite", Name: "file.db"}
	assert.Equal(t, "file.db", sq.DSN())

	unknown := DatabaseConfig{Driver: "oracle"}
	assert.Empty(t, unknown.DSN())
}
