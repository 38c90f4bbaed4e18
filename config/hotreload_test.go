package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestHotReload_AppliesReloadableFields(t *testing.T) {
	path := writeConfigFile(t, `
provider:
  api_key: sk-test
batch:
  max_requests_per_batch: 100
`)
	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	mgr := NewHotReloadManager(cfg, path, zap.NewNop())

	var gotOld, gotNew *Config
	mgr.OnReload(func(old, updated *Config) {
		gotOld, gotNew = old, updated
	})

	require.NoError(t, os.WriteFile(path, []byte(`
provider:
  api_key: sk-test
batch:
  max_requests_per_batch: 500
delivery:
  disable_retry: true
`), 0o600))
	require.NoError(t, mgr.Reload("test"))

	require.NotNil(t, gotNew)
	assert.Equal(t, 100, gotOld.Batch.MaxRequestsPerBatch)
	assert.Equal(t, 500, gotNew.Batch.MaxRequestsPerBatch)
	assert.True(t, gotNew.Delivery.DisableRetry)
	assert.Equal(t, 500, mgr.Current().Batch.MaxRequestsPerBatch)

	history := mgr.History()
	require.Len(t, history, 1)
	assert.Equal(t, "test", history[0].Source)
	assert.Contains(t, history[0].Changed, "batch.max_requests_per_batch")
	assert.Contains(t, history[0].Changed, "delivery.disable_retry")
}

func TestHotReload_NonReloadableFieldsKeepBootValues(t *testing.T) {
	path := writeConfigFile(t, "provider:\n  api_key: sk-test\n")
	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)
	bootPort := cfg.Server.HTTPPort

	mgr := NewHotReloadManager(cfg, path, zap.NewNop())

	require.NoError(t, os.WriteFile(path, []byte(`
provider:
  api_key: sk-test
server:
  http_port: 1234
log:
  level: debug
`), 0o600))
	require.NoError(t, mgr.Reload("test"))

	assert.Equal(t, bootPort, mgr.Current().Server.HTTPPort)
	assert.Equal(t, "debug", mgr.Current().Log.Level)
}

func TestHotReload_RejectsInvalidCandidate(t *testing.T) {
	path := writeConfigFile(t, "provider:\n  api_key: sk-test\n")
	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	mgr := NewHotReloadManager(cfg, path, zap.NewNop())

	require.NoError(t, os.WriteFile(path, []byte(`
provider:
  api_key: sk-test
batch:
  max_requests_per_batch: -1
`), 0o600))
	err = mgr.Reload("test")
	require.Error(t, err)
	// The live configuration is untouched.
	assert.Equal(t, 50_000, mgr.Current().Batch.MaxRequestsPerBatch)
	assert.Empty(t, mgr.History())
}

func TestHotReload_NoChangeNoCallback(t *testing.T) {
	path := writeConfigFile(t, "provider:\n  api_key: sk-test\n")
	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	mgr := NewHotReloadManager(cfg, path, zap.NewNop())
	called := false
	mgr.OnReload(func(_, _ *Config) { called = true })

	require.NoError(t, mgr.Reload("test"))
	assert.False(t, called)
	assert.Empty(t, mgr.History())
}
