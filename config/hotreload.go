// Configuration hot reload manager.
//
// Re-loads the YAML file on change, validates the candidate, applies only
// the reloadable subset, and notifies subscribers with the old and new
// configuration. Non-reloadable fields (ports, database, broker) keep
// their boot-time values until restart.
package config

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ReloadCallback receives the previous and the newly applied configuration.
type ReloadCallback func(old, updated *Config)

// Snapshot records one applied reload for the change history.
type Snapshot struct {
	AppliedAt time.Time `json:"applied_at"`
	Source    string    `json:"source"`
	Changed   []string  `json:"changed"`
}

// HotReloadManager owns the live configuration and its file watcher.
type HotReloadManager struct {
	mu sync.RWMutex

	config     *Config
	configPath string
	envPrefix  string

	watcher   *FileWatcher
	callbacks []ReloadCallback

	history        []Snapshot
	maxHistorySize int

	logger *zap.Logger
}

// NewHotReloadManager wraps an already loaded configuration.
func NewHotReloadManager(cfg *Config, configPath string, logger *zap.Logger) *HotReloadManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HotReloadManager{
		config:         cfg,
		configPath:     configPath,
		envPrefix:      "BATCHMAN",
		maxHistorySize: 10,
		logger:         logger.With(zap.String("component", "config_reload")),
	}
}

// Current returns the live configuration.
func (m *HotReloadManager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// OnReload registers a callback invoked after every applied reload.
func (m *HotReloadManager) OnReload(cb ReloadCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// History returns the applied reload snapshots, newest last.
func (m *HotReloadManager) History() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Snapshot, len(m.history))
	copy(out, m.history)
	return out
}

// Watch starts the file watcher and reloads on change. No-op when the
// configuration was not loaded from a file.
func (m *HotReloadManager) Watch() error {
	if m.configPath == "" {
		return nil
	}
	m.watcher = NewFileWatcher([]string{m.configPath}, m.logger)
	m.watcher.OnChange(func(FileEvent) {
		if err := m.Reload("file_watch"); err != nil {
			m.logger.Error("config reload failed", zap.Error(err))
		}
	})
	return m.watcher.Start()
}

// Stop halts the file watcher.
func (m *HotReloadManager) Stop() {
	if m.watcher != nil {
		m.watcher.Stop()
	}
}

// Reload re-resolves the configuration and applies the reloadable fields.
// The candidate must pass full validation before anything is applied.
func (m *HotReloadManager) Reload(source string) error {
	candidate, err := NewLoader().
		WithConfigPath(m.configPath).
		WithEnvPrefix(m.envPrefix).
		Load()
	if err != nil {
		return fmt.Errorf("failed to load candidate config: %w", err)
	}
	if err := candidate.Validate(); err != nil {
		return fmt.Errorf("candidate config rejected: %w", err)
	}

	m.mu.Lock()
	old := m.config
	updated := old.withReloadable(candidate)
	changed := diffReloadable(old, updated)
	if len(changed) == 0 {
		m.mu.Unlock()
		return nil
	}
	m.config = updated
	m.history = append(m.history, Snapshot{
		AppliedAt: time.Now().UTC(),
		Source:    source,
		Changed:   changed,
	})
	if len(m.history) > m.maxHistorySize {
		m.history = m.history[len(m.history)-m.maxHistorySize:]
	}
	callbacks := make([]ReloadCallback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()

	m.logger.Info("config reloaded",
		zap.String("source", source),
		zap.Strings("changed", changed),
	)
	for _, cb := range callbacks {
		cb(old, updated)
	}
	return nil
}

// withReloadable copies the reloadable subset of candidate over c and
// returns the merged configuration.
func (c *Config) withReloadable(candidate *Config) *Config {
	merged := *c
	merged.Batch.MaxRequestsPerBatch = candidate.Batch.MaxRequestsPerBatch
	merged.Batch.MaxSizeBytes = candidate.Batch.MaxSizeBytes
	merged.Batch.SoftSizeWarnBytes = candidate.Batch.SoftSizeWarnBytes
	merged.Batch.StaleBuildingAge = candidate.Batch.StaleBuildingAge
	merged.Delivery.MaxAttempts = candidate.Delivery.MaxAttempts
	merged.Delivery.DisableRetry = candidate.Delivery.DisableRetry
	merged.Provider.PollInterval = candidate.Provider.PollInterval
	merged.Log.Level = candidate.Log.Level
	return &merged
}

// diffReloadable names the reloadable fields that differ between a and b.
func diffReloadable(a, b *Config) []string {
	var changed []string
	add := func(name string, differs bool) {
		if differs {
			changed = append(changed, name)
		}
	}
	add("batch.max_requests_per_batch", a.Batch.MaxRequestsPerBatch != b.Batch.MaxRequestsPerBatch)
	add("batch.max_size_bytes", a.Batch.MaxSizeBytes != b.Batch.MaxSizeBytes)
	add("batch.soft_size_warn_bytes", a.Batch.SoftSizeWarnBytes != b.Batch.SoftSizeWarnBytes)
	add("batch.stale_building_age", a.Batch.StaleBuildingAge != b.Batch.StaleBuildingAge)
	add("delivery.max_attempts", a.Delivery.MaxAttempts != b.Delivery.MaxAttempts)
	add("delivery.disable_retry", a.Delivery.DisableRetry != b.Delivery.DisableRetry)
	add("provider.poll_interval", a.Provider.PollInterval != b.Provider.PollInterval)
	add("log.level", a.Log.Level != b.Log.Level)
	return changed
}
