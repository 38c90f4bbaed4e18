// Package batchfile writes and reads the newline-delimited JSON files the
// provider's batch API consumes. Each line carries one request: its custom
// id, the HTTP method, the endpoint URL and the provider-specific body.
package batchfile

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/williamwinkler/openai-batch-manager-sub003/store"
)

// Line is one record of a batch input file.
type Line struct {
	CustomID string          `json:"custom_id"`
	Method   string          `json:"method"`
	URL      string          `json:"url"`
	Body     json.RawMessage `json:"body"`
}

// Manager owns the on-disk batch files under a configurable storage root.
type Manager struct {
	base   string
	logger *zap.Logger
}

// NewManager creates a Manager rooted at base, creating the directory if
// needed.
func NewManager(base string, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if base == "" {
		base = filepath.Join(os.TempDir(), "batchman")
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create batch storage dir: %w", err)
	}
	return &Manager{base: base, logger: logger}, nil
}

// Path returns the canonical file path for a batch.
func (m *Manager) Path(batchID uint) string {
	return filepath.Join(m.base, fmt.Sprintf("batch_%d.jsonl", batchID))
}

// Write assembles the batch input file from the given requests and returns
// its path and size in bytes. The write is preceded by a free-space check
// sized from the summed request payloads.
func (m *Manager) Write(batchID uint, endpoint string, requests []store.Request) (string, int64, error) {
	var need int64
	for i := range requests {
		need += requests[i].RequestPayloadSize
	}
	if err := m.checkFreeSpace(need); err != nil {
		return "", 0, err
	}

	path := m.Path(batchID)
	f, err := os.Create(path)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create batch file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for i := range requests {
		line := Line{
			CustomID: requests[i].CustomID,
			Method:   "POST",
			URL:      endpoint,
			Body:     json.RawMessage(requests[i].RequestPayload),
		}
		raw, err := json.Marshal(line)
		if err != nil {
			return "", 0, fmt.Errorf("failed to encode batch line for %q: %w", requests[i].CustomID, err)
		}
		if _, err := w.Write(raw); err != nil {
			return "", 0, fmt.Errorf("failed to write batch file: %w", err)
		}
		if err := w.WriteByte('\n'); err != nil {
			return "", 0, fmt.Errorf("failed to write batch file: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return "", 0, fmt.Errorf("failed to flush batch file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return "", 0, fmt.Errorf("failed to sync batch file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		return "", 0, fmt.Errorf("failed to stat batch file: %w", err)
	}
	m.logger.Debug("batch file written",
		zap.Uint("batch_id", batchID),
		zap.String("path", path),
		zap.Int64("bytes", info.Size()),
		zap.Int("requests", len(requests)),
	)
	return path, info.Size(), nil
}

// Read parses a batch input file back into its lines. Used for auditing and
// round-trip verification.
func (m *Manager) Read(path string) ([]Line, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open batch file: %w", err)
	}
	defer f.Close()

	var lines []Line
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var line Line
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			return nil, fmt.Errorf("malformed batch file line: %w", err)
		}
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read batch file: %w", err)
	}
	return lines, nil
}

// Remove deletes the batch file if it exists.
func (m *Manager) Remove(batchID uint) error {
	err := os.Remove(m.Path(batchID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove batch file: %w", err)
	}
	return nil
}

// TempPath returns a download destination inside the storage root.
func (m *Manager) TempPath(pattern string) (string, error) {
	f, err := os.CreateTemp(m.base, pattern)
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	path := f.Name()
	f.Close()
	return path, nil
}

// checkFreeSpace verifies the filesystem holding the storage root has room
// for need bytes plus slack.
func (m *Manager) checkFreeSpace(need int64) error {
	var st syscall.Statfs_t
	if err := syscall.Statfs(m.base, &st); err != nil {
		// Statfs is advisory; a failing probe must not block the pipeline.
		m.logger.Warn("free-space check failed", zap.Error(err))
		return nil
	}
	free := int64(st.Bavail) * int64(st.Bsize)
	// Keep 64 MiB of headroom beyond the projected file size.
	if free < need+64*1024*1024 {
		return fmt.Errorf("insufficient disk space: need %d bytes, %d available", need, free)
	}
	return nil
}
