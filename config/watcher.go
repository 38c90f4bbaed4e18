// Configuration file change watcher.
//
// Uses modification-time polling; a debounce delay collapses editor
// write bursts into one event.
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FileEvent describes one observed change to a watched file.
type FileEvent struct {
	Path    string
	ModTime time.Time
}

// FileWatcher watches configuration files for changes.
type FileWatcher struct {
	mu sync.RWMutex

	paths         []string
	pollInterval  time.Duration
	debounceDelay time.Duration

	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup

	callbacks []func(event FileEvent)

	logger *zap.Logger

	lastModTimes map[string]time.Time
}

// NewFileWatcher creates a watcher over the given paths.
func NewFileWatcher(paths []string, logger *zap.Logger) *FileWatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileWatcher{
		paths:         paths,
		pollInterval:  2 * time.Second,
		debounceDelay: 500 * time.Millisecond,
		logger:        logger.With(zap.String("component", "config_watcher")),
		lastModTimes:  make(map[string]time.Time),
	}
}

// OnChange registers a callback invoked for every (debounced) change.
func (w *FileWatcher) OnChange(cb func(event FileEvent)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Start begins watching. Returns an error if already running.
func (w *FileWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("watcher already running")
	}
	for _, p := range w.paths {
		if info, err := os.Stat(p); err == nil {
			w.lastModTimes[p] = info.ModTime()
		}
	}
	w.stopChan = make(chan struct{})
	w.running = true
	w.wg.Add(1)
	go w.poll()
	w.logger.Info("config watcher started", zap.Strings("paths", w.paths))
	return nil
}

// Stop terminates the watcher and waits for the poll loop.
func (w *FileWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopChan)
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *FileWatcher) poll() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	var pending *FileEvent
	var debounce <-chan time.Time

	for {
		select {
		case <-w.stopChan:
			return
		case <-ticker.C:
			if ev := w.detectChange(); ev != nil {
				pending = ev
				debounce = time.After(w.debounceDelay)
			}
		case <-debounce:
			if pending != nil {
				w.dispatch(*pending)
				pending = nil
			}
			debounce = nil
		}
	}
}

func (w *FileWatcher) detectChange() *FileEvent {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, p := range w.paths {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		last, seen := w.lastModTimes[p]
		if !seen || info.ModTime().After(last) {
			w.lastModTimes[p] = info.ModTime()
			if seen {
				return &FileEvent{Path: p, ModTime: info.ModTime()}
			}
		}
	}
	return nil
}

func (w *FileWatcher) dispatch(ev FileEvent) {
	w.mu.RLock()
	callbacks := make([]func(FileEvent), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.RUnlock()

	w.logger.Info("config file changed", zap.String("path", ev.Path))
	for _, cb := range callbacks {
		cb(ev)
	}
}
