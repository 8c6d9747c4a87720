package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher monitors the config file and reloads the store when it changes.
type Watcher struct {
	store       *Store
	watcher     *fsnotify.Watcher
	callbacks   []func(*Store)
	stopCh      chan struct{}
	mu          sync.RWMutex
	running     bool
	lastModTime time.Time
}

// NewWatcher creates a watcher for the store's config file.
func NewWatcher(store *Store) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	return &Watcher{
		store:   store,
		watcher: watcher,
		stopCh:  make(chan struct{}),
	}, nil
}

// AddCallback registers a function called after each successful reload.
func (w *Watcher) AddCallback(callback func(*Store)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start begins watching for config changes.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher is already running")
	}

	configFile := w.store.ConfigFile()
	if stat, err := os.Stat(configFile); err == nil {
		w.lastModTime = stat.ModTime()
	}

	// Watch the directory rather than the file so atomic rename-over
	// writes keep the watch alive.
	if err := w.watcher.Add(filepath.Dir(configFile)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	w.running = true
	go w.watchLoop()
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}
	w.running = false
	close(w.stopCh)
	return w.watcher.Close()
}

// watchLoop consumes file system events until stopped.
func (w *Watcher) watchLoop() {
	debounceTimer := time.NewTimer(0)
	<-debounceTimer.C

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.isConfigEvent(event) {
				continue
			}

			// Debounce rapid successive writes.
			debounceTimer.Stop()
			debounceTimer = time.AfterFunc(500*time.Millisecond, func() {
				w.handleConfigChange()
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logrus.Errorf("Config watcher error: %v", err)

		case <-w.stopCh:
			return
		}
	}
}

// isConfigEvent filters events down to writes of our config file.
func (w *Watcher) isConfigEvent(event fsnotify.Event) bool {
	if event.Name != w.store.ConfigFile() {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}

// handleConfigChange reloads the store when the file actually changed.
func (w *Watcher) handleConfigChange() {
	stat, err := os.Stat(w.store.ConfigFile())
	if err != nil {
		return
	}

	w.mu.Lock()
	if !stat.ModTime().After(w.lastModTime) {
		w.mu.Unlock()
		return
	}
	w.lastModTime = stat.ModTime()
	w.mu.Unlock()

	if err := w.store.Reload(); err != nil {
		logrus.Errorf("Failed to reload configuration: %v", err)
		return
	}

	w.mu.RLock()
	callbacks := make([]func(*Store), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.RUnlock()

	for _, callback := range callbacks {
		callback(w.store)
	}

	logrus.Info("Configuration reloaded")
}
