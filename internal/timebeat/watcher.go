package timebeat

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/ternarybob/arbor"
)

// DefaultDebounce is how long the file must be quiet before a reload.
const DefaultDebounce = 500 * time.Millisecond

// Watcher reloads a Store when its backing file is edited on disk.
//
// The parent directory is watched rather than the file itself because
// editors and our own atomic writes replace the file by rename.
type Watcher struct {
	store    *Store
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   arbor.ILogger

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex

	// pending is the time of the last relevant event, zero when idle.
	pending   time.Time
	pendingMu sync.Mutex
}

// NewWatcher creates a watcher for store. A zero debounce uses DefaultDebounce.
func NewWatcher(store *Store, debounce time.Duration, logger arbor.ILogger) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	return &Watcher{
		store:    store,
		watcher:  fsWatcher,
		debounce: debounce,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins watching for changes.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	dir := filepath.Dir(w.store.Path())
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	w.running = true

	go w.processEvents()

	w.logger.Info().Str("path", w.store.Path()).Msg("Watching timebeat configuration")
	return nil
}

// Stop stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return w.watcher.Close()
	}

	w.running = false
	close(w.stopCh)
	err := w.watcher.Close()
	<-w.doneCh
	return err
}

// IsRunning returns whether the watcher is active.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) processEvents() {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.debounce / 5)
	defer ticker.Stop()

	target := filepath.Clean(w.store.Path())

	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.pendingMu.Lock()
			w.pending = time.Now()
			w.pendingMu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Config watcher error")

		case <-ticker.C:
			w.reloadIfQuiet()
		}
	}
}

// reloadIfQuiet reloads once no event has arrived for the debounce period.
func (w *Watcher) reloadIfQuiet() {
	w.pendingMu.Lock()
	if w.pending.IsZero() || time.Since(w.pending) < w.debounce {
		w.pendingMu.Unlock()
		return
	}
	w.pending = time.Time{}
	w.pendingMu.Unlock()

	if err := w.store.Load(); err != nil {
		w.logger.Warn().Err(err).Msg("Automatic reload failed, keeping previous configuration")
		return
	}
	w.logger.Info().Str("path", w.store.Path()).Msg("Timebeat configuration reloaded after external edit")
}
