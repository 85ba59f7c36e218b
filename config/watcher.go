package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sagaweave/sagaweave/pkg/logger"
)

// Watcher reloads the configuration file when it changes on disk and
// notifies subscribers. Editors and configmap updates produce bursts of
// filesystem events, so reloads are debounced.
type Watcher struct {
	mu         sync.Mutex
	fsw        *fsnotify.Watcher
	loader     *Loader
	configPath string
	callbacks  []func(*Config)
	debounce   time.Duration
	log        logger.Logger
	stopCh     chan struct{}
	running    bool
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce overrides the quiet period required before a reload.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// WithWatcherLogger overrides the watcher's logger.
func WithWatcherLogger(log logger.Logger) WatcherOption {
	return func(w *Watcher) {
		w.log = log
	}
}

// NewWatcher builds a watcher for the given config file.
func NewWatcher(configPath string, loader *Loader, opts ...WatcherOption) (*Watcher, error) {
	if configPath == "" {
		return nil, fmt.Errorf("config path is required for watching")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		fsw:        fsw,
		loader:     loader,
		configPath: configPath,
		debounce:   500 * time.Millisecond,
		log:        logger.Global(),
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// OnChange subscribes to reloads. Register callbacks before Watch starts.
func (w *Watcher) OnChange(callback func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Watch blocks, reloading the config after every debounced change, until
// the context is cancelled or Stop is called.
func (w *Watcher) Watch(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher is already running")
	}
	w.running = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	if err := w.fsw.Add(w.configPath); err != nil {
		return fmt.Errorf("watch config file %s: %w", w.configPath, err)
	}

	// The timer starts on the first relevant event and is pushed back by
	// every further one, so a burst of writes yields a single reload.
	reload := time.NewTimer(0)
	if !reload.Stop() {
		<-reload.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-w.stopCh:
			return nil

		case <-reload.C:
			w.reload()

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) {
				reload.Reset(w.debounce)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("config watcher error", "path", w.configPath, "error", err)
		}
	}
}

// reload loads and validates the file, then notifies subscribers. An
// invalid file keeps the running configuration untouched.
func (w *Watcher) reload() {
	cfg, err := w.loader.Load(w.configPath, nil)
	if err != nil {
		w.log.Error("config reload failed, keeping current config",
			"path", w.configPath, "error", err)
		return
	}

	w.mu.Lock()
	callbacks := make([]func(*Config), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	w.log.Info("config reloaded", "path", w.configPath)
	for _, cb := range callbacks {
		w.notify(cb, cfg)
	}
}

// notify shields the watch loop from panicking subscribers.
func (w *Watcher) notify(cb func(*Config), cfg *Config) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("config change callback panicked", "panic", r)
		}
	}()
	cb(cfg)
}

// Stop ends the watch loop and releases the filesystem watch.
func (w *Watcher) Stop() error {
	close(w.stopCh)
	return w.fsw.Close()
}

// IsRunning reports whether Watch is active.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// ConfigPath returns the watched file path.
func (w *Watcher) ConfigPath() string {
	return w.configPath
}

// HotReloadable is the slice of the configuration that takes effect
// without a restart. Everything else needs a process restart.
type HotReloadable struct {
	LogLevel  string
	LogFormat string
}

// ExtractHotReloadable pulls the hot-reloadable values out of cfg.
func ExtractHotReloadable(cfg *Config) HotReloadable {
	return HotReloadable{
		LogLevel:  cfg.Log.Level,
		LogFormat: cfg.Log.Format,
	}
}

// Changed reports whether any hot-reloadable value differs.
func (h HotReloadable) Changed(other HotReloadable) bool {
	return h != other
}
