package config

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"

	"github.com/vyrodovalexey/openapigw/internal/observability"
)

// ChangeCallback is called with the previous and the freshly loaded
// configuration after a successful reload.
type ChangeCallback func(previous, current *GatewayConfig)

// ErrorCallback is called when an error occurs during config reload.
type ErrorCallback func(error)

// Watcher watches the configuration file and reloads it on change.
// Reloads whose file content did not change are skipped.
type Watcher struct {
	path          string
	watcher       *fsnotify.Watcher
	callback      ChangeCallback
	errorCallback ErrorCallback
	logger        observability.Logger
	debounceDelay time.Duration

	mu         sync.RWMutex
	lastConfig *GatewayConfig
	lastDigest uint64
	running    bool
	stopCh     chan struct{}
	stoppedCh  chan struct{}
	stopOnce   sync.Once
}

// WatcherOption is a functional option for configuring the watcher.
type WatcherOption func(*Watcher)

// WithDebounceDelay sets the debounce delay for file changes.
func WithDebounceDelay(delay time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounceDelay = delay
	}
}

// WithLogger sets the logger for the watcher.
func WithLogger(logger observability.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// WithErrorCallback sets the error callback for the watcher.
func WithErrorCallback(callback ErrorCallback) WatcherOption {
	return func(w *Watcher) {
		w.errorCallback = callback
	}
}

// NewWatcher creates a watcher for path. initial is the configuration the
// gateway was started with; it becomes the "previous" value of the first
// change.
func NewWatcher(path string, initial *GatewayConfig, callback ChangeCallback, opts ...WatcherOption) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		path:          absPath,
		watcher:       fsWatcher,
		callback:      callback,
		debounceDelay: 200 * time.Millisecond,
		logger:        observability.NopLogger(),
		lastConfig:    initial,
		stopCh:        make(chan struct{}),
		stoppedCh:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(w)
	}

	if data, err := os.ReadFile(absPath); err == nil { //nolint:gosec // operator supplied path
		w.lastDigest = xxhash.Sum64(data)
	}

	return w, nil
}

// Start begins watching. The directory is watched rather than the file so
// that editors which replace the file on save are still observed.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	w.logger.Info("started watching configuration file",
		observability.String("path", w.path),
	)

	go w.watch(ctx)

	return nil
}

// Stop stops watching the configuration file.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	running := w.running
	w.running = false
	w.mu.Unlock()

	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)
		if running {
			<-w.stoppedCh
		}
		err = w.watcher.Close()
	})
	return err
}

// GetLastConfig returns the last successfully loaded configuration.
func (w *Watcher) GetLastConfig() *GatewayConfig {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastConfig
}

func (w *Watcher) watch(ctx context.Context) {
	defer close(w.stoppedCh)

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("config watcher stopped due to context cancellation")
			return

		case <-w.stopCh:
			w.logger.Info("config watcher stopped")
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Debug("config file changed",
				observability.String("path", event.Name),
				observability.String("op", event.Op.String()),
			)
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.NewTimer(w.debounceDelay)
			debounceCh = debounceTimer.C

		case <-debounceCh:
			debounceCh = nil
			if err := w.reload(false); err != nil {
				w.reportError(err)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", observability.Error(err))
			w.reportError(err)
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.path {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}

func (w *Watcher) reportError(err error) {
	if w.errorCallback != nil {
		w.errorCallback(err)
	}
}

// reload loads, validates and publishes the configuration. Unless force
// is set, an unchanged file is a no-op.
func (w *Watcher) reload(force bool) error {
	data, err := os.ReadFile(w.path) //nolint:gosec // operator supplied path
	if err != nil {
		w.logger.Error("failed to read configuration", observability.Error(err))
		return err
	}

	digest := xxhash.Sum64(data)
	w.mu.RLock()
	unchanged := digest == w.lastDigest
	w.mu.RUnlock()
	if unchanged && !force {
		w.logger.Debug("configuration content unchanged, skipping reload")
		return nil
	}

	cfg, err := parseConfig(data)
	if err != nil {
		w.logger.Error("failed to load configuration", observability.Error(err))
		return err
	}
	if err := ValidateConfig(cfg); err != nil {
		w.logger.Error("configuration validation failed", observability.Error(err))
		return err
	}

	w.mu.Lock()
	previous := w.lastConfig
	w.lastConfig = cfg
	w.lastDigest = digest
	w.mu.Unlock()

	w.logger.Info("configuration reloaded",
		observability.Strings("changed", ChangedSections(previous, cfg)),
	)

	if w.callback != nil {
		w.callback(previous, cfg)
	}
	return nil
}

// ForceReload reloads the configuration immediately, even when the file
// content is unchanged.
func (w *Watcher) ForceReload() error {
	return w.reload(true)
}

// ChangedSections lists the top-level sections that differ between two
// configurations.
func ChangedSections(previous, current *GatewayConfig) []string {
	if previous == nil || current == nil {
		return nil
	}

	var changed []string
	pv := reflect.ValueOf(*previous)
	cv := reflect.ValueOf(*current)
	t := pv.Type()
	for i := 0; i < t.NumField(); i++ {
		if !reflect.DeepEqual(pv.Field(i).Interface(), cv.Field(i).Interface()) {
			changed = append(changed, t.Field(i).Name)
		}
	}
	return changed
}
