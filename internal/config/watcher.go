package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DebounceDelay is the default delay for debouncing file system events.
// Editors commonly write a file in several operations; one reload per burst
// is enough.
const DebounceDelay = 100 * time.Millisecond

// Subscriber receives the freshly loaded configuration after the watched
// file changes. Implementations must be safe for concurrent use.
type Subscriber interface {
	OnConfigChanged(cfg *Config)
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc func(cfg *Config)

func (f SubscriberFunc) OnConfigChanged(cfg *Config) { f(cfg) }

// Watcher monitors the configuration file and notifies subscribers when it
// changes and still parses. A file that fails to parse is logged and the
// previous configuration stays in effect.
type Watcher struct {
	mu          sync.RWMutex
	watcher     *fsnotify.Watcher
	path        string
	subscribers map[Subscriber]struct{}

	debounceDelay time.Duration
	debounceTimer *time.Timer
	debounceMu    sync.Mutex

	logger *slog.Logger

	started bool
	done    chan struct{}
	stopped chan struct{}
}

// NewWatcher creates a watcher for the given configuration file. Call
// Start to begin watching and Close when done.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:       fsw,
		path:          path,
		subscribers:   make(map[Subscriber]struct{}),
		debounceDelay: DebounceDelay,
		logger:        logger,
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}, nil
}

// Subscribe registers a subscriber for change notifications.
func (w *Watcher) Subscribe(s Subscriber) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subscribers[s] = struct{}{}
}

// Unsubscribe removes a subscriber.
func (w *Watcher) Unsubscribe(s Subscriber) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.subscribers, s)
}

// Start begins watching. The parent directory is watched rather than the
// file itself so rename-based saves keep working.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	w.mu.Lock()
	w.started = true
	w.mu.Unlock()
	go w.loop()
	return nil
}

// Close stops watching. Safe whether or not Start was ever called.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.watcher.Close()

	w.mu.RLock()
	started := w.started
	w.mu.RUnlock()
	if started {
		<-w.stopped
	}

	w.debounceMu.Lock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
		w.debounceTimer = nil
	}
	w.debounceMu.Unlock()
	return err
}

func (w *Watcher) loop() {
	defer close(w.stopped)
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.Warn("config watcher error", "error", err)
			}
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.debounceDelay, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		if w.logger != nil {
			w.logger.Warn("ignoring config reload", "path", w.path, "error", err)
		}
		return
	}
	if w.logger != nil {
		w.logger.Info("config reloaded", "path", w.path)
	}

	w.mu.RLock()
	subs := make([]Subscriber, 0, len(w.subscribers))
	for s := range w.subscribers {
		subs = append(subs, s)
	}
	w.mu.RUnlock()

	for _, s := range subs {
		s.OnConfigChanged(cfg)
	}
}
