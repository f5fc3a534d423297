package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DebounceDelay is the default delay for debouncing file system events.
const DebounceDelay = 100 * time.Millisecond

// ChangeEvent notifies subscribers that the configuration file changed.
type ChangeEvent struct {
	// Path is the configuration file that changed.
	Path string
	// Timestamp is when the change was detected.
	Timestamp time.Time
}

// Subscriber receives notifications when the configuration changes.
// Implementations must be safe for concurrent use.
type Subscriber interface {
	OnConfigChanged(event ChangeEvent)
}

// Watcher monitors the configuration file for changes and notifies
// subscribers after a debounce window, so tunables (pacing, queue policy,
// idle threshold) can be reloaded without a restart.
//
// Thread-safety: all public methods are safe for concurrent use.
type Watcher struct {
	mu sync.RWMutex

	watcher     *fsnotify.Watcher
	path        string
	subscribers map[Subscriber]struct{}

	debounceDelay time.Duration
	debounceTimer *time.Timer
	debounceMu    sync.Mutex

	logger *slog.Logger

	done    chan struct{}
	stopped chan struct{}
}

// NewWatcher creates a watcher for the given configuration file.
// The parent directory is watched so editor rename-on-save is detected.
// Call Start() to begin watching and Close() when done.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		watcher:       fw,
		path:          path,
		subscribers:   make(map[Subscriber]struct{}),
		debounceDelay: DebounceDelay,
		logger:        logger,
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}

	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}

	return w, nil
}

// SetDebounceDelay sets the debounce delay for batching rapid changes.
// Must be called before Start().
func (w *Watcher) SetDebounceDelay(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounceDelay = d
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

// Start begins the event processing loop.
func (w *Watcher) Start() {
	go w.eventLoop()
}

// Close stops the watcher and releases resources.
// After Close returns, no more events will be delivered to subscribers.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.watcher.Close()
	<-w.stopped
	return err
}

func (w *Watcher) eventLoop() {
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
			w.scheduleNotify()
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

// scheduleNotify arms (or re-arms) the debounce timer.
func (w *Watcher) scheduleNotify() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	w.mu.RLock()
	delay := w.debounceDelay
	w.mu.RUnlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(delay, w.notify)
}

func (w *Watcher) notify() {
	event := ChangeEvent{
		Path:      w.path,
		Timestamp: time.Now(),
	}

	w.mu.RLock()
	subs := make([]Subscriber, 0, len(w.subscribers))
	for s := range w.subscribers {
		subs = append(subs, s)
	}
	w.mu.RUnlock()

	if w.logger != nil {
		w.logger.Debug("config change detected",
			"path", w.path, "subscribers", len(subs))
	}

	for _, s := range subs {
		s.OnConfigChanged(event)
	}
}
