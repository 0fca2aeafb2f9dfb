package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 1500 * time.Millisecond

// Watcher reloads one config file after it changes and hands the result to every
// registered handler. The parent directory is watched, so saves that rename a temporary
// file over the original are seen. Changes that leave the bytes identical are skipped.
type Watcher[T any] struct {
	path     string
	debounce time.Duration
	loader   func(path string) (T, error)
	onError  func(error)
	logger   *slog.Logger

	mu       sync.Mutex
	handlers map[int]func(T)
	nextID   int
	digest   uint64
	loaded   bool

	fsw      *fsnotify.Watcher
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
	stopErr  error
}

// WatcherOption configures a Watcher.
type WatcherOption[T any] func(*Watcher[T])

// WithDebounce sets how long the file must stay quiet before it is reloaded.
func WithDebounce[T any](d time.Duration) WatcherOption[T] {
	return func(w *Watcher[T]) {
		w.debounce = d
	}
}

// WithErrorHandler sets a callback for load errors. Errors are always logged.
func WithErrorHandler[T any](handler func(error)) WatcherOption[T] {
	return func(w *Watcher[T]) {
		w.onError = handler
	}
}

// NewConfigWatcher creates a watcher for path. loader runs on every accepted change.
func NewConfigWatcher[T any](
	path string,
	loader func(path string) (T, error),
	logger *slog.Logger,
	opts ...WatcherOption[T],
) *Watcher[T] {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher[T]{
		path:     filepath.Clean(path),
		debounce: defaultDebounce,
		loader:   loader,
		logger:   logger,
		handlers: make(map[int]func(T)),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// OnReload registers a handler and returns a function that removes it.
func (w *Watcher[T]) OnReload(handler func(T)) func() {
	w.mu.Lock()
	id := w.nextID
	w.nextID++
	w.handlers[id] = handler
	w.mu.Unlock()

	return func() {
		w.mu.Lock()
		delete(w.handlers, id)
		w.mu.Unlock()
	}
}

// Start begins watching. The current contents become the baseline for change detection.
func (w *Watcher[T]) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		_ = fsw.Close()
		return err
	}

	if data, readErr := os.ReadFile(w.path); readErr == nil {
		w.mu.Lock()
		w.digest, w.loaded = xxhash.Sum64(data), true
		w.mu.Unlock()
	}

	w.mu.Lock()
	w.fsw = fsw
	w.mu.Unlock()
	w.logger.Info("Config watcher started", "path", w.path, "debounce", w.debounce)
	go w.loop()
	return nil
}

// Run starts the watcher and blocks until ctx ends or Stop is called.
func (w *Watcher[T]) Run(ctx context.Context) error {
	if err := w.Start(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-w.ctx.Done():
	}
	return w.Stop()
}

// Stop stops watching and waits for the watch loop to exit. It is safe to call more than once.
func (w *Watcher[T]) Stop() error {
	w.cancel()
	w.mu.Lock()
	fsw := w.fsw
	w.mu.Unlock()
	if fsw == nil {
		return nil
	}
	w.stopOnce.Do(func() {
		w.stopErr = fsw.Close()
		<-w.done
	})
	return w.stopErr
}

// Reload loads the file now and notifies the handlers, even if it has not changed.
func (w *Watcher[T]) Reload() {
	w.reload(true)
}

func (w *Watcher[T]) loop() {
	defer close(w.done)

	debounce := time.NewTimer(w.debounce)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-w.ctx.Done():
			w.logger.Debug("Config watcher stopped")
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.relevant(ev) {
				continue
			}
			w.logger.Debug("Config file change detected", "op", ev.Op.String())
			debounce.Reset(w.debounce)

		case <-debounce.C:
			w.reload(false)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", "error", err)
		}
	}
}

func (w *Watcher[T]) relevant(ev fsnotify.Event) bool {
	if filepath.Clean(ev.Name) != w.path {
		return false
	}
	return ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Rename)
}

// reload loads the file and passes the same snapshot to every handler. Unless forced,
// contents identical to the last successful load are ignored.
func (w *Watcher[T]) reload(force bool) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.fail(err)
		return
	}
	sum := xxhash.Sum64(data)

	w.mu.Lock()
	unchanged := w.loaded && w.digest == sum
	w.mu.Unlock()
	if unchanged && !force {
		w.logger.Debug("Config file contents unchanged, skipping reload")
		return
	}

	w.logger.Info("Reloading config", "path", w.path)
	config, err := w.loader(w.path)
	if err != nil {
		w.fail(err)
		return
	}

	w.mu.Lock()
	w.digest, w.loaded = sum, true
	handlers := make([]func(T), 0, len(w.handlers))
	for id := 0; id < w.nextID; id++ {
		if h, ok := w.handlers[id]; ok && h != nil {
			handlers = append(handlers, h)
		}
	}
	w.mu.Unlock()

	for _, handler := range handlers {
		handler(config)
	}
}

func (w *Watcher[T]) fail(err error) {
	w.logger.Warn("Failed to load config", "path", w.path, "error", err)
	if w.onError != nil {
		w.onError(err)
	}
}
