package progress

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Callback delivers an event to one observer. A returned error is logged and otherwise ignored.
type Callback func(ev Event) error

// Registry maps observer IDs to callbacks and broadcasts every event to all of them.
// All methods are safe for concurrent use.
type Registry struct {
	mu        sync.Mutex
	observers map[string]Callback
	logger    *slog.Logger

	onChange func(id string, registered bool, count int)
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		observers: make(map[string]Callback),
		logger:    logger,
	}
}

// OnChange sets a hook called after every register/unregister that changed the registry.
// It must be set before the registry is shared.
func (r *Registry) OnChange(fn func(id string, registered bool, count int)) {
	r.onChange = fn
}

// Register adds or replaces the callback for id.
func (r *Registry) Register(id string, cb Callback) {
	if cb == nil {
		return
	}

	r.mu.Lock()
	r.observers[id] = cb
	count := len(r.observers)
	r.mu.Unlock()

	r.logger.Debug("Progress observer registered", "observer_id", id, "observers", count)
	if r.onChange != nil {
		r.onChange(id, true, count)
	}
}

// Unregister removes the callback for id. It reports whether an observer was removed.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	_, ok := r.observers[id]
	delete(r.observers, id)
	count := len(r.observers)
	r.mu.Unlock()

	if !ok {
		return false
	}

	r.logger.Debug("Progress observer removed", "observer_id", id, "observers", count)
	if r.onChange != nil {
		r.onChange(id, false, count)
	}
	return true
}

// NotifyAll delivers ev to every registered observer. Callbacks run on the calling goroutine
// against a snapshot taken under the lock, so a callback may itself register or unregister.
func (r *Registry) NotifyAll(ev Event) {
	r.mu.Lock()
	snapshot := make(map[string]Callback, len(r.observers))
	for id, cb := range r.observers {
		snapshot[id] = cb
	}
	r.mu.Unlock()

	for id, cb := range snapshot {
		if err := r.deliver(id, cb, ev); err != nil {
			r.logger.Warn("Progress observer failed", "observer_id", id, "job_id", ev.JobID, "error", err)
		}
	}
}

// deliver runs one callback, turning a panic into an error.
func (r *Registry) deliver(id string, cb Callback, ev Event) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("observer %s panicked: %v", id, rec)
		}
	}()
	return cb(ev)
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.observers[id]
	return ok
}

// Len returns the number of registered observers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.observers)
}

// IDs returns the registered observer IDs in sorted order.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.observers))
	for id := range r.observers {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	sort.Strings(ids)
	return ids
}
