// Package projectreg implements PerProjectRegistry (C8): a generic
// keyed-by-project map with idle eviction. The sweep-on-interval shape is
// adapted from the teacher's SyncRateLimiter.CleanupStale, generalized
// from a fixed peerLimiter value to any type and from manual callsite
// sweeps to a background ticking sweeper.
package projectreg

import (
	"log/slog"
	"sync"
	"time"
)

// Shutdownable is implemented by values that own a resource needing
// release when evicted for inactivity.
type Shutdownable interface {
	Shutdown()
}

const (
	DefaultSweepInterval = 5 * time.Minute
	DefaultIdleTimeout   = 30 * time.Minute
)

type entry[T Shutdownable] struct {
	value      T
	lastAccess time.Time
}

// Registry is a per-project keyed map of values of type T, swept
// periodically for idle eviction. Eviction calls Shutdown on the
// departing value.
type Registry[T Shutdownable] struct {
	mu           sync.Mutex
	entries      map[string]*entry[T]
	sweepInterval time.Duration
	idleTimeout   time.Duration
	log           *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs a Registry. A zero sweepInterval or idleTimeout falls
// back to the package defaults.
func New[T Shutdownable](sweepInterval, idleTimeout time.Duration, log *slog.Logger) *Registry[T] {
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Registry[T]{
		entries:       make(map[string]*entry[T]),
		sweepInterval: sweepInterval,
		idleTimeout:   idleTimeout,
		log:           log.With("component", "project_registry"),
	}
}

// GetOrCreate returns the existing value for key, or calls create and
// stores its result if none exists. Either way it refreshes the entry's
// last-access time.
func (r *Registry[T]) GetOrCreate(key string, create func() T) T {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if e, ok := r.entries[key]; ok {
		e.lastAccess = now
		return e.value
	}

	v := create()
	r.entries[key] = &entry[T]{value: v, lastAccess: now}
	return v
}

// Get returns the value for key, if present, and refreshes its
// last-access time.
func (r *Registry[T]) Get(key string) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		var zero T
		return zero, false
	}
	e.lastAccess = time.Now()
	return e.value, true
}

// Remove evicts key immediately, calling Shutdown on its value if
// present. Used for explicit per-project teardown outside the sweep.
func (r *Registry[T]) Remove(key string) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if ok {
		delete(r.entries, key)
	}
	r.mu.Unlock()

	if ok {
		e.value.Shutdown()
	}
}

// Len reports the current number of live entries.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// sweepOnce evicts every entry idle for at least idleTimeout, returning
// the keys removed. Shutdown is invoked outside the lock so a slow
// Shutdown never blocks GetOrCreate/Get for unrelated projects.
func (r *Registry[T]) sweepOnce() []string {
	cutoff := time.Now().Add(-r.idleTimeout)

	r.mu.Lock()
	var stale []struct {
		key   string
		value T
	}
	for key, e := range r.entries {
		if e.lastAccess.Before(cutoff) {
			stale = append(stale, struct {
				key   string
				value T
			}{key, e.value})
			delete(r.entries, key)
		}
	}
	r.mu.Unlock()

	removed := make([]string, 0, len(stale))
	for _, s := range stale {
		s.value.Shutdown()
		removed = append(removed, s.key)
	}
	return removed
}

// Start launches the background sweep loop. The loop is a goroutine
// that must not block process exit: Stop (or simply letting the
// process die) releases it promptly since it only ever blocks on a
// timer or the stop channel.
func (r *Registry[T]) Start() {
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	go r.sweepLoop()
}

func (r *Registry[T]) sweepLoop() {
	defer close(r.doneCh)
	timer := time.NewTimer(r.sweepInterval)
	defer timer.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-timer.C:
		}

		removed := r.sweepOnce()
		if len(removed) > 0 {
			r.log.Info("evicted idle projects", "count", len(removed), "projects", removed)
		}

		timer.Reset(r.sweepInterval)
	}
}

// Stop ends the sweep loop and waits for it to exit. Remaining entries
// are left untouched; callers wanting full teardown should call
// ShutdownAll afterward.
func (r *Registry[T]) Stop() {
	r.stopOnce.Do(func() {
		if r.stopCh != nil {
			close(r.stopCh)
		}
	})
	if r.doneCh != nil {
		<-r.doneCh
	}
}

// ShutdownAll evicts and shuts down every remaining entry, for use
// during full host teardown.
func (r *Registry[T]) ShutdownAll() {
	r.mu.Lock()
	all := r.entries
	r.entries = make(map[string]*entry[T])
	r.mu.Unlock()

	for _, e := range all {
		e.value.Shutdown()
	}
}
