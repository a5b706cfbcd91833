package reslock

import (
	"context"
	"sort"
	"sync"

	"github.com/qwdingyu/testflow/internal/errors"
)

// Registry hands out one strict mutex per key, created on first use.
// Distinct keys never contend. Locks are not reentrant: requesting a key
// already held by the same caller deadlocks until ctx ends.
type Registry struct {
	name string

	mu    sync.Mutex
	locks map[string]*keyLock
}

// keyLock is a mutex whose acquisition can be abandoned.
type keyLock struct {
	sem     chan struct{}
	waiters int
}

// Option configures a Registry.
type Option func(*Registry)

// WithName labels the registry in error messages ("resource", "device").
func WithName(name string) Option {
	return func(r *Registry) {
		r.name = name
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		name:  "resource",
		locks: make(map[string]*keyLock),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) lockFor(key string) *keyLock {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.locks[key]
	if !ok {
		l = &keyLock{sem: make(chan struct{}, 1)}
		r.locks[key] = l
	}
	l.waiters++
	return l
}

func (r *Registry) done(l *keyLock) {
	r.mu.Lock()
	l.waiters--
	r.mu.Unlock()
}

// WithLock runs fn while holding the lock for key and returns fn's error.
// The lock is released when fn returns or panics. If ctx ends before the
// lock is acquired, fn is not called and the context error is returned
// wrapped with the key.
func (r *Registry) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	l := r.lockFor(key)
	defer r.done(l)

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "waiting for %s lock %q", r.name, key)
	}
	defer func() { <-l.sem }()

	return fn(ctx)
}

// TryLock runs fn only if the lock for key is free right now.
// It reports whether fn ran.
func (r *Registry) TryLock(ctx context.Context, key string, fn func(ctx context.Context) error) (bool, error) {
	l := r.lockFor(key)
	defer r.done(l)

	select {
	case l.sem <- struct{}{}:
	default:
		return false, nil
	}
	defer func() { <-l.sem }()

	return true, fn(ctx)
}

// Held reports whether key is currently locked.
func (r *Registry) Held(key string) bool {
	r.mu.Lock()
	l, ok := r.locks[key]
	r.mu.Unlock()
	return ok && len(l.sem) == 1
}

// Keys returns every key that has been requested, sorted.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(r.locks))
	for k := range r.locks {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Prune forgets locks that are neither held nor awaited and returns how many
// were dropped. Long-lived registries call it between plans.
func (r *Registry) Prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for k, l := range r.locks {
		if l.waiters == 0 && len(l.sem) == 0 {
			delete(r.locks, k)
			n++
		}
	}
	return n
}
