// Package registry persists the set of buoys the operator chose to track.
// Membership is independent of whether a buoy is currently broadcasting.
package registry

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/samber/lo"

	"github.com/kilianp07/buoyfleet/core/logger"
)

// Config selects where the registry is stored.
type Config struct {
	Path string `json:"path"`
}

// SetDefaults applies the default registry file.
func (c *Config) SetDefaults() {
	if c.Path == "" {
		c.Path = "registry.json"
	}
}

// Set is a read-only membership snapshot.
type Set struct {
	version uint64
	ids     []string
	index   map[string]struct{}
}

// Contains reports whether id is registered.
func (s Set) Contains(id string) bool {
	_, ok := s.index[id]
	return ok
}

// IDs returns the registered ids in insertion order.
func (s Set) IDs() []string { return append([]string(nil), s.ids...) }

// Len returns the number of registered ids.
func (s Set) Len() int { return len(s.ids) }

// Version changes on every effective mutation.
func (s Set) Version() uint64 { return s.version }

// NewSet builds a snapshot from ids, mainly for tests.
func NewSet(ids ...string) Set { return newSet(0, lo.Uniq(ids)) }

func newSet(version uint64, ids []string) Set {
	idx := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		idx[id] = struct{}{}
	}
	return Set{version: version, ids: ids, index: idx}
}

// Registry is the persisted, ordered set of owned device ids. Every mutation
// rewrites the whole list.
type Registry struct {
	mu       sync.Mutex
	current  atomic.Pointer[Set]
	storage  Storage
	log      logger.Logger
	onChange func(Set)
}

// Option customizes a Registry.
type Option func(*Registry)

// WithOnChange registers a hook called after each effective mutation.
func WithOnChange(fn func(Set)) Option {
	return func(r *Registry) { r.onChange = fn }
}

// New creates a Registry over storage and loads its content once.
func New(storage Storage, log logger.Logger, opts ...Option) *Registry {
	r := &Registry{storage: storage, log: log}
	for _, o := range opts {
		o(r)
	}
	set := newSet(0, r.Load())
	r.current.Store(&set)
	return r
}

// Load parses the persisted list. Missing or malformed content yields an
// empty list and is only logged.
func (r *Registry) Load() []string {
	data, err := r.storage.Read()
	if err != nil {
		r.log.Warnf("read registry: %v", err)
		return nil
	}
	if len(data) == 0 {
		return nil
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		r.log.Warnf("registry content is malformed, starting empty: %v", err)
		return nil
	}
	return lo.Uniq(lo.Compact(ids))
}

// Save serializes ids in full and overwrites the storage.
func (r *Registry) Save(ids []string) error {
	if ids == nil {
		ids = []string{}
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	if err := r.storage.Write(data); err != nil {
		return fmt.Errorf("save registry: %w", err)
	}
	return nil
}

// Add registers id. Adding a present id is a no-op.
func (r *Registry) Add(id string) error {
	return r.mutate(func(ids []string) ([]string, bool) {
		if lo.Contains(ids, id) {
			return ids, false
		}
		return append(append([]string(nil), ids...), id), true
	})
}

// Remove unregisters id. Removing an absent id is a no-op.
func (r *Registry) Remove(id string) error {
	return r.mutate(func(ids []string) ([]string, bool) {
		if !lo.Contains(ids, id) {
			return ids, false
		}
		return lo.Without(ids, id), true
	})
}

// mutate applies fn and persists the result. The in-memory set is updated
// even when persisting fails; the error is returned for the caller to log.
func (r *Registry) mutate(fn func([]string) ([]string, bool)) error {
	r.mu.Lock()
	prev := r.current.Load()
	ids, changed := fn(prev.ids)
	if !changed {
		r.mu.Unlock()
		return nil
	}
	next := newSet(prev.version+1, ids)
	r.current.Store(&next)
	err := r.Save(ids)
	r.mu.Unlock()

	if err != nil {
		r.log.Errorf("%v", err)
	}
	if r.onChange != nil {
		r.onChange(next)
	}
	return err
}

// Contains reports whether id is registered.
func (r *Registry) Contains(id string) bool { return r.Snapshot().Contains(id) }

// IDs returns the registered ids in insertion order.
func (r *Registry) IDs() []string { return r.Snapshot().IDs() }

// Snapshot returns the current membership.
func (r *Registry) Snapshot() Set { return *r.current.Load() }
