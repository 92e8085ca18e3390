// Package state holds the mutable key-value store a run's primitives and
// operators share. Every write is validated by the sanitizer before
// insertion, so forbidden keys and cyclic values can never enter the state,
// no matter which code path performs the write.
package state

import (
	"sort"
	"sync"

	"github.com/nateschmiedehaus/conduct/internal/sanitize"
)

// Shared is the per-run execution state. It is owned by the execution loop;
// operators and conditions only ever see read-only snapshots.
type Shared struct {
	mu        sync.RWMutex
	values    map[string]any
	missing   map[string]struct{}
	sanitizer *sanitize.Sanitizer
}

// New creates an empty Shared guarded by the given sanitizer.
func New(s *sanitize.Sanitizer) *Shared {
	return &Shared{
		values:    make(map[string]any),
		missing:   make(map[string]struct{}),
		sanitizer: s,
	}
}

// Set validates and stores one key. The value is deep-copied on the way in.
func (s *Shared) Set(key string, value any) error {
	if s.sanitizer.ForbiddenKey(key) {
		return &sanitize.Violation{Kind: "forbidden_key", Path: "$", Key: key}
	}
	clean, err := s.sanitizer.Value(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.values[key] = clean
	delete(s.missing, key)
	s.mu.Unlock()
	return nil
}

// Merge validates and stores every key of m. On the first violation nothing
// further is written and the violation is returned.
func (s *Shared) Merge(m map[string]any) error {
	clean, err := s.sanitizer.Map(m)
	if err != nil {
		return err
	}
	s.mu.Lock()
	for k, v := range clean {
		s.values[k] = v
		delete(s.missing, k)
	}
	s.mu.Unlock()
	return nil
}

// Get returns a deep copy of one value.
func (s *Shared) Get(key string) (any, bool) {
	s.mu.RLock()
	v, ok := s.values[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return sanitize.DeepCopyValue(v), true
}

// Snapshot returns a deep copy of the whole state for read-only consumers
// (conditions, operator callbacks, checkpoints).
func (s *Shared) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sanitize.DeepCopyMap(s.values)
}

// MarkMissing records keys whose upstream producer failed. Dependents that
// require them fail fast instead of reading stale values.
func (s *Shared) MarkMissing(keys ...string) {
	s.mu.Lock()
	for _, k := range keys {
		s.missing[k] = struct{}{}
	}
	s.mu.Unlock()
}

// IsMissing reports whether a key is known-missing.
func (s *Shared) IsMissing(key string) bool {
	s.mu.RLock()
	_, ok := s.missing[key]
	s.mu.RUnlock()
	return ok
}

// MissingKeys returns the sorted set of known-missing keys.
func (s *Shared) MissingKeys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.missing))
	for k := range s.missing {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Restore replaces the state wholesale from a checkpoint. The snapshot is
// re-sanitized: a checkpoint is a write path like any other.
func (s *Shared) Restore(values map[string]any, missing []string) error {
	clean, err := s.sanitizer.Map(values)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.values = clean
	s.missing = make(map[string]struct{}, len(missing))
	for _, k := range missing {
		s.missing[k] = struct{}{}
	}
	s.mu.Unlock()
	return nil
}
