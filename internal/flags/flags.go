// Package flags implements the process-wide feature-flag authority (C1).
//
// Reads are lock-free snapshots of an atomically-swapped map; the flag
// snapshot pointer is the one piece of process-wide shared mutable state
// allowed outside a component's own lock (§5). Writes serialize through a
// single mutex and persist to a JSON document with atomic replace (write
// temp, fsync, rename).
package flags

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
)

// Value is any flag value: bool, string (enum), or float64 (number).
type Value = any

// Defaults is the compile-time default table (§4.1: "Default set is a
// compile-time table"). Callers may extend it; Studio's own defaults live in
// internal/flags/defaults.go.
type Defaults map[string]Value

// Watcher is notified after a successful persisted set.
type Watcher func(name string, value, prev Value)

// Store is the C1 Feature Flag authority.
type Store struct {
	path     string
	defaults Defaults
	logger   *slog.Logger

	mu       sync.Mutex // serializes writes only
	snapshot atomic.Pointer[map[string]Value]

	watchMu  sync.Mutex
	watchers []Watcher

	warnedMu sync.Mutex
	warned   map[string]bool
}

// New creates a Store backed by path, seeded with defaults and any
// previously-persisted overrides found at path.
func New(path string, defaults Defaults, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		path:     path,
		defaults: defaults,
		logger:   logger,
		warned:   make(map[string]bool),
	}

	merged := map[string]Value{}
	for k, v := range defaults {
		merged[k] = v
	}

	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			var overrides map[string]Value
			if err := json.Unmarshal(data, &overrides); err != nil {
				return nil, fmt.Errorf("flags: parse %s: %w", path, err)
			}
			for k, v := range overrides {
				merged[k] = v
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("flags: read %s: %w", path, err)
		}
	}

	s.snapshot.Store(&merged)
	return s, nil
}

// Get returns the current value of name. Unknown names default to false and
// log a warning exactly once per name for the life of the process.
func (s *Store) Get(name string) Value {
	m := *s.snapshot.Load()
	if v, ok := m[name]; ok {
		return v
	}

	s.warnedMu.Lock()
	warn := !s.warned[name]
	s.warned[name] = true
	s.warnedMu.Unlock()
	if warn {
		s.logger.Warn("flags: unknown flag read, defaulting to false", slog.String("name", name))
	}
	return false
}

// Snapshot returns a copy of the full flag map.
func (s *Store) Snapshot() map[string]Value {
	m := *s.snapshot.Load()
	out := make(map[string]Value, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Set updates name to value, persists the full map, and notifies watchers
// only after the write durably succeeds. Returns the previous value.
func (s *Store) Set(name string, value Value) (prev Value, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := *s.snapshot.Load()
	next := make(map[string]Value, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	prev = next[name]
	next[name] = value

	if s.path != "" {
		if err := writeAtomicJSON(s.path, next); err != nil {
			return prev, fmt.Errorf("flags: persist: %w", err)
		}
	}

	s.snapshot.Store(&next)

	s.watchMu.Lock()
	watchers := append([]Watcher(nil), s.watchers...)
	s.watchMu.Unlock()
	for _, w := range watchers {
		w(name, value, prev)
	}

	return prev, nil
}

// Subscribe registers a watcher invoked after every successful Set.
func (s *Store) Subscribe(cb Watcher) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	s.watchers = append(s.watchers, cb)
}

func writeAtomicJSON(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	// Marshal with sorted keys for a stable on-disk document.
	keys := make([]string, 0)
	if m, ok := v.(map[string]Value); ok {
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
	}
	ordered := make(map[string]Value, len(keys))
	if m, ok := v.(map[string]Value); ok {
		for _, k := range keys {
			ordered[k] = m[k]
		}
	} else {
		ordered = nil
	}
	var data []byte
	var err error
	if ordered != nil {
		data, err = json.MarshalIndent(ordered, "", "  ")
	} else {
		data, err = json.MarshalIndent(v, "", "  ")
	}
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".flags-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
