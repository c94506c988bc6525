package core

import (
	"strings"
	"sync"
)

// Reserved key prefixes routing state entries to their scope. A key carries
// exactly one scope; the prefix is part of the wire-level key and determines
// the persistence destination, never the value's type.
const (
	// AppPrefix routes a key to the app-scope record shared by every session
	// of an application.
	AppPrefix = "app:"
	// UserPrefix routes a key to the user-scope record shared by every
	// session of one (app, user) pair.
	UserPrefix = "user:"
	// TempPrefix marks a key as ephemeral: visible during one
	// event-processing cycle, never persisted to any store.
	TempPrefix = "temp:"
)

// State is the delta-tracked key/value scratchpad attached to a session. It
// holds a committed map (the last persisted view) and a pending map (the
// uncommitted delta). Reads prefer pending over committed; Commit merges
// pending into committed and clears it. It is safe for concurrent access.
//
// Contract:
//   - Get returns pending[key] if present, else committed[key], else absent
//   - Set records into pending only; committed changes exclusively at Commit
//   - Commit is invoked by session stores when persisting an event's delta
type State struct {
	mu        sync.RWMutex
	committed map[string]any
	pending   map[string]any
}

// NewState creates a State hydrated with the given committed mapping. The
// map is copied; nil is treated as empty.
func NewState(committed map[string]any) *State {
	c := make(map[string]any, len(committed))
	for k, v := range committed {
		c[k] = v
	}
	return &State{committed: c, pending: map[string]any{}}
}

// Get returns the value for key and whether it is present, preferring the
// pending delta over the committed view.
func (s *State) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.pending[key]; ok {
		return v, true
	}
	v, ok := s.committed[key]
	return v, ok
}

// Set records a pending (uncommitted) value for key.
func (s *State) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[key] = value
}

// Contains reports whether key is present in either the pending or committed map.
func (s *State) Contains(key string) bool {
	_, ok := s.Get(key)
	return ok
}

// HasPendingChanges reports whether any uncommitted delta exists.
func (s *State) HasPendingChanges() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending) > 0
}

// Snapshot returns a plain merged mapping of committed overlaid by pending.
// The returned map is a copy safe for caller mutation.
func (s *State) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.committed)+len(s.pending))
	for k, v := range s.committed {
		out[k] = v
	}
	for k, v := range s.pending {
		out[k] = v
	}
	return out
}

// PendingDelta returns a copy of the uncommitted delta.
func (s *State) PendingDelta() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.pending))
	for k, v := range s.pending {
		out[k] = v
	}
	return out
}

// Commit merges the pending delta into the committed map and clears pending.
func (s *State) Commit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.pending {
		s.committed[k] = v
	}
	s.pending = map[string]any{}
}

// ScopedDelta is the three-way split of a state delta produced by
// SplitByScope. Bucket keys are stored without their scope prefix; keys in
// the Session bucket never carried one.
type ScopedDelta struct {
	App     map[string]any
	User    map[string]any
	Session map[string]any
}

// SplitByScope partitions a raw delta by scope prefix. Keys prefixed app: or
// user: land in the respective bucket under their unprefixed name, keys
// prefixed temp: are dropped entirely, and bare keys land in the session
// bucket unchanged. The function is pure; the split output is exactly what
// downstream stores persist.
func SplitByScope(delta map[string]any) ScopedDelta {
	out := ScopedDelta{
		App:     map[string]any{},
		User:    map[string]any{},
		Session: map[string]any{},
	}
	for k, v := range delta {
		switch {
		case strings.HasPrefix(k, AppPrefix):
			out.App[strings.TrimPrefix(k, AppPrefix)] = v
		case strings.HasPrefix(k, UserPrefix):
			out.User[strings.TrimPrefix(k, UserPrefix)] = v
		case strings.HasPrefix(k, TempPrefix):
			// temp: entries live for one event-processing cycle only.
		default:
			out.Session[k] = v
		}
	}
	return out
}
