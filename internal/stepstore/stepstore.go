// Package stepstore implements the per-execution step memoization cache
// (C5): a single-writer map from step key to its committed StepResult, owned
// exclusively by the execution that created it (spec §3 invariant I7).
package stepstore

import (
	"sync"
	"time"

	"github.com/polos-dev/polos-sub001/internal/definition"
)

// Store memoizes StepResults for exactly one execution attempt. It is safe
// for concurrent reads; per spec §5 there is a single writer (the executor
// goroutine), but the mutex is kept cheap insurance since hydration from the
// orchestrator and handler execution can race during warm replay.
type Store struct {
	mu      sync.RWMutex
	results map[string]definition.StepResult
	order   []string
}

// New constructs an empty Store, or one pre-hydrated with results (e.g. from
// the orchestrator on redispatch after a WAIT).
func New(hydrate ...definition.StepResult) *Store {
	s := &Store{results: make(map[string]definition.StepResult, len(hydrate))}
	for _, r := range hydrate {
		s.results[r.Key] = r
		s.order = append(s.order, r.Key)
	}
	return s
}

// Get returns the cached result for key, if any.
func (s *Store) Get(key string) (definition.StepResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[key]
	return r, ok
}

// Has reports whether key has already been committed.
func (s *Store) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.results[key]
	return ok
}

// Put commits value under key. Put is idempotent: calling it twice for the
// same key with a different value still returns the originally committed
// result, consistent with invariant I2 ("second evaluation... returns its
// cached value without invoking the underlying function") — callers are
// expected to check Has/Get before doing any work, Put only records what was
// computed the first time.
func (s *Store) Put(key string, value any) definition.StepResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.results[key]; ok {
		return existing
	}
	r := definition.StepResult{Key: key, Value: value, CompletedAt: time.Now()}
	s.results[key] = r
	s.order = append(s.order, key)
	return r
}

// Keys returns committed step keys in commit order, supporting invariant I4
// (the step cache forms a total order consistent with handler control flow).
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Len reports the number of committed steps.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Snapshot returns every committed result, ordered by commit order.
func (s *Store) Snapshot() []definition.StepResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]definition.StepResult, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, s.results[k])
	}
	return out
}
