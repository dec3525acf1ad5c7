// Package memstore is a process-local key-value store with per-entry TTL.
// It backs the transient auth state (pending 2FA sessions) that a
// multi-instance deployment would move to an external store; call sites only
// see Get/Set/Delete/Sweep, so the backing can be swapped without touching
// them.
package memstore

import (
	"context"
	"sync"
	"time"

	"skillforge-auth/internal/expiry"
)

type Store[T any] struct {
	mu    sync.Mutex
	items map[string]expiry.Expirable[T]
	nowFn func() time.Time
}

func New[T any]() *Store[T] {
	return &Store[T]{
		items: make(map[string]expiry.Expirable[T]),
		nowFn: func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source. Test hook.
func (s *Store[T]) WithClock(nowFn func() time.Time) *Store[T] {
	s.nowFn = nowFn
	return s
}

func (s *Store[T]) Set(key string, value T, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = expiry.Wrap(value, s.nowFn().Add(ttl))
}

// Get returns the value for key if present and unexpired. An expired entry
// is deleted on the spot (lazy expiry).
func (s *Store[T]) Get(key string) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[key]
	if !ok {
		var zero T
		return zero, false
	}
	if !item.Valid(s.nowFn()) {
		delete(s.items, key)
		var zero T
		return zero, false
	}

	return item.Value, true
}

// Update applies fn to the stored value under the lock. Returns false if the
// key is missing or expired.
func (s *Store[T]) Update(key string, fn func(T) T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[key]
	if !ok || !item.Valid(s.nowFn()) {
		delete(s.items, key)
		return false
	}

	item.Value = fn(item.Value)
	s.items[key] = item
	return true
}

func (s *Store[T]) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
}

// Sweep drops every expired entry and returns how many were removed.
// Advisory cleanup; Get already re-checks expiry on every call.
func (s *Store[T]) Sweep() int {
	now := s.nowFn()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, item := range s.items {
		if !item.Valid(now) {
			delete(s.items, key)
			removed++
		}
	}

	return removed
}

func (s *Store[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Run sweeps on a fixed interval until ctx is cancelled, then clears the map.
func (s *Store[T]) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.items = make(map[string]expiry.Expirable[T])
			s.mu.Unlock()
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}
