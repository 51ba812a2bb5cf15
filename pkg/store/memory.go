// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"sync"
	"time"
)

// timedEntry wraps a value with its expiry for TTL tracking.
type timedEntry[V any] struct {
	value     V
	expiresAt time.Time
}

func (e *timedEntry[V]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryStore is the ephemeral in-process backend. It is thread-safe and
// intended for single-process deployment; state does not survive a restart.
//
// When configured with an IndexFunc, the store maintains a secondary index
// that is pruned in the same critical section as every primary-map removal
// (explicit delete, lazy expiry, and sweep), so the index can never point
// at a missing record.
type MemoryStore[V Record] struct {
	mu      sync.RWMutex
	entries map[string]*timedEntry[V]

	// index maps secondary index key -> primary key.
	index   map[string]string
	indexFn IndexFunc[V]

	cleanupInterval time.Duration

	// stopCleanup signals the cleanup goroutine to stop.
	stopCleanup chan struct{}

	// cleanupDone is closed when the cleanup goroutine has fully stopped.
	cleanupDone chan struct{}

	closeOnce sync.Once
}

// MemoryOption configures a MemoryStore.
type MemoryOption[V Record] func(*MemoryStore[V])

// WithCleanupInterval sets a custom sweep interval.
func WithCleanupInterval[V Record](interval time.Duration) MemoryOption[V] {
	return func(s *MemoryStore[V]) {
		s.cleanupInterval = interval
	}
}

// WithIndex configures the secondary index.
func WithIndex[V Record](fn IndexFunc[V]) MemoryOption[V] {
	return func(s *MemoryStore[V]) {
		s.indexFn = fn
	}
}

// NewMemoryStore creates a MemoryStore and starts its background sweep.
func NewMemoryStore[V Record](opts ...MemoryOption[V]) *MemoryStore[V] {
	s := &MemoryStore[V]{
		entries:         make(map[string]*timedEntry[V]),
		index:           make(map[string]string),
		cleanupInterval: DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()

	return s
}

// Put stores a value under the given key.
func (s *MemoryStore[V]) Put(_ context.Context, key string, value V) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Replacing a record must not leave its old index entry behind.
	if old, ok := s.entries[key]; ok {
		s.pruneIndexLocked(key, old.value)
	}

	s.entries[key] = &timedEntry[V]{value: value, expiresAt: value.ExpiryTime()}

	if s.indexFn != nil {
		if idxKey, ok := s.indexFn(value); ok {
			s.index[idxKey] = key
		}
	}

	return nil
}

// Get returns the value for key. Expired records are treated as absent and
// removed as a side effect.
func (s *MemoryStore[V]) Get(_ context.Context, key string) (V, bool, error) {
	var zero V

	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok {
		return zero, false, nil
	}

	if entry.expired(time.Now()) {
		s.mu.Lock()
		// Re-check under the write lock in case of a concurrent overwrite.
		if current, ok := s.entries[key]; ok && current.expired(time.Now()) {
			s.removeLocked(key, current)
		}
		s.mu.Unlock()
		return zero, false, nil
	}

	return entry.value, true, nil
}

// GetByIndex returns the value whose secondary index key matches.
func (s *MemoryStore[V]) GetByIndex(ctx context.Context, indexKey string) (V, bool, error) {
	var zero V

	s.mu.RLock()
	primaryKey, ok := s.index[indexKey]
	s.mu.RUnlock()

	if !ok {
		return zero, false, nil
	}

	return s.Get(ctx, primaryKey)
}

// Delete removes the record for key. Idempotent.
func (s *MemoryStore[V]) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return false, nil
	}

	s.removeLocked(key, entry)
	return true, nil
}

// Cleanup removes all expired records and returns the count removed.
// Uses collect-then-delete: expired keys are collected under the read lock,
// then removed under the write lock to minimize write-lock hold time.
func (s *MemoryStore[V]) Cleanup(_ context.Context) (int, error) {
	now := time.Now()

	s.mu.RLock()
	var expiredKeys []string
	for k, e := range s.entries {
		if e.expired(now) {
			expiredKeys = append(expiredKeys, k)
		}
	}
	s.mu.RUnlock()

	if len(expiredKeys) == 0 {
		return 0, nil
	}

	removed := 0
	s.mu.Lock()
	for _, k := range expiredKeys {
		if e, ok := s.entries[k]; ok && e.expired(now) {
			s.removeLocked(k, e)
			removed++
		}
	}
	s.mu.Unlock()

	return removed, nil
}

// Count returns the number of live records.
func (s *MemoryStore[V]) Count(_ context.Context) (int, error) {
	now := time.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, e := range s.entries {
		if !e.expired(now) {
			count++
		}
	}
	return count, nil
}

// Keys returns the keys of all live records.
func (s *MemoryStore[V]) Keys(_ context.Context) ([]string, error) {
	now := time.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.entries))
	for k, e := range s.entries {
		if !e.expired(now) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Close stops the background sweep and waits for it to finish.
// Safe to call more than once.
func (s *MemoryStore[V]) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
		<-s.cleanupDone
	})
	return nil
}

// removeLocked deletes a record and its index entry. Callers hold the
// write lock.
func (s *MemoryStore[V]) removeLocked(key string, entry *timedEntry[V]) {
	s.pruneIndexLocked(key, entry.value)
	delete(s.entries, key)
}

func (s *MemoryStore[V]) pruneIndexLocked(key string, value V) {
	if s.indexFn == nil {
		return
	}
	if idxKey, ok := s.indexFn(value); ok && s.index[idxKey] == key {
		delete(s.index, idxKey)
	}
}

func (s *MemoryStore[V]) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			_, _ = s.Cleanup(context.Background())
		}
	}
}
