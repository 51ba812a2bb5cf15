// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stacklok/authgate/pkg/logger"
)

// CachedStore composes a fast ephemeral primary with an optional durable or
// distributed secondary using write-through semantics. It is intended for
// record types that are immutable after creation, so the two tiers can
// never disagree about a live record's contents.
type CachedStore[V Record] struct {
	primary   Store[V]
	secondary Store[V]

	reconcileInterval time.Duration
	stopReconcile     chan struct{}
	reconcileDone     chan struct{}
	closeOnce         sync.Once
}

// CachedOption configures a CachedStore.
type CachedOption[V Record] func(*CachedStore[V])

// WithReconcileInterval starts a periodic reconciliation task that re-runs
// Cleanup on both tiers, independent of per-key TTL sweeps.
func WithReconcileInterval[V Record](interval time.Duration) CachedOption[V] {
	return func(s *CachedStore[V]) {
		s.reconcileInterval = interval
	}
}

// NewCachedStore creates a write-through decorator over primary and
// secondary. The secondary may be nil, in which case the decorator is a
// transparent pass-through to the primary.
func NewCachedStore[V Record](primary, secondary Store[V], opts ...CachedOption[V]) *CachedStore[V] {
	s := &CachedStore[V]{
		primary:       primary,
		secondary:     secondary,
		stopReconcile: make(chan struct{}),
		reconcileDone: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.reconcileInterval > 0 {
		go s.reconcileLoop()
	} else {
		close(s.reconcileDone)
	}

	return s
}

// Put writes to both tiers concurrently and waits for both to complete.
func (s *CachedStore[V]) Put(ctx context.Context, key string, value V) error {
	if s.secondary == nil {
		return s.primary.Put(ctx, key, value)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.primary.Put(gctx, key, value) })
	g.Go(func() error { return s.secondary.Put(gctx, key, value) })
	return g.Wait()
}

// Get tries the primary first; on a miss with a secondary configured, it
// reads the secondary and back-fills the primary on a hit.
func (s *CachedStore[V]) Get(ctx context.Context, key string) (V, bool, error) {
	value, ok, err := s.primary.Get(ctx, key)
	if err != nil || ok {
		return value, ok, err
	}

	var zero V
	if s.secondary == nil {
		return zero, false, nil
	}

	value, ok, err = s.secondary.Get(ctx, key)
	if err != nil || !ok {
		return zero, false, err
	}

	if err := s.primary.Put(ctx, key, value); err != nil {
		logger.Warnw("failed to back-fill primary store", "key", key, "error", err)
	}
	return value, true, nil
}

// GetByIndex follows the same primary-then-secondary path as Get when both
// tiers carry the secondary index.
func (s *CachedStore[V]) GetByIndex(ctx context.Context, indexKey string) (V, bool, error) {
	var zero V

	pi, pok := s.primary.(Indexed[V])
	if !pok {
		return zero, false, nil
	}

	value, ok, err := pi.GetByIndex(ctx, indexKey)
	if err != nil || ok {
		return value, ok, err
	}

	si, sok := s.secondary.(Indexed[V])
	if !sok {
		return zero, false, nil
	}

	value, ok, err = si.GetByIndex(ctx, indexKey)
	if err != nil || !ok {
		return zero, false, err
	}

	// Back-fill the primary so subsequent lookups hit the fast tier.
	if err := s.primary.Put(ctx, value.StoreKey(), value); err != nil {
		logger.Warnw("failed to back-fill primary store", "index_key", indexKey, "error", err)
	}
	return value, true, nil
}

// Delete fans out to both tiers; the result reports whether either tier
// removed a record.
func (s *CachedStore[V]) Delete(ctx context.Context, key string) (bool, error) {
	if s.secondary == nil {
		return s.primary.Delete(ctx, key)
	}

	var primaryRemoved, secondaryRemoved bool
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		primaryRemoved, err = s.primary.Delete(gctx, key)
		return err
	})
	g.Go(func() error {
		var err error
		secondaryRemoved, err = s.secondary.Delete(gctx, key)
		return err
	})
	if err := g.Wait(); err != nil {
		return false, err
	}
	return primaryRemoved || secondaryRemoved, nil
}

// Cleanup fans out to both tiers. The combined count is the maximum across
// tiers, since TTL granularity may differ between them.
func (s *CachedStore[V]) Cleanup(ctx context.Context) (int, error) {
	if s.secondary == nil {
		return s.primary.Cleanup(ctx)
	}

	var primaryCount, secondaryCount int
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		primaryCount, err = s.primary.Cleanup(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		secondaryCount, err = s.secondary.Cleanup(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return max(primaryCount, secondaryCount), nil
}

// Count returns the larger of the two tiers' counts.
func (s *CachedStore[V]) Count(ctx context.Context) (int, error) {
	primaryCount, err := s.primary.Count(ctx)
	if err != nil {
		return 0, err
	}
	if s.secondary == nil {
		return primaryCount, nil
	}
	secondaryCount, err := s.secondary.Count(ctx)
	if err != nil {
		return 0, err
	}
	return max(primaryCount, secondaryCount), nil
}

// Keys returns the union of both tiers' keys.
func (s *CachedStore[V]) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.primary.Keys(ctx)
	if err != nil {
		return nil, err
	}
	if s.secondary == nil {
		return keys, nil
	}

	secondaryKeys, err := s.secondary.Keys(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		seen[k] = true
	}
	for _, k := range secondaryKeys {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Close stops the reconciliation task and closes both tiers.
func (s *CachedStore[V]) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopReconcile)
		<-s.reconcileDone
	})

	err := s.primary.Close()
	if s.secondary != nil {
		if serr := s.secondary.Close(); err == nil {
			err = serr
		}
	}
	return err
}

func (s *CachedStore[V]) reconcileLoop() {
	defer close(s.reconcileDone)

	ticker := time.NewTicker(s.reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopReconcile:
			return
		case <-ticker.C:
			if _, err := s.Cleanup(context.Background()); err != nil {
				logger.Warnw("store reconciliation failed", "error", err)
			}
		}
	}
}
