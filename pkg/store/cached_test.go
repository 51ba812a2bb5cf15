// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCachedPair(t *testing.T) (*CachedStore[*TokenInfo], *MemoryStore[*TokenInfo], *MemoryStore[*TokenInfo]) {
	t.Helper()
	primary := NewMemoryStore[*TokenInfo](WithIndex[*TokenInfo](TokenRefreshIndex))
	secondary := NewMemoryStore[*TokenInfo](WithIndex[*TokenInfo](TokenRefreshIndex))
	cached := NewCachedStore[*TokenInfo](primary, secondary)
	t.Cleanup(func() { _ = cached.Close() })
	return cached, primary, secondary
}

func TestCachedStore_WriteThrough(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cached, primary, secondary := newCachedPair(t)

	tok := testToken("access-1", "refresh-1", time.Hour)
	require.NoError(t, cached.Put(ctx, tok.AccessToken, tok))

	_, ok, err := primary.Get(ctx, "access-1")
	require.NoError(t, err)
	assert.True(t, ok, "write should reach the primary")

	_, ok, err = secondary.Get(ctx, "access-1")
	require.NoError(t, err)
	assert.True(t, ok, "write should reach the secondary")
}

func TestCachedStore_BackFillOnMiss(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cached, primary, secondary := newCachedPair(t)

	// Record exists only in the secondary, as after a restart.
	tok := testToken("access-1", "refresh-1", time.Hour)
	require.NoError(t, secondary.Put(ctx, tok.AccessToken, tok))

	got, ok, err := cached.Get(ctx, "access-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "refresh-1", got.RefreshToken)

	_, ok, err = primary.Get(ctx, "access-1")
	require.NoError(t, err)
	assert.True(t, ok, "secondary hit should back-fill the primary")
}

func TestCachedStore_IndexBackFill(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cached, primary, secondary := newCachedPair(t)

	tok := testToken("access-1", "refresh-1", time.Hour)
	require.NoError(t, secondary.Put(ctx, tok.AccessToken, tok))

	got, ok, err := cached.GetByIndex(ctx, "refresh-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "access-1", got.AccessToken)

	// The back-fill uses the primary key, so both lookup paths now hit
	// the fast tier.
	_, ok, err = primary.Get(ctx, "access-1")
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = primary.GetByIndex(ctx, "refresh-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCachedStore_DeleteBothTiers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cached, primary, secondary := newCachedPair(t)

	tok := testToken("access-1", "refresh-1", time.Hour)
	require.NoError(t, cached.Put(ctx, tok.AccessToken, tok))

	deleted, err := cached.Delete(ctx, "access-1")
	require.NoError(t, err)
	assert.True(t, deleted)

	_, ok, err := primary.Get(ctx, "access-1")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = secondary.Get(ctx, "access-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCachedStore_DeleteReportsSecondaryOnlyRemoval(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cached, _, secondary := newCachedPair(t)
	require.NoError(t, secondary.Put(ctx, "only-secondary", testToken("only-secondary", "", time.Hour)))

	deleted, err := cached.Delete(ctx, "only-secondary")
	require.NoError(t, err)
	assert.True(t, deleted)
}

func TestCachedStore_CleanupReportsMax(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	primary := NewMemoryStore[*TokenInfo](WithCleanupInterval[*TokenInfo](time.Hour))
	secondary := NewMemoryStore[*TokenInfo](WithCleanupInterval[*TokenInfo](time.Hour))
	cached := NewCachedStore[*TokenInfo](primary, secondary)
	defer cached.Close()

	// Two expired in the secondary, one of them also in the primary.
	require.NoError(t, secondary.Put(ctx, "a", testToken("a", "", -time.Second)))
	require.NoError(t, secondary.Put(ctx, "b", testToken("b", "", -time.Second)))
	require.NoError(t, primary.Put(ctx, "a", testToken("a", "", -time.Second)))

	removed, err := cached.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
}

func TestCachedStore_PassThroughWithoutSecondary(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	primary := NewMemoryStore[*TokenInfo](WithIndex[*TokenInfo](TokenRefreshIndex))
	cached := NewCachedStore[*TokenInfo](primary, nil)
	defer cached.Close()

	tok := testToken("access-1", "refresh-1", time.Hour)
	require.NoError(t, cached.Put(ctx, tok.AccessToken, tok))

	got, ok, err := cached.Get(ctx, "access-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "refresh-1", got.RefreshToken)

	got, ok, err = cached.GetByIndex(ctx, "refresh-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "access-1", got.AccessToken)
}

func TestCachedStore_KeysUnion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cached, primary, secondary := newCachedPair(t)

	require.NoError(t, primary.Put(ctx, "a", testToken("a", "", time.Hour)))
	require.NoError(t, secondary.Put(ctx, "b", testToken("b", "", time.Hour)))
	require.NoError(t, cached.Put(ctx, "c", testToken("c", "", time.Hour)))

	keys, err := cached.Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, keys)
}
