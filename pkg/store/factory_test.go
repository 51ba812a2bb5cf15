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

func TestNewBackends_Memory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	backends, err := NewBackends(ctx, DefaultConfig())
	require.NoError(t, err)
	defer backends.Close()

	sess := testSession("state-1", time.Minute)
	require.NoError(t, backends.Sessions.Put(ctx, sess.State, sess))
	_, ok, err := backends.Sessions.Get(ctx, "state-1")
	require.NoError(t, err)
	assert.True(t, ok)

	tok := testToken("access-1", "refresh-1", time.Hour)
	require.NoError(t, backends.Tokens.Put(ctx, tok.AccessToken, tok))
	got, ok, err := backends.Tokens.GetByIndex(ctx, "refresh-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "access-1", got.AccessToken)
}

func TestNewBackends_File(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	dir := t.TempDir()
	cfg := &Config{
		Type:       TypeFile,
		StorageDir: dir,
		FlushDelay: 10 * time.Millisecond,
	}

	backends, err := NewBackends(ctx, cfg)
	require.NoError(t, err)

	tok := testToken("access-1", "refresh-1", time.Hour)
	require.NoError(t, backends.Tokens.Put(ctx, tok.AccessToken, tok))

	client := &RegisteredClient{
		ClientID:     "client-1",
		ClientSecret: "secret",
		RedirectURIs: []string{"http://localhost:8080/callback"},
		CreatedAt:    time.Now(),
	}
	require.NoError(t, backends.Clients.Put(ctx, client.ClientID, client))

	// Let the debounced writes land, then restart.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, backends.Close())

	reopened, err := NewBackends(ctx, cfg)
	require.NoError(t, err)
	defer reopened.Close()

	got, ok, err := reopened.Tokens.GetByIndex(ctx, "refresh-1")
	require.NoError(t, err)
	require.True(t, ok, "tokens should survive a restart")
	assert.Equal(t, "access-1", got.AccessToken)

	gotClient, ok, err := reopened.Clients.Get(ctx, "client-1")
	require.NoError(t, err)
	require.True(t, ok, "client registrations should survive a restart")
	assert.Equal(t, "secret", gotClient.ClientSecret)
}

func TestNewBackends_InvalidConfig(t *testing.T) {
	t.Parallel()

	_, err := NewBackends(context.Background(), &Config{Type: TypeFile})
	require.Error(t, err)

	_, err = NewBackends(context.Background(), &Config{Type: "etcd"})
	require.Error(t, err)
}
