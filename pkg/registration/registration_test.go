// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package registration

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/authgate/pkg/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()

	clients := store.NewMemoryStore[*store.RegisteredClient]()
	regTokens := store.NewMemoryStore[*store.InitialAccessToken](
		store.WithIndex[*store.InitialAccessToken](store.RegistrationTokenIndex))
	t.Cleanup(func() {
		_ = clients.Close()
		_ = regTokens.Close()
	})

	svc, err := NewService(clients, regTokens)
	require.NoError(t, err)
	return svc
}

func TestRegister(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	svc := newTestService(t)

	client, err := svc.Register(ctx, Request{
		RedirectURIs: []string{"https://example.com/callback"},
		ClientName:   "Test Client",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, client.ClientID)
	assert.NotEmpty(t, client.ClientSecret)
	assert.True(t, client.SecretExpiresAt.IsZero(), "no TTL means the secret never expires")

	// Each registration gets distinct credentials.
	other, err := svc.Register(ctx, Request{
		RedirectURIs: []string{"https://example.com/callback"},
	})
	require.NoError(t, err)
	assert.NotEqual(t, client.ClientID, other.ClientID)
	assert.NotEqual(t, client.ClientSecret, other.ClientSecret)

	got, ok, err := svc.GetClient(ctx, client.ClientID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Test Client", got.ClientName)
}

func TestRegister_Validation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	svc := newTestService(t)

	tooMany := make([]string, MaxRedirectURICount+1)
	for i := range tooMany {
		tooMany[i] = fmt.Sprintf("https://example.com/cb%d", i)
	}

	tests := []struct {
		name string
		req  Request
	}{
		{"no redirect URIs", Request{}},
		{"too many redirect URIs", Request{RedirectURIs: tooMany}},
		{"plain http", Request{RedirectURIs: []string{"http://example.com/callback"}}},
		{"custom scheme", Request{RedirectURIs: []string{"myapp://callback"}}},
		{"fragment", Request{RedirectURIs: []string{"https://example.com/cb#frag"}}},
		{"relative", Request{RedirectURIs: []string{"/callback"}}},
		{
			"client name too long",
			Request{
				RedirectURIs: []string{"https://example.com/callback"},
				ClientName:   strings.Repeat("x", MaxClientNameLength+1),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := svc.Register(ctx, tt.req)
			require.Error(t, err)
		})
	}
}

func TestRegister_LoopbackHTTP(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	svc := newTestService(t)

	for _, uri := range []string{
		"http://localhost:8080/callback",
		"http://127.0.0.1:6274/oauth/callback",
		"http://[::1]/callback",
	} {
		_, err := svc.Register(ctx, Request{RedirectURIs: []string{uri}})
		assert.NoError(t, err, "loopback http should be accepted: %s", uri)
	}
}

func TestValidateClient(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	svc := newTestService(t)

	client, err := svc.Register(ctx, Request{
		RedirectURIs: []string{"https://example.com/callback"},
	})
	require.NoError(t, err)

	require.NoError(t, svc.ValidateClient(ctx, client.ClientID, client.ClientSecret))

	err = svc.ValidateClient(ctx, client.ClientID, "wrong-secret")
	require.ErrorIs(t, err, ErrInvalidClient)

	err = svc.ValidateClient(ctx, "unknown-client", client.ClientSecret)
	require.ErrorIs(t, err, ErrInvalidClient)
}

func TestValidateClient_ExpiredSecret(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	svc := newTestService(t)

	client, err := svc.Register(ctx, Request{
		RedirectURIs: []string{"https://example.com/callback"},
		SecretTTL:    time.Nanosecond,
	})
	require.NoError(t, err)
	assert.False(t, client.SecretExpiresAt.IsZero())

	time.Sleep(10 * time.Millisecond)
	err = svc.ValidateClient(ctx, client.ClientID, client.ClientSecret)
	require.ErrorIs(t, err, ErrInvalidClient)
}

func TestDelete_Idempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	svc := newTestService(t)

	client, err := svc.Register(ctx, Request{
		RedirectURIs: []string{"https://example.com/callback"},
	})
	require.NoError(t, err)

	deleted, err := svc.Delete(ctx, client.ClientID)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = svc.Delete(ctx, client.ClientID)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestInitialAccessToken_Lifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	svc := newTestService(t)

	minted, err := svc.MintInitialAccessToken(ctx, MintOptions{MaxUses: 2})
	require.NoError(t, err)
	require.NotEmpty(t, minted.ID)
	require.NotEmpty(t, minted.Token)

	// First two uses succeed and are counted.
	first, err := svc.ValidateInitialAccessToken(ctx, minted.Token)
	require.NoError(t, err)
	assert.Equal(t, 1, first.UsageCount)
	assert.False(t, first.LastUsedAt.IsZero())

	second, err := svc.ValidateInitialAccessToken(ctx, minted.Token)
	require.NoError(t, err)
	assert.Equal(t, 2, second.UsageCount)

	// The cap is enforced on the third.
	_, err = svc.ValidateInitialAccessToken(ctx, minted.Token)
	require.ErrorIs(t, err, ErrInvalidRegistrationToken)
}

func TestInitialAccessToken_Expiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	svc := newTestService(t)

	minted, err := svc.MintInitialAccessToken(ctx, MintOptions{TTL: time.Nanosecond})
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	_, err = svc.ValidateInitialAccessToken(ctx, minted.Token)
	require.ErrorIs(t, err, ErrInvalidRegistrationToken)
}

func TestInitialAccessToken_Revoke(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	svc := newTestService(t)

	minted, err := svc.MintInitialAccessToken(ctx, MintOptions{})
	require.NoError(t, err)

	_, err = svc.ValidateInitialAccessToken(ctx, minted.Token)
	require.NoError(t, err)

	require.NoError(t, svc.RevokeInitialAccessToken(ctx, minted.ID))
	_, err = svc.ValidateInitialAccessToken(ctx, minted.Token)
	require.ErrorIs(t, err, ErrInvalidRegistrationToken)

	// Revoking again, or revoking an unknown id, is a no-op.
	require.NoError(t, svc.RevokeInitialAccessToken(ctx, minted.ID))
	require.NoError(t, svc.RevokeInitialAccessToken(ctx, "unknown-id"))
}

func TestInitialAccessToken_Unknown(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	svc := newTestService(t)

	_, err := svc.ValidateInitialAccessToken(ctx, "never-minted")
	require.ErrorIs(t, err, ErrInvalidRegistrationToken)
	_, err = svc.ValidateInitialAccessToken(ctx, "")
	require.ErrorIs(t, err, ErrInvalidRegistrationToken)
}
