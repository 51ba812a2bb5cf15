// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package store provides the persistence substrate for the authorization
// layer: the backend-agnostic store contracts, the three backend tiers
// (memory, file, redis), the write-through caching decorator, and the
// environment-driven factory that selects among them.
package store

import (
	"context"
	"time"
)

// DefaultSessionTTL is the lifetime of an authorization session.
const DefaultSessionTTL = 10 * time.Minute

// DefaultCleanupInterval is how often the background cleanup runs.
const DefaultCleanupInterval = 5 * time.Minute

// Record is implemented by every record type held in a store.
type Record interface {
	// StoreKey returns the record's natural primary key.
	StoreKey() string

	// ExpiryTime returns the absolute expiry of the record.
	// The zero time means the record never expires.
	ExpiryTime() time.Time
}

// Store is the backend-agnostic persistence contract. All three backend
// tiers implement it identically from the caller's perspective.
//
// Get treats records whose expiry has passed as absent and removes them as
// a side effect (lazy expiry), in addition to any active sweep.
type Store[V Record] interface {
	// Put stores a value under the given key, overwriting any existing record.
	Put(ctx context.Context, key string, value V) error

	// Get returns the value for key, or ok=false if absent or expired.
	Get(ctx context.Context, key string) (value V, ok bool, err error)

	// Delete removes the record for key. Deleting an absent key is not an
	// error; the boolean reports whether a record was removed.
	Delete(ctx context.Context, key string) (bool, error)

	// Cleanup removes all expired records and returns the count removed.
	Cleanup(ctx context.Context) (int, error)

	// Count returns the number of live records.
	Count(ctx context.Context) (int, error)

	// Keys returns the keys of all live records.
	Keys(ctx context.Context) ([]string, error)

	// Close releases backend resources. Safe to call more than once.
	Close() error
}

// Indexed is implemented by stores configured with a secondary index
// (e.g. refresh token -> access token).
type Indexed[V Record] interface {
	// GetByIndex returns the value whose index key matches, or ok=false.
	GetByIndex(ctx context.Context, indexKey string) (value V, ok bool, err error)
}

// IndexFunc extracts the secondary index key from a value. The boolean
// reports whether the value participates in the index at all.
type IndexFunc[V Record] func(V) (string, bool)

// SessionStore persists ephemeral authorization sessions.
type SessionStore = Store[*Session]

// ClientStore persists dynamically registered client records.
type ClientStore = Store[*RegisteredClient]

// RegistrationTokenStore persists initial access tokens for dynamic
// client registration.
type RegistrationTokenStore = Store[*InitialAccessToken]

// TokenStore persists issued token records, indexed by refresh token for
// O(1) refresh routing.
type TokenStore interface {
	Store[*TokenInfo]
	Indexed[*TokenInfo]
}

// Session tracks a client's authorization request while they authenticate
// with the upstream provider. Sessions are single-use: the callback that
// consumes one removes it.
type Session struct {
	// State is our randomly generated state, used as the session key and
	// for correlating the upstream callback.
	State string `json:"state"`

	// CodeVerifier is the PKCE code_verifier. Empty when the caller manages
	// its own PKCE and holds the verifier itself.
	CodeVerifier string `json:"codeVerifier"`

	// CodeChallenge is the PKCE code_challenge sent upstream.
	CodeChallenge string `json:"codeChallenge"`

	// RedirectURI is this server's callback URL registered upstream.
	RedirectURI string `json:"redirectUri"`

	// ClientRedirectURI is the caller's own redirect for pass-through flows.
	// When set, the callback hands the code off to it instead of exchanging.
	ClientRedirectURI string `json:"clientRedirectUri,omitempty"`

	// ClientState is the caller's own state value, preserved so our internal
	// state token never leaks to the caller.
	ClientState string `json:"clientState,omitempty"`

	// Scopes are the OAuth scopes requested for this session.
	Scopes []string `json:"scopes,omitempty"`

	// Provider is the tag of the provider that owns this session.
	Provider string `json:"provider"`

	// ExpiresAt is when the session expires.
	ExpiresAt time.Time `json:"expiresAt"`
}

// ExpiryTime implements Record.
func (s *Session) ExpiryTime() time.Time {
	return s.ExpiresAt
}

// StoreKey implements Record.
func (s *Session) StoreKey() string {
	return s.State
}

// UserInfo contains user profile information fetched from the upstream
// provider after a successful code exchange.
type UserInfo struct {
	// Subject is the unique identifier for the user.
	Subject string `json:"sub"`

	// Email is the user's email address.
	Email string `json:"email,omitempty"`

	// Name is the user's display name.
	Name string `json:"name,omitempty"`

	// Provider is the tag of the provider the profile came from.
	Provider string `json:"provider,omitempty"`

	// Extra holds provider-specific claims not covered by the fields above.
	Extra map[string]any `json:"extra,omitempty"`
}

// TokenInfo is a long-lived record of tokens issued via code exchange or
// refresh, keyed by access token.
type TokenInfo struct {
	// AccessToken is the primary key.
	AccessToken string `json:"accessToken"`

	// RefreshToken is the refresh token, if the provider issued one.
	RefreshToken string `json:"refreshToken,omitempty"`

	// IDToken is the OIDC ID token, if the provider issued one.
	IDToken string `json:"idToken,omitempty"`

	// ExpiresAt is when the access token expires.
	ExpiresAt time.Time `json:"expiresAt"`

	// User is the profile fetched from the provider.
	User UserInfo `json:"userInfo"`

	// Provider is the tag of the provider that issued the tokens.
	Provider string `json:"provider"`

	// Scopes are the granted scopes.
	Scopes []string `json:"scopes,omitempty"`
}

// ExpiryTime implements Record.
func (t *TokenInfo) ExpiryTime() time.Time {
	return t.ExpiresAt
}

// StoreKey implements Record.
func (t *TokenInfo) StoreKey() string {
	return t.AccessToken
}

// TokenRefreshIndex is the IndexFunc for the refresh-token reverse index.
// Records without a refresh token do not participate.
func TokenRefreshIndex(t *TokenInfo) (string, bool) {
	return t.RefreshToken, t.RefreshToken != ""
}

// RegisteredClient is a dynamic client registration record (RFC 7591).
type RegisteredClient struct {
	// ClientID is the generated, globally unique client identifier.
	ClientID string `json:"client_id"`

	// ClientSecret is the generated client secret.
	ClientSecret string `json:"client_secret,omitempty"`

	// SecretExpiresAt is when the secret expires. Zero means never.
	SecretExpiresAt time.Time `json:"client_secret_expires_at,omitempty"`

	// RedirectURIs are the caller-supplied redirection URIs.
	RedirectURIs []string `json:"redirect_uris"`

	// ClientName is a human-readable name for the client.
	ClientName string `json:"client_name,omitempty"`

	// CreatedAt is when the registration was created.
	CreatedAt time.Time `json:"created_at"`
}

// ExpiryTime implements Record. A client record expires with its secret.
func (c *RegisteredClient) ExpiryTime() time.Time {
	return c.SecretExpiresAt
}

// StoreKey implements Record.
func (c *RegisteredClient) StoreKey() string {
	return c.ClientID
}

// InitialAccessToken is a bootstrap credential authorizing dynamic client
// registration requests.
type InitialAccessToken struct {
	// ID is the token record identifier and primary key.
	ID string `json:"id"`

	// Token is the opaque credential value presented by callers.
	Token string `json:"token"`

	// ExpiresAt is when the token expires. Zero means never.
	ExpiresAt time.Time `json:"expires_at,omitempty"`

	// MaxUses caps successful validations. Zero means unlimited.
	MaxUses int `json:"max_uses,omitempty"`

	// UsageCount is incremented atomically with each successful validation.
	UsageCount int `json:"usage_count"`

	// Revoked marks the token as unusable.
	Revoked bool `json:"revoked"`

	// LastUsedAt is when the token last validated successfully.
	LastUsedAt time.Time `json:"last_used_at,omitempty"`
}

// ExpiryTime implements Record.
func (t *InitialAccessToken) ExpiryTime() time.Time {
	return t.ExpiresAt
}

// StoreKey implements Record.
func (t *InitialAccessToken) StoreKey() string {
	return t.ID
}

// RegistrationTokenIndex is the IndexFunc mapping the opaque token value
// presented by callers to the record id.
func RegistrationTokenIndex(t *InitialAccessToken) (string, bool) {
	return t.Token, t.Token != ""
}

// Usable reports whether the token can still authorize a registration:
// not revoked, not expired, and under its usage cap.
func (t *InitialAccessToken) Usable(now time.Time) bool {
	if t.Revoked {
		return false
	}
	if !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt) {
		return false
	}
	if t.MaxUses > 0 && t.UsageCount >= t.MaxUses {
		return false
	}
	return true
}
