// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/stacklok/authgate/pkg/logger"
)

// File names and key prefixes per record kind. A single store owns each
// file; redis key prefixes keep the kinds from colliding in a shared
// instance.
const (
	sessionsName    = "sessions"
	tokensName      = "tokens"
	clientsName     = "clients"
	regTokensName   = "registration_tokens"
	redisPrefixBase = "authgate:"
)

// Backends bundles the stores the engine operates on. All share one
// configuration and backend tier.
type Backends struct {
	Sessions           SessionStore
	Tokens             TokenStore
	Clients            ClientStore
	RegistrationTokens RegistrationTokenStore
}

// NewBackends constructs all stores for the configured tier.
//
// Sessions are short-lived and read back immediately after write, so
// they sit directly on the backend. Tokens, clients and registration
// tokens live longer and are read-heavy; on the file and redis tiers
// they are fronted by an in-memory write-through cache.
func NewBackends(ctx context.Context, cfg *Config) (*Backends, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, w := range cfg.Warnings {
		logger.Warn(w)
	}

	sessions, err := newBackend[*Session](ctx, cfg, sessionsName, nil)
	if err != nil {
		return nil, err
	}

	tokens, err := newCachedBackend[*TokenInfo](ctx, cfg, tokensName, TokenRefreshIndex)
	if err != nil {
		closeAll(sessions)
		return nil, err
	}

	clients, err := newCachedBackend[*RegisteredClient](ctx, cfg, clientsName, nil)
	if err != nil {
		closeAll(sessions, tokens)
		return nil, err
	}

	regTokens, err := newCachedBackend[*InitialAccessToken](ctx, cfg, regTokensName, RegistrationTokenIndex)
	if err != nil {
		closeAll(sessions, tokens, clients)
		return nil, err
	}

	logger.Infow("storage initialized", "type", cfg.Type)
	return &Backends{
		Sessions:           sessions,
		Tokens:             tokens,
		Clients:            clients,
		RegistrationTokens: regTokens,
	}, nil
}

// Close releases every store. The first error wins but all stores are
// closed regardless.
func (b *Backends) Close() error {
	var firstErr error
	for _, c := range []interface{ Close() error }{
		b.Sessions, b.Tokens, b.Clients, b.RegistrationTokens,
	} {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// NewSessionStore creates the session store on the configured tier.
// Sessions are not cached: they are written once and consumed once.
func NewSessionStore(ctx context.Context, cfg *Config) (SessionStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newBackend[*Session](ctx, cfg, sessionsName, nil)
}

// NewTokenStore creates the token store on the configured tier, with the
// refresh-token reverse index and an in-memory cache on durable tiers.
func NewTokenStore(ctx context.Context, cfg *Config) (TokenStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newCachedBackend[*TokenInfo](ctx, cfg, tokensName, TokenRefreshIndex)
}

// NewClientStore creates the registered-client store on the configured
// tier, cached on durable tiers.
func NewClientStore(ctx context.Context, cfg *Config) (ClientStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newCachedBackend[*RegisteredClient](ctx, cfg, clientsName, nil)
}

// NewRegistrationTokenStore creates the initial-access-token store on the
// configured tier, cached on durable tiers.
func NewRegistrationTokenStore(ctx context.Context, cfg *Config) (RegistrationTokenStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newCachedBackend[*InitialAccessToken](ctx, cfg, regTokensName, RegistrationTokenIndex)
}

// newBackend creates a single store on the configured tier.
func newBackend[V Record](
	ctx context.Context, cfg *Config, name string, indexFn IndexFunc[V],
) (Store[V], error) {
	switch cfg.Type {
	case TypeMemory:
		opts := []MemoryOption[V]{}
		if cfg.CleanupInterval > 0 {
			opts = append(opts, WithCleanupInterval[V](cfg.CleanupInterval))
		}
		if indexFn != nil {
			opts = append(opts, WithIndex[V](indexFn))
		}
		return NewMemoryStore[V](opts...), nil

	case TypeFile:
		opts := []FileOption[V]{}
		if cfg.FlushDelay > 0 {
			opts = append(opts, WithFlushDelay[V](cfg.FlushDelay))
		}
		if indexFn != nil {
			opts = append(opts, WithFileIndex[V](indexFn))
		}
		if cfg.EncryptFile {
			opts = append(opts, WithEncryptionKey[V](cfg.EncryptionKey))
		}
		path := filepath.Join(cfg.StorageDir, name+".json")
		return NewFileStore[V](path, opts...)

	case TypeRedis:
		opts := []RedisOption[V]{}
		if indexFn != nil {
			opts = append(opts, WithRedisIndex[V](indexFn))
		}
		prefix := redisPrefixBase + name + ":"
		return NewRedisStore[V](ctx, cfg.RedisURL, prefix, cfg.EncryptionKey, opts...)

	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}

// newCachedBackend wraps the configured backend with an in-memory
// write-through cache on the durable tiers. On the memory tier the
// backend is already in memory and is returned as-is.
func newCachedBackend[V Record](
	ctx context.Context, cfg *Config, name string, indexFn IndexFunc[V],
) (*CachedStore[V], error) {
	secondary, err := newBackend[V](ctx, cfg, name, indexFn)
	if err != nil {
		return nil, err
	}
	if cfg.Type == TypeMemory {
		return NewCachedStore[V](secondary, nil), nil
	}

	primaryOpts := []MemoryOption[V]{}
	if indexFn != nil {
		primaryOpts = append(primaryOpts, WithIndex[V](indexFn))
	}
	primary := NewMemoryStore[V](primaryOpts...)
	return NewCachedStore[V](primary, secondary), nil
}

func closeAll(stores ...interface{ Close() error }) {
	for _, s := range stores {
		if s == nil {
			continue
		}
		if err := s.Close(); err != nil {
			logger.Warnw("failed to close store", "error", err)
		}
	}
}
