// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"context"
	"fmt"

	"github.com/stacklok/authgate/pkg/errs"
	"github.com/stacklok/authgate/pkg/logger"
	"github.com/stacklok/authgate/pkg/store"
)

// Router dispatches refresh requests to the provider that issued the
// refresh token. The token store's refresh-token reverse index identifies
// the owner with a single lookup instead of probing every provider's
// token endpoint in turn.
type Router struct {
	providers []*Provider
	byName    map[string]*Provider
	tokens    store.TokenStore
}

// NewRouter creates a Router over the given providers and their shared
// token store. Provider names must be unique.
func NewRouter(tokens store.TokenStore, providers ...*Provider) (*Router, error) {
	if tokens == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("at least one provider is required")
	}

	byName := make(map[string]*Provider, len(providers))
	for _, p := range providers {
		if _, exists := byName[p.Name()]; exists {
			return nil, fmt.Errorf("duplicate provider name: %q", p.Name())
		}
		byName[p.Name()] = p
	}

	return &Router{
		providers: providers,
		byName:    byName,
		tokens:    tokens,
	}, nil
}

// Refresh locates the provider that owns refreshToken and dispatches the
// refresh to it.
//
// When the reverse index identifies the owner, its answer is definitive: a
// refresh failure from the known-correct provider is returned as-is, never
// retried against the others. Only an index miss (a token issued before
// this instance started) or an index error degrades to the sequential
// probe. With a single configured provider the probe is the same thing as
// direct dispatch, so the lookup is skipped entirely.
func (r *Router) Refresh(ctx context.Context, refreshToken string) (*store.TokenInfo, error) {
	if refreshToken == "" {
		return nil, errs.NewTokenError("", "refresh token is required", "")
	}

	if len(r.providers) == 1 {
		return r.providers[0].HandleTokenRefresh(ctx, refreshToken)
	}

	info, ok, err := r.tokens.GetByIndex(ctx, refreshToken)
	if err != nil {
		logger.Warnw("refresh token lookup failed, probing providers", "error", err)
		return r.probe(ctx, refreshToken)
	}
	if !ok {
		logger.Debugw("refresh token not tracked locally, probing providers")
		return r.probe(ctx, refreshToken)
	}

	owner, found := r.byName[info.Provider]
	if !found {
		// The record names a provider that is no longer configured.
		logger.Warnw("refresh token owned by unknown provider, probing",
			"provider", info.Provider)
		return r.probe(ctx, refreshToken)
	}

	return owner.HandleTokenRefresh(ctx, refreshToken)
}

// probe tries each provider in order and returns the first success.
func (r *Router) probe(ctx context.Context, refreshToken string) (*store.TokenInfo, error) {
	var lastErr error
	for _, p := range r.providers {
		info, err := p.HandleTokenRefresh(ctx, refreshToken)
		if err == nil {
			return info, nil
		}
		lastErr = err
	}
	return nil, errs.NewTokenError("", "no provider accepted the refresh token",
		fmt.Sprintf("tried %d providers, last error: %v", len(r.providers), lastErr))
}
