// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package registration

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/authgate/pkg/crypto"
	"github.com/stacklok/authgate/pkg/logger"
	"github.com/stacklok/authgate/pkg/store"
)

// MintOptions bound an initial access token's validity.
type MintOptions struct {
	// TTL bounds the token's lifetime. Zero means it never expires.
	TTL time.Duration

	// MaxUses caps successful validations. Zero means unlimited.
	MaxUses int
}

// MintInitialAccessToken creates a bootstrap credential that authorizes
// dynamic client registration requests.
func (s *Service) MintInitialAccessToken(ctx context.Context, opts MintOptions) (*store.InitialAccessToken, error) {
	value, err := crypto.GenerateSecret()
	if err != nil {
		return nil, fmt.Errorf("failed to generate registration token: %w", err)
	}

	token := &store.InitialAccessToken{
		ID:      uuid.NewString(),
		Token:   value,
		MaxUses: opts.MaxUses,
	}
	if opts.TTL > 0 {
		token.ExpiresAt = time.Now().Add(opts.TTL)
	}

	if err := s.regTokens.Put(ctx, token.ID, token); err != nil {
		return nil, fmt.Errorf("failed to persist registration token: %w", err)
	}

	logger.Infow("registration token minted",
		"token_id", token.ID,
		"max_uses", token.MaxUses,
		"expires", !token.ExpiresAt.IsZero(),
	)
	return token, nil
}

// ValidateInitialAccessToken checks the presented token value and, when it
// is usable, records the use: the usability check, the usage-count
// increment, and the last-used timestamp update happen as one atomic step.
func (s *Service) ValidateInitialAccessToken(ctx context.Context, value string) (*store.InitialAccessToken, error) {
	if value == "" {
		return nil, ErrInvalidRegistrationToken
	}

	s.usageMu.Lock()
	defer s.usageMu.Unlock()

	token, ok, err := s.lookupByValue(ctx, value)
	if err != nil {
		return nil, fmt.Errorf("failed to look up registration token: %w", err)
	}
	if !ok {
		return nil, ErrInvalidRegistrationToken
	}

	now := time.Now()
	if !token.Usable(now) {
		return nil, ErrInvalidRegistrationToken
	}

	token.UsageCount++
	token.LastUsedAt = now
	if err := s.regTokens.Put(ctx, token.ID, token); err != nil {
		return nil, fmt.Errorf("failed to record registration token use: %w", err)
	}
	return token, nil
}

// RevokeInitialAccessToken marks the token unusable. Revoking an absent
// or already-revoked token is not an error.
func (s *Service) RevokeInitialAccessToken(ctx context.Context, id string) error {
	s.usageMu.Lock()
	defer s.usageMu.Unlock()

	token, ok, err := s.regTokens.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to look up registration token: %w", err)
	}
	if !ok || token.Revoked {
		return nil
	}

	token.Revoked = true
	if err := s.regTokens.Put(ctx, token.ID, token); err != nil {
		return fmt.Errorf("failed to revoke registration token: %w", err)
	}
	logger.Infow("registration token revoked", "token_id", id)
	return nil
}

// lookupByValue resolves a token by its opaque value: via the store's
// secondary index when available, otherwise by scanning.
func (s *Service) lookupByValue(ctx context.Context, value string) (*store.InitialAccessToken, bool, error) {
	if indexed, ok := s.regTokens.(store.Indexed[*store.InitialAccessToken]); ok {
		return indexed.GetByIndex(ctx, value)
	}

	keys, err := s.regTokens.Keys(ctx)
	if err != nil {
		return nil, false, err
	}
	for _, key := range keys {
		token, ok, err := s.regTokens.Get(ctx, key)
		if err != nil {
			return nil, false, err
		}
		if ok && token.Token == value {
			return token, true, nil
		}
	}
	return nil, false, nil
}
