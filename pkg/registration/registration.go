// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package registration implements OAuth 2.0 Dynamic Client Registration
// (RFC 7591): creating and validating client records, and the initial
// access tokens that authorize registration requests.
package registration

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/authgate/pkg/crypto"
	"github.com/stacklok/authgate/pkg/logger"
	"github.com/stacklok/authgate/pkg/store"
)

// Validation limits to prevent DoS via excessively large requests.
const (
	// MaxRedirectURICount is the maximum number of redirect URIs allowed
	// per client.
	MaxRedirectURICount = 10

	// MaxClientNameLength is the maximum allowed length for a client name.
	MaxClientNameLength = 256
)

// ErrInvalidClient is returned when client credentials do not validate.
// The message is deliberately uniform across "unknown client", "wrong
// secret", and "expired secret" so responses do not disclose which.
var ErrInvalidClient = errors.New("invalid client credentials")

// ErrInvalidRegistrationToken is returned when an initial access token is
// unknown, revoked, expired, or over its usage cap.
var ErrInvalidRegistrationToken = errors.New("invalid registration token")

// Request is a dynamic client registration request.
type Request struct {
	// RedirectURIs are the client's redirection URIs. Required.
	RedirectURIs []string

	// ClientName is a human-readable name for the client.
	ClientName string

	// SecretTTL bounds the generated secret's lifetime. Zero means the
	// secret never expires.
	SecretTTL time.Duration
}

// Service manages dynamic client registrations and the initial access
// tokens that authorize them.
type Service struct {
	clients   store.ClientStore
	regTokens store.RegistrationTokenStore

	// usageMu serializes initial-access-token validation so the usable
	// check and the usage-count increment are one atomic step.
	usageMu sync.Mutex
}

// NewService creates a registration service over the given stores.
func NewService(clients store.ClientStore, regTokens store.RegistrationTokenStore) (*Service, error) {
	if clients == nil || regTokens == nil {
		return nil, errors.New("client and registration token stores are required")
	}
	return &Service{clients: clients, regTokens: regTokens}, nil
}

// Register validates the request and creates a client record with a
// generated client_id and secret.
func (s *Service) Register(ctx context.Context, req Request) (*store.RegisteredClient, error) {
	if len(req.RedirectURIs) == 0 {
		return nil, errors.New("redirect_uris is required")
	}
	if len(req.RedirectURIs) > MaxRedirectURICount {
		return nil, fmt.Errorf("too many redirect_uris (maximum %d)", MaxRedirectURICount)
	}
	for _, uri := range req.RedirectURIs {
		if err := validateRedirectURI(uri); err != nil {
			return nil, err
		}
	}
	if len(req.ClientName) > MaxClientNameLength {
		return nil, fmt.Errorf("client_name too long (maximum %d characters)", MaxClientNameLength)
	}

	secret, err := crypto.GenerateSecret()
	if err != nil {
		return nil, fmt.Errorf("failed to generate client secret: %w", err)
	}

	client := &store.RegisteredClient{
		ClientID:     uuid.NewString(),
		ClientSecret: secret,
		RedirectURIs: req.RedirectURIs,
		ClientName:   req.ClientName,
		CreatedAt:    time.Now(),
	}
	if req.SecretTTL > 0 {
		client.SecretExpiresAt = client.CreatedAt.Add(req.SecretTTL)
	}

	if err := s.clients.Put(ctx, client.ClientID, client); err != nil {
		return nil, fmt.Errorf("failed to persist client registration: %w", err)
	}

	logger.Infow("client registered",
		"client_id", client.ClientID,
		"client_name", client.ClientName,
		"redirect_uris", len(client.RedirectURIs),
	)
	return client, nil
}

// ValidateClient checks a client_id/secret pair. The comparison is
// constant-time and secret expiry is enforced at validation time as well
// as by the store's sweep.
func (s *Service) ValidateClient(ctx context.Context, clientID, clientSecret string) error {
	client, ok, err := s.clients.Get(ctx, clientID)
	if err != nil {
		return fmt.Errorf("failed to look up client: %w", err)
	}
	if !ok {
		return ErrInvalidClient
	}
	if subtle.ConstantTimeCompare([]byte(client.ClientSecret), []byte(clientSecret)) != 1 {
		return ErrInvalidClient
	}
	if !client.SecretExpiresAt.IsZero() && time.Now().After(client.SecretExpiresAt) {
		return ErrInvalidClient
	}
	return nil
}

// GetClient returns a registered client by id.
func (s *Service) GetClient(ctx context.Context, clientID string) (*store.RegisteredClient, bool, error) {
	return s.clients.Get(ctx, clientID)
}

// Delete removes a client registration. Deleting an absent client is not
// an error; the result reports whether a record was removed.
func (s *Service) Delete(ctx context.Context, clientID string) (bool, error) {
	return s.clients.Delete(ctx, clientID)
}
