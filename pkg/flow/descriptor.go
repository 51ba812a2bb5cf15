// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package flow implements the OAuth 2.0 authorization-code-with-PKCE flow
// engine: per-provider state machines over the session and token stores,
// and a refresh-token router that dispatches refresh requests to the
// owning provider without probing.
package flow

import (
	"golang.org/x/oauth2/github"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"
)

// ClaimMapping names the userinfo response claims that map onto the
// canonical user profile fields. Zero-value fields fall back to the
// standard OIDC claim names.
type ClaimMapping struct {
	Subject string
	Email   string
	Name    string
}

// withDefaults fills unset claim names with the OIDC defaults.
func (m ClaimMapping) withDefaults() ClaimMapping {
	if m.Subject == "" {
		m.Subject = "sub"
	}
	if m.Email == "" {
		m.Email = "email"
	}
	if m.Name == "" {
		m.Name = "name"
	}
	return m
}

// Descriptor captures everything provider-specific about an identity
// provider: its endpoints, default scopes, and claim mapping. The flow
// logic itself is provider-agnostic; use one of the built-in descriptors
// or construct a Descriptor directly for a generic provider.
type Descriptor struct {
	// Name is the provider tag recorded on sessions and tokens. It must
	// be unique within a router.
	Name string

	// AuthorizationEndpoint is the upstream authorization URL.
	AuthorizationEndpoint string

	// TokenEndpoint is the upstream token URL.
	TokenEndpoint string

	// UserInfoEndpoint is the upstream userinfo URL. Empty disables the
	// profile fetch after a code exchange.
	UserInfoEndpoint string

	// DefaultScopes are requested when the caller does not supply scopes.
	DefaultScopes []string

	// Claims maps userinfo response fields onto the user profile.
	Claims ClaimMapping
}

// GoogleDescriptor returns the descriptor for Google OAuth 2.0 / OIDC.
func GoogleDescriptor() Descriptor {
	return Descriptor{
		Name:                  "google",
		AuthorizationEndpoint: google.Endpoint.AuthURL,
		TokenEndpoint:         google.Endpoint.TokenURL,
		UserInfoEndpoint:      "https://openidconnect.googleapis.com/v1/userinfo",
		DefaultScopes:         []string{"openid", "email", "profile"},
	}
}

// GitHubDescriptor returns the descriptor for GitHub OAuth 2.0. GitHub is
// not an OIDC provider; the profile comes from the REST user endpoint and
// the subject is the numeric account id.
func GitHubDescriptor() Descriptor {
	return Descriptor{
		Name:                  "github",
		AuthorizationEndpoint: github.Endpoint.AuthURL,
		TokenEndpoint:         github.Endpoint.TokenURL,
		UserInfoEndpoint:      "https://api.github.com/user",
		DefaultScopes:         []string{"read:user", "user:email"},
		Claims: ClaimMapping{
			Subject: "id",
			Email:   "email",
			Name:    "name",
		},
	}
}

// MicrosoftDescriptor returns the descriptor for Microsoft Entra ID in the
// given tenant ("common" accepts any account).
func MicrosoftDescriptor(tenant string) Descriptor {
	if tenant == "" {
		tenant = "common"
	}
	endpoint := microsoft.AzureADEndpoint(tenant)
	return Descriptor{
		Name:                  "microsoft",
		AuthorizationEndpoint: endpoint.AuthURL,
		TokenEndpoint:         endpoint.TokenURL,
		UserInfoEndpoint:      "https://graph.microsoft.com/oidc/userinfo",
		DefaultScopes:         []string{"openid", "email", "profile", "offline_access"},
	}
}
