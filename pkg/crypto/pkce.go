// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package crypto provides the credential primitives for the authorization
// layer: PKCE material, CSPRNG state tokens, and the authenticated encryption
// used by the encrypting storage backends.
package crypto

import (
	"golang.org/x/oauth2"
)

// PKCEChallengeMethodS256 is the PKCE challenge method using SHA-256 (RFC 7636).
const PKCEChallengeMethodS256 = "S256"

// PKCE holds a code_verifier and its derived code_challenge.
type PKCE struct {
	Verifier  string
	Challenge string
}

// GeneratePKCE generates a cryptographically random code_verifier per
// RFC 7636 Section 4.1 and its S256 code_challenge per Section 4.2.
//
// This delegates to oauth2.GenerateVerifier() and
// oauth2.S256ChallengeFromVerifier() from golang.org/x/oauth2. It will panic
// on crypto/rand read failure (which is appropriate for this case).
func GeneratePKCE() PKCE {
	verifier := oauth2.GenerateVerifier()
	return PKCE{
		Verifier:  verifier,
		Challenge: oauth2.S256ChallengeFromVerifier(verifier),
	}
}

// ComputePKCEChallenge computes the code_challenge from a code_verifier
// using the S256 method per RFC 7636 Section 4.2.
// code_challenge = BASE64URL(SHA256(code_verifier))
func ComputePKCEChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}
