// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// stateByteLength is the number of random bytes in a state token.
// 32 bytes gives 256 bits of entropy, encoded as 43 base64url characters.
const stateByteLength = 32

// GenerateState generates a cryptographically random URL-safe token suitable
// for use as an OAuth state parameter or session key.
func GenerateState() (string, error) {
	return randomToken(stateByteLength)
}

// GenerateSecret generates a cryptographically random URL-safe value
// suitable for use as a client secret or bootstrap credential.
func GenerateSecret() (string, error) {
	return randomToken(stateByteLength)
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
