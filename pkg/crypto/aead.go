// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// KeyLength is the required AEAD key length in bytes (AES-256).
const KeyLength = 32

// ErrDecryptionFailed is returned when a ciphertext fails authentication.
// Callers must treat this as data corruption or a key mismatch, never as
// an absent record.
var ErrDecryptionFailed = errors.New("decryption failed: ciphertext could not be authenticated")

// AEAD performs authenticated encryption with AES-256-GCM.
// The nonce is generated per message and prepended to the ciphertext.
type AEAD struct {
	aead cipher.AEAD
}

// NewAEAD creates an AEAD from a raw 32-byte key.
func NewAEAD(key []byte) (*AEAD, error) {
	if len(key) != KeyLength {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeyLength, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &AEAD{aead: aead}, nil
}

// ParseKey decodes a base64-encoded (standard or URL-safe) 32-byte key.
func ParseKey(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, errors.New("encryption key is empty")
	}

	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding,
		base64.URLEncoding, base64.RawURLEncoding,
	} {
		if key, err := enc.DecodeString(encoded); err == nil {
			if len(key) != KeyLength {
				return nil, fmt.Errorf("encryption key must decode to %d bytes, got %d", KeyLength, len(key))
			}
			return key, nil
		}
	}
	return nil, errors.New("encryption key is not valid base64")
}

// GenerateKey generates a random 32-byte AEAD key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeyLength)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return key, nil
}

// Seal encrypts and authenticates plaintext. The returned slice contains the
// nonce followed by the ciphertext.
func (a *AEAD) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, a.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return a.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open authenticates and decrypts data produced by Seal.
// Returns ErrDecryptionFailed if authentication fails.
func (a *AEAD) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < a.aead.NonceSize() {
		return nil, ErrDecryptionFailed
	}

	nonce, ciphertext := sealed[:a.aead.NonceSize()], sealed[a.aead.NonceSize():]
	plaintext, err := a.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}
