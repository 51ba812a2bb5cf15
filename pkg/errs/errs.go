// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package errs defines the typed error taxonomy for the authorization layer.
// Errors carry a kind that tells the transport layer how the caller should
// recover, plus the tag of the provider the failure belongs to.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an authorization-layer failure.
type Kind string

const (
	// KindState is an invalid, missing, or expired authorization state.
	// The caller must restart the flow.
	KindState Kind = "state"

	// KindToken is an upstream token-endpoint exchange or refresh failure.
	// The caller must restart the flow or retry later.
	KindToken Kind = "token"

	// KindProvider is a provider misconfiguration, such as missing credentials.
	KindProvider Kind = "provider"

	// KindStore is a storage backend I/O or encryption failure.
	KindStore Kind = "store"
)

// Error is a typed authorization-layer error.
type Error struct {
	// Kind classifies the failure.
	Kind Kind

	// Provider is the tag of the provider the failure belongs to, if any.
	Provider string

	// Message is a caller-safe description. It never contains credentials
	// or internal session bookkeeping detail.
	Message string

	// Detail carries optional diagnostics, such as an upstream HTTP status
	// and short body excerpt. Intended for logs, not end users.
	Detail string

	// Cause is the underlying error, if any.
	Cause error
}

// Error returns the error message.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s error: %s", e.Kind, e.Message)
	if e.Provider != "" {
		msg = fmt.Sprintf("%s error (provider %s): %s", e.Kind, e.Provider, e.Message)
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewStateError creates a state error for the given provider.
func NewStateError(provider, message string) *Error {
	return &Error{Kind: KindState, Provider: provider, Message: message}
}

// NewTokenError creates a token error for the given provider.
func NewTokenError(provider, message, detail string) *Error {
	return &Error{Kind: KindToken, Provider: provider, Message: message, Detail: detail}
}

// NewProviderError creates a provider configuration error.
func NewProviderError(provider, message string) *Error {
	return &Error{Kind: KindProvider, Provider: provider, Message: message}
}

// NewStoreError creates a store error wrapping the backend failure.
func NewStoreError(message string, cause error) *Error {
	return &Error{Kind: KindStore, Message: message, Cause: cause}
}

// IsKind reports whether err is an authorization-layer error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
