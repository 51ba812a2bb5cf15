// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/stacklok/toolhive-core/env"

	"github.com/stacklok/authgate/pkg/crypto"
)

// Type identifies a storage backend tier.
type Type string

const (
	// TypeMemory is the ephemeral in-process tier (default).
	TypeMemory Type = "memory"

	// TypeFile is the durable single-node tier.
	TypeFile Type = "file"

	// TypeRedis is the distributed tier.
	TypeRedis Type = "redis"
)

// Environment variables recognized by ConfigFromEnv.
const (
	// StoreTypeEnvVar explicitly selects a backend tier, bypassing
	// auto-detection.
	StoreTypeEnvVar = "AUTHGATE_STORE_TYPE"

	// RedisURLEnvVar holds the distributed-store connection URL. Its
	// presence selects the redis tier unless overridden.
	RedisURLEnvVar = "AUTHGATE_REDIS_URL"

	// StorageDirEnvVar holds the base directory for the file tier.
	StorageDirEnvVar = "AUTHGATE_STORAGE_DIR"

	// EncryptionKeyEnvVar holds the base64-encoded 32-byte AEAD key.
	EncryptionKeyEnvVar = "AUTHGATE_ENCRYPTION_KEY"

	// EncryptStorageEnvVar mandates encryption at rest for the file tier.
	EncryptStorageEnvVar = "AUTHGATE_ENCRYPT_STORAGE"

	// TestModeEnvVar forces the memory tier, keeping test runs isolated.
	TestModeEnvVar = "AUTHGATE_TEST_MODE"

	// CIEnvVar is the conventional CI marker; it forces the memory tier
	// the same way TestModeEnvVar does.
	CIEnvVar = "CI"
)

// defaultStorageSubdir is the directory under the user config dir used
// when StorageDirEnvVar is unset.
const defaultStorageSubdir = "authgate"

// Config configures the storage backends created by the factory.
type Config struct {
	// Type selects the backend tier. Defaults to memory.
	Type Type

	// RedisURL is the distributed-store connection URL (redis tier).
	RedisURL string

	// StorageDir is the base directory for store files (file tier).
	StorageDir string

	// EncryptionKey is the raw 32-byte AEAD key. Required by the redis
	// tier, and by the file tier when EncryptFile is set.
	EncryptionKey []byte

	// EncryptFile mandates encryption at rest for the file tier.
	EncryptFile bool

	// CleanupInterval overrides the background sweep interval.
	CleanupInterval time.Duration

	// FlushDelay overrides the file tier's write debounce window.
	FlushDelay time.Duration

	// Warnings collects non-fatal observations made while resolving the
	// configuration, for the caller to report.
	Warnings []string
}

// DefaultConfig returns the memory-tier configuration.
func DefaultConfig() *Config {
	return &Config{Type: TypeMemory}
}

// ConfigFromEnv resolves a Config from the process environment.
func ConfigFromEnv() (*Config, error) {
	return ConfigFromEnvReader(&env.OSReader{})
}

// ConfigFromEnvReader resolves a Config using the given environment
// reader. This allows for dependency injection of environment variable
// access for testing.
//
// Resolution order: test/CI markers force the memory tier; an explicit
// type override wins next; otherwise the presence of a redis URL selects
// the redis tier and the default is memory.
func ConfigFromEnvReader(envReader env.Reader) (*Config, error) {
	cfg := DefaultConfig()
	cfg.RedisURL = envReader.Getenv(RedisURLEnvVar)

	if encoded := envReader.Getenv(EncryptionKeyEnvVar); encoded != "" {
		key, err := crypto.ParseKey(encoded)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EncryptionKeyEnvVar, err)
		}
		cfg.EncryptionKey = key
	}

	if v := envReader.Getenv(EncryptStorageEnvVar); v != "" {
		encrypt, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EncryptStorageEnvVar, err)
		}
		cfg.EncryptFile = encrypt
	}

	cfg.StorageDir = envReader.Getenv(StorageDirEnvVar)
	if cfg.StorageDir == "" {
		if configDir, err := os.UserConfigDir(); err == nil {
			cfg.StorageDir = filepath.Join(configDir, defaultStorageSubdir)
		}
	}

	if isTruthy(envReader.Getenv(TestModeEnvVar)) || isTruthy(envReader.Getenv(CIEnvVar)) {
		if cfg.RedisURL != "" {
			cfg.Warnings = append(cfg.Warnings,
				"test mode active: ignoring configured redis URL and using memory storage")
		}
		cfg.Type = TypeMemory
		return cfg, nil
	}

	if override := envReader.Getenv(StoreTypeEnvVar); override != "" {
		switch Type(override) {
		case TypeMemory, TypeFile, TypeRedis:
			cfg.Type = Type(override)
		default:
			return nil, fmt.Errorf("unknown %s value: %q", StoreTypeEnvVar, override)
		}
		return cfg, nil
	}

	if cfg.RedisURL != "" {
		cfg.Type = TypeRedis
	}

	return cfg, nil
}

// Validate checks cross-field requirements that only matter at
// construction time.
func (c *Config) Validate() error {
	switch c.Type {
	case TypeMemory:
		return nil
	case TypeFile:
		if c.StorageDir == "" {
			return fmt.Errorf("file storage requires a storage directory (%s)", StorageDirEnvVar)
		}
		if c.EncryptFile && len(c.EncryptionKey) == 0 {
			return fmt.Errorf("encrypted file storage requires %s", EncryptionKeyEnvVar)
		}
		return nil
	case TypeRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("redis storage requires %s", RedisURLEnvVar)
		}
		if len(c.EncryptionKey) == 0 {
			return fmt.Errorf("redis storage requires %s", EncryptionKeyEnvVar)
		}
		return nil
	default:
		return fmt.Errorf("unknown storage type: %s", c.Type)
	}
}

func isTruthy(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}
