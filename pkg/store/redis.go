// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"

	"github.com/stacklok/authgate/pkg/crypto"
	"github.com/stacklok/authgate/pkg/logger"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// connectMaxTries bounds the exponential backoff used to establish the
// initial connection.
const connectMaxTries = 5

// indexSegment separates index keys from primary keys under the prefix.
const indexSegment = "idx:"

// ErrStoreUnavailable indicates that the distributed backend could not be
// reached.
var ErrStoreUnavailable = errors.New("distributed store unavailable")

// RedisStore is the distributed backend: a remote key-value store with
// native per-key expiry. It is the only backend safe for multi-instance
// deployment, relying on Redis' single-key atomicity.
//
// Every value is sealed with AES-256-GCM before the remote write and opened
// on read. Construction fails fast when no encryption key is configured,
// and a decryption failure is propagated as an error, never reported as an
// absent record.
type RedisStore[V Record] struct {
	client    redis.UniversalClient
	keyPrefix string
	aead      *crypto.AEAD
	indexFn   IndexFunc[V]
	ownsConn  bool
}

// RedisOption configures a RedisStore.
type RedisOption[V Record] func(*RedisStore[V])

// WithRedisIndex configures the secondary index. Index entries are written
// with the same TTL as the primary record and removed with it.
func WithRedisIndex[V Record](fn IndexFunc[V]) RedisOption[V] {
	return func(s *RedisStore[V]) {
		s.indexFn = fn
	}
}

// NewRedisStore connects to the Redis instance at rawURL and returns a
// store using the given key prefix (e.g. "authgate:tokens:"). The initial
// connection check is retried with bounded exponential backoff.
func NewRedisStore[V Record](
	ctx context.Context,
	rawURL, keyPrefix string,
	encryptionKey []byte,
	opts ...RedisOption[V],
) (*RedisStore[V], error) {
	if keyPrefix == "" {
		return nil, errors.New("key prefix is required")
	}

	aead, err := crypto.NewAEAD(encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("distributed store requires an encryption key: %w", err)
	}

	redisOpts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if redisOpts.DialTimeout == 0 {
		redisOpts.DialTimeout = DefaultDialTimeout
	}
	if redisOpts.ReadTimeout == 0 {
		redisOpts.ReadTimeout = DefaultReadTimeout
	}
	if redisOpts.WriteTimeout == 0 {
		redisOpts.WriteTimeout = DefaultWriteTimeout
	}

	client := redis.NewClient(redisOpts)

	expBackoff := backoff.NewExponentialBackOff()
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, client.Ping(ctx).Err()
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(connectMaxTries),
		backoff.WithNotify(func(err error, duration time.Duration) {
			logger.Warnw("redis connection failed, retrying",
				"error", err, "retry_in", duration)
		}),
	)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	s := &RedisStore[V]{
		client:    client,
		keyPrefix: keyPrefix,
		aead:      aead,
		ownsConn:  true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewRedisStoreWithClient creates a RedisStore over a pre-configured
// client. This is useful for testing with miniredis. The client is not
// closed by Close.
func NewRedisStoreWithClient[V Record](
	client redis.UniversalClient,
	keyPrefix string,
	encryptionKey []byte,
	opts ...RedisOption[V],
) (*RedisStore[V], error) {
	if keyPrefix == "" {
		return nil, errors.New("key prefix is required")
	}

	aead, err := crypto.NewAEAD(encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("distributed store requires an encryption key: %w", err)
	}

	s := &RedisStore[V]{
		client:    client,
		keyPrefix: keyPrefix,
		aead:      aead,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Put seals and stores a value, with the record's TTL enforced by Redis.
func (s *RedisStore[V]) Put(ctx context.Context, key string, value V) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	sealed, err := s.aead.Seal(data)
	if err != nil {
		return fmt.Errorf("failed to encrypt record: %w", err)
	}

	ttl := ttlFor(value)
	if err := s.client.Set(ctx, s.keyPrefix+key, sealed, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store record: %w", err)
	}

	if s.indexFn != nil {
		if idxKey, ok := s.indexFn(value); ok {
			if err := s.client.Set(ctx, s.indexKey(idxKey), key, ttl).Err(); err != nil {
				// Compensating delete so the primary record cannot exist
				// without its index entry.
				_ = s.client.Del(ctx, s.keyPrefix+key).Err()
				return fmt.Errorf("failed to store index entry: %w", err)
			}
		}
	}

	return nil
}

// Get retrieves and opens the value for key. Redis expires records
// natively, so lazy expiry only covers clock-edge cases.
func (s *RedisStore[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var zero V

	sealed, err := s.client.Get(ctx, s.keyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return zero, false, nil
		}
		return zero, false, fmt.Errorf("failed to get record: %w", err)
	}

	data, err := s.aead.Open(sealed)
	if err != nil {
		// A decryption failure means corruption or key mismatch; it must
		// never be masked as "not found".
		return zero, false, fmt.Errorf("failed to decrypt record %q: %w", key, err)
	}

	var value V
	if err := json.Unmarshal(data, &value); err != nil {
		return zero, false, fmt.Errorf("failed to parse record %q: %w", key, err)
	}

	if exp := value.ExpiryTime(); !exp.IsZero() && time.Now().After(exp) {
		_, _ = s.Delete(ctx, key)
		return zero, false, nil
	}

	return value, true, nil
}

// GetByIndex resolves the secondary index entry and returns the primary
// record. Dangling index entries are removed on discovery.
func (s *RedisStore[V]) GetByIndex(ctx context.Context, indexKey string) (V, bool, error) {
	var zero V

	primaryKey, err := s.client.Get(ctx, s.indexKey(indexKey)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return zero, false, nil
		}
		return zero, false, fmt.Errorf("failed to get index entry: %w", err)
	}

	value, ok, err := s.Get(ctx, primaryKey)
	if err != nil {
		return zero, false, err
	}
	if !ok {
		_ = s.client.Del(ctx, s.indexKey(indexKey)).Err()
		return zero, false, nil
	}
	return value, true, nil
}

// Delete removes the record and its index entry. Idempotent.
func (s *RedisStore[V]) Delete(ctx context.Context, key string) (bool, error) {
	if s.indexFn != nil {
		// Resolve the index entry from the stored value before deleting.
		if sealed, err := s.client.Get(ctx, s.keyPrefix+key).Bytes(); err == nil {
			if data, err := s.aead.Open(sealed); err == nil {
				var value V
				if err := json.Unmarshal(data, &value); err == nil {
					if idxKey, ok := s.indexFn(value); ok {
						_ = s.client.Del(ctx, s.indexKey(idxKey)).Err()
					}
				}
			}
		}
	}

	removed, err := s.client.Del(ctx, s.keyPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to delete record: %w", err)
	}
	return removed > 0, nil
}

// Cleanup is a no-op for the distributed backend: Redis expires records
// natively per key.
func (*RedisStore[V]) Cleanup(_ context.Context) (int, error) {
	return 0, nil
}

// Count returns the number of primary records under this store's prefix.
func (s *RedisStore[V]) Count(ctx context.Context) (int, error) {
	keys, err := s.Keys(ctx)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Keys returns the keys of all primary records under this store's prefix.
func (s *RedisStore[V]) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	var cursor uint64

	for {
		batch, next, err := s.client.Scan(ctx, cursor, s.keyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan keys: %w", err)
		}
		for _, k := range batch {
			trimmed := strings.TrimPrefix(k, s.keyPrefix)
			if strings.HasPrefix(trimmed, indexSegment) {
				continue
			}
			keys = append(keys, trimmed)
		}
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// Close closes the connection if this store owns it.
func (s *RedisStore[V]) Close() error {
	if !s.ownsConn {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore[V]) indexKey(indexKey string) string {
	return s.keyPrefix + indexSegment + indexKey
}

// ttlFor converts a record's absolute expiry to a Redis TTL. Records
// without an expiry are stored without one.
func ttlFor(value Record) time.Duration {
	exp := value.ExpiryTime()
	if exp.IsZero() {
		return 0
	}
	ttl := time.Until(exp)
	if ttl <= 0 {
		// Already expired; give Redis a minimal TTL so the write is
		// harmless and self-cleaning.
		return time.Millisecond
	}
	return ttl
}
