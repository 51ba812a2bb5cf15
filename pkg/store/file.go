// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/stacklok/authgate/pkg/crypto"
	"github.com/stacklok/authgate/pkg/logger"
)

// fileFormatVersion is the on-disk document format version.
const fileFormatVersion = 1

// DefaultFlushDelay is the debounce window for coalescing writes.
const DefaultFlushDelay = 1 * time.Second

// backupSuffix is appended to the store path for the best-effort copy of
// the previous document version.
const backupSuffix = ".backup"

// fileDocument is the serialized form of a FileStore.
type fileDocument struct {
	Version   int          `json:"version"`
	UpdatedAt time.Time    `json:"updated_at"`
	Records   []fileRecord `json:"records"`
}

type fileRecord struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// FileStore is the durable single-node backend: one JSON document on local
// storage. The in-memory map is the source of truth between flushes;
// mutations are applied synchronously and persisted by a debounced atomic
// write (temporary file + rename, with a best-effort backup of the prior
// version).
//
// When constructed with an encryption key, the whole serialized document is
// sealed with AES-256-GCM before the write and opened on load. A load-time
// decryption failure aborts construction; there is no plaintext fallback.
//
// FileStore is not safe for multi-instance deployment.
type FileStore[V Record] struct {
	mu      sync.Mutex
	path    string
	entries map[string]*timedEntry[V]

	index   map[string]string
	indexFn IndexFunc[V]

	aead    *crypto.AEAD
	encrypt bool
	key     []byte

	flushDelay time.Duration
	flushTimer *time.Timer

	// flushErr records the most recent deferred-write failure. It is
	// logged when it happens and returned from the next Flush.
	flushErr error

	closed bool
}

// FileOption configures a FileStore.
type FileOption[V Record] func(*FileStore[V])

// WithFlushDelay sets the debounce window for coalescing writes.
func WithFlushDelay[V Record](d time.Duration) FileOption[V] {
	return func(s *FileStore[V]) {
		s.flushDelay = d
	}
}

// WithFileIndex configures the secondary index. The index is rebuilt from
// the primary records on load.
func WithFileIndex[V Record](fn IndexFunc[V]) FileOption[V] {
	return func(s *FileStore[V]) {
		s.indexFn = fn
	}
}

// WithEncryptionKey mandates encryption at rest with the given 32-byte key.
// The key is validated during construction, before any file I/O.
func WithEncryptionKey[V Record](key []byte) FileOption[V] {
	return func(s *FileStore[V]) {
		s.encrypt = true
		s.key = key
	}
}

// NewFileStore creates a FileStore backed by the document at path, loading
// any existing records synchronously so the store is immediately
// query-ready. The containing directory is created with owner-only
// permissions.
func NewFileStore[V Record](path string, opts ...FileOption[V]) (*FileStore[V], error) {
	s := &FileStore[V]{
		path:       path,
		entries:    make(map[string]*timedEntry[V]),
		index:      make(map[string]string),
		flushDelay: DefaultFlushDelay,
	}

	for _, opt := range opts {
		opt(s)
	}

	// A missing or invalid encryption key fails construction before any
	// file I/O.
	if s.encrypt {
		aead, err := crypto.NewAEAD(s.key)
		if err != nil {
			return nil, fmt.Errorf("encrypting file store requires a valid key: %w", err)
		}
		s.aead = aead
		s.key = nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	if err := s.load(); err != nil {
		return nil, err
	}

	return s, nil
}

// load reads and deserializes the document, rebuilding the secondary index.
func (s *FileStore[V]) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read store file: %w", err)
	}

	if s.aead != nil {
		data, err = s.aead.Open(data)
		if err != nil {
			// Never degrade a decryption failure to an empty store.
			return fmt.Errorf("failed to decrypt store file %s: %w", s.path, err)
		}
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse store file %s: %w", s.path, err)
	}
	if doc.Version != fileFormatVersion {
		return fmt.Errorf("unsupported store file version %d in %s", doc.Version, s.path)
	}

	now := time.Now()
	for _, rec := range doc.Records {
		var value V
		if err := json.Unmarshal(rec.Value, &value); err != nil {
			return fmt.Errorf("failed to parse record %q in %s: %w", rec.Key, s.path, err)
		}

		entry := &timedEntry[V]{value: value, expiresAt: value.ExpiryTime()}
		if entry.expired(now) {
			continue
		}

		s.entries[rec.Key] = entry
		if s.indexFn != nil {
			if idxKey, ok := s.indexFn(value); ok {
				s.index[idxKey] = rec.Key
			}
		}
	}

	return nil
}

// Put stores a value and schedules a debounced flush.
func (s *FileStore[V]) Put(_ context.Context, key string, value V) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[key]; ok {
		s.pruneIndexLocked(key, old.value)
	}

	s.entries[key] = &timedEntry[V]{value: value, expiresAt: value.ExpiryTime()}
	if s.indexFn != nil {
		if idxKey, ok := s.indexFn(value); ok {
			s.index[idxKey] = key
		}
	}

	s.scheduleFlushLocked()
	return nil
}

// Get returns the value for key, removing it lazily if expired.
func (s *FileStore[V]) Get(_ context.Context, key string) (V, bool, error) {
	var zero V

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return zero, false, nil
	}

	if entry.expired(time.Now()) {
		s.removeLocked(key, entry)
		s.scheduleFlushLocked()
		return zero, false, nil
	}

	return entry.value, true, nil
}

// GetByIndex returns the value whose secondary index key matches.
func (s *FileStore[V]) GetByIndex(ctx context.Context, indexKey string) (V, bool, error) {
	var zero V

	s.mu.Lock()
	primaryKey, ok := s.index[indexKey]
	s.mu.Unlock()

	if !ok {
		return zero, false, nil
	}

	return s.Get(ctx, primaryKey)
}

// Delete removes the record for key. Idempotent.
func (s *FileStore[V]) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return false, nil
	}

	s.removeLocked(key, entry)
	s.scheduleFlushLocked()
	return true, nil
}

// Cleanup removes all expired records and returns the count removed.
func (s *FileStore[V]) Cleanup(_ context.Context) (int, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, e := range s.entries {
		if e.expired(now) {
			s.removeLocked(k, e)
			removed++
		}
	}

	if removed > 0 {
		s.scheduleFlushLocked()
	}
	return removed, nil
}

// Count returns the number of live records.
func (s *FileStore[V]) Count(_ context.Context) (int, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, e := range s.entries {
		if !e.expired(now) {
			count++
		}
	}
	return count, nil
}

// Keys returns the keys of all live records.
func (s *FileStore[V]) Keys(_ context.Context) ([]string, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.entries))
	for k, e := range s.entries {
		if !e.expired(now) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Flush forces any pending write to complete synchronously and returns the
// most recent deferred-write failure, if one occurred. Callers that need
// guaranteed persistence must call Flush before Close.
func (s *FileStore[V]) Flush() error {
	s.mu.Lock()
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	err := s.flushErr
	s.flushErr = nil
	s.mu.Unlock()

	if writeErr := s.writeFile(); writeErr != nil {
		return writeErr
	}
	return err
}

// Close cancels any pending debounced write without flushing it and
// returns any deferred-write failure not yet surfaced. Safe to call more
// than once.
func (s *FileStore[V]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
		logger.Debugw("discarding pending store flush on close", "path", s.path)
	}
	err := s.flushErr
	s.flushErr = nil
	return err
}

func (s *FileStore[V]) removeLocked(key string, entry *timedEntry[V]) {
	s.pruneIndexLocked(key, entry.value)
	delete(s.entries, key)
}

func (s *FileStore[V]) pruneIndexLocked(key string, value V) {
	if s.indexFn == nil {
		return
	}
	if idxKey, ok := s.indexFn(value); ok && s.index[idxKey] == key {
		delete(s.index, idxKey)
	}
}

// scheduleFlushLocked arms the debounce timer, coalescing bursts of
// mutations into one write. Callers hold the lock.
func (s *FileStore[V]) scheduleFlushLocked() {
	if s.closed {
		return
	}
	if s.flushTimer != nil {
		s.flushTimer.Reset(s.flushDelay)
		return
	}
	s.flushTimer = time.AfterFunc(s.flushDelay, func() {
		s.mu.Lock()
		s.flushTimer = nil
		s.mu.Unlock()

		if err := s.writeFile(); err != nil {
			logger.Errorw("deferred store write failed", "path", s.path, "error", err)
			s.mu.Lock()
			s.flushErr = err
			s.mu.Unlock()
		}
	})
}

// writeFile serializes the store and writes it atomically: temporary file,
// best-effort backup of the previous version, then rename over the target.
func (s *FileStore[V]) writeFile() error {
	s.mu.Lock()
	doc := fileDocument{
		Version:   fileFormatVersion,
		UpdatedAt: time.Now(),
		Records:   make([]fileRecord, 0, len(s.entries)),
	}
	for k, e := range s.entries {
		raw, err := json.Marshal(e.value)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("failed to marshal record %q: %w", k, err)
		}
		doc.Records = append(doc.Records, fileRecord{Key: k, Value: raw})
	}
	s.mu.Unlock()

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal store document: %w", err)
	}

	if s.aead != nil {
		data, err = s.aead.Seal(data)
		if err != nil {
			return fmt.Errorf("failed to encrypt store document: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write temporary store file: %w", err)
	}

	// Keep a copy of the previous version. Best effort only.
	if prev, err := os.ReadFile(s.path); err == nil {
		_ = os.WriteFile(s.path+backupSuffix, prev, 0600)
	}

	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace store file: %w", err)
	}
	return nil
}
