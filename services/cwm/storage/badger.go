// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerConfig configures the embedded BadgerDB backend.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
type BadgerConfig struct {
	// Path is the directory for database files. Required unless InMemory.
	Path string `yaml:"path"`

	// InMemory disables disk persistence. Useful for testing.
	InMemory bool `yaml:"in_memory"`

	// SyncWrites forces synchronous writes for durability.
	SyncWrites bool `yaml:"sync_writes"`

	// Logger receives BadgerDB's internal logging. Nil disables it.
	Logger *slog.Logger `yaml:"-"`

	// NumVersionsToKeep is the versions kept per key. Blocks are
	// immutable, so one is enough.
	NumVersionsToKeep int `yaml:"num_versions_to_keep"`

	// GCInterval is how often to run value log garbage collection.
	// Zero disables GC.
	GCInterval time.Duration `yaml:"gc_interval"`

	// GCDiscardRatio is the minimum discardable fraction before the
	// value log is rewritten.
	GCDiscardRatio float64 `yaml:"gc_discard_ratio"`
}

// DefaultBadgerConfig returns production defaults: synchronous writes,
// single version retention, five-minute GC at a 0.5 discard ratio.
func DefaultBadgerConfig() BadgerConfig {
	return BadgerConfig{
		SyncWrites:        true,
		NumVersionsToKeep: 1,
		GCInterval:        5 * time.Minute,
		GCDiscardRatio:    0.5,
	}
}

// InMemoryBadgerConfig returns a configuration for tests: in-memory mode,
// no sync, no GC.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{
		InMemory:          true,
		SyncWrites:        false,
		NumVersionsToKeep: 1,
		GCInterval:        0,
	}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

var (
	badgerBlockPrefix = []byte("b:")
	badgerMetaPrefix  = []byte("m:")
)

func badgerBlockKey(hash string) []byte {
	return append(append([]byte(nil), badgerBlockPrefix...), hash...)
}

func badgerMetaKey(hash string) []byte {
	return append(append([]byte(nil), badgerMetaPrefix...), hash...)
}

// BadgerStore is the embedded BadgerDB backend, a low-latency warm tier
// for deployments that want single-file-style locality without the
// sharded directory layout.
//
// # Description
//
// Payloads live under "b:<hash>", envelope-wrapped metadata under
// "m:<hash>". Both keys are written in one transaction, so a block can
// never be half-present. Counters are rebuilt from the metadata keyspace
// on open.
//
// # Thread Safety
//
// Safe for concurrent use; BadgerDB transactions provide isolation and
// the mutex guards only the counters.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger

	gcRatio    float64
	gcInterval time.Duration
	gcStopCh   chan struct{}
	gcDoneCh   chan struct{}

	mu      sync.Mutex
	metrics CacheMetrics
}

// NewBadgerStore opens the database and starts the GC runner when
// configured.
func NewBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for a persistent badger store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	opts = opts.WithSyncWrites(cfg.SyncWrites)
	if cfg.NumVersionsToKeep > 0 {
		opts = opts.WithNumVersionsToKeep(cfg.NumVersionsToKeep)
	}
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &BadgerStore{
		db:         db,
		logger:     logger,
		gcRatio:    cfg.GCDiscardRatio,
		gcInterval: cfg.GCInterval,
	}
	if err := s.rescan(); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gcStopCh = make(chan struct{})
		s.gcDoneCh = make(chan struct{})
		go s.runGC()
	}
	return s, nil
}

func (s *BadgerStore) rescan() error {
	var count, bytesStored int64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = badgerMetaPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				md, err := decodeBlockMeta(val)
				if err != nil {
					return nil // skip unreadable entries
				}
				count++
				bytesStored += md.SizeBytes
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.metrics.BlockCount = count
	s.metrics.TotalBytesStored = bytesStored
	s.mu.Unlock()
	return nil
}

func (s *BadgerStore) runGC() {
	defer close(s.gcDoneCh)

	ticker := time.NewTicker(s.gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.gcStopCh:
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(s.gcRatio)
			switch {
			case err == nil:
				s.logger.Debug("badger value log GC completed")
			case errors.Is(err, badger.ErrNoRewrite):
				// Nothing to collect; not an error.
			default:
				s.logger.Warn("badger value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}

// Store writes each block's payload and metadata in a single transaction.
func (s *BadgerStore) Store(ctx context.Context, blocks map[string][]byte, owner string, meta map[string]any) (StoreResult, error) {
	start := time.Now()
	result := StoreResult{}
	layerIndex := layerIndexFrom(meta)

	for _, hash := range sortedKeys(blocks) {
		data := blocks[hash]

		var oldSize int64
		existed := false
		err := s.db.Update(func(txn *badger.Txn) error {
			if item, err := txn.Get(badgerMetaKey(hash)); err == nil {
				item.Value(func(val []byte) error {
					if old, err := decodeBlockMeta(val); err == nil {
						oldSize = old.SizeBytes
						existed = true
					}
					return nil
				})
			}

			now := time.Now().UTC()
			blob, err := encodeBlockMeta(&BlockMetadata{
				BlockHash:    hash,
				SizeBytes:    int64(len(data)),
				CreatedAt:    now,
				LastAccessed: now,
				SessionID:    owner,
				LayerIndex:   layerIndex,
				Backend:      BackendBadger,
			})
			if err != nil {
				return err
			}
			if err := txn.Set(badgerMetaKey(hash), blob); err != nil {
				return err
			}
			return txn.Set(badgerBlockKey(hash), data)
		})
		if err != nil {
			s.logger.Warn("failed to store block",
				slog.String("hash", hash), slog.String("error", err.Error()))
			result.Failed = append(result.Failed, hash)
			continue
		}

		s.mu.Lock()
		s.metrics.TotalBytesStored += int64(len(data)) - oldSize
		if !existed {
			s.metrics.BlockCount++
		}
		s.mu.Unlock()

		result.Stored = append(result.Stored, hash)
		result.TotalBytes += int64(len(data))
	}

	result.Duration = time.Since(start)
	return result, ctx.Err()
}

// Retrieve reads blocks and refreshes their last-access times.
func (s *BadgerStore) Retrieve(ctx context.Context, hashes []string) (RetrieveResult, error) {
	start := time.Now()
	result := RetrieveResult{Found: make(map[string][]byte)}

	for _, hash := range hashes {
		var data []byte
		err := s.db.Update(func(txn *badger.Txn) error {
			metaItem, err := txn.Get(badgerMetaKey(hash))
			if err != nil {
				return err
			}
			var md *BlockMetadata
			if err := metaItem.Value(func(val []byte) error {
				md, err = decodeBlockMeta(val)
				return err
			}); err != nil {
				return err
			}

			blockItem, err := txn.Get(badgerBlockKey(hash))
			if err != nil {
				return err
			}
			data, err = blockItem.ValueCopy(nil)
			if err != nil {
				return err
			}

			md.LastAccessed = time.Now().UTC()
			blob, err := encodeBlockMeta(md)
			if err != nil {
				return err
			}
			return txn.Set(badgerMetaKey(hash), blob)
		})
		if err != nil {
			if !errors.Is(err, badger.ErrKeyNotFound) {
				s.logger.Warn("failed to retrieve block",
					slog.String("hash", hash), slog.String("error", err.Error()))
			}
			result.Missing = append(result.Missing, hash)
			s.mu.Lock()
			s.metrics.Misses++
			s.mu.Unlock()
			continue
		}

		result.Found[hash] = data
		s.mu.Lock()
		s.metrics.Hits++
		s.metrics.TotalBytesRetrieved += int64(len(data))
		s.mu.Unlock()
	}

	result.Duration = time.Since(start)
	return result, ctx.Err()
}

// Delete removes blocks, returning how many existed.
func (s *BadgerStore) Delete(ctx context.Context, hashes []string) (int, error) {
	deleted := 0
	for _, hash := range hashes {
		var size int64
		existed := false
		err := s.db.Update(func(txn *badger.Txn) error {
			if item, err := txn.Get(badgerMetaKey(hash)); err == nil {
				item.Value(func(val []byte) error {
					if md, err := decodeBlockMeta(val); err == nil {
						size = md.SizeBytes
						existed = true
					}
					return nil
				})
			}
			if err := txn.Delete(badgerBlockKey(hash)); err != nil {
				return err
			}
			return txn.Delete(badgerMetaKey(hash))
		})
		if err != nil {
			s.logger.Warn("failed to delete block",
				slog.String("hash", hash), slog.String("error", err.Error()))
			continue
		}
		if existed {
			s.mu.Lock()
			s.metrics.TotalBytesStored -= size
			s.metrics.BlockCount--
			s.mu.Unlock()
			deleted++
		}
	}
	return deleted, ctx.Err()
}

// Exists reports presence; both the payload and metadata keys must be
// there.
func (s *BadgerStore) Exists(ctx context.Context, hashes []string) (map[string]bool, error) {
	result := make(map[string]bool, len(hashes))
	err := s.db.View(func(txn *badger.Txn) error {
		for _, hash := range hashes {
			_, blockErr := txn.Get(badgerBlockKey(hash))
			_, metaErr := txn.Get(badgerMetaKey(hash))
			result[hash] = blockErr == nil && metaErr == nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, ctx.Err()
}

// Metadata returns a block's metadata, or (nil, nil) when absent.
func (s *BadgerStore) Metadata(ctx context.Context, hash string) (*BlockMetadata, error) {
	var md *BlockMetadata
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerMetaKey(hash))
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error {
			md, err = decodeBlockMeta(val)
			return err
		}); err != nil {
			return err
		}
		_, err = txn.Get(badgerBlockKey(hash))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return md, ctx.Err()
}

// List iterates the metadata keyspace, optionally filtered by owner,
// capped at limit.
func (s *BadgerStore) List(ctx context.Context, owner string, limit int) ([]BlockMetadata, error) {
	out := []BlockMetadata{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = badgerMetaPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var md *BlockMetadata
			if err := it.Item().Value(func(val []byte) error {
				var err error
				md, err = decodeBlockMeta(val)
				return err
			}); err != nil {
				continue
			}
			if owner != "" && md.SessionID != owner {
				continue
			}
			out = append(out, *md)
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, ctx.Err()
}

// Metrics returns a snapshot of the counters.
func (s *BadgerStore) Metrics() CacheMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}

// Clear removes blocks. An empty owner drops the whole keyspace; a named
// owner deletes through the normal per-block path.
func (s *BadgerStore) Clear(ctx context.Context, owner string) (int, error) {
	if owner != "" {
		blocks, err := s.List(ctx, owner, 10000)
		if err != nil {
			return 0, err
		}
		hashes := make([]string, len(blocks))
		for i, md := range blocks {
			hashes[i] = md.BlockHash
		}
		return s.Delete(ctx, hashes)
	}

	s.mu.Lock()
	count := int(s.metrics.BlockCount)
	s.metrics = CacheMetrics{}
	s.mu.Unlock()

	if err := s.db.DropAll(); err != nil {
		return 0, err
	}
	return count, ctx.Err()
}

// Health round-trips a sentinel key.
func (s *BadgerStore) Health(ctx context.Context) bool {
	key := []byte("health:check")
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, []byte("ok"))
	}); err != nil {
		return false
	}
	if err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		return err
	}); err != nil {
		return false
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	}) == nil
}

// Close stops the GC runner and closes the database.
func (s *BadgerStore) Close() error {
	if s.gcStopCh != nil {
		close(s.gcStopCh)
		<-s.gcDoneCh
		s.gcStopCh = nil
	}
	return s.db.Close()
}
