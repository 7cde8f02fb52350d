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
	"bytes"
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DiskConfig configures the file-backed store.
type DiskConfig struct {
	// Root is the storage directory. Created if absent.
	Root string `yaml:"root" validate:"required"`
}

const (
	blocksDirName   = "blocks"
	metaDirName     = "meta"
	tempFilePrefix  = ".tmp-"
	healthCheckName = ".health_check"
)

// DiskStore is the crash-safe file backend.
//
// # Description
//
// Each block is two files under a two-character hash-prefix shard:
//
//	<root>/blocks/<prefix>/<hash>        payload
//	<root>/meta/<prefix>/<hash>.json     envelope-wrapped metadata
//
// Every write goes through the atomic procedure: full content to a temp
// file in the target's own directory, fsync, close, rename. A reader can
// therefore never observe a truncated target; a crash mid-write leaves
// only an orphaned temp file, which is swept on the next open. A block
// with either file missing is treated as absent, because a payload
// without metadata could belong to an abandoned partial write.
//
// # Thread Safety
//
// Safe for concurrent use. The mutex guards only the counters; file
// operations rely on the atomic-rename procedure for consistency.
type DiskStore struct {
	root   string
	logger *slog.Logger

	mu      sync.Mutex
	metrics CacheMetrics
}

// NewDiskStore opens the store rooted at cfg.Root, creating the directory
// layout if needed and rebuilding block counts from a directory scan.
func NewDiskStore(cfg DiskConfig, logger *slog.Logger) (*DiskStore, error) {
	if cfg.Root == "" {
		return nil, errors.New("root is required for the disk store")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &DiskStore{root: cfg.Root, logger: logger}
	if err := s.ensureLayout(); err != nil {
		return nil, err
	}
	if err := s.rescan(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *DiskStore) ensureLayout() error {
	for _, dir := range []string{s.root, filepath.Join(s.root, blocksDirName), filepath.Join(s.root, metaDirName)} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return err
		}
	}
	return nil
}

// rescan rebuilds in-memory counters from the payload files and sweeps
// temp files orphaned by a crash.
func (s *DiskStore) rescan() error {
	var count, bytesStored int64
	err := filepath.WalkDir(filepath.Join(s.root, blocksDirName), func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), tempFilePrefix) {
			if rmErr := os.Remove(path); rmErr == nil {
				s.logger.Debug("removed orphaned temp file", slog.String("path", path))
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		count++
		bytesStored += info.Size()
		return nil
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.metrics.BlockCount = count
	s.metrics.TotalBytesStored = bytesStored
	s.mu.Unlock()

	s.logger.Debug("disk store opened",
		slog.String("root", s.root),
		slog.Int64("blocks", count),
		slog.Int64("bytes", bytesStored))
	return nil
}

func (s *DiskStore) blockPath(hash string) string {
	return filepath.Join(s.root, blocksDirName, hash[:2], hash)
}

func (s *DiskStore) metaPath(hash string) string {
	return filepath.Join(s.root, metaDirName, hash[:2], hash+".json")
}

// keyPathSafe rejects keys that cannot serve as file names under the
// sharded layout.
func keyPathSafe(hash string) bool {
	if len(hash) < 2 || hash == ".." {
		return false
	}
	if strings.ContainsAny(hash, "/\\") {
		return false
	}
	return !strings.HasPrefix(hash, ".")
}

// writeFileAtomic writes data so that the target path only ever holds
// complete content: temp file in the same directory, write, fsync, close,
// rename.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, tempFilePrefix+"*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	cleanup := func(err error) error {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}

	if _, err := tmp.Write(data); err != nil {
		return cleanup(err)
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// Store writes each block as metadata then payload, both via the atomic
// procedure. Per-block failures land in Failed and never abort the batch.
func (s *DiskStore) Store(ctx context.Context, blocks map[string][]byte, owner string, meta map[string]any) (StoreResult, error) {
	start := time.Now()
	result := StoreResult{}
	layerIndex := layerIndexFrom(meta)

	for _, hash := range sortedKeys(blocks) {
		data := blocks[hash]
		if !keyPathSafe(hash) {
			s.logger.Warn("rejected unsafe block key", slog.String("hash", hash))
			result.Failed = append(result.Failed, hash)
			continue
		}

		// Overwrites must not double-count.
		var oldSize int64
		existed := false
		if info, err := os.Stat(s.blockPath(hash)); err == nil {
			oldSize = info.Size()
			existed = true
		}

		now := time.Now().UTC()
		md := &BlockMetadata{
			BlockHash:    hash,
			SizeBytes:    int64(len(data)),
			CreatedAt:    now,
			LastAccessed: now,
			SessionID:    owner,
			LayerIndex:   layerIndex,
			Backend:      BackendDisk,
		}
		blob, err := encodeBlockMeta(md)
		if err != nil {
			s.logger.Warn("failed to encode block metadata",
				slog.String("hash", hash), slog.String("error", err.Error()))
			result.Failed = append(result.Failed, hash)
			continue
		}

		// Metadata lands first so a crash between the two writes leaves
		// metadata without payload, which readers treat as absent.
		if err := writeFileAtomic(s.metaPath(hash), blob); err != nil {
			s.logger.Warn("failed to store block metadata",
				slog.String("hash", hash), slog.String("error", err.Error()))
			result.Failed = append(result.Failed, hash)
			continue
		}
		if err := writeFileAtomic(s.blockPath(hash), data); err != nil {
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

// Retrieve reads blocks, requiring both files to be present, and
// refreshes last-access times on hits.
func (s *DiskStore) Retrieve(ctx context.Context, hashes []string) (RetrieveResult, error) {
	start := time.Now()
	result := RetrieveResult{Found: make(map[string][]byte)}

	for _, hash := range hashes {
		if !keyPathSafe(hash) {
			result.Missing = append(result.Missing, hash)
			s.countMiss()
			continue
		}

		blob, err := os.ReadFile(s.metaPath(hash))
		if err != nil {
			result.Missing = append(result.Missing, hash)
			s.countMiss()
			continue
		}
		md, err := decodeBlockMeta(blob)
		if err != nil {
			s.logger.Warn("unreadable block metadata treated as absent",
				slog.String("hash", hash), slog.String("error", err.Error()))
			result.Missing = append(result.Missing, hash)
			s.countMiss()
			continue
		}

		data, err := os.ReadFile(s.blockPath(hash))
		if err != nil {
			result.Missing = append(result.Missing, hash)
			s.countMiss()
			continue
		}

		md.LastAccessed = time.Now().UTC()
		if blob, err := encodeBlockMeta(md); err == nil {
			if err := writeFileAtomic(s.metaPath(hash), blob); err != nil {
				s.logger.Warn("failed to update last-access time",
					slog.String("hash", hash), slog.String("error", err.Error()))
			}
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

func (s *DiskStore) countMiss() {
	s.mu.Lock()
	s.metrics.Misses++
	s.mu.Unlock()
}

// Delete removes both files for each hash, returning how many payloads
// actually existed. Absent hashes are not errors and are not counted.
func (s *DiskStore) Delete(ctx context.Context, hashes []string) (int, error) {
	deleted := 0
	for _, hash := range hashes {
		if !keyPathSafe(hash) {
			continue
		}

		var size int64
		if info, err := os.Stat(s.blockPath(hash)); err == nil {
			size = info.Size()
		}

		blockErr := os.Remove(s.blockPath(hash))
		if blockErr != nil && !errors.Is(blockErr, fs.ErrNotExist) {
			s.logger.Warn("failed to delete block",
				slog.String("hash", hash), slog.String("error", blockErr.Error()))
			continue
		}
		if err := os.Remove(s.metaPath(hash)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("failed to delete block metadata",
				slog.String("hash", hash), slog.String("error", err.Error()))
		}

		if blockErr == nil {
			s.mu.Lock()
			s.metrics.TotalBytesStored -= size
			s.metrics.BlockCount--
			s.mu.Unlock()
			deleted++
		}
	}
	return deleted, ctx.Err()
}

// Exists reports presence; a block counts only when both its payload and
// its metadata file are on disk.
func (s *DiskStore) Exists(ctx context.Context, hashes []string) (map[string]bool, error) {
	result := make(map[string]bool, len(hashes))
	for _, hash := range hashes {
		if !keyPathSafe(hash) {
			result[hash] = false
			continue
		}
		_, blockErr := os.Stat(s.blockPath(hash))
		_, metaErr := os.Stat(s.metaPath(hash))
		result[hash] = blockErr == nil && metaErr == nil
	}
	return result, ctx.Err()
}

// Metadata returns a block's metadata, or (nil, nil) when either file is
// missing. Corrupt or version-incompatible metadata is an error, not an
// absence.
func (s *DiskStore) Metadata(ctx context.Context, hash string) (*BlockMetadata, error) {
	if !keyPathSafe(hash) {
		return nil, ctx.Err()
	}

	blob, err := os.ReadFile(s.metaPath(hash))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}

	md, err := decodeBlockMeta(blob)
	if err != nil {
		return nil, err
	}

	// Metadata without a payload is an abandoned partial write.
	if _, err := os.Stat(s.blockPath(hash)); err != nil {
		return nil, ctx.Err()
	}
	return md, ctx.Err()
}

// List walks the metadata shards, optionally filtering by owner, capped
// at limit. Unreadable entries are skipped, not fatal.
func (s *DiskStore) List(ctx context.Context, owner string, limit int) ([]BlockMetadata, error) {
	out := []BlockMetadata{}
	metaRoot := filepath.Join(s.root, metaDirName)

	shards, err := os.ReadDir(metaRoot)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return out, nil
		}
		return nil, err
	}

	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(metaRoot, shard.Name()))
		if err != nil {
			continue
		}
		for _, entry := range entries {
			name := entry.Name()
			if !strings.HasSuffix(name, ".json") {
				continue
			}
			md, err := s.Metadata(ctx, strings.TrimSuffix(name, ".json"))
			if err != nil || md == nil {
				continue
			}
			if owner != "" && md.SessionID != owner {
				continue
			}
			out = append(out, *md)
			if limit > 0 && len(out) >= limit {
				return out, ctx.Err()
			}
		}
	}
	return out, ctx.Err()
}

// Metrics returns a snapshot of the counters.
func (s *DiskStore) Metrics() CacheMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}

// Clear removes blocks. An empty owner removes and recreates the whole
// layout; a named owner deletes through the normal per-block path.
func (s *DiskStore) Clear(ctx context.Context, owner string) (int, error) {
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

	if err := os.RemoveAll(filepath.Join(s.root, blocksDirName)); err != nil {
		return 0, err
	}
	if err := os.RemoveAll(filepath.Join(s.root, metaDirName)); err != nil {
		return 0, err
	}
	if err := s.ensureLayout(); err != nil {
		return 0, err
	}
	return count, ctx.Err()
}

// Health round-trips a sentinel file under the root.
func (s *DiskStore) Health(ctx context.Context) bool {
	path := filepath.Join(s.root, healthCheckName)
	if err := writeFileAtomic(path, []byte("ok")); err != nil {
		return false
	}
	data, err := os.ReadFile(path)
	if err != nil || !bytes.Equal(data, []byte("ok")) {
		return false
	}
	return os.Remove(path) == nil
}

// Close is a no-op; the store holds no open handles between operations.
func (s *DiskStore) Close() error { return nil }

// Root returns the storage directory.
func (s *DiskStore) Root() string { return s.root }
