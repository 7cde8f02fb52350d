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
	"sort"
	"sync"
	"time"
)

// MemoryConfig configures the in-process store.
type MemoryConfig struct {
	// MaxSizeBytes bounds the total payload bytes held. Admission past the
	// budget fails the block; this tier never evicts to make room.
	MaxSizeBytes int64 `yaml:"max_size_bytes" validate:"gte=0"`
}

// DefaultMemoryConfig returns a 1 GiB budget.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{MaxSizeBytes: 1 << 30}
}

// MemoryStore is the bounded in-process backend.
//
// # Description
//
// Holds payloads and metadata in maps behind one mutex. A store that
// would push total bytes past the budget rejects the block into Failed
// rather than evicting; eviction under pressure is the tiered store's
// job, not this tier's. Payloads are copied on the way in and out so
// callers never alias internal buffers.
//
// # Thread Safety
//
// Safe for concurrent use. The lock is held per operation, never across
// a call back into the caller.
type MemoryStore struct {
	mu           sync.Mutex
	maxSizeBytes int64
	blocks       map[string][]byte
	meta         map[string]*BlockMetadata
	metrics      CacheMetrics
}

// NewMemoryStore creates an empty memory store. A zero MaxSizeBytes gets
// the default 1 GiB budget.
func NewMemoryStore(cfg MemoryConfig) *MemoryStore {
	if cfg.MaxSizeBytes <= 0 {
		cfg.MaxSizeBytes = DefaultMemoryConfig().MaxSizeBytes
	}
	return &MemoryStore{
		maxSizeBytes: cfg.MaxSizeBytes,
		blocks:       make(map[string][]byte),
		meta:         make(map[string]*BlockMetadata),
	}
}

// Store writes blocks, rejecting any whose admission would exceed the
// byte budget.
func (s *MemoryStore) Store(ctx context.Context, blocks map[string][]byte, owner string, meta map[string]any) (StoreResult, error) {
	start := time.Now()
	result := StoreResult{}
	layerIndex := layerIndexFrom(meta)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, hash := range sortedKeys(blocks) {
		data := blocks[hash]

		// Re-storing a known hash replaces it; only the delta counts
		// against the budget.
		var oldSize int64
		if old, ok := s.blocks[hash]; ok {
			oldSize = int64(len(old))
		}
		if s.metrics.TotalBytesStored-oldSize+int64(len(data)) > s.maxSizeBytes {
			result.Failed = append(result.Failed, hash)
			continue
		}

		now := time.Now().UTC()
		s.blocks[hash] = append([]byte(nil), data...)
		s.meta[hash] = &BlockMetadata{
			BlockHash:    hash,
			SizeBytes:    int64(len(data)),
			CreatedAt:    now,
			LastAccessed: now,
			SessionID:    owner,
			LayerIndex:   layerIndex,
			Backend:      BackendMemory,
		}
		s.metrics.TotalBytesStored += int64(len(data)) - oldSize
		if oldSize == 0 {
			s.metrics.BlockCount++
		}
		result.Stored = append(result.Stored, hash)
		result.TotalBytes += int64(len(data))
	}

	result.Duration = time.Since(start)
	return result, ctx.Err()
}

// Retrieve reads blocks, counting a hit or miss per hash and refreshing
// last-access times on hits.
func (s *MemoryStore) Retrieve(ctx context.Context, hashes []string) (RetrieveResult, error) {
	start := time.Now()
	result := RetrieveResult{Found: make(map[string][]byte)}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, hash := range hashes {
		data, ok := s.blocks[hash]
		if !ok {
			result.Missing = append(result.Missing, hash)
			s.metrics.Misses++
			continue
		}
		result.Found[hash] = append([]byte(nil), data...)
		s.meta[hash].LastAccessed = time.Now().UTC()
		s.metrics.Hits++
		s.metrics.TotalBytesRetrieved += int64(len(data))
	}

	result.Duration = time.Since(start)
	return result, ctx.Err()
}

// Delete removes blocks, returning how many were actually present.
func (s *MemoryStore) Delete(ctx context.Context, hashes []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for _, hash := range hashes {
		data, ok := s.blocks[hash]
		if !ok {
			continue
		}
		delete(s.blocks, hash)
		delete(s.meta, hash)
		s.metrics.TotalBytesStored -= int64(len(data))
		s.metrics.BlockCount--
		deleted++
	}
	return deleted, ctx.Err()
}

// Exists reports per-hash presence.
func (s *MemoryStore) Exists(ctx context.Context, hashes []string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make(map[string]bool, len(hashes))
	for _, hash := range hashes {
		_, ok := s.blocks[hash]
		result[hash] = ok
	}
	return result, ctx.Err()
}

// Metadata returns a copy of a block's metadata, or (nil, nil) when the
// block is absent.
func (s *MemoryStore) Metadata(ctx context.Context, hash string) (*BlockMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	md, ok := s.meta[hash]
	if !ok {
		return nil, ctx.Err()
	}
	copied := *md
	return &copied, ctx.Err()
}

// List returns metadata for stored blocks, oldest first, optionally
// filtered by owner and capped at limit.
func (s *MemoryStore) List(ctx context.Context, owner string, limit int) ([]BlockMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]BlockMetadata, 0, len(s.meta))
	for _, md := range s.meta {
		if owner != "" && md.SessionID != owner {
			continue
		}
		out = append(out, *md)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].BlockHash < out[j].BlockHash
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, ctx.Err()
}

// Metrics returns a snapshot of the counters.
func (s *MemoryStore) Metrics() CacheMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}

// Clear removes blocks. An empty owner wipes the store and resets all
// counters; a named owner removes only that owner's blocks.
func (s *MemoryStore) Clear(ctx context.Context, owner string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if owner == "" {
		count := len(s.blocks)
		s.blocks = make(map[string][]byte)
		s.meta = make(map[string]*BlockMetadata)
		s.metrics = CacheMetrics{}
		return count, ctx.Err()
	}

	count := 0
	for hash, md := range s.meta {
		if md.SessionID != owner {
			continue
		}
		s.metrics.TotalBytesStored -= int64(len(s.blocks[hash]))
		s.metrics.BlockCount--
		delete(s.blocks, hash)
		delete(s.meta, hash)
		count++
	}
	return count, ctx.Err()
}

// Health is trivially true for the memory store.
func (s *MemoryStore) Health(ctx context.Context) bool { return true }

// Close drops all held data.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks = make(map[string][]byte)
	s.meta = make(map[string]*BlockMetadata)
	return nil
}

func sortedKeys(blocks map[string][]byte) []string {
	out := make([]string, 0, len(blocks))
	for hash := range blocks {
		out = append(out, hash)
	}
	sort.Strings(out)
	return out
}
