// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage provides content-addressed persistence for KV-cache
// blocks across storage tiers of differing speed and capacity.
//
// Five backends implement the Store interface:
//
//	memory - bounded in-process map, no persistence
//	disk   - crash-safe files under a sharded directory layout
//	badger - embedded BadgerDB, low-latency warm storage
//	gcs    - Google Cloud Storage bucket, archival cold storage
//	tiered - hot + warm [+ cold] composite with LRU promotion/demotion
//
// A block's identity is its content hash (ComputeBlockHash); two identical
// payloads stored under the same session and layer always collide to the
// same key, which is what lets windows share blocks by reference. Batch
// operations report per-item success and never abort on a single failure.
package storage

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianCache/services/cwm/cwmerr"
	"github.com/AleutianAI/AleutianCache/services/cwm/keys"
)

// Backend identifies a Store implementation.
type Backend string

const (
	// BackendMemory is the bounded in-process store.
	BackendMemory Backend = "memory"

	// BackendDisk is the crash-safe file store.
	BackendDisk Backend = "disk"

	// BackendBadger is the embedded BadgerDB store.
	BackendBadger Backend = "badger"

	// BackendGCS is the Google Cloud Storage archival store.
	BackendGCS Backend = "gcs"

	// BackendTiered is the hot/warm/cold composite.
	BackendTiered Backend = "tiered"
)

// BlockMetadata describes one stored block.
type BlockMetadata struct {
	BlockHash    string    `json:"block_hash"`
	SizeBytes    int64     `json:"size_bytes"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
	SessionID    string    `json:"session_id"`
	LayerIndex   int       `json:"layer_index"`
	Backend      Backend   `json:"backend"`
	Compression  string    `json:"compression,omitempty"`
}

// StoreResult reports the outcome of a batch store.
type StoreResult struct {
	// Stored holds the hashes written successfully.
	Stored []string

	// Failed holds the hashes that could not be written.
	Failed []string

	// TotalBytes is the payload byte count across Stored.
	TotalBytes int64

	// Duration is the wall time of the whole batch.
	Duration time.Duration
}

// Success reports whether every block in the batch was stored.
func (r StoreResult) Success() bool { return len(r.Failed) == 0 }

// Partial reports whether the batch stored some but not all blocks.
func (r StoreResult) Partial() bool { return len(r.Stored) > 0 && len(r.Failed) > 0 }

// RetrieveResult reports the outcome of a batch retrieve.
type RetrieveResult struct {
	// Found maps hash to payload for every hit.
	Found map[string][]byte

	// Missing holds the hashes not present in the store.
	Missing []string

	// Duration is the wall time of the whole batch.
	Duration time.Duration
}

// Success reports whether every requested block was found.
func (r RetrieveResult) Success() bool { return len(r.Missing) == 0 }

// Partial reports whether the batch found some but not all blocks.
func (r RetrieveResult) Partial() bool { return len(r.Found) > 0 && len(r.Missing) > 0 }

// CacheMetrics holds per-store counters. Hits and misses count per block,
// never per batch.
type CacheMetrics struct {
	Hits                int64 `json:"hits"`
	Misses              int64 `json:"misses"`
	TotalBytesStored    int64 `json:"total_bytes_stored"`
	TotalBytesRetrieved int64 `json:"total_bytes_retrieved"`
	BlockCount          int64 `json:"block_count"`
	Evictions           int64 `json:"evictions"`
}

// HitRate returns hits/(hits+misses), or 0.0 before any lookup.
func (m CacheMetrics) HitRate() float64 {
	total := m.Hits + m.Misses
	if total == 0 {
		return 0.0
	}
	return float64(m.Hits) / float64(total)
}

// Store is the contract every backend implements.
//
// # Description
//
// All batch operations are best-effort: a failure on one block is recorded
// in the result, never raised for the batch. Absence is data, not an
// error; Retrieve reports it in Missing, Metadata returns (nil, nil), and
// Delete of an absent hash is a counted-as-zero no-op.
//
// # Thread Safety
//
// Every implementation is safe for concurrent use.
type Store interface {
	// Store writes blocks keyed by hash. Per-block failures land in
	// StoreResult.Failed. meta may carry a "layer_index" int applied to
	// each block's metadata.
	Store(ctx context.Context, blocks map[string][]byte, owner string, meta map[string]any) (StoreResult, error)

	// Retrieve reads blocks by hash. Hits update last-access times.
	Retrieve(ctx context.Context, hashes []string) (RetrieveResult, error)

	// Delete removes blocks, returning how many existed. Idempotent.
	Delete(ctx context.Context, hashes []string) (int, error)

	// Exists reports per-hash presence.
	Exists(ctx context.Context, hashes []string) (map[string]bool, error)

	// Metadata returns a block's metadata, or (nil, nil) when absent.
	Metadata(ctx context.Context, hash string) (*BlockMetadata, error)

	// List returns stored block metadata, optionally filtered by owner,
	// capped at limit.
	List(ctx context.Context, owner string, limit int) ([]BlockMetadata, error)

	// Metrics returns a snapshot of the store's counters.
	Metrics() CacheMetrics

	// Clear removes blocks. With an empty owner the whole store is wiped;
	// with an owner only that owner's blocks go. Returns the count removed.
	Clear(ctx context.Context, owner string) (int, error)

	// Health is a cheap liveness probe.
	Health(ctx context.Context) bool

	// Close releases backend resources.
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Backend Backend      `yaml:"backend" validate:"required,oneof=memory disk badger gcs tiered"`
	Memory  MemoryConfig `yaml:"memory"`
	Disk    DiskConfig   `yaml:"disk"`
	Badger  BadgerConfig `yaml:"badger"`
	GCS     GCSConfig    `yaml:"gcs"`
	Tiered  TieredConfig `yaml:"tiered"`

	// Logger receives store diagnostics. Nil means slog.Default().
	Logger *slog.Logger `yaml:"-"`
}

// DefaultConfig returns the production default: a tiered store with a
// memory hot tier over a disk warm tier.
func DefaultConfig() Config {
	return Config{
		Backend: BackendTiered,
		Memory:  DefaultMemoryConfig(),
		Disk:    DiskConfig{},
		Badger:  DefaultBadgerConfig(),
		Tiered:  DefaultTieredConfig(),
	}
}

// New constructs the configured backend.
//
// # Description
//
// The variant is selected exactly once here; nothing downstream inspects
// the concrete type. An unknown backend is a validation error.
//
// # Inputs
//
//   - ctx: Used only by backends that dial a remote service (gcs).
//   - cfg: Backend selection plus per-backend settings.
//
// # Outputs
//
//   - Store: The ready backend. Caller owns Close().
//   - error: Non-nil for unknown backends or failed initialization.
func New(ctx context.Context, cfg Config) (Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Backend {
	case BackendMemory:
		return NewMemoryStore(cfg.Memory), nil
	case BackendDisk:
		return NewDiskStore(cfg.Disk, logger)
	case BackendBadger:
		bcfg := cfg.Badger
		if bcfg.Logger == nil {
			bcfg.Logger = logger
		}
		return NewBadgerStore(bcfg)
	case BackendGCS:
		return NewGCSStore(ctx, cfg.GCS, logger)
	case BackendTiered:
		return NewTieredStore(ctx, cfg)
	default:
		return nil, cwmerr.NewInvalidParameter("backend",
			"must be one of memory, disk, badger, gcs, tiered")
	}
}

// encodeBlockMeta marshals metadata inside the versioned envelope.
func encodeBlockMeta(md *BlockMetadata) ([]byte, error) {
	raw, err := json.Marshal(md)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	return json.Marshal(keys.WrapMetadata(fields))
}

// decodeBlockMeta parses an envelope-wrapped metadata blob, rejecting
// versions outside the supported range rather than coercing them.
func decodeBlockMeta(blob []byte) (*BlockMetadata, error) {
	var envelope map[string]any
	if err := json.Unmarshal(blob, &envelope); err != nil {
		return nil, cwmerr.NewCorruption("block metadata is not valid JSON")
	}

	version, fields, err := keys.UnwrapMetadata(envelope)
	if err != nil {
		return nil, err
	}
	if ok, _ := keys.CheckSchemaCompatibility(version); !ok {
		return nil, cwmerr.NewSchemaIncompatible(version,
			keys.MinSupportedSchemaVersion, keys.MetadataSchemaVersion)
	}

	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	var md BlockMetadata
	if err := json.Unmarshal(raw, &md); err != nil {
		return nil, cwmerr.NewCorruption("block metadata fields are malformed")
	}
	return &md, nil
}

// layerIndexFrom pulls the optional layer index out of a store call's
// shared metadata map.
func layerIndexFrom(meta map[string]any) int {
	if meta == nil {
		return 0
	}
	switch v := meta["layer_index"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
