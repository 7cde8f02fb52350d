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
	"io"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSConfig configures the Google Cloud Storage cold tier.
type GCSConfig struct {
	// Bucket is the target bucket name. Required.
	Bucket string `yaml:"bucket"`

	// Prefix namespaces this deployment's objects inside the bucket.
	Prefix string `yaml:"prefix"`

	// CredentialsFile is a service account key path. Empty falls back to
	// application default credentials.
	CredentialsFile string `yaml:"credentials_file"`
}

// GCSStore is the archival cold tier over a GCS bucket.
//
// # Description
//
// Payloads live at <prefix>/blocks/<hash>, envelope-wrapped metadata at
// <prefix>/meta/<hash>.json. GCS object writes are atomic (an object is
// visible only after the writer closes), which satisfies the
// no-partial-content rule without a temp-and-rename dance. Cold reads
// skip the last-access rewrite; promotion into a warmer tier refreshes
// recency there.
//
// Counters are process-local: BlockCount tracks stores and deletes seen
// by this process, not a census of the bucket.
//
// # Thread Safety
//
// Safe for concurrent use.
type GCSStore struct {
	client *storage.Client
	bucket *storage.BucketHandle
	prefix string
	logger *slog.Logger

	mu      sync.Mutex
	metrics CacheMetrics
}

// NewGCSStore dials GCS and binds the configured bucket.
func NewGCSStore(ctx context.Context, cfg GCSConfig, logger *slog.Logger) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required for the gcs store")
	}
	if logger == nil {
		logger = slog.Default()
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}

	return &GCSStore{
		client: client,
		bucket: client.Bucket(cfg.Bucket),
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: logger,
	}, nil
}

func (s *GCSStore) blockObject(hash string) string {
	return path.Join(s.prefix, blocksDirName, hash)
}

func (s *GCSStore) metaObject(hash string) string {
	return path.Join(s.prefix, metaDirName, hash+".json")
}

func (s *GCSStore) writeObject(ctx context.Context, name string, data []byte) error {
	w := s.bucket.Object(name).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (s *GCSStore) readObject(ctx context.Context, name string) ([]byte, error) {
	r, err := s.bucket.Object(name).NewReader(ctx)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// Store uploads each block's metadata then payload.
func (s *GCSStore) Store(ctx context.Context, blocks map[string][]byte, owner string, meta map[string]any) (StoreResult, error) {
	start := time.Now()
	result := StoreResult{}
	layerIndex := layerIndexFrom(meta)

	for _, hash := range sortedKeys(blocks) {
		data := blocks[hash]

		now := time.Now().UTC()
		blob, err := encodeBlockMeta(&BlockMetadata{
			BlockHash:    hash,
			SizeBytes:    int64(len(data)),
			CreatedAt:    now,
			LastAccessed: now,
			SessionID:    owner,
			LayerIndex:   layerIndex,
			Backend:      BackendGCS,
		})
		if err != nil {
			result.Failed = append(result.Failed, hash)
			continue
		}

		if err := s.writeObject(ctx, s.metaObject(hash), blob); err != nil {
			s.logger.Warn("failed to upload block metadata",
				slog.String("hash", hash), slog.String("error", err.Error()))
			result.Failed = append(result.Failed, hash)
			continue
		}
		if err := s.writeObject(ctx, s.blockObject(hash), data); err != nil {
			s.logger.Warn("failed to upload block",
				slog.String("hash", hash), slog.String("error", err.Error()))
			result.Failed = append(result.Failed, hash)
			continue
		}

		s.mu.Lock()
		s.metrics.TotalBytesStored += int64(len(data))
		s.metrics.BlockCount++
		s.mu.Unlock()

		result.Stored = append(result.Stored, hash)
		result.TotalBytes += int64(len(data))
	}

	result.Duration = time.Since(start)
	return result, ctx.Err()
}

// Retrieve downloads blocks; both objects must exist for a hit.
func (s *GCSStore) Retrieve(ctx context.Context, hashes []string) (RetrieveResult, error) {
	start := time.Now()
	result := RetrieveResult{Found: make(map[string][]byte)}

	for _, hash := range hashes {
		if _, err := s.readObject(ctx, s.metaObject(hash)); err != nil {
			if !errors.Is(err, storage.ErrObjectNotExist) {
				s.logger.Warn("failed to read block metadata",
					slog.String("hash", hash), slog.String("error", err.Error()))
			}
			result.Missing = append(result.Missing, hash)
			s.mu.Lock()
			s.metrics.Misses++
			s.mu.Unlock()
			continue
		}

		data, err := s.readObject(ctx, s.blockObject(hash))
		if err != nil {
			if !errors.Is(err, storage.ErrObjectNotExist) {
				s.logger.Warn("failed to read block",
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

// Delete removes both objects for each hash, counting only payloads that
// existed.
func (s *GCSStore) Delete(ctx context.Context, hashes []string) (int, error) {
	deleted := 0
	for _, hash := range hashes {
		obj := s.bucket.Object(s.blockObject(hash))

		var size int64
		if attrs, err := obj.Attrs(ctx); err == nil {
			size = attrs.Size
		}

		blockErr := obj.Delete(ctx)
		if blockErr != nil && !errors.Is(blockErr, storage.ErrObjectNotExist) {
			s.logger.Warn("failed to delete block",
				slog.String("hash", hash), slog.String("error", blockErr.Error()))
			continue
		}
		if err := s.bucket.Object(s.metaObject(hash)).Delete(ctx); err != nil &&
			!errors.Is(err, storage.ErrObjectNotExist) {
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

// Exists reports presence of both objects per hash.
func (s *GCSStore) Exists(ctx context.Context, hashes []string) (map[string]bool, error) {
	result := make(map[string]bool, len(hashes))
	for _, hash := range hashes {
		_, blockErr := s.bucket.Object(s.blockObject(hash)).Attrs(ctx)
		_, metaErr := s.bucket.Object(s.metaObject(hash)).Attrs(ctx)
		result[hash] = blockErr == nil && metaErr == nil
	}
	return result, ctx.Err()
}

// Metadata returns a block's metadata, or (nil, nil) when either object
// is absent.
func (s *GCSStore) Metadata(ctx context.Context, hash string) (*BlockMetadata, error) {
	blob, err := s.readObject(ctx, s.metaObject(hash))
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}

	md, err := decodeBlockMeta(blob)
	if err != nil {
		return nil, err
	}
	if _, err := s.bucket.Object(s.blockObject(hash)).Attrs(ctx); err != nil {
		return nil, ctx.Err()
	}
	return md, ctx.Err()
}

// List iterates the metadata objects, optionally filtered by owner,
// capped at limit.
func (s *GCSStore) List(ctx context.Context, owner string, limit int) ([]BlockMetadata, error) {
	out := []BlockMetadata{}
	metaPrefix := path.Join(s.prefix, metaDirName) + "/"

	it := s.bucket.Objects(ctx, &storage.Query{Prefix: metaPrefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}

		blob, err := s.readObject(ctx, attrs.Name)
		if err != nil {
			continue
		}
		md, err := decodeBlockMeta(blob)
		if err != nil {
			continue
		}
		if owner != "" && md.SessionID != owner {
			continue
		}
		out = append(out, *md)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, ctx.Err()
}

// Metrics returns a snapshot of the process-local counters.
func (s *GCSStore) Metrics() CacheMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}

// Clear removes objects. An empty owner deletes everything under the
// prefix; a named owner deletes through the normal per-block path.
func (s *GCSStore) Clear(ctx context.Context, owner string) (int, error) {
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

	count := 0
	blockPrefix := path.Join(s.prefix, blocksDirName) + "/"
	scope := ""
	if s.prefix != "" {
		scope = s.prefix + "/"
	}
	it := s.bucket.Objects(ctx, &storage.Query{Prefix: scope})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return count, err
		}
		if err := s.bucket.Object(attrs.Name).Delete(ctx); err != nil &&
			!errors.Is(err, storage.ErrObjectNotExist) {
			s.logger.Warn("failed to delete object",
				slog.String("object", attrs.Name), slog.String("error", err.Error()))
			continue
		}
		if strings.HasPrefix(attrs.Name, blockPrefix) {
			count++
		}
	}

	s.mu.Lock()
	s.metrics = CacheMetrics{}
	s.mu.Unlock()
	return count, ctx.Err()
}

// Health probes the bucket's attributes.
func (s *GCSStore) Health(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := s.bucket.Attrs(probeCtx)
	return err == nil
}

// Close releases the GCS client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
