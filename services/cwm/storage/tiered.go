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
	"container/list"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AleutianCache/services/cwm/cwmerr"
	"github.com/AleutianAI/AleutianCache/services/cwm/observability"
)

// TieredConfig configures the hot/warm/cold composite.
type TieredConfig struct {
	// HotMaxBlocks caps the hot tier's block count. Stores demote LRU
	// blocks to warm first so the cap holds after every Store call.
	HotMaxBlocks int `yaml:"hot_max_blocks" validate:"gt=0"`

	// PromoteOnAccess copies warm hits into the hot tier.
	PromoteOnAccess bool `yaml:"promote_on_access"`

	// WarmBackend selects the warm tier implementation: disk or badger.
	WarmBackend Backend `yaml:"warm_backend" validate:"oneof=disk badger"`

	// ColdEnabled adds the GCS archival tier below warm.
	ColdEnabled bool `yaml:"cold_enabled"`
}

// DefaultTieredConfig returns a 1000-block hot cap over a disk warm tier
// with promotion enabled.
func DefaultTieredConfig() TieredConfig {
	return TieredConfig{
		HotMaxBlocks:    1000,
		PromoteOnAccess: true,
		WarmBackend:     BackendDisk,
	}
}

// TieredStore composes a hot tier, a warm tier, and an optional cold
// tier behind the Store contract.
//
// # Description
//
// Reads check hot, then warm, then cold; a warm hit is copied into hot
// when PromoteOnAccess is set, and a cold hit is always copied one tier
// up into warm. Writes land in hot after demoting however many
// least-recently-used blocks are needed to keep the hot tier at or
// under its block cap; a batch larger than the cap overflows directly
// into warm so the cap holds after every Store call.
//
// The access-order list is the composite's own bookkeeping, kept under
// its own lock and never held across tier I/O. Under heavy concurrency
// the ordering is best-effort, which only affects LRU quality, never
// presence or absence.
//
// # Thread Safety
//
// Safe for concurrent use. Concurrent promotions of the same block are
// deduplicated so a popular warm block is written into hot once.
type TieredStore struct {
	hot  Store
	warm Store
	cold Store // nil when not configured

	hotMaxBlocks    int
	promoteOnAccess bool
	logger          *slog.Logger

	mu    sync.Mutex
	order *list.List // front = least recently used
	index map[string]*list.Element

	group      singleflight.Group
	demotions  atomic.Int64
	promotions atomic.Int64
}

// NewTiered composes already-constructed tiers. cold may be nil.
func NewTiered(hot, warm, cold Store, cfg TieredConfig, logger *slog.Logger) *TieredStore {
	if cfg.HotMaxBlocks <= 0 {
		cfg.HotMaxBlocks = DefaultTieredConfig().HotMaxBlocks
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TieredStore{
		hot:             hot,
		warm:            warm,
		cold:            cold,
		hotMaxBlocks:    cfg.HotMaxBlocks,
		promoteOnAccess: cfg.PromoteOnAccess,
		logger:          logger,
		order:           list.New(),
		index:           make(map[string]*list.Element),
	}
}

// NewTieredStore builds the tiers from configuration: a memory hot tier,
// a disk or badger warm tier, and optionally a GCS cold tier.
func NewTieredStore(ctx context.Context, cfg Config) (*TieredStore, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	hot := NewMemoryStore(cfg.Memory)

	var warm Store
	var err error
	switch cfg.Tiered.WarmBackend {
	case BackendDisk, "":
		warm, err = NewDiskStore(cfg.Disk, logger)
	case BackendBadger:
		bcfg := cfg.Badger
		if bcfg.Logger == nil {
			bcfg.Logger = logger
		}
		warm, err = NewBadgerStore(bcfg)
	default:
		return nil, cwmerr.NewInvalidParameter("warm_backend", "must be disk or badger")
	}
	if err != nil {
		return nil, err
	}

	var cold Store
	if cfg.Tiered.ColdEnabled {
		cold, err = NewGCSStore(ctx, cfg.GCS, logger)
		if err != nil {
			warm.Close()
			return nil, err
		}
	}

	return NewTiered(hot, warm, cold, cfg.Tiered, logger), nil
}

// touchLocked marks a hash most recently used. Caller holds mu.
func (s *TieredStore) touchLocked(hash string) {
	if el, ok := s.index[hash]; ok {
		s.order.MoveToBack(el)
		return
	}
	s.index[hash] = s.order.PushBack(hash)
}

// removeLocked drops a hash from the access list. Caller holds mu.
func (s *TieredStore) removeLocked(hash string) {
	if el, ok := s.index[hash]; ok {
		s.order.Remove(el)
		delete(s.index, hash)
	}
}

// takeVictims pops up to n least-recently-used hashes off the list.
func (s *TieredStore) takeVictims(n int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	victims := make([]string, 0, n)
	for len(victims) < n {
		front := s.order.Front()
		if front == nil {
			break
		}
		hash := front.Value.(string)
		s.order.Remove(front)
		delete(s.index, hash)
		victims = append(victims, hash)
	}
	return victims
}

// demote moves victim blocks hot to warm, preserving owner and layer
// metadata. Tier I/O runs without the access-list lock. A victim whose
// warm write fails stays in hot and returns to the front of the list so
// it remains the next candidate. Returns the count actually demoted.
func (s *TieredStore) demote(ctx context.Context, victims []string) int {
	retrieved, err := s.hot.Retrieve(ctx, victims)
	if err != nil {
		s.logger.Warn("demotion read failed", slog.String("error", err.Error()))
	}

	demoted := 0
	for hash, data := range retrieved.Found {
		md, _ := s.hot.Metadata(ctx, hash)
		owner := "unknown"
		layerIndex := 0
		if md != nil {
			owner = md.SessionID
			layerIndex = md.LayerIndex
		}

		result, err := s.warm.Store(ctx, map[string][]byte{hash: data}, owner,
			map[string]any{"layer_index": layerIndex})
		if err != nil || len(result.Stored) == 0 {
			s.logger.Warn("demotion write failed, keeping block hot",
				slog.String("hash", hash))
			s.mu.Lock()
			if _, ok := s.index[hash]; !ok {
				s.index[hash] = s.order.PushFront(hash)
			}
			s.mu.Unlock()
			continue
		}

		if _, err := s.hot.Delete(ctx, []string{hash}); err != nil {
			s.logger.Warn("demotion cleanup failed",
				slog.String("hash", hash), slog.String("error", err.Error()))
		}
		s.demotions.Add(1)
		observability.RecordDemotion()
		demoted++
	}
	return demoted
}

// publishGauges refreshes the per-tier resident-byte gauges.
func (s *TieredStore) publishGauges() {
	observability.SetStoreBytes("hot", s.hot.Metrics().TotalBytesStored)
	observability.SetStoreBytes("warm", s.warm.Metrics().TotalBytesStored)
	if s.cold != nil {
		observability.SetStoreBytes("cold", s.cold.Metrics().TotalBytesStored)
	}
}

// Store writes into the hot tier after demoting enough LRU blocks to
// keep the hot tier at or under its cap; overflow beyond the cap goes
// straight to warm.
func (s *TieredStore) Store(ctx context.Context, blocks map[string][]byte, owner string, meta map[string]any) (StoreResult, error) {
	start := time.Now()

	hotBatch := blocks
	var warmBatch map[string][]byte
	if len(blocks) > s.hotMaxBlocks {
		hashes := sortedKeys(blocks)
		hotBatch = make(map[string][]byte, s.hotMaxBlocks)
		warmBatch = make(map[string][]byte, len(blocks)-s.hotMaxBlocks)
		for i, hash := range hashes {
			if i < s.hotMaxBlocks {
				hotBatch[hash] = blocks[hash]
			} else {
				warmBatch[hash] = blocks[hash]
			}
		}
	}

	// Demote until the incoming batch fits. Stale access-list entries
	// (blocks already deleted from hot) burn a pass, so loop on the
	// live count rather than trusting one calculation.
	for {
		over := int(s.hot.Metrics().BlockCount) + len(hotBatch) - s.hotMaxBlocks
		if over <= 0 {
			break
		}
		victims := s.takeVictims(over)
		if len(victims) == 0 {
			break
		}
		if s.demote(ctx, victims) == 0 && len(victims) > 0 {
			break
		}
	}

	result, err := s.hot.Store(ctx, hotBatch, owner, meta)
	if err != nil {
		result.Duration = time.Since(start)
		return result, err
	}

	s.mu.Lock()
	for _, hash := range result.Stored {
		s.touchLocked(hash)
	}
	s.mu.Unlock()
	observability.RecordBlocksStored("hot", len(result.Stored))

	if len(warmBatch) > 0 {
		overflow, err := s.warm.Store(ctx, warmBatch, owner, meta)
		observability.RecordBlocksStored("warm", len(overflow.Stored))
		result.Stored = append(result.Stored, overflow.Stored...)
		result.Failed = append(result.Failed, overflow.Failed...)
		result.TotalBytes += overflow.TotalBytes
		if err != nil {
			result.Duration = time.Since(start)
			return result, err
		}
	}

	s.publishGauges()
	result.Duration = time.Since(start)
	return result, ctx.Err()
}

// promote copies a block one tier up, deduplicating concurrent
// promotions of the same hash. Failures are logged, never surfaced;
// promotion is opportunistic.
func (s *TieredStore) promote(ctx context.Context, hash string, data []byte, from, to Store) {
	s.group.Do(hash, func() (any, error) {
		md, _ := from.Metadata(ctx, hash)
		owner := "unknown"
		layerIndex := 0
		if md != nil {
			owner = md.SessionID
			layerIndex = md.LayerIndex
		}

		result, err := to.Store(ctx, map[string][]byte{hash: data}, owner,
			map[string]any{"layer_index": layerIndex})
		if err != nil || len(result.Stored) == 0 {
			s.logger.Debug("promotion skipped", slog.String("hash", hash))
			return nil, nil
		}
		s.promotions.Add(1)
		observability.RecordPromotion()
		return nil, nil
	})
}

// Retrieve reads hot, then warm, then cold. Warm hits are promoted into
// hot when configured; cold hits always move up into warm. Demotion for
// a promoted block is deferred to the next Store call.
func (s *TieredStore) Retrieve(ctx context.Context, hashes []string) (RetrieveResult, error) {
	start := time.Now()
	result := RetrieveResult{Found: make(map[string][]byte)}
	missing := hashes

	hotRes, err := s.hot.Retrieve(ctx, missing)
	if err != nil {
		return result, err
	}
	for hash, data := range hotRes.Found {
		result.Found[hash] = data
	}
	observability.RecordBlocksRetrieved("hot", "hit", len(hotRes.Found))
	missing = hotRes.Missing

	if len(missing) > 0 {
		warmRes, err := s.warm.Retrieve(ctx, missing)
		if err != nil {
			return result, err
		}
		for hash, data := range warmRes.Found {
			result.Found[hash] = data
			if s.promoteOnAccess {
				s.promote(ctx, hash, data, s.warm, s.hot)
			}
		}
		observability.RecordBlocksRetrieved("warm", "hit", len(warmRes.Found))
		missing = warmRes.Missing
	}

	if len(missing) > 0 && s.cold != nil {
		coldRes, err := s.cold.Retrieve(ctx, missing)
		if err != nil {
			return result, err
		}
		for hash, data := range coldRes.Found {
			result.Found[hash] = data
			s.promote(ctx, hash, data, s.cold, s.warm)
		}
		observability.RecordBlocksRetrieved("cold", "hit", len(coldRes.Found))
		missing = coldRes.Missing
	}

	s.mu.Lock()
	for hash := range result.Found {
		s.touchLocked(hash)
	}
	s.mu.Unlock()
	observability.RecordBlocksRetrieved("none", "miss", len(missing))
	s.publishGauges()

	result.Missing = missing
	result.Duration = time.Since(start)
	return result, ctx.Err()
}

func (s *TieredStore) tiers() []Store {
	out := []Store{s.hot, s.warm}
	if s.cold != nil {
		out = append(out, s.cold)
	}
	return out
}

// Delete fans out to every tier in parallel. The count sums per-tier
// removals, so a block resident in two tiers counts twice.
func (s *TieredStore) Delete(ctx context.Context, hashes []string) (int, error) {
	tiers := s.tiers()
	counts := make([]int, len(tiers))

	g, gctx := errgroup.WithContext(ctx)
	for i, tier := range tiers {
		g.Go(func() error {
			n, err := tier.Delete(gctx, hashes)
			counts[i] = n
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	for _, hash := range hashes {
		s.removeLocked(hash)
	}
	s.mu.Unlock()
	s.publishGauges()

	total := 0
	for _, n := range counts {
		total += n
	}
	return total, nil
}

// Exists fans out to every tier in parallel; presence is the logical OR.
func (s *TieredStore) Exists(ctx context.Context, hashes []string) (map[string]bool, error) {
	tiers := s.tiers()
	results := make([]map[string]bool, len(tiers))

	g, gctx := errgroup.WithContext(ctx)
	for i, tier := range tiers {
		g.Go(func() error {
			m, err := tier.Exists(gctx, hashes)
			results[i] = m
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := make(map[string]bool, len(hashes))
	for _, hash := range hashes {
		for _, m := range results {
			if m[hash] {
				merged[hash] = true
				break
			}
		}
		if _, ok := merged[hash]; !ok {
			merged[hash] = false
		}
	}
	return merged, nil
}

// Metadata short-circuits at the first tier that has the block, checked
// hot, then warm, then cold.
func (s *TieredStore) Metadata(ctx context.Context, hash string) (*BlockMetadata, error) {
	var firstErr error
	for _, tier := range s.tiers() {
		md, err := tier.Metadata(ctx, hash)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if md != nil {
			return md, nil
		}
	}
	return nil, firstErr
}

// List merges tier listings hottest first, deduplicated by hash, capped
// at limit.
func (s *TieredStore) List(ctx context.Context, owner string, limit int) ([]BlockMetadata, error) {
	out := []BlockMetadata{}
	seen := make(map[string]struct{})

	for _, tier := range s.tiers() {
		remaining := 0
		if limit > 0 {
			remaining = limit - len(out)
			if remaining <= 0 {
				break
			}
		}
		blocks, err := tier.List(ctx, owner, remaining)
		if err != nil {
			return nil, err
		}
		for _, md := range blocks {
			if _, ok := seen[md.BlockHash]; ok {
				continue
			}
			seen[md.BlockHash] = struct{}{}
			out = append(out, md)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, ctx.Err()
}

// Metrics sums the tiers' counters and adds this composite's demotions
// as evictions.
func (s *TieredStore) Metrics() CacheMetrics {
	var sum CacheMetrics
	for _, tier := range s.tiers() {
		m := tier.Metrics()
		sum.Hits += m.Hits
		sum.Misses += m.Misses
		sum.TotalBytesStored += m.TotalBytesStored
		sum.TotalBytesRetrieved += m.TotalBytesRetrieved
		sum.BlockCount += m.BlockCount
		sum.Evictions += m.Evictions
	}
	sum.Evictions += s.demotions.Load()
	return sum
}

// Demotions returns how many blocks this composite has moved hot to warm.
func (s *TieredStore) Demotions() int64 { return s.demotions.Load() }

// Promotions returns how many blocks this composite has copied up a tier.
func (s *TieredStore) Promotions() int64 { return s.promotions.Load() }

// Clear clears every tier in parallel; an empty owner also resets the
// access list. Stale access-list entries left by an owner-scoped clear
// are tolerated and skipped at demotion time.
func (s *TieredStore) Clear(ctx context.Context, owner string) (int, error) {
	tiers := s.tiers()
	counts := make([]int, len(tiers))

	g, gctx := errgroup.WithContext(ctx)
	for i, tier := range tiers {
		g.Go(func() error {
			n, err := tier.Clear(gctx, owner)
			counts[i] = n
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	if owner == "" {
		s.mu.Lock()
		s.order.Init()
		s.index = make(map[string]*list.Element)
		s.mu.Unlock()
	}
	s.publishGauges()

	total := 0
	for _, n := range counts {
		total += n
	}
	return total, nil
}

// Health requires every configured tier to be healthy.
func (s *TieredStore) Health(ctx context.Context) bool {
	for _, tier := range s.tiers() {
		if !tier.Health(ctx) {
			return false
		}
	}
	return true
}

// Close closes every tier, joining any errors.
func (s *TieredStore) Close() error {
	errs := make([]error, 0, 3)
	for _, tier := range s.tiers() {
		errs = append(errs, tier.Close())
	}
	return errors.Join(errs...)
}
