// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package windows orchestrates freeze, thaw, and clone of context windows
// across the registry, the block store, and the inference server.
//
// A freeze captures a session's cache footprint as a named window: the
// window's metadata record and prompt record are durably written to the
// block store first, and only then does the registry row appear. The
// registry therefore never references a window whose records are missing,
// while the reverse (records without a row) is an acceptable orphan from an
// interrupted freeze.
//
// A thaw restores a window into a fresh session. Block verification is
// fail-closed: the metadata record is the root of trust, and when it is
// absent the window reports zero expected and zero found blocks no matter
// how many payloads happen to be present. Model incompatibility and warmup
// failures degrade to warnings; a thaw only hard-fails when the window does
// not exist or the new session cannot be created.
package windows

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianCache/services/cwm/cwmerr"
	"github.com/AleutianAI/AleutianCache/services/cwm/keys"
	"github.com/AleutianAI/AleutianCache/services/cwm/observability"
	"github.com/AleutianAI/AleutianCache/services/cwm/registry"
	"github.com/AleutianAI/AleutianCache/services/cwm/storage"
	"github.com/AleutianAI/AleutianCache/services/cwm/vllm"
)

var tracer = otel.Tracer("aleutian.cwm.windows")

const (
	// tokensPerBlock matches vLLM's KV cache block granularity.
	tokensPerBlock = 16

	// bytesPerTokenEstimate approximates KV cache bytes per token. Varies
	// by model; used only for sizing, never for correctness.
	bytesPerTokenEstimate = 512

	windowTimestampLayout = "20060102-150405"
)

// Inference is the slice of the vLLM client the manager needs. May be
// satisfied by *vllm.Client or by a fake in tests.
type Inference interface {
	ListModels(ctx context.Context) ([]vllm.Model, error)
	Generate(ctx context.Context, req vllm.GenerateRequest) (*vllm.GenerateResponse, error)
}

// Manager coordinates window operations. Safe for concurrent use; the
// registry's uniqueness checks serialize competing writes to one window
// name.
type Manager struct {
	registry  *registry.Registry
	store     storage.Store
	inference Inference
	logger    *slog.Logger
	now       func() time.Time
}

// NewManager wires a Manager. inference may be nil for deployments without
// a reachable vLLM server; thaw then skips compatibility checks and warmup
// with warnings. A nil logger falls back to slog.Default().
func NewManager(reg *registry.Registry, store storage.Store, inference Inference, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		registry:  reg,
		store:     store,
		inference: inference,
		logger:    logger.With("component", "window_manager"),
		now:       time.Now,
	}
}

// =============================================================================
// Freeze
// =============================================================================

// FreezeOptions carries the optional parts of a freeze.
type FreezeOptions struct {
	// PromptPrefix is the text that generated the cached state. Stored for
	// thaw-time cache warming.
	PromptPrefix string

	// Description is free-form text for the window row.
	Description string

	// Tags label the window for filtering.
	Tags []string
}

// Freeze snapshots a session's context into a named window.
//
// # Description
//
// Validates the session is Active or Thawed and the window name is free,
// estimates the cache footprint, writes the window's metadata and prompt
// records to the block store, creates the registry row, and transitions
// the session to Frozen. The record writes strictly precede the registry
// insert; a failure in between leaves orphaned records and no row, never
// a row without records.
//
// # Inputs
//
//   - ctx: Bounds registry and store I/O.
//   - sessionID: Session to freeze. Must exist and be Active or Thawed.
//   - windowName: Unused window name. Validated and normalized.
//   - opts: Prompt prefix, description, and tags.
//
// # Outputs
//
//   - *FreezeResult: Counts and sizes of the captured footprint.
//   - error: Validation, NotFound, StateConflict, or StorageFailure.
func (m *Manager) Freeze(ctx context.Context, sessionID, windowName string, opts FreezeOptions) (*FreezeResult, error) {
	ctx, span := tracer.Start(ctx, "WindowManager.Freeze")
	defer span.End()

	start := m.now()
	name, err := keys.NormalizeWindowName(windowName)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("cwm.window", name))
	log := m.logger.With("session_id", sessionID, "window_name", name)
	log.Info("starting freeze")

	session, err := m.registry.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		log.Warn("session not found")
		return nil, cwmerr.NewSessionNotFound(sessionID)
	}
	if session.State != registry.StateActive && session.State != registry.StateThawed {
		log.Warn("session state does not allow freezing", "state", session.State)
		return nil, cwmerr.NewInvalidStateTransition(sessionID,
			string(session.State), string(registry.StateFrozen))
	}

	taken, err := m.registry.WindowExists(ctx, name)
	if err != nil {
		return nil, err
	}
	if taken {
		log.Warn("window name already exists")
		return nil, cwmerr.NewWindowAlreadyExists(name)
	}

	promptHash := keys.PromptHash(opts.PromptPrefix, session.CacheSalt)
	est := estimateCacheFootprint(session, opts.PromptPrefix, promptHash)

	// Records first, registry row second.
	if err := m.writeMetadataRecord(ctx, name, est); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if err := m.writePromptRecord(ctx, name, opts.PromptPrefix, session.CacheSalt); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	window := &registry.Window{
		Name:           name,
		SessionID:      session.ID,
		Description:    opts.Description,
		Tags:           opts.Tags,
		BlockCount:     est.blockCount,
		BlockHashes:    est.blockHashes,
		TotalSizeBytes: est.sizeBytes,
		Model:          session.Model,
		TokenCount:     est.tokenCount,
	}
	if err := m.registry.CreateWindow(ctx, window); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	frozen := registry.StateFrozen
	frozenAt := m.now().UTC()
	if _, err := m.registry.UpdateSession(ctx, session.ID, registry.SessionUpdate{
		State:    &frozen,
		FrozenAt: &frozenAt,
	}); err != nil {
		return nil, err
	}

	log.Info("freeze completed",
		"block_count", est.blockCount, "size_bytes", est.sizeBytes)
	observability.RecordFreezeDuration(m.now().Sub(start).Seconds())
	return &FreezeResult{
		WindowName:     name,
		SessionID:      session.ID,
		BlockCount:     est.blockCount,
		TotalSizeBytes: est.sizeBytes,
		TokenCount:     est.tokenCount,
		PromptHash:     promptHash,
		DurationMs:     m.now().Sub(start).Milliseconds(),
	}, nil
}

// estimateCacheFootprint computes the block manifest for a session's
// current cache state. Token count falls back to a four-characters-per-
// token estimate of the prompt when the session has none recorded.
func estimateCacheFootprint(session *registry.Session, promptPrefix, promptHash string) cacheEstimate {
	tokenCount := session.TokenCount
	if tokenCount == 0 {
		tokenCount = len(promptPrefix) / 4
	}
	blockCount := (tokenCount + tokensPerBlock - 1) / tokensPerBlock

	hashes := make([]string, 0, blockCount)
	for i := 0; i < blockCount; i++ {
		blockData := fmt.Sprintf("%s:block:%d", session.CacheSalt, i)
		hashes = append(hashes, storage.ComputeBlockHash([]byte(blockData), session.ID, i))
	}

	return cacheEstimate{
		cacheSalt:   session.CacheSalt,
		promptHash:  promptHash,
		tokenCount:  tokenCount,
		blockCount:  blockCount,
		blockHashes: hashes,
		sizeBytes:   int64(tokenCount) * bytesPerTokenEstimate,
	}
}

// =============================================================================
// Thaw
// =============================================================================

// ThawOptions carries the optional parts of a thaw.
type ThawOptions struct {
	// NewSessionID names the restored session. Empty generates
	// thaw-<window>-<timestamp>.
	NewSessionID string

	// SkipWarmup suppresses the cache warming request.
	SkipWarmup bool

	// ContinuationPrompt is recorded in the new session's metadata for the
	// caller to append after restoration.
	ContinuationPrompt string
}

// Thaw restores a frozen window into a new session.
//
// # Description
//
// Loads the window, checks model compatibility against the server's live
// model list, runs fail-closed block verification, creates a new session
// carrying the original isolation key in its metadata, and optionally
// issues a one-token warmup generation under that original key so the
// server's prefix cache resolves the stored blocks. Compatibility and
// warmup problems surface as warnings; only a missing window or a failed
// session insert aborts the thaw.
//
// # Inputs
//
//   - ctx: Bounds registry, store, and inference I/O.
//   - windowName: Window to restore. Validated and normalized.
//   - opts: Session naming, warmup control, continuation prompt.
//
// # Outputs
//
//   - *ThawResult: New session id, verification counts, warmup metrics,
//     and accumulated warnings.
//   - error: Validation, NotFound, or a registry failure.
func (m *Manager) Thaw(ctx context.Context, windowName string, opts ThawOptions) (*ThawResult, error) {
	ctx, span := tracer.Start(ctx, "WindowManager.Thaw")
	defer span.End()

	start := m.now()
	name, err := keys.NormalizeWindowName(windowName)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("cwm.window", name))
	log := m.logger.With("window_name", name)
	log.Info("starting thaw")

	var warnings []string

	window, err := m.registry.GetWindow(ctx, name)
	if err != nil {
		return nil, err
	}
	if window == nil {
		log.Warn("window not found")
		return nil, cwmerr.NewWindowNotFound(name)
	}

	compatible, modelWarnings := m.checkModelCompatibility(ctx, window.Model)
	warnings = append(warnings, modelWarnings...)
	if !compatible {
		log.Warn("model not compatible", "model", window.Model, "warnings", modelWarnings)
	}

	expected, found := m.verifyStoredBlocks(ctx, name)
	if expected > 0 && found < expected {
		warnings = append(warnings,
			fmt.Sprintf("only %d/%d blocks found in storage", found, expected))
	}

	newSessionID := opts.NewSessionID
	if newSessionID == "" {
		// Session ids cap at 64 characters; window names run to 128.
		base := name
		if len(base) > 40 {
			base = base[:40]
		}
		newSessionID = fmt.Sprintf("thaw-%s-%s", base,
			m.now().UTC().Format(windowTimestampLayout))
	}

	// The original isolation key travels in the new session's metadata;
	// the session row itself gets a fresh unique key.
	originalSalt := m.storedCacheSalt(ctx, name)
	if originalSalt == "" {
		originalSalt = deriveCacheSalt(window)
		warnings = append(warnings, "using derived isolation key - original not stored")
	}

	sessionMeta := map[string]any{
		"source_window":       name,
		"thawed_at":           m.now().UTC().Format(time.RFC3339),
		"original_session_id": window.SessionID,
		"original_cache_salt": originalSalt,
	}
	if opts.ContinuationPrompt != "" {
		sessionMeta["continuation_prompt"] = opts.ContinuationPrompt
	}
	if _, err := m.registry.CreateSession(ctx, newSessionID, window.Model, registry.CreateSessionOptions{
		TokenCount: window.TokenCount,
		Metadata:   sessionMeta,
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var restorationMs int64
	var warm warmOutcome
	if !opts.SkipWarmup {
		warmStart := m.now()
		warm = m.warmCache(ctx, window, originalSalt)
		restorationMs = m.now().Sub(warmStart).Milliseconds()
		if warm.errText != "" {
			warnings = append(warnings, "cache warming issue: "+warm.errText)
		}
	}

	log.Info("thaw completed",
		"new_session_id", newSessionID,
		"cache_hit", warm.cacheHit,
		"cache_efficiency", warm.cacheEfficiency,
		"restoration_time_ms", restorationMs,
		"warnings_count", len(warnings))
	observability.RecordThawDuration(m.now().Sub(start).Seconds())

	return &ThawResult{
		WindowName:        name,
		SessionID:         newSessionID,
		TokenCount:        window.TokenCount,
		BlocksExpected:    expected,
		BlocksFound:       found,
		Verified:          expected > 0 && found == expected,
		ModelCompatible:   compatible,
		CacheHit:          warm.cacheHit,
		CacheEfficiency:   warm.cacheEfficiency,
		RestorationTimeMs: restorationMs,
		Warnings:          warnings,
	}, nil
}

// checkModelCompatibility compares a window's model against the server's
// live model list. Exact match wins; otherwise base names (lowercased,
// instruction-tuning suffixes removed) are compared by containment in
// either direction. Quantization suffixes are not stripped; a quantized
// variant has a different KV cache layout and cannot share blocks.
//
// Verification problems report compatible-with-warnings; only a live,
// empty model list reports incompatible.
func (m *Manager) checkModelCompatibility(ctx context.Context, windowModel string) (bool, []string) {
	var warnings []string

	if windowModel == "" || windowModel == "unknown" {
		return true, append(warnings, "window has unknown model - compatibility cannot be verified")
	}
	if m.inference == nil {
		return true, append(warnings, "inference client not configured - compatibility cannot be verified")
	}

	models, err := m.inference.ListModels(ctx)
	if err != nil {
		return true, append(warnings, "could not fetch available models: "+err.Error())
	}
	if len(models) == 0 {
		return false, append(warnings, "no models available in vLLM")
	}

	available := make([]string, 0, len(models))
	for _, mod := range models {
		if mod.ID == windowModel {
			return true, warnings
		}
		available = append(available, mod.ID)
	}

	windowBase := baseModelName(windowModel)
	for _, id := range available {
		availBase := baseModelName(id)
		if strings.Contains(availBase, windowBase) || strings.Contains(windowBase, availBase) {
			return true, append(warnings,
				fmt.Sprintf("using compatible model variant: %s (window used %s)", id, windowModel))
		}
	}

	return false, append(warnings,
		fmt.Sprintf("model %q not found. available: %s", windowModel, strings.Join(available, ", ")))
}

func baseModelName(model string) string {
	base := strings.ToLower(model)
	base = strings.ReplaceAll(base, "-instruct", "")
	base = strings.ReplaceAll(base, "-chat", "")
	return base
}

// verifyStoredBlocks reports (expected, found) for a window's manifest.
// The metadata record is the root of trust: when it is absent or
// unreadable the result is (0, 0) even if payloads for the window's
// hashes exist, because blocks without metadata are untrusted.
func (m *Manager) verifyStoredBlocks(ctx context.Context, name string) (int, int) {
	fields, err := m.readRecord(ctx, keys.WindowMetadataKey(name))
	if err != nil {
		m.logger.Warn("could not read window metadata record",
			"window_name", name, "error", err)
		return 0, 0
	}
	if fields == nil {
		return 0, 0
	}

	hashes := stringSlice(fields["block_hashes"])
	if len(hashes) == 0 {
		return 0, 0
	}

	presence, err := m.store.Exists(ctx, hashes)
	if err != nil {
		m.logger.Warn("block existence check failed",
			"window_name", name, "error", err)
		observability.RecordVerificationFailures(len(hashes))
		return len(hashes), 0
	}
	found := 0
	for _, ok := range presence {
		if ok {
			found++
		}
	}
	observability.RecordVerificationFailures(len(hashes) - found)
	return len(hashes), found
}

// deriveCacheSalt reconstructs an isolation key from window metadata when
// the stored one is gone. Deterministic, so repeated thaws of the same
// window warm the same cache partition.
func deriveCacheSalt(window *registry.Window) string {
	input := fmt.Sprintf("%s:%s:%s", window.SessionID, window.Name, window.Model)
	sum := sha256.Sum256([]byte(input))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// warmCache replays the stored prompt with max_tokens=1 under the original
// isolation key. The server reports how many prompt tokens it actually
// processed; tokens it did not process came from cache.
func (m *Manager) warmCache(ctx context.Context, window *registry.Window, cacheSalt string) warmOutcome {
	if m.inference == nil {
		return warmOutcome{errText: "inference client not configured"}
	}
	prompt := m.storedPrompt(ctx, window.Name)
	if prompt == "" {
		m.logger.Debug("no stored prompt for warming", "window_name", window.Name)
		return warmOutcome{errText: "no stored prompt prefix for warming"}
	}

	resp, err := m.inference.Generate(ctx, vllm.GenerateRequest{
		Model:     window.Model,
		Prompt:    prompt,
		MaxTokens: 1,
		CacheSalt: cacheSalt,
	})
	if err != nil {
		m.logger.Warn("cache warming failed", "window_name", window.Name, "error", err)
		return warmOutcome{errText: err.Error()}
	}

	expected := window.TokenCount
	if expected == 0 {
		expected = len(prompt) / 4
	}
	fromCache := expected - resp.PromptTokens
	if fromCache < 0 {
		fromCache = 0
	}
	efficiency := 0.0
	if expected > 0 {
		efficiency = float64(fromCache) / float64(expected)
	}

	out := warmOutcome{
		cacheHit:        efficiency > 0.5,
		promptTokens:    resp.PromptTokens,
		tokensFromCache: fromCache,
		cacheEfficiency: efficiency,
	}
	m.logger.Debug("cache warming completed",
		"window_name", window.Name,
		"prompt_tokens", out.promptTokens,
		"expected_tokens", expected,
		"tokens_from_cache", out.tokensFromCache,
		"cache_efficiency", out.cacheEfficiency,
		"cache_hit", out.cacheHit)
	return out
}

// =============================================================================
// Clone
// =============================================================================

// CloneOptions carries the optional parts of a clone.
type CloneOptions struct {
	// Description for the new window. Empty becomes "Clone of <source>".
	Description string

	// Tags for the new window. Nil copies the source's tags.
	Tags []string
}

// Clone creates an independent window sharing the source's cached blocks.
//
// # Description
//
// The new window references the source's block manifest, model, size, and
// stored prompt without re-uploading anything. Its lineage is the source's
// lineage with the source appended, so cloning A to B to C gives B the
// lineage [A] and C the lineage [A, B]. The new window's metadata record
// is re-keyed and written before the registry insert, keeping the
// records-before-row ordering that freeze establishes.
//
// # Inputs
//
//   - ctx: Bounds registry and store I/O.
//   - sourceWindow: Existing window to clone.
//   - newWindowName: Unused name for the clone.
//   - opts: Description and tag overrides.
//
// # Outputs
//
//   - *CloneResult: The clone's manifest size and full lineage chain.
//   - error: Validation, NotFound, StateConflict, or StorageFailure.
func (m *Manager) Clone(ctx context.Context, sourceWindow, newWindowName string, opts CloneOptions) (*CloneResult, error) {
	ctx, span := tracer.Start(ctx, "WindowManager.Clone")
	defer span.End()

	sourceName, err := keys.NormalizeWindowName(sourceWindow)
	if err != nil {
		return nil, err
	}
	targetName, err := keys.NormalizeWindowName(newWindowName)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("cwm.source_window", sourceName),
		attribute.String("cwm.new_window", targetName),
	)
	log := m.logger.With("source_window", sourceName, "new_window", targetName)
	log.Info("starting clone")

	source, err := m.registry.GetWindow(ctx, sourceName)
	if err != nil {
		return nil, err
	}
	if source == nil {
		log.Warn("source window not found")
		return nil, cwmerr.NewWindowNotFound(sourceName)
	}

	taken, err := m.registry.WindowExists(ctx, targetName)
	if err != nil {
		return nil, err
	}
	if taken {
		log.Warn("target window already exists")
		return nil, cwmerr.NewWindowAlreadyExists(targetName)
	}

	lineage, err := m.windowLineage(ctx, sourceName)
	if err != nil {
		return nil, err
	}
	lineage = append(lineage, sourceName)

	originalSalt := m.storedCacheSalt(ctx, sourceName)
	originalPrompt := m.storedPrompt(ctx, sourceName)

	// Re-key the source's metadata record for the clone so the clone
	// verifies and thaws on its own. A lost source record is rebuilt from
	// the registry row.
	est := cacheEstimate{
		cacheSalt:   originalSalt,
		tokenCount:  source.TokenCount,
		blockCount:  source.BlockCount,
		blockHashes: source.BlockHashes,
		sizeBytes:   source.TotalSizeBytes,
	}
	if fields, err := m.readRecord(ctx, keys.WindowMetadataKey(sourceName)); err == nil && fields != nil {
		if salt, ok := fields["cache_salt"].(string); ok && est.cacheSalt == "" {
			est.cacheSalt = salt
		}
		if hash, ok := fields["prompt_hash"].(string); ok {
			est.promptHash = hash
		}
	}
	if err := m.writeMetadataRecord(ctx, targetName, est); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if originalPrompt != "" {
		if err := m.writePromptRecord(ctx, targetName, originalPrompt, originalSalt); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}

	description := opts.Description
	if description == "" {
		description = "Clone of " + sourceName
	}
	tags := opts.Tags
	if tags == nil {
		tags = append([]string{}, source.Tags...)
	}
	clone := &registry.Window{
		Name:           targetName,
		SessionID:      source.SessionID,
		Description:    description,
		Tags:           tags,
		BlockCount:     source.BlockCount,
		BlockHashes:    append([]string{}, source.BlockHashes...),
		TotalSizeBytes: source.TotalSizeBytes,
		Model:          source.Model,
		TokenCount:     source.TokenCount,
		ParentWindow:   sourceName,
	}
	if err := m.registry.CreateWindow(ctx, clone); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if err := m.writeLineageRecord(ctx, targetName, lineage); err != nil {
		// The clone exists and works; only its ancestry chain is lost.
		log.Warn("could not store lineage record", "error", err)
	}

	log.Info("clone completed", "lineage_depth", len(lineage))
	return &CloneResult{
		SourceWindow:   sourceName,
		NewWindowName:  targetName,
		BlockCount:     source.BlockCount,
		TotalSizeBytes: source.TotalSizeBytes,
		Lineage:        lineage,
	}, nil
}

// =============================================================================
// Delete / Info
// =============================================================================

// DeleteWindow removes a window's registry row and its block-store
// records. When deleteBlocks is set the manifest's payload blocks go too;
// blocks may be shared with clones of this window, which then fail
// verification.
func (m *Manager) DeleteWindow(ctx context.Context, windowName string, deleteBlocks bool) (*DeleteResult, error) {
	ctx, span := tracer.Start(ctx, "WindowManager.DeleteWindow")
	defer span.End()

	name, err := keys.NormalizeWindowName(windowName)
	if err != nil {
		return nil, err
	}
	log := m.logger.With("window_name", name)

	window, err := m.registry.GetWindow(ctx, name)
	if err != nil {
		return nil, err
	}
	if window == nil {
		return nil, cwmerr.NewWindowNotFound(name)
	}

	blocksDeleted := 0
	if deleteBlocks && len(window.BlockHashes) > 0 {
		n, err := m.store.Delete(ctx, window.BlockHashes)
		if err != nil {
			return nil, err
		}
		blocksDeleted = n
		log.Info("deleted manifest blocks", "count", n)
	}

	if _, err := m.store.Delete(ctx, []string{
		keys.WindowMetadataKey(name),
		keys.WindowPromptKey(name),
		keys.WindowLineageKey(name),
	}); err != nil {
		log.Warn("could not delete window records", "error", err)
	}

	if err := m.registry.DeleteWindow(ctx, name); err != nil {
		return nil, err
	}

	log.Info("window deleted", "blocks_deleted", blocksDeleted)
	return &DeleteResult{WindowName: name, BlocksDeleted: blocksDeleted}, nil
}

// WindowInfo returns a window's registry row joined with its lineage and
// current verification state.
func (m *Manager) WindowInfo(ctx context.Context, windowName string) (*WindowInfo, error) {
	name, err := keys.NormalizeWindowName(windowName)
	if err != nil {
		return nil, err
	}
	window, err := m.registry.GetWindow(ctx, name)
	if err != nil {
		return nil, err
	}
	if window == nil {
		return nil, cwmerr.NewWindowNotFound(name)
	}

	lineage, err := m.windowLineage(ctx, name)
	if err != nil {
		return nil, err
	}
	expected, found := m.verifyStoredBlocks(ctx, name)

	return &WindowInfo{
		Window:         *window,
		Lineage:        lineage,
		BlocksExpected: expected,
		BlocksFound:    found,
		Verified:       expected > 0 && found == expected,
	}, nil
}

// =============================================================================
// Block Store Records
// =============================================================================

// writeMetadataRecord persists a window's envelope-wrapped metadata record.
// The record is the root of trust for block verification.
func (m *Manager) writeMetadataRecord(ctx context.Context, name string, est cacheEstimate) error {
	record := map[string]any{
		"window_name":  name,
		"cache_salt":   est.cacheSalt,
		"prompt_hash":  est.promptHash,
		"token_count":  est.tokenCount,
		"block_count":  est.blockCount,
		"block_hashes": est.blockHashes,
		"created_at":   m.now().UTC().Format(time.RFC3339),
	}
	return m.writeRecord(ctx, keys.WindowMetadataKey(name), name, record)
}

// writePromptRecord persists the prompt prefix and isolation key used to
// warm the cache on thaw.
func (m *Manager) writePromptRecord(ctx context.Context, name, promptPrefix, cacheSalt string) error {
	record := map[string]any{
		"prompt_prefix": promptPrefix,
		"cache_salt":    cacheSalt,
	}
	return m.writeRecord(ctx, keys.WindowPromptKey(name), name, record)
}

// writeLineageRecord persists a window's clone ancestry.
func (m *Manager) writeLineageRecord(ctx context.Context, name string, lineage []string) error {
	return m.writeRecord(ctx, keys.WindowLineageKey(name), name, map[string]any{
		"lineage": lineage,
	})
}

func (m *Manager) writeRecord(ctx context.Context, key, owner string, record map[string]any) error {
	blob, err := json.Marshal(keys.WrapMetadata(record))
	if err != nil {
		return cwmerr.NewInternal("encode window record", err)
	}
	result, err := m.store.Store(ctx, map[string][]byte{key: blob}, owner, nil)
	if err != nil {
		return err
	}
	if !result.Success() {
		return cwmerr.NewStorageWrite(key, nil)
	}
	return nil
}

// readRecord fetches and unwraps an envelope record. Absence is (nil, nil).
func (m *Manager) readRecord(ctx context.Context, key string) (map[string]any, error) {
	result, err := m.store.Retrieve(ctx, []string{key})
	if err != nil {
		return nil, err
	}
	blob, ok := result.Found[key]
	if !ok {
		return nil, nil
	}

	var envelope map[string]any
	if err := json.Unmarshal(blob, &envelope); err != nil {
		return nil, cwmerr.NewCorruption("window record is not valid JSON")
	}
	version, fields, err := keys.UnwrapMetadata(envelope)
	if err != nil {
		return nil, err
	}
	if ok, reason := keys.CheckSchemaCompatibility(version); !ok {
		m.logger.Warn("window record schema incompatible", "key", key, "reason", reason)
		return nil, cwmerr.NewSchemaIncompatible(version,
			keys.MinSupportedSchemaVersion, keys.MetadataSchemaVersion)
	}
	return fields, nil
}

// storedCacheSalt returns a window's stored isolation key, or "" when the
// prompt record is absent or unreadable.
func (m *Manager) storedCacheSalt(ctx context.Context, name string) string {
	fields, err := m.readRecord(ctx, keys.WindowPromptKey(name))
	if err != nil {
		m.logger.Warn("could not read prompt record", "window_name", name, "error", err)
		return ""
	}
	if fields == nil {
		return ""
	}
	salt, _ := fields["cache_salt"].(string)
	return salt
}

// storedPrompt returns a window's stored prompt prefix, or "" when absent
// or unreadable.
func (m *Manager) storedPrompt(ctx context.Context, name string) string {
	fields, err := m.readRecord(ctx, keys.WindowPromptKey(name))
	if err != nil {
		m.logger.Warn("could not read prompt record", "window_name", name, "error", err)
		return ""
	}
	if fields == nil {
		return ""
	}
	prompt, _ := fields["prompt_prefix"].(string)
	return prompt
}

// windowLineage returns a window's stored ancestry chain, empty when none
// was recorded. Unreadable lineage is an error so a clone never silently
// fabricates a shortened chain.
func (m *Manager) windowLineage(ctx context.Context, name string) ([]string, error) {
	fields, err := m.readRecord(ctx, keys.WindowLineageKey(name))
	if err != nil {
		return nil, err
	}
	if fields == nil {
		return []string{}, nil
	}
	return stringSlice(fields["lineage"]), nil
}

// stringSlice coerces a decoded JSON array into []string, dropping
// non-string elements.
func stringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return []string{}
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
