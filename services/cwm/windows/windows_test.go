// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package windows

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianCache/services/cwm/cwmerr"
	"github.com/AleutianAI/AleutianCache/services/cwm/keys"
	"github.com/AleutianAI/AleutianCache/services/cwm/registry"
	"github.com/AleutianAI/AleutianCache/services/cwm/storage"
	"github.com/AleutianAI/AleutianCache/services/cwm/vllm"
)

// fakeInference records calls and serves canned answers.
type fakeInference struct {
	models      []vllm.Model
	modelsErr   error
	response    *vllm.GenerateResponse
	generateErr error
	generated   []vllm.GenerateRequest
}

func (f *fakeInference) ListModels(ctx context.Context) ([]vllm.Model, error) {
	if f.modelsErr != nil {
		return nil, f.modelsErr
	}
	return f.models, nil
}

func (f *fakeInference) Generate(ctx context.Context, req vllm.GenerateRequest) (*vllm.GenerateResponse, error) {
	f.generated = append(f.generated, req)
	if f.generateErr != nil {
		return nil, f.generateErr
	}
	if f.response != nil {
		return f.response, nil
	}
	return &vllm.GenerateResponse{Text: "ok", PromptTokens: 0, CompletionTokens: 1}, nil
}

// failingStore wraps a Store and fails every write.
type failingStore struct {
	storage.Store
}

func (f *failingStore) Store(ctx context.Context, blocks map[string][]byte, owner string, meta map[string]any) (storage.StoreResult, error) {
	return storage.StoreResult{}, cwmerr.NewStorageWrite("test store", nil)
}

func newTestManager(t *testing.T, inf Inference) (*Manager, *registry.Registry, storage.Store) {
	t.Helper()
	reg, err := registry.Open(filepath.Join(t.TempDir(), "cwm.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	store := storage.NewMemoryStore(storage.DefaultMemoryConfig())
	t.Cleanup(func() { _ = store.Close() })

	return NewManager(reg, store, inf, nil), reg, store
}

func mustCreateSession(t *testing.T, reg *registry.Registry, id, model string, tokens int) *registry.Session {
	t.Helper()
	s, err := reg.CreateSession(context.Background(), id, model,
		registry.CreateSessionOptions{TokenCount: tokens})
	require.NoError(t, err)
	return s
}

// storeManifestBlocks writes a payload for every hash in the window's
// manifest so verification can find them.
func storeManifestBlocks(t *testing.T, store storage.Store, reg *registry.Registry, windowName string) {
	t.Helper()
	ctx := context.Background()
	w, err := reg.GetWindow(ctx, windowName)
	require.NoError(t, err)
	require.NotNil(t, w)
	blocks := make(map[string][]byte, len(w.BlockHashes))
	for _, h := range w.BlockHashes {
		blocks[h] = []byte("kv")
	}
	res, err := store.Store(ctx, blocks, w.SessionID, nil)
	require.NoError(t, err)
	require.True(t, res.Success())
}

// TestManager_Freeze verifies a freeze writes both block-store records,
// creates the registry row, and transitions the session.
func TestManager_Freeze(t *testing.T) {
	ctx := context.Background()
	m, reg, store := newTestManager(t, &fakeInference{})
	session := mustCreateSession(t, reg, "chat-1", "llama-3.1-8b", 160)

	result, err := m.Freeze(ctx, "chat-1", "win-a", FreezeOptions{
		PromptPrefix: "Hello world, this is the conversation so far.",
		Description:  "first checkpoint",
		Tags:         []string{"test"},
	})
	require.NoError(t, err)

	assert.Equal(t, "win-a", result.WindowName)
	assert.Equal(t, "chat-1", result.SessionID)
	assert.Equal(t, 10, result.BlockCount, "160 tokens at 16 per block")
	assert.Equal(t, int64(160*512), result.TotalSizeBytes)
	assert.Equal(t, 160, result.TokenCount)
	assert.NotEmpty(t, result.PromptHash)

	window, err := reg.GetWindow(ctx, "win-a")
	require.NoError(t, err)
	require.NotNil(t, window)
	assert.Len(t, window.BlockHashes, 10)
	assert.Equal(t, "first checkpoint", window.Description)
	assert.Equal(t, []string{"test"}, window.Tags)
	assert.Equal(t, "llama-3.1-8b", window.Model)

	frozen, err := reg.GetSession(ctx, "chat-1")
	require.NoError(t, err)
	assert.Equal(t, registry.StateFrozen, frozen.State)
	require.NotNil(t, frozen.FrozenAt)

	t.Run("metadata record wrapped in envelope", func(t *testing.T) {
		got, err := store.Retrieve(ctx, []string{keys.WindowMetadataKey("win-a")})
		require.NoError(t, err)
		blob, ok := got.Found[keys.WindowMetadataKey("win-a")]
		require.True(t, ok)

		var envelope map[string]any
		require.NoError(t, json.Unmarshal(blob, &envelope))
		assert.EqualValues(t, 1, envelope["_schema_version"])
		assert.Equal(t, "win-a", envelope["window_name"])
		assert.Equal(t, session.CacheSalt, envelope["cache_salt"])
		assert.Len(t, envelope["block_hashes"], 10)
	})

	t.Run("prompt record stored", func(t *testing.T) {
		assert.Equal(t, "Hello world, this is the conversation so far.",
			m.storedPrompt(ctx, "win-a"))
		assert.Equal(t, session.CacheSalt, m.storedCacheSalt(ctx, "win-a"))
	})

	t.Run("frozen session cannot freeze again", func(t *testing.T) {
		_, err := m.Freeze(ctx, "chat-1", "win-b", FreezeOptions{})
		require.Error(t, err)
		assert.Equal(t, "CWM-3001", cwmerr.CodeOf(err))
	})

	t.Run("duplicate window name rejected", func(t *testing.T) {
		mustCreateSession(t, reg, "chat-2", "llama-3.1-8b", 32)
		_, err := m.Freeze(ctx, "chat-2", "win-a", FreezeOptions{})
		require.Error(t, err)
		assert.Equal(t, "CWM-3003", cwmerr.CodeOf(err))
	})

	t.Run("unknown session rejected", func(t *testing.T) {
		_, err := m.Freeze(ctx, "ghost", "win-ghost", FreezeOptions{})
		require.Error(t, err)
		assert.Equal(t, "CWM-2001", cwmerr.CodeOf(err))
	})

	t.Run("invalid window name rejected", func(t *testing.T) {
		_, err := m.Freeze(ctx, "chat-1", "../etc", FreezeOptions{})
		require.Error(t, err)
		assert.Equal(t, "CWM-1002", cwmerr.CodeOf(err))
	})
}

// TestManager_FreezeEstimatesFromPrompt verifies falling back to a
// prompt-length token estimate when the session records none.
func TestManager_FreezeEstimatesFromPrompt(t *testing.T) {
	ctx := context.Background()
	m, reg, _ := newTestManager(t, nil)
	mustCreateSession(t, reg, "fresh", "llama-3.1-8b", 0)

	prompt := make([]byte, 400)
	for i := range prompt {
		prompt[i] = 'a'
	}
	result, err := m.Freeze(ctx, "fresh", "win-fresh", FreezeOptions{PromptPrefix: string(prompt)})
	require.NoError(t, err)

	assert.Equal(t, 100, result.TokenCount, "400 chars at 4 per token")
	assert.Equal(t, 7, result.BlockCount, "100 tokens at 16 per block")
}

// TestManager_FreezeRecordsBeforeRow verifies a failed record write leaves
// no registry row and an untouched session.
func TestManager_FreezeRecordsBeforeRow(t *testing.T) {
	ctx := context.Background()
	reg, err := registry.Open(filepath.Join(t.TempDir(), "cwm.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	store := &failingStore{Store: storage.NewMemoryStore(storage.DefaultMemoryConfig())}
	m := NewManager(reg, store, nil, nil)
	mustCreateSession(t, reg, "chat-1", "llama-3.1-8b", 64)

	_, err = m.Freeze(ctx, "chat-1", "win-doomed", FreezeOptions{PromptPrefix: "hi"})
	require.Error(t, err)
	assert.Equal(t, "CWM-4001", cwmerr.CodeOf(err))

	exists, err := reg.WindowExists(ctx, "win-doomed")
	require.NoError(t, err)
	assert.False(t, exists, "registry row must not exist without its records")

	session, err := reg.GetSession(ctx, "chat-1")
	require.NoError(t, err)
	assert.Equal(t, registry.StateActive, session.State)
}

// TestManager_Thaw verifies restoration: new session, verification counts,
// and a warmup call carrying the original isolation key.
func TestManager_Thaw(t *testing.T) {
	ctx := context.Background()
	inf := &fakeInference{
		models:   []vllm.Model{{ID: "llama-3.1-8b"}},
		response: &vllm.GenerateResponse{Text: ".", PromptTokens: 2, CompletionTokens: 1},
	}
	m, reg, store := newTestManager(t, inf)
	original := mustCreateSession(t, reg, "chat-1", "llama-3.1-8b", 160)

	_, err := m.Freeze(ctx, "chat-1", "win-a", FreezeOptions{PromptPrefix: "the conversation"})
	require.NoError(t, err)
	storeManifestBlocks(t, store, reg, "win-a")

	result, err := m.Thaw(ctx, "win-a", ThawOptions{})
	require.NoError(t, err)

	assert.Equal(t, "win-a", result.WindowName)
	assert.Contains(t, result.SessionID, "thaw-win-a-")
	assert.Equal(t, 160, result.TokenCount)
	assert.Equal(t, 10, result.BlocksExpected)
	assert.Equal(t, 10, result.BlocksFound)
	assert.True(t, result.Verified)
	assert.True(t, result.ModelCompatible)

	t.Run("warmup used original isolation key", func(t *testing.T) {
		require.Len(t, inf.generated, 1)
		req := inf.generated[0]
		assert.Equal(t, original.CacheSalt, req.CacheSalt)
		assert.Equal(t, "the conversation", req.Prompt)
		assert.Equal(t, 1, req.MaxTokens)
		assert.Equal(t, "llama-3.1-8b", req.Model)
	})

	t.Run("cache efficiency from prompt tokens", func(t *testing.T) {
		// 160 expected, 2 actually processed: 158/160 came from cache.
		assert.InDelta(t, 158.0/160.0, result.CacheEfficiency, 1e-9)
		assert.True(t, result.CacheHit)
	})

	t.Run("new session carries restoration metadata", func(t *testing.T) {
		session, err := reg.GetSession(ctx, result.SessionID)
		require.NoError(t, err)
		require.NotNil(t, session)
		assert.Equal(t, registry.StateActive, session.State)
		assert.Equal(t, 160, session.TokenCount)
		assert.Equal(t, "win-a", session.Metadata["source_window"])
		assert.Equal(t, "chat-1", session.Metadata["original_session_id"])
		assert.Equal(t, original.CacheSalt, session.Metadata["original_cache_salt"])
		assert.NotEqual(t, original.CacheSalt, session.CacheSalt,
			"new session gets its own unique isolation key")
	})

	t.Run("absent window rejected", func(t *testing.T) {
		_, err := m.Thaw(ctx, "nope", ThawOptions{})
		require.Error(t, err)
		assert.Equal(t, "CWM-2002", cwmerr.CodeOf(err))
	})

	t.Run("skip warmup", func(t *testing.T) {
		calls := len(inf.generated)
		result, err := m.Thaw(ctx, "win-a", ThawOptions{
			NewSessionID: "restored-manually",
			SkipWarmup:   true,
		})
		require.NoError(t, err)
		assert.Equal(t, "restored-manually", result.SessionID)
		assert.False(t, result.CacheHit)
		assert.Len(t, inf.generated, calls, "no warmup request sent")
	})
}

// TestManager_ThawDegradations verifies the warn-never-fail paths: missing
// blocks, missing prompt record, and a dead inference server.
func TestManager_ThawDegradations(t *testing.T) {
	ctx := context.Background()

	t.Run("missing blocks warn", func(t *testing.T) {
		inf := &fakeInference{models: []vllm.Model{{ID: "m"}}}
		m, reg, _ := newTestManager(t, inf)
		mustCreateSession(t, reg, "s1", "m", 32)
		_, err := m.Freeze(ctx, "s1", "win-holes", FreezeOptions{PromptPrefix: "p"})
		require.NoError(t, err)

		result, err := m.Thaw(ctx, "win-holes", ThawOptions{})
		require.NoError(t, err)
		assert.Equal(t, 2, result.BlocksExpected)
		assert.Zero(t, result.BlocksFound)
		assert.False(t, result.Verified)
		assert.Contains(t, result.Warnings, "only 0/2 blocks found in storage")
	})

	t.Run("missing prompt record derives key", func(t *testing.T) {
		inf := &fakeInference{models: []vllm.Model{{ID: "m"}}}
		m, reg, store := newTestManager(t, inf)
		mustCreateSession(t, reg, "s2", "m", 32)
		_, err := m.Freeze(ctx, "s2", "win-bare", FreezeOptions{PromptPrefix: "p"})
		require.NoError(t, err)
		_, err = store.Delete(ctx, []string{keys.WindowPromptKey("win-bare")})
		require.NoError(t, err)

		result, err := m.Thaw(ctx, "win-bare", ThawOptions{})
		require.NoError(t, err)
		assert.Contains(t, result.Warnings, "using derived isolation key - original not stored")
		assert.Contains(t, result.Warnings, "cache warming issue: no stored prompt prefix for warming")
		assert.False(t, result.CacheHit)

		window, err := reg.GetWindow(ctx, "win-bare")
		require.NoError(t, err)
		// A repeat thaw must derive the same key deterministically.
		assert.NotEmpty(t, deriveCacheSalt(window))
		session, err := reg.GetSession(ctx, result.SessionID)
		require.NoError(t, err)
		assert.Equal(t, deriveCacheSalt(window), session.Metadata["original_cache_salt"])
	})

	t.Run("warmup failure warns", func(t *testing.T) {
		inf := &fakeInference{
			models:      []vllm.Model{{ID: "m"}},
			generateErr: cwmerr.NewInferenceUnreachable("http://localhost:8000", nil),
		}
		m, reg, _ := newTestManager(t, inf)
		mustCreateSession(t, reg, "s3", "m", 32)
		_, err := m.Freeze(ctx, "s3", "win-cold", FreezeOptions{PromptPrefix: "p"})
		require.NoError(t, err)

		result, err := m.Thaw(ctx, "win-cold", ThawOptions{})
		require.NoError(t, err, "warmup failure must not fail the thaw")
		assert.False(t, result.CacheHit)
		found := false
		for _, w := range result.Warnings {
			if strings.HasPrefix(w, "cache warming issue:") {
				found = true
			}
		}
		assert.True(t, found, "expected a warming warning, got %v", result.Warnings)
	})
}

// TestManager_FailClosedVerification verifies metadata is the root of
// trust: blocks without a metadata record count for nothing.
func TestManager_FailClosedVerification(t *testing.T) {
	ctx := context.Background()
	m, reg, store := newTestManager(t, &fakeInference{models: []vllm.Model{{ID: "m"}}})
	mustCreateSession(t, reg, "s1", "m", 64)
	_, err := m.Freeze(ctx, "s1", "win-x", FreezeOptions{PromptPrefix: "p"})
	require.NoError(t, err)
	storeManifestBlocks(t, store, reg, "win-x")

	expected, found := m.verifyStoredBlocks(ctx, "win-x")
	assert.Equal(t, 4, expected)
	assert.Equal(t, 4, found)

	_, err = store.Delete(ctx, []string{keys.WindowMetadataKey("win-x")})
	require.NoError(t, err)

	expected, found = m.verifyStoredBlocks(ctx, "win-x")
	assert.Zero(t, expected, "no metadata record means zero expected")
	assert.Zero(t, found, "present blocks are untrusted without metadata")
}

// TestManager_ModelCompatibility exercises the matching ladder: exact,
// base-name variant, and the failure modes.
func TestManager_ModelCompatibility(t *testing.T) {
	ctx := context.Background()

	check := func(t *testing.T, inf Inference, model string) (bool, []string) {
		t.Helper()
		m, _, _ := newTestManager(t, inf)
		return m.checkModelCompatibility(ctx, model)
	}

	t.Run("exact match", func(t *testing.T) {
		ok, warnings := check(t, &fakeInference{models: []vllm.Model{{ID: "llama-3.1-8b"}}}, "llama-3.1-8b")
		assert.True(t, ok)
		assert.Empty(t, warnings)
	})

	t.Run("instruct variant matches base", func(t *testing.T) {
		ok, warnings := check(t, &fakeInference{models: []vllm.Model{{ID: "llama-3.1-8b-instruct"}}}, "llama-3.1-8b")
		assert.True(t, ok)
		require.Len(t, warnings, 1)
		assert.Contains(t, warnings[0], "compatible model variant")
	})

	t.Run("base matches instruct window", func(t *testing.T) {
		ok, _ := check(t, &fakeInference{models: []vllm.Model{{ID: "Llama-3.1-8B"}}}, "llama-3.1-8b-Instruct")
		assert.True(t, ok)
	})

	t.Run("mismatch", func(t *testing.T) {
		ok, warnings := check(t, &fakeInference{models: []vllm.Model{{ID: "qwen2.5-7b"}}}, "llama-3.1-8b")
		assert.False(t, ok)
		require.Len(t, warnings, 1)
		assert.Contains(t, warnings[0], "not found")
	})

	t.Run("empty model list is incompatible", func(t *testing.T) {
		ok, warnings := check(t, &fakeInference{}, "llama-3.1-8b")
		assert.False(t, ok)
		assert.Contains(t, warnings[0], "no models available")
	})

	t.Run("list failure proceeds with warning", func(t *testing.T) {
		inf := &fakeInference{modelsErr: cwmerr.NewInferenceUnreachable("http://x", nil)}
		ok, warnings := check(t, inf, "llama-3.1-8b")
		assert.True(t, ok)
		assert.Contains(t, warnings[0], "could not fetch available models")
	})

	t.Run("unknown model proceeds with warning", func(t *testing.T) {
		ok, warnings := check(t, &fakeInference{}, "unknown")
		assert.True(t, ok)
		assert.Contains(t, warnings[0], "unknown model")
	})

	t.Run("nil client proceeds with warning", func(t *testing.T) {
		ok, warnings := check(t, nil, "llama-3.1-8b")
		assert.True(t, ok)
		assert.Contains(t, warnings[0], "not configured")
	})
}

// TestManager_Clone verifies manifest sharing, lineage chains, and the
// re-keyed records that let a clone verify and thaw on its own.
func TestManager_Clone(t *testing.T) {
	ctx := context.Background()
	inf := &fakeInference{models: []vllm.Model{{ID: "llama-3.1-8b"}}}
	m, reg, store := newTestManager(t, inf)
	original := mustCreateSession(t, reg, "chat-1", "llama-3.1-8b", 160)

	_, err := m.Freeze(ctx, "chat-1", "win-a", FreezeOptions{
		PromptPrefix: "shared history",
		Tags:         []string{"base"},
	})
	require.NoError(t, err)

	resultB, err := m.Clone(ctx, "win-a", "win-b", CloneOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"win-a"}, resultB.Lineage)
	assert.Equal(t, 10, resultB.BlockCount)

	resultC, err := m.Clone(ctx, "win-b", "win-c", CloneOptions{Description: "branch c"})
	require.NoError(t, err)
	assert.Equal(t, []string{"win-a", "win-b"}, resultC.Lineage)

	t.Run("clone row shares manifest by reference", func(t *testing.T) {
		source, err := reg.GetWindow(ctx, "win-a")
		require.NoError(t, err)
		clone, err := reg.GetWindow(ctx, "win-b")
		require.NoError(t, err)
		require.NotNil(t, clone)

		assert.Equal(t, source.BlockHashes, clone.BlockHashes)
		assert.Equal(t, source.SessionID, clone.SessionID)
		assert.Equal(t, source.TotalSizeBytes, clone.TotalSizeBytes)
		assert.Equal(t, "win-a", clone.ParentWindow)
		assert.Equal(t, "Clone of win-a", clone.Description)
		assert.Equal(t, []string{"base"}, clone.Tags, "tags copied from source")
	})

	t.Run("clone records re-keyed", func(t *testing.T) {
		fields, err := m.readRecord(ctx, keys.WindowMetadataKey("win-b"))
		require.NoError(t, err)
		require.NotNil(t, fields)
		assert.Equal(t, "win-b", fields["window_name"])
		assert.Equal(t, original.CacheSalt, fields["cache_salt"])
		assert.Equal(t, "shared history", m.storedPrompt(ctx, "win-b"))
	})

	t.Run("clone verifies and thaws independently", func(t *testing.T) {
		storeManifestBlocks(t, store, reg, "win-a")

		info, err := m.WindowInfo(ctx, "win-c")
		require.NoError(t, err)
		assert.True(t, info.Verified, "clone shares the stored blocks")
		assert.Equal(t, []string{"win-a", "win-b"}, info.Lineage)

		thawed, err := m.Thaw(ctx, "win-b", ThawOptions{NewSessionID: "from-clone"})
		require.NoError(t, err)
		assert.True(t, thawed.Verified)
		last := inf.generated[len(inf.generated)-1]
		assert.Equal(t, original.CacheSalt, last.CacheSalt,
			"clone warms the original cache partition")
	})

	t.Run("source absent rejected", func(t *testing.T) {
		_, err := m.Clone(ctx, "ghost", "win-z", CloneOptions{})
		require.Error(t, err)
		assert.Equal(t, "CWM-2002", cwmerr.CodeOf(err))
	})

	t.Run("target taken rejected", func(t *testing.T) {
		_, err := m.Clone(ctx, "win-a", "win-b", CloneOptions{})
		require.Error(t, err)
		assert.Equal(t, "CWM-3003", cwmerr.CodeOf(err))
	})
}

// TestManager_DeleteWindow verifies record cleanup and the optional block
// purge.
func TestManager_DeleteWindow(t *testing.T) {
	ctx := context.Background()
	m, reg, store := newTestManager(t, nil)
	mustCreateSession(t, reg, "s1", "m", 64)
	_, err := m.Freeze(ctx, "s1", "win-keep", FreezeOptions{PromptPrefix: "p"})
	require.NoError(t, err)
	storeManifestBlocks(t, store, reg, "win-keep")
	kept, err := reg.GetWindow(ctx, "win-keep")
	require.NoError(t, err)

	t.Run("records deleted, blocks kept", func(t *testing.T) {
		result, err := m.DeleteWindow(ctx, "win-keep", false)
		require.NoError(t, err)
		assert.Zero(t, result.BlocksDeleted)

		exists, err := reg.WindowExists(ctx, "win-keep")
		require.NoError(t, err)
		assert.False(t, exists)

		presence, err := store.Exists(ctx, append([]string{
			keys.WindowMetadataKey("win-keep"),
			keys.WindowPromptKey("win-keep"),
		}, kept.BlockHashes...))
		require.NoError(t, err)
		assert.False(t, presence[keys.WindowMetadataKey("win-keep")])
		assert.False(t, presence[keys.WindowPromptKey("win-keep")])
		for _, h := range kept.BlockHashes {
			assert.True(t, presence[h], "manifest blocks survive a record-only delete")
		}
	})

	t.Run("blocks purged on request", func(t *testing.T) {
		mustCreateSession(t, reg, "s2", "m", 64)
		_, err := m.Freeze(ctx, "s2", "win-purge", FreezeOptions{PromptPrefix: "p"})
		require.NoError(t, err)
		storeManifestBlocks(t, store, reg, "win-purge")

		result, err := m.DeleteWindow(ctx, "win-purge", true)
		require.NoError(t, err)
		assert.Equal(t, 4, result.BlocksDeleted)
	})

	t.Run("absent window rejected", func(t *testing.T) {
		_, err := m.DeleteWindow(ctx, "gone", false)
		require.Error(t, err)
		assert.Equal(t, "CWM-2002", cwmerr.CodeOf(err))
	})
}

// TestAutoFreezeManager covers trigger thresholds, cooldown, the
// per-session cap, and failure handling.
func TestAutoFreezeManager(t *testing.T) {
	ctx := context.Background()

	newAuto := func(t *testing.T, policy AutoFreezePolicy, maxContext int) (*AutoFreezeManager, *Manager, *registry.Registry) {
		t.Helper()
		m, reg, _ := newTestManager(t, nil)
		return NewAutoFreezeManager(m, policy, maxContext), m, reg
	}

	reactivate := func(t *testing.T, reg *registry.Registry, id string) {
		t.Helper()
		thawed, active := registry.StateThawed, registry.StateActive
		_, err := reg.UpdateSession(ctx, id, registry.SessionUpdate{State: &thawed})
		require.NoError(t, err)
		_, err = reg.UpdateSession(ctx, id, registry.SessionUpdate{State: &active})
		require.NoError(t, err)
	}

	t.Run("disabled policy declines", func(t *testing.T) {
		auto, _, _ := newAuto(t, AutoFreezePolicy{}, 1000)
		result, err := auto.CheckAndFreeze(ctx, "s", 999, "")
		require.NoError(t, err)
		assert.False(t, result.Triggered)
		assert.Equal(t, "auto-freeze is disabled", result.Reason)
	})

	t.Run("below threshold declines", func(t *testing.T) {
		policy := DefaultAutoFreezePolicy()
		policy.Enabled = true
		auto, _, reg := newAuto(t, policy, 1000)
		mustCreateSession(t, reg, "sess-low", "m", 100)

		result, err := auto.CheckAndFreeze(ctx, "sess-low", 100, "")
		require.NoError(t, err)
		assert.False(t, result.Triggered)
		assert.Equal(t, "token threshold not exceeded", result.Reason)
		assert.InDelta(t, 0.1, result.ContextUsage, 1e-9)
	})

	t.Run("fraction threshold triggers", func(t *testing.T) {
		policy := DefaultAutoFreezePolicy()
		policy.Enabled = true
		auto, m, reg := newAuto(t, policy, 1000)
		mustCreateSession(t, reg, "sess-hot", "m", 800)

		result, err := auto.CheckAndFreeze(ctx, "sess-hot", 800, "recent context")
		require.NoError(t, err)
		assert.True(t, result.Triggered)
		assert.Contains(t, result.WindowName, "auto-sess-hot-")
		assert.Equal(t, 1, auto.FreezeCount("sess-hot"))

		window, err := reg.GetWindow(ctx, result.WindowName)
		require.NoError(t, err)
		require.NotNil(t, window)
		assert.Equal(t, []string{"auto-freeze"}, window.Tags)
		assert.Contains(t, window.Description, "80.0% context usage")
		assert.Equal(t, "recent context", m.storedPrompt(ctx, result.WindowName))

		t.Run("cooldown declines the next check", func(t *testing.T) {
			result, err := auto.CheckAndFreeze(ctx, "sess-hot", 850, "")
			require.NoError(t, err)
			assert.False(t, result.Triggered)
			assert.Equal(t, "within cooldown period", result.Reason)
		})

		t.Run("failure after cooldown reports the error", func(t *testing.T) {
			// Session is still Frozen, so the freeze itself must fail.
			auto.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
			result, err := auto.CheckAndFreeze(ctx, "sess-hot", 850, "")
			require.Error(t, err)
			assert.Equal(t, "CWM-3001", cwmerr.CodeOf(err))
			assert.False(t, result.Triggered)
			assert.Equal(t, "freeze operation failed", result.Reason)
			assert.Equal(t, 1, auto.FreezeCount("sess-hot"), "failed freeze does not advance the count")
		})
	})

	t.Run("absolute threshold checked first", func(t *testing.T) {
		policy := DefaultAutoFreezePolicy()
		policy.Enabled = true
		policy.TokenCountThreshold = 500
		auto, _, reg := newAuto(t, policy, DefaultMaxContextTokens)
		mustCreateSession(t, reg, "sess-abs", "m", 500)

		result, err := auto.CheckAndFreeze(ctx, "sess-abs", 500, "")
		require.NoError(t, err)
		assert.True(t, result.Triggered, "absolute trigger fires even at tiny usage fractions")
	})

	t.Run("per-session cap", func(t *testing.T) {
		policy := DefaultAutoFreezePolicy()
		policy.Enabled = true
		policy.Cooldown = 0
		policy.MaxAutoWindows = 2
		policy.WindowNamePattern = "auto-{session_id}-{count}"
		auto, _, reg := newAuto(t, policy, 1000)
		mustCreateSession(t, reg, "sess-cap", "m", 800)

		first, err := auto.CheckAndFreeze(ctx, "sess-cap", 800, "")
		require.NoError(t, err)
		require.True(t, first.Triggered)
		assert.Equal(t, "auto-sess-cap-1", first.WindowName)

		reactivate(t, reg, "sess-cap")
		second, err := auto.CheckAndFreeze(ctx, "sess-cap", 810, "")
		require.NoError(t, err)
		require.True(t, second.Triggered)
		assert.Equal(t, "auto-sess-cap-2", second.WindowName)

		reactivate(t, reg, "sess-cap")
		third, err := auto.CheckAndFreeze(ctx, "sess-cap", 820, "")
		require.NoError(t, err)
		assert.False(t, third.Triggered)
		assert.Contains(t, third.Reason, "cap of 2 windows reached")

		t.Run("reset clears the cap", func(t *testing.T) {
			auto.ResetSession("sess-cap")
			assert.Zero(t, auto.FreezeCount("sess-cap"))
			reactivate(t, reg, "sess-cap")
			fourth, err := auto.CheckAndFreeze(ctx, "sess-cap", 830, "")
			require.NoError(t, err)
			assert.True(t, fourth.Triggered)
		})
	})

	t.Run("prompt excluded when policy says so", func(t *testing.T) {
		policy := DefaultAutoFreezePolicy()
		policy.Enabled = true
		policy.IncludePrompt = false
		auto, m, reg := newAuto(t, policy, 1000)
		mustCreateSession(t, reg, "sess-nop", "m", 800)

		result, err := auto.CheckAndFreeze(ctx, "sess-nop", 800, "secret transcript")
		require.NoError(t, err)
		require.True(t, result.Triggered)
		assert.Empty(t, m.storedPrompt(ctx, result.WindowName))
	})
}

// TestGenerateWindowName verifies pattern expansion and the session id
// truncation rule.
func TestGenerateWindowName(t *testing.T) {
	at := time.Date(2026, 8, 25, 14, 30, 22, 0, time.UTC)

	name := generateWindowName("auto-{session_id}-{timestamp}", "chat-001", 1, at)
	assert.Equal(t, "auto-chat-001-20260825-143022", name)

	name = generateWindowName("auto-{session_id}-{count}", "a-very-long-session-identifier", 3, at)
	assert.Equal(t, "auto-a-very-long-sess-3", name)

	name = generateWindowName("snap-{count}", "s", 12, at)
	assert.Equal(t, "snap-12", name)
}
