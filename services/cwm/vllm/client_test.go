// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vllm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianCache/services/cwm/cwmerr"
)

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := NewClient(Config{URL: url, Timeout: 5 * time.Second, MaxRetries: 3}, nil)
	require.NoError(t, err)
	c.retryBase = time.Millisecond
	return c
}

// TestClient_Generate verifies the completion wire format, in particular
// that the cache salt travels at the top level of the request body.
func TestClient_Generate(t *testing.T) {
	var captured completionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/completions", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"model": "llama-3.1-8b",
			"choices": [{"text": " world", "finish_reason": "length"}],
			"usage": {"prompt_tokens": 3, "completion_tokens": 1, "total_tokens": 4}
		}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	resp, err := c.Generate(context.Background(), GenerateRequest{
		Model:     "llama-3.1-8b",
		Prompt:    "hello",
		MaxTokens: 1,
		CacheSalt: "salt-abc",
	})
	require.NoError(t, err)

	assert.Equal(t, "salt-abc", captured.CacheSalt)
	assert.Equal(t, "hello", captured.Prompt)
	assert.Equal(t, 1, captured.MaxTokens)
	assert.False(t, captured.Stream)

	assert.Equal(t, " world", resp.Text)
	assert.Equal(t, 3, resp.PromptTokens)
	assert.Equal(t, 1, resp.CompletionTokens)
	assert.Equal(t, 4, resp.TotalTokens)
	assert.Equal(t, "length", resp.FinishReason)
}

// TestClient_GenerateDefaults verifies the zero-value request fields pick
// up the documented defaults on the wire.
func TestClient_GenerateDefaults(t *testing.T) {
	var captured completionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_, _ = w.Write([]byte(`{"choices": [{"text": "x"}], "usage": {}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Generate(context.Background(), GenerateRequest{Model: "m", Prompt: "p"})
	require.NoError(t, err)

	assert.Equal(t, 100, captured.MaxTokens)
	assert.InDelta(t, 0.7, captured.Temperature, 1e-9)
	assert.Empty(t, captured.CacheSalt, "no salt requested, none sent")

	t.Run("missing model rejected locally", func(t *testing.T) {
		_, err := c.Generate(context.Background(), GenerateRequest{Prompt: "p"})
		require.Error(t, err)
		assert.Equal(t, "CWM-1003", cwmerr.CodeOf(err))
	})
}

// TestClient_Chat verifies chat messages round trip and the assistant
// reply is surfaced.
func TestClient_Chat(t *testing.T) {
	var captured chatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_, _ = w.Write([]byte(`{
			"model": "llama-3.1-8b",
			"choices": [{
				"message": {"role": "assistant", "content": "hi there"},
				"finish_reason": "stop"
			}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 2, "total_tokens": 12}
		}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	resp, err := c.Chat(context.Background(), ChatRequest{
		Model: "llama-3.1-8b",
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: "be brief"},
			{Role: openai.ChatMessageRoleUser, Content: "hello"},
		},
		CacheSalt: "salt-chat",
	})
	require.NoError(t, err)

	require.Len(t, captured.Messages, 2)
	assert.Equal(t, "be brief", captured.Messages[0].Content)
	assert.Equal(t, "salt-chat", captured.CacheSalt)

	assert.Equal(t, "hi there", resp.Message.Content)
	assert.Equal(t, openai.ChatMessageRoleAssistant, resp.Message.Role)
	assert.Equal(t, 10, resp.PromptTokens)

	t.Run("empty messages rejected locally", func(t *testing.T) {
		_, err := c.Chat(context.Background(), ChatRequest{Model: "m"})
		require.Error(t, err)
		assert.Equal(t, "CWM-1003", cwmerr.CodeOf(err))
	})
}

// TestClient_RetryPolicy verifies server errors retry up to the limit and
// client errors fail immediately.
func TestClient_RetryPolicy(t *testing.T) {
	t.Run("5xx retried until success", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				http.Error(w, "overloaded", http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte(`{"choices": [{"text": "ok"}], "usage": {}}`))
		}))
		defer srv.Close()

		c := newTestClient(t, srv.URL)
		resp, err := c.Generate(context.Background(), GenerateRequest{Model: "m", Prompt: "p"})
		require.NoError(t, err)
		assert.Equal(t, "ok", resp.Text)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("5xx exhausts retries", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		c := newTestClient(t, srv.URL)
		_, err := c.Generate(context.Background(), GenerateRequest{Model: "m", Prompt: "p"})
		require.Error(t, err)
		assert.Equal(t, "CWM-5001", cwmerr.CodeOf(err))
		assert.True(t, cwmerr.IsRetryable(err))
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("4xx never retried", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			http.Error(w, "bad prompt", http.StatusBadRequest)
		}))
		defer srv.Close()

		c := newTestClient(t, srv.URL)
		_, err := c.Generate(context.Background(), GenerateRequest{Model: "m", Prompt: "p"})
		require.Error(t, err)
		assert.Equal(t, "CWM-1003", cwmerr.CodeOf(err))
		assert.False(t, cwmerr.IsRetryable(err))
		assert.Equal(t, int32(1), calls.Load())
	})
}

// TestClient_ListModels verifies model list parsing and availability checks.
func TestClient_ListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/models", r.URL.Path)
		_, _ = w.Write([]byte(`{"data": [
			{"id": "llama-3.1-8b-instruct", "owned_by": "vllm", "max_model_len": 131072},
			{"id": "qwen2.5-7b", "owned_by": "vllm", "max_model_len": 32768}
		]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	models, err := c.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "llama-3.1-8b-instruct", models[0].ID)
	assert.Equal(t, 131072, models[0].MaxContextLength)

	assert.True(t, c.ModelAvailable(context.Background(), "qwen2.5-7b"))
	assert.False(t, c.ModelAvailable(context.Background(), "gpt-oss"))
}

// TestClient_Health verifies the probe outcome for a live and a dead server.
func TestClient_Health(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))

	c := newTestClient(t, srv.URL)
	assert.True(t, c.Health(context.Background()))

	srv.Close()
	assert.False(t, c.Health(context.Background()))
}

// TestParseCacheStats verifies Prometheus text parsing across the metric
// names different vLLM releases expose.
func TestParseCacheStats(t *testing.T) {
	t.Run("gauge style", func(t *testing.T) {
		stats := parseCacheStats(`# HELP vllm:gpu_prefix_cache_hit_rate hit rate
# TYPE vllm:gpu_prefix_cache_hit_rate gauge
vllm:gpu_prefix_cache_hit_rate 0.82
vllm:prefix_cache_num_cached_tokens 4096
`)
		assert.InDelta(t, 0.82, stats.HitRate, 1e-9)
		assert.Equal(t, int64(4096), stats.NumCachedTokens)
	})

	t.Run("counter style computes rate", func(t *testing.T) {
		stats := parseCacheStats(`vllm:prefix_cache_queries_total{engine="0"} 200
vllm:prefix_cache_hits_total{engine="0"} 150
`)
		assert.Equal(t, int64(200), stats.Queries)
		assert.Equal(t, int64(150), stats.Hits)
		assert.InDelta(t, 0.75, stats.HitRate, 1e-9)
	})

	t.Run("garbage tolerated", func(t *testing.T) {
		stats := parseCacheStats("not a metric line\nvllm:prefix_cache_hit_rate abc\n")
		assert.Zero(t, stats.HitRate)
		assert.Zero(t, stats.Queries)
	})
}

// TestClient_GetCacheStats verifies the metrics endpoint scrape.
func TestClient_GetCacheStats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/metrics", r.URL.Path)
		_, _ = w.Write([]byte("vllm:gpu_prefix_cache_hit_rate 0.5\n"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	stats, err := c.GetCacheStats(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.5, stats.HitRate, 1e-9)
}
