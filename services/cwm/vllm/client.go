// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package vllm is an HTTP client for vLLM's OpenAI-compatible API.
//
// The client injects a per-session cache_salt into completion requests so
// that vLLM partitions its prefix cache by session; a thaw operation warms
// the cache by replaying a stored prompt under the original salt. Requests
// retry on connectivity and server-side failures with the taxonomy's
// exponential backoff; client-side rejections (4xx) never retry.
package vllm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianCache/services/cwm/cwmerr"
)

var tracer = otel.Tracer("aleutian.cwm.vllm")

const (
	defaultTimeout    = 120 * time.Second
	probeTimeout      = 5 * time.Second
	defaultMaxTokens  = 100
	defaultTemp       = 0.7
	errorBodyPreview  = 200
	defaultMaxRetries = 3
)

// Config holds connection settings for the vLLM server.
type Config struct {
	// URL is the server base, e.g. http://localhost:8000.
	URL string `yaml:"url" validate:"required"`

	// APIKey is sent as a bearer token when non-empty.
	APIKey string `yaml:"api_key"`

	// Timeout bounds a single completion request.
	Timeout time.Duration `yaml:"timeout"`

	// MaxRetries caps attempts for retryable failures.
	MaxRetries int `yaml:"max_retries"`
}

// DefaultConfig returns settings for a local vLLM server.
func DefaultConfig() Config {
	return Config{
		URL:        "http://localhost:8000",
		Timeout:    defaultTimeout,
		MaxRetries: defaultMaxRetries,
	}
}

// Client talks to one vLLM server. Safe for concurrent use.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	timeout    time.Duration
	maxRetries int
	retryBase  time.Duration
	logger     *slog.Logger
}

// NewClient builds a Client from cfg. A nil logger falls back to
// slog.Default().
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, cwmerr.NewInvalidParameter("url", "vLLM server URL must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = defaultMaxRetries
	}
	return &Client{
		// The transport-level timeout stays generous; per-call deadlines
		// come from request contexts.
		httpClient: &http.Client{Timeout: timeout + 30*time.Second},
		baseURL:    strings.TrimSuffix(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		timeout:    timeout,
		maxRetries: retries,
		retryBase:  time.Second,
		logger:     logger.With("component", "vllm_client"),
	}, nil
}

// BaseURL returns the configured server base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// =============================================================================
// Request/Response Types
// =============================================================================

// Model describes one model loaded on the server.
type Model struct {
	ID               string `json:"id"`
	OwnedBy          string `json:"owned_by"`
	MaxContextLength int    `json:"max_model_len"`
}

// GenerateRequest is a text completion request.
type GenerateRequest struct {
	Model       string
	Prompt      string
	MaxTokens   int
	Temperature float64
	Stop        []string

	// CacheSalt partitions the server's prefix cache. Requests with the
	// same salt and prompt prefix share cached KV blocks; requests with
	// different salts never do.
	CacheSalt string
}

// GenerateResponse is the outcome of a completion request.
type GenerateResponse struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	FinishReason     string
	Model            string
}

// ChatRequest is a chat completion request.
type ChatRequest struct {
	Model       string
	Messages    []openai.ChatCompletionMessage
	MaxTokens   int
	Temperature float64
	Stop        []string
	CacheSalt   string
}

// ChatResponse is the outcome of a chat completion request.
type ChatResponse struct {
	Message          openai.ChatCompletionMessage
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	FinishReason     string
	Model            string
}

// CacheStats summarizes the server's prefix cache counters.
type CacheStats struct {
	HitRate         float64 `json:"hit_rate"`
	Queries         int64   `json:"queries"`
	Hits            int64   `json:"hits"`
	NumCachedTokens int64   `json:"num_cached_tokens"`
}

// Wire formats. cache_salt rides at the top level of the body, which is
// where vLLM's OpenAI frontend reads its extension parameters.
type completionRequest struct {
	Model       string   `json:"model"`
	Prompt      string   `json:"prompt"`
	MaxTokens   int      `json:"max_tokens"`
	Temperature float64  `json:"temperature"`
	Stream      bool     `json:"stream"`
	Stop        []string `json:"stop,omitempty"`
	CacheSalt   string   `json:"cache_salt,omitempty"`
}

type chatCompletionRequest struct {
	Model       string                         `json:"model"`
	Messages    []openai.ChatCompletionMessage `json:"messages"`
	MaxTokens   int                            `json:"max_tokens"`
	Temperature float64                        `json:"temperature"`
	Stream      bool                           `json:"stream"`
	Stop        []string                       `json:"stop,omitempty"`
	CacheSalt   string                         `json:"cache_salt,omitempty"`
}

type apiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type completionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Text         string `json:"text"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage apiUsage `json:"usage"`
}

type chatCompletionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      openai.ChatCompletionMessage `json:"message"`
		FinishReason string                       `json:"finish_reason"`
	} `json:"choices"`
	Usage apiUsage `json:"usage"`
}

type modelListResponse struct {
	Data []Model `json:"data"`
}

// =============================================================================
// Operations
// =============================================================================

// Health reports whether the server answers its health endpoint. The probe
// uses a short deadline so a dead server does not stall callers.
func (c *Client) Health(ctx context.Context) bool {
	_, err := c.do(ctx, http.MethodGet, "/health", nil, probeTimeout)
	if err != nil {
		c.logger.Debug("vLLM health check failed", "error", err)
		return false
	}
	return true
}

// ListModels returns the models currently loaded on the server.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	body, err := c.do(ctx, http.MethodGet, "/v1/models", nil, probeTimeout)
	if err != nil {
		return nil, err
	}
	var list modelListResponse
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, cwmerr.NewInternal("vLLM model list is not valid JSON", err)
	}
	return list.Data, nil
}

// ModelAvailable reports whether the named model is loaded. Errors while
// listing count as unavailable.
func (c *Client) ModelAvailable(ctx context.Context, model string) bool {
	models, err := c.ListModels(ctx)
	if err != nil {
		c.logger.Debug("could not check model availability", "model", model, "error", err)
		return false
	}
	for _, m := range models {
		if m.ID == model {
			return true
		}
	}
	return false
}

// Generate runs a text completion.
//
// # Description
//
// Sends the prompt to /v1/completions with the request's cache salt so the
// server resolves cached prefixes for that session only. A zero MaxTokens
// defaults to 100 and a zero Temperature to 0.7, matching the server-side
// conventions the rest of the system assumes.
//
// # Inputs
//
//   - ctx: Deadline for the whole call including retries.
//   - req: Completion parameters. Model and Prompt are required.
//
// # Outputs
//
//   - *GenerateResponse: Generated text plus token usage.
//   - error: Taxonomy error; connectivity and timeouts are retryable.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	ctx, span := tracer.Start(ctx, "VLLMClient.Generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", req.Model),
		attribute.Int("llm.prompt_length", len(req.Prompt)),
	)

	if req.Model == "" {
		return nil, cwmerr.NewInvalidParameter("model", "must not be empty")
	}
	payload := completionRequest{
		Model:       req.Model,
		Prompt:      req.Prompt,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stop:        req.Stop,
		CacheSalt:   req.CacheSalt,
	}
	if payload.MaxTokens <= 0 {
		payload.MaxTokens = defaultMaxTokens
	}
	if payload.Temperature == 0 {
		payload.Temperature = defaultTemp
	}

	body, err := c.do(ctx, http.MethodPost, "/v1/completions", payload, c.timeout)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var resp completionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, cwmerr.NewInternal("vLLM completion response is not valid JSON", err)
	}
	if len(resp.Choices) == 0 {
		return nil, cwmerr.NewInternal("vLLM completion response has no choices", nil)
	}

	result := &GenerateResponse{
		Text:             resp.Choices[0].Text,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		FinishReason:     resp.Choices[0].FinishReason,
		Model:            resp.Model,
	}
	c.logger.Debug("generate completed",
		"model", req.Model,
		"prompt_tokens", result.PromptTokens,
		"completion_tokens", result.CompletionTokens)
	return result, nil
}

// Chat runs a chat completion with the same salt and retry semantics as
// Generate.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	ctx, span := tracer.Start(ctx, "VLLMClient.Chat")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", req.Model),
		attribute.Int("llm.num_messages", len(req.Messages)),
	)

	if req.Model == "" {
		return nil, cwmerr.NewInvalidParameter("model", "must not be empty")
	}
	if len(req.Messages) == 0 {
		return nil, cwmerr.NewInvalidParameter("messages", "must not be empty")
	}
	payload := chatCompletionRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stop:        req.Stop,
		CacheSalt:   req.CacheSalt,
	}
	if payload.MaxTokens <= 0 {
		payload.MaxTokens = defaultMaxTokens
	}
	if payload.Temperature == 0 {
		payload.Temperature = defaultTemp
	}

	body, err := c.do(ctx, http.MethodPost, "/v1/chat/completions", payload, c.timeout)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var resp chatCompletionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, cwmerr.NewInternal("vLLM chat response is not valid JSON", err)
	}
	if len(resp.Choices) == 0 {
		return nil, cwmerr.NewInternal("vLLM chat response has no choices", nil)
	}

	msg := resp.Choices[0].Message
	if msg.Role != openai.ChatMessageRoleAssistant {
		c.logger.Warn("chat response role was not assistant", "role", msg.Role)
	}
	return &ChatResponse{
		Message:          msg,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		FinishReason:     resp.Choices[0].FinishReason,
		Model:            resp.Model,
	}, nil
}

// GetCacheStats scrapes the server's Prometheus endpoint and extracts the
// prefix cache counters. Returns zero-valued stats alongside the error when
// the scrape fails, so callers can degrade instead of branching.
func (c *Client) GetCacheStats(ctx context.Context) (CacheStats, error) {
	body, err := c.do(ctx, http.MethodGet, "/metrics", nil, probeTimeout)
	if err != nil {
		c.logger.Debug("could not fetch cache stats", "error", err)
		return CacheStats{}, err
	}
	return parseCacheStats(string(body)), nil
}

// parseCacheStats pulls prefix cache figures out of Prometheus exposition
// text. vLLM has renamed these metrics across releases, so matching is by
// substring rather than exact name. When the hit-rate gauge is absent the
// rate is recomputed from the query/hit counters.
func parseCacheStats(metrics string) CacheStats {
	var stats CacheStats
	for _, line := range strings.Split(metrics, "\n") {
		if strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		name, raw := fields[0], fields[len(fields)-1]
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			continue
		}
		switch {
		case strings.Contains(name, "prefix_cache_hit_rate"):
			stats.HitRate = value
		case strings.Contains(name, "prefix_cache_queries"):
			stats.Queries = int64(value)
		case strings.Contains(name, "prefix_cache_hits"):
			stats.Hits = int64(value)
		case strings.Contains(name, "prefix_cache_num_cached_tokens"):
			stats.NumCachedTokens = int64(value)
		}
	}
	if stats.HitRate == 0 && stats.Queries > 0 {
		stats.HitRate = float64(stats.Hits) / float64(stats.Queries)
	}
	return stats
}

// =============================================================================
// Transport
// =============================================================================

// do issues one HTTP call with retry. Retries apply only to errors the
// taxonomy marks retryable (connectivity, timeouts, 5xx); 4xx responses
// return immediately. Each attempt gets its own deadline derived from ctx.
func (c *Client) do(ctx context.Context, method, endpoint string, payload any, timeout time.Duration) ([]byte, error) {
	url := c.baseURL + endpoint

	var reqBody []byte
	if payload != nil {
		var err error
		reqBody, err = json.Marshal(payload)
		if err != nil {
			return nil, cwmerr.NewInternal("failed to marshal vLLM request", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := cwmerr.RetryDelay(lastErr, attempt-1, c.retryBase)
			c.logger.Debug("retrying vLLM request",
				"endpoint", endpoint, "attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				return nil, cwmerr.NewInferenceTimeout(url, timeout)
			case <-time.After(delay):
			}
		}

		body, err := c.attempt(ctx, method, url, reqBody, timeout)
		if err == nil {
			return body, nil
		}
		if !cwmerr.IsRetryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *Client) attempt(ctx context.Context, method, url string, reqBody []byte, timeout time.Duration) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyReader io.Reader
	if reqBody != nil {
		bodyReader = bytes.NewReader(reqBody)
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, url, bodyReader)
	if err != nil {
		return nil, cwmerr.NewInternal("failed to build vLLM request", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if attemptCtx.Err() != nil {
			return nil, cwmerr.NewInferenceTimeout(url, timeout)
		}
		return nil, cwmerr.NewInferenceUnreachable(c.baseURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, cwmerr.NewInferenceUnreachable(c.baseURL, err)
	}

	switch {
	case resp.StatusCode >= 500:
		c.logger.Warn("vLLM server error",
			"status", resp.StatusCode, "body", preview(body))
		return nil, cwmerr.NewInferenceUnreachable(c.baseURL,
			fmt.Errorf("server error %d: %s", resp.StatusCode, preview(body)))
	case resp.StatusCode >= 400:
		c.logger.Warn("vLLM rejected request",
			"status", resp.StatusCode, "body", preview(body))
		return nil, cwmerr.NewInvalidParameter("request",
			fmt.Sprintf("vLLM returned status %d: %s", resp.StatusCode, preview(body)))
	}
	return body, nil
}

// preview truncates a response body for log lines and error text.
func preview(body []byte) string {
	s := string(body)
	if len(s) > errorBodyPreview {
		return s[:errorBodyPreview]
	}
	return s
}
