// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cwm

import (
	"github.com/AleutianAI/AleutianCache/services/cwm/registry"
	"github.com/AleutianAI/AleutianCache/services/cwm/storage"
	"github.com/AleutianAI/AleutianCache/services/cwm/vllm"
)

// =============================================================================
// Request Types
// =============================================================================

// FreezeRequest snapshots a session's cached context into a named window.
type FreezeRequest struct {
	// SessionID is the session to freeze. Must be Active or Thawed.
	SessionID string `json:"session_id" binding:"required"`

	// WindowName is the name for the new window. Must be unused.
	WindowName string `json:"window_name" binding:"required"`

	// PromptPrefix is the text that produced the cached state. Stored
	// for thaw-time cache warming.
	PromptPrefix string `json:"prompt_prefix"`

	// Description is free-form display text for the window.
	Description string `json:"description"`

	// Tags label the window for list filtering.
	Tags []string `json:"tags"`
}

// ThawRequest restores a frozen window into a new session.
type ThawRequest struct {
	// WindowName is the window to restore.
	WindowName string `json:"window_name" binding:"required"`

	// NewSessionID names the restored session. Empty generates one.
	NewSessionID string `json:"new_session_id"`

	// SkipWarmup suppresses the cache warming request.
	SkipWarmup bool `json:"skip_warmup"`

	// ContinuationPrompt is recorded in the new session's metadata.
	ContinuationPrompt string `json:"continuation_prompt"`
}

// CloneRequest creates an independent window sharing the source's blocks.
type CloneRequest struct {
	// SourceWindow is the window to clone.
	SourceWindow string `json:"source_window" binding:"required"`

	// NewWindowName is the name for the clone. Must be unused.
	NewWindowName string `json:"new_window_name" binding:"required"`

	// Description for the clone. Empty becomes "Clone of <source>".
	Description string `json:"description"`

	// Tags for the clone. Nil copies the source's tags.
	Tags []string `json:"tags"`
}

// =============================================================================
// Response Types
// =============================================================================

// ErrorResponse is the error envelope every failed request returns.
type ErrorResponse struct {
	// Error is a human-readable error message.
	Error string `json:"error"`

	// Code is the stable machine-readable identifier, e.g. "CWM-2002".
	Code string `json:"code,omitempty"`

	// Details provides additional context when available.
	Details string `json:"details,omitempty"`
}

// WindowListResponse is one page of windows plus the unpaginated total.
type WindowListResponse struct {
	Windows []registry.Window `json:"windows"`
	Total   int               `json:"total"`
	Limit   int               `json:"limit"`
	Offset  int               `json:"offset"`
}

// SessionListResponse is one page of sessions.
type SessionListResponse struct {
	Sessions []registry.Session `json:"sessions"`
	Count    int                `json:"count"`
}

// AuditLogResponse is a filtered slice of the audit log.
type AuditLogResponse struct {
	Entries []registry.AuditEntry `json:"entries"`
	Count   int                   `json:"count"`
}

// SessionDeleteResponse confirms a session deletion.
type SessionDeleteResponse struct {
	ID string `json:"id"`

	// Hard reports whether the row was removed rather than transitioned
	// to the terminal deleted state.
	Hard bool `json:"hard"`
}

// StoreStats is the block store's counters plus the tier movement
// totals that only a tiered deployment accumulates.
type StoreStats struct {
	storage.CacheMetrics

	// HitRate is hits/(hits+misses), 0.0 before any lookup.
	HitRate float64 `json:"hit_rate"`

	// Demotions counts hot-to-warm block movements.
	Demotions int64 `json:"demotions"`

	// Promotions counts warm-to-hot and cold-to-warm block movements.
	Promotions int64 `json:"promotions"`
}

// CacheStatsResponse pairs the local block store counters with the
// inference server's prefix cache counters. Server is nil when the
// server is unreachable or exposes no cache metrics.
type CacheStatsResponse struct {
	Store  StoreStats       `json:"store"`
	Server *vllm.CacheStats `json:"server,omitempty"`
}

// Component health states. Degraded means the service answers requests
// but some operations carry warnings instead of full results.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// ComponentHealth is one dependency's probe outcome.
type ComponentHealth struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// HealthResponse aggregates per-component probes into one status. The
// store and the registry are load-bearing; the inference server is not,
// because thaw degrades to warnings without it.
type HealthResponse struct {
	Status     string                     `json:"status"`
	Version    string                     `json:"version"`
	Components map[string]ComponentHealth `json:"components"`
}
