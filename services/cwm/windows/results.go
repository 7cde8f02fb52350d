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

import "github.com/AleutianAI/AleutianCache/services/cwm/registry"

// FreezeResult reports a completed freeze. Isolation keys are deliberately
// absent from every result type; they never leave the registry and the
// block store.
type FreezeResult struct {
	WindowName     string `json:"window_name"`
	SessionID      string `json:"session_id"`
	BlockCount     int    `json:"block_count"`
	TotalSizeBytes int64  `json:"total_size_bytes"`
	TokenCount     int    `json:"token_count"`
	PromptHash     string `json:"prompt_hash"`
	DurationMs     int64  `json:"duration_ms"`
}

// ThawResult reports a completed thaw, including the fail-closed block
// verification outcome and any degradations encountered along the way.
type ThawResult struct {
	WindowName        string   `json:"window_name"`
	SessionID         string   `json:"session_id"`
	TokenCount        int      `json:"token_count"`
	BlocksExpected    int      `json:"blocks_expected"`
	BlocksFound       int      `json:"blocks_found"`
	Verified          bool     `json:"verified"`
	ModelCompatible   bool     `json:"model_compatible"`
	CacheHit          bool     `json:"cache_hit"`
	CacheEfficiency   float64  `json:"cache_efficiency"`
	RestorationTimeMs int64    `json:"restoration_time_ms"`
	Warnings          []string `json:"warnings,omitempty"`
}

// CloneResult reports a completed clone.
type CloneResult struct {
	SourceWindow   string   `json:"source_window"`
	NewWindowName  string   `json:"new_window_name"`
	BlockCount     int      `json:"block_count"`
	TotalSizeBytes int64    `json:"total_size_bytes"`
	Lineage        []string `json:"lineage"`
}

// DeleteResult reports a completed window deletion.
type DeleteResult struct {
	WindowName    string `json:"window_name"`
	BlocksDeleted int    `json:"blocks_deleted"`
}

// WindowInfo is a window's registry row joined with its clone ancestry and
// current block verification state.
type WindowInfo struct {
	Window         registry.Window `json:"window"`
	Lineage        []string        `json:"lineage"`
	BlocksExpected int             `json:"blocks_expected"`
	BlocksFound    int             `json:"blocks_found"`
	Verified       bool            `json:"verified"`
}

// cacheEstimate is the computed cache footprint captured by a freeze.
type cacheEstimate struct {
	cacheSalt   string
	promptHash  string
	tokenCount  int
	blockCount  int
	blockHashes []string
	sizeBytes   int64
}

// warmOutcome is the internal result of a cache warming call.
type warmOutcome struct {
	cacheHit        bool
	promptTokens    int
	tokensFromCache int
	cacheEfficiency float64
	errText         string
}
