// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package keys centralizes identifier validation, storage key naming, and
// the metadata envelope for the context window manager.
//
// Every key written to a block store backend goes through this package so
// that naming stays collision-free and identifiers are normalized before
// they reach a path, a SQL statement, or a cache key. Normalization folds
// Unicode compatibility characters (NFKC) so homograph lookalikes cannot
// alias two distinct-looking identifiers onto different records.
package keys

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/AleutianAI/AleutianCache/services/cwm/cwmerr"
)

const (
	// MaxSessionIDLength bounds normalized session ids.
	MaxSessionIDLength = 64

	// MaxWindowNameLength bounds normalized window names.
	MaxWindowNameLength = 128
)

// ASCII alphanumerics plus hyphen and underscore only. No slashes or dots,
// so an identifier can never traverse a path or smuggle a key separator.
var (
	sessionIDPattern  = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)
	windowNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,128}$`)
)

// reservedNames are identifiers that collide with storage namespaces or
// serialization literals and are rejected as ids outright.
var reservedNames = map[string]struct{}{
	"metadata":  {},
	"blocks":    {},
	"index":     {},
	"schema":    {},
	"version":   {},
	"null":      {},
	"undefined": {},
	"none":      {},
	"true":      {},
	"false":     {},
}

// IsReservedName reports whether the (case-folded) identifier is reserved.
func IsReservedName(value string) bool {
	_, ok := reservedNames[strings.ToLower(value)]
	return ok
}

// NormalizeSessionID validates and normalizes a session id.
//
// Steps: trim whitespace, NFKC-fold, length check, pattern check, reserved
// name check. Returns the normalized id (ASCII after folding) or a
// CWM-1001 validation error.
func NormalizeSessionID(raw string) (string, error) {
	return normalizeID(raw, "session")
}

// NormalizeWindowName validates and normalizes a window name.
//
// Same pipeline as NormalizeSessionID with the longer window length bound.
// Returns a CWM-1002 validation error on rejection.
func NormalizeWindowName(raw string) (string, error) {
	return normalizeID(raw, "window")
}

func normalizeID(raw, idType string) (string, error) {
	fail := func(reason string) error {
		if idType == "session" {
			return cwmerr.NewInvalidSessionID(raw, reason)
		}
		return cwmerr.NewInvalidWindowName(raw, reason)
	}

	if raw == "" {
		return "", fail("must not be empty")
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return "", fail("must not be whitespace only")
	}

	// NFKC converts compatibility characters, e.g. fullwidth letters fold
	// to their ASCII equivalents, so lookalikes cannot name new records.
	value = norm.NFKC.String(value)

	pattern, maxLen := sessionIDPattern, MaxSessionIDLength
	if idType == "window" {
		pattern, maxLen = windowNamePattern, MaxWindowNameLength
	}

	if len(value) > maxLen {
		return "", fail("exceeds maximum length")
	}
	if !pattern.MatchString(value) {
		return "", fail("must contain only ASCII letters, numbers, hyphens, and underscores")
	}
	if IsReservedName(value) {
		return "", fail("name is reserved")
	}

	return value, nil
}

// =============================================================================
// Key Naming
// =============================================================================

// WindowMetadataKey names the block-store record holding a window's
// metadata envelope. Callers pass already-normalized names.
func WindowMetadataKey(windowName string) string {
	return "window:" + windowName + ":metadata"
}

// WindowPromptKey names the record holding a window's prompt prefix.
func WindowPromptKey(windowName string) string {
	return "window:" + windowName + ":prompt"
}

// WindowLineageKey names the record holding a window's clone ancestry.
func WindowLineageKey(windowName string) string {
	return "window:" + windowName + ":lineage"
}

// SessionIndexKey names the record indexing a session's windows.
func SessionIndexKey(sessionID string) string {
	return "session:" + sessionID + ":index"
}

// BlockKey names the record holding a block payload.
func BlockKey(blockHash string) string {
	return "block:" + blockHash
}

// BlockMetadataKey names the record holding a block's metadata.
func BlockMetadataKey(blockHash string) string {
	return "block:" + blockHash + ":meta"
}
