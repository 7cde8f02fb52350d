// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package keys

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianCache/services/cwm/cwmerr"
)

const (
	// MetadataSchemaVersion is the envelope version this build writes.
	MetadataSchemaVersion = 1

	// MinSupportedSchemaVersion is the oldest envelope version this build
	// can still read.
	MinSupportedSchemaVersion = 1

	schemaVersionField = "_schema_version"
	createdAtField     = "_created_at"
)

// WrapMetadata returns a copy of metadata stamped with the current schema
// version and a UTC creation timestamp. The input map is not modified.
func WrapMetadata(metadata map[string]any) map[string]any {
	wrapped := make(map[string]any, len(metadata)+2)
	for k, v := range metadata {
		wrapped[k] = v
	}
	wrapped[schemaVersionField] = MetadataSchemaVersion
	wrapped[createdAtField] = time.Now().UTC().Format(time.RFC3339)
	return wrapped
}

// UnwrapMetadata extracts the schema version and user fields from an
// envelope. Envelope fields (underscore-prefixed) are stripped from the
// returned map. Envelopes written before versioning report version 0.
//
// JSON decoding yields float64 for numbers, so both int and float64
// version values are accepted; anything else is a corruption error.
func UnwrapMetadata(envelope map[string]any) (int, map[string]any, error) {
	version := 0
	if raw, ok := envelope[schemaVersionField]; ok {
		switch v := raw.(type) {
		case int:
			version = v
		case int64:
			version = int(v)
		case float64:
			version = int(v)
		default:
			return 0, nil, cwmerr.NewCorruption(
				fmt.Sprintf("metadata schema version has invalid type %T", raw))
		}
	}

	fields := make(map[string]any, len(envelope))
	for k, v := range envelope {
		if strings.HasPrefix(k, "_") {
			continue
		}
		fields[k] = v
	}
	return version, fields, nil
}

// CheckSchemaCompatibility reports whether a stored envelope version can be
// read by this build, with a human-readable reason when it cannot.
func CheckSchemaCompatibility(stored int) (bool, string) {
	if stored > MetadataSchemaVersion {
		return false, fmt.Sprintf(
			"stored version %d is newer than supported version %d; upgrade required",
			stored, MetadataSchemaVersion)
	}
	if stored < MinSupportedSchemaVersion {
		return false, fmt.Sprintf(
			"stored version %d predates minimum supported version %d; migration required",
			stored, MinSupportedSchemaVersion)
	}
	return true, ""
}

// PromptHash derives the short content address for a prompt prefix under a
// given isolation salt. Two sessions with different salts never share a
// hash even for identical prompts.
func PromptHash(prompt, cacheSalt string) string {
	sum := sha256.Sum256([]byte(cacheSalt + ":" + prompt))
	return hex.EncodeToString(sum[:])[:16]
}
