// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package security

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/AleutianAI/AleutianCache/services/cwm/cwmerr"
)

const (
	// MaxDescriptionLength caps stored window descriptions.
	MaxDescriptionLength = 1024

	// MaxTagLength caps a single tag.
	MaxTagLength = 64

	// MaxTagsCount caps the tag list on one window.
	MaxTagsCount = 20
)

var (
	// tagPattern is the identifier charset after lowercasing: leading
	// alphanumeric, then alphanumerics, hyphens, underscores.
	tagPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

	// pathTraversalPattern matches ".." as a path element under either
	// separator convention.
	pathTraversalPattern = regexp.MustCompile(`(?:^|[/\\])\.\.(?:[/\\]|$)`)

	// shellMetaPattern matches shell metacharacters.
	shellMetaPattern = regexp.MustCompile("[;&|`$()]")

	// sqlPattern matches quoting, comment markers, and statement
	// keywords. Substring match is intentional; the fields this screens
	// never legitimately contain SQL fragments.
	sqlPattern = regexp.MustCompile(`(?i)('|"|--|;|union|select|insert|update|delete|drop|exec|execute|script|javascript)`)
)

// SanitizeDescription trims, truncates to MaxDescriptionLength, and strips
// control characters other than tab, newline, and carriage return.
// Descriptions are display text, so bad input is cleaned rather than
// rejected.
func SanitizeDescription(description string) string {
	description = strings.TrimSpace(description)
	if runes := []rune(description); len(runes) > MaxDescriptionLength {
		description = string(runes[:MaxDescriptionLength])
	}
	return strings.Map(func(r rune) rune {
		if r == '\t' || r == '\n' || r == '\r' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, description)
}

// SanitizeTags lowercases and validates a tag list. Blank entries are
// dropped silently; an oversized list, an oversized tag, or a tag outside
// the identifier charset rejects the whole list.
func SanitizeTags(tags []string) ([]string, error) {
	if len(tags) == 0 {
		return []string{}, nil
	}
	if len(tags) > MaxTagsCount {
		return nil, cwmerr.NewInvalidParameter("tags",
			fmt.Sprintf("maximum %d tags allowed", MaxTagsCount))
	}

	sanitized := make([]string, 0, len(tags))
	for _, tag := range tags {
		cleaned := strings.ToLower(strings.TrimSpace(tag))
		if cleaned == "" {
			continue
		}
		if len(cleaned) > MaxTagLength {
			return nil, cwmerr.NewInvalidParameter("tags", "tag too long: "+preview(cleaned))
		}
		if !tagPattern.MatchString(cleaned) {
			return nil, cwmerr.NewInvalidParameter("tags", "invalid tag format: "+cleaned)
		}
		sanitized = append(sanitized, cleaned)
	}
	return sanitized, nil
}

// ContainsInjectionPatterns reports whether free text carries path
// traversal, shell metacharacters, or SQL fragments. Defense in depth:
// every registry query is parameterized and the block store is
// content-addressed, so this screen exists to catch and log probing, not
// to be the only wall.
func ContainsInjectionPatterns(value string) bool {
	return pathTraversalPattern.MatchString(value) ||
		shellMetaPattern.MatchString(value) ||
		sqlPattern.MatchString(value)
}

// SanitizePath normalizes separators to "/" and strips NUL bytes. A ".."
// path element anywhere in the input is refused outright.
func SanitizePath(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	if pathTraversalPattern.MatchString(path) {
		return "", cwmerr.NewIsolationViolation("path traversal attempt detected")
	}
	path = strings.ReplaceAll(path, "\\", "/")
	return strings.ReplaceAll(path, "\x00", ""), nil
}

func preview(s string) string {
	if len(s) <= 20 {
		return s
	}
	return s[:20] + "..."
}
