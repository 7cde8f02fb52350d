// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// SessionState is a session's lifecycle state.
type SessionState string

const (
	// StateActive means the session is in use.
	StateActive SessionState = "active"

	// StateFrozen means the session has been snapshotted into a window.
	StateFrozen SessionState = "frozen"

	// StateThawed means the session was restored from a window.
	StateThawed SessionState = "thawed"

	// StateExpired means the session timed out.
	StateExpired SessionState = "expired"

	// StateDeleted is the terminal soft-delete state.
	StateDeleted SessionState = "deleted"
)

// stateTransitions is the legal transition table. Deleted is terminal.
var stateTransitions = map[SessionState][]SessionState{
	StateActive:  {StateFrozen, StateExpired, StateDeleted},
	StateFrozen:  {StateThawed, StateDeleted},
	StateThawed:  {StateActive, StateFrozen, StateDeleted},
	StateExpired: {StateDeleted},
	StateDeleted: {},
}

// CanTransition reports whether the lifecycle permits moving from one
// state to another. A transition to the current state is not listed
// here; callers treat a no-op update as legal.
func CanTransition(from, to SessionState) bool {
	for _, allowed := range stateTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ParseSessionState maps a string onto a known state.
func ParseSessionState(s string) (SessionState, bool) {
	state := SessionState(strings.ToLower(strings.TrimSpace(s)))
	switch state {
	case StateActive, StateFrozen, StateThawed, StateExpired, StateDeleted:
		return state, true
	}
	return "", false
}

// Session is one row of the sessions table.
type Session struct {
	ID         string         `json:"id"`
	State      SessionState   `json:"state"`
	Model      string         `json:"model"`
	TokenCount int            `json:"token_count"`
	CacheSalt  string         `json:"cache_salt"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	FrozenAt   *time.Time     `json:"frozen_at"`
	Metadata   map[string]any `json:"metadata"`
}

// Window is one row of the windows table: the durable record of a
// frozen context snapshot. The block payloads themselves live in the
// block store; this row carries the manifest.
type Window struct {
	Name           string    `json:"name"`
	SessionID      string    `json:"session_id"`
	Description    string    `json:"description"`
	Tags           []string  `json:"tags"`
	BlockCount     int       `json:"block_count"`
	BlockHashes    []string  `json:"block_hashes"`
	TotalSizeBytes int64     `json:"total_size_bytes"`
	Model          string    `json:"model"`
	TokenCount     int       `json:"token_count"`
	CreatedAt      time.Time `json:"created_at"`
	ParentWindow   string    `json:"parent_window"`
}

// AuditEntry is one row of the audit log.
type AuditEntry struct {
	ID         int64          `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	Event      string         `json:"event"`
	SessionID  string         `json:"session_id"`
	WindowName string         `json:"window_name"`
	Details    map[string]any `json:"details"`
	Severity   string         `json:"severity"`
}

// GenerateCacheSalt derives a fresh isolation salt for a session. The
// random component keeps salts unique across recreated sessions with
// the same id, so stale cache blocks can never leak into a new session.
func GenerateCacheSalt(sessionID string) string {
	nonce := make([]byte, 8)
	if _, err := rand.Read(nonce); err != nil {
		// Fall back to a time-derived nonce; uniqueness still holds
		// through the session id and the UNIQUE column constraint.
		copy(nonce, []byte(time.Now().UTC().Format("150405.000")))
	}
	sum := sha256.Sum256([]byte("cwm_" + sessionID + "_" + hex.EncodeToString(nonce)))
	return hex.EncodeToString(sum[:])[:32]
}

// escapeLikePattern escapes LIKE wildcards so user input matches
// literally under an ESCAPE '\' clause. Backslash goes first since it
// is the escape character itself.
func escapeLikePattern(value string) string {
	value = strings.ReplaceAll(value, `\`, `\\`)
	value = strings.ReplaceAll(value, `%`, `\%`)
	return strings.ReplaceAll(value, `_`, `\_`)
}

// allowedWindowSortColumns is the identifier allow-list for ORDER BY.
// Column names cannot be bound as parameters, so anything outside this
// set falls back to the default.
var allowedWindowSortColumns = map[string]struct{}{
	"name":             {},
	"created_at":       {},
	"token_count":      {},
	"total_size_bytes": {},
}

const defaultSortColumn = "created_at"

// formatTime renders a timestamp for TEXT column storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime reads timestamps written by this registry and the SQLite
// datetime() default format used by the column defaults.
func parseTime(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
