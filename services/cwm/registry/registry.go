// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry is the SQLite-backed system of record for sessions,
// windows, and the audit log.
//
// Every lookup is parameterized; the only identifiers interpolated into
// SQL are sort columns drawn from a fixed allow-list. Expected absence
// (an unknown session or window) is returned as (nil, nil), never as an
// error. Every mutation writes its audit row inside the same
// transaction as the change it records.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/AleutianAI/AleutianCache/services/cwm/cwmerr"
	"github.com/AleutianAI/AleutianCache/services/cwm/observability"
)

// SchemaVersion is the registry's on-disk schema version. An existing
// database at any other version refuses to open.
const SchemaVersion = 1

const schema = `
-- Sessions
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	state TEXT NOT NULL DEFAULT 'active',
	model TEXT NOT NULL DEFAULT '',
	token_count INTEGER DEFAULT 0,
	cache_salt TEXT UNIQUE,
	created_at TEXT DEFAULT (datetime('now')),
	updated_at TEXT DEFAULT (datetime('now')),
	frozen_at TEXT,
	metadata TEXT DEFAULT '{}'
);

-- Windows (frozen snapshots)
CREATE TABLE IF NOT EXISTS windows (
	name TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	description TEXT DEFAULT '',
	tags TEXT DEFAULT '[]',
	block_count INTEGER NOT NULL DEFAULT 0,
	block_hashes TEXT NOT NULL DEFAULT '[]',
	total_size_bytes INTEGER NOT NULL DEFAULT 0,
	model TEXT NOT NULL DEFAULT '',
	token_count INTEGER NOT NULL DEFAULT 0,
	created_at TEXT DEFAULT (datetime('now')),
	parent_window TEXT,
	FOREIGN KEY (session_id) REFERENCES sessions(id)
);

-- Audit log
CREATE TABLE IF NOT EXISTS audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT DEFAULT (datetime('now')),
	event TEXT NOT NULL,
	session_id TEXT,
	window_name TEXT,
	details TEXT DEFAULT '{}',
	severity TEXT DEFAULT 'INFO'
);

-- Schema version
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY
);

-- Indexes
CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state);
CREATE INDEX IF NOT EXISTS idx_sessions_cache_salt ON sessions(cache_salt);
CREATE INDEX IF NOT EXISTS idx_sessions_model ON sessions(model);
CREATE INDEX IF NOT EXISTS idx_windows_session ON windows(session_id);
CREATE INDEX IF NOT EXISTS idx_windows_created ON windows(created_at);
CREATE INDEX IF NOT EXISTS idx_windows_model ON windows(model);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_event ON audit_log(event);
`

// Registry is the session and window system of record.
//
// # Thread Safety
//
// Safe for concurrent use. The connection pool is pinned to a single
// connection, which serializes writers; the mutex exists only to keep
// Close idempotent.
type Registry struct {
	db     *sql.DB
	path   string
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// Open creates or opens the registry database, applies the schema, and
// verifies the stored schema version.
func Open(path string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create registry directory %s: %w", dir, err)
		}
	}

	// DSN parameters apply to every pooled connection, unlike a one-off
	// PRAGMA exec. Foreign keys in particular must hold on all of them.
	dsn := path + "?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open registry database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	r := &Registry{db: db, path: path, logger: logger}
	if err := r.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("session registry opened", slog.String("path", path))
	return r, nil
}

func (r *Registry) initSchema() error {
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("apply registry schema: %w", err)
	}
	if _, err := r.db.Exec(
		"INSERT OR IGNORE INTO schema_version (version) VALUES (?)", SchemaVersion,
	); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}

	var stored int
	if err := r.db.QueryRow("SELECT MAX(version) FROM schema_version").Scan(&stored); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if stored != SchemaVersion {
		return cwmerr.NewSchemaIncompatible(stored, SchemaVersion, SchemaVersion)
	}
	return nil
}

// Close closes the database connection. Safe to call more than once.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.db.Close()
}

// Path returns the database file path.
func (r *Registry) Path() string {
	return r.path
}

// Health verifies the database answers a trivial query.
func (r *Registry) Health(ctx context.Context) bool {
	var one int
	return r.db.QueryRowContext(ctx, "SELECT 1").Scan(&one) == nil
}

// =============================================================================
// Audit log
// =============================================================================

// auditInTx appends an audit row inside the caller's transaction, so
// the record commits or rolls back together with the change it
// describes.
func (r *Registry) auditInTx(ctx context.Context, tx *sql.Tx, event, sessionID, windowName string, details map[string]any, severity string) error {
	if severity == "" {
		severity = "INFO"
	}
	if details == nil {
		details = map[string]any{}
	}
	blob, err := json.Marshal(details)
	if err != nil {
		return cwmerr.NewInternal("encode audit details", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_log (timestamp, event, session_id, window_name, details, severity)
		VALUES (?, ?, ?, ?, ?, ?)`,
		formatTime(time.Now()), event, nullableString(sessionID),
		nullableString(windowName), string(blob), severity,
	)
	if err != nil {
		return cwmerr.NewStorageWrite("registry audit_log", err)
	}
	return nil
}

// AuditFilter selects audit log entries. Zero values mean no filter.
type AuditFilter struct {
	Event      string
	SessionID  string
	WindowName string
	Severity   string
	Since      time.Time
	Limit      int
}

// GetAuditLog returns matching entries, newest first.
func (r *Registry) GetAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	observability.RecordRegistryQuery("audit")
	query := "SELECT id, timestamp, event, session_id, window_name, details, severity FROM audit_log WHERE 1=1"
	params := []any{}

	if f.Event != "" {
		query += " AND event = ?"
		params = append(params, f.Event)
	}
	if f.SessionID != "" {
		query += " AND session_id = ?"
		params = append(params, f.SessionID)
	}
	if f.WindowName != "" {
		query += " AND window_name = ?"
		params = append(params, f.WindowName)
	}
	if f.Severity != "" {
		query += " AND severity = ?"
		params = append(params, f.Severity)
	}
	if !f.Since.IsZero() {
		query += " AND timestamp >= ?"
		params = append(params, formatTime(f.Since))
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ?"
	params = append(params, limit)

	rows, err := r.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, cwmerr.NewStorageRead("registry audit_log", err)
	}
	defer rows.Close()

	entries := []AuditEntry{}
	for rows.Next() {
		var (
			entry             AuditEntry
			ts                string
			sessionID, window sql.NullString
			details           sql.NullString
		)
		if err := rows.Scan(&entry.ID, &ts, &entry.Event, &sessionID, &window, &details, &entry.Severity); err != nil {
			return nil, cwmerr.NewStorageRead("registry audit_log", err)
		}
		entry.Timestamp = parseTime(ts)
		entry.SessionID = sessionID.String
		entry.WindowName = window.String
		entry.Details = map[string]any{}
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &entry.Details); err != nil {
				r.logger.Warn("unreadable audit details",
					slog.Int64("entry_id", entry.ID), slog.String("error", err.Error()))
			}
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, cwmerr.NewStorageRead("registry audit_log", err)
	}
	return entries, nil
}

// nullableString maps "" to NULL so optional TEXT columns and the
// UNIQUE cache_salt constraint behave.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
