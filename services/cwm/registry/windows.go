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
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianCache/services/cwm/cwmerr"
	"github.com/AleutianAI/AleutianCache/services/cwm/keys"
	"github.com/AleutianAI/AleutianCache/services/cwm/observability"
)

// CreateWindow inserts a window row. The name is normalized before use
// and must be free; CWM-3003 reports a taken name.
func (r *Registry) CreateWindow(ctx context.Context, w *Window) error {
	normalized, err := keys.NormalizeWindowName(w.Name)
	if err != nil {
		return err
	}
	w.Name = normalized

	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	if w.Tags == nil {
		w.Tags = []string{}
	}
	if w.BlockHashes == nil {
		w.BlockHashes = []string{}
	}
	tagsBlob, err := json.Marshal(w.Tags)
	if err != nil {
		return cwmerr.NewInternal("encode window tags", err)
	}
	hashesBlob, err := json.Marshal(w.BlockHashes)
	if err != nil {
		return cwmerr.NewInternal("encode window block hashes", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return cwmerr.NewStorageWrite("registry windows", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM windows WHERE name = ?", w.Name).Scan(&exists)
	if err == nil {
		return cwmerr.NewWindowAlreadyExists(w.Name)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return cwmerr.NewStorageRead("registry windows", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO windows (name, session_id, description, tags, block_count,
			block_hashes, total_size_bytes, model, token_count, created_at, parent_window)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.Name, w.SessionID, w.Description, string(tagsBlob), w.BlockCount,
		string(hashesBlob), w.TotalSizeBytes, w.Model, w.TokenCount,
		formatTime(w.CreatedAt), nullableString(w.ParentWindow),
	)
	if err != nil {
		return cwmerr.NewStorageWrite("registry windows", err)
	}

	err = r.auditInTx(ctx, tx, "WINDOW_CREATE", w.SessionID, w.Name, map[string]any{
		"token_count": w.TokenCount,
		"block_count": w.BlockCount,
	}, "")
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return cwmerr.NewStorageWrite("registry windows", err)
	}

	r.logger.Info("window created",
		slog.String("window_name", w.Name),
		slog.String("session_id", w.SessionID),
		slog.Int("token_count", w.TokenCount))
	return nil
}

const windowColumns = "name, session_id, description, tags, block_count, block_hashes, total_size_bytes, model, token_count, created_at, parent_window"

func scanWindow(row rowScanner) (*Window, error) {
	var (
		w           Window
		description sql.NullString
		tags        sql.NullString
		hashes      sql.NullString
		createdAt   sql.NullString
		parent      sql.NullString
	)
	if err := row.Scan(&w.Name, &w.SessionID, &description, &tags, &w.BlockCount,
		&hashes, &w.TotalSizeBytes, &w.Model, &w.TokenCount, &createdAt, &parent); err != nil {
		return nil, err
	}

	w.Description = description.String
	w.CreatedAt = parseTime(createdAt.String)
	w.ParentWindow = parent.String
	w.Tags = []string{}
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &w.Tags); err != nil {
			return nil, cwmerr.NewCorruption("window tags are not valid JSON")
		}
	}
	w.BlockHashes = []string{}
	if hashes.Valid && hashes.String != "" {
		if err := json.Unmarshal([]byte(hashes.String), &w.BlockHashes); err != nil {
			return nil, cwmerr.NewCorruption("window block hashes are not valid JSON")
		}
	}
	return &w, nil
}

// GetWindow returns the window, or (nil, nil) when absent.
func (r *Registry) GetWindow(ctx context.Context, name string) (*Window, error) {
	observability.RecordRegistryQuery("windows")
	row := r.db.QueryRowContext(ctx,
		"SELECT "+windowColumns+" FROM windows WHERE name = ?", name)
	window, err := scanWindow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapWindowReadErr(err)
	}
	return window, nil
}

// WindowExists reports whether a window name is taken.
func (r *Registry) WindowExists(ctx context.Context, name string) (bool, error) {
	observability.RecordRegistryQuery("windows")
	var one int
	err := r.db.QueryRowContext(ctx, "SELECT 1 FROM windows WHERE name = ?", name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, cwmerr.NewStorageRead("registry windows", err)
	}
	return true, nil
}

func wrapWindowReadErr(err error) error {
	var taxonomyErr *cwmerr.Error
	if errors.As(err, &taxonomyErr) {
		return err
	}
	return cwmerr.NewStorageRead("registry windows", err)
}

// ListWindowsOptions filters, sorts, and pages ListWindows.
type ListWindowsOptions struct {
	// Tags restricts to windows carrying every listed tag.
	Tags []string

	// Model restricts to one model.
	Model string

	// SessionID restricts to windows frozen from one session.
	SessionID string

	// Search matches name and description as a literal substring.
	Search string

	// SortBy is one of name, created_at, token_count, total_size_bytes.
	// Anything else falls back to created_at.
	SortBy string

	// SortOrder is asc or desc. Anything else falls back to desc.
	SortOrder string

	Limit  int
	Offset int
}

// sortColumn resolves a requested sort column against the allow-list.
// Column identifiers cannot be parameterized, so unknown input never
// reaches the query text.
func (r *Registry) sortColumn(requested string) string {
	if _, ok := allowedWindowSortColumns[requested]; ok {
		return requested
	}
	if requested != "" {
		r.logger.Warn("invalid sort column rejected",
			slog.String("attempted", requested),
			slog.String("fallback", defaultSortColumn))
	}
	return defaultSortColumn
}

// sortOrder resolves a requested sort order to ASC or DESC.
func (r *Registry) sortOrder(requested string) string {
	switch strings.ToUpper(strings.TrimSpace(requested)) {
	case "ASC":
		return "ASC"
	case "DESC", "":
		return "DESC"
	}
	r.logger.Warn("invalid sort order rejected",
		slog.String("attempted", requested), slog.String("fallback", "DESC"))
	return "DESC"
}

// ListWindows returns matching windows and the total count before
// pagination.
//
// Description:
//
//	Free-text search and tag filters are bound as parameters with LIKE
//	wildcards escaped, so user input always matches literally. Sorting
//	appends a secondary name ASC key for a stable order.
//
// Inputs:
//   - ctx: Request context.
//   - opts: Filters, sort, and pagination.
//
// Outputs:
//   - []Window: The requested page.
//   - int: Total matches ignoring limit and offset.
//   - error: Query failure.
func (r *Registry) ListWindows(ctx context.Context, opts ListWindowsOptions) ([]Window, int, error) {
	observability.RecordRegistryQuery("windows")
	query := "SELECT " + windowColumns + " FROM windows WHERE 1=1"
	countQuery := "SELECT COUNT(*) FROM windows WHERE 1=1"
	params := []any{}

	if opts.Model != "" {
		query += " AND model = ?"
		countQuery += " AND model = ?"
		params = append(params, opts.Model)
	}
	if opts.SessionID != "" {
		query += " AND session_id = ?"
		countQuery += " AND session_id = ?"
		params = append(params, opts.SessionID)
	}
	if opts.Search != "" {
		clause := ` AND (name LIKE ? ESCAPE '\' OR description LIKE ? ESCAPE '\')`
		query += clause
		countQuery += clause
		pattern := "%" + escapeLikePattern(opts.Search) + "%"
		params = append(params, pattern, pattern)
	}
	for _, tag := range opts.Tags {
		clause := ` AND tags LIKE ? ESCAPE '\'`
		query += clause
		countQuery += clause
		// Tags are stored as a JSON array, so a quoted match finds the
		// whole tag rather than a substring of another tag.
		params = append(params, `%"`+escapeLikePattern(tag)+`"%`)
	}

	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, params...).Scan(&total); err != nil {
		return nil, 0, cwmerr.NewStorageRead("registry windows", err)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY " + r.sortColumn(opts.SortBy) + " " + r.sortOrder(opts.SortOrder) + ", name ASC"
	query += " LIMIT ? OFFSET ?"
	params = append(params, limit, opts.Offset)

	rows, err := r.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, 0, cwmerr.NewStorageRead("registry windows", err)
	}
	defer rows.Close()

	windows := []Window{}
	for rows.Next() {
		window, err := scanWindow(rows)
		if err != nil {
			return nil, 0, wrapWindowReadErr(err)
		}
		windows = append(windows, *window)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, cwmerr.NewStorageRead("registry windows", err)
	}
	return windows, total, nil
}

// CountWindows counts all windows.
func (r *Registry) CountWindows(ctx context.Context) (int, error) {
	observability.RecordRegistryQuery("stats")
	var count int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM windows").Scan(&count); err != nil {
		return 0, cwmerr.NewStorageRead("registry windows", err)
	}
	return count, nil
}

// DeleteWindow removes a window row and audits the removal.
func (r *Registry) DeleteWindow(ctx context.Context, name string) error {
	window, err := r.GetWindow(ctx, name)
	if err != nil {
		return err
	}
	if window == nil {
		return cwmerr.NewWindowNotFound(name)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return cwmerr.NewStorageWrite("registry windows", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM windows WHERE name = ?", name); err != nil {
		return cwmerr.NewStorageWrite("registry windows", err)
	}
	if err := r.auditInTx(ctx, tx, "WINDOW_DELETE", window.SessionID, name, nil, ""); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return cwmerr.NewStorageWrite("registry windows", err)
	}

	r.logger.Info("window deleted", slog.String("window_name", name))
	return nil
}

// GetWindowsForSession returns every window frozen from a session,
// newest first.
func (r *Registry) GetWindowsForSession(ctx context.Context, sessionID string) ([]Window, error) {
	observability.RecordRegistryQuery("lineage")
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+windowColumns+" FROM windows WHERE session_id = ? ORDER BY created_at DESC",
		sessionID)
	if err != nil {
		return nil, cwmerr.NewStorageRead("registry windows", err)
	}
	defer rows.Close()

	windows := []Window{}
	for rows.Next() {
		window, err := scanWindow(rows)
		if err != nil {
			return nil, wrapWindowReadErr(err)
		}
		windows = append(windows, *window)
	}
	if err := rows.Err(); err != nil {
		return nil, cwmerr.NewStorageRead("registry windows", err)
	}
	return windows, nil
}
