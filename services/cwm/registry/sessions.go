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
	"time"

	"github.com/AleutianAI/AleutianCache/services/cwm/cwmerr"
	"github.com/AleutianAI/AleutianCache/services/cwm/keys"
	"github.com/AleutianAI/AleutianCache/services/cwm/observability"
)

// CreateSessionOptions carries the optional fields of a new session.
type CreateSessionOptions struct {
	// TokenCount is the initial token count.
	TokenCount int

	// CacheSalt pins the isolation salt. Thawed sessions pass the frozen
	// session's salt here; otherwise a fresh salt is generated.
	CacheSalt string

	// Metadata is free-form session metadata, stored as JSON.
	Metadata map[string]any
}

// CreateSession inserts a new active session.
//
// Description:
//
//	Normalizes and validates the id, generates a cache salt when none is
//	provided, and inserts the row together with its audit record in one
//	transaction.
//
// Inputs:
//   - ctx: Request context.
//   - id: Session identifier, normalized before use.
//   - model: Model name the session runs against.
//   - opts: Optional token count, salt, and metadata.
//
// Outputs:
//   - *Session: The created session.
//   - error: Validation failure or CWM-3004 when the id is taken.
func (r *Registry) CreateSession(ctx context.Context, id, model string, opts CreateSessionOptions) (*Session, error) {
	normalized, err := keys.NormalizeSessionID(id)
	if err != nil {
		return nil, err
	}

	salt := opts.CacheSalt
	if salt == "" {
		salt = GenerateCacheSalt(normalized)
	}
	metadata := opts.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metaBlob, err := json.Marshal(metadata)
	if err != nil {
		return nil, cwmerr.NewInternal("encode session metadata", err)
	}

	now := time.Now().UTC()
	session := &Session{
		ID:         normalized,
		State:      StateActive,
		Model:      model,
		TokenCount: opts.TokenCount,
		CacheSalt:  salt,
		CreatedAt:  now,
		UpdatedAt:  now,
		Metadata:   metadata,
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, cwmerr.NewStorageWrite("registry sessions", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM sessions WHERE id = ?", normalized).Scan(&exists)
	if err == nil {
		return nil, cwmerr.NewSessionExists(normalized)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, cwmerr.NewStorageRead("registry sessions", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, state, model, token_count, cache_salt, created_at, updated_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, string(session.State), session.Model, session.TokenCount,
		nullableString(session.CacheSalt), formatTime(now), formatTime(now), string(metaBlob),
	)
	if err != nil {
		return nil, cwmerr.NewStorageWrite("registry sessions", err)
	}

	if err := r.auditInTx(ctx, tx, "SESSION_CREATE", session.ID, "", nil, ""); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, cwmerr.NewStorageWrite("registry sessions", err)
	}

	r.logger.Info("session created",
		slog.String("session_id", session.ID), slog.String("model", model))
	return session, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

const sessionColumns = "id, state, model, token_count, cache_salt, created_at, updated_at, frozen_at, metadata"

func scanSession(row rowScanner) (*Session, error) {
	var (
		s          Session
		state      string
		tokenCount sql.NullInt64
		salt       sql.NullString
		createdAt  sql.NullString
		updatedAt  sql.NullString
		frozenAt   sql.NullString
		metadata   sql.NullString
	)
	if err := row.Scan(&s.ID, &state, &s.Model, &tokenCount, &salt,
		&createdAt, &updatedAt, &frozenAt, &metadata); err != nil {
		return nil, err
	}

	s.State = SessionState(state)
	s.TokenCount = int(tokenCount.Int64)
	s.CacheSalt = salt.String
	s.CreatedAt = parseTime(createdAt.String)
	s.UpdatedAt = parseTime(updatedAt.String)
	if frozenAt.Valid && frozenAt.String != "" {
		t := parseTime(frozenAt.String)
		s.FrozenAt = &t
	}
	s.Metadata = map[string]any{}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &s.Metadata); err != nil {
			return nil, cwmerr.NewCorruption("session metadata is not valid JSON")
		}
	}
	return &s, nil
}

// GetSession returns the session, or (nil, nil) when absent.
func (r *Registry) GetSession(ctx context.Context, id string) (*Session, error) {
	observability.RecordRegistryQuery("sessions")
	row := r.db.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapSessionReadErr(err)
	}
	return session, nil
}

// GetSessionByCacheSalt returns the session owning a salt, or (nil, nil).
func (r *Registry) GetSessionByCacheSalt(ctx context.Context, cacheSalt string) (*Session, error) {
	observability.RecordRegistryQuery("sessions")
	row := r.db.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE cache_salt = ?", cacheSalt)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapSessionReadErr(err)
	}
	return session, nil
}

func wrapSessionReadErr(err error) error {
	var taxonomyErr *cwmerr.Error
	if errors.As(err, &taxonomyErr) {
		return err
	}
	return cwmerr.NewStorageRead("registry sessions", err)
}

// SessionUpdate carries optional session field changes. Nil fields are
// left untouched; Metadata is merged key by key into the stored map.
type SessionUpdate struct {
	State      *SessionState
	TokenCount *int
	FrozenAt   *time.Time
	Metadata   map[string]any
}

// UpdateSession applies the update after validating any state change
// against the transition table. The row is written back whole; a
// rejected transition leaves it untouched.
func (r *Registry) UpdateSession(ctx context.Context, id string, upd SessionUpdate) (*Session, error) {
	session, err := r.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, cwmerr.NewSessionNotFound(id)
	}

	stateChanged := false
	if upd.State != nil && *upd.State != session.State {
		if !CanTransition(session.State, *upd.State) {
			return nil, cwmerr.NewInvalidStateTransition(id, string(session.State), string(*upd.State))
		}
		session.State = *upd.State
		stateChanged = true
	}
	if upd.TokenCount != nil {
		session.TokenCount = *upd.TokenCount
	}
	if upd.FrozenAt != nil {
		t := upd.FrozenAt.UTC()
		session.FrozenAt = &t
	}
	for k, v := range upd.Metadata {
		session.Metadata[k] = v
	}
	session.UpdatedAt = time.Now().UTC()

	metaBlob, err := json.Marshal(session.Metadata)
	if err != nil {
		return nil, cwmerr.NewInternal("encode session metadata", err)
	}
	var frozenAt any
	if session.FrozenAt != nil {
		frozenAt = formatTime(*session.FrozenAt)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, cwmerr.NewStorageWrite("registry sessions", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE sessions
		SET state = ?, token_count = ?, frozen_at = ?, metadata = ?, updated_at = ?
		WHERE id = ?`,
		string(session.State), session.TokenCount, frozenAt,
		string(metaBlob), formatTime(session.UpdatedAt), id,
	)
	if err != nil {
		return nil, cwmerr.NewStorageWrite("registry sessions", err)
	}

	if stateChanged {
		err = r.auditInTx(ctx, tx, "SESSION_STATE_CHANGE", id, "",
			map[string]any{"new_state": string(session.State)}, "")
		if err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, cwmerr.NewStorageWrite("registry sessions", err)
	}
	return session, nil
}

// ListSessionsOptions filters and pages ListSessions.
type ListSessionsOptions struct {
	State  SessionState
	Model  string
	Limit  int
	Offset int
}

// ListSessions returns sessions newest first.
func (r *Registry) ListSessions(ctx context.Context, opts ListSessionsOptions) ([]Session, error) {
	observability.RecordRegistryQuery("sessions")
	query := "SELECT " + sessionColumns + " FROM sessions WHERE 1=1"
	params := []any{}

	if opts.State != "" {
		query += " AND state = ?"
		params = append(params, string(opts.State))
	}
	if opts.Model != "" {
		query += " AND model = ?"
		params = append(params, opts.Model)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	params = append(params, limit, opts.Offset)

	rows, err := r.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, cwmerr.NewStorageRead("registry sessions", err)
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, wrapSessionReadErr(err)
		}
		sessions = append(sessions, *session)
	}
	if err := rows.Err(); err != nil {
		return nil, cwmerr.NewStorageRead("registry sessions", err)
	}
	return sessions, nil
}

// CountSessions counts sessions, optionally restricted to one state.
func (r *Registry) CountSessions(ctx context.Context, state SessionState) (int, error) {
	observability.RecordRegistryQuery("stats")
	query := "SELECT COUNT(*) FROM sessions"
	params := []any{}
	if state != "" {
		query += " WHERE state = ?"
		params = append(params, string(state))
	}

	var count int
	if err := r.db.QueryRowContext(ctx, query, params...).Scan(&count); err != nil {
		return 0, cwmerr.NewStorageRead("registry sessions", err)
	}
	return count, nil
}

// DeleteSession removes a session. A soft delete transitions the row to
// the terminal deleted state; a hard delete removes it, which fails
// while windows still reference it.
func (r *Registry) DeleteSession(ctx context.Context, id string, hard bool) error {
	session, err := r.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if session == nil {
		return cwmerr.NewSessionNotFound(id)
	}

	if !hard {
		deleted := StateDeleted
		if _, err := r.UpdateSession(ctx, id, SessionUpdate{State: &deleted}); err != nil {
			return err
		}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return cwmerr.NewStorageWrite("registry sessions", err)
	}
	defer tx.Rollback()

	if hard {
		if _, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id); err != nil {
			return cwmerr.NewStorageWrite("registry sessions", err)
		}
	}
	err = r.auditInTx(ctx, tx, "SESSION_DELETE", id, "", map[string]any{"hard": hard}, "")
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return cwmerr.NewStorageWrite("registry sessions", err)
	}
	return nil
}
