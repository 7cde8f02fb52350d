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
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianCache/services/cwm/cwmerr"
	"github.com/AleutianAI/AleutianCache/services/cwm/observability"
	"github.com/AleutianAI/AleutianCache/services/cwm/registry"
	"github.com/AleutianAI/AleutianCache/services/cwm/security"
	"github.com/AleutianAI/AleutianCache/services/cwm/windows"
)

// ServiceVersion is the current service version.
const ServiceVersion = "0.1.0"

// Handlers holds the HTTP handlers for the context window manager API.
type Handlers struct {
	svc *Service
}

// NewHandlers creates handlers backed by the given service.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc}
}

// getOrCreateRequestID returns the request ID from the X-Request-ID
// header, generating one when absent. The ID is echoed in the response
// header either way so clients can correlate logs.
func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}

// statusForError maps the error taxonomy onto HTTP status codes. A rate
// limit is the one resource error that gets its own code; the rest of
// the family means the service itself is out of capacity.
func statusForError(err error) int {
	e, ok := cwmerr.AsError(err)
	if !ok {
		return http.StatusInternalServerError
	}
	if e.Code == "CWM-7002" {
		return http.StatusTooManyRequests
	}
	switch e.Kind {
	case cwmerr.KindValidation:
		return http.StatusBadRequest
	case cwmerr.KindNotFound:
		return http.StatusNotFound
	case cwmerr.KindStateConflict:
		return http.StatusConflict
	case cwmerr.KindConnectivity:
		return http.StatusBadGateway
	case cwmerr.KindTimeout:
		return http.StatusGatewayTimeout
	case cwmerr.KindResource:
		return http.StatusServiceUnavailable
	case cwmerr.KindSecurity:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as the taxonomy envelope. Foreign errors leave
// as an opaque internal error; their detail belongs in logs, not in
// responses. A RetryAfter hint becomes the Retry-After header, rounded
// up so a sub-second wait never renders as zero.
func writeError(c *gin.Context, err error) {
	status := statusForError(err)
	resp := ErrorResponse{Error: "an internal error occurred", Code: "CWM-9001"}
	if e, ok := cwmerr.AsError(err); ok {
		resp = ErrorResponse{Error: e.Message, Code: e.Code}
		if e.RetryAfter > 0 {
			seconds := int((e.RetryAfter + time.Second - 1) / time.Second)
			c.Header("Retry-After", strconv.Itoa(seconds))
		}
	}
	c.JSON(status, resp)
}

// fail records, logs, and renders a handler failure. Server-side
// failures log at error; client mistakes log at warn.
func (h *Handlers) fail(c *gin.Context, logger *slog.Logger, operation string, err error) {
	observability.RecordRequest(operation, "error")
	if statusForError(err) >= http.StatusInternalServerError {
		logger.Error("request failed", slog.String("code", cwmerr.CodeOf(err)), slog.Any("error", err))
	} else {
		logger.Warn("request rejected", slog.String("code", cwmerr.CodeOf(err)), slog.Any("error", err))
	}
	writeError(c, err)
}

// ok records the success and renders the response body.
func (h *Handlers) ok(c *gin.Context, operation string, body any) {
	observability.RecordRequest(operation, "ok")
	c.JSON(http.StatusOK, body)
}

// =============================================================================
// Health and Stats
// =============================================================================

// HandleHealth returns the aggregated component health. The endpoint
// answers 200 while the service can serve requests, including degraded
// operation without the inference server, and 503 only when the store
// or the registry is down.
//
// GET /v1/cwm/health
func (h *Handlers) HandleHealth(c *gin.Context) {
	resp := h.svc.Health(c.Request.Context())
	status := http.StatusOK
	if resp.Status == HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	observability.RecordRequest("health", "ok")
	c.JSON(status, resp)
}

// HandleCacheStats returns block store counters plus the inference
// server's prefix cache counters when reachable.
//
// GET /v1/cwm/cache/stats
func (h *Handlers) HandleCacheStats(c *gin.Context) {
	h.ok(c, "cache_stats", h.svc.CacheStats(c.Request.Context()))
}

// =============================================================================
// Window Operations
// =============================================================================

// HandleFreeze snapshots a session's context into a named window.
//
// POST /v1/cwm/freeze
func (h *Handlers) HandleFreeze(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleFreeze")

	var req FreezeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, logger, "freeze", cwmerr.NewInvalidParameter("body", err.Error()))
		return
	}

	tags, err := security.SanitizeTags(req.Tags)
	if err != nil {
		h.fail(c, logger, "freeze", err)
		return
	}

	result, err := h.svc.manager.Freeze(c.Request.Context(), req.SessionID, req.WindowName,
		windows.FreezeOptions{
			PromptPrefix: req.PromptPrefix,
			Description:  security.SanitizeDescription(req.Description),
			Tags:         tags,
		})
	if err != nil {
		h.fail(c, logger, "freeze", err)
		return
	}

	logger.Info("window frozen",
		slog.String("window", result.WindowName),
		slog.String("session_id", result.SessionID))
	h.ok(c, "freeze", result)
}

// HandleThaw restores a frozen window into a new session.
//
// POST /v1/cwm/thaw
func (h *Handlers) HandleThaw(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleThaw")

	var req ThawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, logger, "thaw", cwmerr.NewInvalidParameter("body", err.Error()))
		return
	}

	result, err := h.svc.manager.Thaw(c.Request.Context(), req.WindowName,
		windows.ThawOptions{
			NewSessionID:       req.NewSessionID,
			SkipWarmup:         req.SkipWarmup,
			ContinuationPrompt: req.ContinuationPrompt,
		})
	if err != nil {
		h.fail(c, logger, "thaw", err)
		return
	}

	logger.Info("window thawed",
		slog.String("window", result.WindowName),
		slog.String("session_id", result.SessionID),
		slog.Bool("verified", result.Verified))
	h.ok(c, "thaw", result)
}

// HandleClone creates an independent window sharing the source's blocks.
//
// POST /v1/cwm/clone
func (h *Handlers) HandleClone(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleClone")

	var req CloneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, logger, "clone", cwmerr.NewInvalidParameter("body", err.Error()))
		return
	}

	tags := req.Tags
	if tags != nil {
		sanitized, err := security.SanitizeTags(tags)
		if err != nil {
			h.fail(c, logger, "clone", err)
			return
		}
		tags = sanitized
	}

	result, err := h.svc.manager.Clone(c.Request.Context(), req.SourceWindow, req.NewWindowName,
		windows.CloneOptions{
			Description: security.SanitizeDescription(req.Description),
			Tags:        tags,
		})
	if err != nil {
		h.fail(c, logger, "clone", err)
		return
	}

	logger.Info("window cloned",
		slog.String("source", result.SourceWindow),
		slog.String("window", result.NewWindowName))
	h.ok(c, "clone", result)
}

// HandleListWindows lists windows with filtering, search, sorting, and
// pagination. Free-text parameters are screened for injection patterns
// before they reach the registry; the registry additionally binds them
// as parameters, so the screen catches probing rather than guarding the
// query.
//
// GET /v1/cwm/windows?tags=a,b&model=&session_id=&search=&sort_by=&sort_order=&limit=&offset=
func (h *Handlers) HandleListWindows(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleListWindows")

	limit, err := intQuery(c, "limit", 100)
	if err != nil {
		h.fail(c, logger, "list_windows", err)
		return
	}
	offset, err := intQuery(c, "offset", 0)
	if err != nil {
		h.fail(c, logger, "list_windows", err)
		return
	}

	search := c.Query("search")
	if security.ContainsInjectionPatterns(search) {
		h.fail(c, logger, "list_windows",
			cwmerr.NewInvalidParameter("search", "contains disallowed characters"))
		return
	}
	model := c.Query("model")
	if security.ContainsInjectionPatterns(model) {
		h.fail(c, logger, "list_windows",
			cwmerr.NewInvalidParameter("model", "contains disallowed characters"))
		return
	}

	var tags []string
	if raw := c.Query("tags"); raw != "" {
		tags, err = security.SanitizeTags(strings.Split(raw, ","))
		if err != nil {
			h.fail(c, logger, "list_windows", err)
			return
		}
	}

	wins, total, err := h.svc.registry.ListWindows(c.Request.Context(), registry.ListWindowsOptions{
		Tags:      tags,
		Model:     model,
		SessionID: c.Query("session_id"),
		Search:    search,
		SortBy:    c.Query("sort_by"),
		SortOrder: c.Query("sort_order"),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		h.fail(c, logger, "list_windows", err)
		return
	}

	h.ok(c, "list_windows", WindowListResponse{
		Windows: wins,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
	})
}

// HandleGetWindow returns one window's registry row, clone lineage, and
// current block verification state.
//
// GET /v1/cwm/windows/:name
func (h *Handlers) HandleGetWindow(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleGetWindow")

	info, err := h.svc.manager.WindowInfo(c.Request.Context(), c.Param("name"))
	if err != nil {
		h.fail(c, logger, "get_window", err)
		return
	}
	h.ok(c, "get_window", info)
}

// HandleDeleteWindow deletes a window. Blocks referenced by the window
// are removed too unless delete_blocks=false; shared blocks survive by
// reference counting across windows.
//
// DELETE /v1/cwm/windows/:name?delete_blocks=true
func (h *Handlers) HandleDeleteWindow(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleDeleteWindow")

	deleteBlocks, err := boolQuery(c, "delete_blocks", true)
	if err != nil {
		h.fail(c, logger, "delete_window", err)
		return
	}

	result, err := h.svc.manager.DeleteWindow(c.Request.Context(), c.Param("name"), deleteBlocks)
	if err != nil {
		h.fail(c, logger, "delete_window", err)
		return
	}

	logger.Info("window deleted",
		slog.String("window", result.WindowName),
		slog.Int("blocks_deleted", result.BlocksDeleted))
	h.ok(c, "delete_window", result)
}

// =============================================================================
// Session Operations
// =============================================================================

// HandleListSessions lists sessions newest first, optionally filtered
// by lifecycle state and model.
//
// GET /v1/cwm/sessions?state=&model=&limit=&offset=
func (h *Handlers) HandleListSessions(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleListSessions")

	var state registry.SessionState
	if raw := c.Query("state"); raw != "" {
		parsed, valid := registry.ParseSessionState(raw)
		if !valid {
			h.fail(c, logger, "list_sessions",
				cwmerr.NewInvalidParameter("state", "unknown session state "+raw))
			return
		}
		state = parsed
	}
	limit, err := intQuery(c, "limit", 100)
	if err != nil {
		h.fail(c, logger, "list_sessions", err)
		return
	}
	offset, err := intQuery(c, "offset", 0)
	if err != nil {
		h.fail(c, logger, "list_sessions", err)
		return
	}

	sessions, err := h.svc.registry.ListSessions(c.Request.Context(), registry.ListSessionsOptions{
		State:  state,
		Model:  c.Query("model"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		h.fail(c, logger, "list_sessions", err)
		return
	}

	h.ok(c, "list_sessions", SessionListResponse{Sessions: sessions, Count: len(sessions)})
}

// HandleGetSession returns one session.
//
// GET /v1/cwm/sessions/:id
func (h *Handlers) HandleGetSession(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleGetSession")

	id := c.Param("id")
	session, err := h.svc.registry.GetSession(c.Request.Context(), id)
	if err != nil {
		h.fail(c, logger, "get_session", err)
		return
	}
	if session == nil {
		h.fail(c, logger, "get_session", cwmerr.NewSessionNotFound(id))
		return
	}
	h.ok(c, "get_session", session)
}

// HandleExpireSession transitions an active session to expired. Any
// other starting state is an illegal transition and answers 409.
//
// POST /v1/cwm/sessions/:id/expire
func (h *Handlers) HandleExpireSession(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleExpireSession")

	expired := registry.StateExpired
	session, err := h.svc.registry.UpdateSession(c.Request.Context(), c.Param("id"),
		registry.SessionUpdate{State: &expired})
	if err != nil {
		h.fail(c, logger, "expire_session", err)
		return
	}

	logger.Info("session expired", slog.String("session_id", session.ID))
	h.ok(c, "expire_session", session)
}

// HandleDeleteSession deletes a session. The default soft delete walks
// the state machine into the terminal deleted state; hard=true removes
// the row, which fails while windows still reference it.
//
// DELETE /v1/cwm/sessions/:id?hard=false
func (h *Handlers) HandleDeleteSession(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleDeleteSession")

	hard, err := boolQuery(c, "hard", false)
	if err != nil {
		h.fail(c, logger, "delete_session", err)
		return
	}

	id := c.Param("id")
	if err := h.svc.registry.DeleteSession(c.Request.Context(), id, hard); err != nil {
		h.fail(c, logger, "delete_session", err)
		return
	}

	logger.Info("session deleted", slog.String("session_id", id), slog.Bool("hard", hard))
	h.ok(c, "delete_session", SessionDeleteResponse{ID: id, Hard: hard})
}

// =============================================================================
// Audit
// =============================================================================

// HandleAudit queries the audit log, newest first.
//
// GET /v1/cwm/audit?event=&session_id=&window=&severity=&since=&limit=
func (h *Handlers) HandleAudit(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleAudit")

	var since time.Time
	if raw := c.Query("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.fail(c, logger, "audit",
				cwmerr.NewInvalidParameter("since", "must be RFC 3339, e.g. 2026-01-02T15:04:05Z"))
			return
		}
		since = parsed
	}
	limit, err := intQuery(c, "limit", 100)
	if err != nil {
		h.fail(c, logger, "audit", err)
		return
	}

	entries, err := h.svc.registry.GetAuditLog(c.Request.Context(), registry.AuditFilter{
		Event:      c.Query("event"),
		SessionID:  c.Query("session_id"),
		WindowName: c.Query("window"),
		Severity:   c.Query("severity"),
		Since:      since,
		Limit:      limit,
	})
	if err != nil {
		h.fail(c, logger, "audit", err)
		return
	}

	h.ok(c, "audit", AuditLogResponse{Entries: entries, Count: len(entries)})
}

// =============================================================================
// Query Parameter Helpers
// =============================================================================

// intQuery parses a non-negative integer query parameter.
func intQuery(c *gin.Context, name string, fallback int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, cwmerr.NewInvalidParameter(name, "must be a non-negative integer")
	}
	return value, nil
}

// boolQuery parses a boolean query parameter.
func boolQuery(c *gin.Context, name string, fallback bool) (bool, error) {
	raw := c.Query(name)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, cwmerr.NewInvalidParameter(name, "must be true or false")
	}
	return value, nil
}
