// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cwmerr defines the error taxonomy for the context window manager.
//
// Every error carries a stable code ("CWM-1001"), a kind (the code family),
// and a retryable flag. Callers branch on Kind or Code via the predicate
// helpers, never on message text. Expected absence (a missing session, a
// block not in the store) is NOT an error in this system: lookups return
// structured absence and reserve errors for malformed input, integrity
// violations, and unreachable dependencies.
//
// Code families:
//
//	CWM-1xxx  validation (malformed or reserved identifier)
//	CWM-2xxx  not found (referenced entity absent where required)
//	CWM-3xxx  state conflict (illegal transition, duplicate name)
//	CWM-4xxx  storage failure (read/write/quota/corruption/schema)
//	CWM-5xxx  connectivity failure (retryable)
//	CWM-6xxx  timeout (retryable)
//	CWM-7xxx  resource exhaustion (rate limit retryable with delay)
//	CWM-8xxx  security violation (never retryable)
//	CWM-9xxx  internal
package cwmerr

import (
	"errors"
	"fmt"
	"time"
)

// Kind is the coarse error family, one per code range.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindNotFound      Kind = "not_found"
	KindStateConflict Kind = "state_conflict"
	KindStorage       Kind = "storage_failure"
	KindConnectivity  Kind = "connectivity_failure"
	KindTimeout       Kind = "timeout"
	KindResource      Kind = "resource_exhaustion"
	KindSecurity      Kind = "security_violation"
	KindInternal      Kind = "internal"
)

// Error is the structured error type shared across the service.
//
// Thread Safety: Error values are immutable after construction.
type Error struct {
	// Code is the stable machine-readable identifier, e.g. "CWM-3001".
	Code string

	// Kind is the code family. Derived from Code at construction.
	Kind Kind

	// Message is the operator-facing description.
	Message string

	// Retryable reports whether retrying the same call may succeed.
	Retryable bool

	// RetryAfter is a suggested minimum wait before retrying.
	// Zero unless the failure carries an explicit delay (rate limits).
	RetryAfter time.Duration

	// Context holds structured detail for logs. Never shown to end users.
	Context map[string]any

	// Err is the wrapped cause, if any.
	Err error

	// Timestamp records when the error was constructed (UTC).
	Timestamp time.Time
}

// Error returns "<code>: <message>".
func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Unwrap returns the wrapped cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// newError constructs an Error with the kind derived from the code prefix.
func newError(code, message string, retryable bool) *Error {
	return &Error{
		Code:      code,
		Kind:      kindForCode(code),
		Message:   message,
		Retryable: retryable,
		Timestamp: time.Now().UTC(),
	}
}

// kindForCode maps a CWM code to its family.
func kindForCode(code string) Kind {
	if len(code) < 5 {
		return KindInternal
	}
	switch code[4] {
	case '1':
		return KindValidation
	case '2':
		return KindNotFound
	case '3':
		return KindStateConflict
	case '4':
		return KindStorage
	case '5':
		return KindConnectivity
	case '6':
		return KindTimeout
	case '7':
		return KindResource
	case '8':
		return KindSecurity
	default:
		return KindInternal
	}
}

// with attaches a context key/value pair and returns the same error.
func (e *Error) with(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any, 4)
	}
	e.Context[key] = value
	return e
}

// =============================================================================
// Validation (CWM-1xxx)
// =============================================================================

// NewInvalidSessionID reports a session id that failed normalization.
func NewInvalidSessionID(id, reason string) *Error {
	e := newError("CWM-1001", fmt.Sprintf("invalid session id %q: %s", id, reason), false)
	return e.with("session_id", id)
}

// NewInvalidWindowName reports a window name that failed normalization.
func NewInvalidWindowName(name, reason string) *Error {
	e := newError("CWM-1002", fmt.Sprintf("invalid window name %q: %s", name, reason), false)
	return e.with("window_name", name)
}

// NewInvalidParameter reports a caller-supplied value outside its domain.
func NewInvalidParameter(name, reason string) *Error {
	e := newError("CWM-1003", fmt.Sprintf("invalid parameter %q: %s", name, reason), false)
	return e.with("parameter", name)
}

// =============================================================================
// Not found (CWM-2xxx)
// =============================================================================

// NewSessionNotFound reports an operation against an absent session.
func NewSessionNotFound(id string) *Error {
	e := newError("CWM-2001", fmt.Sprintf("session %q not found", id), false)
	return e.with("session_id", id)
}

// NewWindowNotFound reports an operation against an absent window.
func NewWindowNotFound(name string) *Error {
	e := newError("CWM-2002", fmt.Sprintf("window %q not found", name), false)
	return e.with("window_name", name)
}

// NewBlockNotFound reports a required block missing from every tier.
func NewBlockNotFound(hash string) *Error {
	e := newError("CWM-2003", fmt.Sprintf("block %s not found", hash), false)
	return e.with("block_hash", hash)
}

// =============================================================================
// State conflict (CWM-3xxx)
// =============================================================================

// NewInvalidStateTransition reports an attempt outside the legal
// transition table. Names the current state and the attempted target.
func NewInvalidStateTransition(sessionID, from, to string) *Error {
	e := newError("CWM-3001",
		fmt.Sprintf("session %q cannot transition from %s to %s", sessionID, from, to), false)
	e.with("session_id", sessionID)
	e.with("from_state", from)
	return e.with("to_state", to)
}

// NewSessionAlreadyFrozen reports a freeze of an already frozen session.
func NewSessionAlreadyFrozen(id string) *Error {
	e := newError("CWM-3002", fmt.Sprintf("session %q is already frozen", id), false)
	return e.with("session_id", id)
}

// NewWindowAlreadyExists reports a create against a taken window name.
func NewWindowAlreadyExists(name string) *Error {
	e := newError("CWM-3003", fmt.Sprintf("window %q already exists", name), false)
	return e.with("window_name", name)
}

// NewSessionExists reports a create against a taken session id.
func NewSessionExists(id string) *Error {
	e := newError("CWM-3004", fmt.Sprintf("session %q already exists", id), false)
	return e.with("session_id", id)
}

// =============================================================================
// Storage (CWM-4xxx)
// =============================================================================

// NewStorageWrite reports a failed durable write. Retryable.
func NewStorageWrite(target string, cause error) *Error {
	e := newError("CWM-4001", fmt.Sprintf("storage write failed for %s", target), true)
	e.Err = cause
	return e.with("target", target)
}

// NewStorageRead reports a failed read of data that should exist. Retryable.
func NewStorageRead(target string, cause error) *Error {
	e := newError("CWM-4002", fmt.Sprintf("storage read failed for %s", target), true)
	e.Err = cause
	return e.with("target", target)
}

// NewQuotaExceeded reports an admission that would exceed the byte budget.
// Not retryable: the same write will fail until space is freed.
func NewQuotaExceeded(requestedBytes, budgetBytes int64) *Error {
	e := newError("CWM-4003",
		fmt.Sprintf("storage quota exceeded: %d bytes requested, %d byte budget", requestedBytes, budgetBytes), false)
	e.with("requested_bytes", requestedBytes)
	return e.with("budget_bytes", budgetBytes)
}

// NewCorruption reports detected on-disk or in-store corruption.
func NewCorruption(detail string) *Error {
	return newError("CWM-4004", "storage corruption detected: "+detail, false)
}

// NewSchemaIncompatible reports a persisted schema or envelope version
// outside the supported range. Never coerced or migrated silently.
func NewSchemaIncompatible(found, minSupported, current int) *Error {
	e := newError("CWM-4005",
		fmt.Sprintf("schema version %d incompatible: supported range is %d to %d", found, minSupported, current), false)
	e.with("found_version", found)
	e.with("min_supported", minSupported)
	return e.with("current_version", current)
}

// =============================================================================
// Connectivity (CWM-5xxx)
// =============================================================================

// NewInferenceUnreachable reports a failed connection to the inference
// server. Retryable.
func NewInferenceUnreachable(endpoint string, cause error) *Error {
	e := newError("CWM-5001", "cannot reach inference server at "+endpoint, true)
	e.Err = cause
	return e.with("endpoint", endpoint)
}

// NewModelNotAvailable reports a model absent from the server's model list.
func NewModelNotAvailable(model string) *Error {
	e := newError("CWM-5003", fmt.Sprintf("model %q is not available", model), false)
	return e.with("model", model)
}

// =============================================================================
// Timeout (CWM-6xxx)
// =============================================================================

// NewInferenceTimeout reports an inference call exceeding its deadline.
// Retryable.
func NewInferenceTimeout(endpoint string, limit time.Duration) *Error {
	e := newError("CWM-6001",
		fmt.Sprintf("inference request to %s timed out after %s", endpoint, limit), true)
	e.with("endpoint", endpoint)
	return e.with("timeout", limit.String())
}

// NewOperationTimeout reports a local operation exceeding its deadline.
// Retryable.
func NewOperationTimeout(operation string, limit time.Duration) *Error {
	e := newError("CWM-6002",
		fmt.Sprintf("operation %q timed out after %s", operation, limit), true)
	e.with("operation", operation)
	return e.with("timeout", limit.String())
}

// =============================================================================
// Resource exhaustion (CWM-7xxx)
// =============================================================================

// NewMemoryExhausted reports insufficient memory for an operation.
func NewMemoryExhausted(requiredMB, availableMB float64) *Error {
	e := newError("CWM-7001",
		fmt.Sprintf("insufficient memory: need %.0fMB, have %.0fMB", requiredMB, availableMB), false)
	e.with("required_mb", requiredMB)
	return e.with("available_mb", availableMB)
}

// NewRateLimited reports a denied request with a suggested wait. Retryable.
func NewRateLimited(retryAfter time.Duration) *Error {
	e := newError("CWM-7002",
		fmt.Sprintf("rate limit exceeded, try again in %s", retryAfter.Round(time.Second)), true)
	e.RetryAfter = retryAfter
	return e.with("retry_after_seconds", int(retryAfter.Seconds()))
}

// NewConcurrencyLimit reports too many in-flight operations. Retryable.
func NewConcurrencyLimit(limit int) *Error {
	e := newError("CWM-7003",
		fmt.Sprintf("concurrency limit (%d) exceeded, try again later", limit), true)
	return e.with("limit", limit)
}

// =============================================================================
// Security (CWM-8xxx)
// =============================================================================

// NewAccessDenied reports a caller lacking permission. Never retryable.
func NewAccessDenied(operation, resource string) *Error {
	e := newError("CWM-8001", "access denied", false)
	e.with("operation", operation)
	return e.with("resource", resource)
}

// NewIsolationViolation reports a breached session isolation boundary.
// Never retryable; callers are expected to audit these.
func NewIsolationViolation(detail string) *Error {
	if detail == "" {
		detail = "session isolation violation detected"
	}
	return newError("CWM-8002", detail, false)
}

// =============================================================================
// Internal (CWM-9xxx)
// =============================================================================

// NewInternal wraps an unexpected failure.
func NewInternal(message string, cause error) *Error {
	if message == "" {
		message = "an internal error occurred"
	}
	e := newError("CWM-9001", message, false)
	e.Err = cause
	return e
}

// =============================================================================
// Predicates
// =============================================================================

// AsError unwraps err to the taxonomy type, if present anywhere in the chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the CWM code for err, or "CWM-9001" for foreign errors.
func CodeOf(err error) string {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return "CWM-9001"
}

// KindOf returns the error family for err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	if e, ok := AsError(err); ok {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err belongs to the given family.
func IsKind(err error, k Kind) bool {
	return KindOf(err) == k
}

// IsRetryable reports whether retrying the failed call may succeed.
// Foreign errors fall back to a conservative message scan, matching the
// common transient patterns surfaced by net and database drivers.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	msg := err.Error()
	for _, pattern := range []string{"timeout", "connection", "temporarily", "unavailable", "retry"} {
		if containsFold(msg, pattern) {
			return true
		}
	}
	return false
}

// containsFold is a case-insensitive substring test without allocations
// for the common ASCII case.
func containsFold(s, substr string) bool {
	n := len(substr)
	if n == 0 {
		return true
	}
	for i := 0; i+n <= len(s); i++ {
		if equalFoldASCII(s[i:i+n], substr) {
			return true
		}
	}
	return false
}

func equalFoldASCII(a, b string) bool {
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
