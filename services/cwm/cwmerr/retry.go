// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cwmerr

import (
	"context"
	"errors"
	"io/fs"
	"math/rand"
	"net"
	"time"
)

// MaxRetryDelay caps the computed backoff.
const MaxRetryDelay = 60 * time.Second

// RetryDelay computes the exponential backoff before attempt N (0-indexed):
// base * 2^attempt plus a uniform 0-25% jitter, capped at MaxRetryDelay.
//
// If err carries an explicit RetryAfter (rate limits), that value wins when
// it exceeds the computed delay.
func RetryDelay(err error, attempt int, base time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt > 16 {
		attempt = 16 // 2^16 already saturates the cap for any sane base
	}
	delay := base << uint(attempt)
	if delay <= 0 || delay > MaxRetryDelay {
		delay = MaxRetryDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	delay += jitter
	if delay > MaxRetryDelay {
		delay = MaxRetryDelay
	}
	if e, ok := AsError(err); ok && e.RetryAfter > delay {
		delay = e.RetryAfter
	}
	return delay
}

// Classify converts any error into a taxonomy Error so that every failure
// surfaced to a client carries a code and a retryable flag. Taxonomy errors
// pass through unchanged.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := AsError(err); ok {
		return e
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewOperationTimeout("unknown", 0)
	case errors.Is(err, fs.ErrNotExist):
		return NewStorageRead("unknown", err)
	case errors.Is(err, fs.ErrPermission):
		return NewAccessDenied("file_operation", "unknown")
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			e := NewOperationTimeout("network", 0)
			e.Err = err
			return e
		}
		return NewInferenceUnreachable("unknown", err)
	}
	return NewInternal("unexpected error: "+err.Error(), err)
}

// userMessages maps codes to friendly, actionable text that never exposes
// internals. Codes absent from the map fall back to the error string.
var userMessages = map[string]string{
	"CWM-1001": "Please use alphanumeric characters, hyphens, and underscores for the session ID.",
	"CWM-1002": "Please use alphanumeric characters, hyphens, and underscores for the window name.",
	"CWM-1003": "One of the parameters has an invalid value. Please check your input.",
	"CWM-2001": "The session you referenced doesn't exist. It may have expired or been deleted.",
	"CWM-2002": "The window you're looking for doesn't exist. List windows to see what's available.",
	"CWM-2003": "Some cached data is no longer available. The context may need to be recreated.",
	"CWM-3001": "This operation isn't allowed in the current state. Check session/window status first.",
	"CWM-3002": "This session is already frozen. Thaw it first.",
	"CWM-3003": "A window with this name already exists. Please choose a different name.",
	"CWM-4001": "Failed to save your data. Please try again or check available storage.",
	"CWM-4002": "Failed to load the requested data. It may be corrupted or missing.",
	"CWM-4003": "Storage limit reached. Delete some windows to free up space.",
	"CWM-4004": "The stored data appears corrupted. You may need to recreate this context.",
	"CWM-4005": "The stored data was written by an incompatible version.",
	"CWM-5001": "Cannot connect to the inference server. Check that vLLM is running.",
	"CWM-5003": "The requested model is not available. Check loaded models.",
	"CWM-6001": "The request took too long. Try a smaller context or check server load.",
	"CWM-6002": "The operation timed out. Please try again.",
	"CWM-7001": "Not enough memory available. Try freeing up resources.",
	"CWM-7002": "Too many requests. Please wait a moment and try again.",
	"CWM-7003": "Too many concurrent operations. Please wait for others to complete.",
	"CWM-8001": "You don't have permission for this operation.",
	"CWM-8002": "Security violation detected. This incident has been logged.",
	"CWM-9001": "An unexpected error occurred. Please try again or report this issue.",
}

// UserMessage returns end-user text for err.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if msg, ok := userMessages[CodeOf(err)]; ok {
		return msg
	}
	return err.Error()
}
