// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package windows

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultMaxContextTokens is the assumed context window size when the
// caller does not supply one.
const DefaultMaxContextTokens = 128000

// AutoFreezePolicy configures automatic context freezing.
type AutoFreezePolicy struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// TokenThreshold is the fraction of the context window (0-1) at which
	// a freeze triggers.
	TokenThreshold float64 `yaml:"token_threshold" json:"token_threshold"`

	// TokenCountThreshold is an absolute trigger, checked before the
	// fraction. Zero disables it.
	TokenCountThreshold int `yaml:"token_count_threshold" json:"token_count_threshold"`

	// Cooldown is the minimum gap between auto-freezes of one session.
	Cooldown time.Duration `yaml:"cooldown" json:"cooldown"`

	// WindowNamePattern names generated windows. Supports {session_id}
	// (truncated to 16 characters), {timestamp}, and {count}.
	WindowNamePattern string `yaml:"window_name_pattern" json:"window_name_pattern"`

	// Tags are applied to every auto-frozen window.
	Tags []string `yaml:"tags" json:"tags"`

	// IncludePrompt captures the conversation prefix in the freeze.
	IncludePrompt bool `yaml:"include_prompt" json:"include_prompt"`

	// MaxAutoWindows caps auto-freezes per session. Zero means unlimited.
	MaxAutoWindows int `yaml:"max_auto_windows" json:"max_auto_windows"`
}

// DefaultAutoFreezePolicy returns the policy defaults with auto-freeze
// disabled.
func DefaultAutoFreezePolicy() AutoFreezePolicy {
	return AutoFreezePolicy{
		Enabled:           false,
		TokenThreshold:    0.75,
		Cooldown:          60 * time.Second,
		WindowNamePattern: "auto-{session_id}-{timestamp}",
		Tags:              []string{"auto-freeze"},
		IncludePrompt:     true,
		MaxAutoWindows:    10,
	}
}

// AutoFreezeResult reports one auto-freeze check.
type AutoFreezeResult struct {
	Triggered  bool   `json:"triggered"`
	WindowName string `json:"window_name,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	Reason     string `json:"reason"`
	TokenCount int    `json:"token_count"`

	// ContextUsage is the fraction of the context window in use when the
	// check ran.
	ContextUsage float64 `json:"context_usage"`
}

// AutoFreezeManager triggers freezes when session token counts cross the
// policy thresholds, honoring per-session cooldowns and caps.
//
// Thread Safety: all methods are safe for concurrent use.
type AutoFreezeManager struct {
	windows          *Manager
	maxContextTokens int

	mu         sync.Mutex
	policy     AutoFreezePolicy
	lastFreeze map[string]time.Time
	counts     map[string]int

	now func() time.Time
}

// NewAutoFreezeManager wires the auto-freeze layer over a window manager.
// maxContextTokens at or below zero falls back to DefaultMaxContextTokens.
func NewAutoFreezeManager(m *Manager, policy AutoFreezePolicy, maxContextTokens int) *AutoFreezeManager {
	if maxContextTokens <= 0 {
		maxContextTokens = DefaultMaxContextTokens
	}
	return &AutoFreezeManager{
		windows:          m,
		maxContextTokens: maxContextTokens,
		policy:           policy,
		lastFreeze:       make(map[string]time.Time),
		counts:           make(map[string]int),
		now:              time.Now,
	}
}

// Policy returns the current policy.
func (a *AutoFreezeManager) Policy() AutoFreezePolicy {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.policy
}

// SetPolicy replaces the policy. Takes effect on the next check.
func (a *AutoFreezeManager) SetPolicy(p AutoFreezePolicy) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.policy = p
}

// CheckAndFreeze freezes the session if policy says its context usage
// warrants it.
//
// A declined check (disabled policy, threshold not reached, cooldown, or
// cap) returns a result with Triggered false and a nil error. A check that
// decided to freeze but failed returns the error alongside the untriggered
// result; tracking state is not advanced, so the next check retries.
func (a *AutoFreezeManager) CheckAndFreeze(ctx context.Context, sessionID string, tokenCount int, promptPrefix string) (AutoFreezeResult, error) {
	a.mu.Lock()
	policy := a.policy
	last, hasLast := a.lastFreeze[sessionID]
	count := a.counts[sessionID]
	a.mu.Unlock()

	usage := float64(tokenCount) / float64(a.maxContextTokens)
	result := AutoFreezeResult{
		SessionID:    sessionID,
		TokenCount:   tokenCount,
		ContextUsage: usage,
	}

	if !policy.Enabled {
		result.Reason = "auto-freeze is disabled"
		return result, nil
	}
	if !thresholdExceeded(policy, tokenCount, usage) {
		result.Reason = "token threshold not exceeded"
		return result, nil
	}
	if hasLast && a.now().Sub(last) < policy.Cooldown {
		result.Reason = "within cooldown period"
		return result, nil
	}
	if policy.MaxAutoWindows > 0 && count >= policy.MaxAutoWindows {
		result.Reason = fmt.Sprintf("auto-freeze cap of %d windows reached", policy.MaxAutoWindows)
		return result, nil
	}

	windowName := generateWindowName(policy.WindowNamePattern, sessionID, count+1, a.now().UTC())
	a.windows.logger.Info("auto-freeze triggered",
		"session_id", sessionID, "window_name", windowName, "context_usage", usage)

	prompt := promptPrefix
	if !policy.IncludePrompt {
		prompt = ""
	}
	_, err := a.windows.Freeze(ctx, sessionID, windowName, FreezeOptions{
		PromptPrefix: prompt,
		Description:  fmt.Sprintf("Auto-frozen at %.1f%% context usage", usage*100),
		Tags:         append([]string{}, policy.Tags...),
	})
	if err != nil {
		result.Reason = "freeze operation failed"
		return result, err
	}

	a.mu.Lock()
	a.lastFreeze[sessionID] = a.now()
	a.counts[sessionID] = count + 1
	a.mu.Unlock()

	result.Triggered = true
	result.WindowName = windowName
	result.Reason = fmt.Sprintf("context usage at %.1f%%", usage*100)
	return result, nil
}

// FreezeCount returns how many auto-freezes have run for a session.
func (a *AutoFreezeManager) FreezeCount(sessionID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counts[sessionID]
}

// ResetSession clears cooldown and count tracking for a session.
func (a *AutoFreezeManager) ResetSession(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.lastFreeze, sessionID)
	delete(a.counts, sessionID)
}

// thresholdExceeded applies the absolute trigger first, then the
// fractional one.
func thresholdExceeded(policy AutoFreezePolicy, tokenCount int, usage float64) bool {
	if policy.TokenCountThreshold > 0 && tokenCount >= policy.TokenCountThreshold {
		return true
	}
	return usage >= policy.TokenThreshold
}

// generateWindowName expands the policy's naming pattern.
func generateWindowName(pattern, sessionID string, count int, now time.Time) string {
	sid := sessionID
	if len(sid) > 16 {
		sid = sid[:16]
	}
	name := strings.ReplaceAll(pattern, "{session_id}", sid)
	name = strings.ReplaceAll(name, "{timestamp}", now.Format(windowTimestampLayout))
	name = strings.ReplaceAll(name, "{count}", strconv.Itoa(count))
	return name
}
