// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package security provides the input-hardening layer: per-client rate
// limiting and sanitization of free-text fields before they reach the
// registry or the block store. Identifier validation itself lives in the
// keys package; this package covers what identifier rules cannot,
// descriptions, tags, paths, and request rates.
package security

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig bounds request rates per client key (session id or
// remote address).
type RateLimitConfig struct {
	// PerMinute is the per-minute budget. The whole budget is available
	// as burst, refilled one token per minute/PerMinute.
	PerMinute int `yaml:"per_minute" json:"per_minute"`

	// PerHour is the hourly reservoir. A client draining it waits for
	// refill no matter how the requests were spaced.
	PerHour int `yaml:"per_hour" json:"per_hour"`
}

// DefaultRateLimitConfig returns the production limits.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		PerMinute: 60,
		PerHour:   1000,
	}
}

// clientLimiter pairs the two buckets governing one client.
type clientLimiter struct {
	minute   *rate.Limiter
	hour     *rate.Limiter
	lastSeen time.Time
}

// RateLimiter enforces a per-minute and a per-hour budget for each client
// key independently. Both budgets must have capacity for a request to be
// allowed; a denied request consumes from neither.
//
// Thread Safety: all methods are safe for concurrent use.
type RateLimiter struct {
	cfg RateLimitConfig

	mu      sync.Mutex
	clients map[string]*clientLimiter

	now func() time.Time
}

// NewRateLimiter wires a limiter. Nonpositive limits fall back to the
// defaults.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	def := DefaultRateLimitConfig()
	if cfg.PerMinute <= 0 {
		cfg.PerMinute = def.PerMinute
	}
	if cfg.PerHour <= 0 {
		cfg.PerHour = def.PerHour
	}
	return &RateLimiter{
		cfg:     cfg,
		clients: make(map[string]*clientLimiter),
		now:     time.Now,
	}
}

// Allow reports whether the client may proceed now. When denied, the
// second return value is how long the client should wait; callers surface
// it as a Retry-After hint.
func (l *RateLimiter) Allow(client string) (bool, time.Duration) {
	now := l.now()

	l.mu.Lock()
	c, ok := l.clients[client]
	if !ok {
		c = &clientLimiter{
			minute: rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.cfg.PerMinute)), l.cfg.PerMinute),
			hour:   rate.NewLimiter(rate.Every(time.Hour/time.Duration(l.cfg.PerHour)), l.cfg.PerHour),
		}
		l.clients[client] = c
	}
	c.lastSeen = now
	l.mu.Unlock()

	// Reserve on both buckets; cancel both if either would make us wait,
	// so a denial never burns tokens.
	resMinute := c.minute.ReserveN(now, 1)
	resHour := c.hour.ReserveN(now, 1)

	delay := resMinute.DelayFrom(now)
	if d := resHour.DelayFrom(now); d > delay {
		delay = d
	}
	if delay > 0 {
		resMinute.CancelAt(now)
		resHour.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Reset drops one client's counters.
func (l *RateLimiter) Reset(client string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.clients, client)
}

// ResetAll drops every client's counters.
func (l *RateLimiter) ResetAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clients = make(map[string]*clientLimiter)
}

// Prune removes clients idle for longer than idleFor and returns how many
// were removed. Long-running services call this periodically so the
// client map does not grow with every address ever seen.
func (l *RateLimiter) Prune(idleFor time.Duration) int {
	cutoff := l.now().Add(-idleFor)

	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for client, c := range l.clients {
		if c.lastSeen.Before(cutoff) {
			delete(l.clients, client)
			removed++
		}
	}
	return removed
}
