// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability defines the Prometheus instruments for the
// context window manager. Every metric shares the "aleutian" namespace
// and "cwm" subsystem and is registered with the default registerer
// exactly once per process.
//
// Recording helpers are package functions so call sites stay one line.
// Each helper initializes the instrument set on first use; calling
// InitMetrics at startup is still recommended so the scalar series
// exist before the first scrape.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics for Context Window Operations
// =============================================================================

var (
	// requestsTotal counts context window operations by outcome.
	// Labels: operation (freeze, thaw, clone, ...), status ("ok" or an error code)
	requestsTotal *prometheus.CounterVec

	// blocksStoredTotal counts KV blocks written, by landing tier.
	// Labels: tier (hot, warm, cold)
	blocksStoredTotal *prometheus.CounterVec

	// blocksRetrievedTotal counts KV block lookups by serving tier and
	// result. Misses belong to no tier and carry tier "none".
	// Labels: tier (hot, warm, cold, none), result (hit, miss)
	blocksRetrievedTotal *prometheus.CounterVec

	// storeBytes tracks the bytes currently resident in each tier.
	// Labels: tier (hot, warm, cold)
	storeBytes *prometheus.GaugeVec

	// demotionsTotal counts blocks moved hot to warm under cap pressure.
	demotionsTotal prometheus.Counter

	// promotionsTotal counts blocks copied up a tier on access.
	promotionsTotal prometheus.Counter

	// freezeDuration records the latency of completed freeze operations.
	freezeDuration prometheus.Histogram

	// thawDuration records the latency of completed thaw operations,
	// cache warming included.
	thawDuration prometheus.Histogram

	// verificationFailures counts blocks that failed post-store
	// verification: expected by a window manifest but missing, or
	// mutated on disk behind the store.
	verificationFailures prometheus.Counter

	// registryQueriesTotal counts registry read queries.
	// Labels: kind (sessions, windows, audit, lineage, stats)
	registryQueriesTotal *prometheus.CounterVec

	// rateLimitedTotal counts requests rejected by per-client rate limits.
	rateLimitedTotal prometheus.Counter

	metricsOnce sync.Once
)

// InitMetrics registers every instrument with the default Prometheus
// registerer. Safe to call multiple times; only the first call
// registers. The recording helpers below call it themselves, so the
// only reason to call it directly is to have all series present at
// process start.
func InitMetrics() {
	metricsOnce.Do(func() {
		requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aleutian",
			Subsystem: "cwm",
			Name:      "requests_total",
			Help:      "Total context window operations by outcome",
		}, []string{"operation", "status"})

		blocksStoredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aleutian",
			Subsystem: "cwm",
			Name:      "blocks_stored_total",
			Help:      "Total KV blocks written by tier",
		}, []string{"tier"})

		blocksRetrievedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aleutian",
			Subsystem: "cwm",
			Name:      "blocks_retrieved_total",
			Help:      "Total KV block lookups by tier and result",
		}, []string{"tier", "result"})

		storeBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "aleutian",
			Subsystem: "cwm",
			Name:      "store_bytes",
			Help:      "Bytes currently resident per storage tier",
		}, []string{"tier"})

		demotionsTotal = promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "aleutian",
			Subsystem: "cwm",
			Name:      "demotions_total",
			Help:      "Total blocks demoted from the hot tier to the warm tier",
		})

		promotionsTotal = promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "aleutian",
			Subsystem: "cwm",
			Name:      "promotions_total",
			Help:      "Total blocks promoted up a storage tier on access",
		})

		freezeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "aleutian",
			Subsystem: "cwm",
			Name:      "freeze_duration_seconds",
			Help:      "Latency of completed freeze operations in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		})

		thawDuration = promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "aleutian",
			Subsystem: "cwm",
			Name:      "thaw_duration_seconds",
			Help:      "Latency of completed thaw operations in seconds, cache warming included",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		})

		verificationFailures = promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "aleutian",
			Subsystem: "cwm",
			Name:      "verification_failures_total",
			Help:      "Total blocks that failed storage verification",
		})

		registryQueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aleutian",
			Subsystem: "cwm",
			Name:      "registry_queries_total",
			Help:      "Total registry read queries by kind",
		}, []string{"kind"})

		rateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "aleutian",
			Subsystem: "cwm",
			Name:      "rate_limited_total",
			Help:      "Total requests rejected by per-client rate limiting",
		})
	})
}

// =============================================================================
// Metrics Recording Functions
// =============================================================================

// RecordRequest records one context window operation.
//
// Inputs:
//
//	operation - The operation name (e.g. "freeze", "thaw", "clone").
//	status - "ok" on success, the error code otherwise.
func RecordRequest(operation, status string) {
	InitMetrics()
	requestsTotal.WithLabelValues(operation, status).Inc()
}

// RecordBlocksStored records blocks written to a tier.
//
// Inputs:
//
//	tier - "hot", "warm", or "cold".
//	n - The number of blocks written.
func RecordBlocksStored(tier string, n int) {
	if n <= 0 {
		return
	}
	InitMetrics()
	blocksStoredTotal.WithLabelValues(tier).Add(float64(n))
}

// RecordBlocksRetrieved records block lookups against a tier.
//
// Inputs:
//
//	tier - The serving tier, or "none" for misses.
//	result - "hit" or "miss".
//	n - The number of blocks.
func RecordBlocksRetrieved(tier, result string, n int) {
	if n <= 0 {
		return
	}
	InitMetrics()
	blocksRetrievedTotal.WithLabelValues(tier, result).Add(float64(n))
}

// SetStoreBytes publishes the bytes currently resident in a tier.
//
// Inputs:
//
//	tier - "hot", "warm", or "cold".
//	bytes - The tier's resident byte count.
func SetStoreBytes(tier string, bytes int64) {
	InitMetrics()
	storeBytes.WithLabelValues(tier).Set(float64(bytes))
}

// RecordDemotion records one block demoted hot to warm.
func RecordDemotion() {
	InitMetrics()
	demotionsTotal.Inc()
}

// RecordPromotion records one block promoted up a tier.
func RecordPromotion() {
	InitMetrics()
	promotionsTotal.Inc()
}

// RecordFreezeDuration records the latency of a completed freeze.
//
// Inputs:
//
//	seconds - Duration in seconds.
func RecordFreezeDuration(seconds float64) {
	InitMetrics()
	freezeDuration.Observe(seconds)
}

// RecordThawDuration records the latency of a completed thaw.
//
// Inputs:
//
//	seconds - Duration in seconds.
func RecordThawDuration(seconds float64) {
	InitMetrics()
	thawDuration.Observe(seconds)
}

// RecordVerificationFailures records blocks that failed verification.
//
// Inputs:
//
//	n - The number of failing blocks.
func RecordVerificationFailures(n int) {
	if n <= 0 {
		return
	}
	InitMetrics()
	verificationFailures.Add(float64(n))
}

// RecordRegistryQuery records one registry read query.
//
// Inputs:
//
//	kind - "sessions", "windows", "audit", "lineage", or "stats".
func RecordRegistryQuery(kind string) {
	InitMetrics()
	registryQueriesTotal.WithLabelValues(kind).Inc()
}

// RecordRateLimited records one request rejected by rate limiting.
func RecordRateLimited() {
	InitMetrics()
	rateLimitedTotal.Inc()
}
