// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cwm is the context window manager service: the HTTP surface
// over the block store, the session registry, and the window
// consistency layer.
//
// A Service owns every long-lived component. Construction wires them
// from one Config; Close releases them in reverse order. Handlers in
// this package translate HTTP requests into calls on those components
// and map the error taxonomy onto status codes.
package cwm

import (
	"context"
	"errors"
	"log/slog"

	"github.com/AleutianAI/AleutianCache/services/cwm/registry"
	"github.com/AleutianAI/AleutianCache/services/cwm/security"
	"github.com/AleutianAI/AleutianCache/services/cwm/storage"
	"github.com/AleutianAI/AleutianCache/services/cwm/vllm"
	"github.com/AleutianAI/AleutianCache/services/cwm/windows"
)

// Service bundles the context window manager's components behind one
// lifecycle.
//
// # Thread Safety
//
// Safe for concurrent use after NewService returns. Close must not race
// in-flight requests; the server drains before calling it.
type Service struct {
	cfg       Config
	logger    *slog.Logger
	registry  *registry.Registry
	store     storage.Store
	inference *vllm.Client
	manager   *windows.Manager
	limiter   *security.RateLimiter
	watcher   *storage.IntegrityWatcher
}

// NewService wires a Service from cfg.
//
// # Description
//
// Opens the registry database, constructs the configured block store,
// dials nothing (the vLLM client is lazy), and builds the window
// manager over all three. When the warm tier keeps blocks as plain
// files, an integrity watcher is started over the storage root so
// external mutation of block or metadata files is flagged. A watcher
// failure degrades to a warning; everything else is fatal and already-
// opened components are closed before returning.
//
// # Inputs
//
//   - ctx: Bounds backend construction (GCS dialing) and the watcher.
//   - cfg: Validated configuration. Use LoadConfig.
//   - logger: Destination for service diagnostics. Nil means
//     slog.Default().
//
// # Outputs
//
//   - *Service: The ready service. Caller owns Close().
//   - error: Registry, store, or client construction failure.
func NewService(ctx context.Context, cfg Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}

	reg, err := registry.Open(cfg.RegistryPath, logger)
	if err != nil {
		return nil, err
	}

	scfg := cfg.Storage
	if scfg.Logger == nil {
		scfg.Logger = logger
	}
	store, err := storage.New(ctx, scfg)
	if err != nil {
		reg.Close()
		return nil, err
	}

	client, err := vllm.NewClient(cfg.VLLM, logger)
	if err != nil {
		store.Close()
		reg.Close()
		return nil, err
	}

	svc := &Service{
		cfg:       cfg,
		logger:    logger.With("component", "cwm_service"),
		registry:  reg,
		store:     store,
		inference: client,
		manager:   windows.NewManager(reg, store, client, logger),
		limiter:   security.NewRateLimiter(cfg.RateLimit),
	}
	svc.startWatcher(ctx)
	return svc, nil
}

// diskRoot returns the directory holding the file-backed tier, or empty
// when no tier keeps blocks as plain files.
func (s *Service) diskRoot() string {
	switch s.cfg.Storage.Backend {
	case storage.BackendDisk:
		return s.cfg.Storage.Disk.Root
	case storage.BackendTiered:
		switch s.cfg.Storage.Tiered.WarmBackend {
		case storage.BackendDisk, "":
			return s.cfg.Storage.Disk.Root
		}
	}
	return ""
}

// startWatcher attaches the integrity watcher to the file-backed tier.
// The watcher is advisory; a failure here never fails construction.
func (s *Service) startWatcher(ctx context.Context) {
	root := s.diskRoot()
	if root == "" {
		return
	}
	watcher, err := storage.NewIntegrityWatcher(root, s.logger, nil)
	if err != nil {
		s.logger.Warn("integrity watcher unavailable",
			slog.String("root", root), slog.Any("error", err))
		return
	}
	if err := watcher.Start(ctx); err != nil {
		s.logger.Warn("integrity watcher failed to start",
			slog.String("root", root), slog.Any("error", err))
		return
	}
	s.watcher = watcher
}

// Health probes every component and aggregates the outcome.
//
// The store and the registry are load-bearing, so either failing makes
// the service unhealthy. The inference server failing only degrades:
// freeze, clone, list, and delete work fully without it, and thaw
// completes with warnings.
func (s *Service) Health(ctx context.Context) HealthResponse {
	components := make(map[string]ComponentHealth, 3)

	storeOK := s.store.Health(ctx)
	components["store"] = probeResult(storeOK, "block store unavailable")

	registryOK := s.registry.Health(ctx)
	components["registry"] = probeResult(registryOK, "registry database unavailable")

	vllmOK := s.inference.Health(ctx)
	components["vllm"] = probeResult(vllmOK, "inference server unreachable at "+s.inference.BaseURL())

	status := HealthHealthy
	switch {
	case !storeOK || !registryOK:
		status = HealthUnhealthy
	case !vllmOK:
		status = HealthDegraded
	}
	return HealthResponse{
		Status:     status,
		Version:    ServiceVersion,
		Components: components,
	}
}

// probeResult renders one probe outcome.
func probeResult(ok bool, failDetail string) ComponentHealth {
	if ok {
		return ComponentHealth{Status: HealthHealthy}
	}
	return ComponentHealth{Status: HealthUnhealthy, Detail: failDetail}
}

// CacheStats snapshots the block store counters and, when reachable,
// the inference server's prefix cache counters.
func (s *Service) CacheStats(ctx context.Context) CacheStatsResponse {
	metrics := s.store.Metrics()
	stats := StoreStats{CacheMetrics: metrics, HitRate: metrics.HitRate()}
	if tiered, ok := s.store.(*storage.TieredStore); ok {
		stats.Demotions = tiered.Demotions()
		stats.Promotions = tiered.Promotions()
	}

	resp := CacheStatsResponse{Store: stats}
	server, err := s.inference.GetCacheStats(ctx)
	if err != nil {
		s.logger.Warn("prefix cache stats unavailable", slog.Any("error", err))
		return resp
	}
	resp.Server = &server
	return resp
}

// Config returns the effective configuration.
func (s *Service) Config() Config { return s.cfg }

// Manager returns the window consistency layer.
func (s *Service) Manager() *windows.Manager { return s.manager }

// Registry returns the session and window registry.
func (s *Service) Registry() *registry.Registry { return s.registry }

// Store returns the block store.
func (s *Service) Store() storage.Store { return s.store }

// Inference returns the vLLM client.
func (s *Service) Inference() *vllm.Client { return s.inference }

// Limiter returns the mutating-request rate limiter.
func (s *Service) Limiter() *security.RateLimiter { return s.limiter }

// TamperCount returns how many external file mutations the integrity
// watcher has flagged, or zero when no file-backed tier is watched.
func (s *Service) TamperCount() int64 {
	if s.watcher == nil {
		return 0
	}
	return s.watcher.TamperCount()
}

// Close releases every component in reverse construction order. Safe to
// call once; the server calls it after draining.
func (s *Service) Close() error {
	if s.watcher != nil {
		s.watcher.Stop()
	}
	var errs []error
	if err := s.store.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.registry.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
