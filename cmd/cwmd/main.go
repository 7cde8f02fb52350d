// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command cwmd starts the Aleutian Context Window Manager API server.
//
// The context window manager freezes a session's KV-cache footprint into
// named windows, thaws them into fresh sessions, and clones them for
// parallel exploration, backed by a tiered block store and a SQLite
// registry.
//
// Usage:
//
//	go run ./cmd/cwmd
//	go run ./cmd/cwmd -port 9090
//	go run ./cmd/cwmd -config /etc/cwm/cwm.yaml -debug
//
// Configuration is layered: built-in defaults, then the YAML file, then
// CWM_-prefixed environment variables. A missing config file runs on
// defaults, storing everything under ~/.cwm.
//
// Example requests:
//
//	# Health check
//	curl http://localhost:8090/v1/cwm/health
//
//	# Freeze the current session into a named window
//	curl -X POST http://localhost:8090/v1/cwm/freeze \
//	  -H "Content-Type: application/json" \
//	  -d '{"session_id": "chat-1", "window_name": "experiment-base"}'
//
//	# Thaw it back into a new session
//	curl -X POST http://localhost:8090/v1/cwm/thaw \
//	  -H "Content-Type: application/json" \
//	  -d '{"window_name": "experiment-base"}'
//
//	# Browse windows
//	curl 'http://localhost:8090/v1/cwm/windows?tags=experiment&sort_by=created_at'
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianCache/pkg/logging"
	"github.com/AleutianAI/AleutianCache/services/cwm"
	"github.com/AleutianAI/AleutianCache/services/cwm/observability"
	"github.com/AleutianAI/AleutianCache/services/cwm/telemetry"
)

const shutdownTimeout = 10 * time.Second

func main() {
	port := flag.Int("port", 8090, "Port to listen on")
	debug := flag.Bool("debug", false, "Enable debug mode")
	configPath := flag.String("config", cwm.DefaultConfigPath(), "Path to the YAML config file")
	quiet := flag.Bool("quiet", false, "Suppress stderr logging (file log only)")
	flag.Parse()

	// Set Gin mode
	if *debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	level := logging.LevelInfo
	if *debug {
		level = logging.LevelDebug
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  "~/.cwm/logs",
		Service: "cwmd",
		Quiet:   *quiet,
	})
	defer logger.Close()
	// Handlers log through the default logger with per-request context.
	slog.SetDefault(logger.Slog())

	cfg, err := cwm.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Telemetry is advisory; the server runs without an OTel collector.
	telemetryShutdown, err := telemetry.Init(context.Background(), telemetry.DefaultConfig())
	if err != nil {
		slog.Warn("Telemetry init failed, continuing without traces",
			slog.String("error", err.Error()))
		telemetryShutdown = func(context.Context) error { return nil }
	}
	observability.InitMetrics()

	svc, err := cwm.NewService(context.Background(), cfg, logger.Slog())
	if err != nil {
		slog.Error("Failed to start service", slog.String("error", err.Error()))
		os.Exit(1)
	}

	handlers := cwm.NewHandlers(svc)

	// Setup router
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("cwmd"))
	if *debug {
		router.Use(gin.Logger())
	}

	v1 := router.Group("/v1")
	cwm.RegisterRoutes(v1, handlers)

	if metricsHandler := telemetry.MetricsHandler(); metricsHandler != nil {
		router.GET("/metrics", gin.WrapH(metricsHandler))
	}

	printBanner(*port, cfg)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", *port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Starting Aleutian CWM server", slog.String("address", srv.Addr))
		serveErr <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Shutting down Aleutian CWM server", slog.String("signal", sig.String()))
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", slog.String("error", err.Error()))
			cleanup(svc, telemetryShutdown)
			os.Exit(1)
		}
	}

	// Drain in-flight requests before tearing the service down.
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Forced shutdown with requests in flight", slog.String("error", err.Error()))
	}
	cleanup(svc, telemetryShutdown)
}

func cleanup(svc *cwm.Service, telemetryShutdown func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := svc.Close(); err != nil {
		slog.Error("Service shutdown error", slog.String("error", err.Error()))
	}
	if err := telemetryShutdown(ctx); err != nil {
		slog.Warn("Telemetry shutdown error", slog.String("error", err.Error()))
	}
}

func printBanner(port int, cfg cwm.Config) {
	banner := `
╔═══════════════════════════════════════════════════════════════════╗
║                 ALEUTIAN CONTEXT WINDOW MANAGER                   ║
╠═══════════════════════════════════════════════════════════════════╣
║                                                                   ║
║  Freeze, thaw, and clone LLM context windows backed by a          ║
║  tiered KV-cache block store.                                     ║
║                                                                   ║
║  Version:  %-54s ║
║  Storage:  %-54s ║
║  vLLM:     %-54s ║
║                                                                   ║
║  Quick Start:                                                     ║
║  ┌─────────────────────────────────────────────────────────────┐  ║
║  │ # Health check                                              │  ║
║  │ curl http://localhost:%-5d/v1/cwm/health                   │  ║
║  │                                                             │  ║
║  │ # Freeze a session into a window                            │  ║
║  │ curl -X POST http://localhost:%-5d/v1/cwm/freeze \         │  ║
║  │   -H "Content-Type: application/json" \                     │  ║
║  │   -d '{"session_id": "chat-1", "window_name": "base"}'      │  ║
║  │                                                             │  ║
║  │ # List frozen windows                                       │  ║
║  │ curl http://localhost:%-5d/v1/cwm/windows                  │  ║
║  └─────────────────────────────────────────────────────────────┘  ║
║                                                                   ║
║  Endpoints:                                                       ║
║  ├── Windows: /freeze, /thaw, /clone, /windows, /windows/:name    ║
║  ├── Sessions: /sessions, /sessions/:id, /sessions/:id/expire     ║
║  ├── Ops: /health, /audit, /cache/stats                           ║
║  └── Metrics: /metrics (Prometheus)                               ║
║                                                                   ║
║  Press Ctrl+C to stop                                             ║
╚═══════════════════════════════════════════════════════════════════╝
`
	fmt.Printf(banner, cwm.ServiceVersion, cfg.Storage.Backend, cfg.VLLM.URL, port, port, port)
}
