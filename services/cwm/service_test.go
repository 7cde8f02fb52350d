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
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianCache/services/cwm/storage"
)

// clearConfigEnv blanks every CWM_ override so a test observes the
// layer under it. t.Setenv restores the originals on cleanup.
func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"CWM_REGISTRY_PATH", "CWM_STORAGE_BACKEND", "CWM_STORAGE_ROOT",
		"CWM_BADGER_PATH", "CWM_VLLM_URL", "CWM_VLLM_API_KEY",
	} {
		t.Setenv(key, "")
	}
}

// TestDefaultConfig verifies the single-node defaults land under ~/.cwm
// with the tiered store and a local inference server.
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "cwm.db", filepath.Base(cfg.RegistryPath))
	assert.Contains(t, cfg.RegistryPath, ".cwm")
	assert.Equal(t, storage.BackendTiered, cfg.Storage.Backend)
	assert.Equal(t, "storage", filepath.Base(cfg.Storage.Disk.Root))
	assert.Equal(t, "http://localhost:8000", cfg.VLLM.URL)
	assert.Equal(t, 60, cfg.RateLimit.PerMinute)
	assert.Equal(t, 1000, cfg.RateLimit.PerHour)
	assert.NoError(t, cfg.Validate())
}

// TestLoadConfig verifies the defaults / file / environment layering and
// that validation rejects a broken result.
func TestLoadConfig(t *testing.T) {
	t.Run("missing file falls back to defaults", func(t *testing.T) {
		clearConfigEnv(t)
		cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig().RegistryPath, cfg.RegistryPath)
		assert.Equal(t, storage.BackendTiered, cfg.Storage.Backend)
	})

	t.Run("empty path skips the file layer", func(t *testing.T) {
		clearConfigEnv(t)
		cfg, err := LoadConfig("")
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig().VLLM.URL, cfg.VLLM.URL)
	})

	t.Run("file overlays defaults", func(t *testing.T) {
		clearConfigEnv(t)
		path := filepath.Join(t.TempDir(), "cwm.yaml")
		require.NoError(t, os.WriteFile(path, []byte(
			"registry_path: /data/cwm.db\n"+
				"storage:\n  backend: memory\n"+
				"vllm:\n  url: http://gpu-box:8000\n"), 0600))

		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, "/data/cwm.db", cfg.RegistryPath)
		assert.Equal(t, storage.BackendMemory, cfg.Storage.Backend)
		assert.Equal(t, "http://gpu-box:8000", cfg.VLLM.URL)
		assert.Equal(t, 60, cfg.RateLimit.PerMinute, "untouched sections keep defaults")
	})

	t.Run("environment beats the file", func(t *testing.T) {
		clearConfigEnv(t)
		path := filepath.Join(t.TempDir(), "cwm.yaml")
		require.NoError(t, os.WriteFile(path, []byte("vllm:\n  url: http://from-file:8000\n"), 0600))
		t.Setenv("CWM_VLLM_URL", "http://from-env:8000")

		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, "http://from-env:8000", cfg.VLLM.URL)
	})

	t.Run("unknown backend is rejected", func(t *testing.T) {
		clearConfigEnv(t)
		path := filepath.Join(t.TempDir(), "cwm.yaml")
		require.NoError(t, os.WriteFile(path, []byte("storage:\n  backend: floppy\n"), 0600))

		_, err := LoadConfig(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid config")
	})

	t.Run("malformed yaml is rejected", func(t *testing.T) {
		clearConfigEnv(t)
		path := filepath.Join(t.TempDir(), "cwm.yaml")
		require.NoError(t, os.WriteFile(path, []byte("registry_path: [oops\n"), 0600))

		_, err := LoadConfig(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "parse config")
	})

	t.Run("written default round-trips", func(t *testing.T) {
		clearConfigEnv(t)
		path := filepath.Join(t.TempDir(), "nested", "cwm.yaml")
		require.NoError(t, WriteDefault(path))

		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), cfg)
	})
}

// TestServiceLifecycle verifies construction wires every component, the
// integrity watcher covers disk-backed stores only, and shutdown is
// repeatable.
func TestServiceLifecycle(t *testing.T) {
	t.Run("wires every component", func(t *testing.T) {
		svc := newTestService(t, "http://127.0.0.1:1", nil)

		assert.NotNil(t, svc.Manager())
		assert.NotNil(t, svc.Registry())
		assert.NotNil(t, svc.Store())
		assert.NotNil(t, svc.Inference())
		assert.NotNil(t, svc.Limiter())
		assert.NotEmpty(t, svc.Config().RegistryPath)
		assert.Nil(t, svc.watcher, "memory store has no files to watch")
	})

	t.Run("integrity watcher covers disk roots", func(t *testing.T) {
		root := t.TempDir()
		svc := newTestService(t, "http://127.0.0.1:1", func(cfg *Config) {
			cfg.Storage = storage.DefaultConfig()
			cfg.Storage.Disk.Root = filepath.Join(root, "blocks")
			cfg.Storage.Badger.Path = filepath.Join(root, "badger")
		})

		require.NotNil(t, svc.watcher)
		assert.Equal(t, 0, svc.TamperCount())
	})

	t.Run("close is repeatable", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.RegistryPath = filepath.Join(t.TempDir(), "cwm.db")
		cfg.Storage.Backend = storage.BackendMemory
		cfg.VLLM.URL = "http://127.0.0.1:1"
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))

		svc, err := NewService(context.Background(), cfg, logger)
		require.NoError(t, err)
		require.NoError(t, svc.Close())
		require.NoError(t, svc.Close())
	})

	t.Run("unusable registry path fails construction", func(t *testing.T) {
		blocker := filepath.Join(t.TempDir(), "blocker")
		require.NoError(t, os.WriteFile(blocker, []byte("x"), 0600))

		cfg := DefaultConfig()
		// The parent is a regular file, so the registry directory cannot
		// be created.
		cfg.RegistryPath = filepath.Join(blocker, "cwm.db")
		cfg.Storage.Backend = storage.BackendMemory
		cfg.VLLM.URL = "http://127.0.0.1:1"
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))

		_, err := NewService(context.Background(), cfg, logger)
		require.Error(t, err)
	})
}
