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
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianCache/services/cwm/security"
	"github.com/AleutianAI/AleutianCache/services/cwm/storage"
	"github.com/AleutianAI/AleutianCache/services/cwm/vllm"
)

// configValidate checks loaded configuration against the struct tags,
// including the tags declared inside the storage and vllm packages.
var configValidate = validator.New()

// Config is the context window manager's service configuration.
//
// Precedence, lowest to highest: DefaultConfig(), the YAML file, then
// CWM_-prefixed environment variables.
type Config struct {
	// RegistryPath is the SQLite database file for sessions, windows,
	// and the audit log.
	RegistryPath string `yaml:"registry_path" validate:"required"`

	// Storage selects and configures the block store backend.
	Storage storage.Config `yaml:"storage"`

	// VLLM configures the inference server connection used for model
	// compatibility checks and thaw-time cache warming.
	VLLM vllm.Config `yaml:"vllm"`

	// RateLimit bounds mutating API calls per client.
	RateLimit security.RateLimitConfig `yaml:"rate_limit"`
}

// Validate checks the configuration against its struct tags.
func (c Config) Validate() error {
	return configValidate.Struct(c)
}

// DefaultConfig returns the local single-node defaults: everything under
// ~/.cwm, a tiered memory-over-disk block store, and a vLLM server on
// localhost:8000.
func DefaultConfig() Config {
	cfg := Config{
		RegistryPath: filepath.Join(baseDir(), "cwm.db"),
		Storage:      storage.DefaultConfig(),
		VLLM:         vllm.DefaultConfig(),
		RateLimit:    security.DefaultRateLimitConfig(),
	}
	cfg.Storage.Disk.Root = filepath.Join(baseDir(), "storage")
	cfg.Storage.Badger.Path = filepath.Join(baseDir(), "badger")
	return cfg
}

// DefaultConfigPath returns ~/.cwm/cwm.yaml.
func DefaultConfigPath() string {
	return filepath.Join(baseDir(), "cwm.yaml")
}

// baseDir resolves ~/.cwm, falling back to a relative .cwm when the home
// directory cannot be determined.
func baseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cwm"
	}
	return filepath.Join(home, ".cwm")
}

// LoadConfig builds the effective configuration.
//
// # Description
//
// Starts from DefaultConfig(), overlays the YAML file at path when it
// exists, applies CWM_-prefixed environment overrides, and validates the
// result. A missing file is not an error so a fresh install runs on
// defaults alone; an unreadable or malformed file is.
//
// # Inputs
//
//   - path: YAML file location. Empty skips the file layer entirely.
//
// # Outputs
//
//   - Config: The effective configuration.
//   - error: Read, parse, or validation failure.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// Defaults plus environment apply.
		case err != nil:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides layers CWM_ environment variables over cfg. Only
// variables that are set and non-empty override.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CWM_REGISTRY_PATH"); v != "" {
		cfg.RegistryPath = v
	}
	if v := os.Getenv("CWM_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = storage.Backend(v)
	}
	if v := os.Getenv("CWM_STORAGE_ROOT"); v != "" {
		cfg.Storage.Disk.Root = v
	}
	if v := os.Getenv("CWM_BADGER_PATH"); v != "" {
		cfg.Storage.Badger.Path = v
	}
	if v := os.Getenv("CWM_VLLM_URL"); v != "" {
		cfg.VLLM.URL = v
	}
	if v := os.Getenv("CWM_VLLM_API_KEY"); v != "" {
		cfg.VLLM.APIKey = v
	}
}

// WriteDefault writes DefaultConfig() as YAML to path, creating parent
// directories. Used on first run so operators have a file to edit.
func WriteDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("encode default config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
