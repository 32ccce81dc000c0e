// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides unified configuration loading and management for voiceforge.
//
// Supports both TOML and JSON configuration formats, with sensible defaults,
// environment variable overrides, and validation.
//
// # Key Types
//
//   - Config: Main configuration structure with all settings
//   - ServerConfig: Local REST API binding, auth token, rate limiting
//   - SetupConfig: Release server URL and download bandwidth cap
//   - EngineConfig: Synthesis engine port, model, and device selection
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (VOICEFORGE_*)
//   - ~/.voiceforge/config.toml
//   - ~/.voiceforge/config.json
//   - Built-in defaults
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Access settings:
//
//	port := cfg.Server.Port
//	dataDir := cfg.Paths.DataDir
package config
