// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides unified configuration loading and management for voiceforge.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/jeranaias/voiceforge/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete voiceforge configuration.
type Config struct {
	// Version of the config schema
	Version string `toml:"version" json:"version"`

	// Server configuration for the local REST API
	Server ServerConfig `toml:"server" json:"server"`

	// Setup configuration for first-run installation
	Setup SetupConfig `toml:"setup" json:"setup"`

	// Engine configuration for the synthesis process
	Engine EngineConfig `toml:"engine" json:"engine"`

	// Paths configuration
	Paths PathsConfig `toml:"paths" json:"paths"`

	// History configuration
	History HistoryConfig `toml:"history" json:"history"`
}

// ServerConfig contains the local REST API configuration.
type ServerConfig struct {
	// Host to bind. The API is local-only; loopback addresses are the
	// only accepted values.
	Host string `toml:"host" json:"host"`
	// Port for the REST API (default: 8790)
	Port int `toml:"port" json:"port"`
	// AuthToken is an optional bearer token. Empty disables auth, which
	// is acceptable on a loopback-only listener.
	AuthToken string `toml:"auth_token" json:"auth_token"`
	// RateLimitPerMin caps requests per client per minute (0 = unlimited)
	RateLimitPerMin int `toml:"rate_limit_per_min" json:"rate_limit_per_min"`
}

// SetupConfig contains first-run installation configuration.
type SetupConfig struct {
	// BaseURL of the release server publishing the manifest and archives
	BaseURL string `toml:"base_url" json:"base_url"`
	// MaxBandwidthMBps caps download speed in megabytes per second
	// (0 = unlimited)
	MaxBandwidthMBps float64 `toml:"max_bandwidth_mbps" json:"max_bandwidth_mbps"`
}

// EngineConfig contains synthesis engine configuration.
type EngineConfig struct {
	// Port the engine listens on (default: 8791)
	Port int `toml:"port" json:"port"`
	// Model is the installed model directory name (default: "aria")
	Model string `toml:"model" json:"model"`
	// UseGPU runs inference on CUDA instead of CPU
	UseGPU bool `toml:"use_gpu" json:"use_gpu"`
	// SynthesisTimeoutSecs bounds one synthesis request (default: 300)
	SynthesisTimeoutSecs int `toml:"synthesis_timeout_secs" json:"synthesis_timeout_secs"`
}

// PathsConfig contains filesystem locations.
type PathsConfig struct {
	// DataDir holds the runtime, models, voices, output, and databases
	// (default: ~/.voiceforge, or VOICEFORGE_DATA_DIR)
	DataDir string `toml:"data_dir" json:"data_dir"`
}

// HistoryConfig contains generation history configuration.
type HistoryConfig struct {
	// MaxEntries bounds the history table; older rows are pruned
	// (0 = unlimited)
	MaxEntries int `toml:"max_entries" json:"max_entries"`
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Version: "1.0.0",

		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8790,
			AuthToken:       "",
			RateLimitPerMin: 120,
		},

		Setup: SetupConfig{
			BaseURL:          "https://releases.voiceforge.dev/v3",
			MaxBandwidthMBps: 0, // unlimited
		},

		Engine: EngineConfig{
			Port:                 8791,
			Model:                "aria",
			UseGPU:               false,
			SynthesisTimeoutSecs: 300,
		},

		Paths: PathsConfig{
			DataDir: "", // resolved by fillDefaults
		},

		History: HistoryConfig{
			MaxEntries: 500,
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the voiceforge data directory path. VOICEFORGE_DATA_DIR
// overrides the default so the config file moves with the data.
func ConfigDir() (string, error) {
	if dir := os.Getenv("VOICEFORGE_DATA_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".voiceforge"), nil
}

// ConfigPathTOML returns the path to the TOML config file.
func ConfigPathTOML() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ConfigPathJSON returns the path to the JSON config file.
func ConfigPathJSON() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// EnsureConfigDir ensures the config directory exists.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0755)
}

// ensureSecurePermissions checks and fixes permissions on config files.
// SECURITY: Config files should be 0600 (owner read/write only) to protect the auth token.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	mode := info.Mode().Perm()
	if mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}

	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from the config file(s).
// Tries TOML first, then JSON, and falls back to defaults.
// Environment overrides are applied last.
func Load() (*Config, error) {
	cfg := Default()
	var loadErr error

	// Try TOML first
	tomlPath, err := ConfigPathTOML()
	if err == nil {
		if _, statErr := os.Stat(tomlPath); statErr == nil {
			if err := LoadTOML(cfg, tomlPath); err != nil {
				loadErr = fmt.Errorf("failed to load TOML config: %w", err)
			} else {
				return finishLoad(cfg)
			}
		}
	}

	// Try JSON as fallback
	jsonPath, err := ConfigPathJSON()
	if err == nil {
		if _, statErr := os.Stat(jsonPath); statErr == nil {
			if err := LoadJSON(cfg, jsonPath); err != nil {
				loadErr = fmt.Errorf("failed to load JSON config: %w", err)
			} else {
				return finishLoad(cfg)
			}
		}
	}

	// Defaults only (with any load error for informational purposes)
	cfg, err = finishLoad(cfg)
	if err != nil {
		return nil, err
	}
	return cfg, loadErr
}

// finishLoad applies env overrides, fills defaults, and validates.
func finishLoad(cfg *Config) (*Config, error) {
	cfg.ApplyEnvOverrides()
	if err := fillDefaults(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadTOML loads configuration from a TOML file.
// SECURITY: Checks and fixes file permissions on load.
func LoadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		// Permissions might not be fixable on all filesystems
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	return nil
}

// LoadJSON loads configuration from a JSON file.
// SECURITY: Checks and fixes file permissions on load.
func LoadJSON(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read JSON file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode JSON file: %w", err)
	}
	return nil
}

// LoadFromPath loads configuration from a specific file path with full validation.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	if strings.HasSuffix(path, ".json") {
		if err := LoadJSON(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load JSON config from %s: %w", path, err)
		}
	} else {
		// Default to TOML
		if err := LoadTOML(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load TOML config from %s: %w", path, err)
		}
	}

	return finishLoad(cfg)
}

// fillDefaults fills in any missing values with defaults.
func fillDefaults(cfg *Config) error {
	defaults := Default()

	if cfg.Version == "" {
		cfg.Version = defaults.Version
	}

	// Server
	if cfg.Server.Host == "" {
		cfg.Server.Host = defaults.Server.Host
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}

	// Setup
	if cfg.Setup.BaseURL == "" {
		cfg.Setup.BaseURL = defaults.Setup.BaseURL
	}

	// Engine
	if cfg.Engine.Port == 0 {
		cfg.Engine.Port = defaults.Engine.Port
	}
	if cfg.Engine.Model == "" {
		cfg.Engine.Model = defaults.Engine.Model
	}
	if cfg.Engine.SynthesisTimeoutSecs == 0 {
		cfg.Engine.SynthesisTimeoutSecs = defaults.Engine.SynthesisTimeoutSecs
	}

	// Paths
	if cfg.Paths.DataDir == "" {
		dir, err := ConfigDir()
		if err != nil {
			return err
		}
		cfg.Paths.DataDir = dir
	}

	return nil
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save saves the configuration to the default TOML file.
func Save(cfg *Config) error {
	path, err := ConfigPathTOML()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML saves the configuration to a TOML file.
// SECURITY: Creates config files with 0600 permissions (owner read/write only).
func SaveTOML(cfg *Config, path string) error {
	if err := EnsureConfigDir(); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	// Ensure permissions are correct even if the file already existed
	if err := os.Chmod(path, 0600); err != nil {
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}

	fmt.Fprintln(file, "# voiceforge configuration file")
	fmt.Fprintln(file, "# Generated by voiceforge - edit with care")
	fmt.Fprintln(file, "#")
	fmt.Fprintln(file, "# Documentation: https://github.com/jeranaias/voiceforge")
	fmt.Fprintln(file, "")

	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return nil
}

// SaveJSON saves the configuration to a JSON file.
// SECURITY: Creates config files with 0600 permissions (owner read/write only).
// RELIABILITY: Atomic write with fsync prevents data loss on crash
func SaveJSON(cfg *Config, path string) error {
	if err := EnsureConfigDir(); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := util.AtomicWriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	var errs ValidateErrors

	// The API surface is local-only. Anything beyond loopback is a
	// misconfiguration, not an option.
	validHosts := map[string]bool{"127.0.0.1": true, "localhost": true, "::1": true}
	if !validHosts[strings.ToLower(c.Server.Host)] {
		errs = append(errs, ValidationError{
			Field:   "server.host",
			Message: fmt.Sprintf("invalid host '%s', must be one of: 127.0.0.1, localhost, ::1", c.Server.Host),
		})
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("must be 1-65535, got %d", c.Server.Port),
		})
	}
	if c.Engine.Port < 1 || c.Engine.Port > 65535 {
		errs = append(errs, ValidationError{
			Field:   "engine.port",
			Message: fmt.Sprintf("must be 1-65535, got %d", c.Engine.Port),
		})
	}
	if c.Server.Port == c.Engine.Port {
		errs = append(errs, ValidationError{
			Field:   "engine.port",
			Message: fmt.Sprintf("must differ from server.port, both are %d", c.Engine.Port),
		})
	}

	if c.Server.RateLimitPerMin < 0 {
		errs = append(errs, ValidationError{
			Field:   "server.rate_limit_per_min",
			Message: "must be non-negative",
		})
	}

	if c.Setup.BaseURL != "" {
		u, err := url.Parse(c.Setup.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, ValidationError{
				Field:   "setup.base_url",
				Message: fmt.Sprintf("invalid URL '%s', must be http(s)", c.Setup.BaseURL),
			})
		}
	}

	if c.Setup.MaxBandwidthMBps < 0 {
		errs = append(errs, ValidationError{
			Field:   "setup.max_bandwidth_mbps",
			Message: "must be non-negative",
		})
	}

	// The model name becomes a directory under DataDir/models
	if strings.ContainsAny(c.Engine.Model, `/\`) || c.Engine.Model == "" {
		errs = append(errs, ValidationError{
			Field:   "engine.model",
			Message: fmt.Sprintf("invalid model name '%s'", c.Engine.Model),
		})
	}

	if c.Engine.SynthesisTimeoutSecs < 10 || c.Engine.SynthesisTimeoutSecs > 3600 {
		errs = append(errs, ValidationError{
			Field:   "engine.synthesis_timeout_secs",
			Message: fmt.Sprintf("must be 10-3600, got %d", c.Engine.SynthesisTimeoutSecs),
		})
	}

	if c.History.MaxEntries < 0 {
		errs = append(errs, ValidationError{
			Field:   "history.max_entries",
			Message: "must be non-negative",
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - VOICEFORGE_DATA_DIR: overrides paths.data_dir
//   - VOICEFORGE_BASE_URL: overrides setup.base_url
//   - VOICEFORGE_PORT: overrides server.port
//   - VOICEFORGE_ENGINE_PORT: overrides engine.port
//   - VOICEFORGE_AUTH_TOKEN: overrides server.auth_token
//   - VOICEFORGE_MODEL: overrides engine.model
//   - VOICEFORGE_USE_GPU: set to "1" or "true" to enable GPU inference
func (c *Config) ApplyEnvOverrides() {
	if dir := os.Getenv("VOICEFORGE_DATA_DIR"); dir != "" {
		c.Paths.DataDir = dir
	}

	if baseURL := os.Getenv("VOICEFORGE_BASE_URL"); baseURL != "" {
		c.Setup.BaseURL = baseURL
	}

	if port := os.Getenv("VOICEFORGE_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}

	if port := os.Getenv("VOICEFORGE_ENGINE_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Engine.Port = p
		}
	}

	if token := os.Getenv("VOICEFORGE_AUTH_TOKEN"); token != "" {
		c.Server.AuthToken = token
	}

	if model := os.Getenv("VOICEFORGE_MODEL"); model != "" {
		c.Engine.Model = model
	}

	if gpu := os.Getenv("VOICEFORGE_USE_GPU"); gpu != "" {
		c.Engine.UseGPU = gpu == "1" || strings.ToLower(gpu) == "true"
	}
}

// =============================================================================
// COPY AND MERGE
// =============================================================================

// Clone returns an independent copy of the configuration.
func (c *Config) Clone() *Config {
	// All fields are value types, a shallow copy is a full copy
	clone := *c
	return &clone
}

// Merge merges another config into this one, overwriting only non-zero values.
// Used for partial updates from the settings API.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.Version != "" {
		c.Version = other.Version
	}

	// Server
	if other.Server.Host != "" {
		c.Server.Host = other.Server.Host
	}
	if other.Server.Port != 0 {
		c.Server.Port = other.Server.Port
	}
	if other.Server.AuthToken != "" {
		c.Server.AuthToken = other.Server.AuthToken
	}
	if other.Server.RateLimitPerMin != 0 {
		c.Server.RateLimitPerMin = other.Server.RateLimitPerMin
	}

	// Setup
	if other.Setup.BaseURL != "" {
		c.Setup.BaseURL = other.Setup.BaseURL
	}
	if other.Setup.MaxBandwidthMBps != 0 {
		c.Setup.MaxBandwidthMBps = other.Setup.MaxBandwidthMBps
	}

	// Engine
	if other.Engine.Port != 0 {
		c.Engine.Port = other.Engine.Port
	}
	if other.Engine.Model != "" {
		c.Engine.Model = other.Engine.Model
	}
	if other.Engine.UseGPU {
		c.Engine.UseGPU = true
	}
	if other.Engine.SynthesisTimeoutSecs != 0 {
		c.Engine.SynthesisTimeoutSecs = other.Engine.SynthesisTimeoutSecs
	}

	// Paths
	if other.Paths.DataDir != "" {
		c.Paths.DataDir = other.Paths.DataDir
	}

	// History
	if other.History.MaxEntries != 0 {
		c.History.MaxEntries = other.History.MaxEntries
	}
}

// SafeString returns the configuration as JSON with secrets redacted.
func (c *Config) SafeString() string {
	safe := c.Clone()

	if safe.Server.AuthToken != "" {
		safe.Server.AuthToken = "[REDACTED]"
	}

	data, _ := json.MarshalIndent(safe, "", "  ")
	return string(data)
}

// =============================================================================
// SINGLETON PATTERN (THREAD-SAFE)
// =============================================================================

var (
	globalConfig     *Config
	globalConfigOnce sync.Once
	globalConfigMu   sync.RWMutex
)

// Global returns the global configuration instance.
// Loads configuration on first access. Thread-safe.
func Global() *Config {
	globalConfigOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			// Log but don't fail - use defaults
			fmt.Fprintf(os.Stderr, "Warning: %v (using defaults)\n", err)
		}
		if cfg == nil {
			cfg = Default()
			_ = fillDefaults(cfg)
		}
		globalConfig = cfg
	})

	globalConfigMu.RLock()
	defer globalConfigMu.RUnlock()
	return globalConfig
}

// ReloadGlobal reloads the global configuration from disk. Thread-safe.
func ReloadGlobal() error {
	cfg, err := Load()
	if err != nil {
		return err
	}
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = cfg
	return nil
}

// SetGlobal sets the global configuration instance. Thread-safe.
func SetGlobal(cfg *Config) {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = cfg
}

// ResetGlobalForTesting resets the global config state for testing.
// This should only be used in tests to reset state between test runs.
func ResetGlobalForTesting() {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = nil
	globalConfigOnce = sync.Once{}
}
