// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package engine supervises the Python synthesis engine and provides its HTTP client.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// ClientError represents an error from the engine client.
type ClientError struct {
	Type    ErrorType
	Message string
	Cause   error
}

func (e *ClientError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *ClientError) Unwrap() error {
	return e.Cause
}

// ErrorType categorizes client errors for handling.
type ErrorType int

const (
	ErrTypeUnknown ErrorType = iota
	ErrTypeNotRunning
	ErrTypeTimeout
	ErrTypeVoiceNotFound
	ErrTypeConnection
	ErrTypeInvalidResponse
	ErrTypeSynthesis
)

// Sentinel errors for easy checking.
var (
	ErrNotRunning    = &ClientError{Type: ErrTypeNotRunning, Message: "engine is not running"}
	ErrTimeout       = &ClientError{Type: ErrTypeTimeout, Message: "request timed out"}
	ErrVoiceNotFound = &ClientError{Type: ErrTypeVoiceNotFound, Message: "voice not found"}
)

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

// ClientConfig holds configuration options for the engine client.
type ClientConfig struct {
	// BaseURL is the engine API base URL (default: http://127.0.0.1:8791)
	// Note: Uses explicit IPv4 address instead of localhost to avoid IPv6 resolution issues on Windows
	BaseURL string

	// Timeout for health and admin requests (default: 10s)
	Timeout time.Duration

	// SynthesisTimeout bounds one synthesis call. Long texts on CPU take
	// minutes, so this is generous (default: 5m)
	SynthesisTimeout time.Duration
}

// DefaultClientConfig returns the default client configuration.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		BaseURL:          "http://127.0.0.1:8791",
		Timeout:          10 * time.Second,
		SynthesisTimeout: 5 * time.Minute,
	}
}

// =============================================================================
// CLIENT
// =============================================================================

// Client handles communication with the engine API.
// It provides methods for health checks and synthesis.
//
// The Client is thread-safe for concurrent use.
type Client struct {
	config      *ClientConfig
	httpClient  *http.Client // health and admin calls
	synthClient *http.Client // synthesis calls, long deadline
}

// NewClient creates a client for the engine listening on the given loopback port.
func NewClient(port int) *Client {
	return NewClientWithConfig(&ClientConfig{
		BaseURL: fmt.Sprintf("http://127.0.0.1:%d", port),
	})
}

// NewClientWithConfig creates a new engine client with custom configuration.
func NewClientWithConfig(config *ClientConfig) *Client {
	if config == nil {
		config = DefaultClientConfig()
	}

	// Fill in defaults for any zero values
	if config.BaseURL == "" {
		config.BaseURL = "http://127.0.0.1:8791"
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.SynthesisTimeout == 0 {
		config.SynthesisTimeout = 5 * time.Minute
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		synthClient: &http.Client{
			Timeout: config.SynthesisTimeout,
		},
	}
}

// BaseURL returns the engine API base URL this client targets.
func (c *Client) BaseURL() string {
	return c.config.BaseURL
}

// =============================================================================
// HEALTH CHECK
// =============================================================================

// CheckRunning verifies that the engine is reachable and answering.
func (c *Client) CheckRunning(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/health", nil)
	if err != nil {
		return &ClientError{Type: ErrTypeConnection, Message: "failed to create request", Cause: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrTimeout
		}
		return ErrNotRunning
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &ClientError{
			Type:    ErrTypeConnection,
			Message: "unexpected status from engine: " + resp.Status,
		}
	}

	return nil
}

// Health retrieves the engine's health report.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/health", nil)
	if err != nil {
		return nil, &ClientError{Type: ErrTypeConnection, Message: "failed to create request", Cause: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ErrNotRunning
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &ClientError{
			Type:    ErrTypeInvalidResponse,
			Message: "health check failed: " + resp.Status,
		}
	}

	var result HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to decode response", Cause: err}
	}

	return &result, nil
}

// =============================================================================
// SYNTHESIS
// =============================================================================

// Synthesize sends one synthesis request and waits for the audio to be
// written. The engine writes the WAV itself and returns its path; audio
// bytes never travel through this API.
func (c *Client) Synthesize(ctx context.Context, sreq SynthesizeRequest) (*SynthesizeResponse, error) {
	if strings.TrimSpace(sreq.Text) == "" {
		return nil, &ClientError{Type: ErrTypeSynthesis, Message: "empty text"}
	}
	if sreq.Speed == 0 {
		sreq.Speed = 1.0
	}

	body, err := json.Marshal(sreq)
	if err != nil {
		return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to marshal request", Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/synthesize", bytes.NewReader(body))
	if err != nil {
		return nil, &ClientError{Type: ErrTypeConnection, Message: "failed to create request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.synthClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ErrNotRunning
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrVoiceNotFound
	}

	if resp.StatusCode != http.StatusOK {
		// Surface the engine's own error message when it sends one
		var engineErr ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&engineErr); err == nil && engineErr.Error != "" {
			return nil, &ClientError{
				Type:    ErrTypeSynthesis,
				Message: engineErr.Error,
			}
		}
		return nil, &ClientError{
			Type:    ErrTypeSynthesis,
			Message: "synthesis failed: " + resp.Status,
		}
	}

	var result SynthesizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to decode response", Cause: err}
	}

	return &result, nil
}
