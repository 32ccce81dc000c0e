// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package engine supervises the Python synthesis engine and provides its HTTP client.
package engine

import "time"

// =============================================================================
// REQUEST TYPES
// =============================================================================

// SynthesizeRequest is the request body for the engine's /synthesize endpoint.
type SynthesizeRequest struct {
	Text       string  `json:"text"`                  // Text to speak
	Voice      string  `json:"voice"`                 // Voice ID, builtin or custom
	Speed      float64 `json:"speed,omitempty"`       // Rate multiplier, 1.0 = normal
	Seed       int     `json:"seed,omitempty"`        // Sampling seed, 0 lets the engine choose
	OutputName string  `json:"output_name,omitempty"` // Basename for the WAV in the output dir
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// SynthesizeResponse is the engine's reply: where the audio landed plus the
// timing data caption export needs.
type SynthesizeResponse struct {
	AudioPath  string        `json:"audio_path"`  // Absolute path of the written WAV
	DurationMs int64         `json:"duration_ms"` // Total audio duration
	SampleRate int           `json:"sample_rate"` // Output sample rate in Hz
	Chunks     []ChunkTiming `json:"chunks,omitempty"`
}

// ChunkTiming maps a slice of the input text to its time range in the audio.
// The engine emits one per synthesized sentence or clause.
type ChunkTiming struct {
	Text    string `json:"text"`
	StartMs int64  `json:"start_ms"`
	EndMs   int64  `json:"end_ms"`
}

// Duration returns the audio length as a time.Duration.
func (r *SynthesizeResponse) Duration() time.Duration {
	return time.Duration(r.DurationMs) * time.Millisecond
}

// HealthResponse is the engine's /health reply.
type HealthResponse struct {
	Status        string `json:"status"` // "ok" once the model is loaded
	Model         string `json:"model"`
	Device        string `json:"device"` // "cuda" or "cpu"
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// Ready reports whether the engine has finished loading and can synthesize.
func (h *HealthResponse) Ready() bool {
	return h.Status == "ok"
}

// ErrorResponse is the engine's JSON error body.
type ErrorResponse struct {
	Error string `json:"error"`
}
