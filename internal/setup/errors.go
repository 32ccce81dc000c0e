// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package setup provisions the Python runtime, engine dependencies, and
// model weights for the voiceforge engine.
package setup

import (
	"errors"
	"fmt"
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// ErrorKind categorizes setup errors for handling.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindNetwork covers manifest fetch failures: connection errors,
	// non-2xx statuses, and redirect loops.
	KindNetwork
	// KindParse covers malformed or invalid manifest payloads.
	KindParse
	// KindDownload covers archive transfer failures, including stalls.
	KindDownload
	// KindChecksum means a fully downloaded archive failed SHA-256
	// verification. Expected and Actual carry the hex digests.
	KindChecksum
	// KindExtraction means both the fast and fallback extractors failed.
	KindExtraction
	// KindFatal covers unrecoverable orchestration failures (missing
	// archive keys, marker write failures, filesystem errors).
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindParse:
		return "parse"
	case KindDownload:
		return "download"
	case KindChecksum:
		return "checksum-mismatch"
	case KindExtraction:
		return "extraction"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// SetupError is the error type returned by every setup component.
type SetupError struct {
	Kind    ErrorKind
	Message string
	Cause   error

	// Expected and Actual are set only for KindChecksum.
	Expected string
	Actual   string
}

func (e *SetupError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *SetupError) Unwrap() error {
	return e.Cause
}

// NewNetworkError wraps a manifest-level network failure.
func NewNetworkError(msg string, cause error) *SetupError {
	return &SetupError{Kind: KindNetwork, Message: msg, Cause: cause}
}

// NewParseError wraps a manifest decode or validation failure.
func NewParseError(msg string, cause error) *SetupError {
	return &SetupError{Kind: KindParse, Message: msg, Cause: cause}
}

// NewDownloadError wraps an archive transfer failure.
func NewDownloadError(msg string, cause error) *SetupError {
	return &SetupError{Kind: KindDownload, Message: msg, Cause: cause}
}

// NewChecksumMismatchError reports a digest mismatch for path. The caller
// decides what to do with the corrupt file; the verifier never deletes.
func NewChecksumMismatchError(path, expected, actual string) *SetupError {
	return &SetupError{
		Kind:     KindChecksum,
		Message:  fmt.Sprintf("checksum mismatch for %s: expected %s, got %s", path, expected, actual),
		Expected: expected,
		Actual:   actual,
	}
}

// NewExtractionError wraps the terminal failure after both extract tiers.
func NewExtractionError(msg string, cause error) *SetupError {
	return &SetupError{Kind: KindExtraction, Message: msg, Cause: cause}
}

// NewFatalError wraps an unrecoverable orchestration failure.
func NewFatalError(msg string, cause error) *SetupError {
	return &SetupError{Kind: KindFatal, Message: msg, Cause: cause}
}

// KindOf returns the ErrorKind of err, or KindUnknown for foreign errors.
func KindOf(err error) ErrorKind {
	var se *SetupError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}

// IsChecksumMismatch reports whether err is a verification failure.
func IsChecksumMismatch(err error) bool {
	return KindOf(err) == KindChecksum
}

// IsNetworkError reports whether err is a connectivity failure, either
// fetching the manifest or transferring an archive.
func IsNetworkError(err error) bool {
	k := KindOf(err)
	return k == KindNetwork || k == KindDownload
}
