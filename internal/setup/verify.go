// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package setup provisions the Python runtime, engine dependencies, and
// model weights for the voiceforge engine.
package setup

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"strings"
)

// =============================================================================
// INTEGRITY VERIFIER
// =============================================================================

// VerifyFile streams path through SHA-256 and compares against expectedHex
// (case-insensitive). The file is never loaded whole; multi-gigabyte model
// archives hash in constant memory. On mismatch the returned error carries
// both digests; deleting the corrupt file is the caller's decision.
func VerifyFile(path, expectedHex string) error {
	f, err := os.Open(path)
	if err != nil {
		return NewFatalError("opening "+path+" for verification", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return NewFatalError("hashing "+path, err)
	}

	actual := hex.EncodeToString(h.Sum(nil))
	expected := strings.ToLower(expectedHex)
	if actual != expected {
		return NewChecksumMismatchError(path, expected, actual)
	}
	return nil
}
