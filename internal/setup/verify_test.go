// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package setup provisions the Python runtime, engine dependencies, and
// model weights for the voiceforge engine.
package setup

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestVerifyFile_Match(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.bin")
	content := []byte("the quick brown fox")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}
	sum := sha256.Sum256(content)

	if err := VerifyFile(path, hex.EncodeToString(sum[:])); err != nil {
		t.Errorf("VerifyFile() = %v, want nil", err)
	}
}

func TestVerifyFile_MatchUppercaseExpected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.bin")
	content := []byte("case insensitive compare")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}
	sum := sha256.Sum256(content)

	if err := VerifyFile(path, strings.ToUpper(hex.EncodeToString(sum[:]))); err != nil {
		t.Errorf("VerifyFile() with uppercase digest = %v, want nil", err)
	}
}

func TestVerifyFile_Mismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.bin")
	if err := os.WriteFile(path, []byte("corrupted payload"), 0644); err != nil {
		t.Fatal(err)
	}

	wrong := strings.Repeat("ab", 32)
	err := VerifyFile(path, wrong)
	if err == nil {
		t.Fatal("expected mismatch error")
	}
	if !IsChecksumMismatch(err) {
		t.Fatalf("IsChecksumMismatch = false for %v", err)
	}

	var se *SetupError
	if !errors.As(err, &se) {
		t.Fatal("error is not a *SetupError")
	}
	if se.Expected != wrong {
		t.Errorf("Expected = %q, want %q", se.Expected, wrong)
	}
	sum := sha256.Sum256([]byte("corrupted payload"))
	if se.Actual != hex.EncodeToString(sum[:]) {
		t.Errorf("Actual = %q, want the file's real digest", se.Actual)
	}

	// The verifier reports; it never deletes.
	if _, err := os.Stat(path); err != nil {
		t.Errorf("file should still exist after mismatch: %v", err)
	}
}

func TestVerifyFile_MissingFile(t *testing.T) {
	err := VerifyFile(filepath.Join(t.TempDir(), "nope.bin"), strings.Repeat("00", 32))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if KindOf(err) != KindFatal {
		t.Errorf("kind = %v, want KindFatal", KindOf(err))
	}
}
