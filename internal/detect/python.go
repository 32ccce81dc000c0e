// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package detect probes the host for the capabilities setup depends on.
package detect

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// =============================================================================
// PYTHON RUNTIME DETECTION
// =============================================================================

// pythonCandidates returns interpreter paths to try, most specific first:
// the runtime this application installs under dataDir, then whatever the
// system offers. A fixed list, not a search, so results are reproducible.
func pythonCandidates(dataDir string) []string {
	var candidates []string
	if dataDir != "" {
		if runtime.GOOS == "windows" {
			candidates = append(candidates,
				filepath.Join(dataDir, "runtime", "python.exe"),
				filepath.Join(dataDir, "runtime", "python", "python.exe"),
			)
		} else {
			candidates = append(candidates,
				filepath.Join(dataDir, "runtime", "bin", "python3"),
				filepath.Join(dataDir, "runtime", "python", "bin", "python3"),
			)
		}
	}
	if runtime.GOOS == "windows" {
		return append(candidates, "python.exe", "python")
	}
	return append(candidates, "python3", "python")
}

// probePython locates a working interpreter and reports its version.
func probePython(ctx context.Context, dataDir string) (string, bool) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, pythonProbeTimeout)
		defer cancel()
	}

	for _, candidate := range pythonCandidates(dataDir) {
		// Absolute candidates must exist; bare names go through PATH.
		if filepath.IsAbs(candidate) {
			if _, err := os.Stat(candidate); err != nil {
				continue
			}
		}
		cmd := exec.CommandContext(ctx, candidate, "--version")
		out, err := cmd.CombinedOutput()
		if err != nil {
			continue
		}
		if version, ok := parsePythonVersion(string(out)); ok {
			return version, true
		}
	}
	return "", false
}

// parsePythonVersion extracts "3.11.9" from "Python 3.11.9".
func parsePythonVersion(out string) (string, bool) {
	fields := strings.Fields(strings.TrimSpace(out))
	if len(fields) < 2 || fields[0] != "Python" {
		return "", false
	}
	return fields[1], true
}
