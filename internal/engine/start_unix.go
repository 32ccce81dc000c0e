// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build !windows
// +build !windows

// Package engine supervises the Python synthesis engine and provides its HTTP client.
package engine

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
)

// enginePython locates the interpreter setup installed under the data
// directory. The system Python is never a fallback: the engine needs the
// packages setup installed into this runtime, not whatever the host has.
func enginePython(dataDir string) (string, error) {
	candidates := []string{
		filepath.Join(dataDir, "runtime", "bin", "python3"),
		filepath.Join(dataDir, "runtime", "python", "bin", "python3"),
	}

	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no python interpreter under %s", filepath.Join(dataDir, "runtime"))
}

// configureSysProcAttr puts the engine in its own process group so
// terminate can signal the whole group without touching the daemon.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// terminate sends SIGTERM to the engine's process group, giving Python a
// chance to flush output and release the GPU before a hard kill.
func terminate(p *os.Process) error {
	if err := syscall.Kill(-p.Pid, syscall.SIGTERM); err != nil {
		return p.Signal(syscall.SIGTERM)
	}
	return nil
}
