// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build windows
// +build windows

// Package engine supervises the Python synthesis engine and provides its HTTP client.
package engine

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
)

// CREATE_NO_WINDOW prevents a console window from flashing up when the
// engine starts.
const CREATE_NO_WINDOW = 0x08000000

// enginePython locates the interpreter setup installed under the data
// directory. The system Python is never a fallback: the engine needs the
// packages setup installed into this runtime, not whatever the host has.
func enginePython(dataDir string) (string, error) {
	candidates := []string{
		filepath.Join(dataDir, "runtime", "python.exe"),
		filepath.Join(dataDir, "runtime", "python", "python.exe"),
	}

	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no python interpreter under %s", filepath.Join(dataDir, "runtime"))
}

// configureSysProcAttr sets Windows process creation flags:
// a new process group so Ctrl-C in the daemon's console is not forwarded,
// and no console window for the engine itself.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP | CREATE_NO_WINDOW,
	}
}

// terminate hard-kills the engine. Windows has no SIGTERM equivalent the
// Python server listens for, so the grace period is skipped.
func terminate(p *os.Process) error {
	return p.Kill()
}
