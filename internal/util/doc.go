// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides utility functions for the voiceforge daemon.
//
// This package contains the crash-safe file writing helper used by every
// component that persists small state files: the setup completion marker,
// saved configuration, and voice metadata sidecars.
//
// # Key Functions
//
// File Operations:
//   - AtomicWriteFile: Crash-safe file writing with fsync
//   - AtomicWriteFileWithDir: Same, with explicit parent directory permissions
//
// # Usage
//
//	// Write a state file atomically to prevent data loss
//	err := util.AtomicWriteFile(path, data, 0644)
//
//	// Control permissions when creating the parent directory
//	err := util.AtomicWriteFileWithDir(path, data, 0600, 0700)
package util
