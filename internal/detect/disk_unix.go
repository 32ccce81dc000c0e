// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build !windows

// Package detect probes the host for the capabilities setup depends on.
package detect

import "syscall"

// FreeDiskSpace returns the bytes available to this process on the volume
// holding path. Bavail (available to unprivileged users) is used rather
// than Bfree so reserved root blocks do not inflate the number.
func FreeDiskSpace(path string) (uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}
