// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package detect probes the host for the capabilities setup depends on.
package detect

import (
	"context"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
)

// =============================================================================
// NVIDIA DETECTION
// =============================================================================

// GpuInfo describes a detected NVIDIA GPU.
type GpuInfo struct {
	// Name of the GPU (e.g., "NVIDIA GeForce RTX 4090")
	Name string
	// VramGB is the total VRAM in gigabytes, rounded
	VramGB uint32
	// Driver version if available
	Driver string
}

// detectNvidia queries nvidia-smi for the first GPU. Returns nil when no
// NVIDIA GPU (or no working driver) is present.
func detectNvidia(ctx context.Context) *GpuInfo {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, gpuProbeTimeout)
		defer cancel()
	}

	var output []byte
	var err error
	for _, path := range nvidiaSmiPaths() {
		cmd := exec.CommandContext(ctx, path,
			"--query-gpu=name,memory.total,driver_version",
			"--format=csv,noheader,nounits")
		output, err = cmd.Output()
		if err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
	if err != nil || len(output) == 0 {
		return nil
	}
	return parseNvidiaSmi(string(output))
}

// parseNvidiaSmi parses one line of nvidia-smi CSV output. The delimiter is
// ", " and memory.total is reported in MiB.
func parseNvidiaSmi(out string) *GpuInfo {
	line := strings.TrimSpace(out)
	line = strings.TrimSpace(strings.Split(line, "\n")[0])

	parts := strings.Split(line, ", ")
	if len(parts) < 3 {
		return nil
	}

	vramMB, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return nil
	}

	return &GpuInfo{
		Name:   strings.TrimSpace(parts[0]),
		VramGB: uint32(vramMB/1024.0 + 0.5),
		Driver: strings.TrimSpace(parts[2]),
	}
}

// nvidiaSmiPaths returns candidate nvidia-smi locations for this OS. On
// Windows the driver installs it under System32, not always on PATH.
func nvidiaSmiPaths() []string {
	if runtime.GOOS == "windows" {
		return []string{
			"nvidia-smi",
			`C:\Windows\System32\nvidia-smi.exe`,
			`C:\Program Files\NVIDIA Corporation\NVSMI\nvidia-smi.exe`,
		}
	}
	return []string{"nvidia-smi"}
}
