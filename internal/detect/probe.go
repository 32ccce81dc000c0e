// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package detect probes the host for the capabilities setup depends on.
package detect

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

const (
	gpuProbeTimeout    = 10 * time.Second
	pythonProbeTimeout = 5 * time.Second

	// DefaultMinVRAMGB is the smallest VRAM that runs GPU inference
	// without constant out-of-memory failures.
	DefaultMinVRAMGB = 4

	// DefaultMinFreeDiskGB covers the runtime, dependencies, and one
	// model with headroom.
	DefaultMinFreeDiskGB = 10
)

// SystemInfo is a fresh snapshot of host capabilities. It is recomputed on
// every call and never cached: the user may plug in a GPU, free up disk, or
// install Python between checks.
type SystemInfo struct {
	Platform      string `json:"platform"`
	HasPython     bool   `json:"hasPython"`
	PythonVersion string `json:"pythonVersion,omitempty"`

	HasNvidiaGPU  bool   `json:"hasNvidiaGpu"`
	GPUName       string `json:"gpuName,omitempty"`
	GPUVRAMGB     uint32 `json:"gpuVramGB"`
	HasEnoughVRAM bool   `json:"hasEnoughVram"`

	HasEnoughSpace      bool   `json:"hasEnoughSpace"`
	AvailableSpaceBytes uint64 `json:"availableSpace"`
}

// Config holds probe parameters.
type Config struct {
	// DataDir is the application data directory; its volume is checked
	// for free space, and an installed runtime is looked for beneath it.
	DataDir string
	// MinVRAMGB and MinFreeDiskGB are the pass thresholds.
	MinVRAMGB     uint32
	MinFreeDiskGB uint64
}

// DefaultConfig returns probe thresholds for the standard install.
func DefaultConfig(dataDir string) Config {
	return Config{
		DataDir:       dataDir,
		MinVRAMGB:     DefaultMinVRAMGB,
		MinFreeDiskGB: DefaultMinFreeDiskGB,
	}
}

// Probe runs the three independent checks and assembles the snapshot.
func Probe(ctx context.Context, cfg Config) SystemInfo {
	if cfg.MinVRAMGB == 0 {
		cfg.MinVRAMGB = DefaultMinVRAMGB
	}
	if cfg.MinFreeDiskGB == 0 {
		cfg.MinFreeDiskGB = DefaultMinFreeDiskGB
	}

	info := SystemInfo{Platform: runtime.GOOS}

	if version, ok := probePython(ctx, cfg.DataDir); ok {
		info.HasPython = true
		info.PythonVersion = version
	}

	if gpu := detectNvidia(ctx); gpu != nil {
		info.HasNvidiaGPU = true
		info.GPUName = gpu.Name
		info.GPUVRAMGB = gpu.VramGB
		info.HasEnoughVRAM = gpu.VramGB >= cfg.MinVRAMGB
	}

	if free, err := FreeDiskSpace(nearestExistingDir(cfg.DataDir)); err == nil {
		info.AvailableSpaceBytes = free
		info.HasEnoughSpace = free >= cfg.MinFreeDiskGB*1024*1024*1024
	}

	return info
}

// nearestExistingDir walks up from path until it finds a directory that
// exists. Free-space probes run before the data dir is created on first
// launch, and a missing path would fail the stat.
func nearestExistingDir(path string) string {
	for p := path; ; {
		if fi, err := os.Stat(p); err == nil && fi.IsDir() {
			return p
		}
		parent := filepath.Dir(p)
		if parent == p {
			return p
		}
		p = parent
	}
}
