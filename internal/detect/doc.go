// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package detect probes the host for the capabilities setup depends on.
//
// This package answers three questions before and after installation: is
// a usable Python runtime present, is there an NVIDIA GPU with enough
// VRAM for acceleration, and does the data volume have enough free space
// for the runtime and model archives.
//
// The prober never returns an error. A capability that cannot be probed
// is reported as absent so a broken nvidia-smi or an unreadable mount
// degrades the answer instead of blocking setup. Results are recomputed
// on every call; nothing is cached, because setup itself changes the
// answers (it installs the Python runtime it later probes for).
//
// # Key Types
//
//   - SystemInfo: Snapshot of host capabilities with threshold verdicts
//   - GpuInfo: Name, VRAM, and driver version of the detected NVIDIA GPU
//   - Config: Data directory and minimum thresholds for the verdict fields
//
// # Usage
//
// Probe with default thresholds:
//
//	info := detect.Probe(ctx, detect.DefaultConfig(dataDir))
//	if !info.HasEnoughSpace {
//	    fmt.Printf("need more disk, only %d bytes free\n", info.AvailableSpaceBytes)
//	}
//	useGPU := info.HasNvidiaGPU && info.HasEnoughVRAM
package detect
