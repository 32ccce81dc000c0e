// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package detect probes the host for the capabilities setup depends on.
package detect

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestParseNvidiaSmi(t *testing.T) {
	tests := []struct {
		name     string
		output   string
		wantNil  bool
		wantName string
		wantVRAM uint32
		wantDrv  string
	}{
		{
			name:     "rtx 4090",
			output:   "NVIDIA GeForce RTX 4090, 24564, 551.23\n",
			wantName: "NVIDIA GeForce RTX 4090",
			wantVRAM: 24,
			wantDrv:  "551.23",
		},
		{
			name:     "rounds up past half a gigabyte",
			output:   "NVIDIA GeForce RTX 3060, 12282, 535.154.05\n",
			wantName: "NVIDIA GeForce RTX 3060",
			wantVRAM: 12,
			wantDrv:  "535.154.05",
		},
		{
			name:     "multi gpu takes the first line",
			output:   "NVIDIA A100-SXM4-80GB, 81920, 550.54.15\nNVIDIA A100-SXM4-80GB, 81920, 550.54.15\n",
			wantName: "NVIDIA A100-SXM4-80GB",
			wantVRAM: 80,
			wantDrv:  "550.54.15",
		},
		{
			name:    "missing driver column",
			output:  "NVIDIA GeForce GTX 1080, 8192\n",
			wantNil: true,
		},
		{
			name:    "non numeric vram",
			output:  "NVIDIA GeForce RTX 4090, [N/A], 551.23\n",
			wantNil: true,
		},
		{
			name:    "empty output",
			output:  "",
			wantNil: true,
		},
		{
			name:    "driver error text",
			output:  "NVIDIA-SMI has failed because it couldn't communicate with the NVIDIA driver.\n",
			wantNil: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gpu := parseNvidiaSmi(tt.output)
			if tt.wantNil {
				if gpu != nil {
					t.Fatalf("parseNvidiaSmi(%q) = %+v, want nil", tt.output, gpu)
				}
				return
			}
			if gpu == nil {
				t.Fatalf("parseNvidiaSmi(%q) = nil, want GPU", tt.output)
			}
			if gpu.Name != tt.wantName {
				t.Errorf("Name = %q, want %q", gpu.Name, tt.wantName)
			}
			if gpu.VramGB != tt.wantVRAM {
				t.Errorf("VramGB = %d, want %d", gpu.VramGB, tt.wantVRAM)
			}
			if gpu.Driver != tt.wantDrv {
				t.Errorf("Driver = %q, want %q", gpu.Driver, tt.wantDrv)
			}
		})
	}
}

func TestParsePythonVersion(t *testing.T) {
	tests := []struct {
		name        string
		output      string
		wantVersion string
		wantOK      bool
	}{
		{"standard", "Python 3.11.9\n", "3.11.9", true},
		{"python2 prints to stderr but same shape", "Python 2.7.18", "2.7.18", true},
		{"extra whitespace", "  Python 3.12.1  \n", "3.12.1", true},
		{"not python", "zsh: command not found: python3", "", false},
		{"lowercase prefix", "python 3.11.9", "", false},
		{"empty", "", "", false},
		{"bare word", "Python", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			version, ok := parsePythonVersion(tt.output)
			if ok != tt.wantOK {
				t.Fatalf("parsePythonVersion(%q) ok = %v, want %v", tt.output, ok, tt.wantOK)
			}
			if version != tt.wantVersion {
				t.Errorf("version = %q, want %q", version, tt.wantVersion)
			}
		})
	}
}

func TestPythonCandidates(t *testing.T) {
	t.Run("installed runtime is preferred", func(t *testing.T) {
		dataDir := filepath.Join("some", "data", "dir")
		candidates := pythonCandidates(dataDir)
		if len(candidates) < 3 {
			t.Fatalf("expected at least 3 candidates, got %d", len(candidates))
		}
		if !strings.HasPrefix(candidates[0], dataDir) {
			t.Errorf("first candidate %q should be under %q", candidates[0], dataDir)
		}
		last := candidates[len(candidates)-1]
		if last != "python" {
			t.Errorf("last candidate = %q, want bare python fallback", last)
		}
	})

	t.Run("no data dir means system interpreters only", func(t *testing.T) {
		for _, c := range pythonCandidates("") {
			if filepath.IsAbs(c) {
				t.Errorf("candidate %q is absolute, want PATH lookups only", c)
			}
		}
	})
}

func TestNearestExistingDir(t *testing.T) {
	tmp := t.TempDir()

	tests := []struct {
		name string
		path string
		want string
	}{
		{"existing dir returns itself", tmp, tmp},
		{"missing child returns parent", filepath.Join(tmp, "not-created"), tmp},
		{"deeply missing returns ancestor", filepath.Join(tmp, "a", "b", "c"), tmp},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := nearestExistingDir(tt.path); got != tt.want {
				t.Errorf("nearestExistingDir(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestNearestExistingDirFile(t *testing.T) {
	tmp := t.TempDir()
	file := filepath.Join(tmp, "marker.json")
	if err := os.WriteFile(file, []byte("{}"), 0644); err != nil {
		t.Fatal(err)
	}

	// A file is not a directory; the walk continues to its parent.
	if got := nearestExistingDir(file); got != tmp {
		t.Errorf("nearestExistingDir(%q) = %q, want %q", file, got, tmp)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("/data")
	if cfg.DataDir != "/data" {
		t.Errorf("DataDir = %q, want /data", cfg.DataDir)
	}
	if cfg.MinVRAMGB != DefaultMinVRAMGB {
		t.Errorf("MinVRAMGB = %d, want %d", cfg.MinVRAMGB, DefaultMinVRAMGB)
	}
	if cfg.MinFreeDiskGB != DefaultMinFreeDiskGB {
		t.Errorf("MinFreeDiskGB = %d, want %d", cfg.MinFreeDiskGB, DefaultMinFreeDiskGB)
	}
}

// Probe inspects the real host, so this is a smoke test: it must never
// panic or error regardless of what hardware is present, and the fields
// that do not depend on hardware must be filled in.
func TestProbeSmoke(t *testing.T) {
	info := Probe(context.Background(), DefaultConfig(t.TempDir()))

	if info.Platform != runtime.GOOS {
		t.Errorf("Platform = %q, want %q", info.Platform, runtime.GOOS)
	}
	if info.AvailableSpaceBytes == 0 {
		t.Error("AvailableSpaceBytes = 0, want free space on the temp volume")
	}
	if info.HasNvidiaGPU && info.GPUName == "" {
		t.Error("HasNvidiaGPU set but GPUName empty")
	}
	if !info.HasPython && info.PythonVersion != "" {
		t.Error("PythonVersion set without HasPython")
	}
}

func TestProbeZeroThresholds(t *testing.T) {
	// Zero-value Config gets the default thresholds, not pass-everything.
	info := Probe(context.Background(), Config{DataDir: t.TempDir()})
	if info.HasNvidiaGPU && info.GPUVRAMGB < DefaultMinVRAMGB && info.HasEnoughVRAM {
		t.Error("HasEnoughVRAM true below the default threshold")
	}
}
