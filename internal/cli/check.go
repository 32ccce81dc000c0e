// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// check.go - The check command: probe the machine and report readiness.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jeranaias/voiceforge/internal/detect"
	"github.com/jeranaias/voiceforge/internal/setup"
)

// checkReport is the JSON shape of the check command.
type checkReport struct {
	detect.SystemInfo
	SetupRequired bool `json:"setupRequired"`
	Ready         bool `json:"ready"`
}

// HandleCheck probes the machine and prints a readiness report. It fails
// when a hard requirement is missing, so scripts can gate on the exit code.
func HandleCheck(args Args) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}
	dataDir := cfg.Paths.DataDir

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	info := detect.Probe(ctx, detect.DefaultConfig(dataDir))
	required := setup.SetupRequired(dataDir)

	if args.JSON {
		report := checkReport{
			SystemInfo:    info,
			SetupRequired: required,
			Ready:         info.HasEnoughSpace,
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		fmt.Println("voiceforge check")
		fmt.Println(strings.Repeat("=", 41))
		printSystemInfo(info)
		if required {
			fmt.Printf("  [!!] Runtime      not installed, run 'voiceforge setup'\n")
		} else {
			fmt.Printf("  [OK] Runtime      installed\n")
		}
		fmt.Println(strings.Repeat("-", 41))
		if info.HasEnoughSpace {
			fmt.Println("Ready.")
		} else {
			fmt.Println("Not ready.")
		}
	}

	if !info.HasEnoughSpace {
		return fmt.Errorf("not enough free disk space: %s available, %d GB required",
			humanize.IBytes(info.AvailableSpaceBytes), detect.DefaultMinFreeDiskGB)
	}
	return nil
}

// printSystemInfo renders the probe result as a check list. GPU absence is
// a warning, not a failure: CPU synthesis works, just slower.
func printSystemInfo(info detect.SystemInfo) {
	fmt.Printf("  [OK] Platform     %s\n", info.Platform)

	if info.HasPython {
		fmt.Printf("  [OK] Python       %s (informational, the runtime ships its own)\n", info.PythonVersion)
	} else {
		fmt.Printf("  [--] Python       none on PATH (fine, the runtime ships its own)\n")
	}

	if info.HasNvidiaGPU {
		mark := "OK"
		note := ""
		if !info.HasEnoughVRAM {
			mark = "!!"
			note = fmt.Sprintf(" (below the %d GB minimum, CPU synthesis only)", detect.DefaultMinVRAMGB)
		}
		fmt.Printf("  [%s] GPU          %s, %d GB VRAM%s\n", mark, info.GPUName, info.GPUVRAMGB, note)
	} else {
		fmt.Printf("  [--] GPU          none detected (CPU synthesis only)\n")
	}

	mark := "OK"
	if !info.HasEnoughSpace {
		mark = "XX"
	}
	fmt.Printf("  [%s] Free disk    %s available (minimum %d GB)\n",
		mark, humanize.IBytes(info.AvailableSpaceBytes), detect.DefaultMinFreeDiskGB)
}
