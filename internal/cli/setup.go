// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// setup.go - The setup command: headless first-run installation.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jeranaias/voiceforge/internal/detect"
	"github.com/jeranaias/voiceforge/internal/setup"
)

// HandleSetup downloads and installs the engine runtime and models,
// printing progress to the terminal.
func HandleSetup(args Args) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}
	dataDir := cfg.Paths.DataDir

	probeCtx, cancelProbe := context.WithTimeout(context.Background(), 30*time.Second)
	info := detect.Probe(probeCtx, detect.DefaultConfig(dataDir))
	cancelProbe()

	fmt.Println("voiceforge setup")
	fmt.Println(strings.Repeat("=", 41))
	printSystemInfo(info)
	fmt.Println()

	if !info.HasEnoughSpace {
		return fmt.Errorf("not enough free disk space: %s available, %d GB required",
			humanize.IBytes(info.AvailableSpaceBytes), detect.DefaultMinFreeDiskGB)
	}

	useGPU := cfg.Engine.UseGPU
	if useGPU && !info.HasNvidiaGPU {
		fmt.Println("No NVIDIA GPU detected; installing the CPU runtime instead.")
		useGPU = false
	}
	if useGPU && !info.HasEnoughVRAM {
		fmt.Printf("GPU has %d GB VRAM, below the %d GB minimum; installing the CPU runtime instead.\n",
			info.GPUVRAMGB, detect.DefaultMinVRAMGB)
		useGPU = false
	}
	if !useGPU && info.HasNvidiaGPU && info.HasEnoughVRAM && !args.UseGPU {
		fmt.Printf("Detected %s; rerun with --gpu for faster synthesis.\n", info.GPUName)
	}

	if !setup.SetupRequired(dataDir) && !args.Force {
		fmt.Println("Runtime already installed. Use --force to reinstall.")
		return nil
	}

	device := "cpu"
	if useGPU {
		device = "cuda"
	}
	fmt.Printf("Installing model %q (%s) into %s\n", cfg.Engine.Model, device, dataDir)
	fmt.Println("This downloads several GB; an interrupted run resumes where it left off.")
	if !args.Yes && !confirm("Continue?") {
		fmt.Println("Aborted.")
		return nil
	}
	fmt.Println()

	orch := setup.New(setup.Config{
		BaseURL:          cfg.Setup.BaseURL,
		DataDir:          dataDir,
		MaxBandwidthMBps: cfg.Setup.MaxBandwidthMBps,
	})

	// First interrupt aborts cooperatively (current archive finishes or the
	// context stops it); a second one gives up immediately.
	ctx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)
	go func() {
		<-sig
		fmt.Println("\nInterrupt received, stopping after the current archive...")
		orch.Abort()
		cancelRun()
		<-sig
		os.Exit(130)
	}()

	done := make(chan struct{})
	go printEvents(orch.Events(), done, args.Verbose)

	start := time.Now()
	runErr := orch.Run(ctx, setup.Options{Model: cfg.Engine.Model, UseGPU: useGPU})
	close(done)

	if runErr != nil {
		return describeSetupError(runErr)
	}

	fmt.Println()
	fmt.Printf("Setup complete in %s.\n", time.Since(start).Round(time.Second))
	fmt.Println("Start the daemon with 'voiceforge serve'.")
	return nil
}

// printEvents renders progress events until done closes. Repeats of the
// same stage and percent are skipped so a slow link does not scroll pages
// of identical lines.
func printEvents(events <-chan setup.Event, done <-chan struct{}, verbose bool) {
	lastStage := setup.Stage("")
	lastPercent := -1

	for {
		select {
		case <-done:
			return
		case ev := <-events:
			if verbose && ev.Log != "" {
				fmt.Printf("    > %s\n", ev.Log)
			}
			if ev.Stage == lastStage && ev.Percent == lastPercent {
				continue
			}
			lastStage, lastPercent = ev.Stage, ev.Percent
			fmt.Printf("  [%-12s] %3d%%  %s\n", ev.Stage, ev.Percent, ev.Message)
		}
	}
}

// describeSetupError adds a hint for the failure classes a user can act on.
func describeSetupError(err error) error {
	switch {
	case setup.IsNetworkError(err):
		return fmt.Errorf("%w\n\nCheck your connection and rerun 'voiceforge setup'; completed downloads are kept", err)
	case setup.IsChecksumMismatch(err):
		return fmt.Errorf("%w\n\nThe corrupt file was removed; rerun 'voiceforge setup' to download it again", err)
	default:
		return err
	}
}

// confirm asks a yes/no question on stdin, defaulting to no.
func confirm(prompt string) bool {
	fmt.Printf("%s [y/N] ", prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}
