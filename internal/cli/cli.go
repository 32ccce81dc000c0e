// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// cli.go - Command parsing and dispatch targets for the voiceforge binary.
package cli

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/jeranaias/voiceforge/internal/config"
)

// Version information (can be overridden at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Command represents the CLI command to execute.
type Command int

const (
	CmdServe Command = iota
	CmdSetup
	CmdCheck
	CmdVersion
	CmdHelp
)

// Args holds parsed CLI arguments.
type Args struct {
	// Global flags
	JSON    bool
	Verbose bool
	DataDir string

	// Command-specific
	Model     string  // setup: model to install
	UseGPU    bool    // setup: install the CUDA runtime
	BaseURL   string  // setup: release mirror override
	Bandwidth float64 // setup: download cap in MB/s (0 = unlimited)
	Force     bool    // setup: run even when a completed install exists
	Yes       bool    // setup: skip the confirmation prompt
	Port      int     // serve: listen port override

	// Unknown is set when the first argument matched no command.
	Unknown string

	// Raw args remaining after global flag parsing
	Raw []string
}

const usageText = `voiceforge - local text-to-speech daemon

Voiceforge synthesizes speech on your own hardware. The daemon exposes a
localhost API that the desktop app talks to; everything below runs on this
machine and nothing leaves it.

Usage:
  voiceforge                 Run the daemon (same as serve)
  voiceforge serve           Run the daemon
    --port N                 Listen port (default: 8790)
  voiceforge setup           Download and install the engine runtime and models
    --model NAME             Model to install (default: aria)
    --gpu                    Install the CUDA runtime (needs an NVIDIA GPU)
    --base-url URL           Release mirror to download from
    --bandwidth N            Download cap in MB/s (default: unlimited)
    --force                  Reinstall even if already installed
    --yes                    Skip the confirmation prompt
  voiceforge check           Probe this machine and report readiness
    --json                   Machine-readable output
  voiceforge version         Show version information
  voiceforge help            Show this help

Global flags:
  --data-dir PATH            Data directory (default: ~/.voiceforge)
  --verbose                  More output

Environment:
  VOICEFORGE_DATA_DIR        Same as --data-dir
  VOICEFORGE_BASE_URL        Same as --base-url
  VOICEFORGE_PORT            Same as --port

The first run needs setup: 'voiceforge setup' downloads the Python runtime,
the synthesis engine, and at least one voice model (several GB). After that
the daemon works fully offline.`

// Parse parses os.Args into a command and its arguments.
func Parse() (Command, Args) {
	args := os.Args[1:]

	remaining, parsedArgs := parseGlobalFlags(args)

	// No command: run the daemon
	if len(remaining) == 0 {
		return CmdServe, parsedArgs
	}

	cmd := strings.ToLower(remaining[0])
	remaining = remaining[1:]
	parsedArgs.Raw = remaining

	switch cmd {
	case "serve", "daemon", "run":
		parseServeArgs(&parsedArgs, remaining)
		return CmdServe, parsedArgs

	case "setup", "install":
		parseSetupArgs(&parsedArgs, remaining)
		return CmdSetup, parsedArgs

	case "check", "doctor":
		return CmdCheck, parsedArgs

	case "version", "-v", "--version":
		return CmdVersion, parsedArgs

	case "help", "-h", "--help":
		return CmdHelp, parsedArgs

	default:
		parsedArgs.Unknown = cmd
		return CmdHelp, parsedArgs
	}
}

// parseGlobalFlags extracts global flags and returns the remaining args.
func parseGlobalFlags(args []string) ([]string, Args) {
	var remaining []string
	var parsedArgs Args

	i := 0
	for i < len(args) {
		arg := args[i]

		switch arg {
		case "--json":
			parsedArgs.JSON = true
		case "--verbose":
			parsedArgs.Verbose = true
		case "--data-dir":
			if i+1 < len(args) {
				i++
				parsedArgs.DataDir = args[i]
			}
		default:
			if strings.HasPrefix(arg, "--data-dir=") {
				parsedArgs.DataDir = strings.TrimPrefix(arg, "--data-dir=")
			} else {
				remaining = append(remaining, arg)
			}
		}
		i++
	}

	return remaining, parsedArgs
}

// parseServeArgs parses serve command specific arguments.
func parseServeArgs(args *Args, remaining []string) {
	p := NewArgParser(remaining)
	args.Port = p.FlagIntOrDefault("port", 0)
}

// parseSetupArgs parses setup command specific arguments.
func parseSetupArgs(args *Args, remaining []string) {
	p := NewArgParser(remaining)
	args.Model = p.Flag("model")
	args.UseGPU = p.BoolFlag("gpu")
	args.BaseURL = p.Flag("base-url")
	args.Bandwidth = p.FlagFloatOrDefault("bandwidth", 0)
	args.Force = p.BoolFlag("force")
	args.Yes = p.BoolFlag("yes") || p.BoolFlag("y")
}

// loadConfig loads configuration and applies CLI overrides on top. Load
// already folded in the config file and VOICEFORGE_* variables, so flags
// win over both.
func loadConfig(args Args) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if args.DataDir != "" {
		cfg.Paths.DataDir = args.DataDir
	}
	if args.Port != 0 {
		cfg.Server.Port = args.Port
	}
	if args.BaseURL != "" {
		cfg.Setup.BaseURL = args.BaseURL
	}
	if args.Bandwidth > 0 {
		cfg.Setup.MaxBandwidthMBps = args.Bandwidth
	}
	if args.Model != "" {
		cfg.Engine.Model = args.Model
	}
	if args.UseGPU {
		cfg.Engine.UseGPU = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// HandleVersion handles the "version" command.
func HandleVersion(args Args) {
	if args.JSON {
		fmt.Printf("{\"version\":%q,\"gitCommit\":%q,\"buildDate\":%q,\"goVersion\":%q}\n",
			Version, GitCommit, BuildDate, runtime.Version())
		return
	}
	fmt.Printf("voiceforge %s\n", Version)
	fmt.Printf("  commit:  %s\n", GitCommit)
	fmt.Printf("  built:   %s\n", BuildDate)
	fmt.Printf("  runtime: %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// HandleHelp handles the "help" command.
func HandleHelp(args Args) {
	if args.Unknown != "" {
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args.Unknown)
	}
	fmt.Println(usageText)
}
