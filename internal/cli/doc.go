// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli parses voiceforge's command line and implements its commands.
//
// The binary has a small surface: serve (the default) runs the daemon,
// setup performs the first-run installation headlessly, check reports
// machine readiness, and version/help do what they say. ArgParser handles
// the flag forms all commands share.
//
// # Usage
//
//	cmd, args := cli.Parse()
//	switch cmd {
//	case cli.CmdServe:
//		err = cli.HandleServe(args)
//	case cli.CmdSetup:
//		err = cli.HandleSetup(args)
//	}
package cli
