// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package setup provisions the Python runtime, engine dependencies, and
// model weights for the voiceforge engine.
//
// This package implements first-run installation: it fetches a release
// manifest, downloads the archives the selected configuration needs,
// verifies each against its published SHA-256 digest, extracts them into
// the data directory, and records a completion marker. Interrupted
// downloads resume from the partial file on the next run.
//
// # Key Types
//
//   - Orchestrator: Sequences manifest fetch, download, verify, extract
//   - Manifest: Release manifest with per-archive sizes and digests
//   - Downloader: Resumable HTTP downloader with stall detection
//   - Event: Progress event emitted on the orchestrator's channel
//   - Marker: Completion marker persisted after a successful run
//   - SetupError: Classified error with an ErrorKind for handling
//
// # Usage
//
// Run setup and consume progress events:
//
//	o := setup.New(setup.Config{
//	    BaseURL: "https://releases.voiceforge.dev/v3",
//	    DataDir: dataDir,
//	})
//	go func() {
//	    for ev := range o.Events() {
//	        fmt.Printf("%s %d%% %s\n", ev.Stage, ev.Percent, ev.Message)
//	    }
//	}()
//	err := o.Run(ctx, setup.Options{Model: "aria", UseGPU: true})
//
// Check whether setup needs to run at all:
//
//	if setup.SetupRequired(dataDir) {
//	    // launch the installer flow
//	}
//
// # Resumption
//
// A partial download is kept beside the final file with a .part suffix
// and doubles as the resume checkpoint. Verification failures delete the
// corrupt archive so the next run starts that archive clean; everything
// already installed is skipped by size check.
package setup
