// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package engine supervises the Python synthesis engine and provides its HTTP client.
//
// This package owns the engine process lifecycle: it spawns the Python
// runtime that setup installed, waits for the engine's HTTP port to come
// up, restarts it within bounds when it crashes, and shuts it down with
// the daemon. The client half speaks the engine's loopback HTTP API for
// health checks and synthesis requests.
//
// # Key Types
//
//   - Supervisor: Spawns, monitors, restarts, and stops the engine process
//   - Client: HTTP client for the engine's /health and /synthesize endpoints
//   - SynthesizeRequest: Text, voice, and speed for one synthesis call
//   - SynthesizeResponse: Audio location, duration, and per-chunk timings
//   - ClientError: Classified error with an ErrorType for handling
//
// # Usage
//
// Start the engine and synthesize:
//
//	sup := engine.NewSupervisor(engine.Config{
//	    DataDir: dataDir,
//	    Model:   "aria",
//	    UseGPU:  true,
//	})
//	if err := sup.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	resp, err := sup.Client().Synthesize(ctx, engine.SynthesizeRequest{
//	    Text:  "Hello from voiceforge.",
//	    Voice: "aria",
//	})
//
// # Startup
//
// Engine startup has no fixed deadline. Model load time varies from
// seconds on a warm GPU to minutes on CPU, so the readiness loop is
// bounded by process liveness instead: it polls /health until the engine
// answers, the process exits, or the caller cancels.
package engine
