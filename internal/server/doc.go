// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes the local REST and SSE API for the voiceforge daemon.
//
// The server binds loopback only and is the sole interface between the
// desktop shell and the daemon: first-run setup, engine process control,
// synthesis, history, the voice library, projects, the batch queue,
// subtitle export, and configuration all go through it.
//
// # Key Types
//
//   - Server: the HTTP server; collaborators attach via With* methods
//   - VersionInfo: build identity reported by /v1/version
//   - AuthConfig: optional bearer-token and IP allowlist checks
//   - RateLimiter: sliding-window per-IP request limiting
//
// # Usage
//
//	srv := server.NewServer(cfg).
//		WithStore(store).
//		WithVoices(registry).
//		WithEngine(supervisor).
//		WithQueue(q).
//		WithOrchestrator(orch).
//		WithVersion(server.VersionInfo{Version: "1.2.0"})
//
//	go func() {
//		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
//			log.Fatal(err)
//		}
//	}()
//
//	// ... later
//	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
//	defer cancel()
//	srv.Shutdown(ctx)
//
// # Setup Streaming
//
// GET /v1/setup/events is a Server-Sent Events stream. The first frame is
// the orchestrator's current status snapshot (a "state" field); every frame
// after that is a progress event (a "stage" field). Comment frames keep the
// connection alive between events. The stream spans runs, so a client may
// open it before POSTing /v1/setup and watch the whole installation.
//
// # Background Work
//
// POST /v1/setup and POST /v1/engine/start return 202 and continue in the
// background, bounded by the server's lifetime rather than the request's.
// Clients poll /v1/setup/status and /v1/engine/status or subscribe to the
// event stream.
package server
