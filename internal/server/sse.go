// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes the local REST and SSE API for the voiceforge daemon.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/jeranaias/voiceforge/internal/setup"
)

// heartbeatInterval is how often an SSE stream emits a comment frame to
// keep intermediaries from closing an idle connection.
const heartbeatInterval = 15 * time.Second

// subscriberBuffer is the per-subscriber event backlog. The orchestrator
// emits at most a few events per second, so a shallow buffer is plenty.
const subscriberBuffer = 32

// ============================================================================
// EVENT HUB
// ============================================================================

// eventHub fans a single orchestrator event channel out to any number of
// SSE subscribers. The orchestrator channel is shared: reading it from two
// handlers directly would split the stream between them.
type eventHub struct {
	mu   sync.Mutex
	subs map[chan setup.Event]struct{}
}

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[chan setup.Event]struct{})}
}

// run pumps events from src to all subscribers until ctx ends.
func (h *eventHub) run(ctx context.Context, src <-chan setup.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-src:
			h.broadcast(ev)
		}
	}
}

// broadcast delivers ev to every subscriber. A subscriber that has fallen
// behind loses this event; the next one carries a newer percent anyway.
func (h *eventHub) broadcast(ev setup.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// subscribe registers a new subscriber and returns its channel along with
// a function that removes it again.
func (h *eventHub) subscribe() (<-chan setup.Event, func()) {
	ch := make(chan setup.Event, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
}

// ============================================================================
// SSE HANDLER
// ============================================================================

// handleSetupEvents handles GET /v1/setup/events: a Server-Sent Events
// stream of setup progress. The stream stays open across runs; clients
// close it once they see a complete or error stage.
func (s *Server) handleSetupEvents(w http.ResponseWriter, r *http.Request) {
	if s.orch == nil || s.hub == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Setup is not available")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sub, unsubscribe := s.hub.subscribe()
	defer unsubscribe()

	// First frame is the current status so a late subscriber is not blind
	// until the next progress event.
	if err := writeSSE(w, flusher, s.orch.Status()); err != nil {
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.runCtx.Done():
			return
		case ev := <-sub:
			if err := writeSSE(w, flusher, ev); err != nil {
				return
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSE marshals v into a single SSE data frame and flushes it.
func writeSSE(w http.ResponseWriter, flusher http.Flusher, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("SSE_MARSHAL_FAILED | error=%v", err)
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
