// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package setup provisions the Python runtime, engine dependencies, and
// model weights for the voiceforge engine.
package setup

// =============================================================================
// PROGRESS EVENTS
// =============================================================================

// Stage identifies the coarse phase a progress event belongs to. The UI
// shell keys its step indicator off these values, so they are wire-stable.
type Stage string

const (
	StagePython       Stage = "python"
	StageDependencies Stage = "dependencies"
	StageModel        Stage = "model"
	StageComplete     Stage = "complete"
	StageError        Stage = "error"
)

// Event is one progress update. Percent is global across the whole run,
// 0 through 100, and never decreases. Log carries optional detail (tool
// output, error detail) that the UI shows in an expandable pane.
type Event struct {
	Stage   Stage  `json:"stage"`
	Percent int    `json:"percent"`
	Message string `json:"message"`
	Log     string `json:"log,omitempty"`
}

// emitter serializes events onto a bounded channel. Sends never block: when
// the consumer lags, the oldest buffered event is dropped, because a newer
// percent supersedes an older one anyway.
type emitter struct {
	ch          chan Event
	lastPercent int
}

func newEmitter(buffer int) *emitter {
	if buffer < 1 {
		buffer = 1
	}
	return &emitter{ch: make(chan Event, buffer)}
}

// Events returns the receive side for the consumer (the API layer).
func (e *emitter) Events() <-chan Event {
	return e.ch
}

// emit publishes an event, clamping percent so the sequence stays monotonic
// non-decreasing and inside 0..100.
func (e *emitter) emit(stage Stage, percent int, message, logDetail string) {
	if percent < e.lastPercent {
		percent = e.lastPercent
	}
	if percent > 100 {
		percent = 100
	}
	e.lastPercent = percent

	ev := Event{Stage: stage, Percent: percent, Message: message, Log: logDetail}
	select {
	case e.ch <- ev:
	default:
		select {
		case <-e.ch:
		default:
		}
		select {
		case e.ch <- ev:
		default:
		}
	}
}

// The channel is never closed: a failed run is retried by invoking Run
// again on the same orchestrator, and consumers key off the terminal
// complete/error events instead of channel closure.
