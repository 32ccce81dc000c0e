// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package queue runs batch synthesis jobs sequentially through the engine.
//
// The engine loads one model onto one device, so the queue never runs jobs
// concurrently: a single worker claims jobs in FIFO order, synthesizes
// through the engine client, and records each success into history.
//
// # Key Types
//
//   - Queue: Job list plus the worker goroutine
//   - Job: One synthesis request with thread-safe status transitions
//   - Notification: Terminal-state report on a non-blocking channel
//
// # Usage
//
// Build a queue over the engine client and submit work:
//
//	q, err := queue.New(queue.Config{Synthesizer: client, Store: store})
//	defer q.Close()
//
//	job, err := q.Submit("Hello world", "aria", 1.0)
//
// Watch for completions:
//
//	for n := range q.Notifications() {
//	    log.Printf("job %s: %s", n.JobID, n.Status)
//	}
//
// # Cancellation
//
// Cancel only applies to jobs still waiting. The running job always
// finishes; partial audio from a killed synthesis would be useless.
package queue
