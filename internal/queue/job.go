// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package queue runs batch synthesis jobs sequentially through the engine.
package queue

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// JOB STATUS
// =============================================================================

// JobStatus represents the current state of a synthesis job.
type JobStatus string

const (
	// JobStatusQueued indicates the job is waiting its turn
	JobStatusQueued JobStatus = "Queued"

	// JobStatusRunning indicates the job is being synthesized
	JobStatusRunning JobStatus = "Running"

	// JobStatusComplete indicates the job finished successfully
	JobStatusComplete JobStatus = "Complete"

	// JobStatusFailed indicates the job encountered an error
	JobStatusFailed JobStatus = "Failed"

	// JobStatusCanceled indicates the job was canceled before running
	JobStatusCanceled JobStatus = "Canceled"
)

// String returns the string representation of the job status.
func (s JobStatus) String() string {
	return string(s)
}

// =============================================================================
// JOB STRUCTURE
// =============================================================================

// Job represents one queued synthesis request.
type Job struct {
	// ID is a unique identifier for this job
	ID string `json:"id"`

	// Text is the text to synthesize
	Text string `json:"text"`

	// Voice is the voice ID to synthesize with
	Voice string `json:"voice"`

	// Speed is the playback speed multiplier
	Speed float64 `json:"speed"`

	// OutputPath is where the audio landed, set on completion
	OutputPath string `json:"output_path,omitempty"`

	// Status is the current state of the job
	Status JobStatus `json:"status"`

	// Error is the failure message if the job failed
	Error string `json:"error,omitempty"`

	// CreatedAt is when the job was submitted
	CreatedAt time.Time `json:"created_at"`

	// StartedAt is when synthesis began
	StartedAt time.Time `json:"started_at,omitempty"`

	// CompletedAt is when the job reached a terminal state
	CompletedAt time.Time `json:"completed_at,omitempty"`

	// GenerationID links to the history entry, set on completion
	GenerationID string `json:"generation_id,omitempty"`

	// mu protects concurrent access to the job
	mu sync.RWMutex
}

// NewJob creates a queued job for the given request.
func NewJob(text, voice string, speed float64) *Job {
	if speed == 0 {
		speed = 1.0
	}
	return &Job{
		ID:        uuid.New().String(),
		Text:      text,
		Voice:     voice,
		Speed:     speed,
		Status:    JobStatusQueued,
		CreatedAt: time.Now(),
	}
}

// =============================================================================
// JOB METHODS
// =============================================================================

// SetStatus updates the job status (thread-safe).
// Validates state transitions to prevent invalid status changes.
// Valid transitions: Queued -> Running -> Complete/Failed, Queued -> Canceled
func (j *Job) SetStatus(status JobStatus) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.isValidTransition(j.Status, status) {
		return fmt.Errorf("invalid status transition from %s to %s", j.Status, status)
	}

	j.Status = status
	return nil
}

// isValidTransition checks if a status transition is valid (must be called with lock held).
func (j *Job) isValidTransition(from, to JobStatus) bool {
	// Allow setting the same status (idempotent)
	if from == to {
		return true
	}

	switch from {
	case JobStatusQueued:
		return to == JobStatusRunning || to == JobStatusCanceled
	case JobStatusRunning:
		// The running job always finishes; cancellation only applies while queued
		return to == JobStatusComplete || to == JobStatusFailed || to == JobStatusCanceled
	case JobStatusComplete, JobStatusFailed, JobStatusCanceled:
		// Terminal states - no transitions allowed
		return false
	default:
		return false
	}
}

// GetStatus returns the current job status (thread-safe).
func (j *Job) GetStatus() JobStatus {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status
}

// MarkStarted marks the job as running (thread-safe).
func (j *Job) MarkStarted() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Status = JobStatusRunning
	j.StartedAt = time.Now()
}

// MarkComplete records the synthesis result and marks the job complete (thread-safe).
func (j *Job) MarkComplete(generationID, outputPath string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Status = JobStatusComplete
	j.GenerationID = generationID
	j.OutputPath = outputPath
	j.CompletedAt = time.Now()
}

// MarkFailed records the failure and marks the job failed (thread-safe).
func (j *Job) MarkFailed(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err != nil {
		j.Error = err.Error()
	}
	j.Status = JobStatusFailed
	j.CompletedAt = time.Now()
}

// MarkCanceled marks the job as canceled (thread-safe).
func (j *Job) MarkCanceled() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Status = JobStatusCanceled
	j.CompletedAt = time.Now()
}

// Duration returns how long the job has been running or took to complete.
func (j *Job) Duration() time.Duration {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if j.StartedAt.IsZero() {
		return 0
	}
	if j.CompletedAt.IsZero() {
		return time.Since(j.StartedAt)
	}
	return j.CompletedAt.Sub(j.StartedAt)
}

// IsTerminal returns true if the job has finished (success, failure, or canceled).
func (j *Job) IsTerminal() bool {
	status := j.GetStatus()
	return status == JobStatusComplete || status == JobStatusFailed || status == JobStatusCanceled
}

// Clone creates a thread-safe copy of the job for reading.
func (j *Job) Clone() *Job {
	j.mu.RLock()
	defer j.mu.RUnlock()

	return &Job{
		ID:           j.ID,
		Text:         j.Text,
		Voice:        j.Voice,
		Speed:        j.Speed,
		OutputPath:   j.OutputPath,
		Status:       j.Status,
		Error:        j.Error,
		CreatedAt:    j.CreatedAt,
		StartedAt:    j.StartedAt,
		CompletedAt:  j.CompletedAt,
		GenerationID: j.GenerationID,
	}
}
