// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package queue runs batch synthesis jobs sequentially through the engine.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jeranaias/voiceforge/internal/engine"
	"github.com/jeranaias/voiceforge/internal/storage"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	ErrJobNotFound      = errors.New("job not found")
	ErrJobNotCancelable = errors.New("job is not queued")
	ErrQueueFull        = errors.New("queue is full")
	ErrQueueClosed      = errors.New("queue is closed")
)

// =============================================================================
// SYNTHESIZER INTERFACE
// =============================================================================

// Synthesizer is the slice of the engine client the queue needs.
type Synthesizer interface {
	Synthesize(ctx context.Context, req engine.SynthesizeRequest) (*engine.SynthesizeResponse, error)
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

// Notification reports a job reaching a terminal state.
type Notification struct {
	JobID    string
	Status   JobStatus
	Error    string
	Duration time.Duration
}

// =============================================================================
// QUEUE
// =============================================================================

// Config holds queue configuration.
type Config struct {
	// Synthesizer executes jobs, normally the engine client
	Synthesizer Synthesizer

	// Store records completed generations. Nil disables history recording
	Store *storage.Store

	// MaxQueued caps waiting jobs (0 = default)
	MaxQueued int

	// HistoryLimit prunes history after each recorded generation (0 = no pruning)
	HistoryLimit int
}

// Queue manages synthesis jobs with one worker executing them in FIFO order.
// The engine holds one model on one device, so jobs never run concurrently.
type Queue struct {
	cfg Config

	// jobs is the list of all jobs in submit order
	jobs []*Job

	// mu protects concurrent access to the queue
	mu sync.RWMutex

	// notifyChan sends notifications when jobs reach a terminal state
	notifyChan chan Notification

	stop    chan struct{}
	stopped atomic.Bool // Prevents new work after Close() is called
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

const defaultMaxQueued = 100

// New creates a queue and starts its worker.
func New(cfg Config) (*Queue, error) {
	if cfg.Synthesizer == nil {
		return nil, errors.New("synthesizer cannot be nil")
	}
	if cfg.MaxQueued <= 0 {
		cfg.MaxQueued = defaultMaxQueued
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		cfg:        cfg,
		jobs:       make([]*Job, 0),
		notifyChan: make(chan Notification, 100),
		stop:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}

	q.wg.Add(1)
	go q.processLoop()

	return q, nil
}

// Close stops the worker. The running job's synthesis call is canceled.
func (q *Queue) Close() {
	if q.stopped.Swap(true) {
		return
	}
	close(q.stop)
	q.cancel()
	q.wg.Wait()
}

// =============================================================================
// JOB MANAGEMENT
// =============================================================================

// Submit queues a new job.
func (q *Queue) Submit(text, voice string, speed float64) (*Job, error) {
	if q.stopped.Load() {
		return nil, ErrQueueClosed
	}
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("text cannot be empty")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	queued := 0
	for _, j := range q.jobs {
		if j.GetStatus() == JobStatusQueued {
			queued++
		}
	}
	if queued >= q.cfg.MaxQueued {
		return nil, fmt.Errorf("%w: %d queued jobs (max: %d)", ErrQueueFull, queued, q.cfg.MaxQueued)
	}

	job := NewJob(text, voice, speed)
	q.jobs = append(q.jobs, job)
	return job.Clone(), nil
}

// Get retrieves a job by ID.
func (q *Queue) Get(id string) (*Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	for _, job := range q.jobs {
		if job.ID == id {
			return job.Clone(), nil
		}
	}
	return nil, ErrJobNotFound
}

// List returns a copy of all jobs in submit order.
func (q *Queue) List() []*Job {
	q.mu.RLock()
	defer q.mu.RUnlock()

	result := make([]*Job, len(q.jobs))
	for i, job := range q.jobs {
		result[i] = job.Clone()
	}
	return result
}

// Cancel cancels a queued job. The running job always finishes.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, job := range q.jobs {
		if job.ID != id {
			continue
		}
		if job.GetStatus() != JobStatusQueued {
			return ErrJobNotCancelable
		}
		job.MarkCanceled()
		q.notify(Notification{
			JobID:    job.ID,
			Status:   JobStatusCanceled,
			Duration: job.Duration(),
		})
		return nil
	}
	return ErrJobNotFound
}

// =============================================================================
// WORKER
// =============================================================================

// processLoop picks up queued jobs in FIFO order, one at a time.
func (q *Queue) processLoop() {
	defer q.wg.Done()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
			if q.stopped.Load() {
				return
			}
			if job := q.nextQueued(); job != nil {
				q.executeJob(job)
			}
		}
	}
}

// nextQueued atomically claims the oldest queued job.
// Returns the original pointer so status changes land on the queued job,
// not a clone.
func (q *Queue) nextQueued() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, job := range q.jobs {
		if job.GetStatus() == JobStatusQueued {
			job.MarkStarted()
			return job
		}
	}
	return nil
}

// executeJob synthesizes one job and records the outcome.
func (q *Queue) executeJob(job *Job) {
	// Output names carry the job ID so batch renders never collide.
	resp, err := q.cfg.Synthesizer.Synthesize(q.ctx, engine.SynthesizeRequest{
		Text:       job.Text,
		Voice:      job.Voice,
		Speed:      job.Speed,
		OutputName: "job-" + job.ID,
	})
	if err != nil {
		if q.ctx.Err() != nil {
			// Shut down mid-job: the work is gone, not failed
			job.MarkCanceled()
			q.sendNotification(job)
			return
		}
		job.MarkFailed(err)
		q.sendNotification(job)
		return
	}

	generationID := q.recordGeneration(job, resp)
	job.MarkComplete(generationID, resp.AudioPath)
	q.sendNotification(job)
}

// recordGeneration writes the history entry for a finished job and prunes
// old entries. History failures are logged, not fatal: the audio exists.
func (q *Queue) recordGeneration(job *Job, resp *engine.SynthesizeResponse) string {
	if q.cfg.Store == nil {
		return ""
	}

	segments := make([]storage.Segment, 0, len(resp.Chunks))
	for _, c := range resp.Chunks {
		segments = append(segments, storage.Segment{
			Text:    c.Text,
			StartMs: c.StartMs,
			EndMs:   c.EndMs,
		})
	}

	gen := &storage.Generation{
		Text:         job.Text,
		Voice:        job.Voice,
		Speed:        job.Speed,
		DurationSecs: resp.Duration().Seconds(),
		OutputPath:   resp.AudioPath,
		Segments:     segments,
	}
	if err := q.cfg.Store.AddGeneration(gen); err != nil {
		log.Printf("QUEUE | history record failed job=%s err=%v", job.ID, err)
		return ""
	}
	if q.cfg.HistoryLimit > 0 {
		if _, err := q.cfg.Store.PruneGenerations(q.cfg.HistoryLimit); err != nil {
			log.Printf("QUEUE | history prune failed err=%v", err)
		}
	}
	return gen.ID
}

// sendNotification reports a terminal job on the notification channel.
func (q *Queue) sendNotification(job *Job) {
	j := job.Clone()
	q.mu.Lock()
	q.notify(Notification{
		JobID:    j.ID,
		Status:   j.Status,
		Error:    j.Error,
		Duration: job.Duration(),
	})
	q.mu.Unlock()
}

// Notifications returns the notification channel.
// Consumers can read from this channel to learn when jobs finish.
func (q *Queue) Notifications() <-chan Notification {
	return q.notifyChan
}

// notify sends a notification (must be called with lock held).
func (q *Queue) notify(notification Notification) {
	select {
	case q.notifyChan <- notification:
		// Notification sent successfully
	default:
		// Channel full, drop notification and log warning
		log.Printf("WARNING: notification channel full, dropped notification for job %s (status: %s)",
			notification.JobID, notification.Status)
	}
}

// =============================================================================
// QUERIES
// =============================================================================

// Counts returns the number of jobs per status bucket.
func (q *Queue) Counts() (queued, running, completed, failed int) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	for _, job := range q.jobs {
		switch job.GetStatus() {
		case JobStatusQueued:
			queued++
		case JobStatusRunning:
			running++
		case JobStatusComplete:
			completed++
		case JobStatusFailed:
			failed++
		}
	}
	return queued, running, completed, failed
}

// Summary returns a formatted summary of the queue.
func (q *Queue) Summary() string {
	queued, running, completed, failed := q.Counts()
	return fmt.Sprintf("Running: %d | Queued: %d | Completed: %d | Failed: %d",
		running, queued, completed, failed)
}
