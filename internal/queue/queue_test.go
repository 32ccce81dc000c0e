// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jeranaias/voiceforge/internal/engine"
	"github.com/jeranaias/voiceforge/internal/storage"
)

// fakeSynth is a controllable Synthesizer for worker tests.
type fakeSynth struct {
	mu    sync.Mutex
	calls []string

	err   error
	block chan struct{} // When non-nil, Synthesize waits on it (or ctx)
}

func (f *fakeSynth) Synthesize(ctx context.Context, req engine.SynthesizeRequest) (*engine.SynthesizeResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.Text)
	block := f.block
	err := f.err
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &engine.SynthesizeResponse{
		AudioPath:  "/tmp/" + req.Voice + ".wav",
		DurationMs: 1200,
		SampleRate: 22050,
		Chunks: []engine.ChunkTiming{
			{Text: req.Text, StartMs: 0, EndMs: 1200},
		},
	}, nil
}

func (f *fakeSynth) callOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.calls...)
}

// waitForStatus polls until the job reaches the wanted status.
func waitForStatus(t *testing.T, q *Queue, id string, want JobStatus) *Job {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		job, err := q.Get(id)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if job.Status == want {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	job, _ := q.Get(id)
	t.Fatalf("Job never reached %s, stuck at %s", want, job.Status)
	return nil
}

// =============================================================================
// JOB TESTS
// =============================================================================

func TestNewJob(t *testing.T) {
	job := NewJob("Hello", "aria", 0)

	if job.ID == "" {
		t.Error("Job ID should not be empty")
	}
	if job.GetStatus() != JobStatusQueued {
		t.Errorf("Expected status Queued, got %s", job.GetStatus())
	}
	if job.Speed != 1.0 {
		t.Errorf("Zero speed should default to 1.0, got %v", job.Speed)
	}
	if job.CreatedAt.IsZero() {
		t.Error("CreatedAt should be set")
	}
}

func TestJobStatusTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    JobStatus
		to      JobStatus
		wantErr bool
	}{
		{"queued to running", JobStatusQueued, JobStatusRunning, false},
		{"queued to canceled", JobStatusQueued, JobStatusCanceled, false},
		{"queued to complete", JobStatusQueued, JobStatusComplete, true},
		{"running to complete", JobStatusRunning, JobStatusComplete, false},
		{"running to failed", JobStatusRunning, JobStatusFailed, false},
		{"complete to running", JobStatusComplete, JobStatusRunning, true},
		{"failed to queued", JobStatusFailed, JobStatusQueued, true},
		{"same status idempotent", JobStatusRunning, JobStatusRunning, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := NewJob("x", "aria", 1.0)
			job.Status = tt.from

			err := job.SetStatus(tt.to)
			if (err != nil) != tt.wantErr {
				t.Errorf("SetStatus(%s->%s) error = %v, wantErr %v", tt.from, tt.to, err, tt.wantErr)
			}
		})
	}
}

func TestJobLifecycleMarks(t *testing.T) {
	job := NewJob("Hello", "aria", 1.0)

	job.MarkStarted()
	if job.GetStatus() != JobStatusRunning {
		t.Error("Job should be running after MarkStarted()")
	}
	if job.StartedAt.IsZero() {
		t.Error("StartedAt should be set")
	}

	job.MarkComplete("gen-1", "/tmp/out.wav")
	if job.GetStatus() != JobStatusComplete {
		t.Error("Job should be complete after MarkComplete()")
	}
	if job.GenerationID != "gen-1" || job.OutputPath != "/tmp/out.wav" {
		t.Errorf("Completion fields not recorded: %+v", job)
	}
	if job.Duration() < 0 {
		t.Error("Job duration should not be negative")
	}
	if !job.IsTerminal() {
		t.Error("Complete job should be terminal")
	}
}

func TestJobClone(t *testing.T) {
	job := NewJob("Hello", "aria", 1.0)
	clone := job.Clone()

	clone.Text = "changed"
	if job.Text != "Hello" {
		t.Error("Clone should be independent of the original")
	}
}

// =============================================================================
// QUEUE TESTS
// =============================================================================

func TestQueue_SubmitAndGet(t *testing.T) {
	synth := &fakeSynth{block: make(chan struct{})}
	q, err := New(Config{Synthesizer: synth})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer q.Close()

	job, err := q.Submit("Hello", "aria", 1.25)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if job.ID == "" {
		t.Error("Submitted job should have an ID")
	}

	got, err := q.Get(job.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Text != "Hello" || got.Speed != 1.25 {
		t.Errorf("Got %+v, want submitted fields", got)
	}

	if _, err := q.Get("nonexistent"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Expected ErrJobNotFound, got %v", err)
	}

	if len(q.List()) != 1 {
		t.Errorf("List should contain the submitted job")
	}
}

func TestQueue_SubmitValidation(t *testing.T) {
	synth := &fakeSynth{block: make(chan struct{})}
	q, err := New(Config{Synthesizer: synth, MaxQueued: 1})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer q.Close()

	if _, err := q.Submit("   ", "aria", 1.0); err == nil {
		t.Error("Expected error for empty text")
	}

	// First job gets claimed by the worker, second fills the queue
	first, err := q.Submit("one", "aria", 1.0)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	waitForStatus(t, q, first.ID, JobStatusRunning)

	if _, err := q.Submit("two", "aria", 1.0); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := q.Submit("three", "aria", 1.0); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Expected ErrQueueFull, got %v", err)
	}
}

func TestQueue_WorkerCompletesJob(t *testing.T) {
	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	synth := &fakeSynth{}
	q, err := New(Config{Synthesizer: synth, Store: store})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer q.Close()

	job, err := q.Submit("Hello world", "aria", 1.0)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	done := waitForStatus(t, q, job.ID, JobStatusComplete)
	if done.OutputPath != "/tmp/aria.wav" {
		t.Errorf("OutputPath = %q, want fake synth path", done.OutputPath)
	}
	if done.GenerationID == "" {
		t.Fatal("Completed job should link to a history entry")
	}

	// The history entry carries the chunk timings
	gen, err := store.GetGeneration(done.GenerationID)
	if err != nil {
		t.Fatalf("GetGeneration failed: %v", err)
	}
	if gen.Text != "Hello world" || len(gen.Segments) != 1 {
		t.Errorf("History entry = %+v, want recorded job", gen)
	}
	if gen.DurationSecs != 1.2 {
		t.Errorf("DurationSecs = %v, want 1.2", gen.DurationSecs)
	}

	// Completion lands on the notification channel
	select {
	case n := <-q.Notifications():
		if n.JobID != job.ID || n.Status != JobStatusComplete {
			t.Errorf("Notification = %+v, want completion for %s", n, job.ID)
		}
	case <-time.After(time.Second):
		t.Error("Expected a completion notification")
	}
}

func TestQueue_WorkerFailsJob(t *testing.T) {
	synth := &fakeSynth{err: errors.New("CUDA out of memory")}
	q, err := New(Config{Synthesizer: synth})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer q.Close()

	job, err := q.Submit("Hello", "aria", 1.0)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	failed := waitForStatus(t, q, job.ID, JobStatusFailed)
	if failed.Error == "" || failed.GenerationID != "" {
		t.Errorf("Failed job = %+v, want error and no history link", failed)
	}

	select {
	case n := <-q.Notifications():
		if n.Status != JobStatusFailed || n.Error == "" {
			t.Errorf("Notification = %+v, want failure", n)
		}
	case <-time.After(time.Second):
		t.Error("Expected a failure notification")
	}
}

func TestQueue_FIFOOrder(t *testing.T) {
	synth := &fakeSynth{}
	q, err := New(Config{Synthesizer: synth})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer q.Close()

	var last *Job
	for _, text := range []string{"first", "second", "third"} {
		job, err := q.Submit(text, "aria", 1.0)
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		last = job
	}

	waitForStatus(t, q, last.ID, JobStatusComplete)

	order := synth.callOrder()
	if len(order) != 3 || order[0] != "first" || order[1] != "second" || order[2] != "third" {
		t.Errorf("Execution order = %v, want submit order", order)
	}
}

func TestQueue_Cancel(t *testing.T) {
	synth := &fakeSynth{block: make(chan struct{})}
	q, err := New(Config{Synthesizer: synth})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer q.Close()

	running, err := q.Submit("running", "aria", 1.0)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	waitForStatus(t, q, running.ID, JobStatusRunning)

	queued, err := q.Submit("queued", "aria", 1.0)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	// Queued jobs cancel cleanly
	if err := q.Cancel(queued.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	got, _ := q.Get(queued.ID)
	if got.Status != JobStatusCanceled {
		t.Errorf("Status = %s, want Canceled", got.Status)
	}

	// The running job is left alone
	if err := q.Cancel(running.ID); !errors.Is(err, ErrJobNotCancelable) {
		t.Errorf("Expected ErrJobNotCancelable, got %v", err)
	}
	if err := q.Cancel("nonexistent"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Expected ErrJobNotFound, got %v", err)
	}

	// A canceled job emits a notification
	select {
	case n := <-q.Notifications():
		if n.JobID != queued.ID || n.Status != JobStatusCanceled {
			t.Errorf("Notification = %+v, want cancellation for %s", n, queued.ID)
		}
	case <-time.After(time.Second):
		t.Error("Expected a cancellation notification")
	}
}

func TestQueue_Close(t *testing.T) {
	synth := &fakeSynth{block: make(chan struct{})}
	q, err := New(Config{Synthesizer: synth})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	job, err := q.Submit("stuck", "aria", 1.0)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	waitForStatus(t, q, job.ID, JobStatusRunning)

	// Close aborts the in-flight synthesis
	q.Close()

	got, _ := q.Get(job.ID)
	if got.Status != JobStatusCanceled {
		t.Errorf("Status after Close = %s, want Canceled", got.Status)
	}

	if _, err := q.Submit("late", "aria", 1.0); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Expected ErrQueueClosed, got %v", err)
	}

	// Double Close is safe
	q.Close()
}