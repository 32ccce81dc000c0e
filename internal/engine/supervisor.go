// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package engine supervises the Python synthesis engine and provides its HTTP client.
package engine

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jeranaias/voiceforge/internal/setup"
)

// =============================================================================
// SUPERVISOR CONFIGURATION
// =============================================================================

const (
	// DefaultEnginePort is the loopback port the engine listens on.
	DefaultEnginePort = 8791

	// healthPollInterval is how often startup polls /health.
	healthPollInterval = 500 * time.Millisecond

	// shutdownGrace is how long a SIGTERM gets before a hard kill.
	shutdownGrace = 5 * time.Second

	// maxRestarts bounds automatic restarts within restartWindow. A crash
	// loop beyond this leaves the supervisor in StateCrashed for the UI
	// to surface.
	maxRestarts   = 3
	restartWindow = 5 * time.Minute

	// restartBackoffCap bounds the exponential restart delay.
	restartBackoffCap = 30 * time.Second
)

// Config holds supervisor parameters.
type Config struct {
	// DataDir is the application data directory holding the runtime,
	// models, voices, and output.
	DataDir string

	// Port the engine listens on (default: 8791)
	Port int

	// Model is the model directory name under DataDir/models (default: "aria")
	Model string

	// UseGPU selects the cuda device instead of cpu.
	UseGPU bool
}

// State describes the engine process lifecycle.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateCrashed  State = "crashed"
)

// Status is a point-in-time snapshot of the supervised process.
type Status struct {
	State     State     `json:"state"`
	PID       int       `json:"pid,omitempty"`
	Model     string    `json:"model"`
	Device    string    `json:"device"`
	StartedAt time.Time `json:"startedAt"`
	Restarts  int       `json:"restarts"`
	LastError string    `json:"lastError,omitempty"`
}

// =============================================================================
// SUPERVISOR
// =============================================================================

// Supervisor owns one engine process: spawn, readiness, crash restarts,
// and shutdown. All methods are safe for concurrent use.
type Supervisor struct {
	cfg    Config
	client *Client
	tail   *logTail

	mu        sync.Mutex
	ctx       context.Context // daemon lifetime, set by Start; bounds restarts
	cmd       *exec.Cmd
	procDone  chan struct{} // closed once the current process is reaped
	state     State
	startedAt time.Time
	restarts  []time.Time
	lastErr   string
	stopping  bool
}

// NewSupervisor creates a supervisor. Zero config fields get defaults.
func NewSupervisor(cfg Config) *Supervisor {
	if cfg.Port == 0 {
		cfg.Port = DefaultEnginePort
	}
	if cfg.Model == "" {
		cfg.Model = "aria"
	}
	return &Supervisor{
		cfg:    cfg,
		client: NewClient(cfg.Port),
		tail:   &logTail{},
		state:  StateStopped,
	}
}

// Client returns the HTTP client bound to this engine's port.
func (s *Supervisor) Client() *Client {
	return s.client
}

// Status returns a snapshot of the process state.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		State:     s.state,
		Model:     s.cfg.Model,
		Device:    "cpu",
		StartedAt: s.startedAt,
		Restarts:  len(s.restarts),
		LastError: s.lastErr,
	}
	if s.cfg.UseGPU {
		st.Device = "cuda"
	}
	if s.cmd != nil && s.cmd.Process != nil {
		st.PID = s.cmd.Process.Pid
	}
	return st
}

// Start spawns the engine and waits for it to answer health checks.
// Returns nil immediately if the engine is already up. The context bounds
// startup and later automatic restarts; cancel it to stop restarting.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateStarting || s.state == StateRunning {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if setup.SetupRequired(s.cfg.DataDir) {
		return &ClientError{Type: ErrTypeNotRunning, Message: "engine runtime not installed, run setup first"}
	}

	s.mu.Lock()
	if s.state == StateStarting || s.state == StateRunning {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStarting
	s.stopping = false
	s.ctx = ctx
	s.mu.Unlock()

	return s.launch(ctx)
}

// Stop terminates the engine and waits for the process to be reaped.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopping = true
	cmd, done := s.cmd, s.procDone
	if cmd == nil {
		s.state = StateStopped
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := terminate(cmd.Process); err != nil {
		_ = cmd.Process.Kill()
	}

	select {
	case <-done:
	case <-time.After(shutdownGrace):
		_ = cmd.Process.Kill()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		return ctx.Err()
	}

	log.Printf("ENGINE | stopped")
	return nil
}

// Restart stops the engine if it is up and starts it fresh. Used after a
// model switch or a voice library change the running process cannot pick
// up. The restart budget is reset: this is an operator action, not a crash.
func (s *Supervisor) Restart(ctx context.Context) error {
	if err := s.Stop(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.restarts = nil
	s.lastErr = ""
	s.mu.Unlock()
	return s.Start(ctx)
}

// =============================================================================
// PROCESS LIFECYCLE
// =============================================================================

// launch runs one spawn-and-await cycle and hands the process to watch.
func (s *Supervisor) launch(ctx context.Context) error {
	cmd, err := s.spawn()
	if err != nil {
		s.mu.Lock()
		if s.stopping {
			s.state = StateStopped
		} else {
			s.state = StateCrashed
			s.lastErr = err.Error()
		}
		s.mu.Unlock()
		return err
	}

	exit := make(chan error, 1)
	go func() { exit <- cmd.Wait() }()

	done := make(chan struct{})
	s.mu.Lock()
	s.cmd = cmd
	s.procDone = done
	s.mu.Unlock()

	exited, err := s.awaitReady(ctx, exit)
	if err != nil {
		if !exited {
			_ = terminate(cmd.Process)
			select {
			case <-exit:
			case <-time.After(shutdownGrace):
				_ = cmd.Process.Kill()
				<-exit
			}
		}
		s.mu.Lock()
		s.cmd = nil
		if s.stopping {
			s.state = StateStopped
		} else {
			s.state = StateCrashed
			s.lastErr = err.Error()
		}
		s.mu.Unlock()
		close(done)
		return err
	}

	s.mu.Lock()
	if s.stopping {
		// Stop won the race before the process was registered; honor it.
		s.cmd = nil
		s.state = StateStopped
		s.mu.Unlock()
		_ = terminate(cmd.Process)
		select {
		case <-exit:
		case <-time.After(shutdownGrace):
			_ = cmd.Process.Kill()
			<-exit
		}
		close(done)
		return &ClientError{Type: ErrTypeNotRunning, Message: "engine stopped during startup"}
	}
	s.state = StateRunning
	s.startedAt = time.Now()
	s.lastErr = ""
	s.mu.Unlock()
	log.Printf("ENGINE | ready pid=%d port=%d", cmd.Process.Pid, s.cfg.Port)

	go s.watch(exit, done)
	return nil
}

// awaitReady polls /health until the engine answers. There is no overall
// deadline: model load time varies too much across hardware for a fixed
// cap. The loop is bounded by process liveness and the caller's context.
// exited reports whether the value on exit was consumed.
func (s *Supervisor) awaitReady(ctx context.Context, exit <-chan error) (exited bool, err error) {
	ticker := time.NewTicker(healthPollInterval)
	defer ticker.Stop()

	for {
		checkCtx, cancel := context.WithTimeout(ctx, healthPollInterval)
		checkErr := s.client.CheckRunning(checkCtx)
		cancel()
		if checkErr == nil {
			return false, nil
		}

		select {
		case werr := <-exit:
			msg := "engine exited during startup"
			if werr != nil {
				msg = fmt.Sprintf("engine exited during startup: %v", werr)
			}
			if detail := s.tail.String(); detail != "" {
				msg += "\n" + detail
			}
			return true, &ClientError{Type: ErrTypeNotRunning, Message: msg}
		case <-ctx.Done():
			return false, &ClientError{Type: ErrTypeConnection, Message: "engine startup canceled", Cause: ctx.Err()}
		case <-ticker.C:
		}
	}
}

// spawn builds and starts the engine process without waiting for readiness.
func (s *Supervisor) spawn() (*exec.Cmd, error) {
	python, err := enginePython(s.cfg.DataDir)
	if err != nil {
		return nil, &ClientError{Type: ErrTypeNotRunning, Message: "engine runtime not found", Cause: err}
	}
	script := filepath.Join(s.cfg.DataDir, "runtime", "engine", "server.py")
	if _, err := os.Stat(script); err != nil {
		return nil, &ClientError{Type: ErrTypeNotRunning, Message: "engine server script missing, re-run setup", Cause: err}
	}

	device := "cpu"
	if s.cfg.UseGPU {
		device = "cuda"
	}
	cmd := exec.Command(python, script,
		"--port", strconv.Itoa(s.cfg.Port),
		"--model-dir", filepath.Join(s.cfg.DataDir, "models", s.cfg.Model),
		"--device", device,
		"--output-dir", filepath.Join(s.cfg.DataDir, "output"),
		"--voices-dir", filepath.Join(s.cfg.DataDir, "voices"),
	)
	cmd.Dir = filepath.Join(s.cfg.DataDir, "runtime")

	// Pass the environment through so CUDA_VISIBLE_DEVICES and proxy
	// settings reach the engine
	cmd.Env = os.Environ()
	cmd.Stdout = s.tail
	cmd.Stderr = s.tail
	cmd.Stdin = nil
	configureSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return nil, &ClientError{Type: ErrTypeNotRunning, Message: fmt.Sprintf("failed to start engine (python: %s)", python), Cause: err}
	}

	log.Printf("ENGINE | spawned pid=%d port=%d model=%s device=%s", cmd.Process.Pid, s.cfg.Port, s.cfg.Model, device)
	return cmd, nil
}

// watch reaps the running process and drives crash restarts.
func (s *Supervisor) watch(exit <-chan error, done chan struct{}) {
	werr := <-exit
	close(done)

	s.mu.Lock()
	if s.stopping {
		s.state = StateStopped
		s.cmd = nil
		s.mu.Unlock()
		return
	}

	now := time.Now()
	s.restarts = append(pruneRestarts(s.restarts, now), now)
	attempt := len(s.restarts)
	s.lastErr = "engine exited unexpectedly"
	if werr != nil {
		s.lastErr = fmt.Sprintf("engine exited unexpectedly: %v", werr)
	}
	s.cmd = nil

	if attempt > maxRestarts {
		s.state = StateCrashed
		s.mu.Unlock()
		log.Printf("ENGINE | giving up after %d crashes within %s", attempt, restartWindow)
		return
	}

	s.state = StateStarting
	ctx := s.ctx
	s.mu.Unlock()

	delay := backoffDelay(attempt)
	log.Printf("ENGINE | crashed, restart attempt=%d in %s", attempt, delay)

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		s.mu.Lock()
		s.state = StateStopped
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	if s.stopping {
		s.state = StateStopped
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := s.launch(ctx); err != nil {
		log.Printf("ENGINE | restart failed: %v", err)
	}
}

// backoffDelay returns the pause before restart attempt n (1-based):
// 1s, 2s, 4s, capped at restartBackoffCap.
func backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Second << (attempt - 1)
	if d <= 0 || d > restartBackoffCap {
		return restartBackoffCap
	}
	return d
}

// pruneRestarts drops restart records older than the crash window, so an
// occasional crash hours apart never exhausts the restart budget.
func pruneRestarts(times []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-restartWindow)
	var kept []time.Time
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

// =============================================================================
// OUTPUT CAPTURE
// =============================================================================

// tailLines is how many recent engine output lines crash messages carry.
const tailLines = 20

// logTail forwards engine output to the daemon log and keeps the last few
// lines for crash diagnostics.
type logTail struct {
	mu    sync.Mutex
	buf   []byte
	lines []string
}

func (t *logTail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	for {
		i := bytes.IndexByte(t.buf, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(t.buf[:i]), "\r")
		t.buf = t.buf[i+1:]
		if line == "" {
			continue
		}
		log.Printf("ENGINE | py: %s", line)
		t.lines = append(t.lines, line)
		if len(t.lines) > tailLines {
			t.lines = t.lines[1:]
		}
	}
	return len(p), nil
}

// String returns the retained tail, oldest line first.
func (t *logTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}
