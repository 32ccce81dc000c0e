// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package setup provisions the Python runtime, engine dependencies, and
// model weights for the voiceforge engine.
package setup

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jeranaias/voiceforge/internal/util"
)

// Overridable for marker timestamp tests.
var timeNow = time.Now

// =============================================================================
// ARCHIVE PLAN
// =============================================================================

// Well-known archive keys. The manifest may publish more; setup only pulls
// what the plan names.
const (
	keyPython    = "python"
	keyTorchCUDA = "torch-cuda"
	keyTorchCPU  = "torch-cpu"
	keyDeps      = "deps"

	modelKeyPrefix = "model-"
)

// planItem is one archive to install, with its fixed slice of the global
// progress range. Ranges are disjoint and ordered, which is what keeps the
// overall percent monotonic without any cross-archive bookkeeping.
type planItem struct {
	key     string
	stage   Stage
	label   string
	destDir string
	lo, hi  int
}

// Within one archive's range: the transfer dominates wall time, so it gets
// the bulk of the slice.
const (
	downloadWeight = 0.70
	verifyWeight   = 0.10
)

func (p planItem) scale(frac float64) int {
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	return p.lo + int(frac*float64(p.hi-p.lo))
}

// =============================================================================
// RUN STATE
// =============================================================================

// RunState is the orchestrator's coarse lifecycle state.
type RunState string

const (
	StateIdle             RunState = "idle"
	StateFetchingManifest RunState = "fetching-manifest"
	StateInstalling       RunState = "installing"
	StateFinalizing       RunState = "finalizing"
	StateComplete         RunState = "complete"
	StateError            RunState = "error"
)

// Status is a point-in-time snapshot for the status endpoint.
type Status struct {
	State        RunState `json:"state"`
	ArchiveIndex int      `json:"archiveIndex,omitempty"`
	ArchiveCount int      `json:"archiveCount,omitempty"`
	Percent      int      `json:"percent"`
	Message      string   `json:"message,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Options selects what a setup run installs.
type Options struct {
	Model  string `json:"model"`
	UseGPU bool   `json:"useGpu"`
}

// Config holds orchestrator construction parameters.
type Config struct {
	// BaseURL is the release server root (manifest plus archives).
	BaseURL string
	// DataDir is the application data directory that receives the runtime,
	// models, downloads, and the completion marker.
	DataDir string
	// MaxBandwidthMBps caps download speed; zero means unlimited.
	MaxBandwidthMBps float64
	// EventBuffer sizes the progress channel (default 64).
	EventBuffer int
}

// Orchestrator sequences one setup run: manifest fetch, then per archive
// download, verify, extract, cleanup, then post-install fixups and the
// completion marker. It holds no package-level state; construct one per
// daemon and reuse it across retries.
type Orchestrator struct {
	fetcher    *Fetcher
	downloader *Downloader
	dataDir    string
	events     *emitter

	running atomic.Bool
	aborted atomic.Bool

	mu     sync.Mutex
	status Status
}

// New creates an orchestrator. Run may be called repeatedly (retry after a
// failed run resumes from on-disk partial state), but never concurrently.
func New(cfg Config) *Orchestrator {
	dl := NewDownloader()
	if cfg.MaxBandwidthMBps > 0 {
		dl.SetBandwidthLimit(cfg.MaxBandwidthMBps)
	}
	buffer := cfg.EventBuffer
	if buffer == 0 {
		buffer = 64
	}
	return &Orchestrator{
		fetcher:    NewFetcher(cfg.BaseURL),
		downloader: dl,
		dataDir:    cfg.DataDir,
		events:     newEmitter(buffer),
		status:     Status{State: StateIdle},
	}
}

// Events returns the progress stream. The channel is shared across runs and
// is never closed; terminal events carry StageComplete or StageError.
func (o *Orchestrator) Events() <-chan Event {
	return o.events.Events()
}

// Status returns a snapshot of the current run state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Abort requests a cooperative stop. The flag is sampled between archives
// only: an in-flight archive finishes (or fails) before the run ends, and
// its partial state stays on disk for the next run either way.
func (o *Orchestrator) Abort() {
	o.aborted.Store(true)
}

// Running reports whether a run is in flight.
func (o *Orchestrator) Running() bool {
	return o.running.Load()
}

// Run executes a full setup pass. It returns nil only after the completion
// marker is written; every failure path leaves the marker absent so the
// next launch re-enters setup.
func (o *Orchestrator) Run(ctx context.Context, opts Options) error {
	if !o.running.CompareAndSwap(false, true) {
		return NewFatalError("a setup run is already in progress", nil)
	}
	defer o.running.Store(false)
	o.aborted.Store(false)

	if err := o.run(ctx, opts); err != nil {
		log.Printf("SETUP | state=error err=%v", err)
		o.setState(StateError, func(s *Status) { s.Error = err.Error() })
		o.emit(StageError, o.events.lastPercent, "Setup failed: "+err.Error(), errorDetail(err))
		return err
	}
	return nil
}

func (o *Orchestrator) run(ctx context.Context, opts Options) error {
	if opts.Model == "" {
		return NewFatalError("no model selected", nil)
	}

	o.setState(StateFetchingManifest, func(s *Status) { *s = Status{State: StateFetchingManifest} })
	o.emit(StagePython, 0, "Fetching release manifest", "")
	log.Printf("SETUP | state=fetching-manifest model=%s gpu=%t", opts.Model, opts.UseGPU)

	manifest, err := o.fetcher.Fetch(ctx)
	if err != nil {
		return err
	}

	plan, err := o.buildPlan(manifest, opts)
	if err != nil {
		return err
	}

	downloadDir := filepath.Join(o.dataDir, "downloads")
	if err := os.MkdirAll(downloadDir, 0755); err != nil {
		return NewFatalError("creating download directory", err)
	}

	for i, item := range plan {
		// The only abort point: between archives. Mid-archive cancel
		// latency is accepted; partials survive regardless.
		if o.aborted.Load() {
			return NewFatalError(fmt.Sprintf("setup aborted before %s", item.label), nil)
		}

		o.setState(StateInstalling, func(s *Status) {
			s.ArchiveIndex = i + 1
			s.ArchiveCount = len(plan)
		})
		log.Printf("SETUP | state=installing archive=%d/%d key=%s", i+1, len(plan), item.key)

		info := manifest.Archives[item.key]
		if err := o.installArchive(ctx, downloadDir, info, item); err != nil {
			return err
		}
	}

	o.setState(StateFinalizing, nil)
	o.emit(StageModel, 98, "Finalizing installation", "")
	log.Printf("SETUP | state=finalizing")
	if err := o.applyFixups(); err != nil {
		return err
	}

	if err := WriteMarker(o.dataDir, &Marker{
		SetupVersion:    SetupVersion,
		Model:           opts.Model,
		UseGPU:          opts.UseGPU,
		ManifestVersion: manifest.Version,
		BuildDate:       manifest.BuildDate,
		Timestamp:       timeNow(),
	}); err != nil {
		return err
	}

	o.setState(StateComplete, nil)
	o.emit(StageComplete, 100, "Setup complete", "")
	log.Printf("SETUP | state=complete manifest=%d", manifest.Version)
	return nil
}

// buildPlan resolves the fixed archive order against the manifest: runtime
// first, then the compute package, engine dependencies, and finally the
// model weights. Later archives unpack into or alongside earlier ones, so
// this order is load-bearing.
func (o *Orchestrator) buildPlan(m *Manifest, opts Options) ([]planItem, error) {
	runtimeDir := o.RuntimeDir()

	torchKey := keyTorchCUDA
	torchLabel := "PyTorch (GPU)"
	if !opts.UseGPU {
		if _, ok := m.Archives[keyTorchCPU]; ok {
			torchKey = keyTorchCPU
			torchLabel = "PyTorch (CPU)"
		} else {
			// CPU-only build not published for this release. Installing
			// the GPU package on a CPU box works (it just carries unused
			// kernels), so this is a decision, not an error.
			log.Printf("SETUP | decision=gpu-package-fallback reason=no-cpu-archive manifest=%d", m.Version)
		}
	}

	modelKey := modelKeyPrefix + opts.Model
	plan := []planItem{
		{key: keyPython, stage: StagePython, label: "Python runtime", destDir: runtimeDir, lo: 0, hi: 25},
		{key: torchKey, stage: StageDependencies, label: torchLabel, destDir: runtimeDir, lo: 25, hi: 55},
		{key: keyDeps, stage: StageDependencies, label: "Engine packages", destDir: runtimeDir, lo: 55, hi: 75},
		{key: modelKey, stage: StageModel, label: "Voice model " + opts.Model, destDir: o.ModelDir(opts.Model), lo: 75, hi: 97},
	}

	for _, item := range plan {
		if _, ok := m.Archives[item.key]; !ok {
			return nil, NewFatalError(fmt.Sprintf("manifest %d does not publish archive %q", m.Version, item.key), nil)
		}
	}
	return plan, nil
}

// installArchive runs one archive through download, verify, extract, and
// cleanup, mapping each phase into the item's slice of the progress range.
func (o *Orchestrator) installArchive(ctx context.Context, downloadDir string, info ArchiveInfo, item planItem) error {
	archivePath := filepath.Join(downloadDir, info.Filename)
	url := o.fetcher.ArchiveURL(info.Filename)

	o.emit(item.stage, item.lo, "Downloading "+item.label, "")
	err := o.downloader.Download(ctx, url, archivePath, info.Size, func(bytesSoFar, totalBytes int64) {
		frac := 0.0
		if totalBytes > 0 {
			frac = float64(bytesSoFar) / float64(totalBytes)
		}
		msg := fmt.Sprintf("Downloading %s (%s / %s)", item.label,
			humanize.Bytes(uint64(bytesSoFar)), humanize.Bytes(uint64(totalBytes)))
		o.emit(item.stage, item.scale(frac*downloadWeight), msg, "")
	})
	if err != nil {
		return err
	}

	o.emit(item.stage, item.scale(downloadWeight), "Verifying "+item.label, "")
	if err := VerifyFile(archivePath, info.SHA256); err != nil {
		if IsChecksumMismatch(err) {
			// The file is corrupt and useless for resume. Delete it so
			// the next run starts this archive clean; the run itself
			// fails now, with no in-process retry.
			os.Remove(archivePath)
		}
		return err
	}

	o.emit(item.stage, item.scale(downloadWeight+verifyWeight), "Extracting "+item.label, "")
	if err := Extract(ctx, archivePath, item.destDir); err != nil {
		return err
	}

	// The verified archive has served its purpose; reclaim the disk.
	if err := os.Remove(archivePath); err != nil {
		log.Printf("SETUP | cleanup-failed archive=%s err=%v", info.Filename, err)
	}

	o.emit(item.stage, item.hi, item.label+" installed", "")
	return nil
}

// applyFixups mutates the freshly extracted tree so the engine can actually
// start. The embedded Python distribution ships its ._pth file with
// "#import site", which keeps site-packages disabled until uncommented.
func (o *Orchestrator) applyFixups() error {
	matches, err := filepath.Glob(filepath.Join(o.RuntimeDir(), "python*._pth"))
	if err == nil {
		for _, pth := range matches {
			data, readErr := os.ReadFile(pth)
			if readErr != nil {
				return NewFatalError("reading "+pth, readErr)
			}
			fixed := strings.ReplaceAll(string(data), "#import site", "import site")
			if fixed != string(data) {
				if writeErr := util.AtomicWriteFile(pth, []byte(fixed), 0644); writeErr != nil {
					return NewFatalError("enabling site imports in "+pth, writeErr)
				}
				log.Printf("SETUP | fixup=enable-site-imports file=%s", filepath.Base(pth))
			}
		}
	}

	for _, dir := range []string{
		filepath.Join(o.dataDir, "output"),
		filepath.Join(o.dataDir, "voices"),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return NewFatalError("creating "+dir, err)
		}
	}
	return nil
}

// RuntimeDir is where the Python runtime and engine packages unpack.
func (o *Orchestrator) RuntimeDir() string {
	return filepath.Join(o.dataDir, "runtime")
}

// ModelDir is where a model's weights unpack.
func (o *Orchestrator) ModelDir(model string) string {
	return filepath.Join(o.dataDir, "models", model)
}

// emit publishes a progress event and mirrors it into the status snapshot.
// Only the Run goroutine emits, so the emitter needs no locking; the mutex
// protects concurrent Status readers.
func (o *Orchestrator) emit(stage Stage, percent int, message, detail string) {
	o.events.emit(stage, percent, message, detail)
	o.mu.Lock()
	o.status.Percent = o.events.lastPercent
	o.status.Message = message
	o.mu.Unlock()
}

func (o *Orchestrator) setState(state RunState, mutate func(*Status)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.status.State = state
	if mutate != nil {
		mutate(&o.status)
	}
}

// errorDetail expands a setup error for the event log pane.
func errorDetail(err error) string {
	var se *SetupError
	if errors.As(err, &se) {
		if se.Cause != nil {
			return fmt.Sprintf("kind=%s cause=%v", se.Kind, se.Cause)
		}
		return "kind=" + se.Kind.String()
	}
	return err.Error()
}
