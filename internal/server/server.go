// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes the local REST and SSE API for the voiceforge daemon.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jeranaias/voiceforge/internal/config"
	"github.com/jeranaias/voiceforge/internal/detect"
	"github.com/jeranaias/voiceforge/internal/engine"
	"github.com/jeranaias/voiceforge/internal/export"
	"github.com/jeranaias/voiceforge/internal/queue"
	"github.com/jeranaias/voiceforge/internal/setup"
	"github.com/jeranaias/voiceforge/internal/storage"
	"github.com/jeranaias/voiceforge/internal/voices"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// DefaultPort is the default port for the HTTP server.
	DefaultPort = 8790

	// MaxRequestBodySize is the maximum size for request bodies (1MB).
	MaxRequestBodySize = 1 * 1024 * 1024

	// MaxTextLength is the maximum synthesis input length in bytes.
	MaxTextLength = 50000

	// MinSpeed is the slowest accepted rate multiplier.
	MinSpeed = 0.5

	// MaxSpeed is the fastest accepted rate multiplier.
	MaxSpeed = 2.0
)

// VersionInfo identifies the running build.
type VersionInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"gitCommit,omitempty"`
	BuildDate string `json:"buildDate,omitempty"`
}

// ============================================================================
// SERVER
// ============================================================================

// Server is the daemon's HTTP API: setup, engine control, synthesis,
// history, voices, projects, the batch queue, and subtitle export.
type Server struct {
	cfg    *config.Config
	router *http.ServeMux
	server *http.Server

	store  *storage.Store
	voices *voices.Registry
	engine *engine.Supervisor
	queue  *queue.Queue
	orch   *setup.Orchestrator
	hub    *eventHub
	auth   *AuthConfig

	version VersionInfo

	// runCtx outlives any single request; setup runs and engine restarts
	// are bounded by it, not by the request that started them.
	runCtx context.Context
	cancel context.CancelFunc

	setupMu     sync.Mutex
	setupActive bool

	mu sync.RWMutex
}

// NewServer creates a server around the given configuration. Collaborators
// are attached with the With* methods before Start.
func NewServer(cfg *config.Config) *Server {
	if cfg == nil {
		cfg = config.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		router:  http.NewServeMux(),
		auth:    DefaultAuthConfig(),
		version: VersionInfo{Version: "dev"},
		runCtx:  ctx,
		cancel:  cancel,
	}

	if cfg.Server.AuthToken != "" {
		s.auth = &AuthConfig{Enabled: true, BearerToken: cfg.Server.AuthToken}
	}

	s.setupRoutes()
	return s
}

// WithStore sets the history and project store.
func (s *Server) WithStore(store *storage.Store) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store = store
	return s
}

// WithVoices sets the voice registry.
func (s *Server) WithVoices(reg *voices.Registry) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.voices = reg
	return s
}

// WithEngine sets the engine supervisor.
func (s *Server) WithEngine(sup *engine.Supervisor) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engine = sup
	return s
}

// WithQueue sets the batch synthesis queue.
func (s *Server) WithQueue(q *queue.Queue) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = q
	return s
}

// WithOrchestrator sets the setup orchestrator and starts fanning its
// progress events out to SSE subscribers.
func (s *Server) WithOrchestrator(o *setup.Orchestrator) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orch = o
	s.hub = newEventHub()
	go s.hub.run(s.runCtx, o.Events())
	return s
}

// WithAuth sets the authentication configuration.
func (s *Server) WithAuth(cfg *AuthConfig) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auth = cfg
	return s
}

// WithVersion sets the build identity reported by /v1/version.
func (s *Server) WithVersion(v VersionInfo) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version = v
	return s
}

// Port returns the port the server binds.
func (s *Server) Port() int {
	if s.cfg.Server.Port == 0 {
		return DefaultPort
	}
	return s.cfg.Server.Port
}

// ============================================================================
// ROUTES
// ============================================================================

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	// Health and build identity
	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.HandleFunc("GET /v1/version", s.handleVersion)
	s.router.HandleFunc("GET /v1/system", s.handleSystem)

	// First-run setup
	s.router.HandleFunc("POST /v1/setup", s.handleSetupStart)
	s.router.HandleFunc("GET /v1/setup/status", s.handleSetupStatus)
	s.router.HandleFunc("GET /v1/setup/events", s.handleSetupEvents)
	s.router.HandleFunc("POST /v1/setup/cancel", s.handleSetupCancel)

	// Engine process control
	s.router.HandleFunc("GET /v1/engine/status", s.handleEngineStatus)
	s.router.HandleFunc("POST /v1/engine/start", s.handleEngineStart)
	s.router.HandleFunc("POST /v1/engine/stop", s.handleEngineStop)

	// Synthesis and history
	s.router.HandleFunc("POST /v1/synthesize", s.handleSynthesize)
	s.router.HandleFunc("GET /v1/history", s.handleHistoryList)
	s.router.HandleFunc("GET /v1/history/{id}", s.handleHistoryGet)
	s.router.HandleFunc("DELETE /v1/history/{id}", s.handleHistoryDelete)

	// Voice library
	s.router.HandleFunc("GET /v1/voices", s.handleVoicesList)
	s.router.HandleFunc("POST /v1/voices", s.handleVoiceCreate)
	s.router.HandleFunc("DELETE /v1/voices/{id}", s.handleVoiceDelete)
	s.router.HandleFunc("PUT /v1/voices/{id}/favorite", s.handleVoiceFavorite)

	// Projects
	s.router.HandleFunc("GET /v1/projects", s.handleProjectsList)
	s.router.HandleFunc("POST /v1/projects", s.handleProjectCreate)
	s.router.HandleFunc("GET /v1/projects/{id}", s.handleProjectGet)
	s.router.HandleFunc("PUT /v1/projects/{id}", s.handleProjectRename)
	s.router.HandleFunc("DELETE /v1/projects/{id}", s.handleProjectDelete)
	s.router.HandleFunc("POST /v1/projects/{id}/items", s.handleItemAdd)
	s.router.HandleFunc("PUT /v1/projects/{id}/items/{itemId}", s.handleItemUpdate)
	s.router.HandleFunc("DELETE /v1/projects/{id}/items/{itemId}", s.handleItemDelete)
	s.router.HandleFunc("PUT /v1/projects/{id}/reorder", s.handleProjectReorder)

	// Batch queue
	s.router.HandleFunc("GET /v1/queue", s.handleQueueList)
	s.router.HandleFunc("POST /v1/queue", s.handleQueueSubmit)
	s.router.HandleFunc("POST /v1/queue/{id}/cancel", s.handleQueueCancel)

	// Subtitle export
	s.router.HandleFunc("POST /v1/export/{id}", s.handleExport)

	// Configuration
	s.router.HandleFunc("GET /v1/config", s.handleConfigGet)
	s.router.HandleFunc("PUT /v1/config", s.handleConfigUpdate)
}

// ============================================================================
// HEALTH AND SYSTEM HANDLERS
// ============================================================================

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Engine        string `json:"engine"`
	SetupRequired bool   `json:"setupRequired"`
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := HealthResponse{
		Status:  "ok",
		Version: s.version.Version,
		Engine:  "unavailable",
	}

	if s.engine != nil {
		health.Engine = string(s.engine.Status().State)
	}
	health.SetupRequired = setup.SetupRequired(s.cfg.Paths.DataDir)

	s.writeJSON(w, http.StatusOK, health)
}

// handleVersion handles GET /v1/version.
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.version)
}

// handleSystem handles GET /v1/system. The probe is never cached: the user
// may plug in a GPU or free up disk between calls.
func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	info := detect.Probe(r.Context(), detect.DefaultConfig(s.cfg.Paths.DataDir))
	s.writeJSON(w, http.StatusOK, info)
}

// ============================================================================
// SETUP HANDLERS
// ============================================================================

type setupRequest struct {
	Model  string `json:"model"`
	UseGPU bool   `json:"useGpu"`
}

// handleSetupStart handles POST /v1/setup. Only one run may be active.
func (s *Server) handleSetupStart(w http.ResponseWriter, r *http.Request) {
	if s.orch == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Setup is not available")
		return
	}

	var req setupRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Model == "" {
		req.Model = s.cfg.Engine.Model
	}

	s.setupMu.Lock()
	if s.setupActive || s.orch.Running() {
		s.setupMu.Unlock()
		s.writeError(w, http.StatusConflict, "A setup run is already in progress")
		return
	}
	s.setupActive = true
	s.setupMu.Unlock()

	opts := setup.Options{Model: req.Model, UseGPU: req.UseGPU}
	go func() {
		defer func() {
			s.setupMu.Lock()
			s.setupActive = false
			s.setupMu.Unlock()
		}()
		if err := s.orch.Run(s.runCtx, opts); err != nil {
			log.Printf("SETUP_RUN_FAILED | model=%s error=%v", opts.Model, err)
		}
	}()

	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"started": true,
		"model":   opts.Model,
		"useGpu":  opts.UseGPU,
	})
}

// setupStatusResponse is the orchestrator snapshot plus whether setup is
// needed at all.
type setupStatusResponse struct {
	setup.Status
	Required bool `json:"required"`
}

// handleSetupStatus handles GET /v1/setup/status.
func (s *Server) handleSetupStatus(w http.ResponseWriter, r *http.Request) {
	if s.orch == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Setup is not available")
		return
	}

	s.writeJSON(w, http.StatusOK, setupStatusResponse{
		Status:   s.orch.Status(),
		Required: setup.SetupRequired(s.cfg.Paths.DataDir),
	})
}

// handleSetupCancel handles POST /v1/setup/cancel. The abort is cooperative:
// the in-flight archive finishes before the run stops.
func (s *Server) handleSetupCancel(w http.ResponseWriter, r *http.Request) {
	if s.orch == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Setup is not available")
		return
	}
	if !s.orch.Running() {
		s.writeError(w, http.StatusConflict, "No setup run in progress")
		return
	}

	s.orch.Abort()
	s.writeJSON(w, http.StatusOK, map[string]bool{"aborting": true})
}

// ============================================================================
// ENGINE HANDLERS
// ============================================================================

// handleEngineStatus handles GET /v1/engine/status.
func (s *Server) handleEngineStatus(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Engine is not available")
		return
	}
	s.writeJSON(w, http.StatusOK, s.engine.Status())
}

// handleEngineStart handles POST /v1/engine/start. Startup can take minutes
// while the model loads, so the call returns immediately and the shell polls
// /v1/engine/status.
func (s *Server) handleEngineStart(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Engine is not available")
		return
	}
	if setup.SetupRequired(s.cfg.Paths.DataDir) {
		s.writeError(w, http.StatusConflict, "Engine runtime not installed, run setup first")
		return
	}

	go func() {
		if err := s.engine.Start(s.runCtx); err != nil {
			log.Printf("ENGINE_START_FAILED | error=%v", err)
		}
	}()

	s.writeJSON(w, http.StatusAccepted, map[string]bool{"starting": true})
}

// handleEngineStop handles POST /v1/engine/stop.
func (s *Server) handleEngineStop(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Engine is not available")
		return
	}

	if err := s.engine.Stop(r.Context()); err != nil {
		log.Printf("ENGINE_STOP_FAILED | error=%v", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to stop engine")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"stopped": true})
}

// ============================================================================
// SYNTHESIS HANDLER
// ============================================================================

type synthesizeRequest struct {
	Text  string  `json:"text"`
	Voice string  `json:"voice"`
	Speed float64 `json:"speed,omitempty"`
	Seed  int     `json:"seed,omitempty"`
}

// synthesizeResponse mirrors the engine's wire shape plus the history ID
// the audio was recorded under.
type synthesizeResponse struct {
	ID         string               `json:"id,omitempty"`
	AudioPath  string               `json:"audio_path"`
	DurationMs int64                `json:"duration_ms"`
	SampleRate int                  `json:"sample_rate"`
	Chunks     []engine.ChunkTiming `json:"chunks,omitempty"`
}

// handleSynthesize handles POST /v1/synthesize: one-shot synthesis through
// the engine, recorded into history.
func (s *Server) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	var req synthesizeRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		s.writeError(w, http.StatusBadRequest, "Text is required")
		return
	}
	if len(req.Text) > MaxTextLength {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("Text exceeds maximum length of %d bytes", MaxTextLength))
		return
	}
	if req.Voice == "" {
		req.Voice = s.cfg.Engine.Model
	}
	if req.Speed == 0 {
		req.Speed = 1.0
	}
	if req.Speed < MinSpeed || req.Speed > MaxSpeed {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("Speed must be between %.1f and %.1f", MinSpeed, MaxSpeed))
		return
	}

	if s.engine == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Engine is not available")
		return
	}
	if s.engine.Status().State != engine.StateRunning {
		s.writeError(w, http.StatusServiceUnavailable, "Engine is not running")
		return
	}

	timeout := time.Duration(s.cfg.Engine.SynthesisTimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancelSynth := context.WithTimeout(r.Context(), timeout)
	defer cancelSynth()

	resp, err := s.engine.Client().Synthesize(ctx, engine.SynthesizeRequest{
		Text:  req.Text,
		Voice: req.Voice,
		Speed: req.Speed,
		Seed:  req.Seed,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	id := s.recordGeneration(req, resp)
	s.writeJSON(w, http.StatusOK, synthesizeResponse{
		ID:         id,
		AudioPath:  resp.AudioPath,
		DurationMs: resp.DurationMs,
		SampleRate: resp.SampleRate,
		Chunks:     resp.Chunks,
	})
}

// writeEngineError maps engine client failures to HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	var ce *engine.ClientError
	if errors.As(err, &ce) {
		switch ce.Type {
		case engine.ErrTypeVoiceNotFound:
			s.writeError(w, http.StatusNotFound, ce.Message)
			return
		case engine.ErrTypeTimeout:
			s.writeError(w, http.StatusGatewayTimeout, ce.Message)
			return
		case engine.ErrTypeNotRunning, engine.ErrTypeConnection:
			s.writeError(w, http.StatusServiceUnavailable, ce.Message)
			return
		}
	}

	log.Printf("SYNTHESIS_ERROR | error=%v", err)
	s.writeError(w, http.StatusInternalServerError, "Synthesis failed")
}

// recordGeneration persists a completed synthesis into history and prunes
// beyond the configured cap. Failures are logged, not surfaced: the audio
// exists either way.
func (s *Server) recordGeneration(req synthesizeRequest, resp *engine.SynthesizeResponse) string {
	if s.store == nil {
		return ""
	}

	segments := make([]storage.Segment, 0, len(resp.Chunks))
	for _, c := range resp.Chunks {
		segments = append(segments, storage.Segment{Text: c.Text, StartMs: c.StartMs, EndMs: c.EndMs})
	}

	gen := &storage.Generation{
		Text:         req.Text,
		Voice:        req.Voice,
		Speed:        req.Speed,
		DurationSecs: resp.Duration().Seconds(),
		OutputPath:   resp.AudioPath,
		Segments:     segments,
	}
	if err := s.store.AddGeneration(gen); err != nil {
		log.Printf("HISTORY_RECORD_FAILED | error=%v", err)
		return ""
	}

	if max := s.cfg.History.MaxEntries; max > 0 {
		if _, err := s.store.PruneGenerations(max); err != nil {
			log.Printf("HISTORY_PRUNE_FAILED | error=%v", err)
		}
	}
	return gen.ID
}

// ============================================================================
// HISTORY HANDLERS
// ============================================================================

// handleHistoryList handles GET /v1/history. Supports limit/offset paging
// and full-text search via the q parameter.
func (s *Server) handleHistoryList(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "History is not available")
		return
	}

	var (
		gens []*storage.Generation
		err  error
	)
	if q := r.URL.Query().Get("q"); q != "" {
		gens, err = s.store.SearchGenerations(q)
	} else {
		limit := queryInt(r, "limit", 50)
		offset := queryInt(r, "offset", 0)
		gens, err = s.store.ListGenerations(limit, offset)
	}
	if err != nil {
		log.Printf("HISTORY_LIST_FAILED | error=%v", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to list history")
		return
	}

	total, err := s.store.CountGenerations()
	if err != nil {
		log.Printf("HISTORY_COUNT_FAILED | error=%v", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to list history")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"generations": gens,
		"total":       total,
	})
}

// handleHistoryGet handles GET /v1/history/{id}.
func (s *Server) handleHistoryGet(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "History is not available")
		return
	}

	gen, err := s.store.GetGeneration(r.PathValue("id"))
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "Generation not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to load generation")
		return
	}
	s.writeJSON(w, http.StatusOK, gen)
}

// handleHistoryDelete handles DELETE /v1/history/{id}. The audio file goes
// with the record.
func (s *Server) handleHistoryDelete(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "History is not available")
		return
	}

	err := s.store.DeleteGeneration(r.PathValue("id"))
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "Generation not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to delete generation")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// ============================================================================
// VOICE HANDLERS
// ============================================================================

type voiceCreateRequest struct {
	Name       string `json:"name"`
	Locale     string `json:"locale"`
	SamplePath string `json:"samplePath"`
}

type voiceFavoriteRequest struct {
	Favorite bool `json:"favorite"`
}

// handleVoicesList handles GET /v1/voices.
func (s *Server) handleVoicesList(w http.ResponseWriter, r *http.Request) {
	if s.voices == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Voice library is not available")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"voices": s.voices.List()})
}

// handleVoiceCreate handles POST /v1/voices. The sample is a local file
// path: the shell runs on the same machine and hands over its file picker
// result directly.
func (s *Server) handleVoiceCreate(w http.ResponseWriter, r *http.Request) {
	if s.voices == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Voice library is not available")
		return
	}

	var req voiceCreateRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	voice, err := s.voices.SaveCustom(req.Name, req.Locale, req.SamplePath)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, voice)
}

// handleVoiceDelete handles DELETE /v1/voices/{id}.
func (s *Server) handleVoiceDelete(w http.ResponseWriter, r *http.Request) {
	if s.voices == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Voice library is not available")
		return
	}

	err := s.voices.Delete(r.PathValue("id"))
	switch {
	case errors.Is(err, voices.ErrBuiltinVoice):
		s.writeError(w, http.StatusForbidden, "Built-in voices cannot be deleted")
	case errors.Is(err, voices.ErrVoiceNotFound):
		s.writeError(w, http.StatusNotFound, "Voice not found")
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, "Failed to delete voice")
	default:
		s.writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
	}
}

// handleVoiceFavorite handles PUT /v1/voices/{id}/favorite.
func (s *Server) handleVoiceFavorite(w http.ResponseWriter, r *http.Request) {
	if s.voices == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Voice library is not available")
		return
	}

	var req voiceFavoriteRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	id := r.PathValue("id")
	if err := s.voices.SetFavorite(id, req.Favorite); err != nil {
		s.writeError(w, http.StatusNotFound, "Voice not found")
		return
	}

	voice, err := s.voices.Get(id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "Voice not found")
		return
	}
	s.writeJSON(w, http.StatusOK, voice)
}

// ============================================================================
// PROJECT HANDLERS
// ============================================================================

type projectRequest struct {
	Name string `json:"name"`
}

type itemRequest struct {
	Text         string  `json:"text"`
	Voice        string  `json:"voice"`
	Speed        float64 `json:"speed,omitempty"`
	GenerationID string  `json:"generation_id,omitempty"`
}

type reorderRequest struct {
	ItemIDs []string `json:"itemIds"`
}

// handleProjectsList handles GET /v1/projects.
func (s *Server) handleProjectsList(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Projects are not available")
		return
	}

	projects, err := s.store.ListProjects()
	if err != nil {
		log.Printf("PROJECT_LIST_FAILED | error=%v", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to list projects")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"projects": projects})
}

// handleProjectCreate handles POST /v1/projects.
func (s *Server) handleProjectCreate(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Projects are not available")
		return
	}

	var req projectRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	project, err := s.store.CreateProject(req.Name)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, project)
}

// handleProjectGet handles GET /v1/projects/{id}: the project plus its
// items in position order.
func (s *Server) handleProjectGet(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Projects are not available")
		return
	}

	id := r.PathValue("id")
	project, err := s.store.GetProject(id)
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "Project not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to load project")
		return
	}

	items, err := s.store.ListItems(id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to load project items")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"project": project,
		"items":   items,
	})
}

// handleProjectRename handles PUT /v1/projects/{id}.
func (s *Server) handleProjectRename(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Projects are not available")
		return
	}

	var req projectRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	id := r.PathValue("id")
	err := s.store.RenameProject(id, req.Name)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "Project not found")
		return
	case err != nil:
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	project, err := s.store.GetProject(id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to load project")
		return
	}
	s.writeJSON(w, http.StatusOK, project)
}

// handleProjectDelete handles DELETE /v1/projects/{id}.
func (s *Server) handleProjectDelete(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Projects are not available")
		return
	}

	err := s.store.DeleteProject(r.PathValue("id"))
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "Project not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to delete project")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// handleItemAdd handles POST /v1/projects/{id}/items.
func (s *Server) handleItemAdd(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Projects are not available")
		return
	}

	var req itemRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	item := &storage.ProjectItem{
		Text:  req.Text,
		Voice: req.Voice,
		Speed: req.Speed,
	}
	err := s.store.AddItem(r.PathValue("id"), item)
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "Project not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, item)
}

// handleItemUpdate handles PUT /v1/projects/{id}/items/{itemId}. Zero
// fields keep their current values, so the shell can set generation_id
// alone after a queue job finishes.
func (s *Server) handleItemUpdate(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Projects are not available")
		return
	}

	var req itemRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	item, ok := s.findItem(w, r.PathValue("id"), r.PathValue("itemId"))
	if !ok {
		return
	}

	if req.Text != "" {
		item.Text = req.Text
	}
	if req.Voice != "" {
		item.Voice = req.Voice
	}
	if req.Speed != 0 {
		item.Speed = req.Speed
	}
	if req.GenerationID != "" {
		item.GenerationID = req.GenerationID
	}

	if err := s.store.UpdateItem(item); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "Item not found")
			return
		}
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, item)
}

// handleItemDelete handles DELETE /v1/projects/{id}/items/{itemId}.
func (s *Server) handleItemDelete(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Projects are not available")
		return
	}

	err := s.store.DeleteItem(r.PathValue("itemId"))
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "Item not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to delete item")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// handleProjectReorder handles PUT /v1/projects/{id}/reorder. The ID list
// must name every item in the project exactly once.
func (s *Server) handleProjectReorder(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Projects are not available")
		return
	}

	var req reorderRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	id := r.PathValue("id")
	if err := s.store.ReorderItems(id, req.ItemIDs); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "Project not found")
			return
		}
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, err := s.store.ListItems(id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to load project items")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

// findItem loads one project item, writing a 404 when it does not exist.
func (s *Server) findItem(w http.ResponseWriter, projectID, itemID string) (*storage.ProjectItem, bool) {
	items, err := s.store.ListItems(projectID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to load project items")
		return nil, false
	}
	for _, item := range items {
		if item.ID == itemID {
			return item, true
		}
	}
	s.writeError(w, http.StatusNotFound, "Item not found")
	return nil, false
}

// ============================================================================
// QUEUE HANDLERS
// ============================================================================

type queueSubmitRequest struct {
	Text  string  `json:"text"`
	Voice string  `json:"voice"`
	Speed float64 `json:"speed,omitempty"`
}

// handleQueueList handles GET /v1/queue.
func (s *Server) handleQueueList(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Queue is not available")
		return
	}

	queued, running, completed, failed := s.queue.Counts()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs": s.queue.List(),
		"counts": map[string]int{
			"queued":    queued,
			"running":   running,
			"completed": completed,
			"failed":    failed,
		},
	})
}

// handleQueueSubmit handles POST /v1/queue.
func (s *Server) handleQueueSubmit(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Queue is not available")
		return
	}

	var req queueSubmitRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Voice == "" {
		req.Voice = s.cfg.Engine.Model
	}

	job, err := s.queue.Submit(req.Text, req.Voice, req.Speed)
	switch {
	case errors.Is(err, queue.ErrQueueFull):
		s.writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, queue.ErrQueueClosed):
		s.writeError(w, http.StatusServiceUnavailable, "Queue is shutting down")
	case err != nil:
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.writeJSON(w, http.StatusAccepted, job)
	}
}

// handleQueueCancel handles POST /v1/queue/{id}/cancel. Only queued jobs
// can be canceled; the running job always finishes.
func (s *Server) handleQueueCancel(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Queue is not available")
		return
	}

	id := r.PathValue("id")
	err := s.queue.Cancel(id)
	switch {
	case errors.Is(err, queue.ErrJobNotFound):
		s.writeError(w, http.StatusNotFound, "Job not found")
		return
	case errors.Is(err, queue.ErrJobNotCancelable):
		s.writeError(w, http.StatusConflict, "Job is not queued")
		return
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, "Failed to cancel job")
		return
	}

	job, err := s.queue.Get(id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to load job")
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

// ============================================================================
// EXPORT HANDLER
// ============================================================================

type exportRequest struct {
	Format       string `json:"format"`
	Dir          string `json:"dir,omitempty"`
	IncludeVoice bool   `json:"includeVoice,omitempty"`
	MaxLineChars int    `json:"maxLineChars,omitempty"`
}

// handleExport handles POST /v1/export/{id}: renders a generation's segment
// timings as a subtitle file and returns where it landed.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "History is not available")
		return
	}

	var req exportRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	gen, err := s.store.GetGeneration(r.PathValue("id"))
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "Generation not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to load generation")
		return
	}

	exporter, err := export.ForFormat(req.Format)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(gen.Segments) == 0 {
		s.writeError(w, http.StatusBadRequest, "Generation has no segment timings")
		return
	}

	opts := export.DefaultOptions()
	opts.IncludeVoice = req.IncludeVoice
	if req.MaxLineChars > 0 {
		opts.MaxLineChars = req.MaxLineChars
	}

	dir := req.Dir
	if dir == "" {
		dir = filepath.Join(s.cfg.Paths.DataDir, "exports")
	}

	path, err := export.ExportToFile(exporter, gen, dir, opts)
	if err != nil {
		log.Printf("EXPORT_FAILED | generation=%s error=%v", gen.ID, err)
		s.writeError(w, http.StatusInternalServerError, "Failed to write subtitle file")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"path":     path,
		"mimeType": exporter.MimeType(),
	})
}

// ============================================================================
// CONFIG HANDLERS
// ============================================================================

// handleConfigGet handles GET /v1/config. The auth token is redacted.
func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, redactConfig(config.Global()))
}

// handleConfigUpdate handles PUT /v1/config: a partial update merged over
// the current configuration, validated, and persisted. Port and bind
// changes take effect on the next daemon start.
func (s *Server) handleConfigUpdate(w http.ResponseWriter, r *http.Request) {
	var patch config.Config
	if !s.decodeJSON(w, r, &patch) {
		return
	}

	updated := config.Global().Clone()
	updated.Merge(&patch)

	if err := updated.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := config.Save(updated); err != nil {
		log.Printf("CONFIG_SAVE_FAILED | error=%v", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to save configuration")
		return
	}
	config.SetGlobal(updated)

	s.writeJSON(w, http.StatusOK, redactConfig(updated))
}

// redactConfig strips secrets before a config leaves the process.
func redactConfig(c *config.Config) *config.Config {
	safe := c.Clone()
	if safe.Server.AuthToken != "" {
		safe.Server.AuthToken = "[REDACTED]"
	}
	return safe
}

// ============================================================================
// SERVER LIFECYCLE
// ============================================================================

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	host := s.cfg.Server.Host
	if host == "" {
		host = "127.0.0.1"
	}
	addr := fmt.Sprintf("%s:%d", host, s.Port())

	middlewares := []func(http.Handler) http.Handler{
		RecoveryMiddleware(),
		SecurityHeadersMiddleware(),
		CORSMiddleware(DefaultCORSConfig()),
		LoggingMiddleware(log.Default()),
	}
	if limit := s.cfg.Server.RateLimitPerMin; limit > 0 {
		middlewares = append(middlewares, RateLimitMiddleware(NewRateLimiter(limit, time.Minute)))
	}
	handler := Chain(middlewares...)(s.router)

	if s.auth != nil && s.auth.Enabled {
		handler = AuthMiddleware(s.auth)(handler)
	}

	s.server = &http.Server{
		Addr:        addr,
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		// No write timeout: /v1/setup/events streams for the whole run
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	log.Printf("SERVER_START | addr=%s version=%s", addr, s.version.Version)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server and ends background work the
// API started (setup runs, engine restarts, SSE streams).
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	if s.server == nil {
		return nil
	}

	log.Printf("SERVER_SHUTDOWN | starting graceful shutdown")
	return s.server.Shutdown(ctx)
}

// ============================================================================
// HELPERS
// ============================================================================

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"code":    status,
		},
	})
}

// decodeJSON parses a capped request body into v, answering the request
// itself on failure. Returns false when the handler should stop. An empty
// body leaves v zeroed so bodyless POSTs fall through to defaults.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)

	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return true
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("Request body exceeds maximum size of %d bytes", MaxRequestBodySize))
			return false
		}
		log.Printf("INVALID_REQUEST_BODY | path=%s error=%v", r.URL.Path, err)
		s.writeError(w, http.StatusBadRequest, "Invalid request format")
		return false
	}
	return true
}

// queryInt reads an integer query parameter with a fallback.
func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
