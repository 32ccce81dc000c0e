// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jeranaias/voiceforge/internal/config"
	"github.com/jeranaias/voiceforge/internal/engine"
	"github.com/jeranaias/voiceforge/internal/queue"
	"github.com/jeranaias/voiceforge/internal/setup"
	"github.com/jeranaias/voiceforge/internal/storage"
	"github.com/jeranaias/voiceforge/internal/voices"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// newTestServer builds a server over a temp data dir with a real store.
func newTestServer(t *testing.T) (*Server, *storage.Store) {
	t.Helper()

	cfg := config.Default()
	cfg.Paths.DataDir = t.TempDir()

	store, err := storage.Open(filepath.Join(cfg.Paths.DataDir, "history.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	s := NewServer(cfg).WithStore(store)
	t.Cleanup(func() { s.cancel() })
	return s, store
}

// doRequest runs one request through the router, skipping the middleware
// chain so tests see handler behavior directly.
func doRequest(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

// decodeMap parses a JSON response body.
func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()

	var m map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("Failed to decode response %q: %v", rec.Body.String(), err)
	}
	return m
}

// seedGeneration inserts one generation with segment timings.
func seedGeneration(t *testing.T, store *storage.Store) *storage.Generation {
	t.Helper()

	gen := &storage.Generation{
		Text:         "Hello world. Second line.",
		Voice:        "aria",
		Speed:        1.0,
		DurationSecs: 2.65,
		OutputPath:   filepath.Join(t.TempDir(), "out.wav"),
		Segments: []storage.Segment{
			{Text: "Hello world.", StartMs: 0, EndMs: 1200},
			{Text: "Second line.", StartMs: 1200, EndMs: 2650},
		},
	}
	if err := store.AddGeneration(gen); err != nil {
		t.Fatalf("AddGeneration() error = %v", err)
	}
	return gen
}

// =============================================================================
// HEALTH AND VERSION
// =============================================================================

// TestHandleHealth tests the health endpoint on a fresh data dir.
func TestHandleHealth(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(s, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /health status = %d, want 200", rec.Code)
	}

	body := decodeMap(t, rec)
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if body["setupRequired"] != true {
		t.Errorf("setupRequired = %v, want true on empty data dir", body["setupRequired"])
	}
	if body["engine"] != "unavailable" {
		t.Errorf("engine = %v, want unavailable with no supervisor", body["engine"])
	}
}

// TestHandleVersion tests that the build identity flows through.
func TestHandleVersion(t *testing.T) {
	s, _ := newTestServer(t)
	s.WithVersion(VersionInfo{Version: "1.2.0", GitCommit: "abc1234"})

	rec := doRequest(s, http.MethodGet, "/v1/version", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /v1/version status = %d, want 200", rec.Code)
	}

	body := decodeMap(t, rec)
	if body["version"] != "1.2.0" {
		t.Errorf("version = %v, want 1.2.0", body["version"])
	}
	if body["gitCommit"] != "abc1234" {
		t.Errorf("gitCommit = %v, want abc1234", body["gitCommit"])
	}
}

// TestHandleSystem tests that the probe endpoint responds with a platform.
func TestHandleSystem(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(s, http.MethodGet, "/v1/system", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /v1/system status = %d, want 200", rec.Code)
	}

	body := decodeMap(t, rec)
	if body["platform"] == "" || body["platform"] == nil {
		t.Error("Expected a platform in the probe result")
	}
}

// =============================================================================
// SETUP ENDPOINTS
// =============================================================================

// newTestOrchestrator wires an orchestrator whose base URL refuses
// connections, so runs fail fast without touching the network.
func newTestOrchestrator(s *Server) *setup.Orchestrator {
	orch := setup.New(setup.Config{
		BaseURL: "http://127.0.0.1:1",
		DataDir: s.cfg.Paths.DataDir,
	})
	s.WithOrchestrator(orch)
	return orch
}

// TestSetupEndpointsUnavailable tests setup routes with no orchestrator.
func TestSetupEndpointsUnavailable(t *testing.T) {
	s, _ := newTestServer(t)

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/v1/setup"},
		{http.MethodGet, "/v1/setup/status"},
		{http.MethodGet, "/v1/setup/events"},
		{http.MethodPost, "/v1/setup/cancel"},
	} {
		rec := doRequest(s, tc.method, tc.path, "")
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s %s status = %d, want 503", tc.method, tc.path, rec.Code)
		}
	}
}

// TestHandleSetupStatus tests the status snapshot before any run.
func TestHandleSetupStatus(t *testing.T) {
	s, _ := newTestServer(t)
	newTestOrchestrator(s)

	rec := doRequest(s, http.MethodGet, "/v1/setup/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /v1/setup/status status = %d, want 200", rec.Code)
	}

	body := decodeMap(t, rec)
	if body["state"] != "idle" {
		t.Errorf("state = %v, want idle", body["state"])
	}
	if body["required"] != true {
		t.Errorf("required = %v, want true on empty data dir", body["required"])
	}
}

// TestHandleSetupStart tests that a run launches and reports 202.
func TestHandleSetupStart(t *testing.T) {
	s, _ := newTestServer(t)
	orch := newTestOrchestrator(s)

	rec := doRequest(s, http.MethodPost, "/v1/setup", `{"model":"aria","useGpu":false}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("POST /v1/setup status = %d, want 202: %s", rec.Code, rec.Body.String())
	}

	body := decodeMap(t, rec)
	if body["started"] != true {
		t.Errorf("started = %v, want true", body["started"])
	}
	if body["model"] != "aria" {
		t.Errorf("model = %v, want aria", body["model"])
	}

	// The run fails fast against the refused port; wait for it to settle so
	// the temp dir is quiet before cleanup.
	deadline := time.Now().Add(10 * time.Second)
	for orch.Running() && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if orch.Running() {
		t.Fatal("Setup run did not settle")
	}
}

// TestHandleSetupStart_DefaultsModel tests that an empty body falls back
// to the configured model.
func TestHandleSetupStart_DefaultsModel(t *testing.T) {
	s, _ := newTestServer(t)
	orch := newTestOrchestrator(s)

	rec := doRequest(s, http.MethodPost, "/v1/setup", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("POST /v1/setup status = %d, want 202", rec.Code)
	}

	body := decodeMap(t, rec)
	if body["model"] != s.cfg.Engine.Model {
		t.Errorf("model = %v, want config default %q", body["model"], s.cfg.Engine.Model)
	}

	deadline := time.Now().Add(10 * time.Second)
	for orch.Running() && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
}

// TestHandleSetupStart_Conflict tests that overlapping runs are refused.
func TestHandleSetupStart_Conflict(t *testing.T) {
	s, _ := newTestServer(t)
	newTestOrchestrator(s)

	s.setupMu.Lock()
	s.setupActive = true
	s.setupMu.Unlock()

	rec := doRequest(s, http.MethodPost, "/v1/setup", `{"model":"aria"}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("POST /v1/setup during active run status = %d, want 409", rec.Code)
	}
}

// TestHandleSetupCancel_NoRun tests canceling when nothing is running.
func TestHandleSetupCancel_NoRun(t *testing.T) {
	s, _ := newTestServer(t)
	newTestOrchestrator(s)

	rec := doRequest(s, http.MethodPost, "/v1/setup/cancel", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("POST /v1/setup/cancel status = %d, want 409", rec.Code)
	}
}

// TestSetupEventsStream tests the SSE stream end to end: headers, the
// initial status frame, and stream teardown on client disconnect.
func TestSetupEventsStream(t *testing.T) {
	s, _ := newTestServer(t)
	newTestOrchestrator(s)

	ts := httptest.NewServer(s.router)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/setup/events", nil)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /v1/setup/events error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil {
		t.Fatalf("Reading first frame: %v", err)
	}
	if !strings.HasPrefix(line, "data: ") {
		t.Fatalf("First frame = %q, want a data frame", line)
	}

	var snapshot map[string]interface{}
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &snapshot); err != nil {
		t.Fatalf("First frame is not JSON: %v", err)
	}
	if snapshot["state"] != "idle" {
		t.Errorf("Initial frame state = %v, want idle", snapshot["state"])
	}
}

// TestEventHub_Broadcast tests fan-out to multiple subscribers.
func TestEventHub_Broadcast(t *testing.T) {
	hub := newEventHub()

	a, unsubA := hub.subscribe()
	b, unsubB := hub.subscribe()
	defer unsubB()

	hub.broadcast(setup.Event{Stage: setup.StageModel, Percent: 50})

	for name, ch := range map[string]<-chan setup.Event{"a": a, "b": b} {
		select {
		case ev := <-ch:
			if ev.Stage != setup.StageModel || ev.Percent != 50 {
				t.Errorf("Subscriber %s got %+v", name, ev)
			}
		default:
			t.Errorf("Subscriber %s received nothing", name)
		}
	}

	unsubA()
	hub.broadcast(setup.Event{Stage: setup.StageComplete, Percent: 100})
	select {
	case ev := <-a:
		t.Errorf("Unsubscribed channel received %+v", ev)
	default:
	}
}

// =============================================================================
// ENGINE ENDPOINTS
// =============================================================================

// TestEngineEndpointsUnavailable tests engine routes with no supervisor.
func TestEngineEndpointsUnavailable(t *testing.T) {
	s, _ := newTestServer(t)

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/v1/engine/status"},
		{http.MethodPost, "/v1/engine/start"},
		{http.MethodPost, "/v1/engine/stop"},
	} {
		rec := doRequest(s, tc.method, tc.path, "")
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s %s status = %d, want 503", tc.method, tc.path, rec.Code)
		}
	}
}

// TestHandleEngineStatus tests the status passthrough.
func TestHandleEngineStatus(t *testing.T) {
	s, _ := newTestServer(t)
	s.WithEngine(engine.NewSupervisor(engine.Config{DataDir: s.cfg.Paths.DataDir}))

	rec := doRequest(s, http.MethodGet, "/v1/engine/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /v1/engine/status status = %d, want 200", rec.Code)
	}

	body := decodeMap(t, rec)
	if body["state"] != "stopped" {
		t.Errorf("state = %v, want stopped", body["state"])
	}
}

// TestHandleEngineStart_SetupRequired tests that start is refused before
// the runtime is installed.
func TestHandleEngineStart_SetupRequired(t *testing.T) {
	s, _ := newTestServer(t)
	s.WithEngine(engine.NewSupervisor(engine.Config{DataDir: s.cfg.Paths.DataDir}))

	rec := doRequest(s, http.MethodPost, "/v1/engine/start", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("POST /v1/engine/start status = %d, want 409 before setup", rec.Code)
	}
}

// TestHandleEngineStop tests that stopping a stopped engine succeeds.
func TestHandleEngineStop(t *testing.T) {
	s, _ := newTestServer(t)
	s.WithEngine(engine.NewSupervisor(engine.Config{DataDir: s.cfg.Paths.DataDir}))

	rec := doRequest(s, http.MethodPost, "/v1/engine/stop", "")
	if rec.Code != http.StatusOK {
		t.Errorf("POST /v1/engine/stop status = %d, want 200", rec.Code)
	}
}

// =============================================================================
// SYNTHESIS
// =============================================================================

// TestHandleSynthesize_Validation tests input checks before the engine is
// ever consulted.
func TestHandleSynthesize_Validation(t *testing.T) {
	s, _ := newTestServer(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"empty text", `{"text":"  "}`, http.StatusBadRequest},
		{"text too long", `{"text":"` + strings.Repeat("a", MaxTextLength+1) + `"}`, http.StatusBadRequest},
		{"speed too slow", `{"text":"hi","speed":0.1}`, http.StatusBadRequest},
		{"speed too fast", `{"text":"hi","speed":2.5}`, http.StatusBadRequest},
		{"malformed json", `{"text":`, http.StatusBadRequest},
		{"no engine", `{"text":"hi"}`, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(s, http.MethodPost, "/v1/synthesize", tt.body)
			if rec.Code != tt.want {
				t.Errorf("Status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

// TestHandleSynthesize_EngineNotRunning tests the 503 with a supervisor
// attached but stopped.
func TestHandleSynthesize_EngineNotRunning(t *testing.T) {
	s, _ := newTestServer(t)
	s.WithEngine(engine.NewSupervisor(engine.Config{DataDir: s.cfg.Paths.DataDir}))

	rec := doRequest(s, http.MethodPost, "/v1/synthesize", `{"text":"hello"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Status = %d, want 503 when engine is stopped", rec.Code)
	}
}

// =============================================================================
// HISTORY
// =============================================================================

// TestHistoryEndpoints tests list, fetch, search, and delete round trips.
func TestHistoryEndpoints(t *testing.T) {
	s, store := newTestServer(t)
	gen := seedGeneration(t, store)

	rec := doRequest(s, http.MethodGet, "/v1/history", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /v1/history status = %d, want 200", rec.Code)
	}
	body := decodeMap(t, rec)
	if total, _ := body["total"].(float64); total != 1 {
		t.Errorf("total = %v, want 1", body["total"])
	}

	rec = doRequest(s, http.MethodGet, "/v1/history/"+gen.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /v1/history/{id} status = %d, want 200", rec.Code)
	}
	body = decodeMap(t, rec)
	if body["text"] != gen.Text {
		t.Errorf("text = %v, want %q", body["text"], gen.Text)
	}

	rec = doRequest(s, http.MethodGet, "/v1/history?q=second", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /v1/history?q= status = %d, want 200", rec.Code)
	}
	body = decodeMap(t, rec)
	if gens, _ := body["generations"].([]interface{}); len(gens) != 1 {
		t.Errorf("Search returned %v results, want 1", len(gens))
	}

	rec = doRequest(s, http.MethodDelete, "/v1/history/"+gen.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("DELETE /v1/history/{id} status = %d, want 200", rec.Code)
	}

	rec = doRequest(s, http.MethodGet, "/v1/history/"+gen.ID, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET deleted generation status = %d, want 404", rec.Code)
	}
}

// TestHistoryNotFound tests 404s on unknown IDs.
func TestHistoryNotFound(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(s, http.MethodGet, "/v1/history/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET unknown status = %d, want 404", rec.Code)
	}
	rec = doRequest(s, http.MethodDelete, "/v1/history/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("DELETE unknown status = %d, want 404", rec.Code)
	}
}

// =============================================================================
// VOICES
// =============================================================================

func newTestVoices(t *testing.T, s *Server) *voices.Registry {
	t.Helper()

	reg, err := voices.New(voices.Config{
		BuiltinDir: filepath.Join(s.cfg.Paths.DataDir, "models", "voices"),
		CustomDir:  filepath.Join(s.cfg.Paths.DataDir, "voices"),
	})
	if err != nil {
		t.Fatalf("voices.New() error = %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	s.WithVoices(reg)
	return reg
}

// TestVoiceEndpoints tests listing and the error paths of the library.
func TestVoiceEndpoints(t *testing.T) {
	s, _ := newTestServer(t)
	newTestVoices(t, s)

	rec := doRequest(s, http.MethodGet, "/v1/voices", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /v1/voices status = %d, want 200", rec.Code)
	}

	rec = doRequest(s, http.MethodPost, "/v1/voices", `{"name":"narrator","samplePath":"/does/not/exist.wav"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("POST with missing sample status = %d, want 400", rec.Code)
	}

	rec = doRequest(s, http.MethodDelete, "/v1/voices/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("DELETE unknown voice status = %d, want 404", rec.Code)
	}

	rec = doRequest(s, http.MethodPut, "/v1/voices/nope/favorite", `{"favorite":true}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("PUT favorite on unknown voice status = %d, want 404", rec.Code)
	}
}

// TestVoiceCreateAndFavorite tests the full custom voice round trip.
func TestVoiceCreateAndFavorite(t *testing.T) {
	s, _ := newTestServer(t)
	newTestVoices(t, s)

	sample := filepath.Join(t.TempDir(), "sample.wav")
	if err := os.WriteFile(sample, []byte("RIFFxxxxWAVE"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	rec := doRequest(s, http.MethodPost, "/v1/voices", `{"name":"Narrator","locale":"en-US","samplePath":"`+sample+`"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /v1/voices status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	created := decodeMap(t, rec)
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatal("Created voice has no id")
	}

	rec = doRequest(s, http.MethodPut, "/v1/voices/"+id+"/favorite", `{"favorite":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT favorite status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	fav := decodeMap(t, rec)
	if fav["favorite"] != true {
		t.Errorf("favorite = %v, want true", fav["favorite"])
	}

	rec = doRequest(s, http.MethodDelete, "/v1/voices/"+id, "")
	if rec.Code != http.StatusOK {
		t.Errorf("DELETE custom voice status = %d, want 200", rec.Code)
	}
}

// =============================================================================
// PROJECTS
// =============================================================================

// TestProjectEndpoints walks a project through its whole life.
func TestProjectEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(s, http.MethodPost, "/v1/projects", `{"name":"Audiobook"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /v1/projects status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	project := decodeMap(t, rec)
	pid, _ := project["id"].(string)
	if pid == "" {
		t.Fatal("Created project has no id")
	}

	rec = doRequest(s, http.MethodPost, "/v1/projects/"+pid+"/items", `{"text":"Chapter one.","voice":"aria"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST items status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	first := decodeMap(t, rec)
	firstID, _ := first["id"].(string)

	rec = doRequest(s, http.MethodPost, "/v1/projects/"+pid+"/items", `{"text":"Chapter two.","voice":"aria"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST second item status = %d, want 201", rec.Code)
	}
	second := decodeMap(t, rec)
	secondID, _ := second["id"].(string)

	rec = doRequest(s, http.MethodGet, "/v1/projects/"+pid, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET project status = %d, want 200", rec.Code)
	}
	detail := decodeMap(t, rec)
	items, _ := detail["items"].([]interface{})
	if len(items) != 2 {
		t.Fatalf("Project has %d items, want 2", len(items))
	}

	rec = doRequest(s, http.MethodPut, "/v1/projects/"+pid+"/reorder",
		`{"itemIds":["`+secondID+`","`+firstID+`"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT reorder status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	reordered := decodeMap(t, rec)
	items, _ = reordered["items"].([]interface{})
	if got := items[0].(map[string]interface{})["id"]; got != secondID {
		t.Errorf("First item after reorder = %v, want %v", got, secondID)
	}

	rec = doRequest(s, http.MethodPut, "/v1/projects/"+pid+"/items/"+firstID, `{"generation_id":"gen-42"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT item status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	updated := decodeMap(t, rec)
	if updated["generation_id"] != "gen-42" {
		t.Errorf("generation_id = %v, want gen-42", updated["generation_id"])
	}
	if updated["text"] != "Chapter one." {
		t.Errorf("text = %v, want unchanged value", updated["text"])
	}

	rec = doRequest(s, http.MethodPut, "/v1/projects/"+pid, `{"name":"Audiobook v2"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT rename status = %d, want 200", rec.Code)
	}

	rec = doRequest(s, http.MethodDelete, "/v1/projects/"+pid+"/items/"+secondID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("DELETE item status = %d, want 200", rec.Code)
	}

	rec = doRequest(s, http.MethodDelete, "/v1/projects/"+pid, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("DELETE project status = %d, want 200", rec.Code)
	}
	rec = doRequest(s, http.MethodGet, "/v1/projects/"+pid, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET deleted project status = %d, want 404", rec.Code)
	}
}

// TestProjectErrors tests the project error statuses.
func TestProjectErrors(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(s, http.MethodPost, "/v1/projects", `{"name":""}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("POST empty name status = %d, want 400", rec.Code)
	}

	rec = doRequest(s, http.MethodGet, "/v1/projects/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET unknown project status = %d, want 404", rec.Code)
	}

	rec = doRequest(s, http.MethodPost, "/v1/projects/nope/items", `{"text":"x"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("POST item to unknown project status = %d, want 404", rec.Code)
	}

	// Reorder with a stale ID list must not half-apply.
	rec = doRequest(s, http.MethodPost, "/v1/projects", `{"name":"P"}`)
	pid, _ := decodeMap(t, rec)["id"].(string)
	rec = doRequest(s, http.MethodPut, "/v1/projects/"+pid+"/reorder", `{"itemIds":["ghost"]}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("PUT reorder with unknown ids status = %d, want 400", rec.Code)
	}
}

// =============================================================================
// QUEUE
// =============================================================================

type stubSynthesizer struct{}

func (stubSynthesizer) Synthesize(ctx context.Context, req engine.SynthesizeRequest) (*engine.SynthesizeResponse, error) {
	return &engine.SynthesizeResponse{AudioPath: "/tmp/out.wav", DurationMs: 1000, SampleRate: 24000}, nil
}

func newTestQueue(t *testing.T, s *Server) *queue.Queue {
	t.Helper()

	q, err := queue.New(queue.Config{Synthesizer: stubSynthesizer{}})
	if err != nil {
		t.Fatalf("queue.New() error = %v", err)
	}
	t.Cleanup(q.Close)
	s.WithQueue(q)
	return q
}

// TestQueueEndpoints tests submit, list, and the error paths.
func TestQueueEndpoints(t *testing.T) {
	s, _ := newTestServer(t)
	newTestQueue(t, s)

	rec := doRequest(s, http.MethodPost, "/v1/queue", `{"text":"Batch line.","voice":"aria"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("POST /v1/queue status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	job := decodeMap(t, rec)
	if job["id"] == "" || job["id"] == nil {
		t.Fatal("Submitted job has no id")
	}

	rec = doRequest(s, http.MethodGet, "/v1/queue", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /v1/queue status = %d, want 200", rec.Code)
	}
	body := decodeMap(t, rec)
	if _, ok := body["counts"].(map[string]interface{}); !ok {
		t.Error("Queue listing is missing counts")
	}

	rec = doRequest(s, http.MethodPost, "/v1/queue", `{"text":"   "}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("POST empty text status = %d, want 400", rec.Code)
	}

	rec = doRequest(s, http.MethodPost, "/v1/queue/nope/cancel", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("POST cancel unknown job status = %d, want 404", rec.Code)
	}
}

// TestQueueUnavailable tests queue routes with no queue attached.
func TestQueueUnavailable(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(s, http.MethodGet, "/v1/queue", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("GET /v1/queue status = %d, want 503", rec.Code)
	}
}

// =============================================================================
// EXPORT
// =============================================================================

// TestHandleExport tests rendering a generation to a subtitle file.
func TestHandleExport(t *testing.T) {
	s, store := newTestServer(t)
	gen := seedGeneration(t, store)

	dir := t.TempDir()
	rec := doRequest(s, http.MethodPost, "/v1/export/"+gen.ID, `{"format":"vtt","dir":"`+dir+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /v1/export status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	body := decodeMap(t, rec)
	path, _ := body["path"].(string)
	if path == "" {
		t.Fatal("Export response has no path")
	}
	if body["mimeType"] != "text/vtt" {
		t.Errorf("mimeType = %v, want text/vtt", body["mimeType"])
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Reading exported file: %v", err)
	}
	if !strings.HasPrefix(string(content), "WEBVTT\n") {
		t.Errorf("Exported file does not start with WEBVTT header")
	}
}

// TestHandleExport_Errors tests the export failure statuses.
func TestHandleExport_Errors(t *testing.T) {
	s, store := newTestServer(t)
	gen := seedGeneration(t, store)

	rec := doRequest(s, http.MethodPost, "/v1/export/nope", `{"format":"srt"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Unknown generation status = %d, want 404", rec.Code)
	}

	rec = doRequest(s, http.MethodPost, "/v1/export/"+gen.ID, `{"format":"ass"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Unknown format status = %d, want 400", rec.Code)
	}

	bare := &storage.Generation{Text: "no timings", Voice: "aria", OutputPath: "/tmp/x.wav"}
	if err := store.AddGeneration(bare); err != nil {
		t.Fatalf("AddGeneration() error = %v", err)
	}
	rec = doRequest(s, http.MethodPost, "/v1/export/"+bare.ID, `{"format":"srt"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Generation without segments status = %d, want 400", rec.Code)
	}
}

// =============================================================================
// CONFIG
// =============================================================================

// TestHandleConfigGet tests that secrets never leave the process.
func TestHandleConfigGet(t *testing.T) {
	t.Setenv("VOICEFORGE_DATA_DIR", t.TempDir())
	config.ResetGlobalForTesting()
	t.Cleanup(config.ResetGlobalForTesting)

	secret := config.Default()
	secret.Server.AuthToken = "super-secret-token"
	config.SetGlobal(secret)

	s, _ := newTestServer(t)
	rec := doRequest(s, http.MethodGet, "/v1/config", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /v1/config status = %d, want 200", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "super-secret-token") {
		t.Error("Auth token leaked in config response")
	}
	if !strings.Contains(rec.Body.String(), "[REDACTED]") {
		t.Error("Auth token was not redacted")
	}
}

// TestHandleConfigUpdate tests merge, validation, and persistence.
func TestHandleConfigUpdate(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("VOICEFORGE_DATA_DIR", dir)
	config.ResetGlobalForTesting()
	t.Cleanup(config.ResetGlobalForTesting)

	s, _ := newTestServer(t)

	rec := doRequest(s, http.MethodPut, "/v1/config", `{"history":{"max_entries":250}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT /v1/config status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if config.Global().History.MaxEntries != 250 {
		t.Errorf("Global max_entries = %d, want 250", config.Global().History.MaxEntries)
	}
	if _, err := os.Stat(filepath.Join(dir, "config.toml")); err != nil {
		t.Errorf("Config file was not persisted: %v", err)
	}

	rec = doRequest(s, http.MethodPut, "/v1/config", `{"server":{"port":99999}}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("PUT invalid port status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
}

// =============================================================================
// REQUEST PLUMBING
// =============================================================================

// TestRequestBodyTooLarge tests the body size cap.
func TestRequestBodyTooLarge(t *testing.T) {
	s, _ := newTestServer(t)

	body := `{"text":"` + strings.Repeat("a", MaxRequestBodySize+1) + `"}`
	rec := doRequest(s, http.MethodPost, "/v1/synthesize", body)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("Oversized body status = %d, want 413", rec.Code)
	}
}

// TestMethodNotAllowed tests the router's method matching.
func TestMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(s, http.MethodDelete, "/health", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("DELETE /health status = %d, want 405", rec.Code)
	}
}
