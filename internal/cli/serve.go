// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// serve.go - The serve command: wires the daemon together and runs it.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jeranaias/voiceforge/internal/config"
	"github.com/jeranaias/voiceforge/internal/engine"
	"github.com/jeranaias/voiceforge/internal/queue"
	"github.com/jeranaias/voiceforge/internal/server"
	"github.com/jeranaias/voiceforge/internal/setup"
	"github.com/jeranaias/voiceforge/internal/storage"
	"github.com/jeranaias/voiceforge/internal/voices"
)

// shutdownTimeout bounds graceful shutdown before the process just exits.
const shutdownTimeout = 10 * time.Second

// HandleServe runs the daemon until a signal or a fatal server error.
func HandleServe(args Args) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}
	config.SetGlobal(cfg)

	dataDir := cfg.Paths.DataDir
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.Open(filepath.Join(dataDir, "voiceforge.db"))
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()

	registry, err := voices.New(voices.Config{
		BuiltinDir:  filepath.Join(dataDir, "models", "voices"),
		CustomDir:   filepath.Join(dataDir, "voices"),
		EnableWatch: true,
	})
	if err != nil {
		return fmt.Errorf("failed to open voice library: %w", err)
	}
	defer registry.Close()

	supervisor := engine.NewSupervisor(engine.Config{
		DataDir: dataDir,
		Port:    cfg.Engine.Port,
		Model:   cfg.Engine.Model,
		UseGPU:  cfg.Engine.UseGPU,
	})

	q, err := queue.New(queue.Config{
		Synthesizer:  supervisor.Client(),
		Store:        store,
		HistoryLimit: cfg.History.MaxEntries,
	})
	if err != nil {
		return fmt.Errorf("failed to start queue: %w", err)
	}
	defer q.Close()

	orch := setup.New(setup.Config{
		BaseURL:          cfg.Setup.BaseURL,
		DataDir:          dataDir,
		MaxBandwidthMBps: cfg.Setup.MaxBandwidthMBps,
	})

	srv := server.NewServer(cfg).
		WithStore(store).
		WithVoices(registry).
		WithEngine(supervisor).
		WithQueue(q).
		WithOrchestrator(orch).
		WithVersion(server.VersionInfo{Version: Version, GitCommit: GitCommit, BuildDate: BuildDate})

	// Surface queue outcomes in the daemon log; the shell sees them via
	// the API, this is for whoever is tailing the terminal.
	go func() {
		for n := range q.Notifications() {
			if n.Error != "" {
				log.Printf("QUEUE_JOB | id=%s status=%s error=%q", n.JobID, n.Status, n.Error)
			} else {
				log.Printf("QUEUE_JOB | id=%s status=%s duration=%s", n.JobID, n.Status, n.Duration.Round(time.Millisecond))
			}
		}
	}()

	if setup.SetupRequired(dataDir) {
		log.Printf("SERVE | setup required, engine idle until a setup run completes")
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
	case s := <-sig:
		log.Printf("SERVE | signal=%s, shutting down", s)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("SERVE | shutdown error: %v", err)
	}
	if err := supervisor.Stop(ctx); err != nil {
		log.Printf("SERVE | engine stop error: %v", err)
	}
	return nil
}
