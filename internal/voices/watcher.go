// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package voices maintains the library of built-in and custom voices.
package voices

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// =============================================================================
// DIRECTORY WATCHER INTERFACE
// =============================================================================

// dirWatcher is the interface for custom-dir watching implementations
type dirWatcher interface {
	// Watch starts watching for changes
	Watch() error

	// Close stops watching and releases resources
	Close() error
}

// =============================================================================
// FSNOTIFY WATCHER
// =============================================================================

// notifyWatcher reloads the registry when the custom dir changes
type notifyWatcher struct {
	registry *Registry
	watcher  *fsnotify.Watcher
	debounce time.Duration
	mu       sync.Mutex
	dirtyAt  time.Time // Zero when no reload is pending
	ctx      context.Context
	cancel   context.CancelFunc
}

func newNotifyWatcher(r *Registry, debounce time.Duration) (*notifyWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &notifyWatcher{
		registry: r,
		watcher:  watcher,
		debounce: debounce,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Watch starts watching the custom voice directory
func (nw *notifyWatcher) Watch() error {
	if err := nw.watcher.Add(nw.registry.cfg.CustomDir); err != nil {
		return err
	}

	go nw.processEvents()
	go nw.processPending()

	return nil
}

// processEvents marks the registry dirty on relevant file events
func (nw *notifyWatcher) processEvents() {
	defer func() {
		if r := recover(); r != nil {
			_ = r
		}
	}()

	for {
		select {
		case <-nw.ctx.Done():
			return

		case event, ok := <-nw.watcher.Events:
			if !ok {
				return
			}
			if !relevantVoiceFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				nw.mu.Lock()
				nw.dirtyAt = time.Now()
				nw.mu.Unlock()
			}

		case err, ok := <-nw.watcher.Errors:
			if !ok {
				return
			}
			// Non-fatal
			_ = err
		}
	}
}

// processPending reloads once events have been quiet for the debounce period
func (nw *notifyWatcher) processPending() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-nw.ctx.Done():
			return

		case <-ticker.C:
			nw.mu.Lock()
			dirty := !nw.dirtyAt.IsZero() && time.Since(nw.dirtyAt) >= nw.debounce
			if dirty {
				nw.dirtyAt = time.Time{}
			}
			nw.mu.Unlock()

			if dirty {
				nw.registry.Reload()
			}
		}
	}
}

// Close stops watching and releases resources
func (nw *notifyWatcher) Close() error {
	nw.cancel()
	if nw.watcher != nil {
		return nw.watcher.Close()
	}
	return nil
}

// relevantVoiceFile reports whether a change to path can affect the library.
func relevantVoiceFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return sampleExts[ext] || ext == ".json"
}

// =============================================================================
// POLLING WATCHER (FALLBACK)
// =============================================================================

// pollingWatcher reloads on a timer when fsnotify is unavailable
type pollingWatcher struct {
	registry *Registry
	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	files    map[string]time.Time // File path -> mod time
}

func newPollingWatcher(r *Registry, interval time.Duration) *pollingWatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &pollingWatcher{
		registry: r,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
		files:    make(map[string]time.Time),
	}
}

// Watch starts the polling loop
func (pw *pollingWatcher) Watch() error {
	pw.scan()
	go pw.poll()
	return nil
}

// scan records current file modification times and reports changes
func (pw *pollingWatcher) scan() bool {
	current := make(map[string]time.Time)

	entries, err := os.ReadDir(pw.registry.cfg.CustomDir)
	if err == nil {
		for _, entry := range entries {
			if entry.IsDir() || !relevantVoiceFile(entry.Name()) {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			current[entry.Name()] = info.ModTime()
		}
	}

	pw.mu.Lock()
	defer pw.mu.Unlock()

	changed := len(current) != len(pw.files)
	if !changed {
		for name, modTime := range current {
			if old, ok := pw.files[name]; !ok || !old.Equal(modTime) {
				changed = true
				break
			}
		}
	}
	pw.files = current
	return changed
}

func (pw *pollingWatcher) poll() {
	ticker := time.NewTicker(pw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-pw.ctx.Done():
			return

		case <-ticker.C:
			if pw.scan() {
				pw.registry.Reload()
			}
		}
	}
}

// Close stops the polling loop
func (pw *pollingWatcher) Close() error {
	pw.cancel()
	return nil
}

// =============================================================================
// WATCHER FACTORY
// =============================================================================

// startWatcher starts the directory watcher (fsnotify or polling fallback)
func (r *Registry) startWatcher() {
	// Try fsnotify first
	nw, err := newNotifyWatcher(r, r.cfg.WatchDebounce)
	if err == nil {
		if err := nw.Watch(); err == nil {
			r.watcher = nw
			return
		}
		nw.Close()
	}

	// Fallback to polling
	pw := newPollingWatcher(r, r.cfg.PollInterval)
	if err := pw.Watch(); err == nil {
		r.watcher = pw
	}
}
