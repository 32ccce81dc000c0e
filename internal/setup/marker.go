// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package setup provisions the Python runtime, engine dependencies, and
// model weights for the voiceforge engine.
package setup

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/jeranaias/voiceforge/internal/util"
)

// =============================================================================
// COMPLETION MARKER
// =============================================================================

// SetupVersion invalidates completion markers from older archive layouts.
// Bump it whenever the archive set or extraction layout changes in a way
// that requires a re-provision.
const SetupVersion = 3

const markerFilename = "setup-complete.json"

// Marker records a successful setup run. Its presence (with a matching
// SetupVersion) is the single gate deciding whether setup re-runs. It is
// written only after every archive is downloaded, verified, and extracted
// and the post-install fixups have been applied; a failed run never
// produces one.
type Marker struct {
	SetupVersion    int       `json:"setupVersion"`
	Model           string    `json:"model"`
	UseGPU          bool      `json:"useGpu"`
	ManifestVersion int       `json:"manifestVersion"`
	BuildDate       string    `json:"buildDate"`
	Timestamp       time.Time `json:"timestamp"`
}

// MarkerPath returns the marker location inside the data directory.
func MarkerPath(dataDir string) string {
	return filepath.Join(dataDir, markerFilename)
}

// WriteMarker persists the marker atomically. A crash mid-write leaves
// either no marker or a complete one, never a truncated file.
func WriteMarker(dataDir string, m *Marker) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return NewFatalError("encoding completion marker", err)
	}
	if err := util.AtomicWriteFile(MarkerPath(dataDir), data, 0644); err != nil {
		return NewFatalError("writing completion marker", err)
	}
	return nil
}

// ReadMarker loads the marker. A missing file returns os.ErrNotExist.
func ReadMarker(dataDir string) (*Marker, error) {
	data, err := os.ReadFile(MarkerPath(dataDir))
	if err != nil {
		return nil, err
	}
	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// SetupRequired reports whether a provisioning run is needed. Any problem
// reading the marker (absent, unreadable, malformed, version mismatch)
// means setup runs again; a false negative here would strand the user with
// a broken install.
func SetupRequired(dataDir string) bool {
	m, err := ReadMarker(dataDir)
	if err != nil {
		return true
	}
	return m.SetupVersion != SetupVersion
}
