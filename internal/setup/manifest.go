// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package setup provisions the Python runtime, engine dependencies, and
// model weights for the voiceforge engine.
package setup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// =============================================================================
// MANIFEST TYPES
// =============================================================================

// Manifest describes the archive set published for one engine build. It is
// fetched fresh on every setup run and never cached: a stale manifest is
// worse than the extra round trip.
type Manifest struct {
	Version   int                    `json:"version"`
	BuildDate string                 `json:"buildDate"`
	Archives  map[string]ArchiveInfo `json:"archives"`
}

// ArchiveInfo describes one downloadable archive. Size is the authoritative
// byte count for resume and progress math; the server's Content-Length is
// never trusted over it.
type ArchiveInfo struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	SHA256   string `json:"sha256"`
}

// =============================================================================
// FETCHER
// =============================================================================

const (
	manifestPath = "/manifest.json"

	// fetchTimeout bounds the whole manifest fetch, DNS through body read.
	fetchTimeout = 30 * time.Second

	// maxRedirects caps redirect hops on the manifest URL. The base URL is
	// operator-configurable, so the fetcher fails closed past the cap.
	maxRedirects = 5
)

// Fetcher retrieves and validates release manifests.
type Fetcher struct {
	baseURL    string
	httpClient *http.Client
}

// NewFetcher creates a manifest fetcher for the given release base URL.
func NewFetcher(baseURL string) *Fetcher {
	return &Fetcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
	}
}

// ArchiveURL returns the download URL for an archive filename.
func (f *Fetcher) ArchiveURL(filename string) string {
	return f.baseURL + "/" + filename
}

// Fetch downloads and validates the manifest. Network failures (including
// redirect-cap violations and non-2xx statuses) return KindNetwork; decode
// and validation failures return KindParse.
func (f *Fetcher) Fetch(ctx context.Context) (*Manifest, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	url := f.baseURL + manifestPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, NewNetworkError("invalid manifest URL "+url, err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, NewNetworkError("manifest fetch failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, NewNetworkError(fmt.Sprintf("manifest fetch returned HTTP %d", resp.StatusCode), nil)
	}

	// Buffer the body fully before decoding so a mid-stream disconnect
	// surfaces as a network error, not a confusing parse error.
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewNetworkError("reading manifest body", err)
	}

	var m Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, NewParseError("malformed manifest JSON", err)
	}
	if err := validateManifest(&m); err != nil {
		return nil, NewParseError("invalid manifest", err)
	}
	return &m, nil
}

// validateManifest enforces the typed boundary: downstream code may assume
// every field it reads off a Manifest is well formed.
func validateManifest(m *Manifest) error {
	if m.Version <= 0 {
		return fmt.Errorf("version must be positive, got %d", m.Version)
	}
	if len(m.Archives) == 0 {
		return fmt.Errorf("manifest declares no archives")
	}
	for key, info := range m.Archives {
		if info.Filename == "" {
			return fmt.Errorf("archive %q has empty filename", key)
		}
		if strings.ContainsAny(info.Filename, "/\\") {
			return fmt.Errorf("archive %q filename %q contains a path separator", key, info.Filename)
		}
		if info.Size <= 0 {
			return fmt.Errorf("archive %q declares size %d", key, info.Size)
		}
		if !isLowerHex256(info.SHA256) {
			return fmt.Errorf("archive %q has invalid sha256 %q", key, info.SHA256)
		}
	}
	return nil
}

// isLowerHex256 reports whether s is a 64-character lowercase hex digest.
func isLowerHex256(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		default:
			return false
		}
	}
	return true
}
