// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package setup provisions the Python runtime, engine dependencies, and
// model weights for the voiceforge engine.
package setup

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// =============================================================================
// RESUMABLE DOWNLOADER
// =============================================================================

const (
	// PartSuffix marks an in-progress download. The partial file is the
	// only checkpoint: resume state is reconstructed from its size alone.
	PartSuffix = ".part"

	copyChunkSize = 64 * 1024
)

// idleTimeout aborts a transfer that has delivered no bytes for this long.
// There is no overall deadline: a large archive on a slow link is progress,
// a silent socket is not. Variable so tests can shorten the stall window.
var idleTimeout = 30 * time.Second

// ProgressFunc receives transfer progress. totalBytes is the manifest's
// declared size when known, otherwise startByte plus the server's
// Content-Length.
type ProgressFunc func(bytesSoFar, totalBytes int64)

// Downloader performs resumable archive downloads.
type Downloader struct {
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewDownloader creates a downloader with no bandwidth cap.
func NewDownloader() *Downloader {
	return &Downloader{httpClient: &http.Client{}}
}

// SetBandwidthLimit caps transfer speed in megabytes per second.
// A non-positive value removes the cap.
func (d *Downloader) SetBandwidthLimit(mbps float64) {
	if mbps <= 0 {
		d.limiter = nil
		return
	}
	bytesPerSec := mbps * 1024 * 1024
	burst := int(bytesPerSec)
	if burst < copyChunkSize {
		burst = copyChunkSize
	}
	d.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

// Download fetches url into destPath, resuming from destPath+".part" when a
// partial exists. expectedSize is the manifest-declared byte count and is
// authoritative: a partial at or past it promotes without touching the
// network. On success the partial is fsynced and atomically renamed to
// destPath. On any error the partial is left on disk for the next run.
func (d *Downloader) Download(ctx context.Context, url, destPath string, expectedSize int64, onProgress ProgressFunc) error {
	// A finished file from a previous run that died before verify/extract.
	if fi, err := os.Stat(destPath); err == nil && expectedSize > 0 {
		if fi.Size() == expectedSize {
			if onProgress != nil {
				onProgress(expectedSize, expectedSize)
			}
			return nil
		}
		// Wrong size can only mean a different build; start over.
		if err := os.Remove(destPath); err != nil {
			return NewDownloadError("removing stale archive "+destPath, err)
		}
	}

	partPath := destPath + PartSuffix
	var startByte int64
	if fi, err := os.Stat(partPath); err == nil {
		startByte = fi.Size()
	}

	// Partial already covers the declared size: promote, no network.
	if expectedSize > 0 && startByte >= expectedSize {
		if err := promotePart(partPath, destPath); err != nil {
			return err
		}
		if onProgress != nil {
			onProgress(startByte, expectedSize)
		}
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return NewDownloadError("invalid archive URL "+url, err)
	}
	if startByte > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", startByte))
	}

	// Stall watchdog: cancels the request context when the body goes
	// quiet for idleTimeout. Reset after every successful read.
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var stalled atomic.Bool
	watchdog := time.AfterFunc(idleTimeout, func() {
		stalled.Store(true)
		cancel()
	})
	defer watchdog.Stop()

	resp, err := d.httpClient.Do(req.WithContext(reqCtx))
	if err != nil {
		if stalled.Load() {
			return NewDownloadError("download stalled: no data for "+idleTimeout.String(), err)
		}
		return NewDownloadError("requesting "+url, err)
	}
	defer resp.Body.Close()

	var f *os.File
	switch resp.StatusCode {
	case http.StatusPartialContent:
		f, err = os.OpenFile(partPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	case http.StatusOK:
		// Server ignored the range request; the partial is useless.
		startByte = 0
		f, err = os.OpenFile(partPath, os.O_TRUNC|os.O_CREATE|os.O_WRONLY, 0644)
	default:
		return NewDownloadError(fmt.Sprintf("server returned HTTP %d for %s", resp.StatusCode, url), nil)
	}
	if err != nil {
		return NewDownloadError("opening partial file "+partPath, err)
	}
	defer f.Close()

	totalBytes := expectedSize
	if totalBytes <= 0 && resp.ContentLength >= 0 {
		totalBytes = startByte + resp.ContentLength
	}

	written, err := d.copyBody(reqCtx, f, resp.Body, watchdog, startByte, totalBytes, onProgress)
	if err != nil {
		if stalled.Load() {
			return NewDownloadError("download stalled: no data for "+idleTimeout.String(), err)
		}
		return NewDownloadError("transfer interrupted for "+url, err)
	}

	if expectedSize > 0 && startByte+written < expectedSize {
		// Server closed the stream early. Keep the partial; the next run
		// resumes from here.
		return NewDownloadError(fmt.Sprintf("short download: got %d of %d bytes", startByte+written, expectedSize), nil)
	}

	if err := f.Sync(); err != nil {
		return NewDownloadError("syncing partial file", err)
	}
	if err := f.Close(); err != nil {
		return NewDownloadError("closing partial file", err)
	}
	if err := promotePart(partPath, destPath); err != nil {
		return err
	}
	if onProgress != nil {
		onProgress(startByte+written, totalBytes)
	}
	return nil
}

// copyBody drains body into f, feeding the watchdog, the bandwidth limiter,
// and the throttled progress callback.
func (d *Downloader) copyBody(ctx context.Context, f *os.File, body io.Reader, watchdog *time.Timer, startByte, totalBytes int64, onProgress ProgressFunc) (int64, error) {
	buf := make([]byte, copyChunkSize)
	var written int64
	lastEmit := time.Now()

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			watchdog.Reset(idleTimeout)
			if d.limiter != nil {
				if err := d.limiter.WaitN(ctx, n); err != nil {
					return written, err
				}
			}
			if _, err := f.Write(buf[:n]); err != nil {
				return written, err
			}
			written += int64(n)

			// Progress at most every 200ms; the UI cannot use more.
			if onProgress != nil && time.Since(lastEmit) >= 200*time.Millisecond {
				onProgress(startByte+written, totalBytes)
				lastEmit = time.Now()
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}

// promotePart renames a complete partial to its final name. Rename within
// one directory is atomic, so a crash leaves either the partial or the
// finished archive, never a half-promoted file.
func promotePart(partPath, destPath string) error {
	if err := os.Rename(partPath, destPath); err != nil {
		return NewDownloadError("promoting "+partPath, err)
	}
	return nil
}
