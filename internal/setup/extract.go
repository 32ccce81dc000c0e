// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package setup provisions the Python runtime, engine dependencies, and
// model weights for the voiceforge engine.
package setup

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// =============================================================================
// ARCHIVE EXTRACTOR
// =============================================================================

// Extraction is two-tier: the system tar binary first (bsdtar unpacks both
// tarballs and zip, and is much faster than the pure-Go path on the
// multi-gigabyte runtime archives), then a pure-Go walker when the tool is
// missing or fails. Only a failure of both tiers is an extraction error.
const (
	fastExtractTimeout     = 10 * time.Minute
	fallbackExtractTimeout = 20 * time.Minute
)

// Extract unpacks archivePath into destDir, creating destDir as needed.
func Extract(ctx context.Context, archivePath, destDir string) error {
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return NewFatalError("creating extraction directory "+destDir, err)
	}

	fastErr := extractWithTool(ctx, archivePath, destDir)
	if fastErr == nil {
		return nil
	}

	fallbackCtx, cancel := context.WithTimeout(ctx, fallbackExtractTimeout)
	defer cancel()
	if err := extractPureGo(fallbackCtx, archivePath, destDir); err != nil {
		return NewExtractionError(
			fmt.Sprintf("extracting %s failed (tool: %v)", filepath.Base(archivePath), fastErr), err)
	}
	return nil
}

// extractWithTool shells out to the system tar binary.
func extractWithTool(ctx context.Context, archivePath, destDir string) error {
	tarBin, err := exec.LookPath("tar")
	if err != nil {
		return fmt.Errorf("tar not found in PATH")
	}

	ctx, cancel := context.WithTimeout(ctx, fastExtractTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, tarBin, "-xf", archivePath, "-C", destDir)
	if out, err := cmd.CombinedOutput(); err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			msg = err.Error()
		}
		return fmt.Errorf("tar failed: %s", msg)
	}
	return nil
}

// extractPureGo dispatches on the archive suffix.
func extractPureGo(ctx context.Context, archivePath, destDir string) error {
	name := strings.ToLower(archivePath)
	switch {
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		return extractTarGz(ctx, archivePath, destDir)
	case strings.HasSuffix(name, ".zip"):
		return extractZip(ctx, archivePath, destDir)
	default:
		return fmt.Errorf("unsupported archive format: %s", filepath.Base(archivePath))
	}
}

func extractTarGz(ctx context.Context, archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("opening gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading tar entry: %w", err)
		}

		target, err := securePath(destDir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeEntry(target, tr, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		case tar.TypeSymlink:
			// The link target must also resolve inside destDir.
			if filepath.IsAbs(hdr.Linkname) {
				return fmt.Errorf("symlink %q has absolute target %q", hdr.Name, hdr.Linkname)
			}
			resolved := filepath.Join(filepath.Dir(target), hdr.Linkname)
			if rel, relErr := filepath.Rel(destDir, resolved); relErr != nil ||
				rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
				return fmt.Errorf("symlink %q escapes extraction directory", hdr.Name)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		}
	}
}

func extractZip(ctx context.Context, archivePath, destDir string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("opening zip: %w", err)
	}
	defer zr.Close()

	for _, zf := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}

		target, err := securePath(destDir, zf.Name)
		if err != nil {
			return err
		}

		if zf.FileInfo().IsDir() {
			if err := os.MkdirAll(target, zf.Mode()); err != nil {
				return err
			}
			continue
		}

		rc, err := zf.Open()
		if err != nil {
			return fmt.Errorf("opening %s in zip: %w", zf.Name, err)
		}
		err = writeEntry(target, rc, zf.Mode())
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// writeEntry creates target's parent, then copies content with the given mode.
func writeEntry(target string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode.Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// securePath joins name under base and rejects any entry that would escape
// it. Archive entries are untrusted input even when the archive itself is
// checksum-verified.
func securePath(base, name string) (string, error) {
	target := filepath.Join(base, filepath.Clean(name))
	rel, err := filepath.Rel(base, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry %q escapes extraction directory", name)
	}
	return target, nil
}
