// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package setup provisions the Python runtime, engine dependencies, and
// model weights for the voiceforge engine.
package setup

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// tarGzBytes builds a .tar.gz in memory from name->content pairs. Entries
// ending in "/" become directories.
func tarGzBytes(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range entries {
		if strings.HasSuffix(name, "/") {
			if err := tw.WriteHeader(&tar.Header{Name: name, Typeflag: tar.TypeDir, Mode: 0755}); err != nil {
				t.Fatal(err)
			}
			continue
		}
		hdr := &tar.Header{Name: name, Mode: 0644, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func writeTarGz(t *testing.T, path string, entries map[string]string) {
	t.Helper()
	if err := os.WriteFile(path, tarGzBytes(t, entries), 0644); err != nil {
		t.Fatal(err)
	}
}

func writeZip(t *testing.T, path string, entries map[string]string) {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range entries {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestExtractPureGo_TarGz(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "runtime.tar.gz")
	writeTarGz(t, archive, map[string]string{
		"python/":              "",
		"python/python.exe":    "binary",
		"python/lib/site.py":   "site module",
		"python311._pth":       "python311.zip\n.\n#import site\n",
	})

	dest := filepath.Join(dir, "out")
	if err := extractPureGo(context.Background(), archive, dest); err != nil {
		t.Fatalf("extractPureGo() error: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dest, "python", "lib", "site.py"))
	if err != nil {
		t.Fatalf("nested file missing: %v", err)
	}
	if string(got) != "site module" {
		t.Errorf("content = %q", got)
	}
}

func TestExtractPureGo_Zip(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "deps.zip")
	writeZip(t, archive, map[string]string{
		"wheels/torch.whl": "wheel data",
		"requirements.txt": "torch==2.3",
	})

	dest := filepath.Join(dir, "out")
	if err := extractPureGo(context.Background(), archive, dest); err != nil {
		t.Fatalf("extractPureGo() error: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dest, "wheels", "torch.whl"))
	if err != nil {
		t.Fatalf("zip entry missing: %v", err)
	}
	if string(got) != "wheel data" {
		t.Errorf("content = %q", got)
	}
}

func TestExtractPureGo_RejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.tar.gz")
	writeTarGz(t, archive, map[string]string{
		"../escape.txt": "outside",
	})

	dest := filepath.Join(dir, "out")
	err := extractPureGo(context.Background(), archive, dest)
	if err == nil {
		t.Fatal("expected traversal rejection")
	}
	if !strings.Contains(err.Error(), "escapes") {
		t.Errorf("error = %q, want mention of escape", err.Error())
	}
	if _, statErr := os.Stat(filepath.Join(dir, "escape.txt")); !os.IsNotExist(statErr) {
		t.Error("traversal entry was written outside the destination")
	}
}

func TestExtractPureGo_RejectsSymlinkEscape(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "link.tar.gz")

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	if err := tw.WriteHeader(&tar.Header{
		Name:     "data/secret",
		Typeflag: tar.TypeSymlink,
		Linkname: "../../../../etc/passwd",
	}); err != nil {
		t.Fatal(err)
	}
	tw.Close()
	gz.Close()
	if err := os.WriteFile(archive, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}

	err := extractPureGo(context.Background(), archive, filepath.Join(dir, "out"))
	if err == nil {
		t.Fatal("expected symlink escape rejection")
	}
}

func TestExtractPureGo_UnsupportedFormat(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "weird.rar")
	if err := os.WriteFile(archive, []byte("not an archive"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := extractPureGo(context.Background(), archive, dir); err == nil {
		t.Fatal("expected unsupported-format error")
	}
}

func TestExtract_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "model.tar.gz")
	writeTarGz(t, archive, map[string]string{
		"weights.bin": "model weights",
		"config.json": `{"sample_rate": 24000}`,
	})

	dest := filepath.Join(dir, "models", "aria")
	if err := Extract(context.Background(), archive, dest); err != nil {
		t.Fatalf("Extract() error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "weights.bin")); err != nil {
		t.Errorf("extracted file missing: %v", err)
	}
}

func TestSecurePath(t *testing.T) {
	base := filepath.Join(string(os.PathSeparator), "data", "runtime")
	tests := []struct {
		name    string
		entry   string
		wantErr bool
	}{
		{"plain file", "file.txt", false},
		{"nested", "a/b/c.txt", false},
		{"dot prefixed", "./ok.txt", false},
		{"parent escape", "../evil.txt", true},
		{"deep escape", "a/../../evil.txt", true},
		{"double dot only", "..", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := securePath(base, tt.entry)
			if (err != nil) != tt.wantErr {
				t.Errorf("securePath(%q) error = %v, wantErr %v", tt.entry, err, tt.wantErr)
			}
		})
	}
}
