// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package export writes subtitle files from a generation's segment timings.
// Supports SRT and WebVTT output.
package export

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jeranaias/voiceforge/internal/storage"
)

// =============================================================================
// EXPORT INTERFACE
// =============================================================================

// Exporter defines the interface for subtitle exporters.
type Exporter interface {
	// Export renders a generation's segments to the target format.
	Export(g *storage.Generation, opts Options) (string, error)

	// FileExtension returns the appropriate file extension (e.g., ".srt").
	FileExtension() string

	// MimeType returns the MIME type for the exported format.
	MimeType() string
}

// =============================================================================
// EXPORT OPTIONS
// =============================================================================

// Options configures export behavior.
type Options struct {
	// IncludeVoice prefixes each cue with the speaking voice.
	IncludeVoice bool

	// MaxLineChars wraps cue text at this width (0 = no wrapping).
	// Default: 42, the usual subtitle line length.
	MaxLineChars int
}

// DefaultOptions returns default export options.
func DefaultOptions() Options {
	return Options{
		IncludeVoice: false,
		MaxLineChars: 42,
	}
}

// =============================================================================
// EXPORT FUNCTIONS
// =============================================================================

// ExportToFile renders a generation with the given exporter and writes the
// result into dir. Returns the output file path.
func ExportToFile(e Exporter, g *storage.Generation, dir string, opts Options) (string, error) {
	content, err := e.Export(g, opts)
	if err != nil {
		return "", fmt.Errorf("export failed: %w", err)
	}

	// Generate output filename
	timestamp := time.Now().Format("20060102_150405")
	filename := fmt.Sprintf("%s_%s%s",
		sanitizeFilename(g.Text),
		timestamp,
		e.FileExtension(),
	)

	// Ensure output directory exists
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}

	outputPath := filepath.Join(dir, filename)
	if err := os.WriteFile(outputPath, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}

	return outputPath, nil
}

// ForFormat returns the exporter for a format name ("srt" or "vtt").
func ForFormat(format string) (Exporter, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "srt":
		return NewSRTExporter(), nil
	case "vtt":
		return NewVTTExporter(), nil
	default:
		return nil, fmt.Errorf("unknown subtitle format: %q", format)
	}
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// validateGeneration checks that a generation can produce cues.
func validateGeneration(g *storage.Generation) error {
	if g == nil {
		return fmt.Errorf("generation is nil")
	}
	if len(g.Segments) == 0 {
		return fmt.Errorf("generation has no segment timings")
	}
	return nil
}

// cueText assembles one cue's lines from a segment.
func cueText(seg storage.Segment, voice string, opts Options) []string {
	text := strings.TrimSpace(seg.Text)
	if opts.IncludeVoice && voice != "" {
		text = voice + ": " + text
	}
	return wrapText(text, opts.MaxLineChars)
}

// wrapText word-wraps text at maxChars per line. A word longer than the
// limit gets a line of its own.
func wrapText(text string, maxChars int) []string {
	if maxChars <= 0 {
		return []string{text}
	}

	words := strings.Fields(text)
	if len(words) == 0 {
		return []string{""}
	}

	var lines []string
	var current strings.Builder
	for _, word := range words {
		if current.Len() == 0 {
			current.WriteString(word)
			continue
		}
		if current.Len()+1+len(word) > maxChars {
			lines = append(lines, current.String())
			current.Reset()
			current.WriteString(word)
			continue
		}
		current.WriteByte(' ')
		current.WriteString(word)
	}
	lines = append(lines, current.String())
	return lines
}

// sanitizeFilename removes or replaces characters that are invalid in filenames.
func sanitizeFilename(s string) string {
	// Limit length
	maxLen := 50
	runes := []rune(s)
	if len(runes) > maxLen {
		s = string(runes[:maxLen])
	}

	// Replace problematic characters (Windows and Unix)
	replacer := map[rune]rune{
		'/':  '-',
		'\\': '-',
		':':  '-',
		'*':  '-',
		'?':  '-',
		'"':  '-',
		'<':  '-',
		'>':  '-',
		'|':  '-',
		' ':  '_',
		'\t': '_',
		'\n': '_',
		'\r': '_',
	}

	result := []rune{}
	for _, r := range s {
		if replacement, found := replacer[r]; found {
			result = append(result, replacement)
		} else if r < 32 || r == 127 {
			// Replace control characters
			result = append(result, '-')
		} else {
			result = append(result, r)
		}
	}

	if len(result) == 0 {
		return "subtitles"
	}

	return string(result)
}

// splitTimestamp breaks milliseconds into clock components.
func splitTimestamp(ms int64) (hours, minutes, seconds, millis int64) {
	if ms < 0 {
		ms = 0
	}
	millis = ms % 1000
	totalSeconds := ms / 1000
	seconds = totalSeconds % 60
	minutes = (totalSeconds / 60) % 60
	hours = totalSeconds / 3600
	return hours, minutes, seconds, millis
}
