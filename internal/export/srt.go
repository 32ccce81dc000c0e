// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package export writes subtitle files from a generation's segment timings.
// Supports SRT and WebVTT output.
package export

import (
	"fmt"
	"strings"

	"github.com/jeranaias/voiceforge/internal/storage"
)

// =============================================================================
// SRT EXPORTER
// =============================================================================

// SRTExporter renders generations as SubRip subtitle files.
type SRTExporter struct{}

// NewSRTExporter creates a new SRT exporter.
func NewSRTExporter() *SRTExporter {
	return &SRTExporter{}
}

// Export renders the generation's segments as SRT cues.
func (e *SRTExporter) Export(g *storage.Generation, opts Options) (string, error) {
	if err := validateGeneration(g); err != nil {
		return "", err
	}

	var sb strings.Builder
	for i, seg := range g.Segments {
		// Cue numbers start at 1
		sb.WriteString(fmt.Sprintf("%d\n", i+1))
		sb.WriteString(formatSRTTime(seg.StartMs))
		sb.WriteString(" --> ")
		sb.WriteString(formatSRTTime(seg.EndMs))
		sb.WriteString("\n")
		for _, line := range cueText(seg, g.Voice, opts) {
			sb.WriteString(line)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	return sb.String(), nil
}

// FileExtension returns ".srt".
func (e *SRTExporter) FileExtension() string {
	return ".srt"
}

// MimeType returns the SRT MIME type.
func (e *SRTExporter) MimeType() string {
	return "application/x-subrip"
}

// formatSRTTime formats milliseconds as HH:MM:SS,mmm.
func formatSRTTime(ms int64) string {
	h, m, s, millis := splitTimestamp(ms)
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, millis)
}
