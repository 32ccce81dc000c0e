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
// VTT EXPORTER
// =============================================================================

// VTTExporter renders generations as WebVTT subtitle files.
type VTTExporter struct{}

// NewVTTExporter creates a new WebVTT exporter.
func NewVTTExporter() *VTTExporter {
	return &VTTExporter{}
}

// Export renders the generation's segments as WebVTT cues.
func (e *VTTExporter) Export(g *storage.Generation, opts Options) (string, error) {
	if err := validateGeneration(g); err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("WEBVTT\n\n")

	for i, seg := range g.Segments {
		// Cue identifiers are optional in WebVTT; numbering keeps the
		// output diffable against the SRT rendering.
		sb.WriteString(fmt.Sprintf("%d\n", i+1))
		sb.WriteString(formatVTTTime(seg.StartMs))
		sb.WriteString(" --> ")
		sb.WriteString(formatVTTTime(seg.EndMs))
		sb.WriteString("\n")
		for _, line := range cueText(seg, g.Voice, opts) {
			sb.WriteString(line)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	return sb.String(), nil
}

// FileExtension returns ".vtt".
func (e *VTTExporter) FileExtension() string {
	return ".vtt"
}

// MimeType returns the WebVTT MIME type.
func (e *VTTExporter) MimeType() string {
	return "text/vtt"
}

// formatVTTTime formats milliseconds as HH:MM:SS.mmm.
func formatVTTTime(ms int64) string {
	h, m, s, millis := splitTimestamp(ms)
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, millis)
}
