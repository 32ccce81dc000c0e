// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package export writes subtitle files from a generation's segment timings.
//
// Every synthesis records per-chunk timings alongside the audio. This
// package turns those timings into subtitle cues in SubRip (SRT) or
// WebVTT format, so a narration track can be dropped straight into a
// video editor or media player.
//
// # Key Types
//
//   - Exporter: Interface for subtitle format implementations
//   - SRTExporter: SubRip output (HH:MM:SS,mmm timestamps)
//   - VTTExporter: WebVTT output (WEBVTT header, HH:MM:SS.mmm timestamps)
//   - Options: Export configuration (voice tags, line wrapping)
//
// # Usage
//
// Render a generation to a string:
//
//	exporter, err := export.ForFormat("srt")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	content, err := exporter.Export(gen, export.DefaultOptions())
//
// Or write it to a timestamped file in a directory:
//
//	path, err := export.ExportToFile(exporter, gen, exportDir, opts)
//
// # Cue Layout
//
// Cues are numbered from 1 and carry the segment's stored start and end
// times. Long segment text wraps at Options.MaxLineChars (42 by default,
// the usual subtitle line length); Options.IncludeVoice prefixes each cue
// with the speaking voice.
package export
