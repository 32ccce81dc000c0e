// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package voices maintains the library of built-in and custom voices.
//
// Built-in voices ship with the engine runtime and appear once setup has
// installed it. Custom voices are audio samples the user drops into
// ~/.voiceforge/voices, optionally with a JSON sidecar carrying display
// name, locale, and gender. Locale tags are canonicalized as BCP 47;
// unparseable tags collapse to "und" rather than rejecting the voice.
//
// # Key Types
//
//   - Registry: In-memory library, rebuilt from disk on changes
//   - Voice: One entry with identity, locale, and favorite flag
//
// # Usage
//
// Build the registry and list voices:
//
//	reg, err := voices.New(voices.DefaultConfig(dataDir))
//	defer reg.Close()
//	for _, v := range reg.List() {
//	    fmt.Println(v.ID, v.Name)
//	}
//
// Add a custom voice from a sample file:
//
//	v, err := reg.SaveCustom("Narrator", "en-US", "/tmp/sample.wav")
//
// # Hot Reload
//
// The custom directory is watched with fsnotify and the registry reloads
// after changes settle. When the watcher cannot start, a polling scan
// takes over.
package voices
