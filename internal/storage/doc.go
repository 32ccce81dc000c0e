// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides SQLite-backed persistence for generation history and projects.
//
// This package owns the voiceforge database: every completed synthesis is
// recorded as a Generation, and multi-item work is organized into Projects
// with ordered ProjectItems.
//
// # Key Types
//
//   - Store: Owns the database connection and all queries
//   - Generation: One completed synthesis run, with chunk timings
//   - Project: Named collection of text fragments
//   - ProjectItem: One ordered fragment within a project
//
// # Usage
//
// Open the store and record a generation:
//
//	store, err := storage.Open(filepath.Join(dataDir, "voiceforge.db"))
//	defer store.Close()
//	err = store.AddGeneration(&storage.Generation{Text: "Hello", Voice: "aria"})
//
// Browse history:
//
//	gens, err := store.ListGenerations(50, 0)
//	results, err := store.SearchGenerations("hello")
//
// # Storage Location
//
// The database lives at ~/.voiceforge/voiceforge.db. SQLite runs in WAL
// mode with a single writer connection.
package storage
