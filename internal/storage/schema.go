// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides SQLite-backed persistence for generation history and projects.
package storage

const (
	// SchemaVersion tracks the database schema version for migrations
	SchemaVersion = 1
)

// SQLite schema for generation history and projects
const Schema = `
-- Metadata table for schema version and store state
CREATE TABLE IF NOT EXISTS metadata (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
) WITHOUT ROWID;

-- Generations table: synthesis history
CREATE TABLE IF NOT EXISTS generations (
    id TEXT PRIMARY KEY,
    text TEXT NOT NULL,
    voice TEXT NOT NULL,
    speed REAL NOT NULL DEFAULT 1.0,
    duration_secs REAL NOT NULL DEFAULT 0,
    output_path TEXT NOT NULL,
    created_at INTEGER NOT NULL, -- Unix timestamp
    project_id TEXT,             -- NULL for one-shot generations
    segments TEXT                -- JSON chunk timings, used for subtitle export
);

CREATE INDEX IF NOT EXISTS idx_generations_created_at ON generations(created_at);
CREATE INDEX IF NOT EXISTS idx_generations_voice ON generations(voice);
CREATE INDEX IF NOT EXISTS idx_generations_project_id ON generations(project_id);

-- Projects table: named multi-item generation projects
CREATE TABLE IF NOT EXISTS projects (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    created_at INTEGER NOT NULL, -- Unix timestamp
    updated_at INTEGER NOT NULL  -- Unix timestamp
);

-- Project items: ordered text fragments within a project
CREATE TABLE IF NOT EXISTS project_items (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    position INTEGER NOT NULL,
    text TEXT NOT NULL,
    voice TEXT NOT NULL,
    speed REAL NOT NULL DEFAULT 1.0,
    generation_id TEXT,          -- Set once the item has been rendered
    FOREIGN KEY(project_id) REFERENCES projects(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_project_items_project_id ON project_items(project_id);
CREATE INDEX IF NOT EXISTS idx_project_items_position ON project_items(project_id, position);
`

// InitMetadata initializes the metadata table with default values
const InitMetadata = `
INSERT OR IGNORE INTO metadata (key, value) VALUES ('schema_version', '1');
INSERT OR IGNORE INTO metadata (key, value) VALUES ('created_at', strftime('%s', 'now'));
`
