// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides SQLite-backed persistence for generation history and projects.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// GENERATION TYPE
// =============================================================================

// Generation is one completed synthesis run in the history.
type Generation struct {
	ID           string    `json:"id"`
	Text         string    `json:"text"`
	Voice        string    `json:"voice"`
	Speed        float64   `json:"speed"`
	DurationSecs float64   `json:"duration_secs"`
	OutputPath   string    `json:"output_path"`
	CreatedAt    time.Time `json:"created_at"`
	ProjectID    string    `json:"project_id,omitempty"` // Empty for one-shot generations

	// Segments carries per-chunk timings for subtitle export
	Segments []Segment `json:"segments,omitempty"`
}

// Segment is the timing of one synthesized text chunk within the audio.
type Segment struct {
	Text    string `json:"text"`
	StartMs int64  `json:"start_ms"`
	EndMs   int64  `json:"end_ms"`
}

// =============================================================================
// HISTORY OPERATIONS
// =============================================================================

// AddGeneration inserts a generation record, filling ID and CreatedAt if unset.
func (s *Store) AddGeneration(g *Generation) error {
	if g == nil {
		return errors.New("generation cannot be nil")
	}
	if g.ID == "" {
		g.ID = uuid.New().String()
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}

	segments, err := marshalSegments(g.Segments)
	if err != nil {
		return fmt.Errorf("failed to encode segments: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO generations (id, text, voice, speed, duration_secs, output_path, created_at, project_id, segments)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, g.ID, g.Text, g.Voice, g.Speed, g.DurationSecs, g.OutputPath,
		g.CreatedAt.Unix(), nullable(g.ProjectID), segments)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	return nil
}

// GetGeneration returns one generation by ID.
func (s *Store) GetGeneration(id string) (*Generation, error) {
	row := s.db.QueryRow(`
		SELECT id, text, voice, speed, duration_secs, output_path, created_at, project_id, segments
		FROM generations WHERE id = ?
	`, id)
	return scanGeneration(row)
}

// ListGenerations returns generations newest first. A limit of 0 means no limit.
func (s *Store) ListGenerations(limit, offset int) ([]*Generation, error) {
	if limit <= 0 {
		limit = -1 // SQLite treats a negative LIMIT as unlimited
	}
	rows, err := s.db.Query(`
		SELECT id, text, voice, speed, duration_secs, output_path, created_at, project_id, segments
		FROM generations ORDER BY created_at DESC, id LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	defer rows.Close()
	return collectGenerations(rows)
}

// SearchGenerations returns generations whose text or voice matches the query,
// newest first.
func (s *Store) SearchGenerations(query string) ([]*Generation, error) {
	pattern := "%" + escapeLike(query) + "%"
	rows, err := s.db.Query(`
		SELECT id, text, voice, speed, duration_secs, output_path, created_at, project_id, segments
		FROM generations
		WHERE text LIKE ? ESCAPE '\' OR voice LIKE ? ESCAPE '\'
		ORDER BY created_at DESC, id
	`, pattern, pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	defer rows.Close()
	return collectGenerations(rows)
}

// DeleteGeneration removes a generation record and best-effort removes its
// audio file. The history entry is gone even when the file removal fails.
func (s *Store) DeleteGeneration(id string) error {
	gen, err := s.GetGeneration(id)
	if err != nil {
		return err
	}

	if _, err := s.db.Exec("DELETE FROM generations WHERE id = ?", id); err != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}

	if gen.OutputPath != "" {
		_ = os.Remove(gen.OutputPath)
	}
	return nil
}

// CountGenerations returns the number of history entries.
func (s *Store) CountGenerations() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM generations").Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	return n, nil
}

// PruneGenerations deletes the oldest entries beyond max and best-effort
// removes their audio files. Returns the number of entries pruned.
// A max of 0 disables pruning.
func (s *Store) PruneGenerations(max int) (int, error) {
	if max <= 0 {
		return 0, nil
	}

	rows, err := s.db.Query(`
		SELECT id, output_path FROM generations
		ORDER BY created_at DESC, id
		LIMIT -1 OFFSET ?
	`, max)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	defer rows.Close()

	type victim struct{ id, path string }
	var victims []victim
	for rows.Next() {
		var v victim
		if err := rows.Scan(&v.id, &v.path); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrDatabaseError, err)
		}
		victims = append(victims, v)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}

	for _, v := range victims {
		if _, err := s.db.Exec("DELETE FROM generations WHERE id = ?", v.id); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrDatabaseError, err)
		}
		if v.path != "" {
			_ = os.Remove(v.path)
		}
	}
	return len(victims), nil
}

// =============================================================================
// ROW SCANNING
// =============================================================================

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanGeneration(row rowScanner) (*Generation, error) {
	var (
		g         Generation
		createdAt int64
		projectID sql.NullString
		segments  sql.NullString
	)
	err := row.Scan(&g.ID, &g.Text, &g.Voice, &g.Speed, &g.DurationSecs,
		&g.OutputPath, &createdAt, &projectID, &segments)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}

	g.CreatedAt = time.Unix(createdAt, 0)
	g.ProjectID = projectID.String
	if segments.Valid && segments.String != "" {
		if err := json.Unmarshal([]byte(segments.String), &g.Segments); err != nil {
			return nil, fmt.Errorf("failed to decode segments: %w", err)
		}
	}
	return &g, nil
}

func collectGenerations(rows *sql.Rows) ([]*Generation, error) {
	var gens []*Generation
	for rows.Next() {
		g, err := scanGeneration(rows)
		if err != nil {
			return nil, err
		}
		gens = append(gens, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	return gens, nil
}

func marshalSegments(segments []Segment) (sql.NullString, error) {
	if len(segments) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(segments)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// escapeLike escapes LIKE wildcards so user queries match literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
