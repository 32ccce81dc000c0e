// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides SQLite-backed persistence for generation history and projects.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// PROJECT TYPES
// =============================================================================

// Project is a named, ordered collection of text fragments to synthesize.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ItemCount int       `json:"item_count"`
}

// ProjectItem is one ordered text fragment within a project.
type ProjectItem struct {
	ID           string  `json:"id"`
	ProjectID    string  `json:"project_id"`
	Position     int     `json:"position"`
	Text         string  `json:"text"`
	Voice        string  `json:"voice"`
	Speed        float64 `json:"speed"`
	GenerationID string  `json:"generation_id,omitempty"` // Set once rendered
}

// =============================================================================
// PROJECT OPERATIONS
// =============================================================================

// CreateProject creates a new empty project.
func (s *Store) CreateProject(name string) (*Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("project name cannot be empty")
	}

	now := time.Now()
	p := &Project{
		ID:        uuid.New().String(),
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.Exec(`
		INSERT INTO projects (id, name, created_at, updated_at)
		VALUES (?, ?, ?, ?)
	`, p.ID, p.Name, now.Unix(), now.Unix())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	return p, nil
}

// GetProject returns one project by ID.
func (s *Store) GetProject(id string) (*Project, error) {
	row := s.db.QueryRow(`
		SELECT p.id, p.name, p.created_at, p.updated_at, COUNT(i.id)
		FROM projects p
		LEFT JOIN project_items i ON i.project_id = p.id
		WHERE p.id = ?
		GROUP BY p.id
	`, id)
	return scanProject(row)
}

// ListProjects returns all projects, most recently updated first.
func (s *Store) ListProjects() ([]*Project, error) {
	rows, err := s.db.Query(`
		SELECT p.id, p.name, p.created_at, p.updated_at, COUNT(i.id)
		FROM projects p
		LEFT JOIN project_items i ON i.project_id = p.id
		GROUP BY p.id
		ORDER BY p.updated_at DESC, p.id
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	return projects, nil
}

// RenameProject updates a project's name.
func (s *Store) RenameProject(id, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("project name cannot be empty")
	}

	res, err := s.db.Exec(`
		UPDATE projects SET name = ?, updated_at = ? WHERE id = ?
	`, name, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	return requireRow(res)
}

// DeleteProject removes a project. Its items go with it via ON DELETE CASCADE.
func (s *Store) DeleteProject(id string) error {
	res, err := s.db.Exec("DELETE FROM projects WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	return requireRow(res)
}

// =============================================================================
// ITEM OPERATIONS
// =============================================================================

// AddItem appends an item to the end of a project, filling its ID and Position.
func (s *Store) AddItem(projectID string, item *ProjectItem) error {
	if item == nil {
		return errors.New("item cannot be nil")
	}
	if strings.TrimSpace(item.Text) == "" {
		return errors.New("item text cannot be empty")
	}
	if _, err := s.GetProject(projectID); err != nil {
		return err
	}

	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	item.ProjectID = projectID
	if item.Speed == 0 {
		item.Speed = 1.0
	}

	// Position assignment and insert share a transaction so concurrent
	// adds cannot race to the same slot
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	defer tx.Rollback()

	if err := tx.QueryRow(`
		SELECT COALESCE(MAX(position)+1, 0) FROM project_items WHERE project_id = ?
	`, projectID).Scan(&item.Position); err != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}

	if _, err := tx.Exec(`
		INSERT INTO project_items (id, project_id, position, text, voice, speed, generation_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, item.ID, projectID, item.Position, item.Text, item.Voice, item.Speed, nullable(item.GenerationID)); err != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}

	if _, err := tx.Exec("UPDATE projects SET updated_at = ? WHERE id = ?", time.Now().Unix(), projectID); err != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	return nil
}

// UpdateItem updates an item's text, voice, speed, and generation link.
func (s *Store) UpdateItem(item *ProjectItem) error {
	if item == nil || item.ID == "" {
		return errors.New("item ID cannot be empty")
	}
	if strings.TrimSpace(item.Text) == "" {
		return errors.New("item text cannot be empty")
	}

	res, err := s.db.Exec(`
		UPDATE project_items
		SET text = ?, voice = ?, speed = ?, generation_id = ?
		WHERE id = ?
	`, item.Text, item.Voice, item.Speed, nullable(item.GenerationID), item.ID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	if err := requireRow(res); err != nil {
		return err
	}
	return s.touchProject(item.ProjectID)
}

// DeleteItem removes one item from its project.
func (s *Store) DeleteItem(id string) error {
	var projectID string
	err := s.db.QueryRow("SELECT project_id FROM project_items WHERE id = ?", id).Scan(&projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}

	if _, err := s.db.Exec("DELETE FROM project_items WHERE id = ?", id); err != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	return s.touchProject(projectID)
}

// ReorderItems rewrites item positions to match the given order. Every item
// in the project must appear exactly once.
func (s *Store) ReorderItems(projectID string, itemIDs []string) error {
	seen := make(map[string]bool, len(itemIDs))
	for _, id := range itemIDs {
		if seen[id] {
			return fmt.Errorf("duplicate item ID %s in reorder", id)
		}
		seen[id] = true
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRow("SELECT COUNT(*) FROM project_items WHERE project_id = ?", projectID).Scan(&count); err != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	if count != len(itemIDs) {
		return fmt.Errorf("reorder must name all %d items, got %d", count, len(itemIDs))
	}

	for pos, id := range itemIDs {
		res, err := tx.Exec(`
			UPDATE project_items SET position = ? WHERE id = ? AND project_id = ?
		`, pos, id, projectID)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDatabaseError, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDatabaseError, err)
		}
		if n == 0 {
			return fmt.Errorf("item %s not found in project", id)
		}
	}

	if _, err := tx.Exec("UPDATE projects SET updated_at = ? WHERE id = ?", time.Now().Unix(), projectID); err != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	return nil
}

// ListItems returns a project's items in position order.
func (s *Store) ListItems(projectID string) ([]*ProjectItem, error) {
	rows, err := s.db.Query(`
		SELECT id, project_id, position, text, voice, speed, generation_id
		FROM project_items
		WHERE project_id = ?
		ORDER BY position, id
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	defer rows.Close()

	var items []*ProjectItem
	for rows.Next() {
		var (
			item  ProjectItem
			genID sql.NullString
		)
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.Position,
			&item.Text, &item.Voice, &item.Speed, &genID); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
		}
		item.GenerationID = genID.String
		items = append(items, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	return items, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// touchProject bumps a project's updated_at.
func (s *Store) touchProject(id string) error {
	_, err := s.db.Exec("UPDATE projects SET updated_at = ? WHERE id = ?", time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	return nil
}

// requireRow maps zero affected rows to ErrNotFound.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanProject(row rowScanner) (*Project, error) {
	var (
		p         Project
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(&p.ID, &p.Name, &createdAt, &updatedAt, &p.ItemCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	p.CreatedAt = time.Unix(createdAt, 0)
	p.UpdatedAt = time.Unix(updatedAt, 0)
	return &p, nil
}
