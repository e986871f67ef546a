// Copyright 2025 The Kestrel Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// SQLStore persists the catalog in sqlite. Entities are stored as JSON
// documents; concurrency is handled by database-level locking.
type SQLStore struct {
	db *sql.DB
}

const createCatalogSchemaSQL = `
CREATE TABLE IF NOT EXISTS tools (
    name VARCHAR(255) PRIMARY KEY,
    doc TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS skills (
    name VARCHAR(255) PRIMARY KEY,
    doc TEXT NOT NULL
)`

// NewSQLStore opens (or creates) a sqlite-backed catalog.
func NewSQLStore(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog database: %w", err)
	}

	if _, err := db.Exec(createCatalogSchemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create catalog schema: %w", err)
	}

	return &SQLStore{db: db}, nil
}

// NewSQLStoreFromDB wraps an existing connection, creating the schema.
func NewSQLStoreFromDB(db *sql.DB) (*SQLStore, error) {
	if _, err := db.Exec(createCatalogSchemaSQL); err != nil {
		return nil, fmt.Errorf("failed to create catalog schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) GetTool(ctx context.Context, name string) (*Tool, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM tools WHERE name = ?`, name).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tool %q: %w", name, err)
	}

	tool := &Tool{}
	if err := json.Unmarshal([]byte(doc), tool); err != nil {
		return nil, fmt.Errorf("failed to decode tool %q: %w", name, err)
	}
	return tool, nil
}

func (s *SQLStore) ListTools(ctx context.Context) ([]*Tool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM tools ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	defer rows.Close()

	var tools []*Tool
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		tool := &Tool{}
		if err := json.Unmarshal([]byte(doc), tool); err != nil {
			return nil, fmt.Errorf("failed to decode tool: %w", err)
		}
		tools = append(tools, tool)
	}
	return tools, rows.Err()
}

func (s *SQLStore) SaveTool(ctx context.Context, tool *Tool) error {
	doc, err := json.Marshal(tool)
	if err != nil {
		return fmt.Errorf("failed to encode tool %q: %w", tool.Name, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tools (name, doc) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET doc = excluded.doc`,
		tool.Name, string(doc))
	if err != nil {
		return fmt.Errorf("failed to save tool %q: %w", tool.Name, err)
	}
	return nil
}

func (s *SQLStore) RecordToolCall(ctx context.Context, name string, latencyMS float64, success bool) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var doc string
		err := tx.QueryRowContext(ctx, `SELECT doc FROM tools WHERE name = ?`, name).Scan(&doc)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		tool := &Tool{}
		if err := json.Unmarshal([]byte(doc), tool); err != nil {
			return err
		}
		tool.RecordCall(latencyMS, success)

		updated, err := json.Marshal(tool)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE tools SET doc = ? WHERE name = ?`, string(updated), name)
		return err
	})
}

func (s *SQLStore) GetSkill(ctx context.Context, name string) (*Skill, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM skills WHERE name = ?`, name).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load skill %q: %w", name, err)
	}

	skill := &Skill{}
	if err := json.Unmarshal([]byte(doc), skill); err != nil {
		return nil, fmt.Errorf("failed to decode skill %q: %w", name, err)
	}
	return skill, nil
}

func (s *SQLStore) ListSkills(ctx context.Context) ([]*Skill, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM skills ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list skills: %w", err)
	}
	defer rows.Close()

	var skills []*Skill
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		skill := &Skill{}
		if err := json.Unmarshal([]byte(doc), skill); err != nil {
			return nil, fmt.Errorf("failed to decode skill: %w", err)
		}
		skills = append(skills, skill)
	}
	return skills, rows.Err()
}

func (s *SQLStore) SaveSkill(ctx context.Context, skill *Skill) error {
	doc, err := json.Marshal(skill)
	if err != nil {
		return fmt.Errorf("failed to encode skill %q: %w", skill.Name, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO skills (name, doc) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET doc = excluded.doc`,
		skill.Name, string(doc))
	if err != nil {
		return fmt.Errorf("failed to save skill %q: %w", skill.Name, err)
	}
	return nil
}

func (s *SQLStore) RecordSkillCall(ctx context.Context, name string, latencyMS float64, success bool) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var doc string
		err := tx.QueryRowContext(ctx, `SELECT doc FROM skills WHERE name = ?`, name).Scan(&doc)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		skill := &Skill{}
		if err := json.Unmarshal([]byte(doc), skill); err != nil {
			return err
		}
		skill.RecordCall(latencyMS, success)

		updated, err := json.Marshal(skill)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE skills SET doc = ? WHERE name = ?`, string(updated), name)
		return err
	})
}

func (s *SQLStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
