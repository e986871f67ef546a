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
	"errors"
	"sort"
	"sync"
)

// ErrNotFound is returned when a tool or skill does not exist.
var ErrNotFound = errors.New("not found")

// Store persists the catalog.
type Store interface {
	GetTool(ctx context.Context, name string) (*Tool, error)
	ListTools(ctx context.Context) ([]*Tool, error)
	SaveTool(ctx context.Context, tool *Tool) error
	RecordToolCall(ctx context.Context, name string, latencyMS float64, success bool) error

	GetSkill(ctx context.Context, name string) (*Skill, error)
	ListSkills(ctx context.Context) ([]*Skill, error)
	SaveSkill(ctx context.Context, skill *Skill) error
	RecordSkillCall(ctx context.Context, name string, latencyMS float64, success bool) error

	Close() error
}

// MemoryStore is an in-memory catalog, used in tests and ephemeral runs.
type MemoryStore struct {
	mu     sync.RWMutex
	tools  map[string]*Tool
	skills map[string]*Skill
}

// NewMemoryStore creates an empty in-memory catalog.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tools:  make(map[string]*Tool),
		skills: make(map[string]*Skill),
	}
}

func (s *MemoryStore) GetTool(ctx context.Context, name string) (*Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tool, ok := s.tools[name]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *tool
	return &clone, nil
}

func (s *MemoryStore) ListTools(ctx context.Context) ([]*Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tools := make([]*Tool, 0, len(s.tools))
	for _, tool := range s.tools {
		clone := *tool
		tools = append(tools, &clone)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools, nil
}

func (s *MemoryStore) SaveTool(ctx context.Context, tool *Tool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *tool
	s.tools[tool.Name] = &clone
	return nil
}

func (s *MemoryStore) RecordToolCall(ctx context.Context, name string, latencyMS float64, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tool, ok := s.tools[name]
	if !ok {
		return ErrNotFound
	}
	tool.RecordCall(latencyMS, success)
	return nil
}

func (s *MemoryStore) GetSkill(ctx context.Context, name string) (*Skill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	skill, ok := s.skills[name]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *skill
	return &clone, nil
}

func (s *MemoryStore) ListSkills(ctx context.Context) ([]*Skill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	skills := make([]*Skill, 0, len(s.skills))
	for _, skill := range s.skills {
		clone := *skill
		skills = append(skills, &clone)
	}
	sort.Slice(skills, func(i, j int) bool { return skills[i].Name < skills[j].Name })
	return skills, nil
}

func (s *MemoryStore) SaveSkill(ctx context.Context, skill *Skill) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *skill
	s.skills[skill.Name] = &clone
	return nil
}

func (s *MemoryStore) RecordSkillCall(ctx context.Context, name string, latencyMS float64, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	skill, ok := s.skills[name]
	if !ok {
		return ErrNotFound
	}
	skill.RecordCall(latencyMS, success)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
