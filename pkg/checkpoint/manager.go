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

// Package checkpoint persists engine state between loop transitions so an
// interrupted session can be inspected or resumed.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kestrel-ai/kestrel/pkg/logger"
	"github.com/kestrel-ai/kestrel/pkg/store"
)

// Manager saves and restores per-session engine state. Saving is
// best-effort: a storage failure is logged, never surfaced to the loop.
type Manager struct {
	store   store.Store
	enabled bool
	log     *slog.Logger
}

// NewManager creates a manager over the given store. A nil store disables
// checkpointing.
func NewManager(s store.Store, enabled bool) *Manager {
	return &Manager{
		store:   s,
		enabled: enabled && s != nil,
		log:     logger.Component("checkpoint"),
	}
}

// IsEnabled returns whether checkpointing is active.
func (m *Manager) IsEnabled() bool {
	return m.enabled
}

// Save persists the state for a session. Failures are logged and swallowed.
func (m *Manager) Save(ctx context.Context, sessionID string, state interface{}) {
	if !m.enabled {
		return
	}

	raw, err := json.Marshal(state)
	if err != nil {
		m.log.Warn("Failed to encode checkpoint", "session", sessionID, "error", err)
		return
	}
	if err := m.store.SaveCheckpoint(ctx, sessionID, raw); err != nil {
		m.log.Warn("Failed to save checkpoint", "session", sessionID, "error", err)
	}
}

// Load restores the latest state for a session into the given value. It
// returns false when no checkpoint exists.
func (m *Manager) Load(ctx context.Context, sessionID string, into interface{}) (bool, error) {
	if !m.enabled {
		return false, nil
	}

	raw, err := m.store.LoadCheckpoint(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return false, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return true, nil
}

// Clear removes a session's checkpoint, typically after a clean finish.
func (m *Manager) Clear(ctx context.Context, sessionID string) {
	if !m.enabled {
		return
	}
	if err := m.store.DeleteCheckpoint(ctx, sessionID); err != nil {
		m.log.Warn("Failed to clear checkpoint", "session", sessionID, "error", err)
	}
}
