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

package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store, used in tests and ephemeral runs.
type MemoryStore struct {
	mu          sync.RWMutex
	messages    map[string][]*Message
	checkpoints map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages:    make(map[string][]*Message),
		checkpoints: make(map[string][]byte),
	}
}

func (s *MemoryStore) AppendMessage(ctx context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *msg
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now().UTC()
	}
	msg.ID = clone.ID
	s.messages[clone.ConversationID] = append(s.messages[clone.ConversationID], &clone)
	return nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.messages[conversationID]
	messages := make([]*Message, len(stored))
	for i, msg := range stored {
		clone := *msg
		messages[i] = &clone
	}
	return messages, nil
}

func (s *MemoryStore) SaveCheckpoint(ctx context.Context, sessionID string, state []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkpoints[sessionID] = append([]byte(nil), state...)
	return nil
}

func (s *MemoryStore) LoadCheckpoint(ctx context.Context, sessionID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.checkpoints[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), state...), nil
}

func (s *MemoryStore) DeleteCheckpoint(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.checkpoints, sessionID)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
