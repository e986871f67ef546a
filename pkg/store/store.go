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

// Package store persists conversations and engine checkpoints.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a conversation or checkpoint does not exist.
var ErrNotFound = errors.New("not found")

// Message is one persisted conversation turn. Assistant messages may carry
// the thinking-step log that produced them.
type Message struct {
	ID             string                   `json:"id"`
	ConversationID string                   `json:"conversation_id"`
	Role           string                   `json:"role"`
	Content        string                   `json:"content"`
	ThinkingSteps  []map[string]interface{} `json:"thinking_steps,omitempty"`
	CreatedAt      time.Time                `json:"created_at"`
}

// Store persists conversation history and per-session engine checkpoints.
type Store interface {
	AppendMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, conversationID string) ([]*Message, error)

	SaveCheckpoint(ctx context.Context, sessionID string, state []byte) error
	LoadCheckpoint(ctx context.Context, sessionID string) ([]byte, error)
	DeleteCheckpoint(ctx context.Context, sessionID string) error

	Close() error
}
