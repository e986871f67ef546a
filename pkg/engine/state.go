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

package engine

import (
	"github.com/kestrel-ai/kestrel/pkg/engine/planner"
	"github.com/kestrel-ai/kestrel/pkg/llm"
)

// Loop statuses.
const (
	StatusPlanning    = "planning"
	StatusThinking    = "thinking"
	StatusToolCalling = "tool_calling"
	StatusValidating  = "validating"
	StatusDone        = "done"
	StatusError       = "error"
)

// ToolResult is the outcome of one tool invocation within a turn.
type ToolResult struct {
	ToolCallID string      `json:"tool_call_id"`
	ToolName   string      `json:"tool_name"`
	Result     interface{} `json:"result,omitempty"`
	Success    bool        `json:"success"`
	Error      string      `json:"error,omitempty"`
}

// State is the engine's per-turn state. It is serialized as a checkpoint
// after every node transition.
type State struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id,omitempty"`
	Input     string `json:"input"`

	// Messages holds the messages produced during this turn: assistant
	// messages (possibly with tool calls), tool-role results and the
	// final assistant message.
	Messages []llm.Message `json:"messages"`

	PendingToolCalls []llm.ToolCall `json:"pending_tool_calls,omitempty"`
	ToolResults      []ToolResult   `json:"tool_results,omitempty"`

	Plan       *planner.Decision `json:"plan,omitempty"`
	Validation *ValidationResult `json:"validation,omitempty"`

	FinalResponse string `json:"final_response,omitempty"`
	Reasoning     string `json:"reasoning,omitempty"`

	Iteration     int `json:"iteration"`
	MaxIterations int `json:"max_iterations"`

	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// EventType identifies an engine event.
type EventType string

const (
	EventStatus     EventType = "status"
	EventPlan       EventType = "plan"
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
	EventError      EventType = "error"
)

// Event is one engine-side occurrence, consumed by the SSE fan-out
// alongside the captured LLM stream.
type Event struct {
	Type       EventType         `json:"type"`
	Status     string            `json:"status,omitempty"`
	Plan       *planner.Decision `json:"plan,omitempty"`
	ToolCall   *llm.ToolCall     `json:"tool_call,omitempty"`
	ToolResult *ToolResult       `json:"tool_result,omitempty"`
	Error      string            `json:"error,omitempty"`
}
