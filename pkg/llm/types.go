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

package llm

import (
	"context"
	"encoding/json"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is a provider-neutral chat message.
type Message struct {
	Role      Role       `json:"role"`
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a tool-role message to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// Name is the tool name on tool-role messages.
	Name string `json:"name,omitempty"`
}

// ToolCall is a parsed function call issued by the model.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// ToolDefinition describes a callable tool for native function calling.
// Parameters is a JSON-schema object.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Options tunes a single chat completion call. Zero values fall back to
// the provider's configured defaults.
type Options struct {
	Model       string
	Temperature *float64
	MaxTokens   int
	TopP        *float64
	Stop        []string
	Tools       []ToolDefinition
	ToolChoice  string // "auto", "none" or empty
}

// Usage reports token consumption for a call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the composed result of a chat completion.
type Response struct {
	Content      string
	Reasoning    string
	ToolCalls    []ToolCall
	FinishReason string
	Model        string
	Usage        *Usage
}

// HasToolCalls reports whether the model requested tool execution.
func (r *Response) HasToolCalls() bool {
	return len(r.ToolCalls) > 0
}

// ToMessage converts the response into an assistant message for history.
func (r *Response) ToMessage() Message {
	return Message{
		Role:      RoleAssistant,
		Content:   r.Content,
		ToolCalls: r.ToolCalls,
	}
}

// ToolCallFragment is one streamed piece of a tool call. ID and Name may
// arrive once while Arguments accumulates across fragments with the same
// index.
type ToolCallFragment struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

// StreamChunk is one unit of a streaming chat completion.
type StreamChunk struct {
	Content           string
	Reasoning         string
	ToolCallFragments []ToolCallFragment
	FinishReason      string
	First             bool
	Last              bool
	Err               error
}

// Provider is implemented by each LLM backend.
type Provider interface {
	// Kind returns the provider family identifier.
	Kind() string

	// Chat performs a blocking completion. When a capture queue is present
	// on the context the provider streams internally, forwards every chunk
	// to the queue and returns the composed response.
	Chat(ctx context.Context, messages []Message, opts Options) (*Response, error)

	// ChatStream performs a streaming completion. The returned channel is
	// closed after the terminal chunk.
	ChatStream(ctx context.Context, messages []Message, opts Options) (<-chan StreamChunk, error)

	// SupportedModels lists known model identifiers for this provider.
	SupportedModels() []string

	// TestConnection sends a minimal request to verify credentials.
	TestConnection(ctx context.Context) error

	Close() error
}

// toolCallAccumulator merges streamed tool-call fragments by index.
type toolCallAccumulator struct {
	order   []int
	byIndex map[int]*ToolCallFragment
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{byIndex: make(map[int]*ToolCallFragment)}
}

func (a *toolCallAccumulator) add(f ToolCallFragment) {
	existing, ok := a.byIndex[f.Index]
	if !ok {
		frag := f
		a.byIndex[f.Index] = &frag
		a.order = append(a.order, f.Index)
		return
	}

	if f.ID != "" && existing.ID == "" {
		existing.ID = f.ID
	}
	existing.Name += f.Name
	existing.Arguments += f.Arguments
}

func (a *toolCallAccumulator) empty() bool {
	return len(a.byIndex) == 0
}

// toolCalls composes the accumulated fragments into parsed calls.
// Argument text that is not valid JSON is preserved under "_raw_args"
// instead of failing the call.
func (a *toolCallAccumulator) toolCalls() []ToolCall {
	if len(a.order) == 0 {
		return nil
	}

	calls := make([]ToolCall, 0, len(a.order))
	for _, idx := range a.order {
		frag := a.byIndex[idx]
		calls = append(calls, ToolCall{
			ID:        frag.ID,
			Name:      frag.Name,
			Arguments: ParseArguments(frag.Arguments),
		})
	}
	return calls
}

// ParseArguments decodes a tool-call argument payload. Invalid or partial
// JSON yields {"_raw_args": "<text>"} so callers can surface intermediate
// state without erroring.
func ParseArguments(raw string) map[string]interface{} {
	if raw == "" {
		return map[string]interface{}{}
	}

	var args map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]interface{}{"_raw_args": raw}
	}
	return args
}
