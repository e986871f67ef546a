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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kestrel-ai/kestrel/pkg/config"
	"github.com/kestrel-ai/kestrel/pkg/httpclient"
)

const anthropicVersion = "2023-06-01"

// AnthropicProvider speaks the Anthropic Messages API.
type AnthropicProvider struct {
	config     *config.ProviderConfig
	httpClient *httpclient.Client
}

type anthropicRequest struct {
	Model       string               `json:"model"`
	Messages    []anthropicMessage   `json:"messages"`
	MaxTokens   int                  `json:"max_tokens"`
	Temperature *float64             `json:"temperature,omitempty"`
	Stream      bool                 `json:"stream,omitempty"`
	System      string               `json:"system,omitempty"`
	Tools       []anthropicTool      `json:"tools,omitempty"`
	ToolChoice  *anthropicToolChoice `json:"tool_choice,omitempty"`
	StopSeqs    []string             `json:"stop_sequences,omitempty"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type      string                  `json:"type"`
	Text      string                  `json:"text,omitempty"`
	ID        string                  `json:"id,omitempty"`
	Name      string                  `json:"name,omitempty"`
	Input     *map[string]interface{} `json:"input,omitempty"`
	ToolUseID string                  `json:"tool_use_id,omitempty"`
	Content   string                  `json:"content,omitempty"`
}

type anthropicTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

type anthropicToolChoice struct {
	Type string `json:"type"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	Role       string             `json:"role"`
	Content    []anthropicContent `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
	Error      *anthropicError    `json:"error,omitempty"`
}

type anthropicStreamEvent struct {
	Type         string             `json:"type"`
	Index        int                `json:"index,omitempty"`
	Delta        *anthropicDelta    `json:"delta,omitempty"`
	ContentBlock *anthropicContent  `json:"content_block,omitempty"`
	Message      *anthropicResponse `json:"message,omitempty"`
	Usage        *anthropicUsage    `json:"usage,omitempty"`
	Error        *anthropicError    `json:"error,omitempty"`
}

type anthropicDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewAnthropicProvider builds a provider for the Anthropic Messages API.
func NewAnthropicProvider(cfg *config.ProviderConfig) (*AnthropicProvider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("provider config cannot be nil")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for anthropic")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.anthropic.com"
	}

	return &AnthropicProvider{
		config: cfg,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Timeout: time.Duration(cfg.Timeout) * time.Second,
			}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithBaseDelay(time.Duration(cfg.RetryDelay)*time.Second),
			httpclient.WithHeaderParser(httpclient.ParseAnthropicHeaders),
		),
	}, nil
}

func (p *AnthropicProvider) Kind() string {
	return string(config.ProviderAnthropic)
}

func (p *AnthropicProvider) SupportedModels() []string {
	return []string{
		"claude-3-5-sonnet-20241022",
		"claude-3-5-haiku-20241022",
		"claude-3-opus-20240229",
		"claude-3-sonnet-20240229",
		"claude-3-haiku-20240307",
	}
}

func (p *AnthropicProvider) Close() error {
	return nil
}

func (p *AnthropicProvider) TestConnection(ctx context.Context) error {
	_, err := p.Chat(ctx, []Message{{Role: RoleUser, Content: "Hi"}}, Options{
		Model:     p.SupportedModels()[0],
		MaxTokens: 10,
	})
	return err
}

// buildRequest converts neutral messages to the Anthropic format: system
// messages are hoisted into the system field, assistant tool calls become
// tool_use blocks and tool-role messages become user-role tool_result
// blocks.
func (p *AnthropicProvider) buildRequest(messages []Message, opts Options, stream bool) anthropicRequest {
	var systemParts []string
	anMessages := make([]anthropicMessage, 0, len(messages))

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			if msg.Content != "" {
				systemParts = append(systemParts, msg.Content)
			}

		case RoleUser:
			anMessages = append(anMessages, anthropicMessage{
				Role: "user",
				Content: []anthropicContent{
					{Type: "text", Text: msg.Content},
				},
			})

		case RoleTool:
			anMessages = append(anMessages, anthropicMessage{
				Role: "user",
				Content: []anthropicContent{
					{
						Type:      "tool_result",
						ToolUseID: msg.ToolCallID,
						Content:   msg.Content,
					},
				},
			})

		case RoleAssistant:
			contents := []anthropicContent{}
			if msg.Content != "" {
				contents = append(contents, anthropicContent{
					Type: "text",
					Text: msg.Content,
				})
			}
			for _, tc := range msg.ToolCalls {
				input := tc.Arguments
				if input == nil {
					input = make(map[string]interface{})
				}
				contents = append(contents, anthropicContent{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: &input,
				})
			}
			if len(contents) == 0 {
				contents = append(contents, anthropicContent{Type: "text", Text: ""})
			}
			anMessages = append(anMessages, anthropicMessage{
				Role:    "assistant",
				Content: contents,
			})
		}
	}

	model := opts.Model
	if model == "" {
		model = p.config.Model
	}
	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.config.MaxTokens
	}

	request := anthropicRequest{
		Model:     model,
		Messages:  anMessages,
		MaxTokens: maxTokens,
		Stream:    stream,
		System:    strings.Join(systemParts, "\n\n"),
		StopSeqs:  opts.Stop,
	}

	// The API default is 0.7; only send an explicit override
	temperature := *p.config.Temperature
	if opts.Temperature != nil {
		temperature = *opts.Temperature
	}
	if temperature != 0.7 {
		request.Temperature = &temperature
	}

	if len(opts.Tools) > 0 {
		request.Tools = make([]anthropicTool, len(opts.Tools))
		for i, tool := range opts.Tools {
			request.Tools[i] = anthropicTool{
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: tool.Parameters,
			}
		}
		switch opts.ToolChoice {
		case "auto":
			request.ToolChoice = &anthropicToolChoice{Type: "auto"}
		case "none":
			request.ToolChoice = &anthropicToolChoice{Type: "none"}
		}
	}

	return request
}

func (p *AnthropicProvider) newHTTPRequest(ctx context.Context, request anthropicRequest) (*http.Request, error) {
	jsonData, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.config.BaseURL+"/v1/messages", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(jsonData)), nil
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.config.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	return req, nil
}

func (p *AnthropicProvider) Chat(ctx context.Context, messages []Message, opts Options) (*Response, error) {
	if capture := CaptureFrom(ctx); capture != nil {
		return captureChat(ctx, p, capture, messages, opts)
	}

	request := p.buildRequest(messages, opts, false)

	req, err := p.newHTTPRequest(ctx, request)
	if err != nil {
		return nil, err
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var anResp anthropicResponse
	if err := json.Unmarshal(body, &anResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if anResp.Error != nil {
		return nil, fmt.Errorf("anthropic API error: %s", anResp.Error.Message)
	}

	result := &Response{
		FinishReason: anResp.StopReason,
		Model:        anResp.Model,
		Usage: &Usage{
			PromptTokens:     anResp.Usage.InputTokens,
			CompletionTokens: anResp.Usage.OutputTokens,
			TotalTokens:      anResp.Usage.InputTokens + anResp.Usage.OutputTokens,
		},
	}

	for _, content := range anResp.Content {
		switch content.Type {
		case "text":
			result.Content += content.Text
		case "tool_use":
			var args map[string]interface{}
			if content.Input != nil {
				args = *content.Input
			} else {
				args = map[string]interface{}{}
			}
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:        content.ID,
				Name:      content.Name,
				Arguments: args,
			})
		}
	}

	return result, nil
}

func (p *AnthropicProvider) ChatStream(ctx context.Context, messages []Message, opts Options) (<-chan StreamChunk, error) {
	request := p.buildRequest(messages, opts, true)

	outputCh := make(chan StreamChunk, 100)

	go func() {
		defer close(outputCh)

		if err := p.makeStreamingRequest(ctx, request, outputCh); err != nil {
			outputCh <- StreamChunk{Err: err}
		}
	}()

	return outputCh, nil
}

func (p *AnthropicProvider) makeStreamingRequest(ctx context.Context, request anthropicRequest, outputCh chan<- StreamChunk) error {
	req, err := p.newHTTPRequest(ctx, request)
	if err != nil {
		return err
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}

	// Content block index → tool fragment identity. The id and name arrive
	// once on content_block_start, arguments trickle in as partial JSON.
	blockIsTool := make(map[int]bool)

	first := true
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()

		if line == "" || strings.HasPrefix(line, ":") || strings.HasPrefix(line, "event:") {
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			continue
		}

		var chunk StreamChunk
		emit := false

		switch event.Type {
		case "content_block_start":
			if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
				blockIsTool[event.Index] = true
				chunk.ToolCallFragments = []ToolCallFragment{{
					Index: event.Index,
					ID:    event.ContentBlock.ID,
					Name:  event.ContentBlock.Name,
				}}
				emit = true
			}

		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			switch event.Delta.Type {
			case "text_delta":
				chunk.Content = event.Delta.Text
				emit = chunk.Content != ""
			case "input_json_delta":
				if blockIsTool[event.Index] {
					chunk.ToolCallFragments = []ToolCallFragment{{
						Index:     event.Index,
						Arguments: event.Delta.PartialJSON,
					}}
					emit = true
				}
			}

		case "message_delta":
			if event.Delta != nil && event.Delta.StopReason != "" {
				chunk.FinishReason = event.Delta.StopReason
				emit = true
			}

		case "message_stop":
			outputCh <- StreamChunk{Last: true}
			return nil

		case "error":
			if event.Error != nil {
				return fmt.Errorf("anthropic API error: %s", event.Error.Message)
			}
		}

		if !emit {
			continue
		}

		chunk.First = first
		select {
		case outputCh <- chunk:
		case <-ctx.Done():
			return ctx.Err()
		}
		first = false
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream read failed: %w", err)
	}

	outputCh <- StreamChunk{Last: true}
	return nil
}
