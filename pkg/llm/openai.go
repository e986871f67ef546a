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

// OpenAIProvider speaks the OpenAI chat completions wire format. It also
// serves the OpenAI-compatible families: DeepSeek, Qwen, Moonshot and
// Zhipu GLM.
type OpenAIProvider struct {
	config     *config.ProviderConfig
	httpClient *httpclient.Client
}

type openAIRequest struct {
	Model       string           `json:"model"`
	Messages    []openAIMessage  `json:"messages"`
	Temperature float64          `json:"temperature"`
	MaxTokens   int              `json:"max_tokens"`
	TopP        float64          `json:"top_p"`
	Stop        []string         `json:"stop,omitempty"`
	Stream      bool             `json:"stream,omitempty"`
	Tools       []openAITool     `json:"tools,omitempty"`
	ToolChoice  string           `json:"tool_choice,omitempty"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    *string          `json:"content,omitempty"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	Name       string           `json:"name,omitempty"`
}

type openAITool struct {
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type openAIToolCall struct {
	Index    *int               `json:"index,omitempty"`
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function openAIFunctionCall `json:"function"`
}

type openAIFunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openAIChoice `json:"choices"`
	Usage   *openAIUsage   `json:"usage,omitempty"`
	Error   *openAIError   `json:"error,omitempty"`
}

type openAIChoice struct {
	Index        int                  `json:"index"`
	Message      *openAIChoiceMessage `json:"message,omitempty"`
	Delta        *openAIChoiceMessage `json:"delta,omitempty"`
	FinishReason string               `json:"finish_reason,omitempty"`
}

type openAIChoiceMessage struct {
	Role             string           `json:"role,omitempty"`
	Content          *string          `json:"content,omitempty"`
	ReasoningContent *string          `json:"reasoning_content,omitempty"`
	ToolCalls        []openAIToolCall `json:"tool_calls,omitempty"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code,omitempty"`
}

// NewOpenAIProvider builds a provider for any OpenAI-compatible kind.
func NewOpenAIProvider(cfg *config.ProviderConfig) (*OpenAIProvider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("provider config cannot be nil")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for %s", cfg.Kind)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = config.DefaultBaseURLs[cfg.Kind]
		if cfg.BaseURL == "" {
			cfg.BaseURL = config.DefaultBaseURLs[config.ProviderOpenAI]
		}
	}

	return &OpenAIProvider{
		config: cfg,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Timeout: time.Duration(cfg.Timeout) * time.Second,
			}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithBaseDelay(time.Duration(cfg.RetryDelay)*time.Second),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
		),
	}, nil
}

func (p *OpenAIProvider) Kind() string {
	return string(p.config.Kind)
}

// SupportedModels lists well-known models per compatible family.
func (p *OpenAIProvider) SupportedModels() []string {
	switch p.config.Kind {
	case config.ProviderDeepSeek:
		return []string{"deepseek-chat", "deepseek-coder", "deepseek-reasoner"}
	case config.ProviderQwen:
		return []string{"qwen-max", "qwen-plus", "qwen-turbo", "qwen-long"}
	case config.ProviderMoonshot:
		return []string{"moonshot-v1-8k", "moonshot-v1-32k", "moonshot-v1-128k"}
	case config.ProviderZhipu:
		return []string{"glm-4-plus", "glm-4-flash", "glm-4-long"}
	default:
		return []string{"gpt-4o", "gpt-4o-mini", "gpt-4-turbo", "gpt-3.5-turbo", "o1-preview", "o1-mini"}
	}
}

func (p *OpenAIProvider) Close() error {
	return nil
}

func (p *OpenAIProvider) TestConnection(ctx context.Context) error {
	models := p.SupportedModels()
	_, err := p.Chat(ctx, []Message{{Role: RoleUser, Content: "Hi"}}, Options{
		Model:     models[0],
		MaxTokens: 10,
	})
	return err
}

func (p *OpenAIProvider) buildRequest(messages []Message, opts Options, stream bool) openAIRequest {
	oaMessages := make([]openAIMessage, 0, len(messages))
	for _, msg := range messages {
		m := openAIMessage{
			Role:       string(msg.Role),
			ToolCallID: msg.ToolCallID,
			Name:       msg.Name,
		}
		if msg.Content != "" || len(msg.ToolCalls) == 0 {
			content := msg.Content
			m.Content = &content
		}
		for _, tc := range msg.ToolCalls {
			args, _ := json.Marshal(tc.Arguments)
			m.ToolCalls = append(m.ToolCalls, openAIToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: openAIFunctionCall{
					Name:      tc.Name,
					Arguments: string(args),
				},
			})
		}
		oaMessages = append(oaMessages, m)
	}

	model := opts.Model
	if model == "" {
		model = p.config.Model
	}
	temperature := *p.config.Temperature
	if opts.Temperature != nil {
		temperature = *opts.Temperature
	}
	topP := *p.config.TopP
	if opts.TopP != nil {
		topP = *opts.TopP
	}
	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.config.MaxTokens
	}

	request := openAIRequest{
		Model:       model,
		Messages:    oaMessages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
		TopP:        topP,
		Stop:        opts.Stop,
		Stream:      stream,
	}

	if len(opts.Tools) > 0 {
		request.Tools = make([]openAITool, len(opts.Tools))
		for i, tool := range opts.Tools {
			request.Tools[i] = openAITool{
				Type: "function",
				Function: openAIFunction{
					Name:        tool.Name,
					Description: tool.Description,
					Parameters:  tool.Parameters,
				},
			}
		}
		if opts.ToolChoice != "" {
			request.ToolChoice = opts.ToolChoice
		}
	}

	return request
}

func (p *OpenAIProvider) newHTTPRequest(ctx context.Context, request openAIRequest) (*http.Request, error) {
	jsonData, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.config.BaseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(jsonData)), nil
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.config.APIKey)

	return req, nil
}

func (p *OpenAIProvider) Chat(ctx context.Context, messages []Message, opts Options) (*Response, error) {
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
		return nil, parseErrorResponse(resp.StatusCode, body)
	}

	var oaResp openAIResponse
	if err := json.Unmarshal(body, &oaResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if oaResp.Error != nil {
		return nil, fmt.Errorf("API error: %s", oaResp.Error.Message)
	}
	if len(oaResp.Choices) == 0 {
		return nil, fmt.Errorf("response contained no choices")
	}

	choice := oaResp.Choices[0]
	result := &Response{
		FinishReason: choice.FinishReason,
		Model:        oaResp.Model,
	}
	if oaResp.Usage != nil {
		result.Usage = &Usage{
			PromptTokens:     oaResp.Usage.PromptTokens,
			CompletionTokens: oaResp.Usage.CompletionTokens,
			TotalTokens:      oaResp.Usage.TotalTokens,
		}
	}
	if choice.Message != nil {
		if choice.Message.Content != nil {
			result.Content = *choice.Message.Content
		}
		if choice.Message.ReasoningContent != nil {
			result.Reasoning = *choice.Message.ReasoningContent
		}
		if len(choice.Message.ToolCalls) > 0 {
			result.ToolCalls = make([]ToolCall, 0, len(choice.Message.ToolCalls))
			for _, tc := range choice.Message.ToolCalls {
				result.ToolCalls = append(result.ToolCalls, ToolCall{
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: ParseArguments(tc.Function.Arguments),
				})
			}
		}
	}

	return result, nil
}

func (p *OpenAIProvider) ChatStream(ctx context.Context, messages []Message, opts Options) (<-chan StreamChunk, error) {
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

func (p *OpenAIProvider) makeStreamingRequest(ctx context.Context, request openAIRequest, outputCh chan<- StreamChunk) error {
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
		return parseErrorResponse(resp.StatusCode, body)
	}

	first := true
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()

		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			outputCh <- StreamChunk{Last: true}
			return nil
		}

		var oaResp openAIResponse
		if err := json.Unmarshal([]byte(data), &oaResp); err != nil {
			continue
		}
		if len(oaResp.Choices) == 0 {
			continue
		}

		choice := oaResp.Choices[0]
		chunk := StreamChunk{
			FinishReason: choice.FinishReason,
			First:        first,
		}
		if choice.Delta != nil {
			if choice.Delta.Content != nil {
				chunk.Content = *choice.Delta.Content
			}
			if choice.Delta.ReasoningContent != nil {
				chunk.Reasoning = *choice.Delta.ReasoningContent
			}
			for _, tc := range choice.Delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				chunk.ToolCallFragments = append(chunk.ToolCallFragments, ToolCallFragment{
					Index:     idx,
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				})
			}
		}

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

	// Stream ended without the [DONE] sentinel
	outputCh <- StreamChunk{Last: true}
	return nil
}

func parseErrorResponse(statusCode int, body []byte) error {
	var oaResp openAIResponse
	if err := json.Unmarshal(body, &oaResp); err == nil && oaResp.Error != nil {
		return fmt.Errorf("API request failed with status %d: %s", statusCode, oaResp.Error.Message)
	}
	return fmt.Errorf("API request failed with status %d: %s", statusCode, string(body))
}
