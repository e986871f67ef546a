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
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kestrel-ai/kestrel/pkg/config"
	"github.com/kestrel-ai/kestrel/pkg/observability"
)

// Target selects which provider serves a request. Priority: explicit
// Provider id, then Kind, then inference from the model name, then the
// gateway default.
type Target struct {
	Provider string
	Kind     config.ProviderKind
	Model    string
}

// ErrModelNotSupported reports a request model outside the selected
// provider's supported list.
var ErrModelNotSupported = errors.New("model not supported")

// Gateway routes chat requests to configured providers.
type Gateway struct {
	providers map[string]Provider
	byKind    map[config.ProviderKind]Provider
	defaultID string
	tracer    trace.Tracer
}

// NewGateway builds providers from config. Disabled entries are
// excluded from selection entirely. The entry named "default", or the
// only entry, becomes the fallback provider.
func NewGateway(cfgs map[string]*config.ProviderConfig) (*Gateway, error) {
	if len(cfgs) == 0 {
		return nil, fmt.Errorf("at least one provider must be configured")
	}

	g := &Gateway{
		providers: make(map[string]Provider, len(cfgs)),
		byKind:    make(map[config.ProviderKind]Provider, len(cfgs)),
		tracer:    observability.Tracer("kestrel/llm"),
	}

	for id, cfg := range cfgs {
		if cfg != nil && !cfg.IsEnabled() {
			continue
		}
		provider, err := NewProvider(cfg)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", id, err)
		}
		g.providers[id] = provider
		if _, exists := g.byKind[cfg.Kind]; !exists {
			g.byKind[cfg.Kind] = provider
		}
	}
	if len(g.providers) == 0 {
		return nil, fmt.Errorf("at least one provider must be enabled")
	}

	if _, ok := g.providers["default"]; ok {
		g.defaultID = "default"
	} else if p, ok := g.byKind[config.ProviderOpenAI]; ok {
		for id, prov := range g.providers {
			if prov == p {
				g.defaultID = id
				break
			}
		}
	}
	if g.defaultID == "" {
		for id := range g.providers {
			g.defaultID = id
			break
		}
	}

	return g, nil
}

// NewProvider constructs a single provider from config.
func NewProvider(cfg *config.ProviderConfig) (Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("provider config cannot be nil")
	}

	switch cfg.Kind {
	case config.ProviderAnthropic:
		return NewAnthropicProvider(cfg)
	case config.ProviderOpenAI, config.ProviderDeepSeek, config.ProviderQwen,
		config.ProviderMoonshot, config.ProviderZhipu:
		return NewOpenAIProvider(cfg)
	default:
		return nil, fmt.Errorf("unsupported provider kind %q", cfg.Kind)
	}
}

// InferKind guesses the provider family from a model identifier.
func InferKind(model string) config.ProviderKind {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "gpt"), strings.Contains(m, "o1"):
		return config.ProviderOpenAI
	case strings.Contains(m, "claude"):
		return config.ProviderAnthropic
	case strings.Contains(m, "deepseek"):
		return config.ProviderDeepSeek
	case strings.Contains(m, "qwen"):
		return config.ProviderQwen
	case strings.Contains(m, "glm"):
		return config.ProviderZhipu
	case strings.Contains(m, "moonshot"):
		return config.ProviderMoonshot
	case strings.Contains(m, "gemini"):
		return config.ProviderGemini
	case strings.Contains(m, "ernie"):
		return config.ProviderBaidu
	default:
		return config.ProviderOpenAI
	}
}

// Resolve picks the provider for a target. An unknown explicit provider
// id is an error; an inferred kind with no configured provider falls
// back to the default.
func (g *Gateway) Resolve(target Target) (Provider, error) {
	if target.Provider != "" {
		provider, ok := g.providers[target.Provider]
		if !ok {
			return nil, fmt.Errorf("provider %q not configured", target.Provider)
		}
		return provider, nil
	}

	kind := target.Kind
	if kind == "" && target.Model != "" {
		kind = InferKind(target.Model)
	}
	if kind != "" {
		if provider, ok := g.byKind[kind]; ok {
			return provider, nil
		}
	}

	return g.providers[g.defaultID], nil
}

// Providers lists configured provider ids.
func (g *Gateway) Providers() []string {
	ids := make([]string, 0, len(g.providers))
	for id := range g.providers {
		ids = append(ids, id)
	}
	return ids
}

// Chat resolves the target and performs a blocking completion.
func (g *Gateway) Chat(ctx context.Context, target Target, messages []Message, opts Options) (*Response, error) {
	provider, err := g.Resolve(target)
	if err != nil {
		return nil, err
	}
	if opts.Model == "" {
		opts.Model = target.Model
	}
	if !supportsModel(provider, opts.Model) {
		observability.LLMRequests.WithLabelValues(provider.Kind(), opts.Model, "error").Inc()
		return nil, fmt.Errorf("model %q not served by provider %s: %w", opts.Model, provider.Kind(), ErrModelNotSupported)
	}

	model := opts.Model
	ctx, span := g.tracer.Start(ctx, "llm.chat",
		trace.WithAttributes(
			attribute.String("llm.provider", provider.Kind()),
			attribute.String("llm.model", model),
		))
	defer span.End()

	start := time.Now()
	resp, err := provider.Chat(ctx, messages, opts)
	observability.LLMDuration.WithLabelValues(provider.Kind(), model).Observe(time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.LLMRequests.WithLabelValues(provider.Kind(), model, "error").Inc()
		return nil, err
	}

	observability.LLMRequests.WithLabelValues(provider.Kind(), model, "ok").Inc()
	if resp.Usage != nil {
		span.SetAttributes(attribute.Int("llm.tokens", resp.Usage.TotalTokens))
	}
	return resp, nil
}

// ChatStream resolves the target and performs a streaming completion.
func (g *Gateway) ChatStream(ctx context.Context, target Target, messages []Message, opts Options) (<-chan StreamChunk, error) {
	provider, err := g.Resolve(target)
	if err != nil {
		return nil, err
	}
	if opts.Model == "" {
		opts.Model = target.Model
	}
	if !supportsModel(provider, opts.Model) {
		observability.LLMRequests.WithLabelValues(provider.Kind(), opts.Model, "error").Inc()
		return nil, fmt.Errorf("model %q not served by provider %s: %w", opts.Model, provider.Kind(), ErrModelNotSupported)
	}

	observability.LLMRequests.WithLabelValues(provider.Kind(), opts.Model, "stream").Inc()
	return provider.ChatStream(ctx, messages, opts)
}

// supportsModel checks the request model against the provider's known
// list. An empty model falls back to the provider default and an empty
// list means the provider accepts anything.
func supportsModel(p Provider, model string) bool {
	if model == "" {
		return true
	}
	models := p.SupportedModels()
	if len(models) == 0 {
		return true
	}
	for _, m := range models {
		if m == model {
			return true
		}
	}
	return false
}

// Close shuts down all providers.
func (g *Gateway) Close() error {
	for _, p := range g.providers {
		_ = p.Close()
	}
	return nil
}
