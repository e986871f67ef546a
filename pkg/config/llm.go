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

package config

import "fmt"

// ProviderKind identifies the LLM provider family.
type ProviderKind string

const (
	ProviderOpenAI    ProviderKind = "openai"
	ProviderAnthropic ProviderKind = "anthropic"
	ProviderDeepSeek  ProviderKind = "deepseek"
	ProviderQwen      ProviderKind = "qwen"
	ProviderMoonshot  ProviderKind = "moonshot"
	ProviderZhipu     ProviderKind = "zhipu"
	ProviderGemini    ProviderKind = "gemini"
	ProviderBaidu     ProviderKind = "baidu"
)

// DefaultBaseURLs maps OpenAI-compatible provider kinds to their API endpoints.
var DefaultBaseURLs = map[ProviderKind]string{
	ProviderOpenAI:   "https://api.openai.com/v1",
	ProviderDeepSeek: "https://api.deepseek.com/v1",
	ProviderQwen:     "https://dashscope.aliyuncs.com/compatible-mode/v1",
	ProviderMoonshot: "https://api.moonshot.cn/v1",
	ProviderZhipu:    "https://open.bigmodel.cn/api/paas/v4",
}

// ProviderConfig configures one LLM provider entry in the gateway.
type ProviderConfig struct {
	// Kind of provider (openai, anthropic, deepseek, qwen, moonshot, zhipu).
	Kind ProviderKind `yaml:"kind,omitempty"`

	// Enabled toggles this entry for gateway selection. Nil means enabled.
	Enabled *bool `yaml:"enabled,omitempty"`

	// Model is the default model for this provider.
	Model string `yaml:"model,omitempty"`

	// APIKey for authentication. Supports ${VAR} expansion.
	APIKey string `yaml:"api_key,omitempty"`

	// BaseURL overrides the default API endpoint.
	BaseURL string `yaml:"base_url,omitempty"`

	// Temperature for generation.
	Temperature *float64 `yaml:"temperature,omitempty"`

	// MaxTokens limits response length.
	MaxTokens int `yaml:"max_tokens,omitempty"`

	// TopP nucleus sampling parameter.
	TopP *float64 `yaml:"top_p,omitempty"`

	// Timeout for a single request, in seconds.
	Timeout int `yaml:"timeout,omitempty"`

	// MaxRetries on rate limits and server errors.
	MaxRetries int `yaml:"max_retries,omitempty"`

	// RetryDelay base delay between retries, in seconds.
	RetryDelay int `yaml:"retry_delay,omitempty"`
}

// SetDefaults applies default values.
func (c *ProviderConfig) SetDefaults() {
	if c.Kind == "" {
		c.Kind = ProviderOpenAI
	}

	if c.Model == "" {
		switch c.Kind {
		case ProviderAnthropic:
			c.Model = "claude-3-5-sonnet-20241022"
		case ProviderDeepSeek:
			c.Model = "deepseek-chat"
		case ProviderQwen:
			c.Model = "qwen-max"
		case ProviderMoonshot:
			c.Model = "moonshot-v1-8k"
		case ProviderZhipu:
			c.Model = "glm-4-plus"
		default:
			c.Model = "gpt-4o"
		}
	}

	if c.BaseURL == "" {
		if c.Kind == ProviderAnthropic {
			c.BaseURL = "https://api.anthropic.com"
		} else if url, ok := DefaultBaseURLs[c.Kind]; ok {
			c.BaseURL = url
		} else {
			c.BaseURL = DefaultBaseURLs[ProviderOpenAI]
		}
	}

	if c.APIKey == "" {
		c.APIKey = GetProviderAPIKey(string(c.Kind))
	}

	if c.Temperature == nil {
		temp := 0.7
		c.Temperature = &temp
	}
	if c.TopP == nil {
		topP := 1.0
		c.TopP = &topP
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}
	if c.Timeout == 0 {
		c.Timeout = 120
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 2
	}
}

// IsEnabled reports whether the provider participates in selection.
func (c *ProviderConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Validate checks the provider configuration.
func (c *ProviderConfig) Validate() error {
	switch c.Kind {
	case ProviderOpenAI, ProviderAnthropic, ProviderDeepSeek,
		ProviderQwen, ProviderMoonshot, ProviderZhipu:
	default:
		return fmt.Errorf("unsupported provider kind %q", c.Kind)
	}

	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 2) {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	if c.MaxTokens < 0 {
		return fmt.Errorf("max_tokens must be positive")
	}

	return nil
}
