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

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 10, cfg.Engine.MaxIterations)
	assert.Equal(t, 10, cfg.Engine.MaxParallelNodes)
	assert.Equal(t, 100, cfg.Engine.StreamQueueSize)

	require.Contains(t, cfg.Providers, "default")
	p := cfg.Providers["default"]
	assert.Equal(t, ProviderOpenAI, p.Kind)
	assert.Equal(t, "gpt-4o", p.Model)
	assert.Equal(t, "https://api.openai.com/v1", p.BaseURL)
	assert.Equal(t, 0.7, *p.Temperature)
	assert.Equal(t, 4096, p.MaxTokens)
	assert.Equal(t, 120, p.Timeout)
}

func TestProviderDefaults_PerKind(t *testing.T) {
	tests := []struct {
		kind    ProviderKind
		model   string
		baseURL string
	}{
		{ProviderDeepSeek, "deepseek-chat", "https://api.deepseek.com/v1"},
		{ProviderQwen, "qwen-max", "https://dashscope.aliyuncs.com/compatible-mode/v1"},
		{ProviderMoonshot, "moonshot-v1-8k", "https://api.moonshot.cn/v1"},
		{ProviderZhipu, "glm-4-plus", "https://open.bigmodel.cn/api/paas/v4"},
		{ProviderAnthropic, "claude-3-5-sonnet-20241022", "https://api.anthropic.com"},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			p := &ProviderConfig{Kind: tt.kind}
			p.SetDefaults()
			assert.Equal(t, tt.model, p.Model)
			assert.Equal(t, tt.baseURL, p.BaseURL)
		})
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("KESTREL_TEST_KEY", "sk-test-123")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 9090
providers:
  main:
    kind: deepseek
    api_key: ${KESTREL_TEST_KEY}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "sk-test-123", cfg.Providers["main"].APIKey)
	assert.Equal(t, ProviderDeepSeek, cfg.Providers["main"].Kind)
}

func TestValidate_RejectsBadProvider(t *testing.T) {
	cfg := Default()
	cfg.Providers["bad"] = &ProviderConfig{Kind: "mystery"}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported provider kind")
}

func TestValidate_RejectsBadTemperature(t *testing.T) {
	temp := 3.5
	p := &ProviderConfig{Kind: ProviderOpenAI, Temperature: &temp}
	p.SetDefaults()

	err := p.Validate()
	require.Error(t, err)
}

func TestEngineConfig_Validate(t *testing.T) {
	c := &EngineConfig{MaxIterations: -1}
	require.Error(t, c.Validate())

	c = &EngineConfig{}
	c.SetDefaults()
	require.NoError(t, c.Validate())
	assert.True(t, *c.Planner)
	assert.True(t, *c.Validator)
	assert.True(t, *c.Checkpoints)
}

func TestExpandEnvVarsInData(t *testing.T) {
	t.Setenv("KESTREL_EXPAND_NUM", "42")

	data := map[string]interface{}{
		"plain":  "value",
		"number": "${KESTREL_EXPAND_NUM}",
		"nested": []interface{}{"${KESTREL_EXPAND_NUM:-7}"},
	}

	out := ExpandEnvVarsInData(data).(map[string]interface{})
	assert.Equal(t, "value", out["plain"])
	assert.Equal(t, 42, out["number"])
	assert.Equal(t, 42, out["nested"].([]interface{})[0])
}
