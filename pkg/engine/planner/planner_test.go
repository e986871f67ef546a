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

package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		message string
		want    IntentType
	}{
		{"查询最近的交易记录", IntentQuery},
		{"show me the customers", IntentQuery},
		{"分析本月的贷款趋势", IntentAnalysis},
		{"compare the statistics", IntentAnalysis},
		{"评估这家公司的信用风险", IntentPrediction},
		{"predict the default rate", IntentPrediction},
		{"提交贷款审批流程", IntentWorkflow},
		{"你好", IntentConversation},
		{"hello there", IntentConversation},
	}
	for _, tt := range tests {
		intent := Classify(tt.message)
		assert.Equal(t, tt.want, intent.Type, tt.message)
		assert.Greater(t, intent.Confidence, 0.0)
	}
}

func TestExtractParams(t *testing.T) {
	params := ExtractParams("查询今天 前10条 交易")
	require.NotNil(t, params)
	assert.Equal(t, "今天", params["time_range"])
	assert.Equal(t, 10, params["limit"])

	params = ExtractParams("show top 5 customers")
	require.NotNil(t, params)
	assert.Equal(t, 5, params["limit"])

	assert.Nil(t, ExtractParams("plain message"))
}

func TestRoute(t *testing.T) {
	decision := Plan("评估信用风险")
	assert.Equal(t, "prediction_agent", decision.Agent)
	assert.Equal(t, 8, decision.Priority)
	assert.Equal(t, []string{"analytics_agent", "chat_agent"}, decision.Fallbacks)

	decision = Plan("你好")
	assert.Equal(t, "chat_agent", decision.Agent)
	assert.Equal(t, 2, decision.Priority)
}

func TestRouter_Register(t *testing.T) {
	r := NewRouter()
	r.Register(IntentQuery, "custom_agent", "chat_agent")
	decision := r.Route(Intent{Type: IntentQuery})
	assert.Equal(t, "custom_agent", decision.Agent)
	assert.Equal(t, []string{"chat_agent"}, decision.Fallbacks)
}

func TestParseLLMIntent(t *testing.T) {
	intent, err := ParseLLMIntent("```json\n" + `{
		"intent": "prediction",
		"confidence": 0.92,
		"reasoning": "user asks for a credit score",
		"plan_steps": ["look up customer", "run the score model"],
		"entities": {"customer_name": "Acme"}
	}` + "\n```")
	require.NoError(t, err)
	assert.Equal(t, IntentPrediction, intent.Type)
	assert.Equal(t, 0.92, intent.Confidence)
	assert.Len(t, intent.PlanSteps, 2)
	assert.Equal(t, "Acme", intent.Entities["customer_name"])
}

func TestParseLLMIntent_Errors(t *testing.T) {
	_, err := ParseLLMIntent("not json at all")
	assert.Error(t, err)

	_, err = ParseLLMIntent(`{"intent": "world_domination"}`)
	assert.Error(t, err)
}
