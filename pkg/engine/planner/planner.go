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

// Package planner classifies user intent and routes it to a handler. The
// LLM planner produces the primary classification; the rule-based path
// here is the fallback when the model output cannot be used.
package planner

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// IntentType buckets a user request for routing.
type IntentType string

const (
	IntentQuery        IntentType = "query"
	IntentAnalysis     IntentType = "analysis"
	IntentPrediction   IntentType = "prediction"
	IntentWorkflow     IntentType = "workflow"
	IntentConversation IntentType = "conversation"
	IntentUnknown      IntentType = "unknown"
)

// Intent is a classified user intent.
type Intent struct {
	Type       IntentType `json:"type"`
	Confidence float64    `json:"confidence"`
	Reasoning  string     `json:"reasoning,omitempty"`
	PlanSteps  []string   `json:"plan_steps,omitempty"`

	// Entities carries extracted parameters such as time_range or limit.
	Entities map[string]interface{} `json:"entities,omitempty"`
}

// Decision is the routing outcome for an intent.
type Decision struct {
	Intent    Intent   `json:"intent"`
	Agent     string   `json:"agent"`
	Priority  int      `json:"priority"`
	Fallbacks []string `json:"fallbacks,omitempty"`
}

// intentKeywords drives the rule-based classifier. First match wins in
// declaration order.
var intentKeywords = []struct {
	intent   IntentType
	keywords []string
}{
	{IntentQuery, []string{"查询", "查找", "获取", "显示", "列出", "search", "find", "get", "show", "list"}},
	{IntentAnalysis, []string{"分析", "统计", "汇总", "趋势", "对比", "analyze", "statistics", "trend", "compare"}},
	{IntentPrediction, []string{"预测", "预估", "评估", "风险", "评分", "predict", "forecast", "estimate", "risk", "score"}},
	{IntentWorkflow, []string{"流程", "审批", "提交", "创建", "执行", "workflow", "approve", "submit", "create", "execute"}},
}

var timeRangeWords = []string{"今天", "昨天", "本周", "本月", "今年", "today", "yesterday"}

var limitPattern = regexp.MustCompile(`前\s*(\d+)\s*[个条]|top\s*(\d+)`)

// Classify runs the keyword classifier over a message. Unmatched input
// defaults to conversation with low confidence.
func Classify(message string) Intent {
	lowered := strings.ToLower(message)
	for _, rule := range intentKeywords {
		for _, keyword := range rule.keywords {
			if strings.Contains(lowered, keyword) {
				return Intent{
					Type:       rule.intent,
					Confidence: 0.8,
					Reasoning:  fmt.Sprintf("matched keyword: %s", keyword),
					Entities:   ExtractParams(message),
				}
			}
		}
	}
	return Intent{
		Type:       IntentConversation,
		Confidence: 0.5,
		Reasoning:  "no specific intent matched",
		Entities:   ExtractParams(message),
	}
}

// ExtractParams pulls common parameters (time range words, numeric
// limits) out of the message.
func ExtractParams(message string) map[string]interface{} {
	params := map[string]interface{}{}

	for _, word := range timeRangeWords {
		if strings.Contains(message, word) {
			params["time_range"] = word
			break
		}
	}

	if m := limitPattern.FindStringSubmatch(strings.ToLower(message)); m != nil {
		raw := m[1]
		if raw == "" {
			raw = m[2]
		}
		if limit, err := strconv.Atoi(raw); err == nil {
			params["limit"] = limit
		}
	}

	if len(params) == 0 {
		return nil
	}
	return params
}

// Router maps intents to named handlers with priorities and fallbacks.
type Router struct {
	agents    map[IntentType]string
	fallbacks map[string][]string
}

// NewRouter creates a router with the stock agent registry.
func NewRouter() *Router {
	return &Router{
		agents: map[IntentType]string{
			IntentQuery:        "data_query_agent",
			IntentAnalysis:     "analytics_agent",
			IntentPrediction:   "prediction_agent",
			IntentWorkflow:     "workflow_agent",
			IntentConversation: "chat_agent",
			IntentUnknown:      "chat_agent",
		},
		fallbacks: map[string][]string{
			"data_query_agent": {"analytics_agent", "chat_agent"},
			"analytics_agent":  {"data_query_agent", "chat_agent"},
			"prediction_agent": {"analytics_agent", "chat_agent"},
			"workflow_agent":   {"chat_agent"},
		},
	}
}

// Register binds an intent type to an agent, optionally with fallbacks.
func (r *Router) Register(intent IntentType, agent string, fallbacks ...string) {
	r.agents[intent] = agent
	if len(fallbacks) > 0 {
		r.fallbacks[agent] = fallbacks
	}
}

var priorities = map[IntentType]int{
	IntentWorkflow:     10,
	IntentPrediction:   8,
	IntentAnalysis:     6,
	IntentQuery:        4,
	IntentConversation: 2,
	IntentUnknown:      0,
}

// Route resolves the handler for a classified intent.
func (r *Router) Route(intent Intent) Decision {
	agent, ok := r.agents[intent.Type]
	if !ok {
		agent = "chat_agent"
	}
	fallbacks := r.fallbacks[agent]
	if fallbacks == nil {
		fallbacks = []string{"chat_agent"}
	}
	return Decision{
		Intent:    intent,
		Agent:     agent,
		Priority:  priorities[intent.Type],
		Fallbacks: fallbacks,
	}
}

// Plan classifies a message with the rule-based classifier and routes it.
func Plan(message string) Decision {
	return NewRouter().Route(Classify(message))
}

// llmPayload is the JSON shape the LLM planner is asked to produce.
type llmPayload struct {
	Intent     string                 `mapstructure:"intent"`
	Confidence float64                `mapstructure:"confidence"`
	Reasoning  string                 `mapstructure:"reasoning"`
	PlanSteps  []string               `mapstructure:"plan_steps"`
	Entities   map[string]interface{} `mapstructure:"entities"`
}

var validIntents = map[string]IntentType{
	"query":        IntentQuery,
	"analysis":     IntentAnalysis,
	"prediction":   IntentPrediction,
	"workflow":     IntentWorkflow,
	"conversation": IntentConversation,
	"unknown":      IntentUnknown,
}

// ParseLLMIntent decodes a planner model response into an Intent. The
// payload may be wrapped in a markdown code fence.
func ParseLLMIntent(content string) (Intent, error) {
	raw := stripCodeFence(content)

	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return Intent{}, fmt.Errorf("planner output is not JSON: %w", err)
	}

	var payload llmPayload
	if err := mapstructure.Decode(doc, &payload); err != nil {
		return Intent{}, fmt.Errorf("planner output has wrong shape: %w", err)
	}

	intentType, ok := validIntents[strings.ToLower(strings.TrimSpace(payload.Intent))]
	if !ok {
		return Intent{}, fmt.Errorf("unknown intent %q", payload.Intent)
	}

	return Intent{
		Type:       intentType,
		Confidence: payload.Confidence,
		Reasoning:  payload.Reasoning,
		PlanSteps:  payload.PlanSteps,
		Entities:   payload.Entities,
	}, nil
}

func stripCodeFence(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
