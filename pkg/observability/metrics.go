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

// Package observability provides prometheus metrics and otel tracing
// shared across the gateway, tool executor and skill runner.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

var (
	// LLMRequests counts chat completion calls by provider, model and outcome.
	LLMRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kestrel",
		Name:      "llm_requests_total",
		Help:      "Chat completion requests by provider, model and status.",
	}, []string{"provider", "model", "status"})

	// LLMDuration observes chat completion latency.
	LLMDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "kestrel",
		Name:      "llm_request_duration_seconds",
		Help:      "Chat completion latency by provider and model.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"provider", "model"})

	// ToolExecutions counts tool runs by tool name and outcome.
	ToolExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kestrel",
		Name:      "tool_executions_total",
		Help:      "Tool executions by tool and status.",
	}, []string{"tool", "status"})

	// ToolDuration observes tool execution latency.
	ToolDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "kestrel",
		Name:      "tool_execution_duration_seconds",
		Help:      "Tool execution latency by tool.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
	}, []string{"tool"})

	// SkillRuns counts skill DAG runs by skill and outcome.
	SkillRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kestrel",
		Name:      "skill_runs_total",
		Help:      "Skill DAG runs by skill and status.",
	}, []string{"skill", "status"})
)

// Tracer returns the named tracer from the global otel provider.
// Without an SDK installed this is a no-op tracer.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// MetricsHandler serves the prometheus scrape endpoint.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
