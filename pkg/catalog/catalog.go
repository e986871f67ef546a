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

// Package catalog holds the registered tools and skills of the platform
// together with their access control and usage statistics.
package catalog

import (
	"time"

	"github.com/kestrel-ai/kestrel/pkg/permission"
)

// Tool kinds routed by the executor.
const (
	KindMLModel     = "ml_model"
	KindDataAPI     = "data_api"
	KindExternalAPI = "external_api"
	KindBuiltin     = "builtin"
)

// Resource status values.
const (
	StatusActive     = "active"
	StatusDraft      = "draft"
	StatusDeprecated = "deprecated"
)

// Tool is a registered capability the reasoning loop can invoke.
type Tool struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name,omitempty"`
	Description string `json:"description,omitempty"`

	// Kind selects the execution adapter (ml_model, data_api,
	// external_api, builtin).
	Kind string `json:"kind"`

	// ServiceConfig carries adapter-specific settings such as model_id,
	// query_template or url.
	ServiceConfig map[string]interface{} `json:"service_config,omitempty"`

	InputSchema  map[string]interface{} `json:"input_schema,omitempty"`
	OutputSchema map[string]interface{} `json:"output_schema,omitempty"`

	Version  string   `json:"version,omitempty"`
	Status   string   `json:"status,omitempty"`
	Category string   `json:"category,omitempty"`
	Tags     []string `json:"tags,omitempty"`

	Visibility         permission.Visibility `json:"visibility,omitempty"`
	AllowedDepartments []string              `json:"allowed_departments,omitempty"`
	AllowedRoles       []string              `json:"allowed_roles,omitempty"`

	CallCount    int64   `json:"call_count"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
	SuccessRate  float64 `json:"success_rate"`

	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// ACL exposes the tool's access surface.
func (t *Tool) ACL() permission.ACL {
	return permission.ACL{
		Visibility:         t.Visibility,
		CreatedBy:          t.CreatedBy,
		AllowedDepartments: t.AllowedDepartments,
		AllowedRoles:       t.AllowedRoles,
	}
}

// RecordCall folds one execution into the rolling statistics.
func (t *Tool) RecordCall(latencyMS float64, success bool) {
	outcome := 0.0
	if success {
		outcome = 1.0
	}

	n := float64(t.CallCount)
	if t.CallCount > 0 {
		t.AvgLatencyMS = (t.AvgLatencyMS*n + latencyMS) / (n + 1)
		t.SuccessRate = (t.SuccessRate*n + outcome) / (n + 1)
	} else {
		t.AvgLatencyMS = latencyMS
		t.SuccessRate = outcome
	}

	t.CallCount++
	t.UpdatedAt = time.Now().UTC()
}

// WorkflowNode is one step of a skill DAG.
type WorkflowNode struct {
	ID        string   `json:"id"`
	Tool      string   `json:"tool"`
	DependsOn []string `json:"depends_on,omitempty"`

	// ParamsMapping builds the node's arguments. String values of the
	// form "$.path" are resolved against the run context.
	ParamsMapping map[string]interface{} `json:"params_mapping,omitempty"`

	Condition string `json:"condition,omitempty"`
}

// Workflow is the declarative DAG of a skill.
type Workflow struct {
	Nodes []WorkflowNode `json:"nodes"`

	// OutputMapping projects the final context. Empty means the whole
	// context minus the input.
	OutputMapping map[string]string `json:"output_mapping,omitempty"`
}

// Skill is a composite capability executed as a DAG of tool calls.
type Skill struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name,omitempty"`
	Description string `json:"description,omitempty"`

	Workflow Workflow `json:"workflow"`
	ToolIDs  []string `json:"tool_ids,omitempty"`

	InputSchema  map[string]interface{} `json:"input_schema,omitempty"`
	OutputSchema map[string]interface{} `json:"output_schema,omitempty"`

	Version  string   `json:"version,omitempty"`
	Status   string   `json:"status,omitempty"`
	Category string   `json:"category,omitempty"`
	Tags     []string `json:"tags,omitempty"`

	Visibility         permission.Visibility `json:"visibility,omitempty"`
	AllowedDepartments []string              `json:"allowed_departments,omitempty"`
	AllowedRoles       []string              `json:"allowed_roles,omitempty"`

	CallCount    int64   `json:"call_count"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
	SuccessRate  float64 `json:"success_rate"`

	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// ACL exposes the skill's access surface.
func (s *Skill) ACL() permission.ACL {
	return permission.ACL{
		Visibility:         s.Visibility,
		CreatedBy:          s.CreatedBy,
		AllowedDepartments: s.AllowedDepartments,
		AllowedRoles:       s.AllowedRoles,
	}
}

// RecordCall folds one run into the rolling statistics.
func (s *Skill) RecordCall(latencyMS float64, success bool) {
	outcome := 0.0
	if success {
		outcome = 1.0
	}

	n := float64(s.CallCount)
	if s.CallCount > 0 {
		s.AvgLatencyMS = (s.AvgLatencyMS*n + latencyMS) / (n + 1)
		s.SuccessRate = (s.SuccessRate*n + outcome) / (n + 1)
	} else {
		s.AvgLatencyMS = latencyMS
		s.SuccessRate = outcome
	}

	s.CallCount++
	s.UpdatedAt = time.Now().UTC()
}
