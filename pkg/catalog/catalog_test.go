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

package catalog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-ai/kestrel/pkg/permission"
)

func TestRecordCall_RollingAverages(t *testing.T) {
	tool := &Tool{Name: "t"}

	tool.RecordCall(100, true)
	assert.Equal(t, int64(1), tool.CallCount)
	assert.Equal(t, 100.0, tool.AvgLatencyMS)
	assert.Equal(t, 1.0, tool.SuccessRate)

	tool.RecordCall(200, false)
	assert.Equal(t, int64(2), tool.CallCount)
	assert.Equal(t, 150.0, tool.AvgLatencyMS)
	assert.Equal(t, 0.5, tool.SuccessRate)

	tool.RecordCall(300, true)
	assert.Equal(t, int64(3), tool.CallCount)
	assert.InDelta(t, 200.0, tool.AvgLatencyMS, 1e-9)
	assert.InDelta(t, 2.0/3.0, tool.SuccessRate, 1e-9)
}

func TestMemoryStore_ToolRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.GetTool(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	tool := &Tool{Name: "credit_score", Kind: KindMLModel, Status: StatusActive}
	require.NoError(t, store.SaveTool(ctx, tool))

	got, err := store.GetTool(ctx, "credit_score")
	require.NoError(t, err)
	assert.Equal(t, KindMLModel, got.Kind)

	// Mutating the returned copy must not affect the store
	got.Kind = "changed"
	again, err := store.GetTool(ctx, "credit_score")
	require.NoError(t, err)
	assert.Equal(t, KindMLModel, again.Kind)
}

func TestMemoryStore_RecordToolCall(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.SaveTool(ctx, &Tool{Name: "t"}))

	require.NoError(t, store.RecordToolCall(ctx, "t", 50, true))
	require.NoError(t, store.RecordToolCall(ctx, "t", 150, true))

	got, err := store.GetTool(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.CallCount)
	assert.Equal(t, 100.0, got.AvgLatencyMS)
	assert.Equal(t, 1.0, got.SuccessRate)

	assert.ErrorIs(t, store.RecordToolCall(ctx, "missing", 10, true), ErrNotFound)
}

func TestSQLStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	tool := &Tool{
		Name:          "customer_lookup",
		Kind:          KindDataAPI,
		ServiceConfig: map[string]interface{}{"table_name": "dim_customer"},
		Visibility:    permission.VisibilityPublic,
		Status:        StatusActive,
	}
	require.NoError(t, store.SaveTool(ctx, tool))

	got, err := store.GetTool(ctx, "customer_lookup")
	require.NoError(t, err)
	assert.Equal(t, "dim_customer", got.ServiceConfig["table_name"])

	require.NoError(t, store.RecordToolCall(ctx, "customer_lookup", 25, true))
	got, err = store.GetTool(ctx, "customer_lookup")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.CallCount)
	assert.Equal(t, 25.0, got.AvgLatencyMS)

	skill := &Skill{
		Name: "profile",
		Workflow: Workflow{
			Nodes: []WorkflowNode{{ID: "n1", Tool: "customer_lookup"}},
		},
	}
	require.NoError(t, store.SaveSkill(ctx, skill))

	gotSkill, err := store.GetSkill(ctx, "profile")
	require.NoError(t, err)
	require.Len(t, gotSkill.Workflow.Nodes, 1)
	assert.Equal(t, "customer_lookup", gotSkill.Workflow.Nodes[0].Tool)

	skills, err := store.ListSkills(ctx)
	require.NoError(t, err)
	assert.Len(t, skills, 1)
}

func TestSeed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, Seed(ctx, store))

	tools, err := store.ListTools(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(tools), 4)

	skill, err := store.GetSkill(ctx, "customer_risk_profile")
	require.NoError(t, err)
	assert.Len(t, skill.Workflow.Nodes, 2)
	assert.Equal(t, []string{"lookup"}, skill.Workflow.Nodes[1].DependsOn)
}

func TestToolACL(t *testing.T) {
	tool := &Tool{
		Visibility:         permission.VisibilityInternal,
		CreatedBy:          "u1",
		AllowedDepartments: []string{permission.DeptRiskManagement},
	}
	acl := tool.ACL()
	assert.Equal(t, permission.VisibilityInternal, acl.Visibility)
	assert.Equal(t, "u1", acl.CreatedBy)
}
