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

package skill

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-ai/kestrel/pkg/catalog"
)

type invokerFunc func(ctx context.Context, name string, args map[string]interface{}) (map[string]interface{}, error)

func (f invokerFunc) Execute(ctx context.Context, name string, args map[string]interface{}) (map[string]interface{}, error) {
	return f(ctx, name, args)
}

func TestPlan_Levels(t *testing.T) {
	nodes := []catalog.WorkflowNode{
		{ID: "c", DependsOn: []string{"a", "b"}},
		{ID: "a"},
		{ID: "b"},
		{ID: "d", DependsOn: []string{"c"}},
	}

	levels, err := Plan(nodes)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a", "b"}, {"c"}, {"d"}}, levels)
}

func TestPlan_CycleDetected(t *testing.T) {
	nodes := []catalog.WorkflowNode{
		{ID: "a", DependsOn: []string{"b"}},
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "c"},
	}

	_, err := Plan(nodes)
	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.Equal(t, []string{"a", "b"}, cycleErr.Remaining)
}

func TestPlan_UnknownDependency(t *testing.T) {
	_, err := Plan([]catalog.WorkflowNode{
		{ID: "a", DependsOn: []string{"ghost"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}

func TestPlan_DuplicateID(t *testing.T) {
	_, err := Plan([]catalog.WorkflowNode{{ID: "a"}, {ID: "a"}})
	require.Error(t, err)
}

func TestRun_ChainedReferences(t *testing.T) {
	invoker := invokerFunc(func(ctx context.Context, name string, args map[string]interface{}) (map[string]interface{}, error) {
		switch name {
		case "lookup":
			assert.Equal(t, "Acme", args["name"])
			return map[string]interface{}{"id": "X"}, nil
		case "score":
			assert.Equal(t, "X", args["id"])
			return map[string]interface{}{"score": 0.9}, nil
		}
		return nil, fmt.Errorf("unexpected tool %q", name)
	})

	runner := NewRunner(invoker, nil)
	result, err := runner.Run(context.Background(), &catalog.Skill{
		Name: "risk",
		Workflow: catalog.Workflow{
			Nodes: []catalog.WorkflowNode{
				{ID: "s1", Tool: "lookup", ParamsMapping: map[string]interface{}{"name": "$.input.name"}},
				{ID: "s2", Tool: "score", DependsOn: []string{"s1"}, ParamsMapping: map[string]interface{}{"id": "$.s1.id"}},
			},
			OutputMapping: map[string]string{"result": "$.s2.score"},
		},
	}, map[string]interface{}{"name": "Acme"})

	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"result": 0.9}, result)
}

func TestRun_NodeFailureContinues(t *testing.T) {
	invoker := invokerFunc(func(ctx context.Context, name string, args map[string]interface{}) (map[string]interface{}, error) {
		if name == "broken" {
			return nil, fmt.Errorf("backend down")
		}
		return map[string]interface{}{"ok": true, "upstream": args["upstream"]}, nil
	})

	runner := NewRunner(invoker, nil)
	result, err := runner.Run(context.Background(), &catalog.Skill{
		Name: "partial",
		Workflow: catalog.Workflow{
			Nodes: []catalog.WorkflowNode{
				{ID: "a", Tool: "broken"},
				{ID: "b", Tool: "fine", DependsOn: []string{"a"}, ParamsMapping: map[string]interface{}{"upstream": "$.a.value"}},
			},
		},
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"error": "backend down"}, result["a"])

	// The downstream node still ran; its unresolvable reference became nil.
	b := result["b"].(map[string]interface{})
	assert.Equal(t, true, b["ok"])
	assert.Nil(t, b["upstream"])
}

func TestRun_CycleAbortsBeforeExecution(t *testing.T) {
	calls := 0
	invoker := invokerFunc(func(ctx context.Context, name string, args map[string]interface{}) (map[string]interface{}, error) {
		calls++
		return map[string]interface{}{}, nil
	})

	runner := NewRunner(invoker, nil)
	_, err := runner.Run(context.Background(), &catalog.Skill{
		Name: "cyclic",
		Workflow: catalog.Workflow{
			Nodes: []catalog.WorkflowNode{
				{ID: "a", Tool: "t", DependsOn: []string{"b"}},
				{ID: "b", Tool: "t", DependsOn: []string{"a"}},
			},
		},
	}, nil)

	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.Zero(t, calls)
}

func TestRun_DefaultProjectionExcludesInput(t *testing.T) {
	invoker := invokerFunc(func(ctx context.Context, name string, args map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"v": 1}, nil
	})

	runner := NewRunner(invoker, nil)
	result, err := runner.Run(context.Background(), &catalog.Skill{
		Name: "plain",
		Workflow: catalog.Workflow{
			Nodes: []catalog.WorkflowNode{{ID: "only", Tool: "t"}},
		},
	}, map[string]interface{}{"secret": true})

	require.NoError(t, err)
	assert.NotContains(t, result, "input")
	assert.Contains(t, result, "only")
}

func TestRun_ConditionSkipsNode(t *testing.T) {
	invoked := map[string]bool{}
	var mu sync.Mutex
	invoker := invokerFunc(func(ctx context.Context, name string, args map[string]interface{}) (map[string]interface{}, error) {
		mu.Lock()
		invoked[name] = true
		mu.Unlock()
		return map[string]interface{}{"enabled": false}, nil
	})

	runner := NewRunner(invoker, nil)
	result, err := runner.Run(context.Background(), &catalog.Skill{
		Name: "gated",
		Workflow: catalog.Workflow{
			Nodes: []catalog.WorkflowNode{
				{ID: "check", Tool: "feature_check"},
				{ID: "gated", Tool: "expensive", DependsOn: []string{"check"}, Condition: "$.check.enabled"},
			},
		},
	}, nil)

	require.NoError(t, err)
	assert.True(t, invoked["feature_check"])
	assert.False(t, invoked["expensive"])
	assert.Equal(t, map[string]interface{}{"skipped": true}, result["gated"])
}

func TestRun_ParallelLevel(t *testing.T) {
	var mu sync.Mutex
	running := 0
	peak := 0
	block := make(chan struct{})

	invoker := invokerFunc(func(ctx context.Context, name string, args map[string]interface{}) (map[string]interface{}, error) {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		if running == 2 {
			close(block)
		}
		mu.Unlock()
		<-block
		mu.Lock()
		running--
		mu.Unlock()
		return map[string]interface{}{}, nil
	})

	runner := NewRunner(invoker, nil)
	_, err := runner.Run(context.Background(), &catalog.Skill{
		Name: "wide",
		Workflow: catalog.Workflow{
			Nodes: []catalog.WorkflowNode{{ID: "a", Tool: "t"}, {ID: "b", Tool: "t"}},
		},
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 2, peak)
}

func TestRun_SameLevelOutputsInvisible(t *testing.T) {
	// Both nodes sit at level 0. Node b references "$.a.value", but
	// since they share a level the reference must resolve to nil even
	// when a finishes first.
	earlyDone := make(chan struct{})
	var lateArg interface{}

	invoker := invokerFunc(func(ctx context.Context, name string, args map[string]interface{}) (map[string]interface{}, error) {
		switch name {
		case "early":
			defer close(earlyDone)
			return map[string]interface{}{"value": 42}, nil
		case "late":
			<-earlyDone
			lateArg = args["from_sibling"]
			return map[string]interface{}{}, nil
		}
		return nil, fmt.Errorf("unexpected tool %q", name)
	})

	runner := NewRunner(invoker, nil)
	result, err := runner.Run(context.Background(), &catalog.Skill{
		Name: "siblings",
		Workflow: catalog.Workflow{
			Nodes: []catalog.WorkflowNode{
				{ID: "a", Tool: "early"},
				{ID: "b", Tool: "late", ParamsMapping: map[string]interface{}{"from_sibling": "$.a.value"}},
			},
		},
	}, nil)

	require.NoError(t, err)
	assert.Nil(t, lateArg)
	assert.Contains(t, result, "a")
	assert.Contains(t, result, "b")
}

func TestRun_RecordsSkillStats(t *testing.T) {
	ctx := context.Background()
	store := catalog.NewMemoryStore()
	require.NoError(t, store.SaveSkill(ctx, &catalog.Skill{Name: "s"}))

	invoker := invokerFunc(func(ctx context.Context, name string, args map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{}, nil
	})

	runner := NewRunner(invoker, store)
	_, err := runner.Run(ctx, &catalog.Skill{
		Name:     "s",
		Workflow: catalog.Workflow{Nodes: []catalog.WorkflowNode{{ID: "a", Tool: "t"}}},
	}, nil)
	require.NoError(t, err)

	skill, err := store.GetSkill(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, int64(1), skill.CallCount)
	assert.Equal(t, 1.0, skill.SuccessRate)
}
