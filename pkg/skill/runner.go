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
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/kestrel-ai/kestrel/pkg/catalog"
	"github.com/kestrel-ai/kestrel/pkg/logger"
	"github.com/kestrel-ai/kestrel/pkg/observability"
)

const defaultMaxParallel = 10

// Invoker executes a single tool call. The tool executor satisfies this.
type Invoker interface {
	Execute(ctx context.Context, name string, args map[string]interface{}) (map[string]interface{}, error)
}

// Runner executes skill workflows level by level.
type Runner struct {
	invoker     Invoker
	store       catalog.Store
	maxParallel int64
	tracer      trace.Tracer
	log         *slog.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithMaxParallel caps the number of nodes executing concurrently.
func WithMaxParallel(n int64) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.maxParallel = n
		}
	}
}

// NewRunner creates a runner. The store is used for rolling skill
// statistics and may be nil.
func NewRunner(invoker Invoker, store catalog.Store, opts ...RunnerOption) *Runner {
	r := &Runner{
		invoker:     invoker,
		store:       store,
		maxParallel: defaultMaxParallel,
		tracer:      observability.Tracer("kestrel/skill"),
		log:         logger.Component("skill"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// plannedNode pairs a workflow node with its arguments, resolved before
// the node's level starts executing.
type plannedNode struct {
	node catalog.WorkflowNode
	args map[string]interface{}
}

// Run executes the skill's workflow against the given input and returns
// the projected output. A failing node records {"error": message} as its
// context entry and the run continues; only planning errors abort the run.
func (r *Runner) Run(ctx context.Context, skill *catalog.Skill, input map[string]interface{}) (map[string]interface{}, error) {
	ctx, span := r.tracer.Start(ctx, "skill.run",
		trace.WithAttributes(attribute.String("skill.name", skill.Name)))
	defer span.End()

	start := time.Now()

	levels, err := Plan(skill.Workflow.Nodes)
	if err != nil {
		observability.SkillRuns.WithLabelValues(skill.Name, "error").Inc()
		return nil, err
	}

	nodesByID := make(map[string]catalog.WorkflowNode, len(skill.Workflow.Nodes))
	for _, node := range skill.Workflow.Nodes {
		nodesByID[node.ID] = node
	}

	if input == nil {
		input = map[string]interface{}{}
	}
	runCtx := map[string]interface{}{"input": input}
	var mu sync.Mutex
	failed := false

	sem := semaphore.NewWeighted(r.maxParallel)

	for _, level := range levels {
		// Conditions and params for the whole level resolve against the
		// context as it stood after the previous level, before any node
		// of this level runs. Same-level outputs are never visible to
		// each other.
		planned := make([]plannedNode, 0, len(level))
		for _, id := range level {
			node := nodesByID[id]
			if node.Condition != "" && !truthy(resolveValue(node.Condition, runCtx)) {
				runCtx[node.ID] = map[string]interface{}{"skipped": true}
				continue
			}
			planned = append(planned, plannedNode{
				node: node,
				args: resolveMapping(node.ParamsMapping, runCtx),
			})
		}

		group, groupCtx := errgroup.WithContext(ctx)
		for _, p := range planned {
			node, args := p.node, p.args
			group.Go(func() error {
				if err := sem.Acquire(groupCtx, 1); err != nil {
					return err
				}
				defer sem.Release(1)

				output, execErr := r.invoker.Execute(groupCtx, node.Tool, args)

				mu.Lock()
				defer mu.Unlock()
				if execErr != nil {
					r.log.Warn("Skill node failed", "skill", skill.Name, "node", node.ID, "tool", node.Tool, "error", execErr)
					runCtx[node.ID] = map[string]interface{}{"error": execErr.Error()}
					failed = true
					return nil
				}
				runCtx[node.ID] = output
				return nil
			})
		}
		if err := group.Wait(); err != nil {
			observability.SkillRuns.WithLabelValues(skill.Name, "error").Inc()
			return nil, err
		}
	}

	status := "success"
	if failed {
		status = "partial"
	}
	observability.SkillRuns.WithLabelValues(skill.Name, status).Inc()

	if r.store != nil {
		latency := float64(time.Since(start).Milliseconds())
		if err := r.store.RecordSkillCall(ctx, skill.Name, latency, !failed); err != nil {
			r.log.Warn("Failed to record skill stats", "skill", skill.Name, "error", err)
		}
	}

	return project(skill.Workflow.OutputMapping, runCtx), nil
}

// project applies the skill's output mapping; with no mapping the whole
// run context minus the input is returned.
func project(mapping map[string]string, runCtx map[string]interface{}) map[string]interface{} {
	if len(mapping) == 0 {
		out := make(map[string]interface{}, len(runCtx))
		for key, value := range runCtx {
			if key == "input" {
				continue
			}
			out[key] = value
		}
		return out
	}

	out := make(map[string]interface{}, len(mapping))
	for key, ref := range mapping {
		out[key] = resolveValue(ref, runCtx)
	}
	return out
}

// resolveMapping builds a node's arguments, resolving "$." references
// recursively. Non-reference values pass through unchanged.
func resolveMapping(mapping map[string]interface{}, runCtx map[string]interface{}) map[string]interface{} {
	args := make(map[string]interface{}, len(mapping))
	for key, value := range mapping {
		args[key] = resolveValue(value, runCtx)
	}
	return args
}

func resolveValue(value interface{}, runCtx map[string]interface{}) interface{} {
	switch v := value.(type) {
	case string:
		if strings.HasPrefix(v, "$.") {
			return lookupPath(runCtx, strings.TrimPrefix(v, "$."))
		}
		return v
	case map[string]interface{}:
		nested := make(map[string]interface{}, len(v))
		for key, inner := range v {
			nested[key] = resolveValue(inner, runCtx)
		}
		return nested
	case []interface{}:
		nested := make([]interface{}, len(v))
		for i, inner := range v {
			nested[i] = resolveValue(inner, runCtx)
		}
		return nested
	default:
		return value
	}
}

// lookupPath walks the run context by dot-separated segments. Any missing
// segment yields nil.
func lookupPath(runCtx map[string]interface{}, path string) interface{} {
	var current interface{} = runCtx
	for _, segment := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current, ok = m[segment]
		if !ok {
			return nil
		}
	}
	return current
}

func truthy(value interface{}) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != "" && v != "false"
	case float64:
		return v != 0
	case int:
		return v != 0
	default:
		return true
	}
}
