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

// Package tool executes registered tools. Builtins run in-process;
// catalog tools are dispatched to a service adapter by kind.
package tool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kestrel-ai/kestrel/pkg/catalog"
	"github.com/kestrel-ai/kestrel/pkg/llm"
	"github.com/kestrel-ai/kestrel/pkg/logger"
	"github.com/kestrel-ai/kestrel/pkg/observability"
	"github.com/kestrel-ai/kestrel/pkg/permission"
)

// ExecutionError reports a failed tool execution.
type ExecutionError struct {
	Tool    string
	Message string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool '%s' execution failed: %s", e.Tool, e.Message)
}

// Executor dispatches tool calls. Builtins are checked first; everything
// else is looked up in the catalog and routed by kind.
type Executor struct {
	store    catalog.Store
	builtins map[string]Builtin
	order    []string

	models    *ModelFactory
	warehouse *DataWarehouse
	external  *ExternalAPI

	mu    sync.RWMutex
	cache map[string]*catalog.Tool

	tracer trace.Tracer
	log    *slog.Logger
}

// NewExecutor creates an executor over the given catalog with the stock
// builtins registered.
func NewExecutor(store catalog.Store) *Executor {
	e := &Executor{
		store:     store,
		builtins:  make(map[string]Builtin),
		models:    NewModelFactory(),
		warehouse: NewDataWarehouse(),
		external:  NewExternalAPI(),
		cache:     make(map[string]*catalog.Tool),
		tracer:    observability.Tracer("kestrel/tool"),
		log:       logger.Component("tool"),
	}
	for _, b := range Builtins() {
		e.Register(b)
	}
	return e
}

// Register adds a builtin, replacing any previous one with the same name.
func (e *Executor) Register(b Builtin) {
	name := b.Name()
	if _, ok := e.builtins[name]; !ok {
		e.order = append(e.order, name)
	}
	e.builtins[name] = b
}

// Execute runs the named tool with the given arguments. Failures are
// returned as *ExecutionError; rolling statistics are updated best-effort
// and never fail the call.
func (e *Executor) Execute(ctx context.Context, name string, args map[string]interface{}) (map[string]interface{}, error) {
	ctx, span := e.tracer.Start(ctx, "tool.execute",
		trace.WithAttributes(attribute.String("tool.name", name)))
	defer span.End()

	if b, ok := e.builtins[name]; ok {
		return e.runBuiltin(ctx, b, args)
	}

	tool, err := e.lookup(ctx, name)
	if err != nil {
		observability.ToolExecutions.WithLabelValues(name, "not_found").Inc()
		return nil, &ExecutionError{Tool: name, Message: "Tool not found"}
	}

	start := time.Now()
	result, execErr := e.dispatch(ctx, tool, args)
	latency := time.Since(start)

	status := "success"
	if execErr != nil {
		status = "error"
	}
	observability.ToolExecutions.WithLabelValues(name, status).Inc()
	observability.ToolDuration.WithLabelValues(name).Observe(latency.Seconds())

	if err := e.store.RecordToolCall(ctx, name, float64(latency.Milliseconds()), execErr == nil); err != nil {
		e.log.Warn("Failed to record tool stats", "tool", name, "error", err)
	}

	if execErr != nil {
		var ee *ExecutionError
		if errors.As(execErr, &ee) {
			return nil, ee
		}
		return nil, &ExecutionError{Tool: name, Message: execErr.Error()}
	}
	return result, nil
}

func (e *Executor) runBuiltin(ctx context.Context, b Builtin, args map[string]interface{}) (map[string]interface{}, error) {
	start := time.Now()
	result, err := b.Call(ctx, args)
	latency := time.Since(start)

	status := "success"
	if err != nil {
		status = "error"
	}
	observability.ToolExecutions.WithLabelValues(b.Name(), status).Inc()
	observability.ToolDuration.WithLabelValues(b.Name()).Observe(latency.Seconds())

	if err != nil {
		return nil, &ExecutionError{Tool: b.Name(), Message: err.Error()}
	}
	return result, nil
}

func (e *Executor) dispatch(ctx context.Context, tool *catalog.Tool, args map[string]interface{}) (map[string]interface{}, error) {
	switch tool.Kind {
	case catalog.KindMLModel:
		return e.models.Predict(ctx, tool, args)
	case catalog.KindDataAPI:
		return e.warehouse.Query(ctx, tool, args)
	case catalog.KindExternalAPI:
		return e.external.Call(ctx, tool, args)
	default:
		return map[string]interface{}{
			"tool":    tool.Name,
			"status":  "executed",
			"input":   args,
			"message": "Generic tool execution - implement specific handler",
		}, nil
	}
}

// lookup resolves an active catalog tool, caching hits per executor.
func (e *Executor) lookup(ctx context.Context, name string) (*catalog.Tool, error) {
	e.mu.RLock()
	tool, ok := e.cache[name]
	e.mu.RUnlock()
	if ok {
		return tool, nil
	}

	tool, err := e.store.GetTool(ctx, name)
	if err != nil {
		return nil, err
	}
	if tool.Status != "" && tool.Status != catalog.StatusActive {
		return nil, catalog.ErrNotFound
	}

	e.mu.Lock()
	e.cache[name] = tool
	e.mu.Unlock()
	return tool, nil
}

// InvalidateCache drops cached catalog entries, forcing a re-read on the
// next lookup.
func (e *Executor) InvalidateCache() {
	e.mu.Lock()
	e.cache = make(map[string]*catalog.Tool)
	e.mu.Unlock()
}

// ListTools returns the builtins as synthetic catalog entries followed by
// the active catalog tools.
func (e *Executor) ListTools(ctx context.Context) ([]*catalog.Tool, error) {
	tools := make([]*catalog.Tool, 0, len(e.order))
	for _, name := range e.order {
		b := e.builtins[name]
		tools = append(tools, &catalog.Tool{
			Name:        b.Name(),
			Description: b.Description(),
			Kind:        catalog.KindBuiltin,
			InputSchema: b.InputSchema(),
			Status:      catalog.StatusActive,
			Visibility:  permission.VisibilityPublic,
		})
	}

	stored, err := e.store.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range stored {
		if t.Status == "" || t.Status == catalog.StatusActive {
			tools = append(tools, t)
		}
	}
	return tools, nil
}

// Definition converts a catalog tool into the shape providers expect.
func Definition(t *catalog.Tool) llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        t.Name,
		Description: t.Description,
		Parameters:  t.InputSchema,
	}
}
