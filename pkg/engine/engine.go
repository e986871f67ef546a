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

// Package engine drives the native-function-calling loop: plan, think,
// execute tools, validate, repeat until the model responds or the
// iteration cap is hit.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kestrel-ai/kestrel/pkg/catalog"
	"github.com/kestrel-ai/kestrel/pkg/checkpoint"
	"github.com/kestrel-ai/kestrel/pkg/config"
	"github.com/kestrel-ai/kestrel/pkg/engine/planner"
	"github.com/kestrel-ai/kestrel/pkg/llm"
	"github.com/kestrel-ai/kestrel/pkg/logger"
	"github.com/kestrel-ai/kestrel/pkg/observability"
	"github.com/kestrel-ai/kestrel/pkg/permission"
	"github.com/kestrel-ai/kestrel/pkg/tool"
)

const planPrompt = `You are an intent classifier for an enterprise assistant.
Read the user's message and respond with a single JSON object with fields:
"intent" (one of: query, analysis, prediction, workflow, conversation, unknown),
"confidence" (number between 0 and 1),
"reasoning" (short string),
"plan_steps" (array of short strings),
"entities" (object with extracted parameters).
Respond with JSON only, no prose.`

// ChatClient is the slice of the LLM gateway the engine needs.
type ChatClient interface {
	Chat(ctx context.Context, target llm.Target, messages []llm.Message, opts llm.Options) (*llm.Response, error)
}

// ToolRunner is the slice of the tool executor the engine needs.
type ToolRunner interface {
	Execute(ctx context.Context, name string, args map[string]interface{}) (map[string]interface{}, error)
	ListTools(ctx context.Context) ([]*catalog.Tool, error)
}

// Engine runs the agent loop.
type Engine struct {
	chat        ChatClient
	tools       ToolRunner
	checkpoints *checkpoint.Manager
	router      *planner.Router

	maxIterations int
	usePlanner    bool
	useValidator  bool

	tracer trace.Tracer
	log    *slog.Logger
}

// New creates an engine. A nil config uses the defaults.
func New(chat ChatClient, tools ToolRunner, checkpoints *checkpoint.Manager, cfg *config.EngineConfig) *Engine {
	if cfg == nil {
		cfg = &config.EngineConfig{}
		cfg.SetDefaults()
	}
	if checkpoints == nil {
		checkpoints = checkpoint.NewManager(nil, false)
	}
	return &Engine{
		chat:          chat,
		tools:         tools,
		checkpoints:   checkpoints,
		router:        planner.NewRouter(),
		maxIterations: cfg.MaxIterations,
		usePlanner:    cfg.PlannerEnabled(),
		useValidator:  cfg.ValidatorEnabled(),
		tracer:        observability.Tracer("kestrel/engine"),
		log:           logger.Component("engine"),
	}
}

// Request is one user turn.
type Request struct {
	SessionID string
	Input     string
	Subject   permission.Subject

	// Target selects the LLM provider; zero value uses the gateway default.
	Target llm.Target

	// History is the prior conversation, already in provider-neutral form.
	History []llm.Message

	// MaxIterations overrides the engine default when positive.
	MaxIterations int
}

// Run executes one turn. Engine events are pushed to the events channel
// when it is non-nil; the channel is not closed by Run. Failures inside
// the loop surface through the returned state (status=error), not through
// the error value, which reports only context cancellation.
func (e *Engine) Run(ctx context.Context, req Request, events chan<- Event) (*State, error) {
	ctx, span := e.tracer.Start(ctx, "engine.run",
		trace.WithAttributes(attribute.String("session.id", req.SessionID)))
	defer span.End()

	maxIterations := e.maxIterations
	if req.MaxIterations > 0 {
		maxIterations = req.MaxIterations
	}

	state := &State{
		SessionID:     req.SessionID,
		UserID:        req.Subject.UserID,
		Input:         req.Input,
		MaxIterations: maxIterations,
		Status:        StatusThinking,
	}

	emit := func(ev Event) error {
		if events == nil {
			return nil
		}
		select {
		case events <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if e.usePlanner {
		state.Status = StatusPlanning
		e.plan(ctx, req, state)
		e.checkpoints.Save(ctx, req.SessionID, state)
		if err := emit(Event{Type: EventPlan, Plan: state.Plan}); err != nil {
			return state, err
		}
	}

	allTools, err := e.tools.ListTools(ctx)
	if err != nil {
		return e.fail(ctx, state, emit, fmt.Errorf("failed to list tools: %w", err))
	}
	byName := make(map[string]*catalog.Tool, len(allTools))
	for _, t := range allTools {
		byName[t.Name] = t
	}
	allowed := permission.Filter(req.Subject, allTools, func(t *catalog.Tool) permission.ACL { return t.ACL() })
	defs := make([]llm.ToolDefinition, 0, len(allowed))
	for _, t := range allowed {
		defs = append(defs, tool.Definition(t))
	}
	expected := expectedOutputKeys(byName)

	for {
		state.Status = StatusThinking
		resp, err := e.think(ctx, req, state, defs)
		if err != nil {
			return e.fail(ctx, state, emit, err)
		}
		e.checkpoints.Save(ctx, req.SessionID, state)

		if state.Status != StatusToolCalling {
			break
		}
		for i := range state.PendingToolCalls {
			if err := emit(Event{Type: EventToolCall, ToolCall: &state.PendingToolCalls[i]}); err != nil {
				return state, err
			}
		}
		if state.Iteration > state.MaxIterations {
			// Cap reached mid tool-calling: respond with what we have.
			state.FinalResponse = resp.Content
			state.PendingToolCalls = nil
			break
		}

		round, err := e.executeTools(ctx, req.Subject, state, byName, emit)
		if err != nil {
			return state, err
		}

		if e.useValidator {
			state.Status = StatusValidating
			result := Validate(round, expected)
			state.Validation = &result
		}
		appendRound(state, round)
		e.checkpoints.Save(ctx, req.SessionID, state)
		if e.useValidator {
			if err := emit(Event{Type: EventStatus, Status: StatusValidating}); err != nil {
				return state, err
			}
		}

		if state.Iteration >= state.MaxIterations {
			// The cap forces a response with the last assistant content,
			// which may be empty.
			state.FinalResponse = resp.Content
			break
		}
	}

	state.Status = StatusDone
	e.checkpoints.Save(ctx, req.SessionID, state)
	e.checkpoints.Clear(ctx, req.SessionID)
	if err := emit(Event{Type: EventStatus, Status: StatusDone}); err != nil {
		return state, err
	}
	return state, nil
}

// plan classifies the user's intent. The LLM classification runs at
// temperature 0; any failure falls back to the rule-based classifier.
// Planning never advances the iteration counter.
func (e *Engine) plan(ctx context.Context, req Request, state *State) {
	zero := 0.0
	resp, err := e.chat.Chat(ctx, req.Target, []llm.Message{
		{Role: llm.RoleSystem, Content: planPrompt},
		{Role: llm.RoleUser, Content: req.Input},
	}, llm.Options{Temperature: &zero})

	var intent planner.Intent
	if err != nil {
		e.log.Warn("Planner LLM call failed, using rule-based classifier", "error", err)
		intent = planner.Classify(req.Input)
	} else if intent, err = planner.ParseLLMIntent(resp.Content); err != nil {
		e.log.Debug("Planner output unusable, using rule-based classifier", "error", err)
		intent = planner.Classify(req.Input)
	}

	decision := e.router.Route(intent)
	state.Plan = &decision
}

// think calls the model with the turn's transcript and available tools.
func (e *Engine) think(ctx context.Context, req Request, state *State, defs []llm.ToolDefinition) (*llm.Response, error) {
	messages := make([]llm.Message, 0, len(req.History)+len(state.Messages)+1)
	messages = append(messages, req.History...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: req.Input})
	messages = append(messages, state.Messages...)

	opts := llm.Options{}
	if len(defs) > 0 {
		opts.Tools = defs
		opts.ToolChoice = "auto"
	}

	resp, err := e.chat.Chat(ctx, req.Target, messages, opts)
	if err != nil {
		return nil, err
	}

	state.Reasoning = resp.Reasoning
	state.Messages = append(state.Messages, resp.ToMessage())

	if resp.HasToolCalls() {
		state.PendingToolCalls = resp.ToolCalls
		state.Status = StatusToolCalling
		state.Iteration++
	} else {
		state.FinalResponse = resp.Content
		state.PendingToolCalls = nil
		state.Status = StatusDone
	}
	return resp, nil
}

// executeTools runs the pending calls in server order. A denied tool
// becomes a failed result with error "forbidden"; an execution failure
// becomes a failed result with the wrapped message. Neither aborts the
// turn. The round is returned without touching the transcript so the
// validator can sanitize payloads before appendRound records them.
func (e *Engine) executeTools(ctx context.Context, subject permission.Subject, state *State, byName map[string]*catalog.Tool, emit func(Event) error) ([]ToolResult, error) {
	round := make([]ToolResult, 0, len(state.PendingToolCalls))

	for _, call := range state.PendingToolCalls {
		result := ToolResult{ToolCallID: call.ID, ToolName: call.Name}

		if t, known := byName[call.Name]; known && !permission.CanAccess(subject, t.ACL()) {
			result.Error = "forbidden"
		} else {
			output, err := e.tools.Execute(ctx, call.Name, call.Arguments)
			if err != nil {
				result.Error = err.Error()
			} else {
				result.Success = true
				result.Result = output
			}
		}

		round = append(round, result)
		if err := emit(Event{Type: EventToolResult, ToolResult: &result}); err != nil {
			return round, err
		}
	}

	state.PendingToolCalls = nil
	return round, nil
}

// appendRound records the round on the turn state: one tool-role
// message per call plus the running result list.
func appendRound(state *State, round []ToolResult) {
	for _, result := range round {
		content := "Error: " + result.Error
		if result.Success {
			content = stringifyResult(result.Result)
		}
		state.Messages = append(state.Messages, llm.Message{
			Role:       llm.RoleTool,
			Content:    content,
			ToolCallID: result.ToolCallID,
			Name:       result.ToolName,
		})
		state.ToolResults = append(state.ToolResults, result)
	}
}

// fail routes the loop into the error node.
func (e *Engine) fail(ctx context.Context, state *State, emit func(Event) error, err error) (*State, error) {
	e.log.Error("Agent loop failed", "session", state.SessionID, "error", err)
	state.Status = StatusError
	state.Error = err.Error()
	state.FinalResponse = fmt.Sprintf("An error occurred: %s", err.Error())
	e.checkpoints.Save(ctx, state.SessionID, state)
	if emitErr := emit(Event{Type: EventError, Error: err.Error()}); emitErr != nil {
		return state, emitErr
	}
	return state, nil
}

func stringifyResult(result interface{}) string {
	if s, ok := result.(string); ok {
		return s
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprint(result)
	}
	return string(raw)
}
