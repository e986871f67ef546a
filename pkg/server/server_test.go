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

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-ai/kestrel/pkg/catalog"
	"github.com/kestrel-ai/kestrel/pkg/config"
	"github.com/kestrel-ai/kestrel/pkg/engine"
	"github.com/kestrel-ai/kestrel/pkg/llm"
	"github.com/kestrel-ai/kestrel/pkg/permission"
	"github.com/kestrel-ai/kestrel/pkg/store"
	"github.com/kestrel-ai/kestrel/pkg/tool"
)

type agentFunc func(ctx context.Context, req engine.Request, events chan<- engine.Event) (*engine.State, error)

func (f agentFunc) Run(ctx context.Context, req engine.Request, events chan<- engine.Event) (*engine.State, error) {
	return f(ctx, req, events)
}

type skillRunFunc func(ctx context.Context, sk *catalog.Skill, input map[string]interface{}) (map[string]interface{}, error)

func (f skillRunFunc) Run(ctx context.Context, sk *catalog.Skill, input map[string]interface{}) (map[string]interface{}, error) {
	return f(ctx, sk, input)
}

type testEnv struct {
	server        *Server
	catalog       *catalog.MemoryStore
	conversations *store.MemoryStore
}

func newTestEnv(t *testing.T, agent AgentRunner, skills SkillRunner) *testEnv {
	t.Helper()
	cat := catalog.NewMemoryStore()
	conversations := store.NewMemoryStore()
	if skills == nil {
		skills = skillRunFunc(func(ctx context.Context, sk *catalog.Skill, input map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{}, nil
		})
	}
	srv := New(config.Default(), agent, tool.NewExecutor(cat), skills, cat, conversations)
	return &testEnv{server: srv, catalog: cat, conversations: conversations}
}

// sseFrame is one decoded frame with its inner payload.
type sseFrame struct {
	Event string
	Data  map[string]interface{}
}

func decodeSSE(t *testing.T, body []byte) []sseFrame {
	t.Helper()
	var frames []sseFrame
	for _, block := range strings.Split(string(body), "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		require.True(t, strings.HasPrefix(block, "data: "), "unexpected SSE block %q", block)

		var envelope struct {
			Event string `json:"event"`
			Data  string `json:"data"`
		}
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(block, "data: ")), &envelope))

		var payload map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(envelope.Data), &payload))
		frames = append(frames, sseFrame{Event: envelope.Event, Data: payload})
	}
	return frames
}

func postChat(t *testing.T, ts *httptest.Server, body map[string]interface{}, headers map[string]string) []sseFrame {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/chat/stream", bytes.NewReader(raw))
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return decodeSSE(t, out)
}

func TestChatStream_PlainChat(t *testing.T) {
	agent := agentFunc(func(ctx context.Context, req engine.Request, events chan<- engine.Event) (*engine.State, error) {
		capture := llm.CaptureFrom(ctx)
		require.NotNil(t, capture)
		capture.Push(ctx, llm.StreamChunk{Content: "Hello "})
		capture.Push(ctx, llm.StreamChunk{Content: "there!"})
		return &engine.State{
			SessionID:     req.SessionID,
			Status:        engine.StatusDone,
			FinalResponse: "Hello there!",
		}, nil
	})

	env := newTestEnv(t, agent, nil)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	frames := postChat(t, ts, map[string]interface{}{
		"conversation_id": "conv-1",
		"message":         "Hello",
	}, map[string]string{"X-User-Id": "u1"})

	require.NotEmpty(t, frames)
	assert.Equal(t, "thinking", frames[0].Event)
	assert.Equal(t, "", frames[0].Data["content"])
	assert.Equal(t, "in-progress", frames[0].Data["status"])
	assert.Equal(t, "done", frames[len(frames)-1].Event)

	var text strings.Builder
	for _, f := range frames {
		assert.NotEqual(t, "tool_call", f.Event)
		assert.NotEqual(t, "tool_result", f.Event)
		if f.Event == "message" {
			text.WriteString(f.Data["content"].(string))
		}
	}
	assert.Equal(t, "Hello there!", text.String())

	msgs, err := env.conversations.ListMessages(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "assistant", msgs[1].Role)
	assert.Equal(t, "Hello there!", msgs[1].Content)
	require.NotEmpty(t, msgs[1].ThinkingSteps)
	assert.Equal(t, "思考过程", msgs[1].ThinkingSteps[0]["title"])
}

func TestChatStream_StreamedToolCallArguments(t *testing.T) {
	agent := agentFunc(func(ctx context.Context, req engine.Request, events chan<- engine.Event) (*engine.State, error) {
		capture := llm.CaptureFrom(ctx)
		capture.Push(ctx, llm.StreamChunk{ToolCallFragments: []llm.ToolCallFragment{
			{Index: 0, ID: "call_1", Name: "calculator", Arguments: `{"a":12`},
		}})
		capture.Push(ctx, llm.StreamChunk{ToolCallFragments: []llm.ToolCallFragment{
			{Index: 0, Arguments: `8,"b":35`},
		}})
		capture.Push(ctx, llm.StreamChunk{ToolCallFragments: []llm.ToolCallFragment{
			{Index: 0, Arguments: `5}`},
		}})
		events <- engine.Event{Type: engine.EventToolResult, ToolResult: &engine.ToolResult{
			ToolCallID: "call_1",
			ToolName:   "calculator",
			Result:     map[string]interface{}{"result": float64(483)},
			Success:    true,
		}}
		capture.Push(ctx, llm.StreamChunk{Content: "The sum is 483."})
		return &engine.State{Status: engine.StatusDone, FinalResponse: "The sum is 483."}, nil
	})

	env := newTestEnv(t, agent, nil)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	frames := postChat(t, ts, map[string]interface{}{
		"message": "Calculate 128 + 355",
	}, map[string]string{"X-User-Id": "u1"})

	var toolCalls []sseFrame
	var toolResults []sseFrame
	for _, f := range frames {
		switch f.Event {
		case "tool_call":
			toolCalls = append(toolCalls, f)
		case "tool_result":
			toolResults = append(toolResults, f)
		}
	}

	// Three streamed fragments plus the closing frame once the result
	// lands.
	require.Len(t, toolCalls, 4)
	args0 := toolCalls[0].Data["arguments"].(map[string]interface{})
	assert.Equal(t, `{"a":12`, args0["_raw_args"])
	args1 := toolCalls[1].Data["arguments"].(map[string]interface{})
	assert.Equal(t, `{"a":128,"b":35`, args1["_raw_args"])
	args2 := toolCalls[2].Data["arguments"].(map[string]interface{})
	assert.Equal(t, float64(128), args2["a"])
	assert.Equal(t, float64(355), args2["b"])

	for _, f := range toolCalls {
		assert.Equal(t, "call_1", f.Data["id"])
		assert.Equal(t, "calculator", f.Data["name"])
		assert.Equal(t, "工具调用", f.Data["group"])
	}
	for _, f := range toolCalls[:3] {
		assert.Equal(t, "calling", f.Data["status"])
	}
	assert.Equal(t, "done", toolCalls[3].Data["status"])

	require.Len(t, toolResults, 1)
	assert.Equal(t, "call_1", toolResults[0].Data["id"])
	assert.Equal(t, true, toolResults[0].Data["success"])
	assert.Contains(t, toolResults[0].Data["result"], "483")
}

func TestChatStream_FailedToolCallClosesFailed(t *testing.T) {
	agent := agentFunc(func(ctx context.Context, req engine.Request, events chan<- engine.Event) (*engine.State, error) {
		capture := llm.CaptureFrom(ctx)
		capture.Push(ctx, llm.StreamChunk{ToolCallFragments: []llm.ToolCallFragment{
			{Index: 0, ID: "call_9", Name: "warehouse_query", Arguments: `{"sql":"select 1"}`},
		}})
		events <- engine.Event{Type: engine.EventToolResult, ToolResult: &engine.ToolResult{
			ToolCallID: "call_9",
			ToolName:   "warehouse_query",
			Error:      "backend down",
		}}
		return &engine.State{Status: engine.StatusDone, FinalResponse: "The warehouse is unavailable."}, nil
	})

	env := newTestEnv(t, agent, nil)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	frames := postChat(t, ts, map[string]interface{}{
		"message": "Query the warehouse",
	}, map[string]string{"X-User-Id": "u1"})

	var toolCalls []sseFrame
	for _, f := range frames {
		if f.Event == "tool_call" {
			toolCalls = append(toolCalls, f)
		}
	}

	require.NotEmpty(t, toolCalls)
	assert.Equal(t, "calling", toolCalls[0].Data["status"])
	assert.Equal(t, "failed", toolCalls[len(toolCalls)-1].Data["status"])
}

func TestChatStream_ErrorTurnNotPersisted(t *testing.T) {
	agent := agentFunc(func(ctx context.Context, req engine.Request, events chan<- engine.Event) (*engine.State, error) {
		events <- engine.Event{Type: engine.EventError, Error: "provider unreachable"}
		return &engine.State{Status: engine.StatusError, Error: "provider unreachable"}, nil
	})

	env := newTestEnv(t, agent, nil)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	frames := postChat(t, ts, map[string]interface{}{
		"conversation_id": "conv-err",
		"message":         "Hello",
	}, map[string]string{"X-User-Id": "u1"})

	var sawError bool
	for _, f := range frames {
		if f.Event == "error" {
			sawError = true
			assert.Equal(t, "stream_error", f.Data["code"])
			assert.Equal(t, "provider unreachable", f.Data["message"])
		}
	}
	assert.True(t, sawError)
	assert.Equal(t, "done", frames[len(frames)-1].Event)

	// Only the user message survives a failed turn.
	msgs, err := env.conversations.ListMessages(context.Background(), "conv-err")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "user", msgs[0].Role)
}

func TestChatStream_RejectsEmptyMessage(t *testing.T) {
	env := newTestEnv(t, agentFunc(func(ctx context.Context, req engine.Request, events chan<- engine.Event) (*engine.State, error) {
		t.Fatal("agent must not run")
		return nil, nil
	}), nil)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	resp, err := ts.Client().Post(ts.URL+"/api/chat/stream", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListTools_PermissionFiltered(t *testing.T) {
	agent := agentFunc(func(ctx context.Context, req engine.Request, events chan<- engine.Event) (*engine.State, error) {
		return &engine.State{Status: engine.StatusDone}, nil
	})
	env := newTestEnv(t, agent, nil)
	require.NoError(t, env.catalog.SaveTool(context.Background(), &catalog.Tool{
		Name:         "risk_model",
		Kind:         catalog.KindMLModel,
		Status:       catalog.StatusActive,
		Visibility:   permission.VisibilityInternal,
		AllowedRoles: []string{permission.RoleAdmin},
	}))

	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	names := func(headers map[string]string) []string {
		req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/tools", nil)
		require.NoError(t, err)
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		resp, err := ts.Client().Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body struct {
			Tools []*catalog.Tool `json:"tools"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		out := make([]string, 0, len(body.Tools))
		for _, tl := range body.Tools {
			out = append(out, tl.Name)
		}
		return out
	}

	viewer := names(map[string]string{"X-User-Id": "u1", "X-Roles": "viewer"})
	assert.Contains(t, viewer, "calculator")
	assert.NotContains(t, viewer, "risk_model")

	admin := names(map[string]string{"X-User-Id": "u2", "X-Roles": "admin"})
	assert.Contains(t, admin, "risk_model")
}

func TestRunSkill(t *testing.T) {
	agent := agentFunc(func(ctx context.Context, req engine.Request, events chan<- engine.Event) (*engine.State, error) {
		return &engine.State{Status: engine.StatusDone}, nil
	})
	skills := skillRunFunc(func(ctx context.Context, sk *catalog.Skill, input map[string]interface{}) (map[string]interface{}, error) {
		assert.Equal(t, "customer_report", sk.Name)
		assert.Equal(t, "C001", input["customer_id"])
		return map[string]interface{}{"result": 0.9}, nil
	})
	env := newTestEnv(t, agent, skills)
	require.NoError(t, env.catalog.SaveSkill(context.Background(), &catalog.Skill{
		Name:       "customer_report",
		Status:     catalog.StatusActive,
		Visibility: permission.VisibilityPublic,
	}))
	require.NoError(t, env.catalog.SaveSkill(context.Background(), &catalog.Skill{
		Name:         "restricted_report",
		Status:       catalog.StatusActive,
		Visibility:   permission.VisibilityInternal,
		AllowedRoles: []string{permission.RoleAdmin},
	}))

	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	resp, err := ts.Client().Post(
		ts.URL+"/api/skills/customer_report/run",
		"application/json",
		strings.NewReader(`{"input":{"customer_id":"C001"}}`),
	)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "customer_report", body["skill"])
	assert.Equal(t, 0.9, body["output"].(map[string]interface{})["result"])

	for name, want := range map[string]int{
		"restricted_report": http.StatusForbidden,
		"missing_skill":     http.StatusNotFound,
	} {
		resp, err := ts.Client().Post(
			fmt.Sprintf("%s/api/skills/%s/run", ts.URL, name),
			"application/json",
			strings.NewReader(`{}`),
		)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, want, resp.StatusCode, name)
	}
}

func TestListMessages(t *testing.T) {
	agent := agentFunc(func(ctx context.Context, req engine.Request, events chan<- engine.Event) (*engine.State, error) {
		return &engine.State{Status: engine.StatusDone}, nil
	})
	env := newTestEnv(t, agent, nil)
	require.NoError(t, env.conversations.AppendMessage(context.Background(), &store.Message{
		ConversationID: "conv-9",
		Role:           "user",
		Content:        "算一下 128+355",
	}))

	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/api/conversations/conv-9/messages")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Messages []*store.Message `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Messages, 1)
	assert.Equal(t, "算一下 128+355", body.Messages[0].Content)
}

func TestDisplayTitleTruncation(t *testing.T) {
	long := displayTitle("正在搜索", `{"query":"`+strings.Repeat("x", 100)+`"}`)
	assert.Equal(t, 50, len([]rune(long)))

	short := displayTitle("调用工具", `{"a":1}`)
	assert.Equal(t, "调用工具 {\"a\":1}", short)
}

func TestDisplayFor(t *testing.T) {
	assert.Equal(t, "搜索信息", displayFor("web_search").group)
	assert.Equal(t, "深度访问", displayFor("fetch_page").group)
	assert.Equal(t, "文件操作", displayFor("file_writer").group)
	assert.Equal(t, "MCP服务调用", displayFor("mcp_bridge").group)
	assert.Equal(t, "代码执行", displayFor("python_exec").group)
	assert.Equal(t, "工具调用", displayFor("calculator").group)
}
