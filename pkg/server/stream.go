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
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kestrel-ai/kestrel/pkg/engine"
	"github.com/kestrel-ai/kestrel/pkg/llm"
)

// SSE event names visible to the client.
const (
	eventThinking   = "thinking"
	eventToolCall   = "tool_call"
	eventToolResult = "tool_result"
	eventMessage    = "message"
	eventError      = "error"
	eventDone       = "done"
)

// Step status values on thinking and tool_call frames.
const (
	stepInProgress = "in-progress"
	stepCompleted  = "completed"
	stepFailed     = "failed"
)

// Tool call frame statuses. A call streams as "calling" and closes with
// a final "done" or "failed" frame once its result lands.
const (
	callCalling = "calling"
	callDone    = "done"
	callFailed  = "failed"
)

const (
	reasoningTitle = "思考过程"
	reasoningGroup = "分析与推理"
	maxTitleRunes  = 50
)

// toolDisplay maps a tool name onto a UI bucket via keyword matching.
type toolDisplay struct {
	keywords    []string
	group       string
	title       string
	subItemType string
}

var toolDisplays = []toolDisplay{
	{[]string{"search", "query", "lookup"}, "搜索信息", "正在搜索", "search"},
	{[]string{"browse", "visit", "crawl", "fetch"}, "深度访问", "正在浏览", "browser"},
	{[]string{"file", "write", "read"}, "文件操作", "正在创建文件", "file"},
	{[]string{"mcp"}, "MCP服务调用", "调用MCP服务", "mcp"},
	{[]string{"code", "exec", "python"}, "代码执行", "执行代码", "code"},
}

var defaultDisplay = toolDisplay{group: "工具调用", title: "调用工具", subItemType: "tool"}

func displayFor(toolName string) toolDisplay {
	lower := strings.ToLower(toolName)
	for _, d := range toolDisplays {
		for _, kw := range d.keywords {
			if strings.Contains(lower, kw) {
				return d
			}
		}
	}
	return defaultDisplay
}

// frame is the outer SSE envelope. Data is a JSON-encoded string so
// clients decode it in a second step.
type frame struct {
	Event string `json:"event"`
	Data  string `json:"data"`
}

// sseWriter serializes frames onto the wire.
type sseWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter, flusher http.Flusher) *sseWriter {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	return &sseWriter{w: w, flusher: flusher}
}

func (s *sseWriter) send(event string, payload interface{}) {
	inner, err := json.Marshal(payload)
	if err != nil {
		inner = []byte("{}")
	}
	envelope, err := json.Marshal(frame{Event: event, Data: string(inner)})
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "data: %s\n\n", envelope)
	s.flusher.Flush()
}

// callState tracks one tool call across its streamed fragments and the
// eventual execution result.
type callState struct {
	id        string
	name      string
	args      string
	announced bool
	status    string
	display   toolDisplay
	groupID   string
	startedAt time.Time
}

// turn translates engine events and captured LLM chunks into SSE frames
// and records the step log persisted with the assistant message.
type turn struct {
	mu sync.Mutex
	sw *sseWriter

	reasoningID  string
	reasoning    strings.Builder
	content      strings.Builder
	callsByIndex map[int]*callState
	callsByID    map[string]*callState
	order        []*callState
	groupIDs     map[string]string
	failed       bool
}

func newTurn(sw *sseWriter) *turn {
	return &turn{
		sw:           sw,
		reasoningID:  uuid.NewString(),
		callsByIndex: make(map[int]*callState),
		callsByID:    make(map[string]*callState),
		groupIDs:     make(map[string]string),
	}
}

// start emits the initial empty thinking frame so a UI can render a live
// indicator before the first upstream chunk arrives.
func (t *turn) start() {
	t.sw.send(eventThinking, map[string]interface{}{
		"id":      t.reasoningID,
		"title":   reasoningTitle,
		"status":  stepInProgress,
		"content": "",
		"group":   reasoningGroup,
	})
}

// onChunk handles one captured LLM stream chunk.
func (t *turn) onChunk(chunk llm.StreamChunk) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if chunk.Reasoning != "" {
		t.reasoning.WriteString(chunk.Reasoning)
		t.sw.send(eventThinking, map[string]interface{}{
			"id":          t.reasoningID,
			"title":       reasoningTitle,
			"status":      stepInProgress,
			"content":     chunk.Reasoning,
			"accumulated": t.reasoning.String(),
			"group":       reasoningGroup,
		})
	}

	if chunk.Content != "" {
		t.content.WriteString(chunk.Content)
		t.sw.send(eventMessage, map[string]interface{}{"content": chunk.Content})
	}

	for _, frag := range chunk.ToolCallFragments {
		t.onFragment(frag)
	}
}

// onFragment folds a streamed tool-call piece into its call state. The
// first frame goes out once a name is known; argument frames follow on
// every fragment that extends the raw argument text.
func (t *turn) onFragment(frag llm.ToolCallFragment) {
	cs, ok := t.callsByIndex[frag.Index]
	if !ok {
		cs = &callState{status: callCalling, startedAt: time.Now()}
		t.callsByIndex[frag.Index] = cs
		t.order = append(t.order, cs)
	}
	if frag.ID != "" && cs.id == "" {
		cs.id = frag.ID
		t.callsByID[cs.id] = cs
	}
	cs.name += frag.Name

	justAnnounced := false
	if !cs.announced && cs.name != "" {
		cs.announced = true
		cs.display = displayFor(cs.name)
		cs.groupID = t.groupIDFor(cs.display.group)
		justAnnounced = true
	}

	if frag.Arguments != "" {
		cs.args += frag.Arguments
		if cs.announced {
			t.sendCall(cs)
		}
	} else if justAnnounced {
		t.sendCall(cs)
	}
}

// onEvent handles one engine event.
func (t *turn) onEvent(ev engine.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch ev.Type {
	case engine.EventPlan:
		if ev.Plan == nil || ev.Plan.Intent.Reasoning == "" {
			return
		}
		t.reasoning.WriteString(ev.Plan.Intent.Reasoning)
		t.sw.send(eventThinking, map[string]interface{}{
			"id":          t.reasoningID,
			"title":       reasoningTitle,
			"status":      stepInProgress,
			"content":     ev.Plan.Intent.Reasoning,
			"accumulated": t.reasoning.String(),
			"group":       reasoningGroup,
		})

	case engine.EventToolCall:
		cs, ok := t.callsByID[ev.ToolCall.ID]
		if !ok {
			// Non-streaming provider: the parsed call is the first we
			// hear of it.
			cs = &callState{
				id:        ev.ToolCall.ID,
				name:      ev.ToolCall.Name,
				status:    callCalling,
				announced: true,
				display:   displayFor(ev.ToolCall.Name),
				startedAt: time.Now(),
			}
			cs.groupID = t.groupIDFor(cs.display.group)
			t.callsByID[cs.id] = cs
			t.order = append(t.order, cs)
		}
		if raw, err := json.Marshal(ev.ToolCall.Arguments); err == nil {
			cs.args = string(raw)
		}
		t.sendCall(cs)

	case engine.EventToolResult:
		res := ev.ToolResult
		cs, ok := t.callsByID[res.ToolCallID]
		if ok {
			if res.Success {
				cs.status = stepCompleted
			} else {
				cs.status = stepFailed
			}
			t.sendCall(cs)
		}
		t.sw.send(eventToolResult, map[string]interface{}{
			"id":      res.ToolCallID,
			"name":    res.ToolName,
			"result":  stringify(res.Result),
			"success": res.Success,
			"error":   res.Error,
		})

	case engine.EventError:
		t.failed = true
		t.sw.send(eventError, map[string]interface{}{
			"code":    "stream_error",
			"message": ev.Error,
		})
	}
}

func (t *turn) sendCall(cs *callState) {
	t.sw.send(eventToolCall, map[string]interface{}{
		"id":           cs.id,
		"name":         cs.name,
		"arguments":    arguments(cs.args),
		"status":       callWireStatus(cs.status),
		"group":        cs.display.group,
		"groupId":      cs.groupID,
		"displayTitle": displayTitle(cs.display.title, cs.args),
		"subItemType":  cs.display.subItemType,
	})
}

// callWireStatus maps internal call state onto the client-facing enum.
func callWireStatus(status string) string {
	switch status {
	case stepCompleted:
		return callDone
	case stepFailed:
		return callFailed
	default:
		return callCalling
	}
}

func (t *turn) groupIDFor(group string) string {
	id, ok := t.groupIDs[group]
	if !ok {
		id = uuid.NewString()
		t.groupIDs[group] = id
	}
	return id
}

// finish emits the done frame and returns the accumulated step log for
// persistence.
func (t *turn) finish() []map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	reasoningStatus := stepCompleted
	if t.failed {
		reasoningStatus = stepFailed
	}
	steps := []map[string]interface{}{{
		"id":        t.reasoningID,
		"title":     reasoningTitle,
		"status":    reasoningStatus,
		"content":   t.reasoning.String(),
		"group":     reasoningGroup,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}}
	for _, cs := range t.order {
		status := cs.status
		title := displayTitle(cs.display.title, cs.args)
		switch status {
		case stepCompleted:
			title = cs.display.title + " 执行完成"
		case stepFailed:
			title = cs.display.title + " 执行失败"
		}
		steps = append(steps, map[string]interface{}{
			"id":          cs.id,
			"title":       title,
			"status":      status,
			"content":     stringify(arguments(cs.args)),
			"group":       cs.display.group,
			"groupId":     cs.groupID,
			"subItemType": cs.display.subItemType,
			"timestamp":   cs.startedAt.UTC().Format(time.RFC3339),
		})
	}

	t.sw.send(eventDone, map[string]interface{}{})
	return steps
}

// arguments decodes accumulated argument text; empty text is an empty
// object and invalid JSON keeps the raw text visible.
func arguments(raw string) map[string]interface{} {
	return llm.ParseArguments(raw)
}

func displayTitle(base, args string) string {
	title := base
	if args != "" {
		title += " " + args
	}
	runes := []rune(title)
	if len(runes) > maxTitleRunes {
		return string(runes[:maxTitleRunes])
	}
	return title
}

func stringify(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(raw)
}
