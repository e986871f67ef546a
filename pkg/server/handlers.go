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
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kestrel-ai/kestrel/pkg/catalog"
	"github.com/kestrel-ai/kestrel/pkg/engine"
	"github.com/kestrel-ai/kestrel/pkg/llm"
	"github.com/kestrel-ai/kestrel/pkg/permission"
	"github.com/kestrel-ai/kestrel/pkg/store"
)

type chatRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Message        string `json:"message"`
	Provider       string `json:"provider,omitempty"`
	Model          string `json:"model,omitempty"`
	MaxIterations  int    `json:"max_iterations,omitempty"`
}

// handleChatStream runs one reasoning turn and streams it as SSE. Two
// producers feed the response: the engine's event stream and the LLM
// chunks captured from the provider call. Client disconnect cancels
// both through the request context.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	if req.ConversationID == "" {
		req.ConversationID = uuid.NewString()
	}
	subject := subjectFrom(r)
	ctx := r.Context()

	history, err := s.loadHistory(ctx, req.ConversationID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	if err := s.conversations.AppendMessage(ctx, &store.Message{
		ConversationID: req.ConversationID,
		Role:           string(llm.RoleUser),
		Content:        req.Message,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to persist message")
		return
	}

	queueSize := s.cfg.Engine.StreamQueueSize
	sw := newSSEWriter(w, flusher)
	t := newTurn(sw)
	t.start()

	capture := llm.NewCapture(queueSize)
	runCtx := llm.WithCapture(ctx, capture)
	events := make(chan engine.Event, queueSize)

	var state *engine.State
	go func() {
		state, _ = s.agent.Run(runCtx, engine.Request{
			SessionID:     req.ConversationID,
			Input:         req.Message,
			Subject:       subject,
			Target:        llm.Target{Provider: req.Provider, Model: req.Model},
			History:       history,
			MaxIterations: req.MaxIterations,
		}, events)
		close(events)
		capture.Close()
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for chunk := range capture.Chunks() {
			t.onChunk(chunk)
		}
	}()
	go func() {
		defer wg.Done()
		for ev := range events {
			t.onEvent(ev)
		}
	}()
	wg.Wait()

	steps := t.finish()

	// A failed or cancelled turn is not persisted.
	if ctx.Err() != nil || state == nil || state.Status != engine.StatusDone {
		return
	}
	if err := s.conversations.AppendMessage(ctx, &store.Message{
		ConversationID: req.ConversationID,
		Role:           string(llm.RoleAssistant),
		Content:        state.FinalResponse,
		ThinkingSteps:  steps,
	}); err != nil {
		s.log.Warn("Failed to persist assistant message", "conversation", req.ConversationID, "error", err)
	}
}

// loadHistory rebuilds the provider-neutral transcript from the store.
func (s *Server) loadHistory(ctx context.Context, conversationID string) ([]llm.Message, error) {
	msgs, err := s.conversations.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	history := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		switch llm.Role(m.Role) {
		case llm.RoleUser, llm.RoleAssistant:
			if m.Content != "" {
				history = append(history, llm.Message{Role: llm.Role(m.Role), Content: m.Content})
			}
		}
	}
	return history, nil
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	tools, err := s.tools.ListTools(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list tools")
		return
	}
	visible := permission.Filter(subjectFrom(r), tools, func(t *catalog.Tool) permission.ACL { return t.ACL() })
	writeJSON(w, http.StatusOK, map[string]interface{}{"tools": visible})
}

func (s *Server) handleListSkills(w http.ResponseWriter, r *http.Request) {
	skills, err := s.catalog.ListSkills(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list skills")
		return
	}
	active := make([]*catalog.Skill, 0, len(skills))
	for _, sk := range skills {
		if sk.Status == "" || sk.Status == catalog.StatusActive {
			active = append(active, sk)
		}
	}
	visible := permission.Filter(subjectFrom(r), active, func(sk *catalog.Skill) permission.ACL { return sk.ACL() })
	writeJSON(w, http.StatusOK, map[string]interface{}{"skills": visible})
}

type runSkillRequest struct {
	Input map[string]interface{} `json:"input,omitempty"`
}

func (s *Server) handleRunSkill(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	sk, err := s.catalog.GetSkill(r.Context(), name)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			writeError(w, http.StatusNotFound, "skill not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load skill")
		return
	}
	if !permission.CanAccess(subjectFrom(r), sk.ACL()) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	var req runSkillRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	output, err := s.skills.Run(r.Context(), sk, req.Input)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"skill":  sk.Name,
		"output": output,
	})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	msgs, err := s.conversations.ListMessages(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
