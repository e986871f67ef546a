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

// Package server exposes the chat surface over HTTP: an SSE streaming
// chat endpoint, permission-filtered catalog listings, skill execution
// and conversation history.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kestrel-ai/kestrel/pkg/catalog"
	"github.com/kestrel-ai/kestrel/pkg/config"
	"github.com/kestrel-ai/kestrel/pkg/engine"
	"github.com/kestrel-ai/kestrel/pkg/logger"
	"github.com/kestrel-ai/kestrel/pkg/observability"
	"github.com/kestrel-ai/kestrel/pkg/permission"
	"github.com/kestrel-ai/kestrel/pkg/store"
)

// AgentRunner drives one reasoning turn. The engine satisfies this.
type AgentRunner interface {
	Run(ctx context.Context, req engine.Request, events chan<- engine.Event) (*engine.State, error)
}

// SkillRunner executes a skill workflow. The skill runner satisfies this.
type SkillRunner interface {
	Run(ctx context.Context, skill *catalog.Skill, input map[string]interface{}) (map[string]interface{}, error)
}

// ToolLister exposes the invocable tools. The tool executor satisfies this.
type ToolLister interface {
	ListTools(ctx context.Context) ([]*catalog.Tool, error)
}

// Server is the kestrel HTTP server.
type Server struct {
	cfg           *config.Config
	agent         AgentRunner
	tools         ToolLister
	skills        SkillRunner
	catalog       catalog.Store
	conversations store.Store

	httpServer *http.Server
	log        *slog.Logger
}

// New wires the HTTP server over its collaborators.
func New(cfg *config.Config, agent AgentRunner, tools ToolLister, skills SkillRunner, cat catalog.Store, conversations store.Store) *Server {
	s := &Server{
		cfg:           cfg,
		agent:         agent,
		tools:         tools,
		skills:        skills,
		catalog:       cat,
		conversations: conversations,
		log:           logger.Component("server"),
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Post("/chat/stream", s.handleChatStream)
		r.Get("/tools", s.handleListTools)
		r.Get("/skills", s.handleListSkills)
		r.Post("/skills/{name}/run", s.handleRunSkill)
		r.Get("/conversations/{id}/messages", s.handleListMessages)
	})
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", observability.MetricsHandler())

	return r
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("HTTP server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// subjectFrom reads the acting user from the request headers. An absent
// X-User-Id yields an anonymous subject.
func subjectFrom(r *http.Request) permission.Subject {
	return permission.Subject{
		UserID:     r.Header.Get("X-User-Id"),
		Department: r.Header.Get("X-Department"),
		Roles:      splitList(r.Header.Get("X-Roles")),
		Superuser:  r.Header.Get("X-Superuser") == "true",
	}
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
