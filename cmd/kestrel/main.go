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

// Command kestrel runs the agent orchestration server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kestrel-ai/kestrel/pkg/catalog"
	"github.com/kestrel-ai/kestrel/pkg/checkpoint"
	"github.com/kestrel-ai/kestrel/pkg/config"
	"github.com/kestrel-ai/kestrel/pkg/engine"
	"github.com/kestrel-ai/kestrel/pkg/llm"
	"github.com/kestrel-ai/kestrel/pkg/logger"
	"github.com/kestrel-ai/kestrel/pkg/server"
	"github.com/kestrel-ai/kestrel/pkg/skill"
	"github.com/kestrel-ai/kestrel/pkg/store"
	"github.com/kestrel-ai/kestrel/pkg/tool"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to YAML configuration")
	seed := flag.Bool("seed", false, "load the demo catalog on startup")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	level, err := logger.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logger.Init(level, os.Stderr, cfg.Logging.Format)
	log := logger.Component("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cat, err := catalog.NewSQLStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open catalog store: %w", err)
	}
	defer cat.Close()

	conversations, err := store.NewSQLStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open conversation store: %w", err)
	}
	defer conversations.Close()

	if *seed {
		if err := catalog.Seed(ctx, cat); err != nil {
			return fmt.Errorf("failed to seed catalog: %w", err)
		}
		log.Info("Demo catalog loaded")
	}

	gateway, err := llm.NewGateway(cfg.Providers)
	if err != nil {
		return fmt.Errorf("failed to build LLM gateway: %w", err)
	}
	defer gateway.Close()

	executor := tool.NewExecutor(cat)
	skills := skill.NewRunner(executor, cat, skill.WithMaxParallel(int64(cfg.Engine.MaxParallelNodes)))
	checkpoints := checkpoint.NewManager(conversations, cfg.Engine.CheckpointsEnabled())
	eng := engine.New(gateway, executor, checkpoints, &cfg.Engine)

	srv := server.New(cfg, eng, executor, skills, cat, conversations)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
