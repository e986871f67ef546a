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

package config

import "fmt"

// EngineConfig configures the reasoning loop and skill runner.
type EngineConfig struct {
	// MaxIterations caps tool-calling rounds in the reasoning loop.
	MaxIterations int `yaml:"max_iterations,omitempty"`

	// Planner toggles intent classification on the first iteration.
	Planner *bool `yaml:"planner,omitempty"`

	// Validator toggles the advisory compliance scan of tool results.
	Validator *bool `yaml:"validator,omitempty"`

	// StreamQueueSize bounds the SSE fan-in queue.
	StreamQueueSize int `yaml:"stream_queue_size,omitempty"`

	// MaxParallelNodes bounds concurrent skill DAG nodes.
	MaxParallelNodes int `yaml:"max_parallel_nodes,omitempty"`

	// Checkpoints toggles per-transition state checkpointing.
	Checkpoints *bool `yaml:"checkpoints,omitempty"`
}

func (c *EngineConfig) SetDefaults() {
	if c.MaxIterations == 0 {
		c.MaxIterations = 10
	}
	if c.Planner == nil {
		v := true
		c.Planner = &v
	}
	if c.Validator == nil {
		v := true
		c.Validator = &v
	}
	if c.StreamQueueSize == 0 {
		c.StreamQueueSize = 100
	}
	if c.MaxParallelNodes == 0 {
		c.MaxParallelNodes = 10
	}
	if c.Checkpoints == nil {
		v := true
		c.Checkpoints = &v
	}
}

// PlannerEnabled reports whether intent classification runs.
func (c *EngineConfig) PlannerEnabled() bool {
	return c.Planner == nil || *c.Planner
}

// ValidatorEnabled reports whether the compliance scan runs.
func (c *EngineConfig) ValidatorEnabled() bool {
	return c.Validator == nil || *c.Validator
}

// CheckpointsEnabled reports whether state checkpointing runs.
func (c *EngineConfig) CheckpointsEnabled() bool {
	return c.Checkpoints == nil || *c.Checkpoints
}

func (c *EngineConfig) Validate() error {
	if c.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be at least 1")
	}
	if c.MaxParallelNodes < 1 {
		return fmt.Errorf("max_parallel_nodes must be at least 1")
	}
	return nil
}
