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

// Package skill runs declarative tool DAGs: nodes execute level by level,
// parallel within a level, with parameter references resolved against the
// accumulated run context.
package skill

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kestrel-ai/kestrel/pkg/catalog"
)

// CycleError reports a dependency cycle, listing the node ids that could
// not be scheduled.
type CycleError struct {
	Remaining []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle among nodes: %s", strings.Join(e.Remaining, ", "))
}

// Plan computes the level-parallel execution order of a workflow. Each
// returned group holds node ids whose dependencies are all satisfied by
// earlier groups. Cycles and unknown dependencies are detected before any
// node runs.
func Plan(nodes []catalog.WorkflowNode) ([][]string, error) {
	known := make(map[string]bool, len(nodes))
	for _, node := range nodes {
		if known[node.ID] {
			return nil, fmt.Errorf("duplicate node id %q", node.ID)
		}
		known[node.ID] = true
	}
	for _, node := range nodes {
		for _, dep := range node.DependsOn {
			if !known[dep] {
				return nil, fmt.Errorf("node %q depends on unknown node %q", node.ID, dep)
			}
		}
	}

	pending := make(map[string][]string, len(nodes))
	for _, node := range nodes {
		pending[node.ID] = node.DependsOn
	}

	completed := make(map[string]bool, len(nodes))
	var levels [][]string

	for len(pending) > 0 {
		var ready []string
		for id, deps := range pending {
			ok := true
			for _, dep := range deps {
				if !completed[dep] {
					ok = false
					break
				}
			}
			if ok {
				ready = append(ready, id)
			}
		}

		if len(ready) == 0 {
			remaining := make([]string, 0, len(pending))
			for id := range pending {
				remaining = append(remaining, id)
			}
			sort.Strings(remaining)
			return nil, &CycleError{Remaining: remaining}
		}

		sort.Strings(ready)
		for _, id := range ready {
			completed[id] = true
			delete(pending, id)
		}
		levels = append(levels, ready)
	}

	return levels, nil
}
