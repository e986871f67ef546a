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

package checkpoint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-ai/kestrel/pkg/store"
)

type loopState struct {
	Phase     string `json:"phase"`
	Iteration int    `json:"iteration"`
}

func TestManager_SaveLoadClear(t *testing.T) {
	ctx := context.Background()
	m := NewManager(store.NewMemoryStore(), true)
	require.True(t, m.IsEnabled())

	var missing loopState
	found, err := m.Load(ctx, "sess", &missing)
	require.NoError(t, err)
	assert.False(t, found)

	m.Save(ctx, "sess", &loopState{Phase: "think", Iteration: 2})

	var restored loopState
	found, err = m.Load(ctx, "sess", &restored)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "think", restored.Phase)
	assert.Equal(t, 2, restored.Iteration)

	m.Clear(ctx, "sess")
	found, err = m.Load(ctx, "sess", &restored)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestManager_Disabled(t *testing.T) {
	ctx := context.Background()

	m := NewManager(nil, true)
	assert.False(t, m.IsEnabled())
	m.Save(ctx, "sess", &loopState{})

	m = NewManager(store.NewMemoryStore(), false)
	m.Save(ctx, "sess", &loopState{Phase: "think"})
	var restored loopState
	found, err := m.Load(ctx, "sess", &restored)
	require.NoError(t, err)
	assert.False(t, found)
}
