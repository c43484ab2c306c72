// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package processor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trailmem/trailmem/pkg/classifier"
	"github.com/trailmem/trailmem/pkg/config"
	"github.com/trailmem/trailmem/pkg/coordinator"
	"github.com/trailmem/trailmem/pkg/embedder"
	"github.com/trailmem/trailmem/pkg/metrics"
	"github.com/trailmem/trailmem/pkg/model"
	"github.com/trailmem/trailmem/pkg/queue"
	"github.com/trailmem/trailmem/pkg/rules"
	"github.com/trailmem/trailmem/pkg/store"
	"github.com/trailmem/trailmem/pkg/tree"
	"github.com/trailmem/trailmem/pkg/vector"
)

type fakeLM struct {
	mu       sync.Mutex
	response string
	err      error
	calls    int
}

func (f *fakeLM) CompleteJSON(ctx context.Context, system, user string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.response, f.err
}
func (f *fakeLM) GetModelName() string { return "fake" }
func (f *fakeLM) Close() error         { return nil }

type memStore struct {
	mu       sync.Mutex
	trees    map[string]string
	sessions []model.PageSession
}

func newMemStore() *memStore {
	return &memStore{trees: make(map[string]string)}
}

func (m *memStore) InsertTree(ctx context.Context, treeID, rootPageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trees[treeID]; !ok {
		m.trees[treeID] = rootPageID
	}
	return nil
}

func (m *memStore) InsertPageSession(ctx context.Context, ps model.PageSession) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.sessions {
		if existing.ID == ps.ID {
			return false, nil
		}
	}
	m.sessions = append(m.sessions, ps)
	return true, nil
}

func (m *memStore) byID(id string) (model.PageSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ps := range m.sessions {
		if ps.ID == id {
			return ps, true
		}
	}
	return model.PageSession{}, false
}

type harness struct {
	queue      *queue.Queue
	reconciler *tree.Reconciler
	store      *memStore
	vectors    vector.Provider
	processor  *Processor
}

func newHarness(t *testing.T, lm *fakeLM) *harness {
	t.Helper()

	q := queue.New(64)
	rec := tree.New(tree.Config{MaxOrphanAge: time.Minute, MaxOrphanRetries: 5})
	st := newMemStore()
	vectors, err := vector.NewChromemProvider(vector.ChromemConfig{})
	require.NoError(t, err)

	emb := embedder.NewLocalEmbedder(32)
	cfg := config.ClassifierConfig{
		AllowedTypes:      []string{"knowledge"},
		MinConfidence:     0.5,
		EpisodicK:         5,
		EpisodicAgreement: 3,
		MaxConcurrent:     2,
	}
	met := metrics.New()
	cls := classifier.New(rules.NewEngine(nil), lm, emb, nil, cfg)
	coord := coordinator.New(vectors, st, emb, store.NewPendingLog(t.TempDir()), met)
	proc := New(q, rec, cls, coord, met, Options{
		MaxConcurrent: 2,
		RetryInterval: 10 * time.Millisecond,
		DrainTimeout:  time.Second,
	})

	return &harness{queue: q, reconciler: rec, store: st, vectors: vectors, processor: proc}
}

func visit(id, tab, opener string, offset time.Duration) model.Visit {
	return model.Visit{
		ID:           id,
		URL:          "https://docs.example.com/" + id,
		PageLoadedAt: time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC).Add(offset),
		TabID:        tab,
		OpenerTabID:  opener,
		Title:        id,
		RawContent:   "content of " + id,
	}
}

const keepResponse = `{"page_type":"knowledge","confidence":0.9,"reasoning":"docs","should_process":true}`

func TestHandle_KeptPageLandsInBothStores(t *testing.T) {
	h := newHarness(t, &fakeLM{response: keepResponse})
	ctx := context.Background()

	h.processor.handle(ctx, visit("p1", "tab1", "", 0))

	ps, ok := h.store.byID("p1")
	require.True(t, ok)
	assert.Equal(t, "t-p1", ps.TreeID)
	assert.True(t, ps.Classification.ShouldProcess)
	assert.Equal(t, "p1", h.store.trees["t-p1"])

	doc, err := h.vectors.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "content of p1", doc.Content)
}

func TestHandle_FilteredPageGetsRowOnly(t *testing.T) {
	lm := &fakeLM{response: `{"page_type":"leisure","confidence":0.9,"reasoning":"fun","should_process":true}`}
	h := newHarness(t, lm)
	ctx := context.Background()

	h.processor.handle(ctx, visit("p1", "tab1", "", 0))

	ps, ok := h.store.byID("p1")
	require.True(t, ok)
	assert.False(t, ps.Classification.ShouldProcess)
	assert.Equal(t, model.PageTypeLeisure, ps.Classification.PageType)

	_, err := h.vectors.Get(ctx, "p1")
	assert.ErrorIs(t, err, vector.ErrNotFound)
}

func TestHandle_LMFailureDiscardsContent(t *testing.T) {
	h := newHarness(t, &fakeLM{err: errors.New("timeout")})
	ctx := context.Background()

	h.processor.handle(ctx, visit("p1", "tab1", "", 0))

	ps, ok := h.store.byID("p1")
	require.True(t, ok)
	assert.False(t, ps.Classification.ShouldProcess)
	assert.Equal(t, "lm_fail", ps.Classification.Reasoning)

	_, err := h.vectors.Get(ctx, "p1")
	assert.ErrorIs(t, err, vector.ErrNotFound)
}

func TestHandle_OrphanReconnectsInOrder(t *testing.T) {
	h := newHarness(t, &fakeLM{response: keepResponse})
	ctx := context.Background()

	// Child arrives first and defers.
	h.processor.handle(ctx, visit("child", "tab2", "tab1", time.Second))
	_, ok := h.store.byID("child")
	assert.False(t, ok)

	// Parent arrives; child is persisted right after it.
	h.processor.handle(ctx, visit("parent", "tab1", "", 0))

	parent, ok := h.store.byID("parent")
	require.True(t, ok)
	child, ok := h.store.byID("child")
	require.True(t, ok)
	assert.Equal(t, parent.TreeID, child.TreeID)
	assert.Equal(t, "parent", child.ParentPageID)
	assert.Equal(t, 2, len(h.store.sessions))
	assert.Equal(t, "parent", h.store.sessions[0].ID)
	assert.Equal(t, "child", h.store.sessions[1].ID)
}

func TestHandle_DuplicateDropped(t *testing.T) {
	h := newHarness(t, &fakeLM{response: keepResponse})
	ctx := context.Background()

	v := visit("p1", "tab1", "", 0)
	h.processor.handle(ctx, v)
	h.processor.handle(ctx, v)

	assert.Len(t, h.store.sessions, 1)
}

func TestRun_DrainsQueueOnCancel(t *testing.T) {
	h := newHarness(t, &fakeLM{response: keepResponse})

	for i, id := range []string{"a", "b", "c"} {
		_, err := h.queue.TryEnqueue(visit(id, "tab1", "", time.Duration(i)*time.Second))
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, h.processor.Run(ctx))

	assert.Len(t, h.store.sessions, 3)
	assert.Equal(t, 0, h.queue.Depth())
}

func TestRunRetryTimer_ExpiresOrphans(t *testing.T) {
	h := newHarness(t, &fakeLM{response: keepResponse})
	ctx := context.Background()

	// An orphan whose parent never shows up.
	h.processor.handle(ctx, visit("lost", "tab2", "tab-gone", 0))
	require.Equal(t, 1, h.reconciler.OrphanCount())

	timerCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	// MaxOrphanRetries is 5 and the sweep fires every 10ms, so the
	// entry runs out of retries well within the window.
	require.NoError(t, h.processor.RunRetryTimer(timerCtx))

	assert.Equal(t, 0, h.reconciler.OrphanCount())
	_, ok := h.store.byID("lost")
	assert.False(t, ok)
}
