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

// Package coordinator writes decided pages to the vector and structured
// stores in a fixed order: content and embedding first, metadata row
// second. A metadata write that fails after the vector write landed is
// recorded in the pending log and replayed on the next startup, so the
// two stores converge without ever losing indexed content.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/trailmem/trailmem/pkg/embedder"
	"github.com/trailmem/trailmem/pkg/metrics"
	"github.com/trailmem/trailmem/pkg/model"
	"github.com/trailmem/trailmem/pkg/store"
	"github.com/trailmem/trailmem/pkg/tree"
	"github.com/trailmem/trailmem/pkg/vector"
)

// StructuredStore is the subset of the relational store the coordinator
// writes to.
type StructuredStore interface {
	InsertTree(ctx context.Context, treeID, rootPageID string) error
	InsertPageSession(ctx context.Context, ps model.PageSession) (bool, error)
}

// Coordinator owns the dual-store write path.
type Coordinator struct {
	vectors  vector.Provider
	store    StructuredStore
	embedder embedder.Embedder
	pending  *store.PendingLog
	metrics  *metrics.Metrics
	now      func() time.Time
}

// New creates a coordinator.
func New(vectors vector.Provider, st StructuredStore, emb embedder.Embedder, pending *store.PendingLog, met *metrics.Metrics) *Coordinator {
	return &Coordinator{
		vectors:  vectors,
		store:    st,
		embedder: emb,
		pending:  pending,
		metrics:  met,
		now:      time.Now,
	}
}

// Persist writes one decided placement. Kept pages get a vector
// document plus a metadata row; filtered pages get only a lightweight
// row recording the decision. Returns whether the row was new.
func (c *Coordinator) Persist(ctx context.Context, pl tree.Placement, decision model.Decision) (bool, error) {
	ps := sessionFromPlacement(pl, decision, c.now())

	if decision.ShouldProcess {
		if err := c.writeVector(ctx, pl); err != nil {
			return false, fmt.Errorf("vector write for page %s: %w", ps.ID, err)
		}
	}

	return c.writeRow(ctx, ps, pl.NewTree)
}

// writeVector embeds the page content and upserts the document. Nothing
// is written to the structured store until this succeeds.
func (c *Coordinator) writeVector(ctx context.Context, pl tree.Placement) error {
	emb, err := c.embedder.Embed(ctx, pl.Visit.RawContent)
	if err != nil {
		return fmt.Errorf("embedding failed: %w", err)
	}

	doc := vector.Document{
		ID:        pl.Visit.ID,
		Content:   pl.Visit.RawContent,
		Embedding: emb,
		Metadata: map[string]string{
			"url":            pl.Visit.URL,
			"title":          pl.Visit.Title,
			"page_loaded_at": pl.Visit.PageLoadedAt.Format(time.RFC3339Nano),
		},
	}
	return c.vectors.Upsert(ctx, doc)
}

// writeRow inserts the tree edge and session row. On failure the full
// row goes to the pending log and the error is swallowed: the vector
// document already exists and replay will restore the row.
func (c *Coordinator) writeRow(ctx context.Context, ps model.PageSession, newTree bool) (bool, error) {
	if newTree {
		if err := c.store.InsertTree(ctx, ps.TreeID, ps.ID); err != nil {
			return false, c.logPending(ps, newTree, err)
		}
	}
	inserted, err := c.store.InsertPageSession(ctx, ps)
	if err != nil {
		return false, c.logPending(ps, newTree, err)
	}
	return inserted, nil
}

func (c *Coordinator) logPending(ps model.PageSession, newTree bool, cause error) error {
	slog.Error("Structured write failed, deferring to pending log",
		"page_id", ps.ID,
		"error", cause)
	if err := c.pending.Append(store.FromPageSession(ps, newTree)); err != nil {
		return fmt.Errorf("structured write failed (%v) and pending log append failed: %w", cause, err)
	}
	c.metrics.PendingDeferred.Inc()
	return nil
}

func sessionFromPlacement(pl tree.Placement, decision model.Decision, now time.Time) model.PageSession {
	v := pl.Visit
	return model.PageSession{
		ID:              v.ID,
		URL:             v.URL,
		PageLoadedAt:    v.PageLoadedAt,
		PageLoadedAtRaw: v.PageLoadedAtRaw,
		TabID:           v.TabID,
		OpenerTabID:     v.OpenerTabID,
		GroupID:         pl.GroupID,
		TreeID:          pl.TreeID,
		ParentPageID:    pl.ParentPageID,
		Title:           v.Title,
		Classification:  decision,
		ProcessedAt:     now,
	}
}
