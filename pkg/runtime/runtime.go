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

// Package runtime assembles and supervises the service: stores first,
// then the decision pipeline, then the ingress. Shutdown runs in
// reverse, draining the queue before the stores close.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/trailmem/trailmem/pkg/classifier"
	"github.com/trailmem/trailmem/pkg/config"
	"github.com/trailmem/trailmem/pkg/coordinator"
	"github.com/trailmem/trailmem/pkg/embedder"
	"github.com/trailmem/trailmem/pkg/ingress"
	"github.com/trailmem/trailmem/pkg/llms"
	"github.com/trailmem/trailmem/pkg/metrics"
	"github.com/trailmem/trailmem/pkg/processor"
	"github.com/trailmem/trailmem/pkg/queue"
	"github.com/trailmem/trailmem/pkg/rules"
	"github.com/trailmem/trailmem/pkg/store"
	"github.com/trailmem/trailmem/pkg/toolserver"
	"github.com/trailmem/trailmem/pkg/tree"
	"github.com/trailmem/trailmem/pkg/vector"
)

// Runtime holds every running component of the service.
type Runtime struct {
	cfg *config.Config

	store      *store.Store
	vectors    vector.Provider
	embedder   embedder.Embedder
	lm         llms.LanguageModel
	queue      *queue.Queue
	reconciler *tree.Reconciler
	metrics    *metrics.Metrics
	processor  *processor.Processor
	ingress    *ingress.Server
}

// New builds the full component graph: opens both stores, replays any
// unreconciled writes, warms the reconciler from persisted sessions,
// and loads procedural rules.
func New(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	if err := os.MkdirAll(cfg.Storage.Path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}

	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open structured store: %w", err)
	}

	pending := store.NewPendingLog(cfg.Storage.Path)
	if _, err := pending.Replay(ctx, st); err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to replay unreconciled writes: %w", err)
	}

	vectors, err := vector.NewChromemProvider(vector.ChromemConfig{
		PersistPath: cfg.Storage.Path,
		Compress:    cfg.Storage.Compress,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to open vector store: %w", err)
	}

	emb, err := embedder.New(cfg.Embedder)
	if err != nil {
		st.Close()
		return nil, err
	}

	lm, err := llms.New(cfg.LLM)
	if err != nil {
		st.Close()
		return nil, err
	}

	ruleList, err := st.ListRules(ctx)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to load procedural rules: %w", err)
	}

	reconciler := tree.New(tree.Config{
		MaxOrphanAge:     cfg.Tree.MaxOrphanAge,
		MaxOrphanRetries: cfg.Tree.MaxOrphanRetries,
	})
	sessions, err := st.ListPageSessions(ctx)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to load page sessions: %w", err)
	}
	reconciler.Warm(sessions)
	slog.Info("Reconciler warmed from structured store",
		"sessions", len(sessions),
		"rules", len(ruleList))

	met := metrics.New()
	q := queue.New(cfg.Server.QueueCapacity)
	cls := classifier.New(rules.NewEngine(ruleList), lm, emb, st, cfg.Classifier)
	coord := coordinator.New(vectors, st, emb, pending, met)
	proc := processor.New(q, reconciler, cls, coord, met, processor.Options{
		MaxConcurrent: cfg.Classifier.MaxConcurrent,
		RetryInterval: cfg.Tree.RetryInterval,
		DrainTimeout:  cfg.Server.DrainTimeout,
	})
	ing := ingress.New(q, met, cfg.Server.Port, cfg.Storage.Path)

	return &Runtime{
		cfg:        cfg,
		store:      st,
		vectors:    vectors,
		embedder:   emb,
		lm:         lm,
		queue:      q,
		reconciler: reconciler,
		metrics:    met,
		processor:  proc,
		ingress:    ing,
	}, nil
}

// Run serves until ctx is cancelled, then shuts everything down in
// reverse dependency order.
func (r *Runtime) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.ingress.Start(gctx) })
	g.Go(func() error { return r.processor.Run(gctx) })
	g.Go(func() error { return r.processor.RunRetryTimer(gctx) })

	err := g.Wait()
	r.close()
	return err
}

// RunTools serves the retrieval tool surface over standard streams.
// Only the vector store and embedder are opened; no pipeline runs.
func RunTools(ctx context.Context, cfg *config.Config) error {
	vectors, err := vector.NewChromemProvider(vector.ChromemConfig{
		PersistPath: cfg.Storage.Path,
		Compress:    cfg.Storage.Compress,
	})
	if err != nil {
		return fmt.Errorf("failed to open vector store: %w", err)
	}
	defer vectors.Close()

	emb, err := embedder.New(cfg.Embedder)
	if err != nil {
		return err
	}
	defer emb.Close()

	srv := toolserver.New(vectors, emb, os.Stdout)
	return srv.Serve(ctx, os.Stdin)
}

func (r *Runtime) close() {
	if err := r.lm.Close(); err != nil {
		slog.Warn("Failed to close language model", "error", err)
	}
	if err := r.embedder.Close(); err != nil {
		slog.Warn("Failed to close embedder", "error", err)
	}
	if err := r.vectors.Close(); err != nil {
		slog.Warn("Failed to close vector store", "error", err)
	}
	if err := r.store.Close(); err != nil {
		slog.Warn("Failed to close structured store", "error", err)
	}
	slog.Info("Shutdown complete")
}
