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

// Package processor is the single consumer behind the visit queue: it
// pulls visits in arrival order, runs tree placement, classifies every
// resulting placement, and hands decided pages to the write
// coordinator. A companion timer task sweeps the deferral table.
package processor

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/trailmem/trailmem/pkg/classifier"
	"github.com/trailmem/trailmem/pkg/coordinator"
	"github.com/trailmem/trailmem/pkg/metrics"
	"github.com/trailmem/trailmem/pkg/model"
	"github.com/trailmem/trailmem/pkg/queue"
	"github.com/trailmem/trailmem/pkg/tree"
)

// Options tunes the processor.
type Options struct {
	// MaxConcurrent bounds in-flight classifications per placement
	// batch.
	MaxConcurrent int

	// RetryInterval is the deferral sweep period.
	RetryInterval time.Duration

	// DrainTimeout bounds queue draining on shutdown.
	DrainTimeout time.Duration
}

// Processor wires the queue to the decision pipeline.
type Processor struct {
	queue      *queue.Queue
	reconciler *tree.Reconciler
	classifier *classifier.Classifier
	coord      *coordinator.Coordinator
	metrics    *metrics.Metrics
	opts       Options
}

// New creates a processor.
func New(q *queue.Queue, rec *tree.Reconciler, cls *classifier.Classifier, coord *coordinator.Coordinator, met *metrics.Metrics, opts Options) *Processor {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	return &Processor{
		queue:      q,
		reconciler: rec,
		classifier: cls,
		coord:      coord,
		metrics:    met,
		opts:       opts,
	}
}

// Run consumes visits until ctx is cancelled, then drains whatever is
// still queued within the drain timeout. Always returns nil after
// draining; individual visit failures are logged, never fatal.
func (p *Processor) Run(ctx context.Context) error {
	for {
		v, err := p.queue.Dequeue(ctx)
		if err != nil {
			break // cancelled
		}
		p.handle(context.WithoutCancel(ctx), v)
	}

	p.drain()
	return nil
}

// drain empties the queue with a bounded deadline so visits accepted
// before shutdown still land on disk.
func (p *Processor) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.DrainTimeout)
	defer cancel()

	drained := 0
	for {
		v, ok := p.queue.TryDequeue()
		if !ok {
			break
		}
		if ctx.Err() != nil {
			slog.Warn("Drain timeout reached, dropping queued visits", "remaining", p.queue.Depth()+1)
			return
		}
		p.handle(ctx, v)
		drained++
	}
	if drained > 0 {
		slog.Info("Drained visit queue on shutdown", "visits", drained)
	}
}

// RunRetryTimer sweeps the deferral table every retry interval until
// ctx is cancelled. Reconnected placements go through the same
// classify-and-persist path as fresh ones.
func (p *Processor) RunRetryTimer(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			placements, expired := p.reconciler.RetryDeferred()
			for _, e := range expired {
				slog.Info("Dropping deferred visit",
					"page_id", e.Visit.ID,
					"url", e.Visit.URL,
					"waited_for_tab", e.ExpectedParentTabID,
					"retries", e.RetryCount)
				p.metrics.OrphansExpired.Inc()
			}
			if len(placements) > 0 {
				p.process(ctx, placements)
			}
			p.metrics.OrphansActive.Set(float64(p.reconciler.OrphanCount()))
		}
	}
}

// handle runs one visit through placement and processing.
func (p *Processor) handle(ctx context.Context, v model.Visit) {
	placements, outcome := p.reconciler.Offer(v)
	p.metrics.QueueDepth.Set(float64(p.queue.Depth()))

	switch outcome {
	case tree.OutcomeDuplicate:
		slog.Debug("Dropping duplicate visit", "page_id", v.ID, "url", v.URL)
		p.metrics.PagesDuplicate.Inc()
		return
	case tree.OutcomeDeferred:
		slog.Debug("Deferred visit waiting for parent",
			"page_id", v.ID,
			"opener_tab", v.OpenerTabID)
		p.metrics.OrphansActive.Set(float64(p.reconciler.OrphanCount()))
		return
	}

	p.process(ctx, placements)
	p.metrics.OrphansActive.Set(float64(p.reconciler.OrphanCount()))
}

// process classifies a placement batch concurrently, then persists in
// batch order so parents land before the orphans they reconnected.
func (p *Processor) process(ctx context.Context, placements []tree.Placement) {
	decisions := make([]model.Decision, len(placements))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.MaxConcurrent)
	for i, pl := range placements {
		g.Go(func() error {
			decisions[i] = p.classifier.Classify(gctx, pl.Visit, p.reconciler.GroupSize(pl.GroupID))
			return nil
		})
	}
	_ = g.Wait() // Classify never fails; it degrades to a default decision.

	for i, pl := range placements {
		p.persist(ctx, pl, decisions[i])
	}
}

func (p *Processor) persist(ctx context.Context, pl tree.Placement, d model.Decision) {
	if d.Reasoning == "lm_fail" {
		p.metrics.LMFailures.Inc()
	}

	if _, err := p.coord.Persist(ctx, pl, d); err != nil {
		slog.Error("Failed to persist page",
			"page_id", pl.Visit.ID,
			"url", pl.Visit.URL,
			"error", err)
		return
	}

	if d.ShouldProcess {
		p.metrics.PagesPersisted.Inc()
		slog.Info("Persisted page",
			"page_id", pl.Visit.ID,
			"tree_id", pl.TreeID,
			"type", d.PageType,
			"confidence", d.Confidence)
	} else {
		p.metrics.PagesFiltered.Inc()
		slog.Debug("Filtered page",
			"page_id", pl.Visit.ID,
			"type", d.PageType,
			"reasoning", d.Reasoning)
	}
}
