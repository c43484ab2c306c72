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

// Package tree places visits into causal navigation trees.
//
// A visit either attaches under the most recent page of its own tab, of
// its opener tab, or of its tab group; roots a new tree; or — when a
// parent is expected but has not arrived yet — is deferred as an orphan
// until the parent shows up or the deferral ages out.
//
// All placement state (latest-page indexes, the deferral table, group
// sizes) lives behind one mutex shared by the visit consumer and the
// retry timer. The lock covers only pure in-memory decisions; callers do
// I/O, classification, and embedding outside it.
package tree

import (
	"sort"
	"sync"
	"time"

	"github.com/trailmem/trailmem/pkg/model"
)

// Outcome is the reconciler's verdict for an offered visit.
type Outcome int

const (
	// OutcomePlaced means the visit (and possibly reconnected orphans)
	// produced placements to classify and persist.
	OutcomePlaced Outcome = iota

	// OutcomeDeferred means the visit waits in the deferral table for
	// its opener's page to arrive.
	OutcomeDeferred

	// OutcomeDuplicate means a page with the same id was already
	// placed; the visit is dropped.
	OutcomeDuplicate
)

// Placement is one page's position in a tree, ready for classification.
type Placement struct {
	Visit        model.Visit
	TreeID       string
	ParentPageID string // empty for a root
	NewTree      bool

	// GroupID is the effective group: a reconnected orphan inherits
	// its parent's group when they differ.
	GroupID string

	// Reconnected marks placements that spent time in the deferral
	// table.
	Reconnected bool
}

// OrphanEntry is a deferred visit waiting for its opener's page.
type OrphanEntry struct {
	Visit               model.Visit
	ExpectedParentTabID string
	FirstSeenAt         time.Time
	RetryCount          int
}

// Config bounds the deferral table.
type Config struct {
	MaxOrphanAge     time.Duration
	MaxOrphanRetries int
}

// pageRef is the reconciler's view of an already-placed page.
type pageRef struct {
	id       string
	treeID   string
	groupID  string
	loadedAt time.Time
	arrival  uint64
}

// newer reports whether a should replace b as "most recent": later load
// time wins, arrival order breaks exact ties.
func (a pageRef) newer(b pageRef) bool {
	if !a.loadedAt.Equal(b.loadedAt) {
		return a.loadedAt.After(b.loadedAt)
	}
	return a.arrival > b.arrival
}

// Reconciler owns all tree placement state.
type Reconciler struct {
	mu sync.Mutex

	cfg           Config
	latestByTab   map[string]pageRef
	latestByGroup map[string]pageRef
	groupSize     map[string]int
	seen          map[string]struct{}

	// orphans is keyed by the tab id the deferred visit is waiting on.
	orphans     map[string][]*OrphanEntry
	orphanTotal int

	now func() time.Time
}

// New creates an empty reconciler.
func New(cfg Config) *Reconciler {
	return &Reconciler{
		cfg:           cfg,
		latestByTab:   make(map[string]pageRef),
		latestByGroup: make(map[string]pageRef),
		groupSize:     make(map[string]int),
		seen:          make(map[string]struct{}),
		orphans:       make(map[string][]*OrphanEntry),
		now:           time.Now,
	}
}

// Warm rebuilds the latest-page indexes from previously persisted
// sessions so trees continue across restarts. Pages must arrive in
// persisted order.
func (r *Reconciler) Warm(pages []model.PageSession) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, ps := range pages {
		ref := pageRef{
			id:       ps.ID,
			treeID:   ps.TreeID,
			groupID:  ps.GroupID,
			loadedAt: ps.PageLoadedAt,
			arrival:  uint64(i),
		}
		r.commit(ps.TabID, ref)
	}
}

// Offer runs the placement policy for a visit. On OutcomePlaced the
// returned slice starts with the visit's own placement followed by any
// orphans reconnected by it, in the order they must be processed.
func (r *Reconciler) Offer(v model.Visit) ([]Placement, Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.seen[v.ID]; dup {
		return nil, OutcomeDuplicate
	}

	pl, ok := r.place(v, false)
	if !ok {
		entry := &OrphanEntry{
			Visit:               v,
			ExpectedParentTabID: v.OpenerTabID,
			FirstSeenAt:         r.now(),
		}
		r.orphans[v.OpenerTabID] = append(r.orphans[v.OpenerTabID], entry)
		r.orphanTotal++
		return nil, OutcomeDeferred
	}

	placements := append([]Placement{pl}, r.cascade(v.TabID)...)
	return placements, OutcomePlaced
}

// place applies placement rules in order. It returns ok=false only for
// the deferral case: an opener is named but rules 1-3 found no parent.
// On success the placement is committed to the indexes immediately, so
// it can serve as a parent for cascaded reconnects.
func (r *Reconciler) place(v model.Visit, reconnected bool) (Placement, bool) {
	var (
		parent pageRef
		found  bool
	)

	// Parent in the same tab.
	if p, ok := r.latestByTab[v.TabID]; ok {
		parent, found = p, true
	}
	// Parent in the opener tab.
	if !found && v.OpenerTabID != "" {
		if p, ok := r.latestByTab[v.OpenerTabID]; ok {
			parent, found = p, true
		}
	}
	// Explicit group continuation.
	if !found && v.GroupID != "" {
		if p, ok := r.latestByGroup[v.GroupID]; ok {
			parent, found = p, true
		}
	}

	if !found {
		if v.OpenerTabID != "" {
			return Placement{}, false
		}
		// New root: the tree id derives from the root page id.
		pl := Placement{
			Visit:       v,
			TreeID:      "t-" + v.ID,
			NewTree:     true,
			GroupID:     v.GroupID,
			Reconnected: reconnected,
		}
		r.commit(v.TabID, pageRef{
			id:       v.ID,
			treeID:   pl.TreeID,
			groupID:  pl.GroupID,
			loadedAt: v.PageLoadedAt,
			arrival:  v.Arrival,
		})
		return pl, true
	}

	groupID := v.GroupID
	if reconnected && parent.groupID != "" && parent.groupID != groupID {
		groupID = parent.groupID
	}

	pl := Placement{
		Visit:        v,
		TreeID:       parent.treeID,
		ParentPageID: parent.id,
		GroupID:      groupID,
		Reconnected:  reconnected,
	}
	r.commit(v.TabID, pageRef{
		id:       v.ID,
		treeID:   pl.TreeID,
		groupID:  groupID,
		loadedAt: v.PageLoadedAt,
		arrival:  v.Arrival,
	})
	return pl, true
}

// commit records a placed page in the shared indexes.
func (r *Reconciler) commit(tabID string, ref pageRef) {
	r.seen[ref.id] = struct{}{}

	if cur, ok := r.latestByTab[tabID]; !ok || ref.newer(cur) {
		r.latestByTab[tabID] = ref
	}
	if ref.groupID != "" {
		if cur, ok := r.latestByGroup[ref.groupID]; !ok || ref.newer(cur) {
			r.latestByGroup[ref.groupID] = ref
		}
		r.groupSize[ref.groupID]++
	}
}

// cascade reconnects every orphan waiting on tabID, recursively freeing
// orphans that waited on the reconnected pages' tabs. Reconnected
// placements must be processed before any queued newer visit, which the
// caller honors by consuming the returned slice in order.
func (r *Reconciler) cascade(tabID string) []Placement {
	pending := r.orphans[tabID]
	if len(pending) == 0 {
		return nil
	}
	delete(r.orphans, tabID)

	var out []Placement
	for _, entry := range pending {
		// A visit posted again while orphaned leaves a second entry;
		// only the first reconnect may place it.
		if _, dup := r.seen[entry.Visit.ID]; dup {
			r.orphanTotal--
			continue
		}
		pl, ok := r.place(entry.Visit, true)
		if !ok {
			// Still unplaceable; keep the entry.
			r.orphans[entry.ExpectedParentTabID] = append(r.orphans[entry.ExpectedParentTabID], entry)
			continue
		}
		r.orphanTotal--
		out = append(out, pl)
		out = append(out, r.cascade(entry.Visit.TabID)...)
	}
	return out
}

// RetryDeferred re-offers every deferred visit and ages out stale
// entries. Called by the retry timer; serialized with Offer through the
// reconciler lock. Returns reconnected placements to process and the
// entries that expired.
func (r *Reconciler) RetryDeferred() (placements []Placement, expired []OrphanEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()

	// Deterministic sweep order.
	keys := make([]string, 0, len(r.orphans))
	for k := range r.orphans {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		entries := r.orphans[key]
		delete(r.orphans, key)

		var kept []*OrphanEntry
		for _, entry := range entries {
			if _, dup := r.seen[entry.Visit.ID]; dup {
				r.orphanTotal--
				continue
			}
			if now.Sub(entry.FirstSeenAt) > r.cfg.MaxOrphanAge {
				r.orphanTotal--
				expired = append(expired, *entry)
				continue
			}
			if entry.RetryCount >= r.cfg.MaxOrphanRetries {
				r.orphanTotal--
				expired = append(expired, *entry)
				continue
			}
			entry.RetryCount++

			pl, ok := r.place(entry.Visit, true)
			if !ok {
				kept = append(kept, entry)
				continue
			}
			r.orphanTotal--
			placements = append(placements, pl)
			placements = append(placements, r.cascade(entry.Visit.TabID)...)
		}
		if len(kept) > 0 {
			r.orphans[key] = append(r.orphans[key], kept...)
		}
	}
	return placements, expired
}

// OrphanCount is the number of visits currently deferred.
func (r *Reconciler) OrphanCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.orphanTotal
}

// GroupSize is the number of placed pages sharing a group id.
func (r *Reconciler) GroupSize(groupID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.groupSize[groupID]
}
