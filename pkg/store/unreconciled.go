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

package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/trailmem/trailmem/pkg/model"
)

// PendingEntry is a structured-store write that failed after the vector
// document had already been written. The full row is recorded so replay
// needs no other source.
type PendingEntry struct {
	ID             string    `json:"id"`
	URL            string    `json:"url"`
	PageLoadedAt   time.Time `json:"page_loaded_at"`
	TabID          string    `json:"tab_id"`
	OpenerTabID    string    `json:"opener_tab_id,omitempty"`
	GroupID        string    `json:"group_id,omitempty"`
	TreeID         string    `json:"tree_id"`
	ParentPageID   string    `json:"parent_page_id,omitempty"`
	Title          string    `json:"title,omitempty"`
	Classification string    `json:"classification"`
	Confidence     float64   `json:"confidence"`
	Reasoning      string    `json:"reasoning,omitempty"`
	ShouldProcess  bool      `json:"should_process"`
	ProcessedAt    time.Time `json:"processed_at"`
	NewTree        bool      `json:"new_tree,omitempty"`
}

// PendingLog is the append-only file of unreconciled writes. Until an
// entry is replayed, its page is searchable in the vector store but not
// listed in classification filters.
type PendingLog struct {
	mu   sync.Mutex
	path string
}

// NewPendingLog creates a pending log under the storage root.
func NewPendingLog(dir string) *PendingLog {
	return &PendingLog{path: filepath.Join(dir, "unreconciled.log")}
}

// Append records one failed structured write.
func (l *PendingLog) Append(e PendingEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal pending entry: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open pending log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("failed to append pending entry: %w", err)
	}
	return f.Sync()
}

// Replay retries every logged write against the store and truncates the
// log when all entries landed. Lines that fail to parse are dropped with
// a warning; rows that already exist count as reconciled.
func (l *PendingLog) Replay(ctx context.Context, s *Store) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to open pending log: %w", err)
	}

	var entries []PendingEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e PendingEntry
		if err := json.Unmarshal(line, &e); err != nil {
			slog.Warn("Dropping unparseable pending log line", "error", err)
			continue
		}
		entries = append(entries, e)
	}
	_ = f.Close()
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("failed to read pending log: %w", err)
	}

	reconciled := 0
	for _, e := range entries {
		if e.NewTree {
			if err := s.InsertTree(ctx, e.TreeID, e.ID); err != nil {
				return reconciled, err
			}
		}
		if _, err := s.InsertPageSession(ctx, e.toPageSession()); err != nil {
			return reconciled, err
		}
		reconciled++
	}

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return reconciled, fmt.Errorf("failed to truncate pending log: %w", err)
	}
	if reconciled > 0 {
		slog.Info("Replayed unreconciled structured writes", "count", reconciled)
	}
	return reconciled, nil
}

func (e PendingEntry) toPageSession() model.PageSession {
	return model.PageSession{
		ID:           e.ID,
		URL:          e.URL,
		PageLoadedAt: e.PageLoadedAt,
		TabID:        e.TabID,
		OpenerTabID:  e.OpenerTabID,
		GroupID:      e.GroupID,
		TreeID:       e.TreeID,
		ParentPageID: e.ParentPageID,
		Title:        e.Title,
		Classification: model.Decision{
			ShouldProcess: e.ShouldProcess,
			PageType:      model.PageType(e.Classification),
			Confidence:    e.Confidence,
			Reasoning:     e.Reasoning,
		},
		ProcessedAt: e.ProcessedAt,
	}
}

// FromPageSession builds a pending entry from a page session row.
func FromPageSession(ps model.PageSession, newTree bool) PendingEntry {
	return PendingEntry{
		ID:             ps.ID,
		URL:            ps.URL,
		PageLoadedAt:   ps.PageLoadedAt,
		TabID:          ps.TabID,
		OpenerTabID:    ps.OpenerTabID,
		GroupID:        ps.GroupID,
		TreeID:         ps.TreeID,
		ParentPageID:   ps.ParentPageID,
		Title:          ps.Title,
		Classification: string(ps.Classification.PageType),
		Confidence:     ps.Classification.Confidence,
		Reasoning:      ps.Classification.Reasoning,
		ShouldProcess:  ps.Classification.ShouldProcess,
		ProcessedAt:    ps.ProcessedAt,
		NewTree:        newTree,
	}
}
