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

// Package store persists the structured half of the system in SQLite:
// page sessions, tree roots, procedural rules, and episodic corrections.
// Page content never lands here; it belongs to the vector store.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/trailmem/trailmem/pkg/embedder"
	"github.com/trailmem/trailmem/pkg/model"
	"github.com/trailmem/trailmem/pkg/rules"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

const schemaSQL = `
CREATE TABLE IF NOT EXISTS page_sessions (
    id VARCHAR(64) PRIMARY KEY,
    url TEXT NOT NULL,
    page_loaded_at TIMESTAMP NOT NULL,
    tab_id VARCHAR(255) NOT NULL,
    opener_tab_id VARCHAR(255),
    group_id VARCHAR(255),
    tree_id VARCHAR(128) NOT NULL,
    parent_page_id VARCHAR(64),
    title TEXT,
    classification VARCHAR(32) NOT NULL,
    confidence REAL NOT NULL,
    reasoning TEXT,
    should_process INTEGER NOT NULL,
    processed_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_page_sessions_tab_id ON page_sessions(tab_id);
CREATE INDEX IF NOT EXISTS idx_page_sessions_group_id ON page_sessions(group_id);
CREATE INDEX IF NOT EXISTS idx_page_sessions_tree_id ON page_sessions(tree_id);

CREATE TABLE IF NOT EXISTS trees (
    tree_id VARCHAR(128) PRIMARY KEY,
    root_page_id VARCHAR(64) NOT NULL
);

CREATE TABLE IF NOT EXISTS procedural_rules (
    id VARCHAR(64) PRIMARY KEY,
    priority INTEGER NOT NULL,
    action TEXT NOT NULL,
    condition_ast TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS episodic_corrections (
    id VARCHAR(64) PRIMARY KEY,
    page_id VARCHAR(64) NOT NULL,
    url TEXT NOT NULL,
    original_classification VARCHAR(32) NOT NULL,
    corrected_classification VARCHAR(32) NOT NULL,
    embedding TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);
`

// Store is the SQLite-backed structured store.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if necessary) the database under the storage
// root and initializes the schema.
func Open(dir string) (*Store, error) {
	path := filepath.Join(dir, "trailmem.db")
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single writer keeps SQLite out of "database is locked".
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return err
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// InsertPageSession writes a page session row. Duplicate ids are
// ignored; the first write wins and inserted reports whether this call
// created the row.
func (s *Store) InsertPageSession(ctx context.Context, ps model.PageSession) (inserted bool, err error) {
	res, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO page_sessions
    (id, url, page_loaded_at, tab_id, opener_tab_id, group_id, tree_id, parent_page_id,
     title, classification, confidence, reasoning, should_process, processed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ps.ID,
		ps.URL,
		ps.PageLoadedAt.UTC().Format(time.RFC3339Nano),
		ps.TabID,
		nullable(ps.OpenerTabID),
		nullable(ps.GroupID),
		ps.TreeID,
		nullable(ps.ParentPageID),
		ps.Title,
		string(ps.Classification.PageType),
		ps.Classification.Confidence,
		ps.Classification.Reasoning,
		boolToInt(ps.Classification.ShouldProcess),
		ps.ProcessedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert page session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// InsertTree records a tree root. Duplicate tree ids are ignored so the
// one-root-per-tree invariant holds across replays.
func (s *Store) InsertTree(ctx context.Context, treeID, rootPageID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO trees (tree_id, root_page_id) VALUES (?, ?)`,
		treeID, rootPageID)
	if err != nil {
		return fmt.Errorf("failed to insert tree: %w", err)
	}
	return nil
}

// GetPageSession fetches one page session by id.
func (s *Store) GetPageSession(ctx context.Context, id string) (model.PageSession, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, url, page_loaded_at, tab_id, opener_tab_id, group_id, tree_id, parent_page_id,
       title, classification, confidence, reasoning, should_process, processed_at
FROM page_sessions WHERE id = ?`, id)
	ps, err := scanPageSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.PageSession{}, fmt.Errorf("%w: page session %s", ErrNotFound, id)
	}
	return ps, err
}

// ListPageSessions returns all page sessions ordered by load time then
// id. Used for index warming and tests; the local dataset is small.
func (s *Store) ListPageSessions(ctx context.Context) ([]model.PageSession, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, url, page_loaded_at, tab_id, opener_tab_id, group_id, tree_id, parent_page_id,
       title, classification, confidence, reasoning, should_process, processed_at
FROM page_sessions ORDER BY page_loaded_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list page sessions: %w", err)
	}
	defer rows.Close()

	var out []model.PageSession
	for rows.Next() {
		ps, err := scanPageSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ps)
	}
	return out, rows.Err()
}

// ListTreePages returns the page sessions of one tree in load order.
func (s *Store) ListTreePages(ctx context.Context, treeID string) ([]model.PageSession, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, url, page_loaded_at, tab_id, opener_tab_id, group_id, tree_id, parent_page_id,
       title, classification, confidence, reasoning, should_process, processed_at
FROM page_sessions WHERE tree_id = ? ORDER BY page_loaded_at, id`, treeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tree pages: %w", err)
	}
	defer rows.Close()

	var out []model.PageSession
	for rows.Next() {
		ps, err := scanPageSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ps)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPageSession(row rowScanner) (model.PageSession, error) {
	var (
		ps                            model.PageSession
		loadedAt, processedAt         string
		opener, group, parent, reason sql.NullString
		shouldProcess                 int
		classification                string
	)
	err := row.Scan(&ps.ID, &ps.URL, &loadedAt, &ps.TabID, &opener, &group, &ps.TreeID,
		&parent, &ps.Title, &classification, &ps.Classification.Confidence, &reason,
		&shouldProcess, &processedAt)
	if err != nil {
		return model.PageSession{}, err
	}
	ps.OpenerTabID = opener.String
	ps.GroupID = group.String
	ps.ParentPageID = parent.String
	ps.Classification.Reasoning = reason.String
	ps.Classification.PageType = model.PageType(classification)
	ps.Classification.ShouldProcess = shouldProcess != 0
	if t, err := time.Parse(time.RFC3339Nano, loadedAt); err == nil {
		ps.PageLoadedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, processedAt); err == nil {
		ps.ProcessedAt = t
	}
	return ps, nil
}

// AddRule validates and stores a procedural rule. Empty ids get a
// generated UUID; the stored rule is returned.
func (s *Store) AddRule(ctx context.Context, r rules.Rule) (rules.Rule, error) {
	if err := r.Validate(); err != nil {
		return rules.Rule{}, fmt.Errorf("invalid rule: %w", err)
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}

	actionJSON, err := json.Marshal(r.Action)
	if err != nil {
		return rules.Rule{}, fmt.Errorf("failed to marshal action: %w", err)
	}
	conditionJSON, err := rules.MarshalCondition(r.Condition)
	if err != nil {
		return rules.Rule{}, err
	}

	_, err = s.db.ExecContext(ctx, `
INSERT OR REPLACE INTO procedural_rules (id, priority, action, condition_ast)
VALUES (?, ?, ?, ?)`,
		r.ID, r.Priority, string(actionJSON), conditionJSON)
	if err != nil {
		return rules.Rule{}, fmt.Errorf("failed to insert rule: %w", err)
	}
	return r, nil
}

// DeleteRule removes a rule by id.
func (s *Store) DeleteRule(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM procedural_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	return nil
}

// ListRules loads every procedural rule.
func (s *Store) ListRules(ctx context.Context) ([]rules.Rule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, priority, action, condition_ast FROM procedural_rules ORDER BY priority DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var out []rules.Rule
	for rows.Next() {
		var (
			r                         rules.Rule
			actionJSON, conditionJSON string
		)
		if err := rows.Scan(&r.ID, &r.Priority, &actionJSON, &conditionJSON); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(actionJSON), &r.Action); err != nil {
			return nil, fmt.Errorf("failed to unmarshal action for rule %s: %w", r.ID, err)
		}
		cond, err := rules.UnmarshalCondition(conditionJSON)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal condition for rule %s: %w", r.ID, err)
		}
		r.Condition = cond
		out = append(out, r)
	}
	return out, rows.Err()
}

// AddCorrection stores an episodic correction. Empty ids get a UUID.
func (s *Store) AddCorrection(ctx context.Context, c model.EpisodicCorrection) (model.EpisodicCorrection, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}

	embJSON, err := json.Marshal(c.Embedding)
	if err != nil {
		return model.EpisodicCorrection{}, fmt.Errorf("failed to marshal embedding: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT OR REPLACE INTO episodic_corrections
    (id, page_id, url, original_classification, corrected_classification, embedding, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.PageID, c.URL, string(c.Original), string(c.Corrected),
		string(embJSON), c.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return model.EpisodicCorrection{}, fmt.Errorf("failed to insert correction: %w", err)
	}
	return c, nil
}

// ListCorrections loads every episodic correction.
func (s *Store) ListCorrections(ctx context.Context) ([]model.EpisodicCorrection, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, page_id, url, original_classification, corrected_classification, embedding, created_at
FROM episodic_corrections`)
	if err != nil {
		return nil, fmt.Errorf("failed to list corrections: %w", err)
	}
	defer rows.Close()

	var out []model.EpisodicCorrection
	for rows.Next() {
		var (
			c                   model.EpisodicCorrection
			original, corrected string
			embJSON, createdAt  string
		)
		if err := rows.Scan(&c.ID, &c.PageID, &c.URL, &original, &corrected, &embJSON, &createdAt); err != nil {
			return nil, err
		}
		c.Original = model.PageType(original)
		c.Corrected = model.PageType(corrected)
		if err := json.Unmarshal([]byte(embJSON), &c.Embedding); err != nil {
			return nil, fmt.Errorf("failed to unmarshal embedding for correction %s: %w", c.ID, err)
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			c.CreatedAt = t
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// NearestCorrections ranks stored corrections by cosine similarity to
// the query embedding and returns the top k. The correction set of a
// single local user stays small, so ranking in memory is fine.
func (s *Store) NearestCorrections(ctx context.Context, embedding []float32, k int) ([]model.EpisodicMatch, error) {
	all, err := s.ListCorrections(ctx)
	if err != nil {
		return nil, err
	}

	matches := make([]model.EpisodicMatch, 0, len(all))
	for _, c := range all {
		matches = append(matches, model.EpisodicMatch{
			Correction: c,
			Similarity: embedder.Cosine(embedding, c.Embedding),
		})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})

	if k < len(matches) {
		matches = matches[:k]
	}
	return matches, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
