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

package vector

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/philippgille/chromem-go"
)

const pagesCollection = "trailmem_pages"

// ChromemProvider implements Provider using chromem-go for embedded
// vector storage: pure Go, in-memory with gob file persistence, cosine
// similarity search. Embeddings are pre-computed by the caller; the
// collection's embedding function is never invoked.
//
// Single-process and memory-bound, which matches the single local user
// this service is built for.
type ChromemProvider struct {
	db          *chromem.DB
	persistPath string
	compress    bool

	mu         sync.Mutex
	collection *chromem.Collection
}

// ChromemConfig configures the chromem provider.
type ChromemConfig struct {
	// PersistPath is the directory for file persistence. If empty,
	// vectors live in memory only.
	PersistPath string

	// Compress enables gzip compression for the persisted file.
	Compress bool
}

// NewChromemProvider creates a chromem-backed provider, loading an
// existing database file when one exists.
func NewChromemProvider(cfg ChromemConfig) (*ChromemProvider, error) {
	var db *chromem.DB

	if cfg.PersistPath != "" {
		if err := os.MkdirAll(cfg.PersistPath, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create persist directory: %w", err)
		}

		dbPath := dbFilePath(cfg.PersistPath, cfg.Compress)
		if _, statErr := os.Stat(dbPath); statErr == nil {
			db = chromem.NewDB()
			if err := db.ImportFromFile(dbPath, ""); err != nil {
				slog.Warn("Failed to load existing vector database, creating new",
					"path", dbPath,
					"error", err)
				db = chromem.NewDB()
			} else {
				slog.Info("Loaded vector database from file", "path", dbPath)
			}
		} else {
			db = chromem.NewDB()
			slog.Info("Created new vector database", "path", dbPath)
		}
	} else {
		db = chromem.NewDB()
		slog.Info("Created in-memory vector database (no persistence)")
	}

	return &ChromemProvider{
		db:          db,
		persistPath: cfg.PersistPath,
		compress:    cfg.Compress,
	}, nil
}

func dbFilePath(dir string, compress bool) string {
	path := filepath.Join(dir, "vectors.gob")
	if compress {
		path += ".gz"
	}
	return path
}

func (p *ChromemProvider) getCollection() (*chromem.Collection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.collection != nil {
		return p.collection, nil
	}

	// Identity embedding function: vectors are always pre-computed.
	identityEmbed := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("embedding function called but vectors should be pre-computed")
	}

	col, err := p.db.GetOrCreateCollection(pagesCollection, nil, identityEmbed)
	if err != nil {
		return nil, fmt.Errorf("failed to get/create collection %q: %w", pagesCollection, err)
	}
	p.collection = col
	return col, nil
}

// Upsert adds or replaces a document with its pre-computed embedding.
func (p *ChromemProvider) Upsert(ctx context.Context, doc Document) error {
	col, err := p.getCollection()
	if err != nil {
		return err
	}

	cdoc := chromem.Document{
		ID:        doc.ID,
		Content:   doc.Content,
		Metadata:  doc.Metadata,
		Embedding: doc.Embedding,
	}

	if err := col.AddDocuments(ctx, []chromem.Document{cdoc}, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to upsert document: %w", err)
	}

	if err := p.persist(); err != nil {
		slog.Warn("Failed to persist after upsert", "error", err)
	}

	return nil
}

// Get returns the document stored under id.
func (p *ChromemProvider) Get(ctx context.Context, id string) (Document, error) {
	col, err := p.getCollection()
	if err != nil {
		return Document{}, err
	}

	cdoc, err := col.GetByID(ctx, id)
	if err != nil {
		return Document{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	return Document{
		ID:        cdoc.ID,
		Content:   cdoc.Content,
		Metadata:  cdoc.Metadata,
		Embedding: cdoc.Embedding,
	}, nil
}

// Search finds the topK most similar documents to the query embedding.
func (p *ChromemProvider) Search(ctx context.Context, embedding []float32, topK int) ([]Result, error) {
	col, err := p.getCollection()
	if err != nil {
		return nil, err
	}

	// chromem rejects nResults beyond the collection size.
	if count := col.Count(); topK > count {
		topK = count
	}
	if topK == 0 {
		return nil, nil
	}

	results, err := col.QueryEmbedding(ctx, embedding, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	out := make([]Result, 0, len(results))
	for _, r := range results {
		out = append(out, Result{
			ID:       r.ID,
			Score:    r.Similarity,
			Content:  r.Content,
			Metadata: r.Metadata,
		})
	}
	return out, nil
}

// Count returns the number of stored documents.
func (p *ChromemProvider) Count(ctx context.Context) (int, error) {
	col, err := p.getCollection()
	if err != nil {
		return 0, err
	}
	return col.Count(), nil
}

// Name returns the provider name.
func (p *ChromemProvider) Name() string { return "chromem" }

// Close persists the database and releases resources.
func (p *ChromemProvider) Close() error {
	return p.persist()
}

func (p *ChromemProvider) persist() error {
	if p.persistPath == "" {
		return nil
	}

	if err := p.db.ExportToFile(dbFilePath(p.persistPath, p.compress), p.compress, ""); err != nil {
		return fmt.Errorf("failed to persist database: %w", err)
	}
	return nil
}

var _ Provider = (*ChromemProvider)(nil)
