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

// Package vector abstracts the page content store: documents keyed by
// page id carrying the full extracted text, its embedding, and a small
// metadata map. The vector store is the sole source of truth for page
// content; the structured store never holds it.
package vector

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get for unknown document keys.
var ErrNotFound = errors.New("document not found")

// Document is the stored unit: content plus its pre-computed embedding.
type Document struct {
	ID        string
	Content   string
	Embedding []float32
	Metadata  map[string]string
}

// Result is a similarity search hit.
type Result struct {
	ID       string
	Score    float32
	Content  string
	Metadata map[string]string
}

// Provider stores and retrieves vector documents.
//
// Upsert overwrites atomically by id; page de-duplication relies on
// that. Documents are never mutated after the write.
type Provider interface {
	// Upsert adds or replaces the document under its id.
	Upsert(ctx context.Context, doc Document) error

	// Get returns the document stored under id, or ErrNotFound.
	Get(ctx context.Context, id string) (Document, error)

	// Search returns the topK most similar documents by cosine
	// similarity to the query embedding.
	Search(ctx context.Context, embedding []float32, topK int) ([]Result, error)

	// Count returns the number of stored documents.
	Count(ctx context.Context) (int, error)

	// Name identifies the provider implementation.
	Name() string

	// Close flushes and releases resources.
	Close() error
}
