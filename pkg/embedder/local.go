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

package embedder

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// LocalEmbedder is a deterministic, offline embedder: tokens are hashed
// into a fixed number of buckets and the resulting vector is
// L2-normalized. Quality is far below a learned model; it exists so the
// pipeline runs without network access and so tests are reproducible.
type LocalEmbedder struct {
	dimension int
}

// NewLocalEmbedder creates a hashing embedder with the given dimension.
func NewLocalEmbedder(dimension int) *LocalEmbedder {
	if dimension < 1 {
		dimension = 256
	}
	return &LocalEmbedder{dimension: dimension}
}

// Embed hashes lowercase tokens into buckets and normalizes.
func (e *LocalEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dimension)

	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, tok := range tokens {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		vec[h.Sum32()%uint32(e.dimension)]++
	}

	var mag float64
	for _, v := range vec {
		mag += float64(v) * float64(v)
	}
	if mag > 0 {
		norm := float32(math.Sqrt(mag))
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec, nil
}

// Dimension returns the embedding vector dimension.
func (e *LocalEmbedder) Dimension() int { return e.dimension }

// Model returns the model name being used.
func (e *LocalEmbedder) Model() string { return "local-hash" }

// Close releases resources held by the embedder.
func (e *LocalEmbedder) Close() error { return nil }

var _ Embedder = (*LocalEmbedder)(nil)
