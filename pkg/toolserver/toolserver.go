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

// Package toolserver exposes the read-only retrieval tools to external
// agents over line-delimited JSON on standard streams. Each request
// line is {"name": ..., "arguments": {...}}; each response line is
// {"result": ...} or {"error": "..."}.
//
// The tools are stateless reads against the vector store; they never
// touch the reconciler or the classifier.
package toolserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"unicode/utf8"

	"github.com/trailmem/trailmem/pkg/embedder"
	"github.com/trailmem/trailmem/pkg/vector"
)

const (
	defaultSearchLimit = 10
	previewLength      = 200
)

type request struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type searchArgs struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

type contentArgs struct {
	ID string `json:"id"`
}

type searchHit struct {
	ID      string  `json:"id"`
	URL     string  `json:"url"`
	Title   string  `json:"title"`
	Score   float64 `json:"score"`
	Preview string  `json:"preview"`
}

type contentResult struct {
	ID      string `json:"id"`
	URL     string `json:"url"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Server answers tool requests line by line.
type Server struct {
	vectors  vector.Provider
	embedder embedder.Embedder

	mu  sync.Mutex // serializes response writes
	out *bufio.Writer
}

// New creates a tool server over the given streams.
func New(vectors vector.Provider, emb embedder.Embedder, out io.Writer) *Server {
	return &Server{
		vectors:  vectors,
		embedder: emb,
		out:      bufio.NewWriter(out),
	}
}

// Serve reads requests until EOF or ctx cancellation. Malformed lines
// produce an error response rather than terminating the loop.
func (s *Server) Serve(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			s.writeError(fmt.Sprintf("invalid request: %v", err))
			continue
		}

		result, err := s.dispatch(ctx, req)
		if err != nil {
			s.writeError(err.Error())
			continue
		}
		s.writeResult(result)
	}
	return scanner.Err()
}

func (s *Server) dispatch(ctx context.Context, req request) (any, error) {
	switch req.Name {
	case "semantic_search":
		var args searchArgs
		if err := json.Unmarshal(req.Arguments, &args); err != nil {
			return nil, fmt.Errorf("invalid semantic_search arguments: %v", err)
		}
		return s.semanticSearch(ctx, args)
	case "get_content":
		var args contentArgs
		if err := json.Unmarshal(req.Arguments, &args); err != nil {
			return nil, fmt.Errorf("invalid get_content arguments: %v", err)
		}
		return s.getContent(ctx, args)
	default:
		return nil, fmt.Errorf("unknown tool: %s", req.Name)
	}
}

func (s *Server) semanticSearch(ctx context.Context, args searchArgs) (any, error) {
	if args.Query == "" {
		return nil, errors.New("semantic_search requires a query")
	}
	limit := args.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	emb, err := s.embedder.Embed(ctx, args.Query)
	if err != nil {
		return nil, fmt.Errorf("embedding failed: %v", err)
	}
	results, err := s.vectors.Search(ctx, emb, limit)
	if err != nil {
		return nil, fmt.Errorf("search failed: %v", err)
	}

	hits := make([]searchHit, 0, len(results))
	for _, r := range results {
		preview := truncateBytes(r.Content, previewLength)
		hits = append(hits, searchHit{
			ID:      r.ID,
			URL:     r.Metadata["url"],
			Title:   r.Metadata["title"],
			Score:   float64(r.Score),
			Preview: preview,
		})
	}
	return hits, nil
}

func (s *Server) getContent(ctx context.Context, args contentArgs) (any, error) {
	if args.ID == "" {
		return nil, errors.New("get_content requires an id")
	}

	doc, err := s.vectors.Get(ctx, args.ID)
	if err != nil {
		if errors.Is(err, vector.ErrNotFound) {
			return nil, fmt.Errorf("unknown id: %s", args.ID)
		}
		return nil, fmt.Errorf("lookup failed: %v", err)
	}

	return contentResult{
		ID:      doc.ID,
		URL:     doc.Metadata["url"],
		Title:   doc.Metadata["title"],
		Content: doc.Content,
	}, nil
}

// truncateBytes cuts s to at most n bytes without splitting a rune.
func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func (s *Server) writeResult(result any) {
	s.writeLine(map[string]any{"result": result})
}

func (s *Server) writeError(msg string) {
	s.writeLine(map[string]any{"error": msg})
}

func (s *Server) writeLine(body map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(body)
	if err != nil {
		slog.Error("Failed to marshal tool response", "error", err)
		return
	}
	_, _ = s.out.Write(append(raw, '\n'))
	_ = s.out.Flush()
}
