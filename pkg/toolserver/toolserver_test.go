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

package toolserver

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trailmem/trailmem/pkg/embedder"
	"github.com/trailmem/trailmem/pkg/vector"
)

func seededServer(t *testing.T) (*Server, *bytes.Buffer) {
	t.Helper()

	emb := embedder.NewLocalEmbedder(64)
	vectors, err := vector.NewChromemProvider(vector.ChromemConfig{})
	require.NoError(t, err)

	ctx := context.Background()
	for _, doc := range []struct{ id, content, url, title string }{
		{"p1", "kubernetes networking deep dive", "https://docs.example.com/k8s", "K8s Networking"},
		{"p2", "sourdough bread recipe", "https://cooking.example.com/bread", "Bread"},
	} {
		e, err := emb.Embed(ctx, doc.content)
		require.NoError(t, err)
		require.NoError(t, vectors.Upsert(ctx, vector.Document{
			ID:        doc.id,
			Content:   doc.content,
			Embedding: e,
			Metadata:  map[string]string{"url": doc.url, "title": doc.title},
		}))
	}

	var out bytes.Buffer
	return New(vectors, emb, &out), &out
}

func readResponses(t *testing.T, out *bytes.Buffer) []map[string]json.RawMessage {
	t.Helper()
	var responses []map[string]json.RawMessage
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		var resp map[string]json.RawMessage
		require.NoError(t, json.Unmarshal([]byte(line), &resp))
		responses = append(responses, resp)
	}
	return responses
}

func TestSemanticSearch(t *testing.T) {
	srv, out := seededServer(t)

	in := strings.NewReader(`{"name":"semantic_search","arguments":{"query":"kubernetes networking deep dive","limit":1}}` + "\n")
	require.NoError(t, srv.Serve(context.Background(), in))

	responses := readResponses(t, out)
	require.Len(t, responses, 1)
	require.Contains(t, responses[0], "result")

	var hits []searchHit
	require.NoError(t, json.Unmarshal(responses[0]["result"], &hits))
	require.Len(t, hits, 1)
	assert.Equal(t, "p1", hits[0].ID)
	assert.Equal(t, "https://docs.example.com/k8s", hits[0].URL)
	assert.Equal(t, "K8s Networking", hits[0].Title)
	assert.Greater(t, hits[0].Score, 0.9)
	assert.Equal(t, "kubernetes networking deep dive", hits[0].Preview)
}

func TestGetContent(t *testing.T) {
	srv, out := seededServer(t)

	in := strings.NewReader(`{"name":"get_content","arguments":{"id":"p2"}}` + "\n")
	require.NoError(t, srv.Serve(context.Background(), in))

	responses := readResponses(t, out)
	require.Len(t, responses, 1)

	var result contentResult
	require.NoError(t, json.Unmarshal(responses[0]["result"], &result))
	assert.Equal(t, "p2", result.ID)
	assert.Equal(t, "sourdough bread recipe", result.Content)
	assert.Equal(t, "Bread", result.Title)
}

func TestGetContent_UnknownID(t *testing.T) {
	srv, out := seededServer(t)

	in := strings.NewReader(`{"name":"get_content","arguments":{"id":"nope"}}` + "\n")
	require.NoError(t, srv.Serve(context.Background(), in))

	responses := readResponses(t, out)
	require.Len(t, responses, 1)

	var msg string
	require.NoError(t, json.Unmarshal(responses[0]["error"], &msg))
	assert.Contains(t, msg, "unknown id")
}

func TestServe_BadLinesKeepGoing(t *testing.T) {
	srv, out := seededServer(t)

	in := strings.NewReader(strings.Join([]string{
		`this is not json`,
		`{"name":"no_such_tool","arguments":{}}`,
		`{"name":"semantic_search","arguments":{}}`,
		`{"name":"get_content","arguments":{"id":"p1"}}`,
	}, "\n") + "\n")
	require.NoError(t, srv.Serve(context.Background(), in))

	responses := readResponses(t, out)
	require.Len(t, responses, 4)
	assert.Contains(t, responses[0], "error")
	assert.Contains(t, responses[1], "error")
	assert.Contains(t, responses[2], "error") // empty query
	assert.Contains(t, responses[3], "result")
}

func TestSemanticSearch_PreviewKeepsRunesIntact(t *testing.T) {
	emb := embedder.NewLocalEmbedder(64)
	vectors, err := vector.NewChromemProvider(vector.ChromemConfig{})
	require.NoError(t, err)

	ctx := context.Background()
	// Content whose preview cut would land inside a multi-byte rune.
	content := strings.Repeat("a", previewLength-1) + "世界"
	e, err := emb.Embed(ctx, content)
	require.NoError(t, err)
	require.NoError(t, vectors.Upsert(ctx, vector.Document{
		ID:        "p1",
		Content:   content,
		Embedding: e,
		Metadata:  map[string]string{"url": "https://example.com/p1"},
	}))

	var out bytes.Buffer
	srv := New(vectors, emb, &out)
	in := strings.NewReader(`{"name":"semantic_search","arguments":{"query":"` + strings.Repeat("a", 20) + `"}}` + "\n")
	require.NoError(t, srv.Serve(ctx, in))

	responses := readResponses(t, &out)
	require.Len(t, responses, 1)
	var hits []searchHit
	require.NoError(t, json.Unmarshal(responses[0]["result"], &hits))
	require.Len(t, hits, 1)
	assert.True(t, utf8.ValidString(hits[0].Preview))
	assert.Equal(t, strings.Repeat("a", previewLength-1), hits[0].Preview)
}
