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

package classifier

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trailmem/trailmem/pkg/config"
	"github.com/trailmem/trailmem/pkg/embedder"
	"github.com/trailmem/trailmem/pkg/model"
	"github.com/trailmem/trailmem/pkg/rules"
)

type fakeLM struct {
	response string
	err      error
	calls    int
	gotUser  string
}

func (f *fakeLM) CompleteJSON(ctx context.Context, system, user string) (string, error) {
	f.calls++
	f.gotUser = user
	return f.response, f.err
}
func (f *fakeLM) GetModelName() string { return "fake" }
func (f *fakeLM) Close() error         { return nil }

type fakeEpisodes struct {
	matches []model.EpisodicMatch
}

func (f *fakeEpisodes) NearestCorrections(ctx context.Context, embedding []float32, k int) ([]model.EpisodicMatch, error) {
	if len(f.matches) > k {
		return f.matches[:k], nil
	}
	return f.matches, nil
}

func testConfig() config.ClassifierConfig {
	return config.ClassifierConfig{
		AllowedTypes:      []string{"knowledge"},
		MinConfidence:     0.5,
		EpisodicK:         5,
		EpisodicAgreement: 3,
		MaxConcurrent:     1,
	}
}

func testVisit() model.Visit {
	return model.Visit{
		ID:         "p1",
		URL:        "https://docs.example.com/guide",
		Title:      "Guide",
		RawContent: "How to configure the widget",
	}
}

func newClassifier(lm *fakeLM, engine *rules.Engine, episodes EpisodeSource) *Classifier {
	if engine == nil {
		engine = rules.NewEngine(nil)
	}
	return New(engine, lm, embedder.NewLocalEmbedder(64), episodes, testConfig())
}

func TestClassify_LMKeep(t *testing.T) {
	lm := &fakeLM{response: `{"page_type":"knowledge","confidence":0.9,"reasoning":"technical documentation","should_process":true}`}
	c := newClassifier(lm, nil, nil)

	d := c.Classify(context.Background(), testVisit(), 0)
	assert.True(t, d.ShouldProcess)
	assert.Equal(t, model.PageTypeKnowledge, d.PageType)
	assert.InDelta(t, 0.9, d.Confidence, 1e-9)
}

func TestClassify_FiltersDisallowedType(t *testing.T) {
	lm := &fakeLM{response: `{"page_type":"leisure","confidence":0.95,"reasoning":"video feed","should_process":true}`}
	c := newClassifier(lm, nil, nil)

	d := c.Classify(context.Background(), testVisit(), 0)
	assert.False(t, d.ShouldProcess)
	assert.Equal(t, model.PageTypeLeisure, d.PageType)
}

func TestClassify_FiltersLowConfidence(t *testing.T) {
	lm := &fakeLM{response: `{"page_type":"knowledge","confidence":0.3,"reasoning":"unclear","should_process":true}`}
	c := newClassifier(lm, nil, nil)

	d := c.Classify(context.Background(), testVisit(), 0)
	assert.False(t, d.ShouldProcess)
}

func TestClassify_ParseFailure(t *testing.T) {
	tests := []struct {
		name     string
		response string
	}{
		{"not_json", "the page looks like documentation"},
		{"unknown_type", `{"page_type":"blog","confidence":0.8,"reasoning":"x","should_process":true}`},
		{"confidence_out_of_range", `{"page_type":"knowledge","confidence":1.7,"reasoning":"x","should_process":true}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClassifier(&fakeLM{response: tt.response}, nil, nil)
			d := c.Classify(context.Background(), testVisit(), 0)
			assert.False(t, d.ShouldProcess)
			assert.Equal(t, model.PageTypeOther, d.PageType)
			assert.Equal(t, 0.0, d.Confidence)
			assert.Equal(t, "parse_fail", d.Reasoning)
		})
	}
}

func TestClassify_LMFailure(t *testing.T) {
	lm := &fakeLM{err: errors.New("rate limited")}
	c := newClassifier(lm, nil, nil)

	d := c.Classify(context.Background(), testVisit(), 0)
	assert.False(t, d.ShouldProcess)
	assert.Equal(t, "lm_fail", d.Reasoning)
	assert.Equal(t, model.PageTypeOther, d.PageType)
}

func TestClassify_NeverProcessRuleSkipsLM(t *testing.T) {
	lm := &fakeLM{response: `{"page_type":"knowledge","confidence":0.9,"reasoning":"x","should_process":true}`}
	engine := rules.NewEngine([]rules.Rule{{
		ID:       "block",
		Priority: 100,
		Action:   rules.Action{Kind: rules.ActionNeverProcess},
		Condition: &rules.Condition{
			Op: rules.OpEquals, Field: rules.FieldURLHost, Value: "docs.example.com",
		},
	}})
	c := newClassifier(lm, engine, nil)

	d := c.Classify(context.Background(), testVisit(), 0)
	assert.False(t, d.ShouldProcess)
	assert.Equal(t, "rule", d.Reasoning)
	assert.Zero(t, lm.calls)
}

func TestClassify_AlwaysProcessRule(t *testing.T) {
	lm := &fakeLM{response: `{"page_type":"leisure","confidence":0.1,"reasoning":"x","should_process":false}`}
	engine := rules.NewEngine([]rules.Rule{{
		ID:       "keep",
		Priority: 50,
		Action:   rules.Action{Kind: rules.ActionAlwaysProcess},
		Condition: &rules.Condition{
			Op: rules.OpContains, Field: rules.FieldURLPath, Value: "guide",
		},
	}})
	c := newClassifier(lm, engine, nil)

	d := c.Classify(context.Background(), testVisit(), 0)
	assert.True(t, d.ShouldProcess)
	assert.Equal(t, model.PageTypeKnowledge, d.PageType)
	assert.Equal(t, 1.0, d.Confidence)
	assert.Equal(t, "rule", d.Reasoning)
	assert.Zero(t, lm.calls)
}

func TestClassify_PreferTypeTieBreak(t *testing.T) {
	lm := &fakeLM{response: `{"page_type":"other","confidence":0.4,"reasoning":"ambiguous","should_process":false}`}
	engine := rules.NewEngine([]rules.Rule{{
		ID:       "prefer",
		Priority: 10,
		Action:   rules.Action{Kind: rules.ActionPreferType, PageType: model.PageTypeKnowledge},
		Condition: &rules.Condition{
			Op: rules.OpEquals, Field: rules.FieldURLHost, Value: "docs.example.com",
		},
	}})
	c := newClassifier(lm, engine, nil)

	d := c.Classify(context.Background(), testVisit(), 0)
	// Prior replaces the type but the confidence still falls short of
	// the keep threshold.
	assert.Equal(t, model.PageTypeKnowledge, d.PageType)
	assert.False(t, d.ShouldProcess)
}

func TestClassify_BoostConfidence(t *testing.T) {
	lm := &fakeLM{response: `{"page_type":"knowledge","confidence":0.4,"reasoning":"thin content","should_process":false}`}
	engine := rules.NewEngine([]rules.Rule{{
		ID:       "boost",
		Priority: 10,
		Action:   rules.Action{Kind: rules.ActionBoostConfidence, Delta: 0.2},
		Condition: &rules.Condition{
			Op: rules.OpEquals, Field: rules.FieldURLHost, Value: "docs.example.com",
		},
	}})
	c := newClassifier(lm, engine, nil)

	d := c.Classify(context.Background(), testVisit(), 0)
	assert.InDelta(t, 0.6, d.Confidence, 1e-9)
	assert.True(t, d.ShouldProcess)
}

func TestClassify_EpisodicOverride(t *testing.T) {
	lm := &fakeLM{response: `{"page_type":"leisure","confidence":0.8,"reasoning":"looks fun","should_process":false}`}
	episodes := &fakeEpisodes{matches: []model.EpisodicMatch{
		{Correction: model.EpisodicCorrection{Corrected: model.PageTypeKnowledge}, Similarity: 0.9},
		{Correction: model.EpisodicCorrection{Corrected: model.PageTypeKnowledge}, Similarity: 0.8},
		{Correction: model.EpisodicCorrection{Corrected: model.PageTypeKnowledge}, Similarity: 0.7},
		{Correction: model.EpisodicCorrection{Corrected: model.PageTypeLeisure}, Similarity: 0.6},
	}}
	c := newClassifier(lm, nil, episodes)

	d := c.Classify(context.Background(), testVisit(), 0)
	assert.Equal(t, model.PageTypeKnowledge, d.PageType)
	// mean(0.9, 0.8, 0.7) + 0.1 = 0.9
	assert.InDelta(t, 0.9, d.Confidence, 1e-9)
	assert.Equal(t, "episodic", d.Reasoning)
	assert.True(t, d.ShouldProcess)
}

func TestClassify_EpisodicNudge(t *testing.T) {
	lm := &fakeLM{response: `{"page_type":"knowledge","confidence":0.5,"reasoning":"docs","should_process":true}`}
	// Only two neighbours disagree: below the override threshold, so
	// the confidence is nudged down instead.
	episodes := &fakeEpisodes{matches: []model.EpisodicMatch{
		{Correction: model.EpisodicCorrection{Corrected: model.PageTypeLeisure}, Similarity: 0.9},
		{Correction: model.EpisodicCorrection{Corrected: model.PageTypeLeisure}, Similarity: 0.8},
		{Correction: model.EpisodicCorrection{Corrected: model.PageTypeKnowledge}, Similarity: 0.7},
		{Correction: model.EpisodicCorrection{Corrected: model.PageTypeKnowledge}, Similarity: 0.6},
	}}
	c := newClassifier(lm, nil, episodes)

	d := c.Classify(context.Background(), testVisit(), 0)
	assert.Equal(t, model.PageTypeKnowledge, d.PageType)
	// signal mean is 0, so confidence is unchanged.
	assert.InDelta(t, 0.5, d.Confidence, 1e-9)
	assert.True(t, d.ShouldProcess)
}

func TestClassify_ReasoningTruncated(t *testing.T) {
	lm := &fakeLM{response: `{"page_type":"knowledge","confidence":0.9,"reasoning":"one two three four five six seven eight nine ten eleven twelve","should_process":true}`}
	c := newClassifier(lm, nil, nil)

	d := c.Classify(context.Background(), testVisit(), 0)
	assert.Equal(t, "one two three four five six seven eight nine ten", d.Reasoning)
}

func TestParseDecision_Deterministic(t *testing.T) {
	raw := `{"page_type":"aggregator","confidence":0.66,"reasoning":"link list","should_process":false}`
	first := parseDecision(raw)
	for i := 0; i < 5; i++ {
		require.Equal(t, first, parseDecision(raw))
	}
}

func TestClassify_PromptTruncationKeepsRunesIntact(t *testing.T) {
	lm := &fakeLM{response: `{"page_type":"knowledge","confidence":0.9,"reasoning":"docs","should_process":true}`}
	c := newClassifier(lm, nil, nil)

	// Content whose byte limit would land in the middle of a rune.
	v := testVisit()
	v.RawContent = strings.Repeat("a", promptContentLimit-1) + "世界"
	c.Classify(context.Background(), v, 0)

	require.NotEmpty(t, lm.gotUser)
	assert.True(t, utf8.ValidString(lm.gotUser))
	assert.True(t, strings.HasSuffix(lm.gotUser, strings.Repeat("a", promptContentLimit-1)))
}

func TestTruncateBytes(t *testing.T) {
	assert.Equal(t, "abc", truncateBytes("abc", 10))
	assert.Equal(t, "ab", truncateBytes("abcd", 2))
	// "世" is three bytes; a cut inside it backs up to the boundary.
	assert.Equal(t, "a", truncateBytes("a世", 3))
	assert.Equal(t, "a世", truncateBytes("a世界", 5))
}
