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

// Package classifier decides whether a placed page is worth keeping.
//
// The pipeline has four stages: a procedural rule pass that can decide
// outright or leave a prior, a language model classification over the
// URL and leading content, an episodic adjustment from past user
// corrections, and a final arbitration against the allowed-type and
// confidence policy. Given the same rules, corrections, and model
// response, the pipeline always produces the same decision.
package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/trailmem/trailmem/pkg/config"
	"github.com/trailmem/trailmem/pkg/embedder"
	"github.com/trailmem/trailmem/pkg/llms"
	"github.com/trailmem/trailmem/pkg/model"
	"github.com/trailmem/trailmem/pkg/rules"
)

// promptContentLimit is how much page text the model sees.
const promptContentLimit = 2000

const systemPrompt = `You classify web pages a user visited. Respond with a single JSON object:
{"page_type": one of ["knowledge","interactive_app","aggregator","leisure","navigation","other"],
"confidence": number between 0 and 1,
"reasoning": string of at most 10 words,
"should_process": boolean, true when the page holds lasting knowledge value}`

// EpisodeSource yields nearest prior corrections for a page embedding.
type EpisodeSource interface {
	NearestCorrections(ctx context.Context, embedding []float32, k int) ([]model.EpisodicMatch, error)
}

// Classifier runs the decision pipeline.
type Classifier struct {
	engine   *rules.Engine
	lm       llms.LanguageModel
	embedder embedder.Embedder
	episodes EpisodeSource
	cfg      config.ClassifierConfig
	allowed  map[model.PageType]bool
}

// New assembles a classifier. The episode source may be nil, in which
// case the episodic stage is skipped.
func New(engine *rules.Engine, lm llms.LanguageModel, emb embedder.Embedder, episodes EpisodeSource, cfg config.ClassifierConfig) *Classifier {
	allowed := make(map[model.PageType]bool)
	for _, t := range cfg.AllowedPageTypes() {
		allowed[t] = true
	}
	return &Classifier{
		engine:   engine,
		lm:       lm,
		embedder: emb,
		episodes: episodes,
		cfg:      cfg,
		allowed:  allowed,
	}
}

// SetEngine swaps the rule engine, e.g. after a rule mutation.
func (c *Classifier) SetEngine(engine *rules.Engine) { c.engine = engine }

// Classify runs all four stages for a placed visit. groupSize is the
// number of pages sharing the visit's tab group, available to rules.
func (c *Classifier) Classify(ctx context.Context, v model.Visit, groupSize int) model.Decision {
	var (
		preferType model.PageType
		hasPrefer  bool
		boost      float64
		hasBoost   bool
	)

	// Stage 1: first matching rule by descending priority.
	in, err := rules.NewInput(v.URL, v.Title, v.RawContent, groupSize)
	if err != nil {
		slog.Warn("Failed to build rule input, skipping rule pass", "url", v.URL, "error", err)
	} else if rule, ok := c.engine.Match(in); ok {
		switch rule.Action.Kind {
		case rules.ActionAlwaysProcess:
			return c.arbitrate(model.Decision{
				ShouldProcess: true,
				PageType:      model.PageTypeKnowledge,
				Confidence:    1.0,
				Reasoning:     "rule",
			}, false, "", false, 0, true)
		case rules.ActionNeverProcess:
			return model.Decision{
				ShouldProcess: false,
				PageType:      model.PageTypeOther,
				Confidence:    1.0,
				Reasoning:     "rule",
			}
		case rules.ActionPreferType:
			preferType, hasPrefer = rule.Action.PageType, true
		case rules.ActionBoostConfidence:
			boost, hasBoost = rule.Action.Delta, true
		}
	}

	// Stage 2: language model.
	decision := c.classifyLM(ctx, v)

	// Stage 3: episodic adjustment.
	decision = c.adjustEpisodic(ctx, v, decision)

	return c.arbitrate(decision, hasPrefer, preferType, hasBoost, boost, false)
}

// classifyLM sends the URL and leading content to the model and parses
// its JSON verdict. Any transport or parse failure yields the
// conservative default decision.
func (c *Classifier) classifyLM(ctx context.Context, v model.Visit) model.Decision {
	content := truncateBytes(v.RawContent, promptContentLimit)
	user := fmt.Sprintf("URL: %s\nTitle: %s\n\nContent:\n%s", v.URL, v.Title, content)

	raw, err := c.lm.CompleteJSON(ctx, systemPrompt, user)
	if err != nil {
		slog.Error("Language model classification failed", "url", v.URL, "error", err)
		return model.Decision{PageType: model.PageTypeOther, Confidence: 0, Reasoning: "lm_fail"}
	}
	return parseDecision(raw)
}

// parseDecision validates the model's JSON. Out-of-domain fields count
// as a parse failure.
func parseDecision(raw string) model.Decision {
	fail := model.Decision{PageType: model.PageTypeOther, Confidence: 0, Reasoning: "parse_fail"}

	var d model.Decision
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		slog.Warn("Model returned invalid JSON", "error", err)
		return fail
	}
	if !d.PageType.Valid() {
		return fail
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return fail
	}
	d.Reasoning = truncateWords(d.Reasoning, 10)
	return d
}

// adjustEpisodic overrides or nudges the model's answer based on
// nearest prior user corrections.
func (c *Classifier) adjustEpisodic(ctx context.Context, v model.Visit, d model.Decision) model.Decision {
	if c.episodes == nil || c.embedder == nil {
		return d
	}

	emb, err := c.embedder.Embed(ctx, v.URL)
	if err != nil {
		slog.Warn("Failed to embed url for episodic lookup", "url", v.URL, "error", err)
		return d
	}
	matches, err := c.episodes.NearestCorrections(ctx, emb, c.cfg.EpisodicK)
	if err != nil {
		slog.Warn("Episodic lookup failed", "url", v.URL, "error", err)
		return d
	}
	if len(matches) == 0 {
		return d
	}

	// Count agreement on a corrected type different from the model's.
	byType := make(map[model.PageType][]model.EpisodicMatch)
	for _, m := range matches {
		byType[m.Correction.Corrected] = append(byType[m.Correction.Corrected], m)
	}
	for t, group := range byType {
		if t == d.PageType || len(group) < c.cfg.EpisodicAgreement {
			continue
		}
		var sum float64
		for _, m := range group {
			sum += m.Similarity
		}
		conf := sum/float64(len(group)) + 0.1
		if conf > 1 {
			conf = 1
		}
		return model.Decision{
			ShouldProcess: d.ShouldProcess,
			PageType:      t,
			Confidence:    conf,
			Reasoning:     "episodic",
		}
	}

	// No override: nudge confidence by how much the neighbourhood
	// agrees with the model's type.
	var signal float64
	for _, m := range matches {
		if m.Correction.Corrected == d.PageType {
			signal++
		} else {
			signal--
		}
	}
	d.Confidence = clamp01(d.Confidence + (signal/float64(len(matches)))*0.2)
	return d
}

// arbitrate applies rule priors and the keep policy.
func (c *Classifier) arbitrate(d model.Decision, hasPrefer bool, preferType model.PageType, hasBoost bool, boost float64, ruleDecided bool) model.Decision {
	if !ruleDecided {
		if hasPrefer && d.Confidence < 0.5 {
			d.PageType = preferType
		}
		if hasBoost {
			d.Confidence = clamp01(d.Confidence + boost)
		}
	}
	d.ShouldProcess = c.allowed[d.PageType] && d.Confidence >= c.cfg.MinConfidence
	return d
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
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

func truncateWords(s string, n int) string {
	words := strings.Fields(s)
	if len(words) <= n {
		return s
	}
	return strings.Join(words[:n], " ")
}
