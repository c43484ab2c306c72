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

// Package rules implements procedural classification rules: user- or
// system-declared predicate/action pairs evaluated before the language
// model. Conditions are a small, pure boolean expression language stored
// as a JSON AST so that rules survive round trips through the structured
// store unchanged.
package rules

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/trailmem/trailmem/pkg/model"
)

// ActionKind names the effect a matched rule has on classification.
type ActionKind string

const (
	ActionAlwaysProcess   ActionKind = "always_process"
	ActionNeverProcess    ActionKind = "never_process"
	ActionPreferType      ActionKind = "prefer_type"
	ActionBoostConfidence ActionKind = "boost_confidence"
)

// Action is the effect of a matched rule. PageType is set for
// prefer_type, Delta for boost_confidence.
type Action struct {
	Kind     ActionKind     `json:"kind"`
	PageType model.PageType `json:"page_type,omitempty"`
	Delta    float64        `json:"delta,omitempty"`
}

// Validate checks the action's internal consistency.
func (a Action) Validate() error {
	switch a.Kind {
	case ActionAlwaysProcess, ActionNeverProcess:
		return nil
	case ActionPreferType:
		if !a.PageType.Valid() {
			return fmt.Errorf("prefer_type action has unknown page type %q", a.PageType)
		}
		return nil
	case ActionBoostConfidence:
		if a.Delta < -1 || a.Delta > 1 {
			return fmt.Errorf("boost_confidence delta must be in [-1,1], got %v", a.Delta)
		}
		return nil
	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
}

// Condition field names.
const (
	FieldURLHost      = "url.host"
	FieldURLPath      = "url.path"
	FieldURLQuery     = "url.query"
	FieldTitle        = "title"
	FieldContent2K    = "content_first_2k"
	FieldTabGroupSize = "tab_group_size"
)

// Condition operators.
const (
	OpEquals       = "equals"
	OpContains     = "contains"
	OpMatchesRegex = "matches_regex"
	OpInSet        = "in_set"
	OpAnd          = "and"
	OpOr           = "or"
	OpNot          = "not"
)

// Condition is one node of the boolean expression AST. Leaf operators
// (equals, contains, matches_regex, in_set) compare a field against
// Value or Values; composite operators (and, or, not) combine Args.
type Condition struct {
	Op     string       `json:"op"`
	Field  string       `json:"field,omitempty"`
	Value  string       `json:"value,omitempty"`
	Values []string     `json:"values,omitempty"`
	Args   []*Condition `json:"args,omitempty"`
}

// Input is the page view a condition is evaluated against.
type Input struct {
	URL          *url.URL
	Title        string
	ContentFirst string // first 2000 characters of page text
	TabGroupSize int
}

// NewInput builds a condition input from raw page fields. The URL must
// already be normalized by the sender.
func NewInput(rawURL, title, content string, tabGroupSize int) (Input, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Input{}, fmt.Errorf("failed to parse url: %w", err)
	}
	if len(content) > 2000 {
		content = content[:2000]
	}
	return Input{URL: u, Title: title, ContentFirst: content, TabGroupSize: tabGroupSize}, nil
}

func (in Input) fieldValue(field string) (string, error) {
	switch field {
	case FieldURLHost:
		return in.URL.Host, nil
	case FieldURLPath:
		return in.URL.Path, nil
	case FieldURLQuery:
		return in.URL.RawQuery, nil
	case FieldTitle:
		return in.Title, nil
	case FieldContent2K:
		return in.ContentFirst, nil
	case FieldTabGroupSize:
		return strconv.Itoa(in.TabGroupSize), nil
	default:
		return "", fmt.Errorf("unknown condition field %q", field)
	}
}

// Validate checks the AST shape: operators, arities, fields, and that
// every regular expression compiles. A validated condition never fails
// at evaluation time except through programmer error.
func (c *Condition) Validate() error {
	if c == nil {
		return fmt.Errorf("condition is nil")
	}
	switch c.Op {
	case OpEquals, OpContains:
		return c.validateField()
	case OpMatchesRegex:
		if err := c.validateField(); err != nil {
			return err
		}
		if _, err := regexp.Compile(c.Value); err != nil {
			return fmt.Errorf("invalid regex %q: %w", c.Value, err)
		}
		return nil
	case OpInSet:
		if len(c.Values) == 0 {
			return fmt.Errorf("in_set condition requires values")
		}
		return c.validateField()
	case OpAnd, OpOr:
		if len(c.Args) < 2 {
			return fmt.Errorf("%s condition requires at least two args", c.Op)
		}
		for _, arg := range c.Args {
			if err := arg.Validate(); err != nil {
				return err
			}
		}
		return nil
	case OpNot:
		if len(c.Args) != 1 {
			return fmt.Errorf("not condition requires exactly one arg")
		}
		return c.Args[0].Validate()
	default:
		return fmt.Errorf("unknown condition op %q", c.Op)
	}
}

func (c *Condition) validateField() error {
	_, err := (Input{URL: &url.URL{}}).fieldValue(c.Field)
	return err
}

// Eval evaluates the condition against the input. Evaluation is pure:
// the same condition and input always produce the same result.
func (c *Condition) Eval(in Input) (bool, error) {
	switch c.Op {
	case OpEquals:
		v, err := in.fieldValue(c.Field)
		if err != nil {
			return false, err
		}
		return v == c.Value, nil
	case OpContains:
		v, err := in.fieldValue(c.Field)
		if err != nil {
			return false, err
		}
		return strings.Contains(v, c.Value), nil
	case OpMatchesRegex:
		v, err := in.fieldValue(c.Field)
		if err != nil {
			return false, err
		}
		re, err := regexp.Compile(c.Value)
		if err != nil {
			return false, fmt.Errorf("invalid regex %q: %w", c.Value, err)
		}
		return re.MatchString(v), nil
	case OpInSet:
		v, err := in.fieldValue(c.Field)
		if err != nil {
			return false, err
		}
		for _, candidate := range c.Values {
			if v == candidate {
				return true, nil
			}
		}
		return false, nil
	case OpAnd:
		for _, arg := range c.Args {
			ok, err := arg.Eval(in)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case OpOr:
		for _, arg := range c.Args {
			ok, err := arg.Eval(in)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case OpNot:
		ok, err := c.Args[0].Eval(in)
		if err != nil {
			return false, err
		}
		return !ok, nil
	default:
		return false, fmt.Errorf("unknown condition op %q", c.Op)
	}
}

// Rule pairs a condition with an action at a priority. Higher priorities
// are evaluated first.
type Rule struct {
	ID        string
	Priority  int
	Action    Action
	Condition *Condition
}

// Validate checks the rule's action and condition.
func (r Rule) Validate() error {
	if err := r.Action.Validate(); err != nil {
		return err
	}
	return r.Condition.Validate()
}

// MarshalCondition serializes a condition AST for storage.
func MarshalCondition(c *Condition) (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to marshal condition: %w", err)
	}
	return string(raw), nil
}

// UnmarshalCondition parses a stored condition AST.
func UnmarshalCondition(raw string) (*Condition, error) {
	var c Condition
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal condition: %w", err)
	}
	return &c, nil
}

// Engine evaluates a fixed rule set in descending priority order.
type Engine struct {
	rules []Rule
}

// NewEngine builds an engine over the given rules. Rules with equal
// priority keep their relative order.
func NewEngine(rs []Rule) *Engine {
	sorted := make([]Rule, len(rs))
	copy(sorted, rs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})
	return &Engine{rules: sorted}
}

// Match returns the first rule whose condition holds, in priority order.
// Conditions that fail to evaluate are skipped; a rule set validated on
// insert never hits that path.
func (e *Engine) Match(in Input) (Rule, bool) {
	for _, r := range e.rules {
		ok, err := r.Condition.Eval(in)
		if err != nil {
			continue
		}
		if ok {
			return r, true
		}
	}
	return Rule{}, false
}

// Rules returns the engine's rules in evaluation order.
func (e *Engine) Rules() []Rule { return e.rules }
