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

package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trailmem/trailmem/pkg/model"
)

func docsInput(t *testing.T) Input {
	t.Helper()
	in, err := NewInput("https://docs.example.com/guide?lang=en", "Guide", "How to configure the widget", 3)
	require.NoError(t, err)
	return in
}

func TestCondition_Leaves(t *testing.T) {
	in := docsInput(t)

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"equals_host", Condition{Op: OpEquals, Field: FieldURLHost, Value: "docs.example.com"}, true},
		{"equals_host_miss", Condition{Op: OpEquals, Field: FieldURLHost, Value: "example.com"}, false},
		{"contains_path", Condition{Op: OpContains, Field: FieldURLPath, Value: "guide"}, true},
		{"contains_content", Condition{Op: OpContains, Field: FieldContent2K, Value: "configure"}, true},
		{"regex_query", Condition{Op: OpMatchesRegex, Field: FieldURLQuery, Value: `lang=\w+`}, true},
		{"in_set_title", Condition{Op: OpInSet, Field: FieldTitle, Values: []string{"Guide", "Manual"}}, true},
		{"in_set_miss", Condition{Op: OpInSet, Field: FieldTitle, Values: []string{"Manual"}}, false},
		{"group_size_equals", Condition{Op: OpEquals, Field: FieldTabGroupSize, Value: "3"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cond.Eval(in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCondition_Composite(t *testing.T) {
	in := docsInput(t)

	and := Condition{Op: OpAnd, Args: []*Condition{
		{Op: OpEquals, Field: FieldURLHost, Value: "docs.example.com"},
		{Op: OpContains, Field: FieldURLPath, Value: "guide"},
	}}
	got, err := and.Eval(in)
	require.NoError(t, err)
	assert.True(t, got)

	or := Condition{Op: OpOr, Args: []*Condition{
		{Op: OpEquals, Field: FieldURLHost, Value: "other.com"},
		{Op: OpContains, Field: FieldTitle, Value: "Guide"},
	}}
	got, err = or.Eval(in)
	require.NoError(t, err)
	assert.True(t, got)

	not := Condition{Op: OpNot, Args: []*Condition{
		{Op: OpEquals, Field: FieldURLHost, Value: "docs.example.com"},
	}}
	got, err = not.Eval(in)
	require.NoError(t, err)
	assert.False(t, got)
}

func TestCondition_Validate(t *testing.T) {
	valid := Condition{Op: OpAnd, Args: []*Condition{
		{Op: OpEquals, Field: FieldURLHost, Value: "a.com"},
		{Op: OpMatchesRegex, Field: FieldURLPath, Value: `^/docs/`},
	}}
	assert.NoError(t, valid.Validate())

	tests := []struct {
		name string
		cond Condition
	}{
		{"unknown_op", Condition{Op: "like", Field: FieldTitle, Value: "x"}},
		{"unknown_field", Condition{Op: OpEquals, Field: "url.fragment", Value: "x"}},
		{"bad_regex", Condition{Op: OpMatchesRegex, Field: FieldTitle, Value: "("}},
		{"empty_in_set", Condition{Op: OpInSet, Field: FieldTitle}},
		{"and_single_arg", Condition{Op: OpAnd, Args: []*Condition{{Op: OpEquals, Field: FieldTitle, Value: "x"}}}},
		{"not_two_args", Condition{Op: OpNot, Args: []*Condition{
			{Op: OpEquals, Field: FieldTitle, Value: "x"},
			{Op: OpEquals, Field: FieldTitle, Value: "y"},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.cond.Validate())
		})
	}
}

func TestAction_Validate(t *testing.T) {
	assert.NoError(t, Action{Kind: ActionAlwaysProcess}.Validate())
	assert.NoError(t, Action{Kind: ActionPreferType, PageType: model.PageTypeKnowledge}.Validate())
	assert.NoError(t, Action{Kind: ActionBoostConfidence, Delta: 0.2}.Validate())

	assert.Error(t, Action{Kind: "drop"}.Validate())
	assert.Error(t, Action{Kind: ActionPreferType, PageType: "article"}.Validate())
	assert.Error(t, Action{Kind: ActionBoostConfidence, Delta: 1.5}.Validate())
}

func TestEngine_PriorityOrder(t *testing.T) {
	matchAll := func() *Condition {
		return &Condition{Op: OpContains, Field: FieldURLHost, Value: ""}
	}
	engine := NewEngine([]Rule{
		{ID: "low", Priority: 10, Action: Action{Kind: ActionNeverProcess}, Condition: matchAll()},
		{ID: "high", Priority: 100, Action: Action{Kind: ActionAlwaysProcess}, Condition: matchAll()},
	})

	rule, ok := engine.Match(docsInput(t))
	require.True(t, ok)
	assert.Equal(t, "high", rule.ID)
}

func TestEngine_NoMatch(t *testing.T) {
	engine := NewEngine([]Rule{{
		ID:        "r1",
		Priority:  1,
		Action:    Action{Kind: ActionNeverProcess},
		Condition: &Condition{Op: OpEquals, Field: FieldURLHost, Value: "other.com"},
	}})

	_, ok := engine.Match(docsInput(t))
	assert.False(t, ok)
}

func TestConditionRoundTrip(t *testing.T) {
	orig := &Condition{Op: OpOr, Args: []*Condition{
		{Op: OpEquals, Field: FieldURLHost, Value: "a.com"},
		{Op: OpInSet, Field: FieldTitle, Values: []string{"x", "y"}},
	}}

	raw, err := MarshalCondition(orig)
	require.NoError(t, err)

	parsed, err := UnmarshalCondition(raw)
	require.NoError(t, err)
	assert.Equal(t, orig, parsed)
}
