package mapping

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rendis/agentrt/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func newEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	e, err := NewEvaluator(nil)
	require.NoError(t, err)
	return e
}

func TestGetSet(t *testing.T) {
	m := map[string]any{
		"messages": []any{"system", map[string]any{"chatId": "c1"}},
	}
	v, ok := Get(m, "messages.1.chatId")
	require.True(t, ok)
	assert.Equal(t, "c1", v)

	_, ok = Get(m, "messages.5")
	assert.False(t, ok)
	_, ok = Get(m, "messages.x")
	assert.False(t, ok)

	Set(m, "messages.1.chatId", "c2")
	Set(m, "attributes.params.chatId", "c2")
	Set(m, "messages.9", "ignored")

	assert.Equal(t, "c2", m["messages"].([]any)[1].(map[string]any)["chatId"])
	assert.Equal(t, "c2", m["attributes"].(map[string]any)["params"].(map[string]any)["chatId"])
	assert.Len(t, m["messages"], 2)
}

func TestMergeDeepDoesNotAlias(t *testing.T) {
	src := map[string]any{"a": map[string]any{"b": 1}}
	dst := MergeDeep(map[string]any{"a": map[string]any{"c": 2}}, src)
	assert.Equal(t, map[string]any{"a": map[string]any{"b": 1, "c": 2}}, dst)

	src["a"].(map[string]any)["b"] = 99
	assert.Equal(t, 1, dst["a"].(map[string]any)["b"])
}

func TestWritePolicies(t *testing.T) {
	tests := []struct {
		name     string
		existing any
		value    any
		policy   Policy
		want     any
	}{
		{"overwrite", "old", "new", PolicyOverwrite, "new"},
		{"skip", "old", "new", PolicySkip, "old"},
		{"append list", []any{1}, 2, PolicyAppend, []any{1, 2}},
		{"append list to list", []any{1}, []any{2, 3}, PolicyAppend, []any{1, 2, 3}},
		{"append string", "ab", "c", PolicyAppend, "abc"},
		{"append scalar falls back", 1, 2, PolicyAppend, 2},
		{"merge deep", map[string]any{"a": map[string]any{"x": 1}}, map[string]any{"a": map[string]any{"y": 2}}, PolicyMergeDeep,
			map[string]any{"a": map[string]any{"x": 1, "y": 2}}},
		{"merge shallow", map[string]any{"a": map[string]any{"x": 1}, "b": 1}, map[string]any{"a": map[string]any{"y": 2}}, PolicyMergeShallow,
			map[string]any{"a": map[string]any{"y": 2}, "b": 1}},
		{"merge scalar falls back", 5, map[string]any{"a": 1}, PolicyMergeDeep, map[string]any{"a": 1}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			root := map[string]any{"k": tc.existing}
			Write(root, "k", tc.value, tc.policy)
			assert.Equal(t, tc.want, root["k"])
		})
	}
}

func TestApply_DefaultStyleRules(t *testing.T) {
	e := newEvaluator(t)
	rs := &RuleSet{Mappings: []Rule{
		{From: PathList{"event.data.human_text"}, To: []Target{{"resume.human_text"}}},
		{From: PathList{"event.data.metadata.qa_form_to_agent"}, To: []Target{{"resume.qa_form_to_agent"}}},
		{From: PathList{"event.data.metadata.params"}, To: []Target{{"state.attributes.params"}}, OnConflict: PolicyMergeDeep},
		{From: PathList{"event.tag"}, To: []Target{{"resume.i_tag"}, {"state.attributes.i_tag"}}},
	}}
	res, err := e.Apply(context.Background(), rs, Sources{
		Event: map[string]any{
			"tag": "ask",
			"data": map[string]any{
				"human_text": "42",
				"metadata":   map[string]any{"params": map[string]any{"chatId": "c9"}},
			},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Applied)
	assert.Equal(t, map[string]any{"human_text": "42", "i_tag": "ask"}, res.Resume)
	assert.Equal(t, map[string]any{"attributes": map[string]any{"params": map[string]any{"chatId": "c9"}, "i_tag": "ask"}}, res.StatePatch)
	assert.True(t, res.Produced())
}

func TestApply_FirstNonNullSourceAndTransforms(t *testing.T) {
	e := newEvaluator(t)
	rs := &RuleSet{Mappings: []Rule{
		{From: PathList{"event.data.missing", "state.count"}, Transform: &Transform{Kind: TransformToString}, To: []Target{{"resume.count"}}},
		{From: PathList{"event.data.raw"}, Transform: &Transform{Kind: TransformParseJSON}, To: []Target{{"resume.parsed"}}},
		{From: PathList{"event.data"}, Transform: &Transform{Kind: TransformPick, Path: "nested.value"}, To: []Target{{"resume.picked"}}},
		{From: PathList{"event.data"}, Transform: &Transform{Kind: TransformPick, Path: ".nested.value"}, To: []Target{{"resume.jq_picked"}}},
		{From: PathList{"event.data"}, Transform: &Transform{Kind: TransformCoalesce, Paths: []string{"event.nope", "state.fallback"}}, To: []Target{{"resume.coalesced"}}},
		{From: PathList{"event.data.list"}, Transform: &Transform{Kind: TransformJQ, Expr: "map(. * 10)"}, To: []Target{{"resume.scaled"}}},
	}}
	res, err := e.Apply(context.Background(), rs, Sources{
		Event: map[string]any{"data": map[string]any{
			"raw":    `{"a":[1,2]}`,
			"nested": map[string]any{"value": "v"},
			"list":   []any{1, 2},
		}},
		State: map[string]any{"count": 7, "fallback": "fb"},
	})
	require.NoError(t, err)
	assert.Equal(t, "7", res.Resume["count"])
	assert.Equal(t, map[string]any{"a": []any{float64(1), float64(2)}}, res.Resume["parsed"])
	assert.Equal(t, "v", res.Resume["picked"])
	assert.Equal(t, "v", res.Resume["jq_picked"])
	assert.Equal(t, "fb", res.Resume["coalesced"])
	assert.Equal(t, []any{float64(10), float64(20)}, res.Resume["scaled"])
}

func TestApply_WhenGuard(t *testing.T) {
	e := newEvaluator(t)
	rs := &RuleSet{Mappings: []Rule{
		{From: PathList{"event.data.human_text"}, To: []Target{{"resume.answer"}}, When: `event.tag == "ask"`},
		{From: PathList{"event.data.human_text"}, To: []Target{{"resume.other"}}, When: `event.tag == "other"`},
	}}
	res, err := e.Apply(context.Background(), rs, Sources{
		Event: map[string]any{"tag": "ask", "data": map[string]any{"human_text": "yes"}},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"answer": "yes"}, res.Resume)
}

func TestApply_MissingSources(t *testing.T) {
	e := newEvaluator(t)
	rule := Rule{From: PathList{"event.data.absent"}, To: []Target{{"resume.x"}}}

	res, err := e.Apply(context.Background(), &RuleSet{Mappings: []Rule{rule}}, Sources{})
	require.NoError(t, err)
	assert.False(t, res.Produced())

	res, err = e.Apply(context.Background(), &RuleSet{Mappings: []Rule{rule}, Options: Options{DefaultOnMissing: "none"}}, Sources{})
	require.NoError(t, err)
	assert.Equal(t, "none", res.Resume["x"])

	_, err = e.Apply(context.Background(), &RuleSet{Mappings: []Rule{rule}, Options: Options{Strict: true}}, Sources{})
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestApply_BottomUpOrder(t *testing.T) {
	e := newEvaluator(t)
	rs := &RuleSet{
		Mappings: []Rule{
			{From: PathList{"event.a"}, To: []Target{{"resume.v"}}},
			{From: PathList{"event.b"}, To: []Target{{"resume.v"}}},
		},
		Options: Options{ApplyOrder: OrderBottomUp},
	}
	res, err := e.Apply(context.Background(), rs, Sources{Event: map[string]any{"a": "first", "b": "second"}})
	require.NoError(t, err)
	assert.Equal(t, "first", res.Resume["v"])
}

func TestApply_ResumeRootTarget(t *testing.T) {
	e := newEvaluator(t)
	rs := &RuleSet{Mappings: []Rule{
		{From: PathList{"event.data.metadata"}, To: []Target{{"resume"}}},
		{From: PathList{"event.data.human_text"}, To: []Target{{"resume"}}},
	}}
	res, err := e.Apply(context.Background(), rs, Sources{Event: map[string]any{"data": map[string]any{
		"metadata":   map[string]any{"a": 1},
		"human_text": "hi",
	}}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1, "value": "hi"}, res.Resume)
}

func TestValidate(t *testing.T) {
	bad := []RuleSet{
		{Mappings: []Rule{{To: []Target{{"resume"}}}}},
		{Mappings: []Rule{{From: PathList{"foo.x"}, To: []Target{{"resume"}}}}},
		{Mappings: []Rule{{From: PathList{"event.x"}, To: []Target{{"elsewhere"}}}}},
		{Mappings: []Rule{{From: PathList{"event.x"}, To: []Target{{"state"}}}}},
		{Mappings: []Rule{{From: PathList{"event.x"}, To: []Target{{"resume"}}, OnConflict: "replace"}}},
		{Mappings: []Rule{{From: PathList{"event.x"}, To: []Target{{"resume"}}, Transform: &Transform{Kind: TransformPick}}}},
		{Mappings: []Rule{{From: PathList{"event.x"}, To: []Target{{"resume"}}}}, Options: Options{ApplyOrder: "random"}},
	}
	for i := range bad {
		assert.Error(t, bad[i].Validate(), "case %d", i)
	}
	assert.NoError(t, (*RuleSet)(nil).Validate())
}

func TestRewriteLegacy(t *testing.T) {
	rs := &RuleSet{Mappings: []Rule{{From: PathList{"node.answer", "node", "event.x"}, To: []Target{{"resume"}}}}}
	out := rs.RewriteLegacy()
	assert.Equal(t, PathList{"state.result.answer", "state.result", "event.x"}, out.Mappings[0].From)
	assert.Equal(t, PathList{"node.answer", "node", "event.x"}, rs.Mappings[0].From)
}

func TestDecodeShorthandForms(t *testing.T) {
	doc := `
mappings:
  - from: event.data.human_text
    transform: to_string
    to: [resume.human_text]
  - from: [event.tag, state.attributes.i_tag]
    transform: {kind: jq, expr: "ascii_upcase"}
    to:
      - target: state.attributes.tag
    on_conflict: skip
options:
  strict: true
`
	var rs RuleSet
	require.NoError(t, yaml.Unmarshal([]byte(doc), &rs))
	require.Len(t, rs.Mappings, 2)
	assert.Equal(t, PathList{"event.data.human_text"}, rs.Mappings[0].From)
	assert.Equal(t, TransformToString, rs.Mappings[0].Transform.Kind)
	assert.Equal(t, "resume.human_text", rs.Mappings[0].To[0].Target)
	assert.Equal(t, "ascii_upcase", rs.Mappings[1].Transform.Expr)
	assert.Equal(t, PolicySkip, rs.Mappings[1].OnConflict)
	assert.True(t, rs.Options.Strict)
	require.NoError(t, rs.Validate())

	var fromJSON RuleSet
	require.NoError(t, json.Unmarshal([]byte(`{"mappings":[{"from":"event.x","transform":"identity","to":["resume.x"]}]}`), &fromJSON))
	assert.Equal(t, "resume.x", fromJSON.Mappings[0].To[0].Target)
}
