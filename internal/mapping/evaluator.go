package mapping

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/rendis/agentrt/internal/expressions"
	"github.com/rendis/agentrt/internal/logging"
	"github.com/rendis/agentrt/pkg/schema"
)

// Sources are the roots rules read from.
type Sources struct {
	Event map[string]any
	State map[string]any
	Node  map[string]any
	// Task is exposed to `when` guards only.
	Task map[string]any
}

func (s Sources) root(name string) map[string]any {
	switch name {
	case RootEvent:
		return s.Event
	case RootState:
		return s.State
	case RootNode:
		return s.Node
	}
	return nil
}

// Result is the output of applying a rule set.
type Result struct {
	Resume     map[string]any
	StatePatch map[string]any
	Applied    int
}

// Produced reports whether any rule wrote a value.
func (r *Result) Produced() bool {
	return r != nil && (len(r.Resume) > 0 || len(r.StatePatch) > 0)
}

// Evaluator interprets rule sets. It is safe for concurrent use.
type Evaluator struct {
	guards *expressions.CELEngine
	jq     *expressions.GoJQEngine
	logger *slog.Logger
}

// NewEvaluator creates an evaluator with its CEL and jq engines.
func NewEvaluator(logger *slog.Logger) (*Evaluator, error) {
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Evaluator{
		guards: cel,
		jq:     expressions.NewGoJQEngine(),
		logger: logging.OrDefault(logger),
	}, nil
}

// Apply runs every rule of rs against src. In strict mode a rule whose
// sources all resolve to null, or whose guard or transform fails, aborts
// the whole application.
func (e *Evaluator) Apply(ctx context.Context, rs *RuleSet, src Sources) (*Result, error) {
	res := &Result{Resume: map[string]any{}, StatePatch: map[string]any{}}
	if rs.Empty() {
		return res, nil
	}
	if err := rs.Validate(); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}

	rules := rs.Mappings
	if rs.Options.ApplyOrder == OrderBottomUp {
		rules = slices.Clone(rules)
		slices.Reverse(rules)
	}

	log := logging.LogWith(ctx, e.logger)
	for i, rule := range rules {
		ok, err := e.applyRule(ctx, rs.Options, rule, src, res)
		if err != nil {
			if rs.Options.Strict {
				return nil, err
			}
			log.Warn("mapping rule skipped", "rule", i, "from", []string(rule.From), "error", err)
			continue
		}
		if ok {
			res.Applied++
		}
	}
	return res, nil
}

func (e *Evaluator) applyRule(ctx context.Context, opts Options, rule Rule, src Sources, res *Result) (bool, error) {
	if rule.When != "" {
		pass, err := expressions.EvaluateBool(ctx, e.guards, rule.When, map[string]any{
			"event": src.Event,
			"state": src.State,
			"node":  src.Node,
			"task":  src.Task,
		})
		if err != nil {
			return false, err
		}
		if !pass {
			return false, nil
		}
	}

	value, found := resolveFirst(rule.From, src)
	if !found {
		switch {
		case opts.Strict:
			return false, schema.NewErrorf(schema.ErrCodeValidation, "no value for %s", strings.Join(rule.From, ", "))
		case opts.DefaultOnMissing != nil:
			value = CloneValue(opts.DefaultOnMissing)
		default:
			return false, nil
		}
	}

	value, err := e.transform(ctx, rule.Transform, value, src)
	if err != nil {
		return false, err
	}

	policy := rule.OnConflict
	if policy == "" {
		policy = PolicyOverwrite
	}
	for _, tgt := range rule.To {
		root, path, _ := strings.Cut(tgt.Target, ".")
		switch root {
		case TargetResume:
			writeResume(res.Resume, path, value, policy)
		case TargetState:
			Write(res.StatePatch, path, value, policy)
		}
	}
	return true, nil
}

// resolveFirst returns the first non-null value among dotted source paths.
func resolveFirst(paths []string, src Sources) (any, bool) {
	for _, p := range paths {
		root, rest, _ := strings.Cut(p, ".")
		m := src.root(root)
		if m == nil {
			continue
		}
		if v, ok := Get(m, rest); ok {
			return CloneValue(v), true
		}
	}
	return nil, false
}

func (e *Evaluator) transform(ctx context.Context, t *Transform, value any, src Sources) (any, error) {
	if t == nil {
		return value, nil
	}
	switch t.Kind {
	case TransformIdentity, "":
		return value, nil
	case TransformToString:
		return toString(value), nil
	case TransformParseJSON:
		s, ok := value.(string)
		if !ok {
			return value, nil
		}
		var out any
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse_json: %s", err).WithCause(err)
		}
		return out, nil
	case TransformPick:
		if strings.HasPrefix(t.Path, ".") {
			return e.jq.Run(ctx, t.Path, value)
		}
		v, _ := Get(value, t.Path)
		return v, nil
	case TransformCoalesce:
		if v, ok := resolveFirst(t.Paths, src); ok {
			return v, nil
		}
		return value, nil
	case TransformJQ:
		return e.jq.Run(ctx, t.Expr, value)
	}
	return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown transform %q", t.Kind)
}

func toString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case map[string]any, []any:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	default:
		return fmt.Sprint(val)
	}
}

// writeResume writes into the resume payload. The bare `resume` target
// merges a map value into the payload root; scalars land under "value".
func writeResume(resume map[string]any, path string, value any, policy Policy) {
	if path != "" {
		Write(resume, path, value, policy)
		return
	}
	m, ok := value.(map[string]any)
	if !ok {
		Write(resume, "value", value, policy)
		return
	}
	switch policy {
	case PolicySkip:
		if len(resume) > 0 {
			return
		}
		MergeDeep(resume, m)
	case PolicyMergeDeep:
		MergeDeep(resume, m)
	default:
		for k, v := range m {
			Write(resume, k, v, policy)
		}
	}
}

// Write stores value at path in root according to policy. Append on a leaf
// that is neither a list nor a string overwrites; merges on scalars overwrite.
func Write(root map[string]any, path string, value any, policy Policy) {
	existing, exists := Get(root, path)
	if !exists {
		Set(root, path, value)
		return
	}

	switch policy {
	case PolicySkip:
		return
	case PolicyMergeDeep:
		dm, dok := existing.(map[string]any)
		sm, sok := value.(map[string]any)
		if dok && sok {
			Set(root, path, MergeDeep(CloneMap(dm), sm))
			return
		}
	case PolicyMergeShallow:
		dm, dok := existing.(map[string]any)
		sm, sok := value.(map[string]any)
		if dok && sok {
			out := make(map[string]any, len(dm)+len(sm))
			for k, v := range dm {
				out[k] = v
			}
			for k, v := range sm {
				out[k] = v
			}
			Set(root, path, out)
			return
		}
	case PolicyAppend:
		switch cur := existing.(type) {
		case []any:
			out := slices.Clone(cur)
			if more, ok := value.([]any); ok {
				out = append(out, more...)
			} else {
				out = append(out, value)
			}
			Set(root, path, out)
			return
		case string:
			Set(root, path, cur+toString(value))
			return
		}
	}
	Set(root, path, value)
}
