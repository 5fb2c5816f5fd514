// Package expressions hosts the three expression languages used by the runtime:
// CEL for mapping rule guards, jq for mapping transforms and expr for router
// selectors.
package expressions

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/rendis/agentrt/pkg/schema"
)

// maxPrograms bounds each engine's compiled program cache. Manifests carry a
// fixed set of expressions, so eviction only matters for ad hoc callers.
const maxPrograms = 512

// Engine evaluates an expression against a data environment.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// EvaluateBool evaluates expression with engine and requires a boolean result.
func EvaluateBool(ctx context.Context, engine Engine, expression string, data map[string]any) (bool, error) {
	out, err := engine.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	if b, ok := out.(bool); ok {
		return b, nil
	}
	return false, exprError(schema.ErrCodeValidation, engine.Name(), expression,
		fmt.Errorf("must return bool, got %s", typeName(out)))
}

// programs memoizes compiled expressions. Concurrent compiles of the same
// source collapse into one.
type programs[P any] struct {
	lang    string
	cache   *lru.Cache[string, P]
	flight  singleflight.Group
	compile func(string) (P, error)
}

func newPrograms[P any](lang string, compile func(string) (P, error)) *programs[P] {
	cache, _ := lru.New[string, P](maxPrograms)
	return &programs[P]{lang: lang, cache: cache, compile: compile}
}

// get returns the compiled form of src. Compile failures are not cached.
func (p *programs[P]) get(src string) (P, error) {
	var zero P
	if src == "" {
		return zero, schema.NewErrorf(schema.ErrCodeValidation, "empty %s expression", p.lang)
	}
	if prg, ok := p.cache.Get(src); ok {
		return prg, nil
	}
	v, err, _ := p.flight.Do(src, func() (any, error) {
		prg, err := p.compile(src)
		if err != nil {
			return nil, exprError(schema.ErrCodeValidation, p.lang, src, err)
		}
		p.cache.Add(src, prg)
		return prg, nil
	})
	if err != nil {
		return zero, err
	}
	return v.(P), nil
}

// exprError wraps err with the expression text so callers can report which
// rule or selector failed.
func exprError(code, lang, expression string, err error) *schema.RuntimeError {
	return schema.NewErrorf(code, "%s %q: %s", lang, expression, err).
		WithCause(err).
		WithDetails(map[string]any{"language": lang, "expression": expression})
}

func typeName(v any) string {
	if v == nil {
		return "null"
	}
	return fmt.Sprintf("%T", v)
}
