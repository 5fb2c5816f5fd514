package expressions

import (
	"context"

	"github.com/itchyny/gojq"

	"github.com/rendis/agentrt/pkg/schema"
)

// GoJQEngine evaluates the programs of the mapping `jq` transform. Programs
// run without access to the process environment.
type GoJQEngine struct {
	cache *programs[*gojq.Code]
}

func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{cache: newPrograms("jq", func(src string) (*gojq.Code, error) {
		q, err := gojq.Parse(src)
		if err != nil {
			return nil, err
		}
		return gojq.Compile(q, gojq.WithEnvironLoader(func() []string { return nil }))
	})}
}

func (e *GoJQEngine) Name() string { return "jq" }

func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	return e.Run(ctx, expression, data)
}

// Run feeds input to the program. A program emitting nothing yields nil, one
// value is returned as is and several come back as a slice.
func (e *GoJQEngine) Run(ctx context.Context, expression string, input any) (any, error) {
	code, err := e.cache.get(expression)
	if err != nil {
		return nil, err
	}
	var emitted []any
	iter := code.RunWithContext(ctx, Normalize(input))
	for v, ok := iter.Next(); ok; v, ok = iter.Next() {
		if runErr, isErr := v.(error); isErr {
			return nil, exprError(schema.ErrCodeExecution, e.Name(), expression, runErr)
		}
		emitted = append(emitted, v)
	}
	if len(emitted) == 1 {
		return emitted[0], nil
	}
	if len(emitted) == 0 {
		return nil, nil
	}
	return emitted, nil
}

// Normalize rewrites Go values into the JSON shapes gojq accepts. Numbers
// become float64; []string becomes []any.
func Normalize(v any) any {
	switch x := v.(type) {
	case int:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case float32:
		return float64(x)
	case []string:
		items := make([]any, 0, len(x))
		for _, s := range x {
			items = append(items, s)
		}
		return items
	case []any:
		items := make([]any, 0, len(x))
		for _, item := range x {
			items = append(items, Normalize(item))
		}
		return items
	case map[string]any:
		obj := make(map[string]any, len(x))
		for k, item := range x {
			obj[k] = Normalize(item)
		}
		return obj
	}
	return v
}

var _ Engine = (*GoJQEngine)(nil)
