package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/rendis/agentrt/pkg/schema"
)

// guardRoots are the variables a mapping guard can reference. Each is a
// map(string, dyn); absent roots evaluate as empty maps.
var guardRoots = [...]string{"event", "state", "node", "task"}

// CELEngine evaluates mapping rule `when` guards.
type CELEngine struct {
	env   *cel.Env
	cache *programs[cel.Program]
}

func NewCELEngine() (*CELEngine, error) {
	decls := make([]cel.EnvOption, 0, len(guardRoots))
	for _, root := range guardRoots {
		decls = append(decls, cel.Variable(root, cel.MapType(cel.StringType, cel.DynType)))
	}
	env, err := cel.NewEnv(decls...)
	if err != nil {
		return nil, fmt.Errorf("cel environment: %w", err)
	}
	e := &CELEngine{env: env}
	e.cache = newPrograms("cel", e.build)
	return e, nil
}

func (e *CELEngine) Name() string { return "cel" }

func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	prg, err := e.cache.get(expression)
	if err != nil {
		return nil, err
	}
	vars := make(map[string]any, len(guardRoots))
	for _, root := range guardRoots {
		vars[root] = map[string]any{}
		if v := data[root]; v != nil {
			vars[root] = v
		}
	}
	out, _, err := prg.ContextEval(ctx, vars)
	if err != nil {
		return nil, exprError(schema.ErrCodeExecution, e.Name(), expression, err)
	}
	return out.Value(), nil
}

func (e *CELEngine) build(src string) (cel.Program, error) {
	ast, iss := e.env.Compile(src)
	if err := iss.Err(); err != nil {
		return nil, err
	}
	return e.env.Program(ast)
}

var _ Engine = (*CELEngine)(nil)
