package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/agentrt/pkg/schema"
)

// ExprEngine evaluates router `expr:` selectors. Selectors must yield a bool
// and may reference fields the environment lacks; those read as nil.
type ExprEngine struct {
	cache *programs[*vm.Program]
}

func NewExprEngine() *ExprEngine {
	return &ExprEngine{cache: newPrograms("expr", func(src string) (*vm.Program, error) {
		return expr.Compile(src, expr.AllowUndefinedVariables(), expr.AsBool())
	})}
}

func (e *ExprEngine) Name() string { return "expr" }

func (e *ExprEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	prg, err := e.cache.get(expression)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	out, err := vm.Run(prg, data)
	if err != nil {
		return nil, exprError(schema.ErrCodeExecution, e.Name(), expression, err)
	}
	return out, nil
}

// Compile reports whether expression is a valid selector.
func (e *ExprEngine) Compile(expression string) error {
	_, err := e.cache.get(expression)
	return err
}

var _ Engine = (*ExprEngine)(nil)
