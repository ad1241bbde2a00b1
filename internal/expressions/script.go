package expressions

import (
	"context"
	"fmt"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rendis/taskflow/pkg/schema"
)

const (
	// DefaultScriptTimeout bounds a single script evaluation.
	DefaultScriptTimeout = 2 * time.Second
	maxScriptNodes       = 5000
)

// ScriptEngine implements the Engine interface using expr-lang/expr. It runs
// SCRIPT node bodies and DYNAMIC assignment expressions. The language has no
// statements, no I/O and no host access; evaluation is bounded by an AST node
// limit, the VM memory budget and a wall-clock timeout.
type ScriptEngine struct {
	timeout  time.Duration
	programs *programCache[*vm.Program]
}

// NewScriptEngine creates a script engine. A zero timeout uses DefaultScriptTimeout.
func NewScriptEngine(timeout time.Duration) *ScriptEngine {
	if timeout <= 0 {
		timeout = DefaultScriptTimeout
	}
	return &ScriptEngine{
		timeout:  timeout,
		programs: newProgramCache(0, compileScript),
	}
}

// Name returns the engine identifier.
func (e *ScriptEngine) Name() string {
	return "expr"
}

// Compile checks that a script compiles, caching the program.
func (e *ScriptEngine) Compile(expression string) error {
	_, err := e.programs.get(expression)
	return err
}

// Evaluate runs an expression with data as its environment. Variables are also
// visible at top level, so `amount > 100` and `variables.amount > 100` are equivalent.
//
// The expr VM takes no context. When the timeout fires Evaluate returns
// TIMEOUT at once, but the abandoned run keeps its goroutine until it ends on
// its own. That run is finite: the language has no loops beyond bounded
// builtins, programs are capped at maxScriptNodes and the VM aborts once its
// memory budget is spent.
func (e *ScriptEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeScript, "empty script")
	}

	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}

	env := scriptEnv(data)

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type result struct {
		out any
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("script panic: %v", r)}
			}
		}()
		out, err := vm.Run(prg, env)
		done <- result{out: out, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeScript,
				"script evaluation failed for %q: %s", expression, r.err.Error()).
				WithCause(r.err).
				WithDetails(map[string]any{"expression": expression})
		}
		return r.out, nil
	case <-ctx.Done():
		return nil, schema.NewErrorf(schema.ErrCodeTimeout,
			"script exceeded %s", e.timeout).
			WithCause(ctx.Err()).
			WithDetails(map[string]any{"expression": expression})
	}
}

// scriptEnv flattens variables to top level beneath the reserved scope keys.
func scriptEnv(data map[string]any) map[string]any {
	env := make(map[string]any, len(data)+4)
	if vars, ok := data["variables"].(map[string]any); ok {
		for k, v := range vars {
			env[k] = v
		}
	}
	for k, v := range data {
		env[k] = v
	}
	return env
}

// compileScript compiles without a typed env: identifiers resolve at run
// time so one cached program serves every instance regardless of variable types.
func compileScript(expression string) (*vm.Program, error) {
	prg, err := expr.Compile(expression,
		expr.AllowUndefinedVariables(),
		expr.MaxNodes(maxScriptNodes),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeScript,
			"script compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return prg, nil
}

var _ Engine = (*ScriptEngine)(nil)
