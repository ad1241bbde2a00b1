package expressions

import (
	"context"

	"github.com/google/cel-go/cel"

	"github.com/rendis/taskflow/pkg/schema"
)

// celVariables are the top-level names a condition may reference, each a
// map(string, dyn): instance variables, the immutable instance context, and
// the output of the node whose edges are being evaluated.
var celVariables = []string{"variables", "context", "output"}

// CELEngine evaluates CEL edge conditions. Safe for concurrent use.
type CELEngine struct {
	env      *cel.Env
	programs *programCache[cel.Program]
}

func NewCELEngine() (*CELEngine, error) {
	opts := []cel.EnvOption{cel.CrossTypeNumericComparisons(true)}
	for _, name := range celVariables {
		opts = append(opts, cel.Variable(name, cel.MapType(cel.StringType, cel.DynType)))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "cel environment").WithCause(err)
	}
	e := &CELEngine{env: env}
	e.programs = newProgramCache(0, e.build)
	return e, nil
}

func (e *CELEngine) Name() string { return "cel" }

// Compile reports whether expression type-checks against the environment.
func (e *CELEngine) Compile(expression string) error {
	_, err := e.programs.get(expression)
	return err
}

func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}

	// Absent namespaces bind to empty maps so a missing key reports
	// "no such key" instead of an unbound variable.
	activation := make(map[string]any, len(celVariables))
	for _, name := range celVariables {
		v, ok := data[name]
		if !ok || v == nil {
			v = map[string]any{}
		}
		activation[name] = v
	}

	out, _, err := prg.ContextEval(ctx, activation)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "evaluate %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out.Value(), nil
}

func (e *CELEngine) build(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if err := issues.Err(); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "compile %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "condition %q has type %s, want bool", expression, out).
			WithDetails(map[string]any{"expression": expression})
	}
	prg, err := e.env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "program %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return prg, nil
}

var _ Engine = (*CELEngine)(nil)
