package expressions

import "context"

// Engine evaluates expressions against workflow state.
// Three implementations: CEL (conditions), Expr (scripts), GoJQ (output mapping).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Scope is the data visible to conditions, scripts and placeholders of one instance.
type Scope struct {
	Variables map[string]any
	Context   map[string]any
	Output    map[string]any // output of the node whose edges are being evaluated
}

// Data returns the activation map shared by all engines.
func (s Scope) Data() map[string]any {
	return map[string]any{
		"variables": orEmpty(s.Variables),
		"context":   orEmpty(s.Context),
		"output":    orEmpty(s.Output),
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
