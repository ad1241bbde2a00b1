package expressions

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/rendis/taskflow/pkg/schema"
)

// ConditionEvaluator decides edge conditions. It is pure: the result depends
// only on the condition and the scope.
type ConditionEvaluator struct {
	cel *CELEngine
}

// NewConditionEvaluator creates an evaluator backed by a fresh CEL engine.
func NewConditionEvaluator() (*ConditionEvaluator, error) {
	cel, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &ConditionEvaluator{cel: cel}, nil
}

// Evaluate reports whether cond holds in scope. A nil or empty condition is true.
func (e *ConditionEvaluator) Evaluate(ctx context.Context, cond *schema.Condition, scope Scope) (bool, error) {
	if cond == nil {
		return true, nil
	}

	switch {
	case cond.Expression != "":
		out, err := e.cel.Evaluate(ctx, cond.Expression, scope.Data())
		if err != nil {
			return false, err
		}
		b, ok := out.(bool)
		if !ok {
			return false, schema.NewErrorf(schema.ErrCodeExecution,
				"condition %q evaluated to %T, want bool", cond.Expression, out)
		}
		return b, nil

	case len(cond.All) > 0:
		for i := range cond.All {
			ok, err := e.Evaluate(ctx, &cond.All[i], scope)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil

	case len(cond.Any) > 0:
		for i := range cond.Any {
			ok, err := e.Evaluate(ctx, &cond.Any[i], scope)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case cond.Field != "":
		actual, found := scope.Resolve(cond.Field)
		return compare(cond.Operator, actual, found, cond.Value)
	}

	return true, nil
}

// Validate checks a condition tree for unknown operators and CEL compile errors.
func (e *ConditionEvaluator) Validate(cond *schema.Condition) error {
	if cond == nil {
		return nil
	}
	if cond.Expression != "" {
		return e.cel.Compile(cond.Expression)
	}
	for i := range cond.All {
		if err := e.Validate(&cond.All[i]); err != nil {
			return err
		}
	}
	for i := range cond.Any {
		if err := e.Validate(&cond.Any[i]); err != nil {
			return err
		}
	}
	if cond.Field != "" && !knownOperators[cond.Operator] {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown condition operator %q", cond.Operator)
	}
	return nil
}

var knownOperators = map[schema.ConditionOperator]bool{
	schema.OpEquals:    true,
	schema.OpNotEquals: true,
	schema.OpGreater:   true,
	schema.OpGreaterEq: true,
	schema.OpLess:      true,
	schema.OpLessEq:    true,
	schema.OpContains:  true,
	schema.OpIn:        true,
	schema.OpExists:    true,
	schema.OpNotExists: true,
}

func compare(op schema.ConditionOperator, actual any, found bool, expected any) (bool, error) {
	switch op {
	case schema.OpExists:
		return found && actual != nil, nil
	case schema.OpNotExists:
		return !found || actual == nil, nil
	case schema.OpEquals, "":
		return found && equal(actual, expected), nil
	case schema.OpNotEquals:
		return !found || !equal(actual, expected), nil
	case schema.OpGreater, schema.OpGreaterEq, schema.OpLess, schema.OpLessEq:
		if !found {
			return false, nil
		}
		c, ok := order(actual, expected)
		if !ok {
			return false, nil
		}
		switch op {
		case schema.OpGreater:
			return c > 0, nil
		case schema.OpGreaterEq:
			return c >= 0, nil
		case schema.OpLess:
			return c < 0, nil
		default:
			return c <= 0, nil
		}
	case schema.OpContains:
		return found && contains(actual, expected), nil
	case schema.OpIn:
		return found && contains(expected, actual), nil
	}
	return false, schema.NewErrorf(schema.ErrCodeValidation, "unknown condition operator %q", op)
}

func equal(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return reflect.DeepEqual(a, b)
}

// order returns -1, 0 or 1 for numbers or strings; ok is false otherwise.
func order(a, b any) (int, bool) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	sa, okA := a.(string)
	sb, okB := b.(string)
	if !okA || !okB {
		return 0, false
	}
	return strings.Compare(sa, sb), true
}

func contains(container, item any) bool {
	switch c := container.(type) {
	case string:
		s, ok := item.(string)
		return ok && strings.Contains(c, s)
	case []any:
		for _, e := range c {
			if equal(e, item) {
				return true
			}
		}
	case []string:
		s, ok := item.(string)
		if !ok {
			return false
		}
		for _, e := range c {
			if e == s {
				return true
			}
		}
	case map[string]any:
		_, ok := c[fmt.Sprint(item)]
		return ok
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
