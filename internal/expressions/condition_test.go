package expressions

import (
	"context"
	"testing"

	"github.com/rendis/taskflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEvaluator(t *testing.T) *ConditionEvaluator {
	t.Helper()
	e, err := NewConditionEvaluator()
	require.NoError(t, err)
	return e
}

func TestCondition_NilAndEmptyAreTrue(t *testing.T) {
	e := newEvaluator(t)
	ok, err := e.Evaluate(context.Background(), nil, Scope{})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Evaluate(context.Background(), &schema.Condition{}, Scope{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCondition_CELExpression(t *testing.T) {
	e := newEvaluator(t)
	scope := Scope{Variables: map[string]any{"amount": 150.0, "region": "eu"}}

	ok, err := e.Evaluate(context.Background(), &schema.Condition{Expression: "variables.amount > 100"}, scope)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Evaluate(context.Background(), &schema.Condition{Expression: `variables.region == "us"`}, scope)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCondition_CELIntVariable(t *testing.T) {
	e := newEvaluator(t)
	scope := Scope{Variables: map[string]any{"amount": 150}}

	ok, err := e.Evaluate(context.Background(), &schema.Condition{Expression: "variables.amount > 100.5"}, scope)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCondition_CELNonBoolean(t *testing.T) {
	e := newEvaluator(t)
	_, err := e.Evaluate(context.Background(), &schema.Condition{Expression: "1 + 2"}, Scope{})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
	assert.Error(t, e.Validate(&schema.Condition{Expression: "1 + 2"}))

	// A dynamic value that is not a bool is only caught at evaluation.
	_, err = e.Evaluate(context.Background(), &schema.Condition{Expression: "variables.amount"},
		Scope{Variables: map[string]any{"amount": 5}})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeExecution, schema.CodeOf(err))
}

func TestCondition_FieldOperators(t *testing.T) {
	e := newEvaluator(t)
	scope := Scope{
		Variables: map[string]any{
			"amount":   150.0,
			"status":   "open",
			"tags":     []any{"vip", "eu"},
			"customer": map[string]any{"tier": "gold"},
			"empty":    nil,
		},
		Context: map[string]any{"initiator": "alice"},
	}

	cases := []struct {
		name string
		cond schema.Condition
		want bool
	}{
		{"eq number", schema.Condition{Field: "amount", Operator: schema.OpEquals, Value: 150}, true},
		{"ne string", schema.Condition{Field: "status", Operator: schema.OpNotEquals, Value: "closed"}, true},
		{"gt", schema.Condition{Field: "amount", Operator: schema.OpGreater, Value: 100}, true},
		{"gte equal", schema.Condition{Field: "amount", Operator: schema.OpGreaterEq, Value: 150}, true},
		{"lt", schema.Condition{Field: "amount", Operator: schema.OpLess, Value: 100}, false},
		{"lte", schema.Condition{Field: "amount", Operator: schema.OpLessEq, Value: 150.0}, true},
		{"string order", schema.Condition{Field: "status", Operator: schema.OpGreater, Value: "a"}, true},
		{"contains slice", schema.Condition{Field: "tags", Operator: schema.OpContains, Value: "vip"}, true},
		{"contains string", schema.Condition{Field: "status", Operator: schema.OpContains, Value: "pe"}, true},
		{"in", schema.Condition{Field: "status", Operator: schema.OpIn, Value: []any{"open", "new"}}, true},
		{"nested path", schema.Condition{Field: "customer.tier", Operator: schema.OpEquals, Value: "gold"}, true},
		{"context path", schema.Condition{Field: "context.initiator", Operator: schema.OpEquals, Value: "alice"}, true},
		{"exists", schema.Condition{Field: "amount", Operator: schema.OpExists}, true},
		{"exists nil", schema.Condition{Field: "empty", Operator: schema.OpExists}, false},
		{"not exists", schema.Condition{Field: "missing", Operator: schema.OpNotExists}, true},
		{"missing gt", schema.Condition{Field: "missing", Operator: schema.OpGreater, Value: 1}, false},
		{"mismatched types", schema.Condition{Field: "status", Operator: schema.OpGreater, Value: 1}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cond := tc.cond
			ok, err := e.Evaluate(context.Background(), &cond, scope)
			require.NoError(t, err)
			assert.Equal(t, tc.want, ok)
		})
	}
}

func TestCondition_AllAny(t *testing.T) {
	e := newEvaluator(t)
	scope := Scope{Variables: map[string]any{"amount": 50.0, "vip": true}}

	all := &schema.Condition{All: []schema.Condition{
		{Field: "amount", Operator: schema.OpGreater, Value: 10},
		{Field: "vip", Operator: schema.OpEquals, Value: true},
	}}
	ok, err := e.Evaluate(context.Background(), all, scope)
	require.NoError(t, err)
	assert.True(t, ok)

	anyCond := &schema.Condition{Any: []schema.Condition{
		{Field: "amount", Operator: schema.OpGreater, Value: 100},
		{Expression: "variables.vip"},
	}}
	ok, err = e.Evaluate(context.Background(), anyCond, scope)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCondition_Validate(t *testing.T) {
	e := newEvaluator(t)
	assert.NoError(t, e.Validate(&schema.Condition{Expression: "variables.a == 1"}))
	assert.Error(t, e.Validate(&schema.Condition{Expression: "variables.a =="}))
	assert.Error(t, e.Validate(&schema.Condition{Field: "a", Operator: "matches"}))
	assert.Error(t, e.Validate(&schema.Condition{Any: []schema.Condition{{Expression: "unknown_var"}}}))
}
