package expressions

import (
	"context"
	"reflect"

	"github.com/itchyny/gojq"

	"github.com/rendis/taskflow/pkg/schema"
)

// Mapper applies node output mappings: each entry assigns a variable from a
// jq expression over the node output. $ENV and env are empty inside queries.
type Mapper struct {
	programs *programCache[*gojq.Code]
}

func NewMapper() *Mapper {
	return &Mapper{programs: newProgramCache(0, compileJQ)}
}

func (m *Mapper) Name() string { return "jq" }

// Compile reports whether expression parses and compiles.
func (m *Mapper) Compile(expression string) error {
	_, err := m.programs.get(expression)
	return err
}

// Evaluate runs a jq query against data. No output yields nil, one output is
// returned as is, several are collected into a slice.
func (m *Mapper) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}
	code, err := m.programs.get(expression)
	if err != nil {
		return nil, err
	}

	input, _ := jqValue(reflect.ValueOf(data)).(map[string]any)
	if input == nil {
		input = map[string]any{}
	}

	var results []any
	iter := code.RunWithContext(ctx, input)
	for v, ok := iter.Next(); ok; v, ok = iter.Next() {
		if err, isErr := v.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "jq %q: %s", expression, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"expression": expression})
		}
		results = append(results, v)
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	}
	return results, nil
}

// Apply evaluates every mapping against output and returns the variables to merge.
func (m *Mapper) Apply(ctx context.Context, mapping map[string]string, output map[string]any) (map[string]any, error) {
	if len(mapping) == 0 {
		return nil, nil
	}
	vars := make(map[string]any, len(mapping))
	for name, expression := range mapping {
		v, err := m.Evaluate(ctx, expression, output)
		if err != nil {
			return nil, schema.NewErrorf(schema.CodeOf(err), "output mapping %q: %s", name, err.Error()).WithCause(err)
		}
		vars[name] = v
	}
	return vars, nil
}

func compileJQ(expression string) (*gojq.Code, error) {
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse jq %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	code, err := gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "compile jq %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return code, nil
}

// jqValue converts v into the value domain gojq accepts: nil, bool, int,
// float64, string, []any and map[string]any. Values decoded from JSON already
// are; values built in Go may carry narrower numbers, typed slices or maps.
func jqValue(v reflect.Value) any {
	if !v.IsValid() {
		return nil
	}
	switch v.Kind() {
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			return nil
		}
		return jqValue(v.Elem())
	case reflect.Bool:
		return v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return int(v.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(v.Uint())
	case reflect.Float32, reflect.Float64:
		return v.Float()
	case reflect.String:
		return v.String()
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.IsNil() {
			return nil
		}
		out := make([]any, v.Len())
		for i := range out {
			out[i] = jqValue(v.Index(i))
		}
		return out
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return nil
		}
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = jqValue(iter.Value())
		}
		return out
	}
	return nil
}

var _ Engine = (*Mapper)(nil)
