package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/taskflow/pkg/schema"
)

// secretsPrefix marks placeholders resolved through a SecretResolver.
const secretsPrefix = "secrets."

// SecretResolver looks up secret values by name.
type SecretResolver interface {
	Resolve(ctx context.Context, name string) ([]byte, error)
}

// lookupFunc resolves one placeholder path. A verbatim result is written
// back untouched.
type lookupFunc func(path string) (any, error)

// verbatim is placeholder text left for a later expansion.
type verbatim string

// Interpolate replaces every {{path}} placeholder in s with the value at path
// in scope. Strings are inserted as is, other values as compact JSON. A
// missing path or an unclosed placeholder is an INTERPOLATION_ERROR.
// {{secrets.NAME}} placeholders are left in place.
func Interpolate(s string, scope Scope) (string, error) {
	return expand(s, variablesOnly(scope))
}

// InterpolateValue walks JSON-like values and interpolates every string.
// A string that is exactly one placeholder keeps the typed value.
func InterpolateValue(v any, scope Scope) (any, error) {
	return expandValue(v, variablesOnly(scope))
}

// Interpolator expands variables and {{secrets.NAME}} placeholders in one
// pass, so text produced by a variable is never expanded again.
type Interpolator struct {
	vault SecretResolver
}

// NewInterpolator creates an Interpolator. With a nil vault every secret
// placeholder fails.
func NewInterpolator(vault SecretResolver) *Interpolator {
	return &Interpolator{vault: vault}
}

// String is Interpolate with secrets resolved.
func (in *Interpolator) String(ctx context.Context, s string, scope Scope) (string, error) {
	return expand(s, in.lookup(ctx, scope))
}

// Value is InterpolateValue with secrets resolved.
func (in *Interpolator) Value(ctx context.Context, v any, scope Scope) (any, error) {
	return expandValue(v, in.lookup(ctx, scope))
}

func (in *Interpolator) lookup(ctx context.Context, scope Scope) lookupFunc {
	return func(path string) (any, error) {
		name, ok := strings.CutPrefix(path, secretsPrefix)
		if !ok {
			return resolvePlaceholder(path, scope)
		}
		if in.vault == nil {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation, "secret %q referenced but no vault is configured", name)
		}
		val, err := in.vault.Resolve(ctx, name)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeVault, "resolve secret %q", name).WithCause(err)
		}
		return string(val), nil
	}
}

func variablesOnly(scope Scope) lookupFunc {
	return func(path string) (any, error) {
		if strings.HasPrefix(path, secretsPrefix) {
			return verbatim("{{" + path + "}}"), nil
		}
		return resolvePlaceholder(path, scope)
	}
}

func expand(s string, lookup lookupFunc) (string, error) {
	head, rest, found := strings.Cut(s, "{{")
	if !found {
		return s, nil
	}
	var b strings.Builder
	b.Grow(len(s))
	for found {
		b.WriteString(head)
		var path string
		var closed bool
		path, rest, closed = strings.Cut(rest, "}}")
		if !closed {
			return "", schema.NewError(schema.ErrCodeInterpolation, "unclosed {{ placeholder")
		}
		path = strings.TrimSpace(path)
		if path == "" {
			return "", schema.NewError(schema.ErrCodeInterpolation, "empty placeholder {{ }}")
		}
		val, err := lookup(path)
		if err != nil {
			return "", err
		}
		b.WriteString(marshalInline(val))
		head, rest, found = strings.Cut(rest, "{{")
	}
	b.WriteString(head)
	return b.String(), nil
}

func expandValue(v any, lookup lookupFunc) (any, error) {
	switch val := v.(type) {
	case string:
		path, ok := singlePlaceholder(val)
		if !ok {
			return expand(val, lookup)
		}
		if path == "" {
			return nil, schema.NewError(schema.ErrCodeInterpolation, "empty placeholder {{ }}")
		}
		out, err := lookup(path)
		if _, keep := out.(verbatim); keep {
			return val, nil
		}
		return out, err
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := expandValue(item, lookup)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := expandValue(item, lookup)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// HasPlaceholder reports whether s contains a {{...}} token.
func HasPlaceholder(s string) bool {
	open := strings.Index(s, "{{")
	return open >= 0 && strings.Contains(s[open:], "}}")
}

func singlePlaceholder(s string) (string, bool) {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "{{") || !strings.HasSuffix(t, "}}") {
		return "", false
	}
	inner := t[2 : len(t)-2]
	if strings.Contains(inner, "{{") || strings.Contains(inner, "}}") {
		return "", false
	}
	return strings.TrimSpace(inner), true
}

func resolvePlaceholder(path string, scope Scope) (any, error) {
	val, ok := scope.Resolve(path)
	if !ok {
		available := mapKeys(scope.Variables)
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"variable %q not found; available: [%s]", path, strings.Join(available, ", ")).
			WithDetails(map[string]any{"path": path, "available": available})
	}
	return val, nil
}

func marshalInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case verbatim:
		return string(v)
	case nil:
		return ""
	case bool, int, int64, float64:
		return fmt.Sprintf("%v", v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
