package expressions

import (
	"sort"
	"strconv"
	"strings"
)

// Lookup resolves a dotted path like "customer.address.city" or "items.0.sku"
// against nested maps and slices.
func Lookup(root any, path string) (any, bool) {
	if path == "" {
		return root, true
	}
	current := root
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, false
		}
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				return nil, false
			}
			current = val
		case map[string]string:
			val, ok := v[seg]
			if !ok {
				return nil, false
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			current = v[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// Resolve looks a path up in a scope: variables first, then "context." and
// "output." prefixed paths against their namespaces.
func (s Scope) Resolve(path string) (any, bool) {
	if v, ok := Lookup(s.Variables, path); ok {
		return v, true
	}
	if rest, ok := strings.CutPrefix(path, "variables."); ok {
		return Lookup(s.Variables, rest)
	}
	if rest, ok := strings.CutPrefix(path, "context."); ok {
		return Lookup(s.Context, rest)
	}
	if rest, ok := strings.CutPrefix(path, "output."); ok {
		return Lookup(s.Output, rest)
	}
	return nil, false
}

// mapKeys returns the sorted keys of m.
func mapKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
