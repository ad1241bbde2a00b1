package schema

import (
	"encoding/json"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseDefinition decodes a JSON or YAML definition document. YAML is
// normalized to JSON first so node config blocks keep their raw form.
func ParseDefinition(data []byte, name string) (*WorkflowDefinition, error) {
	raw := data
	if isYAML(name) {
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, NewErrorf(ErrCodeDefinition, "parse %s: %s", name, err.Error()).WithCause(err)
		}
		b, err := json.Marshal(doc)
		if err != nil {
			return nil, NewErrorf(ErrCodeDefinition, "normalize %s: %s", name, err.Error()).WithCause(err)
		}
		raw = b
	}
	var def WorkflowDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, NewErrorf(ErrCodeDefinition, "parse %s: %s", name, err.Error()).WithCause(err)
	}
	return &def, nil
}

func isYAML(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
