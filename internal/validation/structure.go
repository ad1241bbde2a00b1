package validation

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/taskflow/pkg/schema"
)

//go:embed workflow.schema.json
var workflowSchema []byte

const workflowSchemaURL = "https://taskflow.dev/schemas/workflow.json"

// structure checks definition documents against the embedded JSON Schema.
// The compiled schema is immutable and shared between goroutines.
type structure struct {
	compiled *jsonschema.Schema
}

func compileStructure() (*structure, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(workflowSchema))
	if err != nil {
		return nil, fmt.Errorf("workflow schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(workflowSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("workflow schema: %w", err)
	}
	compiled, err := c.Compile(workflowSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("workflow schema: %w", err)
	}
	return &structure{compiled: compiled}, nil
}

// check validates a raw document and records one error per violated leaf
// keyword, located by its JSON pointer.
func (s *structure) check(raw []byte, result *schema.ValidationResult) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, "document is not valid JSON: "+err.Error())
		return
	}
	err = s.compiled.Validate(doc)
	if err == nil {
		return
	}
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return
	}
	addViolations(verr, result)
}

// checkDefinition validates a decoded definition through its JSON encoding.
func (s *structure) checkDefinition(def *schema.WorkflowDefinition, result *schema.ValidationResult) {
	raw, err := json.Marshal(def)
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, "encode definition: "+err.Error())
		return
	}
	s.check(raw, result)
}

func addViolations(verr *jsonschema.ValidationError, result *schema.ValidationResult) {
	if len(verr.Causes) > 0 {
		for _, cause := range verr.Causes {
			addViolations(cause, result)
		}
		return
	}
	path := "/" + strings.Join(verr.InstanceLocation, "/")
	result.AddError(path, schema.ErrCodeValidation, verr.Error())
}
