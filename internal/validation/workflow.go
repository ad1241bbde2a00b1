// Package validation checks workflow definitions before they are registered.
// Definition errors are fatal at registration and never surface at runtime.
package validation

import (
	"github.com/rendis/taskflow/internal/expressions"
	"github.com/rendis/taskflow/pkg/schema"
)

// WorkflowValidator runs three passes over a definition: the JSON Schema
// shape, the graph rules and the per-node semantics. Shape errors stop the
// later passes since they assume a well-formed document.
type WorkflowValidator struct {
	shape     *structure
	compilers compilers
}

func NewWorkflowValidator() (*WorkflowValidator, error) {
	shape, err := compileStructure()
	if err != nil {
		return nil, err
	}
	conditions, err := expressions.NewConditionEvaluator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{
		shape: shape,
		compilers: compilers{
			conditions: conditions,
			scripts:    expressions.NewScriptEngine(0),
			mapper:     expressions.NewMapper(),
		},
	}, nil
}

// Validate collects every issue found in def.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if def == nil {
		result.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return result
	}
	if wv.shape.checkDefinition(def, result); !result.Valid() {
		return result
	}
	result.Merge(validateGraph(def))
	result.Merge(validateSemantic(def, wv.compilers))
	return result
}

// ValidateDefinition is Validate reduced to a DEFINITION_ERROR, or nil.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

// CheckDocument checks raw JSON before decoding, catching unknown fields
// that decoding into WorkflowDefinition would drop.
func (wv *WorkflowValidator) CheckDocument(raw []byte) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	wv.shape.check(raw, result)
	return result
}

// ValidateDocument is CheckDocument reduced to its first error.
func (wv *WorkflowValidator) ValidateDocument(raw []byte) error {
	result := wv.CheckDocument(raw)
	if result.Valid() {
		return nil
	}
	issue := result.Errors[0]
	return schema.NewErrorf(schema.ErrCodeValidation, "%s", issue).
		WithDetails(map[string]any{"errors": result.Errors})
}
