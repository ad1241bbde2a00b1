package schema

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriority_WeightOrdering(t *testing.T) {
	assert.Greater(t, PriorityCritical.Weight(), PriorityUrgent.Weight())
	assert.Greater(t, PriorityUrgent.Weight(), PriorityHigh.Weight())
	assert.Greater(t, PriorityHigh.Weight(), PriorityNormal.Weight())
	assert.Greater(t, PriorityNormal.Weight(), PriorityLow.Weight())
}

func TestPriority_NextCapsAtCritical(t *testing.T) {
	assert.Equal(t, PriorityNormal, PriorityLow.Next())
	assert.Equal(t, PriorityHigh, PriorityNormal.Next())
	assert.Equal(t, PriorityCritical, PriorityUrgent.Next())
	assert.Equal(t, PriorityCritical, PriorityCritical.Next())
	assert.False(t, Priority("SOMEDAY").Valid())
}

func TestFlowError_Format(t *testing.T) {
	assert.Equal(t, "[NOT_FOUND] task t1: missing", NewError(ErrCodeNotFound, "missing").WithTask("t1").Error())
	assert.Equal(t, "[SCRIPT_ERROR] node n1: boom", NewError(ErrCodeScript, "boom").WithNode("n1").Error())
	assert.Equal(t, "[CONFLICT] busy", NewError(ErrCodeConflict, "busy").Error())
}

func TestFlowError_RetryableAndCode(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := NewError(ErrCodeExecution, "call failed").WithCause(cause)
	assert.True(t, err.IsRetryable())
	assert.ErrorIs(t, err, cause)

	wrapped := fmt.Errorf("outer: %w", NewError(ErrCodeNoMatchingBranch, "none"))
	assert.Equal(t, ErrCodeNoMatchingBranch, CodeOf(wrapped))
	assert.True(t, IsCode(wrapped, ErrCodeNoMatchingBranch))
	assert.False(t, NewError(ErrCodeChecklistIncomplete, "x").IsRetryable())
	assert.Equal(t, "", CodeOf(cause))
}

func TestTask_CloneIsDeep(t *testing.T) {
	due := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	orig := &Task{
		ID:        "t1",
		DueDate:   &due,
		Checklist: []ChecklistItem{{ID: "a", Required: true}},
		Metadata:  map[string]any{"nested": map[string]any{"k": "v"}},
	}
	c := orig.Clone()
	c.Checklist[0].Completed = true
	*c.DueDate = due.Add(time.Hour)
	c.Metadata["nested"].(map[string]any)["k"] = "changed"

	assert.False(t, orig.Checklist[0].Completed)
	assert.Equal(t, due, *orig.DueDate)
	assert.Equal(t, "v", orig.Metadata["nested"].(map[string]any)["k"])
	assert.Equal(t, []string{"a"}, orig.OpenRequired())
}

func TestInstance_CurrentNodes(t *testing.T) {
	inst := &WorkflowInstance{}
	inst.AddCurrent("a")
	inst.AddCurrent("b")
	inst.AddCurrent("a")
	assert.Equal(t, []string{"a", "b"}, inst.CurrentNodes)

	inst.RemoveCurrent("a")
	assert.Equal(t, []string{"b"}, inst.CurrentNodes)
	assert.False(t, inst.HasCurrent("a"))
}

func TestParseDefinition_YAMLKeepsConfig(t *testing.T) {
	doc := `
id: onboarding
nodes:
  - id: start
    type: START
  - id: review
    type: TASK
    config:
      title: Review
      priority: HIGH
  - id: end
    type: END
edges:
  - {id: e1, source: start, target: review}
  - {id: e2, source: review, target: end}
`
	def, err := ParseDefinition([]byte(doc), "onboarding.yaml")
	require.NoError(t, err)
	require.Len(t, def.Nodes, 3)

	cfg, err := DecodeConfig[TaskConfig](def.Nodes[1])
	require.NoError(t, err)
	assert.Equal(t, "Review", cfg.Title)
	assert.Equal(t, PriorityHigh, cfg.Priority)
}

func TestDecodeConfig_Invalid(t *testing.T) {
	_, err := DecodeConfig[WaitConfig](Node{ID: "w", Type: NodeTypeWait, Config: []byte(`{"duration": 5}`)})
	require.Error(t, err)
	assert.Equal(t, ErrCodeDefinition, CodeOf(err))
}
