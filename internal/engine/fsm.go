package engine

import (
	"slices"

	"github.com/rendis/taskflow/pkg/schema"
)

// ValidInstanceTransitions defines the allowed state transitions for instances.
var ValidInstanceTransitions = map[schema.InstanceStatus][]schema.InstanceStatus{
	schema.InstanceStatusRunning:   {schema.InstanceStatusWaiting, schema.InstanceStatusCompleted, schema.InstanceStatusFailed, schema.InstanceStatusCancelled},
	schema.InstanceStatusWaiting:   {schema.InstanceStatusRunning, schema.InstanceStatusFailed, schema.InstanceStatusCancelled},
	schema.InstanceStatusCompleted: {},
	schema.InstanceStatusFailed:    {},
	schema.InstanceStatusCancelled: {},
}

// ValidExecutionTransitions defines the allowed state transitions for node executions.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionStatusRunning:   {schema.ExecutionStatusRetrying, schema.ExecutionStatusCompleted, schema.ExecutionStatusFailed},
	schema.ExecutionStatusRetrying:  {schema.ExecutionStatusRunning, schema.ExecutionStatusFailed},
	schema.ExecutionStatusCompleted: {},
	schema.ExecutionStatusFailed:    {},
}

// transitionInstance validates and applies an instance status change.
func transitionInstance(inst *schema.WorkflowInstance, to schema.InstanceStatus) error {
	if !slices.Contains(ValidInstanceTransitions[inst.Status], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid instance transition: %s -> %s", inst.Status, to).
			WithDetails(map[string]any{"instance_id": inst.ID, "from": string(inst.Status), "to": string(to)})
	}
	inst.Status = to
	return nil
}

// transitionExecution validates and applies a node execution status change.
func transitionExecution(exec *schema.NodeExecution, to schema.ExecutionStatus) error {
	if !slices.Contains(ValidExecutionTransitions[exec.Status], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", exec.Status, to).
			WithNode(exec.NodeID).
			WithDetails(map[string]any{"instance_id": exec.InstanceID, "from": string(exec.Status), "to": string(to)})
	}
	exec.Status = to
	return nil
}

func instanceEventType(to schema.InstanceStatus) string {
	switch to {
	case schema.InstanceStatusRunning:
		return schema.EventWorkflowResumed
	case schema.InstanceStatusWaiting:
		return schema.EventWorkflowWaiting
	case schema.InstanceStatusCompleted:
		return schema.EventWorkflowCompleted
	case schema.InstanceStatusFailed:
		return schema.EventWorkflowFailed
	case schema.InstanceStatusCancelled:
		return schema.EventWorkflowCancelled
	default:
		return ""
	}
}

func executionEventType(to schema.ExecutionStatus) string {
	switch to {
	case schema.ExecutionStatusRunning:
		return schema.EventNodeStarted
	case schema.ExecutionStatusRetrying:
		return schema.EventNodeRetrying
	case schema.ExecutionStatusCompleted:
		return schema.EventNodeCompleted
	case schema.ExecutionStatusFailed:
		return schema.EventNodeFailed
	default:
		return ""
	}
}
