package schema

import "time"

// Event type constants published on the event hub.
const (
	EventWorkflowStarted   = "workflow.started"
	EventWorkflowCompleted = "workflow.completed"
	EventWorkflowFailed    = "workflow.failed"
	EventWorkflowCancelled = "workflow.cancelled"
	EventWorkflowWaiting   = "workflow.waiting"
	EventWorkflowResumed   = "workflow.resumed"

	EventNodeStarted   = "node.started"
	EventNodeCompleted = "node.completed"
	EventNodeFailed    = "node.failed"
	EventNodeRetrying  = "node.retrying"

	EventApprovalRequested   = "approval.requested"
	EventNotificationRequest = "notification.requested"

	EventTaskCreated          = "task.created"
	EventTaskAssigned         = "task.assigned"
	EventTaskReassigned       = "task.reassigned"
	EventTaskDelegated        = "task.delegated"
	EventTaskStarted          = "task.started"
	EventTaskCompleted        = "task.completed"
	EventTaskCancelled        = "task.cancelled"
	EventTaskPriorityChanged  = "task.priority_changed"
	EventTaskCommentAdded     = "task.comment_added"
	EventTaskChecklistUpdated = "task.checklist_updated"
	EventTaskEscalated        = "task.escalated"

	EventSLAAtRisk   = "sla.at_risk"
	EventSLABreached = "sla.breached"

	EventWorkloadUpdated = "workload.updated"
)

// Event is a single notification delivered to subscribers. Only the ids relevant
// to the event type are set.
type Event struct {
	Type       string         `json:"type"`
	InstanceID string         `json:"instance_id,omitempty"`
	NodeID     string         `json:"node_id,omitempty"`
	TaskID     string         `json:"task_id,omitempty"`
	UserID     string         `json:"user_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	At         time.Time      `json:"at"`
}

// InstanceStatus represents the lifecycle state of a workflow instance.
type InstanceStatus string

const (
	InstanceStatusRunning   InstanceStatus = "RUNNING"
	InstanceStatusWaiting   InstanceStatus = "WAITING"
	InstanceStatusCompleted InstanceStatus = "COMPLETED"
	InstanceStatusFailed    InstanceStatus = "FAILED"
	InstanceStatusCancelled InstanceStatus = "CANCELLED"
)

// IsTerminal reports whether no further node may execute.
func (s InstanceStatus) IsTerminal() bool {
	return s == InstanceStatusCompleted || s == InstanceStatusFailed || s == InstanceStatusCancelled
}

// ExecutionStatus represents the lifecycle state of a node execution.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "RUNNING"
	ExecutionStatusRetrying  ExecutionStatus = "RETRYING"
	ExecutionStatusCompleted ExecutionStatus = "COMPLETED"
	ExecutionStatusFailed    ExecutionStatus = "FAILED"
)
