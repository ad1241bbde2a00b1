package schema

import (
	"encoding/json"
	"time"
)

// WorkflowInstance is one execution of a workflow definition.
type WorkflowInstance struct {
	ID                string          `json:"id"`
	DefinitionID      string          `json:"definition_id"`
	DefinitionVersion int             `json:"definition_version,omitempty"`
	Status            InstanceStatus  `json:"status"`
	Variables         map[string]any  `json:"variables"`
	Context           InstanceContext `json:"context"`
	CurrentNodes      []string        `json:"current_nodes"`
	StartedAt         time.Time       `json:"started_at"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	DurationMs        int64           `json:"duration_ms,omitempty"`
	Error             *InstanceError  `json:"error,omitempty"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// InstanceContext is immutable metadata supplied when an instance starts.
type InstanceContext struct {
	Initiator     string            `json:"initiator,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Links         map[string]string `json:"links,omitempty"`
}

// InstanceError is the terminal error of a failed or cancelled instance.
type InstanceError struct {
	NodeID  string    `json:"node_id,omitempty"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
	Stack   string    `json:"stack,omitempty"`
	At      time.Time `json:"at"`
}

// HasCurrent reports whether nodeID is executing or awaiting completion.
func (i *WorkflowInstance) HasCurrent(nodeID string) bool {
	for _, id := range i.CurrentNodes {
		if id == nodeID {
			return true
		}
	}
	return false
}

// AddCurrent adds nodeID to the current node set.
func (i *WorkflowInstance) AddCurrent(nodeID string) {
	if !i.HasCurrent(nodeID) {
		i.CurrentNodes = append(i.CurrentNodes, nodeID)
	}
}

// RemoveCurrent removes nodeID from the current node set.
func (i *WorkflowInstance) RemoveCurrent(nodeID string) {
	out := i.CurrentNodes[:0]
	for _, id := range i.CurrentNodes {
		if id != nodeID {
			out = append(out, id)
		}
	}
	i.CurrentNodes = out
}

// Clone returns a deep copy safe to hand to callers.
func (i *WorkflowInstance) Clone() *WorkflowInstance {
	if i == nil {
		return nil
	}
	c := *i
	c.Variables = CloneMap(i.Variables)
	c.CurrentNodes = append([]string(nil), i.CurrentNodes...)
	if i.Context.Links != nil {
		c.Context.Links = make(map[string]string, len(i.Context.Links))
		for k, v := range i.Context.Links {
			c.Context.Links[k] = v
		}
	}
	if i.CompletedAt != nil {
		t := *i.CompletedAt
		c.CompletedAt = &t
	}
	if i.Error != nil {
		e := *i.Error
		c.Error = &e
	}
	return &c
}

// NodeExecution is one attempt-series of one node within one instance.
type NodeExecution struct {
	ID          string          `json:"id"`
	InstanceID  string          `json:"instance_id"`
	NodeID      string          `json:"node_id"`
	NodeType    NodeType        `json:"node_type"`
	Status      ExecutionStatus `json:"status"`
	Attempts    int             `json:"attempts"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      map[string]any  `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	Assignee    string          `json:"assignee,omitempty"`
	TaskID      string          `json:"task_id,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of the execution.
func (n *NodeExecution) Clone() *NodeExecution {
	if n == nil {
		return nil
	}
	c := *n
	c.Input = append(json.RawMessage(nil), n.Input...)
	c.Output = CloneMap(n.Output)
	if n.CompletedAt != nil {
		t := *n.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// CloneMap deep-copies JSON-like values (maps, slices, scalars).
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
