package schema

import (
	"encoding/json"
	"time"
)

// WorkflowDefinition is the immutable process graph executed by the engine.
// Definitions are registered once and referenced by ID from instances.
type WorkflowDefinition struct {
	ID          string         `json:"id"`
	Name        string         `json:"name,omitempty"`
	Version     int            `json:"version,omitempty"`
	Description string         `json:"description,omitempty"`
	Nodes       []Node         `json:"nodes"`
	Edges       []Edge         `json:"edges"`
	Variables   map[string]any `json:"variables,omitempty"` // defaults merged under start variables
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Node is a typed step in a definition graph.
type Node struct {
	ID            string            `json:"id"`
	Type          NodeType          `json:"type"`
	Name          string            `json:"name,omitempty"`
	Config        json.RawMessage   `json:"config,omitempty"`
	Retry         *RetryPolicy      `json:"retry,omitempty"`
	OutputMapping map[string]string `json:"output_mapping,omitempty"` // variable -> jq expression over output
	Timeout       string            `json:"timeout,omitempty"`
}

// NodeType enumerates the kinds of nodes in a workflow graph.
type NodeType string

const (
	NodeTypeStart        NodeType = "START"
	NodeTypeEnd          NodeType = "END"
	NodeTypeTask         NodeType = "TASK"
	NodeTypeApproval     NodeType = "APPROVAL"
	NodeTypeDecision     NodeType = "DECISION"
	NodeTypeParallel     NodeType = "PARALLEL"
	NodeTypeJoin         NodeType = "JOIN"
	NodeTypeWait         NodeType = "WAIT"
	NodeTypeAPICall      NodeType = "API_CALL"
	NodeTypeNotification NodeType = "NOTIFICATION"
	NodeTypeScript       NodeType = "SCRIPT"
)

// ValidNodeTypes is the set of recognized node types.
var ValidNodeTypes = map[NodeType]bool{
	NodeTypeStart:        true,
	NodeTypeEnd:          true,
	NodeTypeTask:         true,
	NodeTypeApproval:     true,
	NodeTypeDecision:     true,
	NodeTypeParallel:     true,
	NodeTypeJoin:         true,
	NodeTypeWait:         true,
	NodeTypeAPICall:      true,
	NodeTypeNotification: true,
	NodeTypeScript:       true,
}

// Edge is a directed, optionally conditional connection between two nodes.
// Lower Priority values are evaluated first.
type Edge struct {
	ID        string     `json:"id"`
	Source    string     `json:"source"`
	Target    string     `json:"target"`
	Condition *Condition `json:"condition,omitempty"`
	Priority  int        `json:"priority,omitempty"`
}

// Condition is either a CEL expression, a single field rule, or a group of conditions.
type Condition struct {
	Expression string            `json:"expression,omitempty"`
	Field      string            `json:"field,omitempty"`
	Operator   ConditionOperator `json:"operator,omitempty"`
	Value      any               `json:"value,omitempty"`
	All        []Condition       `json:"all,omitempty"`
	Any        []Condition       `json:"any,omitempty"`
}

// ConditionOperator is the comparison applied by a field rule.
type ConditionOperator string

const (
	OpEquals    ConditionOperator = "eq"
	OpNotEquals ConditionOperator = "ne"
	OpGreater   ConditionOperator = "gt"
	OpGreaterEq ConditionOperator = "gte"
	OpLess      ConditionOperator = "lt"
	OpLessEq    ConditionOperator = "lte"
	OpContains  ConditionOperator = "contains"
	OpIn        ConditionOperator = "in"
	OpExists    ConditionOperator = "exists"
	OpNotExists ConditionOperator = "not_exists"
)

// BackoffStrategy selects how retry delays grow between attempts.
type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "FIXED"
	BackoffLinear      BackoffStrategy = "LINEAR"
	BackoffExponential BackoffStrategy = "EXPONENTIAL"
	BackoffRandom      BackoffStrategy = "RANDOM"
)

// RetryPolicy configures retry behavior for a node.
type RetryPolicy struct {
	MaxAttempts  int             `json:"max_attempts"`
	Strategy     BackoffStrategy `json:"strategy,omitempty"`      // default FIXED
	InitialDelay string          `json:"initial_delay,omitempty"` // e.g. "1s"
	MaxDelay     string          `json:"max_delay,omitempty"`
	Multiplier   float64         `json:"multiplier,omitempty"` // EXPONENTIAL only, default 2
}

// AssignmentType tells the engine how to resolve a task assignee.
type AssignmentType string

const (
	AssignUser    AssignmentType = "USER"
	AssignRole    AssignmentType = "ROLE"
	AssignGroup   AssignmentType = "GROUP"
	AssignDynamic AssignmentType = "DYNAMIC" // Value is an expression over variables
)

// Assignment describes who should receive the work of a TASK or APPROVAL node.
type Assignment struct {
	Type  AssignmentType `json:"type"`
	Value string         `json:"value"`
}

// TaskConfig is the config block for TASK nodes.
type TaskConfig struct {
	Title            string          `json:"title"`
	Description      string          `json:"description,omitempty"`
	Priority         Priority        `json:"priority,omitempty"`
	Assignment       *Assignment     `json:"assignment,omitempty"`
	DueIn            string          `json:"due_in,omitempty"` // duration from creation
	EstimatedMinutes int             `json:"estimated_minutes,omitempty"`
	Checklist        []ChecklistItem `json:"checklist,omitempty"`
	SLA              *SLAConfig      `json:"sla,omitempty"`
}

// ApprovalConfig is the config block for APPROVAL nodes.
type ApprovalConfig struct {
	Title            string      `json:"title"`
	Description      string      `json:"description,omitempty"`
	Approvers        *Assignment `json:"approvers,omitempty"`
	DecisionVariable string      `json:"decision_variable,omitempty"` // default "approved"
}

// DecisionConfig is the config block for DECISION nodes. Branch conditions live on
// the outgoing edges; Default names the edge taken when none match.
type DecisionConfig struct {
	Default string `json:"default,omitempty"`
}

// ParallelConfig is the config block for PARALLEL nodes.
type ParallelConfig struct {
	Branches []string `json:"branches,omitempty"` // edge IDs; empty means every outgoing edge
}

// WaitConfig is the config block for WAIT nodes. Exactly one of Duration or Until is set.
type WaitConfig struct {
	Duration string     `json:"duration,omitempty"`
	Until    *time.Time `json:"until,omitempty"`
}

// APICallConfig is the config block for API_CALL nodes. String fields support
// {{path.to.var}} placeholders.
type APICallConfig struct {
	Method  string            `json:"method,omitempty"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    any               `json:"body,omitempty"`

	// ExpectStatus lists accepted status codes. Empty accepts any 2xx.
	ExpectStatus []int `json:"expect_status,omitempty"`
	// NonRetryableStatus lists rejected status codes that fail the node
	// without consulting its retry policy.
	NonRetryableStatus []int `json:"non_retryable_status,omitempty"`
}

// NotificationConfig is the config block for NOTIFICATION nodes.
type NotificationConfig struct {
	Event      string   `json:"event"`
	Recipients []string `json:"recipients,omitempty"`
	Template   string   `json:"template,omitempty"`
}

// ScriptConfig is the config block for SCRIPT nodes.
type ScriptConfig struct {
	Script         string `json:"script"`
	ResultVariable string `json:"result_variable,omitempty"`
}

// DecodeConfig unmarshals a node's config block into a typed config struct.
// An empty config yields the zero value.
func DecodeConfig[T any](n Node) (T, error) {
	var cfg T
	if len(n.Config) == 0 || string(n.Config) == "null" {
		return cfg, nil
	}
	if err := json.Unmarshal(n.Config, &cfg); err != nil {
		return cfg, NewErrorf(ErrCodeDefinition, "invalid %s config: %s", n.Type, err.Error()).
			WithNode(n.ID).WithCause(err)
	}
	return cfg, nil
}
