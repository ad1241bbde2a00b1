// Package diagram renders workflow definitions, optionally overlaid with the
// progress of an instance, as Mermaid, ASCII or graphviz images.
package diagram

// NodeKind classifies a diagram node by its workflow node type.
type NodeKind string

const (
	NodeKindStart        NodeKind = "start"
	NodeKindEnd          NodeKind = "end"
	NodeKindTask         NodeKind = "task"
	NodeKindApproval     NodeKind = "approval"
	NodeKindDecision     NodeKind = "decision"
	NodeKindParallel     NodeKind = "parallel"
	NodeKindJoin         NodeKind = "join"
	NodeKindWait         NodeKind = "wait"
	NodeKindAPICall      NodeKind = "api_call"
	NodeKindNotification NodeKind = "notification"
	NodeKindScript       NodeKind = "script"
)

// Overlay statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusRunning   = "running"
	StatusRetrying  = "retrying"
	StatusSuspended = "suspended"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node represents a single workflow node in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries the runtime state of a node.
type StatusOverlay struct {
	Status     string
	DurationMs int64
	Attempts   int
	Assignee   string
	Error      string
}

// Edge represents a transition between two nodes.
type Edge struct {
	From  string
	To    string
	Label string
}

// Node returns the node with the given id, or nil.
func (m *DiagramModel) Node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
