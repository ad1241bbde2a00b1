package diagram

import (
	"fmt"
	"slices"
	"strings"

	"github.com/rendis/taskflow/internal/engine"
	"github.com/rendis/taskflow/pkg/schema"
)

// Build constructs a DiagramModel from a definition. When inst is non-nil the
// latest execution of each node in execs is overlaid, and the nodes the
// instance is waiting on are marked suspended.
func Build(def *schema.WorkflowDefinition, inst *schema.WorkflowInstance, execs []*schema.NodeExecution) (*DiagramModel, error) {
	g, err := engine.BuildGraph(def)
	if err != nil {
		return nil, fmt.Errorf("diagram: build graph: %w", err)
	}

	latest := make(map[string]*schema.NodeExecution, len(execs))
	for _, ex := range execs {
		if prev, ok := latest[ex.NodeID]; !ok || !ex.StartedAt.Before(prev.StartedAt) {
			latest[ex.NodeID] = ex
		}
	}
	var waiting []string
	if inst != nil && inst.Status == schema.InstanceStatusWaiting {
		waiting = inst.CurrentNodes
	}

	model := &DiagramModel{Title: titleFromDef(def)}
	for i := range def.Nodes {
		n := &def.Nodes[i]
		node := &Node{ID: n.ID, Label: nodeLabel(n), Kind: kindOf(n.Type)}
		if ex, ok := latest[n.ID]; ok {
			node.Status = overlay(ex)
		}
		if slices.Contains(waiting, n.ID) {
			if node.Status == nil {
				node.Status = &StatusOverlay{}
			}
			node.Status.Status = StatusSuspended
		}
		model.Nodes = append(model.Nodes, node)
	}
	for _, e := range def.Edges {
		model.Edges = append(model.Edges, Edge{From: e.Source, To: e.Target, Label: conditionLabel(e.Condition)})
	}
	model.Levels = buildLevels(g)
	return model, nil
}

func kindOf(t schema.NodeType) NodeKind {
	switch t {
	case schema.NodeTypeStart:
		return NodeKindStart
	case schema.NodeTypeEnd:
		return NodeKindEnd
	case schema.NodeTypeApproval:
		return NodeKindApproval
	case schema.NodeTypeDecision:
		return NodeKindDecision
	case schema.NodeTypeParallel:
		return NodeKindParallel
	case schema.NodeTypeJoin:
		return NodeKindJoin
	case schema.NodeTypeWait:
		return NodeKindWait
	case schema.NodeTypeAPICall:
		return NodeKindAPICall
	case schema.NodeTypeNotification:
		return NodeKindNotification
	case schema.NodeTypeScript:
		return NodeKindScript
	default:
		return NodeKindTask
	}
}

// nodeLabel is the node name, falling back to its id, with the type on a second line.
func nodeLabel(n *schema.Node) string {
	name := n.Name
	if name == "" {
		name = n.ID
	}
	switch n.Type {
	case schema.NodeTypeStart, schema.NodeTypeEnd:
		return name
	}
	return fmt.Sprintf("%s\n(%s)", name, n.Type)
}

func overlay(ex *schema.NodeExecution) *StatusOverlay {
	o := &StatusOverlay{
		Status:   strings.ToLower(string(ex.Status)),
		Attempts: ex.Attempts,
		Assignee: ex.Assignee,
		Error:    ex.Error,
	}
	if ex.CompletedAt != nil {
		o.DurationMs = ex.CompletedAt.Sub(ex.StartedAt).Milliseconds()
	}
	return o
}

// conditionLabel summarizes an edge condition for display.
func conditionLabel(c *schema.Condition) string {
	if c == nil {
		return ""
	}
	switch {
	case c.Expression != "":
		return c.Expression
	case c.Field != "":
		if c.Operator == schema.OpExists || c.Operator == schema.OpNotExists {
			return fmt.Sprintf("%s %s", c.Field, c.Operator)
		}
		return fmt.Sprintf("%s %s %v", c.Field, c.Operator, c.Value)
	case len(c.All) > 0:
		return joinConditions(c.All, " && ")
	case len(c.Any) > 0:
		return joinConditions(c.Any, " || ")
	}
	return ""
}

func joinConditions(cs []schema.Condition, sep string) string {
	parts := make([]string, 0, len(cs))
	for i := range cs {
		parts = append(parts, conditionLabel(&cs[i]))
	}
	return "(" + strings.Join(parts, sep) + ")"
}

// buildLevels layers nodes by breadth-first distance from START. Back edges
// are ignored and unreachable nodes form a final level.
func buildLevels(g *engine.Graph) [][]string {
	depth := map[string]int{g.StartID: 0}
	queue := []string{g.StartID}
	var levels [][]string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		d := depth[id]
		if d == len(levels) {
			levels = append(levels, nil)
		}
		levels[d] = append(levels[d], id)
		for _, e := range g.Outgoing[id] {
			if _, seen := depth[e.Target]; !seen {
				depth[e.Target] = d + 1
				queue = append(queue, e.Target)
			}
		}
	}
	var orphans []string
	for _, n := range g.Definition.Nodes {
		if _, ok := depth[n.ID]; !ok {
			orphans = append(orphans, n.ID)
		}
	}
	if len(orphans) > 0 {
		levels = append(levels, orphans)
	}
	return levels
}

// titleFromDef generates a diagram title from workflow metadata.
func titleFromDef(def *schema.WorkflowDefinition) string {
	if def.Name != "" {
		return def.Name
	}
	if def.ID != "" {
		return def.ID
	}
	return "Workflow"
}
