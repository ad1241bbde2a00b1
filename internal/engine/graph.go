package engine

import (
	"sort"

	"github.com/rendis/taskflow/pkg/schema"
)

// Graph is the in-memory representation of a workflow definition used to
// route between nodes. Built once per definition version and shared by every
// instance of it.
type Graph struct {
	Definition *schema.WorkflowDefinition
	Nodes      map[string]*schema.Node  // node ID → node
	Edges      map[string]*schema.Edge  // edge ID → edge
	Outgoing   map[string][]schema.Edge // node ID → outgoing edges, ascending priority
	Incoming   map[string][]schema.Edge // node ID → incoming edges
	StartID    string
}

// BuildGraph indexes a definition. It only checks what routing depends on;
// full validation happens at registration.
func BuildGraph(def *schema.WorkflowDefinition) (*Graph, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeDefinition, "workflow definition is nil")
	}

	g := &Graph{
		Definition: def,
		Nodes:      make(map[string]*schema.Node, len(def.Nodes)),
		Edges:      make(map[string]*schema.Edge, len(def.Edges)),
		Outgoing:   make(map[string][]schema.Edge, len(def.Nodes)),
		Incoming:   make(map[string][]schema.Edge, len(def.Nodes)),
	}

	for i := range def.Nodes {
		n := &def.Nodes[i]
		if _, dup := g.Nodes[n.ID]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeDefinition, "duplicate node id %q", n.ID)
		}
		g.Nodes[n.ID] = n
		if n.Type == schema.NodeTypeStart {
			if g.StartID != "" {
				return nil, schema.NewError(schema.ErrCodeDefinition, "workflow has more than one START node")
			}
			g.StartID = n.ID
		}
	}
	if g.StartID == "" {
		return nil, schema.NewError(schema.ErrCodeDefinition, "workflow has no START node")
	}

	for i := range def.Edges {
		e := &def.Edges[i]
		if _, ok := g.Nodes[e.Source]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeDefinition, "edge %q references non-existent node %q", e.ID, e.Source)
		}
		if _, ok := g.Nodes[e.Target]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeDefinition, "edge %q references non-existent node %q", e.ID, e.Target)
		}
		g.Edges[e.ID] = e
		g.Outgoing[e.Source] = append(g.Outgoing[e.Source], *e)
		g.Incoming[e.Target] = append(g.Incoming[e.Target], *e)
	}

	// Ties keep declaration order.
	for id := range g.Outgoing {
		edges := g.Outgoing[id]
		sort.SliceStable(edges, func(i, j int) bool { return edges[i].Priority < edges[j].Priority })
	}
	return g, nil
}

// Start returns the START node.
func (g *Graph) Start() *schema.Node {
	return g.Nodes[g.StartID]
}

// Node returns the node with the given id, or a NOT_FOUND error.
func (g *Graph) Node(id string) (*schema.Node, error) {
	n, ok := g.Nodes[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "node %q not found in definition %s", id, g.Definition.ID)
	}
	return n, nil
}

// Predecessors returns the distinct source node ids of edges into id.
func (g *Graph) Predecessors(id string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range g.Incoming[id] {
		if !seen[e.Source] {
			seen[e.Source] = true
			out = append(out, e.Source)
		}
	}
	return out
}
