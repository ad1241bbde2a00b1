package validation

import (
	"fmt"
	"sort"

	"github.com/rendis/taskflow/pkg/schema"
)

// validateGraph checks the structural rules of the node/edge graph: id
// uniqueness, edge references, START/END shape and reachability from START.
func validateGraph(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	nodes := make(map[string]schema.NodeType, len(def.Nodes))
	var starts []string
	var ends int
	for i, n := range def.Nodes {
		if _, dup := nodes[n.ID]; dup {
			result.AddError(fmt.Sprintf("nodes[%d].id", i), schema.ErrCodeDefinition,
				fmt.Sprintf("duplicate node id %q", n.ID))
			continue
		}
		nodes[n.ID] = n.Type
		switch n.Type {
		case schema.NodeTypeStart:
			starts = append(starts, n.ID)
		case schema.NodeTypeEnd:
			ends++
		}
	}

	switch {
	case len(starts) == 0:
		result.AddError("nodes", schema.ErrCodeDefinition, "workflow has no START node")
	case len(starts) > 1:
		result.AddError("nodes", schema.ErrCodeDefinition,
			fmt.Sprintf("workflow has %d START nodes, want exactly one", len(starts)))
	}
	if ends == 0 {
		result.AddError("nodes", schema.ErrCodeDefinition, "workflow has no END node")
	}

	edgeIDs := make(map[string]bool, len(def.Edges))
	outgoing := make(map[string][]string, len(def.Nodes))
	incoming := make(map[string]int, len(def.Nodes))
	for i, e := range def.Edges {
		path := fmt.Sprintf("edges[%d]", i)
		if edgeIDs[e.ID] {
			result.AddError(path+".id", schema.ErrCodeDefinition, fmt.Sprintf("duplicate edge id %q", e.ID))
		}
		edgeIDs[e.ID] = true

		srcType, srcOK := nodes[e.Source]
		dstType, dstOK := nodes[e.Target]
		if !srcOK {
			result.AddError(path+".source", schema.ErrCodeDefinition,
				fmt.Sprintf("edge %q references non-existent node %q", e.ID, e.Source))
		}
		if !dstOK {
			result.AddError(path+".target", schema.ErrCodeDefinition,
				fmt.Sprintf("edge %q references non-existent node %q", e.ID, e.Target))
		}
		if !srcOK || !dstOK {
			continue
		}
		if srcType == schema.NodeTypeEnd {
			result.AddError(path, schema.ErrCodeDefinition, fmt.Sprintf("END node %q has an outgoing edge", e.Source))
		}
		if dstType == schema.NodeTypeStart {
			result.AddError(path, schema.ErrCodeDefinition, fmt.Sprintf("START node %q has an incoming edge", e.Target))
		}
		outgoing[e.Source] = append(outgoing[e.Source], e.Target)
		incoming[e.Target]++
	}

	for i, n := range def.Nodes {
		if n.Type != schema.NodeTypeEnd && len(outgoing[n.ID]) == 0 {
			result.AddError(fmt.Sprintf("nodes[%d]", i), schema.ErrCodeDefinition,
				fmt.Sprintf("node %q has no outgoing edge", n.ID))
		}
		if n.Type == schema.NodeTypeJoin && incoming[n.ID] < 2 {
			result.AddWarning(fmt.Sprintf("nodes[%d]", i), schema.ErrCodeDefinition,
				fmt.Sprintf("JOIN node %q has fewer than two incoming edges", n.ID))
		}
	}

	if len(starts) != 1 || !result.Valid() {
		return result // reachability is meaningless on a broken graph
	}

	// Reachability: BFS from START.
	reachable := map[string]bool{starts[0]: true}
	queue := []string{starts[0]}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range outgoing[id] {
			if !reachable[next] {
				reachable[next] = true
				queue = append(queue, next)
			}
		}
	}
	var unreachable []string
	for id := range nodes {
		if !reachable[id] {
			unreachable = append(unreachable, id)
		}
	}
	sort.Strings(unreachable)
	for _, id := range unreachable {
		result.AddError("nodes", schema.ErrCodeDefinition, fmt.Sprintf("node %q is unreachable from START", id))
	}

	if hasCycle(nodes, outgoing) {
		result.AddWarning("edges", schema.ErrCodeDefinition, "workflow graph contains a cycle")
	}
	return result
}

// hasCycle runs Kahn's algorithm over the node graph.
func hasCycle(nodes map[string]schema.NodeType, outgoing map[string][]string) bool {
	inDegree := make(map[string]int, len(nodes))
	for id := range nodes {
		inDegree[id] = 0
	}
	for id := range nodes {
		for _, next := range outgoing[id] {
			inDegree[next]++
		}
	}
	queue := make([]string, 0, len(nodes))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range outgoing[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	return visited != len(nodes)
}
