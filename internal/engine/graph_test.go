package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/taskflow/pkg/schema"
)

func TestBuildGraph(t *testing.T) {
	def := &schema.WorkflowDefinition{
		ID: "g",
		Nodes: []schema.Node{
			mkNode("start", schema.NodeTypeStart, nil),
			mkNode("route", schema.NodeTypeDecision, nil),
			mkNode("a", schema.NodeTypeEnd, nil),
			mkNode("b", schema.NodeTypeEnd, nil),
		},
		Edges: []schema.Edge{
			mkEdge("s", "start", "route"),
			{ID: "late", Source: "route", Target: "a", Priority: 5},
			{ID: "early", Source: "route", Target: "b", Priority: 1},
			{ID: "tie", Source: "route", Target: "a", Priority: 5},
		},
	}

	g, err := BuildGraph(def)
	require.NoError(t, err)
	assert.Equal(t, "start", g.Start().ID)

	var order []string
	for _, e := range g.Outgoing["route"] {
		order = append(order, e.ID)
	}
	assert.Equal(t, []string{"early", "late", "tie"}, order)
	assert.Equal(t, []string{"route"}, g.Predecessors("a"))
	assert.Empty(t, g.Predecessors("start"))

	n, err := g.Node("b")
	require.NoError(t, err)
	assert.Equal(t, schema.NodeTypeEnd, n.Type)

	_, err = g.Node("missing")
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestBuildGraph_Errors(t *testing.T) {
	start := mkNode("start", schema.NodeTypeStart, nil)
	end := mkNode("end", schema.NodeTypeEnd, nil)

	tests := []struct {
		name string
		def  *schema.WorkflowDefinition
	}{
		{"nil", nil},
		{"no start", &schema.WorkflowDefinition{ID: "x", Nodes: []schema.Node{end}}},
		{"two starts", &schema.WorkflowDefinition{ID: "x", Nodes: []schema.Node{start, mkNode("start2", schema.NodeTypeStart, nil), end}}},
		{"duplicate node", &schema.WorkflowDefinition{ID: "x", Nodes: []schema.Node{start, end, end}}},
		{"dangling target", &schema.WorkflowDefinition{ID: "x", Nodes: []schema.Node{start, end},
			Edges: []schema.Edge{mkEdge("e", "start", "nowhere")}}},
		{"dangling source", &schema.WorkflowDefinition{ID: "x", Nodes: []schema.Node{start, end},
			Edges: []schema.Edge{mkEdge("e", "ghost", "end")}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildGraph(tt.def)
			require.Error(t, err)
			assert.Equal(t, schema.ErrCodeDefinition, schema.CodeOf(err))
		})
	}
}
