package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// Image formats supported by RenderImage.
const (
	FormatPNG = "png"
	FormatSVG = "svg"
)

// graphvizShapes are graphviz shape names per node kind; tasks are boxes.
var graphvizShapes = map[NodeKind]cgraph.Shape{
	NodeKindStart:        "circle",
	NodeKindEnd:          "doublecircle",
	NodeKindDecision:     "diamond",
	NodeKindApproval:     "hexagon",
	NodeKindWait:         "ellipse",
	NodeKindParallel:     "box3d",
	NodeKindJoin:         "box3d",
	NodeKindNotification: "note",
	NodeKindAPICall:      "parallelogram",
	NodeKindScript:       "component",
}

// graphvizFills are the fill colors of the overlay statuses.
var graphvizFills = map[string]string{
	StatusCompleted: "#2d6a2d",
	StatusFailed:    "#8b1a1a",
	StatusRunning:   "#1a5276",
	StatusRetrying:  "#6c3483",
	StatusSuspended: "#b7791a",
}

// RenderImage lays the model out top to bottom with graphviz dot and encodes
// it as PNG or SVG. Conditional edges are dashed and labelled.
func RenderImage(ctx context.Context, model *DiagramModel, format string) ([]byte, error) {
	var out graphviz.Format
	switch format {
	case FormatPNG:
		out = graphviz.PNG
	case FormatSVG:
		out = graphviz.SVG
	default:
		return nil, fmt.Errorf("diagram: unsupported image format %q", format)
	}

	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: graphviz: %w", err)
	}
	defer gv.Close()
	gv.SetLayout(graphviz.DOT)

	g, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: graph: %w", err)
	}
	defer g.Close()
	g.SetRankDir(cgraph.TBRank)
	if model.Title != "" {
		g.SetLabel(model.Title)
	}

	byID := make(map[string]*cgraph.Node, len(model.Nodes))
	for _, n := range model.Nodes {
		gn, err := g.CreateNodeByName(n.ID)
		if err != nil {
			return nil, fmt.Errorf("diagram: node %s: %w", n.ID, err)
		}
		styleNode(gn, n)
		byID[n.ID] = gn
	}
	for i, e := range model.Edges {
		from, to := byID[e.From], byID[e.To]
		if from == nil || to == nil {
			continue
		}
		ge, err := g.CreateEdgeByName(fmt.Sprintf("e%d", i), from, to)
		if err != nil {
			return nil, fmt.Errorf("diagram: edge %s->%s: %w", e.From, e.To, err)
		}
		if e.Label != "" {
			ge.SetLabel(e.Label)
			ge.SetStyle("dashed")
		}
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, g, out, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

func styleNode(gn *cgraph.Node, n *Node) {
	label := n.Label
	if n.Status != nil && n.Status.Assignee != "" {
		label += "\n@" + n.Status.Assignee
	}
	gn.SetLabel(label)

	shape, ok := graphvizShapes[n.Kind]
	if !ok {
		shape = cgraph.BoxShape
	}
	gn.SetShape(shape)
	if n.Kind == NodeKindStart || n.Kind == NodeKindEnd {
		gn.SetWidth(0.4)
		gn.SetHeight(0.4)
	}

	if n.Status == nil {
		return
	}
	if fill, ok := graphvizFills[n.Status.Status]; ok {
		gn.SetStyle(cgraph.FilledNodeStyle)
		gn.SetFillColor(fill)
		gn.SetFontColor("white")
	}
}
