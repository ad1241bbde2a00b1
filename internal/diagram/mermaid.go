package diagram

import (
	"fmt"
	"slices"
	"strings"
)

// mermaidShapes maps a node kind to the brackets that open and close its
// Mermaid shape. Kinds not listed render as rectangles.
var mermaidShapes = map[NodeKind][2]string{
	NodeKindStart:        {"((", "))"},
	NodeKindEnd:          {"(((", ")))"},
	NodeKindDecision:     {"{", "}"},
	NodeKindApproval:     {"{{", "}}"},
	NodeKindWait:         {"([", "])"},
	NodeKindParallel:     {"[[", "]]"},
	NodeKindJoin:         {"[[", "]]"},
	NodeKindNotification: {">", "]"},
	NodeKindAPICall:      {"[/", "/]"},
	NodeKindScript:       {"[(", ")]"},
}

// mermaidClasses are the classDef styles of the overlay statuses.
var mermaidClasses = map[string]string{
	StatusCompleted: "fill:#2d6a2d,stroke:#1a4a1a,color:#fff",
	StatusFailed:    "fill:#8b1a1a,stroke:#5c0e0e,color:#fff",
	StatusRunning:   "fill:#1a5276,stroke:#0e3a52,color:#fff",
	StatusRetrying:  "fill:#6c3483,stroke:#4a235a,color:#fff",
	StatusSuspended: "fill:#b7791a,stroke:#8a5c14,color:#fff",
}

// RenderMermaid renders the model as a Mermaid flowchart. Nodes with a status
// overlay carry a class named after the status.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder
	if model.Title != "" {
		fmt.Fprintf(&b, "---\ntitle: %s\n---\n", mermaidLabel(model.Title))
	}
	b.WriteString("flowchart TD\n")

	used := map[string]bool{}
	for _, n := range model.Nodes {
		shape, ok := mermaidShapes[n.Kind]
		if !ok {
			shape = [2]string{"[", "]"}
		}
		fmt.Fprintf(&b, "    %s%s\"%s\"%s", mermaidID(n.ID), shape[0], mermaidLabel(n.Label), shape[1])
		if n.Status != nil {
			if _, known := mermaidClasses[n.Status.Status]; known {
				fmt.Fprintf(&b, ":::%s", n.Status.Status)
				used[n.Status.Status] = true
			}
		}
		b.WriteByte('\n')
	}

	for _, e := range model.Edges {
		if e.Label == "" {
			fmt.Fprintf(&b, "    %s --> %s\n", mermaidID(e.From), mermaidID(e.To))
			continue
		}
		fmt.Fprintf(&b, "    %s -- \"%s\" --> %s\n", mermaidID(e.From), mermaidLabel(e.Label), mermaidID(e.To))
	}

	names := make([]string, 0, len(used))
	for name := range used {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		fmt.Fprintf(&b, "    classDef %s %s\n", name, mermaidClasses[name])
	}
	return b.String()
}

// mermaidID keeps letters, digits and underscores; anything else becomes '_'.
// The keyword "end" closes subgraphs in Mermaid and gets a suffix.
func mermaidID(id string) string {
	if strings.EqualFold(id, "end") {
		return id + "_"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		}
		return '_'
	}, id)
}

// mermaidLabel makes text safe inside a quoted Mermaid label.
func mermaidLabel(s string) string {
	return strings.NewReplacer(`"`, "#quot;", "\n", "<br/>").Replace(s)
}
