package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const boxGap = 3

var statusTags = map[string]string{
	StatusCompleted: "[OK]",
	StatusFailed:    "[FAIL]",
	StatusRunning:   "[RUN]",
	StatusSuspended: "[WAIT]",
	StatusRetrying:  "[RETRY]",
}

// box is one rendered node: its text lines and display width.
type box struct {
	lines  []string
	width  int
	indent int // first column of the box within the canvas
	center int // column of the box's vertical axis
}

// RenderASCII draws the model level by level with box-drawing characters,
// each level centered on a common axis. Conditional edges are listed under
// the drawing since the level layout does not show which branch they take.
func RenderASCII(model *DiagramModel) string {
	rows := make([][]*box, 0, len(model.Levels))
	canvas := 0
	for _, level := range model.Levels {
		var row []*box
		for _, id := range level {
			if n := model.Node(id); n != nil {
				row = append(row, newBox(n))
			}
		}
		if len(row) == 0 {
			continue
		}
		rows = append(rows, row)
		canvas = max(canvas, rowWidth(row))
	}

	for _, row := range rows {
		col := (canvas - rowWidth(row)) / 2
		for _, bx := range row {
			bx.indent = col
			bx.center = col + bx.width/2
			col += bx.width + boxGap
		}
	}

	var b strings.Builder
	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}
	for i, row := range rows {
		writeRow(&b, row)
		if i < len(rows)-1 {
			b.WriteString(markers(row, '│'))
			b.WriteString(markers(rows[i+1], '▼'))
		}
	}

	var conds []Edge
	for _, e := range model.Edges {
		if e.Label != "" {
			conds = append(conds, e)
		}
	}
	if len(conds) > 0 {
		b.WriteString("\nconditions:\n")
		for _, e := range conds {
			fmt.Fprintf(&b, "  %s ─→ %s  [%s]\n", e.From, e.To, e.Label)
		}
	}
	return b.String()
}

func newBox(n *Node) *box {
	content := strings.Split(n.Label, "\n")
	if st := n.Status; st != nil {
		var parts []string
		if tag := statusTags[st.Status]; tag != "" {
			parts = append(parts, tag)
		}
		if st.DurationMs > 0 {
			parts = append(parts, fmt.Sprintf("%dms", st.DurationMs))
		}
		if st.Attempts > 1 {
			parts = append(parts, fmt.Sprintf("x%d", st.Attempts))
		}
		if len(parts) > 0 {
			content = append(content, strings.Join(parts, " "))
		}
		if st.Assignee != "" {
			content = append(content, "@"+st.Assignee)
		}
	}

	inner := 0
	for _, l := range content {
		inner = max(inner, utf8.RuneCountInString(l))
	}
	lines := make([]string, 0, len(content)+2)
	lines = append(lines, "┌"+strings.Repeat("─", inner+2)+"┐")
	for _, l := range content {
		lines = append(lines, "│ "+l+strings.Repeat(" ", inner-utf8.RuneCountInString(l))+" │")
	}
	lines = append(lines, "└"+strings.Repeat("─", inner+2)+"┘")
	return &box{lines: lines, width: inner + 4}
}

func rowWidth(row []*box) int {
	w := 0
	for i, bx := range row {
		if i > 0 {
			w += boxGap
		}
		w += bx.width
	}
	return w
}

func writeRow(b *strings.Builder, row []*box) {
	height := 0
	for _, bx := range row {
		height = max(height, len(bx.lines))
	}
	for r := 0; r < height; r++ {
		line := strings.Repeat(" ", row[0].indent)
		for i, bx := range row {
			if i > 0 {
				line += strings.Repeat(" ", boxGap)
			}
			if r < len(bx.lines) {
				line += bx.lines[r]
			} else {
				line += strings.Repeat(" ", bx.width)
			}
		}
		b.WriteString(strings.TrimRight(line, " "))
		b.WriteByte('\n')
	}
}

// markers returns a line with mark at the center column of every box.
func markers(row []*box, mark rune) string {
	last := 0
	for _, bx := range row {
		last = max(last, bx.center)
	}
	line := []rune(strings.Repeat(" ", last+1))
	for _, bx := range row {
		line[bx.center] = mark
	}
	return string(line) + "\n"
}
