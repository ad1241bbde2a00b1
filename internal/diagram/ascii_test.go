package diagram

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderASCIILinear(t *testing.T) {
	model, err := Build(linearWorkflow(), nil, nil)
	require.NoError(t, err)

	output := RenderASCII(model)
	assert.Contains(t, output, "=== Employee Onboarding ===")

	// Box-drawing characters.
	assert.Contains(t, output, "┌")
	assert.Contains(t, output, "┘")
	assert.Contains(t, output, "▼")
	assert.Contains(t, output, "(NOTIFICATION)")

	assert.Contains(t, output, "Order laptop")
	assert.Contains(t, output, "welcome")
	assert.NotContains(t, output, "conditions:")
}

func TestRenderASCIIWithStatus(t *testing.T) {
	model := &DiagramModel{
		Title: "Test",
		Nodes: []*Node{
			{ID: "s", Label: "start", Kind: NodeKindStart},
			{ID: "a", Label: "step-a", Kind: NodeKindTask, Status: &StatusOverlay{Status: StatusCompleted, DurationMs: 100}},
			{ID: "b", Label: "step-b", Kind: NodeKindTask, Status: &StatusOverlay{Status: StatusFailed}},
			{ID: "c", Label: "step-c", Kind: NodeKindScript, Status: &StatusOverlay{Status: StatusRunning}},
			{ID: "d", Label: "step-d", Kind: NodeKindApproval, Status: &StatusOverlay{Status: StatusSuspended, Assignee: "bob"}},
			{ID: "e", Label: "step-e", Kind: NodeKindAPICall, Status: &StatusOverlay{Status: StatusRetrying}},
			{ID: "end", Label: "end", Kind: NodeKindEnd},
		},
		Levels: [][]string{{"s"}, {"a", "b", "c"}, {"d", "e"}, {"end"}},
	}

	output := RenderASCII(model)
	assert.Contains(t, output, "[OK]")
	assert.Contains(t, output, "[FAIL]")
	assert.Contains(t, output, "[RUN]")
	assert.Contains(t, output, "[WAIT]")
	assert.Contains(t, output, "[RETRY]")
	assert.Contains(t, output, "@bob")
	assert.Contains(t, output, "[OK] 100ms")
}

func TestRenderASCIIListsConditions(t *testing.T) {
	model, err := Build(decisionWorkflow(), nil, nil)
	require.NoError(t, err)

	output := RenderASCII(model)
	assert.Contains(t, output, "conditions:")
	assert.Contains(t, output, "route ─→ pay  [amount <= 1000]")
}

func TestRenderASCIICentersLevels(t *testing.T) {
	model := &DiagramModel{
		Nodes: []*Node{
			{ID: "s", Label: "s", Kind: NodeKindStart},
			{ID: "a", Label: "aaaa", Kind: NodeKindTask},
			{ID: "b", Label: "bbbb", Kind: NodeKindTask},
		},
		Levels: [][]string{{"s"}, {"a", "b"}},
	}

	lines := strings.Split(RenderASCII(model), "\n")
	// Row two is "┌──────┐   ┌──────┐": 19 columns. The single box of row
	// one (width 5) is indented by (19-5)/2.
	assert.Equal(t, "       ┌───┐", lines[0])
	assert.Equal(t, "         │", lines[3])
	assert.Equal(t, "    ▼          ▼", lines[4])
	assert.Equal(t, "┌──────┐   ┌──────┐", lines[5])
	assert.Equal(t, "│ aaaa │   │ bbbb │", lines[6])
}
