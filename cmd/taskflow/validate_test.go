package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
id: hello
nodes:
  - id: start
    type: START
  - id: end
    type: END
edges:
  - id: e1
    source: start
    target: end
`

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	isolateHome(t)
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestValidateCommand(t *testing.T) {
	good := writeFile(t, "hello.yaml", validYAML)

	out, err := runCLI(t, "validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, good+": ok")
}

func TestValidateCommandReportsInvalid(t *testing.T) {
	good := writeFile(t, "hello.yaml", validYAML)
	bad := writeFile(t, "bad.json", `{"id": "bad", "nodes": [{"id": "start", "type": "START"}]}`)
	garbled := writeFile(t, "garbled.json", `{"id":`)

	out, err := runCLI(t, "validate", good, bad, garbled)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 of 3 definitions invalid")
	assert.Contains(t, out, bad+": invalid")
	assert.Contains(t, out, garbled+": invalid")
	assert.Contains(t, out, "DEFINITION_ERROR")
}

func TestValidateCommandJSON(t *testing.T) {
	good := writeFile(t, "hello.yaml", validYAML)

	out, err := runCLI(t, "validate", "--json", good)
	require.NoError(t, err)
	assert.Contains(t, out, `"valid":true`)
}

func TestValidateCommandMissingFile(t *testing.T) {
	_, err := runCLI(t, "validate", filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "dev\n", out)
}

func TestInstallCommandWritesSettings(t *testing.T) {
	out, err := runCLI(t, "install", "--log-level", "debug", "--store", "memory", "--daily-capacity", "360")
	require.NoError(t, err)
	assert.Contains(t, out, "Config written to")

	cfg := loadConfig()
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, storeMemory, cfg.Store)
	assert.Equal(t, 360, cfg.DailyCapacityMinutes)
}

func TestDiagramCommand(t *testing.T) {
	def := writeFile(t, "hello.yaml", validYAML)

	out, err := runCLI(t, "diagram", def)
	require.NoError(t, err)
	assert.Contains(t, out, "start --> end")

	out, err = runCLI(t, "diagram", "--format", "ascii", def)
	require.NoError(t, err)
	assert.Contains(t, out, "=== hello ===")

	_, err = runCLI(t, "diagram", "--format", "png", def)
	assert.ErrorContains(t, err, "--output is required")

	svgPath := filepath.Join(t.TempDir(), "hello.svg")
	_, err = runCLI(t, "diagram", "--format", "svg", "-o", svgPath, def)
	require.NoError(t, err)
	svg, err := os.ReadFile(svgPath)
	require.NoError(t, err)
	assert.Contains(t, string(svg), "<svg")
}

func TestValidateShippedExamples(t *testing.T) {
	files, err := filepath.Glob(filepath.Join("..", "..", "examples", "*.yaml"))
	require.NoError(t, err)

	var defs []string
	for _, f := range files {
		if filepath.Base(f) != "users.yaml" {
			defs = append(defs, f)
		}
	}
	require.NotEmpty(t, defs)

	out, err := runCLI(t, append([]string{"validate"}, defs...)...)
	require.NoError(t, err, out)

	dir, err := loadDirectory(filepath.Join("..", "..", "examples", "users.yaml"))
	require.NoError(t, err)
	assert.Len(t, dir.Users(), 4)
}
