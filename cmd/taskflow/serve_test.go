package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/taskflow/internal/logging"
	"github.com/rendis/taskflow/internal/store"
	"github.com/rendis/taskflow/internal/tasks"
)

func newTestApp(t *testing.T, cfg Config) *app {
	t.Helper()
	level := new(slog.LevelVar)
	logger := logging.NewLeveled(io.Discard, level)
	a, err := buildApp(context.Background(), cfg, level, logger)
	require.NoError(t, err)
	t.Cleanup(a.close)
	return a
}

func memoryConfig(t *testing.T) Config {
	isolateHome(t)
	cfg := defaultConfig()
	cfg.Store = storeMemory
	cfg.MCP = true
	return cfg
}

func TestBuildAppWiresHTTPAndMCP(t *testing.T) {
	a := newTestApp(t, memoryConfig(t))
	require.NotNil(t, a.handler)
	require.NotNil(t, a.mcp)

	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, a.restore(context.Background()))
}

func TestBuildAppRecordsEvents(t *testing.T) {
	a := newTestApp(t, memoryConfig(t))
	ctx := context.Background()

	task, err := a.tasks.CreateTask(ctx, tasks.CreateTaskParams{Title: "Call supplier"})
	require.NoError(t, err)

	events, err := a.store.ListEvents(ctx, store.EventFilter{TaskID: task.ID})
	require.NoError(t, err)
	require.NotEmpty(t, events)
}

func TestBuildAppRejectsUnknownStore(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Store = "cassandra"
	_, err := buildApp(context.Background(), cfg, new(slog.LevelVar), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown store")
}

func TestReloadAppliesLevelAndDirectory(t *testing.T) {
	cfg := memoryConfig(t)
	a := newTestApp(t, cfg)
	a.level.Set(logging.ParseLevel(cfg.LogLevel))

	users := filepath.Join(t.TempDir(), "users.yaml")
	require.NoError(t, os.WriteFile(users, []byte("users:\n  - id: carol\n    groups: [ops]\n"), 0o600))

	next := cfg
	next.LogLevel = "debug"
	next.DirectoryPath = users
	require.NoError(t, writeSettings(next))

	a.reload()
	assert.Equal(t, slog.LevelDebug, a.level.Level())

	ok, err := a.dir.UserExists(context.Background(), "carol")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunServeNeedsATransport(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.HTTP, cfg.MCP = false, false
	err := runServe(context.Background(), cfg)
	assert.EqualError(t, err, "nothing to serve: enable http or mcp")
}
