package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolateHome(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("TASKFLOW_HOME", dir)
	return dir
}

func TestLoadConfigDefaults(t *testing.T) {
	dir := isolateHome(t)

	cfg := loadConfig()
	assert.Equal(t, ":4200", cfg.ListenAddr)
	assert.Equal(t, storeLibSQL, cfg.Store)
	assert.Equal(t, filepath.Join(dir, "taskflow.db"), cfg.DBPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.HTTP)
	assert.False(t, cfg.MCP)
	assert.Equal(t, 480, cfg.DailyCapacityMinutes)
}

func TestLoadConfigLayers(t *testing.T) {
	dir := isolateHome(t)
	settings := `{"listen_addr": ":9000", "log_level": "debug", "store": "memory", "daily_capacity_minutes": 300}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"), []byte(settings), 0o600))

	t.Setenv("TASKFLOW_LOG_LEVEL", "warn")
	t.Setenv("TASKFLOW_MCP", "1")
	t.Setenv("TASKFLOW_DAILY_CAPACITY_MINUTES", "not-a-number")

	cfg := loadConfig()
	assert.Equal(t, ":9000", cfg.ListenAddr, "settings.json overrides defaults")
	assert.Equal(t, storeMemory, cfg.Store)
	assert.Equal(t, "warn", cfg.LogLevel, "env overrides settings.json")
	assert.True(t, cfg.MCP)
	assert.Equal(t, 300, cfg.DailyCapacityMinutes, "invalid env value is ignored")
}

func TestWriteSettingsRoundTrip(t *testing.T) {
	isolateHome(t)
	cfg := defaultConfig()
	cfg.LogLevel = "error"
	cfg.DirectoryPath = "/etc/taskflow/users.yaml"
	require.NoError(t, writeSettings(cfg))

	got := loadConfig()
	assert.Equal(t, "error", got.LogLevel)
	assert.Equal(t, "/etc/taskflow/users.yaml", got.DirectoryPath)
}

func TestDiffConfigs(t *testing.T) {
	old := defaultConfig()

	same := diffConfigs(old, old)
	assert.False(t, same.LogLevelChanged)
	assert.False(t, same.DirectoryChanged)
	assert.Empty(t, same.RestartNeeded)

	next := old
	next.LogLevel = "debug"
	next.DirectoryPath = "users.yaml"
	next.ListenAddr = ":1"
	next.Store = storeMemory
	next.SchedulerInterval = "10s"

	d := diffConfigs(old, next)
	assert.True(t, d.LogLevelChanged)
	assert.True(t, d.DirectoryChanged)
	assert.Equal(t, []string{"listen_addr", "store", "scheduler_interval"}, d.RestartNeeded)
}

func TestDuration(t *testing.T) {
	assert.Equal(t, 30*time.Second, duration("30s", time.Minute))
	assert.Equal(t, time.Minute, duration("", time.Minute))
	assert.Equal(t, time.Minute, duration("soon", time.Minute))
	assert.Equal(t, time.Minute, duration("-5s", time.Minute))
}
