package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Store backends.
const (
	storeLibSQL = "libsql"
	storeMemory = "memory"
)

// Config holds all taskflow server configuration.
// Priority: flags > env vars > settings.json > defaults.
type Config struct {
	ListenAddr           string `json:"listen_addr"`
	Store                string `json:"store"`
	DBPath               string `json:"db_path"`
	DirectoryPath        string `json:"directory_path"`
	LogLevel             string `json:"log_level"`
	HTTP                 bool   `json:"http"`
	MCP                  bool   `json:"mcp"`
	DailyCapacityMinutes int    `json:"daily_capacity_minutes"`
	ScriptTimeout        string `json:"script_timeout"`
	SchedulerInterval    string `json:"scheduler_interval"`
	MaxParallelBranches  int    `json:"max_parallel_branches"`

	// VaultKey unlocks {{secrets.NAME}} values. Read from TASKFLOW_VAULT_KEY
	// only and never written to settings.json.
	VaultKey string `json:"-"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:           ":4200",
		Store:                storeLibSQL,
		DBPath:               filepath.Join(taskflowDir(), "taskflow.db"),
		LogLevel:             "info",
		HTTP:                 true,
		DailyCapacityMinutes: 480,
		ScriptTimeout:        "5s",
		SchedulerInterval:    "1m",
	}
}

func taskflowDir() string {
	if v := os.Getenv("TASKFLOW_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".taskflow"
	}
	return filepath.Join(home, ".taskflow")
}

func settingsPath() string {
	return filepath.Join(taskflowDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("TASKFLOW_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("TASKFLOW_STORE"); v != "" {
		cfg.Store = v
	}
	if v := os.Getenv("TASKFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("TASKFLOW_DIRECTORY"); v != "" {
		cfg.DirectoryPath = v
	}
	if v := os.Getenv("TASKFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TASKFLOW_HTTP"); v != "" {
		cfg.HTTP = v == "true" || v == "1"
	}
	if v := os.Getenv("TASKFLOW_MCP"); v != "" {
		cfg.MCP = v == "true" || v == "1"
	}
	if v := os.Getenv("TASKFLOW_DAILY_CAPACITY_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DailyCapacityMinutes = n
		}
	}
	if v := os.Getenv("TASKFLOW_SCRIPT_TIMEOUT"); v != "" {
		cfg.ScriptTimeout = v
	}
	if v := os.Getenv("TASKFLOW_SCHEDULER_INTERVAL"); v != "" {
		cfg.SchedulerInterval = v
	}
	if v := os.Getenv("TASKFLOW_MAX_PARALLEL_BRANCHES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxParallelBranches = n
		}
	}

	cfg.VaultKey = os.Getenv("TASKFLOW_VAULT_KEY")

	return cfg
}

// duration parses a config duration, falling back to def when empty or invalid.
func duration(v string, def time.Duration) time.Duration {
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged  bool
	DirectoryChanged bool
	RestartNeeded    []string // fields that require a server restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if old.DirectoryPath != new.DirectoryPath {
		d.DirectoryChanged = true
	}
	if old.ListenAddr != new.ListenAddr {
		d.RestartNeeded = append(d.RestartNeeded, "listen_addr")
	}
	if old.Store != new.Store {
		d.RestartNeeded = append(d.RestartNeeded, "store")
	}
	if old.DBPath != new.DBPath {
		d.RestartNeeded = append(d.RestartNeeded, "db_path")
	}
	if old.HTTP != new.HTTP {
		d.RestartNeeded = append(d.RestartNeeded, "http")
	}
	if old.MCP != new.MCP {
		d.RestartNeeded = append(d.RestartNeeded, "mcp")
	}
	if old.DailyCapacityMinutes != new.DailyCapacityMinutes {
		d.RestartNeeded = append(d.RestartNeeded, "daily_capacity_minutes")
	}
	if old.ScriptTimeout != new.ScriptTimeout {
		d.RestartNeeded = append(d.RestartNeeded, "script_timeout")
	}
	if old.SchedulerInterval != new.SchedulerInterval {
		d.RestartNeeded = append(d.RestartNeeded, "scheduler_interval")
	}
	if old.MaxParallelBranches != new.MaxParallelBranches {
		d.RestartNeeded = append(d.RestartNeeded, "max_parallel_branches")
	}
	return d
}

// writeSettings persists cfg to settings.json.
func writeSettings(cfg Config) error {
	if err := os.MkdirAll(taskflowDir(), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(settingsPath(), append(data, '\n'), 0o600)
}

func pidPath() string {
	return filepath.Join(taskflowDir(), "taskflow.pid")
}
