package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

func newInstallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Write settings.json and signal a running server to reload",
		Long: `install writes ~/.taskflow/settings.json (or $TASKFLOW_HOME/settings.json)
from the current settings plus the given flags. A running server is sent
SIGHUP so log level and directory changes apply without a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := loadConfig()
			applyFlags(cmd, &cfg)
			f := cmd.Flags()
			if f.Changed("daily-capacity") {
				cfg.DailyCapacityMinutes, _ = f.GetInt("daily-capacity")
			}
			if f.Changed("scheduler-interval") {
				cfg.SchedulerInterval, _ = f.GetString("scheduler-interval")
			}
			if err := writeSettings(cfg); err != nil {
				return fmt.Errorf("write %s: %w", settingsPath(), err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Config written to %s\n", settingsPath())

			if pid, ok := signalRunningServer(); ok {
				fmt.Fprintf(cmd.OutOrStdout(), "Signaled running server (PID %d) to reload configuration\n", pid)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.String("listen-addr", "", "HTTP listen address")
	f.String("store", "", "store backend: libsql or memory")
	f.String("db-path", "", "libsql database path")
	f.String("directory", "", "user directory YAML file")
	f.String("log-level", "", "log level: debug, info, warn, error")
	f.Bool("http", true, "serve the HTTP API")
	f.Bool("mcp", false, "serve MCP over stdio")
	f.Int("daily-capacity", 0, "minutes of work per user per day")
	f.String("scheduler-interval", "", "scheduler poll interval, e.g. 30s")
	return cmd
}

// signalRunningServer sends SIGHUP to a running server found via the pidfile.
func signalRunningServer() (int, bool) {
	data, err := os.ReadFile(pidPath())
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, false
	}
	// Check if process is alive.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return 0, false
	}
	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return 0, false
	}
	return pid, true
}
