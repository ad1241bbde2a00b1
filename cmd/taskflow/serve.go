package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/spf13/cobra"

	"github.com/rendis/taskflow/internal/api"
	"github.com/rendis/taskflow/internal/engine"
	"github.com/rendis/taskflow/internal/identity"
	"github.com/rendis/taskflow/internal/logging"
	"github.com/rendis/taskflow/internal/notify"
	"github.com/rendis/taskflow/internal/scheduler"
	"github.com/rendis/taskflow/internal/store"
	"github.com/rendis/taskflow/internal/streaming"
	"github.com/rendis/taskflow/internal/tasks"
	"github.com/rendis/taskflow/pkg/mcp"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine with the HTTP API and/or the MCP stdio server",
		Example: `  taskflow serve
  taskflow serve --store memory --mcp --http=false
  TASKFLOW_DIRECTORY=users.yaml taskflow serve --listen-addr :8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := loadConfig()
			applyFlags(cmd, &cfg)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
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
	return cmd
}

// applyFlags overrides cfg with the flags set on the command line.
func applyFlags(cmd *cobra.Command, cfg *Config) {
	f := cmd.Flags()
	if f.Changed("listen-addr") {
		cfg.ListenAddr, _ = f.GetString("listen-addr")
	}
	if f.Changed("store") {
		cfg.Store, _ = f.GetString("store")
	}
	if f.Changed("db-path") {
		cfg.DBPath, _ = f.GetString("db-path")
	}
	if f.Changed("directory") {
		cfg.DirectoryPath, _ = f.GetString("directory")
	}
	if f.Changed("log-level") {
		cfg.LogLevel, _ = f.GetString("log-level")
	}
	if f.Changed("http") {
		cfg.HTTP, _ = f.GetBool("http")
	}
	if f.Changed("mcp") {
		cfg.MCP, _ = f.GetBool("mcp")
	}
}

func openStore(ctx context.Context, cfg Config) (store.Store, error) {
	var st store.Store
	switch cfg.Store {
	case storeMemory:
		st = store.NewMemoryStore()
	case storeLibSQL, "":
		if err := os.MkdirAll(taskflowDir(), 0o700); err != nil {
			return nil, err
		}
		dsn := cfg.DBPath
		if !strings.Contains(dsn, ":") {
			dsn = "file:" + dsn
		}
		s, err := store.NewLibSQLStore(dsn)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		st = s
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return st, nil
}

func loadDirectory(path string) (*identity.StaticDirectory, error) {
	if path == "" {
		return identity.NewStaticDirectory(), nil
	}
	return identity.LoadFile(path)
}

// app is the wired process.
type app struct {
	cfg      Config
	level    *slog.LevelVar
	logger   *slog.Logger
	store    store.Store
	dir      *identity.StaticDirectory
	hub      *streaming.MemoryHub
	pubsub   message.Subscriber
	closers  []func()
	engine   *engine.Engine
	tasks    *tasks.Manager
	sched    *scheduler.Scheduler
	mcp      *mcp.Server
	handler  http.Handler
	notifier *notify.WatermillNotifier
}

// buildApp wires every component without starting background loops.
func buildApp(ctx context.Context, cfg Config, level *slog.LevelVar, logger *slog.Logger) (*app, error) {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	dir, err := loadDirectory(cfg.DirectoryPath)
	if err != nil {
		st.Close()
		return nil, err
	}

	vault, err := openVault(st, cfg.VaultKey)
	if err != nil {
		st.Close()
		return nil, err
	}

	a := &app{cfg: cfg, level: level, logger: logger, store: st, dir: dir}
	a.hub = streaming.NewMemoryHub(logger)

	pubsub := notify.NewGoChannel(logger)
	a.pubsub = pubsub
	a.notifier = notify.NewWatermillNotifier(pubsub)
	a.closers = append(a.closers, func() { pubsub.Close() })

	a.tasks, err = tasks.New(tasks.Config{
		DailyCapacityMinutes: cfg.DailyCapacityMinutes,
		Logger:               logger,
	}, tasks.Deps{Store: st, Hub: a.hub, Notifier: a.notifier, Identity: dir})
	if err != nil {
		a.close()
		return nil, err
	}
	a.closers = append(a.closers, a.tasks.Close)

	a.engine, err = engine.New(engine.Config{
		ScriptTimeout:       duration(cfg.ScriptTimeout, 5*time.Second),
		MaxParallelBranches: cfg.MaxParallelBranches,
		Logger:              logger,
	}, engine.Deps{
		Store: st, Tasks: a.tasks, Notifier: a.notifier, Identity: dir, Hub: a.hub, Vault: vault,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	a.closers = append(a.closers, a.engine.Close, a.engine.ResumeOnTaskCompletion(a.hub))

	rec := store.NewEventRecorder(st, logger)
	recID := a.hub.On(streaming.AllEvents, rec.Record)
	a.closers = append(a.closers, func() { a.hub.Off(recID) })

	a.sched = scheduler.New(scheduler.Config{
		Interval: duration(cfg.SchedulerInterval, scheduler.DefaultInterval),
		Logger:   logger,
	}, st, a.engine)

	if cfg.MCP {
		a.mcp = mcp.NewServer(mcp.ServerDeps{
			Engine:    a.engine,
			Tasks:     a.tasks,
			Scheduler: a.sched,
			Events:    st,
			Logger:    logger,
		})
		pusher := mcp.NewMCPNotifier(a.mcp.MCPServer(), a.mcp.Sessions())
		a.closers = append(a.closers, mcp.ForwardEvents(a.hub, pusher, logger))
	}
	if cfg.HTTP {
		a.handler = api.NewServer(api.Deps{
			Engine:    a.engine,
			Tasks:     a.tasks,
			Scheduler: a.sched,
			Events:    st,
			Hub:       a.hub,
			Logger:    logger,
		}).Handler()
	}
	return a, nil
}

// close releases components in reverse construction order, then the store.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	if err := a.store.Close(); err != nil {
		a.logger.Warn("store close failed", "error", err)
	}
}

// restore reloads persisted state: SLA timers, suspended instances and missed jobs.
func (a *app) restore(ctx context.Context) error {
	if err := a.tasks.Restore(ctx); err != nil {
		return fmt.Errorf("restore tasks: %w", err)
	}
	n, err := a.engine.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore instances: %w", err)
	}
	if n > 0 {
		a.logger.Info("instances restored", slog.Int("count", n))
	}
	return a.sched.RecoverMissed(ctx)
}

// deliverNotifications drains the notification topic. Delivery to an
// external channel is a log line; MCP users are reached by event forwarding.
func (a *app) deliverNotifications(ctx context.Context) error {
	msgs, err := a.pubsub.Subscribe(ctx, notify.Topic)
	if err != nil {
		return err
	}
	sink := notify.NewLogNotifier(a.logger.With(slog.String("component", "delivery")))
	go func() {
		for msg := range msgs {
			n, err := notify.Decode(msg)
			if err != nil {
				a.logger.Warn("undecodable notification", "error", err, "message_id", msg.UUID)
				msg.Ack()
				continue
			}
			_ = sink.Send(msg.Context(), n)
			msg.Ack()
		}
	}()
	return nil
}

// reload re-reads settings and applies what can change at runtime.
func (a *app) reload() {
	next := loadConfig()
	next.HTTP, next.MCP = a.cfg.HTTP, a.cfg.MCP
	d := diffConfigs(a.cfg, next)
	if d.LogLevelChanged {
		a.level.Set(logging.ParseLevel(next.LogLevel))
		a.logger.Info("log level changed", "level", next.LogLevel)
	}
	path := next.DirectoryPath
	if path != "" {
		dir, err := identity.LoadFile(path)
		if err != nil {
			a.logger.Error("directory reload failed", "path", path, "error", err)
		} else {
			a.dir.Replace(dir.Users())
			a.logger.Info("directory reloaded", "path", path, "users", len(dir.Users()))
		}
	}
	if len(d.RestartNeeded) > 0 {
		a.logger.Warn("settings changed that need a restart", "fields", d.RestartNeeded)
	}
	a.cfg.LogLevel = next.LogLevel
	a.cfg.DirectoryPath = next.DirectoryPath
}

func runServe(ctx context.Context, cfg Config) error {
	if !cfg.HTTP && !cfg.MCP {
		return errors.New("nothing to serve: enable http or mcp")
	}
	level := new(slog.LevelVar)
	level.Set(logging.ParseLevel(cfg.LogLevel))
	logger := logging.NewLeveled(os.Stderr, level)

	a, err := buildApp(ctx, cfg, level, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.deliverNotifications(ctx); err != nil {
		return err
	}
	if err := a.restore(ctx); err != nil {
		return err
	}
	if err := a.sched.Start(ctx); err != nil {
		return err
	}
	defer a.sched.Stop()

	if err := os.WriteFile(pidPath(), []byte(strconv.Itoa(os.Getpid())), 0o600); err == nil {
		defer os.Remove(pidPath())
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	errCh := make(chan error, 2)
	var httpSrv *http.Server
	if a.handler != nil {
		httpSrv = &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           a.handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("HTTP API listening", "addr", cfg.ListenAddr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
	}
	if a.mcp != nil {
		go func() {
			logger.Info("MCP server on stdio")
			errCh <- a.mcp.Serve(ctx)
		}()
	}

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-hup:
			a.reload()
		case err := <-errCh:
			runErr = err
			break loop
		}
	}

	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "error", err)
		}
	}
	logger.Info("taskflow stopped")
	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}
