package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/agentgate/agentgate/internal/agent"
	"github.com/agentgate/agentgate/internal/api"
	"github.com/agentgate/agentgate/internal/audit"
	"github.com/agentgate/agentgate/internal/config"
	"github.com/agentgate/agentgate/internal/engine"
	"github.com/agentgate/agentgate/internal/events"
	"github.com/agentgate/agentgate/internal/gate"
	"github.com/agentgate/agentgate/internal/monitor"
	"github.com/agentgate/agentgate/internal/sandbox"
	"github.com/agentgate/agentgate/internal/scheduler"
	"github.com/agentgate/agentgate/internal/state"
	"github.com/agentgate/agentgate/internal/storage"
	"github.com/agentgate/agentgate/internal/strategy"
	"github.com/agentgate/agentgate/internal/vcs"
)

// newServeCmd creates the serve command.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the AgentGate server",
		Long: `Start the AgentGate API server and work-order scheduler.

The server exposes REST endpoints and a WebSocket event stream on the
configured address, admits pending work orders as concurrency slots
free up, and drives each admitted order through its run loop.

SIGINT or SIGTERM drains gracefully: new admissions stop immediately,
in-flight runs get the configured grace period to finish, and anything
still running after that is cancelled and persisted.

Example:
  agentgate serve
  agentgate serve --addr :9090
  agentgate serve --config /etc/agentgate/agentgate.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr, _ = cmd.Flags().GetString("addr")
			}
			return runServer(cfg)
		},
	}

	cmd.Flags().String("addr", "", "listen address (overrides config)")

	return cmd
}

// runServer wires every component and blocks until shutdown completes.
func runServer(cfg *config.Config) error {
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	store, err := storage.NewStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	// Orders left in PREPARING or RUNNING belong to a dead process.
	reset, err := store.ResetInFlight(time.Now())
	if err != nil {
		return fmt.Errorf("reset in-flight orders: %w", err)
	}
	for _, id := range reset {
		logger.Warn("re-queued interrupted work order", "workOrderId", id)
	}

	auditOpts := []audit.Option{audit.WithLogger(logger)}
	if cfg.Audit.ArchivePath != "" {
		archive, err := audit.OpenSQLiteArchive(cfg.Audit.ArchivePath, logger)
		if err != nil {
			return fmt.Errorf("open audit archive: %w", err)
		}
		defer archive.Close()
		auditOpts = append(auditOpts, audit.WithArchiver(archive))
		logger.Info("audit archive enabled", "path", cfg.Audit.ArchivePath)
	}
	auditLog := audit.NewLog(cfg.Audit.MaxEvents, auditOpts...)

	hub := events.NewHub(events.HubConfig{
		MaxPerWorkOrder: cfg.Events.MaxPerWorkOrder,
		MaxTotal:        cfg.Events.MaxTotal,
		Retention:       cfg.EventRetention(),
		MaxPerSecond:    cfg.Events.MaxPerSecond,
	}, events.NewMemoryPublisher(), logger)
	defer hub.Close()

	mon := monitor.New(cfg.Resources.MaxConcurrentSlots, cfg.Resources.MemoryPerSlotMB,
		cfg.MonitorPollInterval(), logger)
	mon.Start()
	defer mon.Stop()

	machine := state.NewMachine(auditLog)

	gatePlan := gate.DefaultPlan()
	if cfg.GatePlanPath != "" {
		gatePlan, err = gate.LoadPlan(cfg.GatePlanPath)
		if err != nil {
			return fmt.Errorf("load gate plan: %w", err)
		}
		logger.Info("gate plan loaded", "path", cfg.GatePlanPath, "gates", len(gatePlan.Gates))
	}

	var strategyCfg strategy.Config
	if cfg.StrategyPath != "" {
		strategyCfg, err = loadStrategyConfig(cfg.StrategyPath)
		if err != nil {
			return fmt.Errorf("load strategy config: %w", err)
		}
		logger.Info("loop strategy loaded", "path", cfg.StrategyPath, "name", strategyCfg.Name)
	}

	git := vcs.New(vcs.NewExecRunner(), logger)

	eng := engine.New(engine.Deps{
		Config:    cfg,
		Store:     store,
		Machine:   machine,
		Audit:     auditLog,
		Hub:       hub,
		Agents:    agent.NewRegistry(cfg.Agents, logger),
		Sandboxes: sandbox.NewLocalProvider(filepath.Join(cfg.DataDir, "sandboxes"), git, logger),
		Monitor:   mon,
		Git:       git,
		GatePlan:  gatePlan,
		Strategy:  strategyCfg,
		Hosting:   cfg.Hosting,
		Logger:    logger,
	})

	sched := scheduler.New(scheduler.Deps{
		Config:  cfg,
		Store:   store,
		Machine: machine,
		Audit:   auditLog,
		Monitor: mon,
		Engine:  eng,
		Hub:     hub,
		Logger:  logger,
	})

	server := api.New(api.Deps{
		Config:    cfg,
		Store:     store,
		Machine:   machine,
		Engine:    eng,
		Scheduler: sched,
		Audit:     auditLog,
		Hub:       hub,
		Monitor:   mon,
		Logger:    logger,
	})

	// Executions outlive the shutdown signal by the grace period, so
	// the scheduler runs on its own context rather than the signal's.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()
	sched.Start(appCtx)

	srvCtx, srvCancel := context.WithCancel(context.Background())
	defer srvCancel()
	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start(srvCtx) }()

	logger.Info("agentgate started",
		"addr", cfg.Server.Addr,
		"dataDir", cfg.DataDir,
		"slots", cfg.Resources.MaxConcurrentSlots)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("server stopped unexpectedly", "error", err)
		drainScheduler(sched, cfg, logger)
		return err
	}

	// Drain before tearing the API down so health and status endpoints
	// keep answering while runs finish persisting.
	drainScheduler(sched, cfg, logger)

	srvCancel()
	if err := <-serverErr; err != nil {
		return err
	}
	logger.Info("agentgate stopped")
	return nil
}

// drainScheduler stops admissions and waits out the grace period plus
// headroom for cancelled runs to persist their final state.
func drainScheduler(sched *scheduler.Scheduler, cfg *config.Config, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace()*2)
	defer cancel()
	if err := sched.Stop(ctx); err != nil {
		logger.Warn("scheduler drain incomplete", "error", err)
	}
}

// newLogger builds the process logger from the config's level and
// format. Format auto means text on a TTY and JSON otherwise.
func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	format := cfg.LogFormat
	if format == "auto" || format == "" {
		if isatty.IsTerminal(os.Stderr.Fd()) {
			format = "text"
		} else {
			format = "json"
		}
	}

	if format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// loadStrategyConfig reads a loop-strategy config from a YAML file.
func loadStrategyConfig(path string) (strategy.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return strategy.Config{}, fmt.Errorf("read strategy config: %w", err)
	}
	var cfg strategy.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return strategy.Config{}, fmt.Errorf("parse strategy config: %w", err)
	}
	return cfg, nil
}
