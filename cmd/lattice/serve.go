package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/HyphaGroup/lattice/internal/audit"
	"github.com/HyphaGroup/lattice/internal/backup"
	"github.com/HyphaGroup/lattice/internal/config"
	"github.com/HyphaGroup/lattice/internal/logger"
	"github.com/HyphaGroup/lattice/internal/mcp"
	"github.com/HyphaGroup/lattice/internal/minion"
	"github.com/HyphaGroup/lattice/internal/process"
	"github.com/HyphaGroup/lattice/internal/schedule"
	"github.com/HyphaGroup/lattice/internal/store"
	"github.com/HyphaGroup/lattice/internal/task"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MCP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if serveAddr != "" {
			cfg.Server.Address = serveAddr
		}

		if err := logger.InitSlogLevel(cfg.Server.LogDir, cfg.Server.JSONLogs, logLevel()); err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		defer func() { _ = logger.CloseSlog() }()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServer(ctx, cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides server.address)")
}

// newProcessRegistry picks the configured background process source
func newProcessRegistry(cfg *config.Config) (process.Registry, func(), error) {
	switch cfg.Processes.Backend {
	case config.BackendDocker:
		r, err := process.NewDockerRegistry(cfg.Processes.LabelPrefix)
		if err != nil {
			return nil, nil, err
		}
		return r, func() { _ = r.Close() }, nil
	default:
		return process.NewMemoryRegistry(), func() {}, nil
	}
}

func runServer(ctx context.Context, cfg *config.Config) error {
	logger.Info("Lattice %s starting", Version)
	if cfg.Path != "" {
		logger.Info("Config: %s", cfg.Path)
	} else {
		logger.Info("Config: built-in defaults")
	}

	if err := os.MkdirAll(cfg.Store.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		return fmt.Errorf("open message store: %w", err)
	}
	defer func() { _ = st.Close() }()
	logger.Info("Message store: %s/lattice.db", cfg.Store.DataDir)

	procs, closeProcs, err := newProcessRegistry(cfg)
	if err != nil {
		return fmt.Errorf("initialize %s process registry: %w", cfg.Processes.Backend, err)
	}
	defer closeProcs()
	logger.Info("Process registry: %s", cfg.Processes.Backend)

	tracker := task.NewTracker(
		task.WithMaxDepth(cfg.Tasks.MaxDepth),
		task.WithProcesses(procs, nil),
	)

	minions := minion.NewManager(minion.Config{
		EventBufferSize:         cfg.Stream.EventBufferSize,
		FrameInterval:           cfg.Stream.FrameInterval(),
		IdleTimeout:             cfg.Stream.IdleTimeout(),
		TaskTool:                cfg.Stream.TaskTool,
		ReportTool:              cfg.Stream.ReportTool,
		ScrollbackFlushInterval: cfg.Scrollback.FlushInterval(),
	}, tracker, minion.WithStore(st), minion.WithScrollbackSink(st))
	defer minions.Close()

	serverCfg := &mcp.ServerConfig{
		Processes:  procs,
		Scrollback: st,
		RateLimit:  cfg.Server.RateLimit,
		RateBurst:  cfg.Server.RateBurst,
		Version:    Version,
		Audit:      audit.Default(),
	}

	sources := map[string]backup.Source{"lattice": st}
	if cfg.Schedules.Enabled {
		schedules, err := schedule.NewStore(cfg.Store.DataDir)
		if err != nil {
			return fmt.Errorf("open schedule store: %w", err)
		}
		defer func() { _ = schedules.Close() }()
		logger.Info("Schedule store: %s/schedules.db", cfg.Store.DataDir)

		serverCfg.Schedules = schedules
		serverCfg.Runner = schedule.NewRunner(schedules, spawnScheduled(minions), tracker)
		sources["schedules"] = schedules
	}

	if cfg.Backup.Enabled {
		backups, err := backup.New(backup.Config{
			BackupDir: cfg.Backup.Directory,
			Retention: cfg.Backup.Retention,
			Interval:  cfg.Backup.Interval(),
		}, sources)
		if err != nil {
			return fmt.Errorf("initialize backups: %w", err)
		}
		backups.Start()
		defer backups.Stop()
	}

	server := mcp.NewServer(minions, serverCfg)
	defer server.Close()

	logger.Info("Server address: http://localhost%s/mcp", cfg.Server.Address)
	if err := server.Serve(ctx, cfg.Server.Address); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info("Shutdown complete")
	return nil
}

// spawnScheduled registers a scheduled firing as a queued task under the
// job's minion, loading the minion first so its root task exists.
func spawnScheduled(minions *minion.Manager) schedule.SpawnFunc {
	return func(ctx context.Context, job *schedule.Job, taskID string) error {
		if _, err := minions.Get(ctx, job.MinionID); err != nil {
			return err
		}
		_, err := minions.SpawnTask(job.MinionID, taskID, job.Name, false)
		return err
	}
}
