// ============================================================================
// hotpool CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra-based entry point for running and inspecting hotpool
//
// Command Structure:
//   hotpool                        # Root command
//   ├── run                        # Build pools from config and serve
//   ├── flatten <file>             # Print a dynamic config document as flat keys
//   ├── status                     # Print the last applied pool configs
//   ├── history [--pool id]        # Print the change journal
//   ├── --config, -c               # Bootstrap config file
//   ├── --log-format               # text | json
//   └── --version
//
// Configuration Management:
//   Bootstrap config is read by viper (YAML by default) into types.Config.
//   Every key can be overridden with a HOTPOOL_ environment variable, with
//   dots replaced by underscores, e.g. HOTPOOL_METRICS_PORT=9191.
//
// run Command:
//   1. Load config
//   2. Create Controller and register the configured pools
//   3. Start Metrics HTTP server and gRPC health server (if enabled)
//   4. Load and watch the dynamic config source (if configured)
//   5. Wait for SIGINT / SIGTERM, then shut down in reverse order
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/ChuLiYu/hotpool/internal/controller"
	"github.com/ChuLiYu/hotpool/internal/executor"
	"github.com/ChuLiYu/hotpool/internal/metrics"
	"github.com/ChuLiYu/hotpool/internal/refresher"
	"github.com/ChuLiYu/hotpool/internal/snapshot"
	"github.com/ChuLiYu/hotpool/internal/storage/journal"
	"github.com/ChuLiYu/hotpool/internal/webpool"
	"github.com/ChuLiYu/hotpool/pkg/types"
	"github.com/mitchellh/mapstructure"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// EnvPrefix 環境變數前綴
const EnvPrefix = "HOTPOOL"

var (
	configFile string
	logFormat  string
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "hotpool",
		Short: "hotpool: hot-reconfigurable worker pools",
		Long: `hotpool runs worker pools whose sizes, queues and overflow policies
can be changed at runtime from a config document, with:
- periodic metrics sampling (log / Prometheus)
- threshold alarms with per-pool rate limiting
- change and alarm notifications (log / webhook)`,
		Version: "1.0.0",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(logFormat, cmd.ErrOrStderr())
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/hotpool.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format: text or json")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildFlattenCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildHistoryCommand())

	return rootCmd
}

func setupLogging(format string, w io.Writer) error {
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(w, nil)
	case "text", "":
		handler = slog.NewTextHandler(w, nil)
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the pools, monitoring and the config watcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSystem(ctx, cfg)
		},
	}
}

func runSystem(ctx context.Context, cfg types.Config) error {
	opts := []controller.Option{controller.WithRegisterer(prometheus.DefaultRegisterer)}

	var webExec *executor.Executor
	if cfg.Web != nil {
		var err error
		webExec, err = executor.NewExecutor(executor.Config{
			Name:         "web",
			CorePoolSize: cfg.Web.CoreSize,
			MaxPoolSize:  cfg.Web.MaxSize,
			KeepAlive:    time.Duration(cfg.Web.KeepAliveSeconds) * time.Second,
		})
		if err != nil {
			return fmt.Errorf("failed to create web pool: %w", err)
		}
		defer webExec.Shutdown()
		opts = append(opts, controller.WithWebAdapter(webpool.NewExecutorAdapter("http", webExec)))
	}

	ctrl, err := controller.NewController(controller.ConfigFrom(cfg), opts...)
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	defer ctrl.Stop()

	for _, pc := range cfg.Pools {
		p, err := ctrl.NewPool(pc)
		if err != nil {
			return fmt.Errorf("failed to create pool %s: %w", pc.ID, err)
		}
		defer p.Shutdown()
	}

	if cfg.Metrics.Enable {
		srv := metrics.StartServer(cfg.Metrics.Port, prometheus.DefaultGatherer)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metrics.StopServer(shutdownCtx, srv); err != nil {
				slog.Warn("Metrics server shutdown failed", "error", err)
			}
		}()
	}

	if cfg.GRPC.Enable {
		if err := ctrl.Health().Serve(fmt.Sprintf(":%d", cfg.GRPC.Port)); err != nil {
			return err
		}
	}

	if err := ctrl.Start(); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}

	if cfg.Source.Path != "" {
		source := refresher.NewFileSource(cfg.Source.Path, cfg.Source.Format, ctrl.Engine())
		if err := source.Load(ctx); err != nil {
			slog.Warn("Initial config refresh failed", "path", cfg.Source.Path, "error", err)
		}
		if err := source.Start(ctx); err != nil {
			return err
		}
		defer source.Stop()
	}

	slog.Info("System started successfully", "pools", len(cfg.Pools))
	<-ctx.Done()
	slog.Info("Received shutdown signal, stopping gracefully...")
	return nil
}

// ============================================================================
// flatten
// ============================================================================

func buildFlattenCommand() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "flatten <file>",
		Short: "Print a config document as flattened key=value lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flattenFile(cmd.OutOrStdout(), args[0], format)
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "document format: yaml or properties (default: by extension)")
	return cmd
}

func flattenFile(w io.Writer, path, format string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read document: %w", err)
	}
	if format == "" {
		format = refresher.FormatFromPath(path)
	}
	flat, err := refresher.Parse(content, format)
	if err != nil {
		return err
	}
	for _, k := range flat.Keys() {
		fmt.Fprintf(w, "%s=%s\n", k, flat[k])
	}
	return nil
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the last applied pool configs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return showStatus(cmd.OutOrStdout(), cfg)
		},
	}
}

func showStatus(w io.Writer, cfg types.Config) error {
	fmt.Fprintln(w, "Configuration:")
	fmt.Fprintf(w, "  Config File:   %s\n", configFile)
	fmt.Fprintf(w, "  Pools:         %d\n", len(cfg.Pools))
	fmt.Fprintf(w, "  Notify:        %s\n", cfg.Notify.Platform)
	if cfg.Metrics.Enable {
		fmt.Fprintf(w, "  Metrics:       http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(w, "  Metrics:       disabled")
	}
	fmt.Fprintln(w)

	if cfg.SnapshotPath == "" {
		fmt.Fprintln(w, "Applied configs: snapshot disabled")
		return nil
	}
	data, err := snapshot.NewManager(cfg.SnapshotPath).Load()
	if err != nil {
		return err
	}
	if data.UpdatedAt == 0 {
		fmt.Fprintln(w, "Applied configs: none yet")
		return nil
	}

	fmt.Fprintf(w, "Applied configs (updated %s):\n", time.UnixMilli(data.UpdatedAt).Format(time.RFC3339))
	ids := make([]string, 0, len(data.Pools))
	for id := range data.Pools {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		p := data.Pools[id]
		fmt.Fprintf(w, "  %-12s core=%d max=%d queue=%s(%d) policy=%s\n",
			id, p.CoreSize, p.MaxSize, p.QueueKind, p.QueueCapacity, p.OverflowPolicy)
	}
	return nil
}

// ============================================================================
// history
// ============================================================================

func buildHistoryCommand() *cobra.Command {
	var poolID string

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the recorded pool changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return showHistory(cmd.OutOrStdout(), cfg.JournalPath, poolID)
		},
	}
	cmd.Flags().StringVar(&poolID, "pool", "", "only show changes of this pool")
	return cmd
}

func showHistory(w io.Writer, path, poolID string) error {
	if path == "" {
		fmt.Fprintln(w, "Change journal: disabled")
		return nil
	}
	return journal.ReplayFile(path, func(rec journal.Record) error {
		ev := rec.Event
		if poolID != "" && ev.PoolID != poolID {
			return nil
		}
		fields := make([]string, 0, len(ev.Changes))
		for _, c := range ev.Changes {
			fields = append(fields, fmt.Sprintf("%s: %v => %v", c.Field, c.Old, c.New))
		}
		fmt.Fprintf(w, "[%d] %s %-12s %s\n",
			rec.Seq, time.UnixMilli(rec.Timestamp).UTC().Format(time.RFC3339), ev.PoolID, strings.Join(fields, ", "))
		return nil
	})
}

// ============================================================================
// config
// ============================================================================

func loadConfig(path string) (types.Config, error) {
	var cfg types.Config

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("notify.platform", "log")
	v.SetDefault("monitor.collectIntervalSeconds", 10)
	v.SetDefault("alarm.checkIntervalSeconds", 5)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("grpc.port", 50051)

	if err := v.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return cfg, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}
