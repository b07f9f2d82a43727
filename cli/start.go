package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/techops-services/keeperhub-sub010/engine/dispatcher"
	"github.com/techops-services/keeperhub-sub010/engine/infra/hubapi"
	"github.com/techops-services/keeperhub-sub010/engine/infra/postgres"
	"github.com/techops-services/keeperhub-sub010/engine/infra/queue"
	"github.com/techops-services/keeperhub-sub010/engine/runner"
	"github.com/techops-services/keeperhub-sub010/engine/runtime"
	"github.com/techops-services/keeperhub-sub010/engine/worker"
	"github.com/techops-services/keeperhub-sub010/pkg/config"
	"github.com/techops-services/keeperhub-sub010/pkg/logger"
)

// StartCmd runs the worker until a termination signal arrives.
func StartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the trigger worker",
		RunE:  runStart,
	}
	cmd.Flags().String("db-conn-string", "", "Postgres connection string")
	cmd.Flags().Bool("db-auto-migrate", true, "apply pending migrations on startup")
	cmd.Flags().String("redis-url", "", "Redis URL for the trigger queue")
	cmd.Flags().String("queue-stream", "", "trigger stream key")
	cmd.Flags().String("queue-group", "", "consumer group name")
	cmd.Flags().Int64("max-in-flight", 0, "maximum concurrent executions")
	cmd.Flags().Duration("shutdown-timeout", 0, "in-flight drain window, must be shorter than the grace period")
	cmd.Flags().Duration("grace-period", 0, "host termination grace period")
	cmd.Flags().String("hub-base-url", "", "KeeperHub API base URL")
	cmd.Flags().Bool("monitoring-enabled", true, "serve the health endpoints")
	cmd.Flags().Int("health-port", 0, "health endpoint port")
	return cmd
}

func runStart(cmd *cobra.Command, _ []string) error {
	ctx, log, err := setupContext(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(ctx, cmd)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	// First signal starts the graceful drain; stop() re-registers default
	// handling so a second signal kills the process immediately.
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-sigCtx.Done()
		stop()
	}()

	w, cleanup, err := buildWorker(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := w.Start(sigCtx); err != nil {
		return fmt.Errorf("worker failed: %w", err)
	}
	log.Info("Worker exited cleanly")
	return nil
}

// buildWorker wires the store, queue, hub client, dispatcher and runner
// into a worker. The returned cleanup closes the connections.
func buildWorker(ctx context.Context, cfg *config.Config) (*worker.Worker, func(), error) {
	if cfg.Database.AutoMigrate {
		if err := postgres.ApplyMigrationsWithLock(ctx, cfg.Database.DSN()); err != nil {
			return nil, nil, fmt.Errorf("applying migrations: %w", err)
		}
	}
	store, err := postgres.NewStore(ctx, &cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to Postgres: %w", err)
	}
	rdb, err := queue.NewRedis(ctx, &cfg.Redis)
	if err != nil {
		store.Close(ctx)
		return nil, nil, fmt.Errorf("connecting to Redis: %w", err)
	}
	q := queue.NewClient(rdb, &cfg.Queue)

	executions := postgres.NewExecutionRepo(store.Pool())
	workflows := postgres.NewWorkflowRepo(store.Pool())
	schedules := postgres.NewScheduleRepo(store.Pool())

	disp, err := dispatcher.New(workflows, schedules, executions, cfg.Runner.DefinitionCacheSize)
	if err != nil {
		store.Close(ctx)
		_ = q.Close()
		return nil, nil, fmt.Errorf("building dispatcher: %w", err)
	}

	registry := runtime.NewRegistry()
	runtime.RegisterBuiltins(registry, hubapi.NewClient(&cfg.Hub))
	run := runner.New(executions, registry, &cfg.Runner)

	w := worker.New(cfg, q, disp, run, executions, map[string]worker.HealthCheck{
		"postgres": store.HealthCheck,
		"redis": func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		},
	})
	cleanup := func() {
		_ = q.Close()
		store.Close(ctx)
	}
	return w, cleanup, nil
}

// setupContext loads the optional .env file and builds the logging context
// shared by all commands.
func setupContext(cmd *cobra.Command) (context.Context, logger.Logger, error) {
	if envFile, _ := cmd.Flags().GetString("env-file"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, nil, fmt.Errorf("loading env file %s: %w", envFile, err)
		}
	}
	level, logJSON, logSource, err := logger.GetLoggerConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	log := logger.SetupLogger(level, logJSON, logSource)
	return logger.ContextWithLogger(cmd.Context(), log), log, nil
}

// loadConfig layers defaults, the optional YAML file, environment variables
// and explicitly set CLI flags, in that precedence order. Flags are handed to
// the CLI source keyed by flag name; the source owns the single flag-name to
// configuration-path table.
func loadConfig(ctx context.Context, cmd *cobra.Command) (*config.Config, error) {
	service := config.NewService()
	var sources []config.Source
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		sources = append(sources, config.NewYAMLProvider(path))
	}
	flags := make(map[string]any)
	cmd.Flags().Visit(func(f *pflag.Flag) {
		flags[f.Name] = f.Value.String()
	})
	if len(flags) > 0 {
		sources = append(sources, config.NewCLIProvider(flags))
	}
	return service.Load(ctx, sources...)
}
