package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/halverson/pilot/config/logger"
	postgresConfig "github.com/halverson/pilot/config/storage/postgresql"
	redisConfig "github.com/halverson/pilot/config/storage/redis"
	config "github.com/halverson/pilot/config/utils"
	"github.com/halverson/pilot/internal/adapter/events/rabbitmq"
	"github.com/halverson/pilot/internal/adapter/executor/local"
	registryAdapter "github.com/halverson/pilot/internal/adapter/registry/redis"
	postgresAdapter "github.com/halverson/pilot/internal/adapter/storage/postgres"
	"github.com/halverson/pilot/internal/adapter/storage/sqlite"
	"github.com/halverson/pilot/internal/core/domain"
	"github.com/halverson/pilot/internal/core/port"
	"github.com/halverson/pilot/internal/core/service"
	"github.com/halverson/pilot/internal/taskfile"
)

var (
	flagCores      int
	flagTasks      string
	flagWorkdir    string
	flagDB         string
	flagResume     bool
	flagMaxWorkers int
)

func main() {
	root := &cobra.Command{
		Use:   "pilot",
		Short: "Run many small tasks inside a single fixed core allocation",
		RunE:  run,
		// Failed tasks are reported through the exit status, not usage help.
		SilenceUsage: true,
	}

	root.Flags().IntVar(&flagCores, "cores", 0, "total cores in the allocation (required)")
	root.Flags().StringVar(&flagTasks, "tasks", "", "JSON file with tasks to load at startup")
	root.Flags().StringVar(&flagWorkdir, "workdir", "./pilot_runs", "base directory for task working dirs")
	root.Flags().StringVar(&flagDB, "db", "", "sqlite database file for persistence")
	root.Flags().BoolVar(&flagResume, "resume", false, "resume from the persistence store")
	root.Flags().IntVar(&flagMaxWorkers, "max-workers", 0, "max concurrently running tasks (default: cores)")
	root.MarkFlagRequired("cores")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if flagCores <= 0 {
		return errors.New("--cores must be a positive integer")
	}
	if flagTasks == "" && !flagResume {
		return errors.New("need --tasks or --resume")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appConfig := config.New()
	log := logger.Build(appConfig.Logger)
	defer log.Sync()

	if err := os.MkdirAll(flagWorkdir, 0o755); err != nil {
		return fmt.Errorf("create workdir: %w", err)
	}

	store, err := openStore(ctx, appConfig, log)
	if err != nil {
		log.Error("failed to open state store", zap.Error(err))
		return err
	}
	if store != nil {
		defer store.Close()
	}
	if flagResume && store == nil {
		return errors.New("--resume requires --db or a configured db url")
	}

	exec := local.New(flagWorkdir, log.Named("exec"))
	sched := service.NewScheduler(flagCores, flagMaxWorkers, exec, store, log.Named("sched"))

	if appConfig.AMQP != nil && appConfig.AMQP.URL != "" {
		pub, err := rabbitmq.NewPublisher(appConfig.AMQP.URL, log.Named("events"))
		if err != nil {
			log.Error("failed to init event publisher", zap.Error(err))
			return err
		}
		defer pub.Close()
		sched.WithEventPublisher(pub)
	}

	if appConfig.Redis != nil && appConfig.Redis.Addr != "" {
		client, err := redisConfig.New(ctx, appConfig.Redis)
		if err != nil {
			log.Error("failed to init redis", zap.Error(err))
			return err
		}
		defer client.Close()
		sched.WithRunRegistry(registryAdapter.NewRunRegistry(client, log.Named("registry")))
	}

	if flagResume {
		if _, _, err := sched.Resume(ctx); err != nil {
			log.Error("resume failed", zap.Error(err))
			return err
		}
	}
	if flagTasks != "" {
		tasks, err := taskfile.Load(flagTasks)
		if err != nil {
			log.Error("failed to load tasks", zap.Error(err))
			return err
		}
		if err := sched.AddTasks(ctx, tasks); err != nil {
			log.Error("failed to add tasks", zap.Error(err))
			return err
		}
	}

	summary, runErr := sched.Run(ctx)
	if err := writeSummary(flagWorkdir, summary); err != nil {
		log.Warn("failed to write summary", zap.Error(err))
	}
	if runErr != nil {
		log.Error("run aborted", zap.Error(runErr))
		return runErr
	}
	if summary.Failed > 0 {
		return fmt.Errorf("%d tasks failed", summary.Failed)
	}
	return nil
}

// openStore picks the persistence backend: a configured postgres DSN wins,
// otherwise the --db sqlite path; with neither the run is ephemeral.
func openStore(ctx context.Context, cfg *config.AppConfig, log *zap.Logger) (port.StateStore, error) {
	if cfg.DB != nil && (cfg.DB.URL != "" || cfg.DB.Host != "") {
		db, err := postgresConfig.New(ctx, cfg.DB, log.Named("db"))
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return postgresAdapter.NewStateStore(db, log.Named("store")), nil
	}
	if flagDB != "" {
		return sqlite.Open(flagDB, log.Named("store"))
	}
	return nil, nil
}

func writeSummary(workdir string, summary domain.Summary) error {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(workdir, "summary.json"), data, 0o644)
}
