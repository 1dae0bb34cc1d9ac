// Command foreman is the workflow gateway: a resident process exposing the
// project/task action surface, supervising child processes, and driving git
// worktree side effects.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"

	"github.com/basket/go-foreman/internal/bus"
	"github.com/basket/go-foreman/internal/config"
	"github.com/basket/go-foreman/internal/cron"
	"github.com/basket/go-foreman/internal/dispatch"
	"github.com/basket/go-foreman/internal/gateway"
	"github.com/basket/go-foreman/internal/gitops"
	"github.com/basket/go-foreman/internal/notify"
	fotel "github.com/basket/go-foreman/internal/otel"
	"github.com/basket/go-foreman/internal/persistence"
	"github.com/basket/go-foreman/internal/supervisor"
	"github.com/basket/go-foreman/internal/telemetry"
	"github.com/basket/go-foreman/internal/workflow"
)

const version = "v0.1-dev"

func main() {
	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "serve":
		if err := runServe(); err != nil {
			fmt.Fprintf(os.Stderr, "foreman: %v\n", err)
			os.Exit(1)
		}
	case "version":
		fmt.Println("foreman " + version)
	default:
		fmt.Fprintf(os.Stderr, "foreman: unknown command %q (commands: serve, version)\n", cmd)
		os.Exit(2)
	}
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	quiet := !isatty.IsTerminal(os.Stdout.Fd())
	if cfg.Quiet != nil {
		quiet = *cfg.Quiet
	}
	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelProvider, err := fotel.Init(ctx, cfg.OTel)
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer func() {
		_ = otelProvider.Shutdown(context.Background())
	}()
	metrics, err := fotel.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	eventBus := bus.New()

	store, err := persistence.Open(persistence.Config{
		Path:         cfg.Storage.Path,
		MaxOpenConns: cfg.Storage.MaxOpenConns,
		MaxIdleConns: cfg.Storage.MaxIdleConns,
		BusyTimeout:  cfg.Storage.BusyTimeout,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	runner := supervisor.New(supervisor.Options{
		BaseDir:         cfg.Supervisor.BaseDir,
		MaxLogSizeBytes: cfg.Supervisor.MaxLogSizeBytes,
		StopTimeoutMs:   cfg.Supervisor.StopTimeoutMs,
		AllowedCwds:     cfg.Supervisor.AllowedCwds,
		BlockedEnv:      cfg.Supervisor.BlockedEnv,
		Logger:          logger,
		Bus:             eventBus,
	})
	if err := runner.Init(); err != nil {
		return fmt.Errorf("init runner: %w", err)
	}

	engine := workflow.New(workflow.Options{
		Store:  store,
		Git:    gitops.New(),
		Runner: runner,
		Bus:    eventBus,
		Logger: logger,
	})

	dispatcher := dispatch.New(dispatch.Options{
		Engine:  engine,
		Logger:  logger,
		Tracer:  otelProvider.Tracer,
		Metrics: metrics,
	})

	if cfg.Telegram.Enabled {
		notifier, err := notify.New(notify.Options{
			Token:    cfg.Telegram.Token,
			ChatID:   cfg.Telegram.ChatID,
			Resolver: engine,
			Bus:      eventBus,
			Logger:   logger,
		})
		if err != nil {
			logger.Warn("telegram notifier disabled", "error", err)
		} else if notifier != nil {
			notifier.Start(ctx)
		}
	}

	maintenance := cron.NewScheduler(cron.Config{
		Engine:           engine,
		Runner:           runner,
		Git:              gitops.New(),
		Logger:           logger,
		PruneCron:        cfg.Maintenance.PruneCron,
		PruneOlderThanMs: cfg.Maintenance.PruneOlderThanMs,
		WorktreePrune:    cfg.Maintenance.WorktreePrune,
	})
	if err := maintenance.Start(ctx); err != nil {
		return fmt.Errorf("start maintenance scheduler: %w", err)
	}
	defer maintenance.Stop()

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				if reloaded, err := config.Load(); err == nil {
					logger.Info("config reloaded", "log_level", reloaded.LogLevel)
				} else {
					logger.Error("config reload failed", "error", err)
				}
			}
		}()
	}

	server := gateway.New(gateway.Options{
		BindAddr:   cfg.BindAddr,
		Dispatcher: dispatcher,
		Logger:     logger,
	})
	logger.Info("foreman starting", "version", version, "bind_addr", cfg.BindAddr, "db", cfg.Storage.Path)
	return server.Start(ctx)
}
