package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/polos-dev/orchestrator/internal/config"
	"github.com/polos-dev/orchestrator/internal/handlers"
	"github.com/polos-dev/orchestrator/internal/reconcile"
	"github.com/polos-dev/orchestrator/internal/server"
	"github.com/polos-dev/orchestrator/internal/services"
	"github.com/polos-dev/orchestrator/internal/store"
	"github.com/polos-dev/orchestrator/pkg/pushclient"
)

func newServeCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and background reconcilers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags(), configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return run(cmd.Context(), cfg)
		},
	}

	cmd.Flags().String("server.http_port", "8080", "HTTP listen port")
	cmd.Flags().String("database.api_dsn", "", "Postgres DSN for the interactive API pool")
	cmd.Flags().String("database.stream_dsn", "", "Postgres DSN for the SSE streaming pool")
	cmd.Flags().String("database.reconcile_dsn", "", "Postgres DSN for the background reconciler pool")
	cmd.Flags().StringVar(&configFile, "config", "", "path to a config file")

	return cmd
}

func run(ctx context.Context, cfg *config.Configuration) error {
	log, err := newLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, store.Config{
		APIDSN:       cfg.Database.APIDSN,
		StreamDSN:    cfg.Database.StreamDSN,
		ReconcileDSN: cfg.Database.ReconcileDSN,
	})
	if err != nil {
		return fmt.Errorf("connect store: %w", err)
	}
	defer st.Close()

	client := pushclient.New()
	dispatch := services.NewDispatch(st, client, cfg.Dispatch.Concurrency, log)
	executions := services.NewExecutions(st, dispatch)
	wait := services.NewWait(st)
	events := services.NewEvents(st)
	workers := services.NewWorkers(st, client)
	schedules := services.NewSchedules(st, dispatch)
	triggers := services.NewEventTriggers(st, dispatch)
	registry := services.NewRegistry(st)

	h := handlers.New(executions, dispatch, workers, events, schedules, triggers, registry, log)

	apiKeys, err := config.ParseAPIKeys(cfg.Auth.APIKeys)
	if err != nil {
		return fmt.Errorf("parse api keys: %w", err)
	}

	srv := server.New(cfg, h, []byte(cfg.Auth.JWTSecret), apiKeys, log)

	recCfg := reconcile.Config{
		StaleWorkerCleanup:     cfg.Reconcile.StaleWorkerCleanup,
		ExpiredWaits:           cfg.Reconcile.ExpiredWaits,
		EventWaitFallback:      cfg.Reconcile.EventWaitFallback,
		SubworkflowReconcile:   cfg.Reconcile.SubworkflowReconcile,
		EventTriggerProcessor:  cfg.Reconcile.EventTriggerProcessor,
		ScheduleFiring:         cfg.Reconcile.ScheduleFiring,
		ExecutionTimeout:       cfg.Reconcile.ExecutionTimeout,
		PendingCancelPropagate: cfg.Reconcile.PendingCancelPropagate,
		RetentionGC:            cfg.Reconcile.RetentionGC,
		RetentionMaxAge:        cfg.Reconcile.RetentionMaxAge,
	}
	reconciler := reconcile.New(recCfg, workers, wait, events, triggers, schedules, executions, log)

	go dispatch.Run(ctx)
	go reconciler.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Stop(shutdownCtx)
}

func newLogger(format, level string) (*zap.Logger, error) {
	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	cfg.Level = lvl
	return cfg.Build()
}
