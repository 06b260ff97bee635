package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"relaybox/config"
	"relaybox/internal/app"
	"relaybox/internal/handler"
	"relaybox/internal/outbox"
	"relaybox/internal/server"
	"relaybox/pkg/database"
	"relaybox/pkg/logger"

	"golang.org/x/sync/errgroup"
)

func main() {
	cfg := config.LoadConfig()

	l := logger.New(cfg.LogMode)
	logger.SetGlobalLogger(l)
	defer func() { _ = l.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = context.WithValue(ctx, logger.WorkerIdKey, cfg.WorkerID)

	a, err := app.Build(ctx, cfg, l)
	if err != nil {
		log.Fatalf("Failed to build worker: %v", err)
	}
	defer func() { _ = a.Close() }()

	if a.DB != nil && cfg.AutoMigrate {
		if err := database.Migrate(cfg.MigrationsDir); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
	}

	runner := outbox.NewRunner(a.Processor)
	runner.Start(ctx)
	a.Scheduler.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.EventSubscribe {
		if sub := a.Subscriber(); sub != nil {
			g.Go(func() error { return sub.Run(gctx, a.Registry.FullNames()...) })
		}
	}
	if cfg.AdminEnabled {
		srv := server.New(cfg, l)
		srv.SetupRoutes(&server.Handlers{
			Outbox:      handler.NewOutboxHandler(a.Repo, a.Dlq, cfg.Cleanup.DlqRetentionDays),
			Maintenance: handler.NewMaintenanceHandler(a.Cleanup, a.Reconciliation, a.Scheduler),
		}, a.HealthChecks())
		g.Go(func() error { return srv.Start(gctx) })
	}

	l.Infof("relaybox worker %s running (store=%s, bus=%s)", cfg.WorkerID, cfg.StoreDriver, cfg.EventBus)
	<-gctx.Done()

	l.Infof("shutting down")
	a.Scheduler.Stop()
	runner.Stop()
	if err := g.Wait(); err != nil {
		l.Errorf("worker stopped with error: %v", err)
		os.Exit(1)
	}
}
