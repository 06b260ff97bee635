// Package app wires the outbox components from configuration.
package app

import (
	"context"
	"errors"
	"fmt"

	"relaybox/config"
	"relaybox/internal/events"
	"relaybox/internal/events/contracts"
	"relaybox/internal/outbox"
	"relaybox/internal/redis"
	"relaybox/internal/repository"
	"relaybox/internal/repository/memory"
	"relaybox/internal/scheduler"
	"relaybox/internal/server"
	"relaybox/internal/storage"
	"relaybox/pkg/database"
	"relaybox/pkg/logger"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"gorm.io/gorm"
)

const (
	JobCleanup        = "outbox-cleanup"
	JobDlq            = "dlq-maintenance"
	JobReconciliation = "reconciliation"
)

// App holds the wired components of one relaybox process.
type App struct {
	Config *config.Config
	Log    *logger.Logger

	DB    *gorm.DB
	Redis *goredis.Client

	Repo           repository.OutboxRepository
	Registry       *events.Registry
	LocalBus       *events.InProcessBus
	Bus            events.Bus
	Ledger         repository.IdempotencyLedger
	Publisher      *outbox.Publisher
	Processor      *outbox.Processor
	Dlq            *outbox.DlqService
	Cleanup        *outbox.CleanupService
	Reconciliation *outbox.ReconciliationService
	Scheduler      *scheduler.Scheduler

	closers []func() error
}

// Build connects the configured stores and assembles the services.
func Build(ctx context.Context, cfg *config.Config, l *logger.Logger) (*App, error) {
	a := &App{Config: cfg, Log: logger.OrNop(l)}

	registry, err := contracts.NewRegistry()
	if err != nil {
		return nil, fmt.Errorf("build event registry: %w", err)
	}
	a.Registry = registry

	if cfg.RedisEnabled {
		a.Redis = redis.NewClient(redis.Config{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		a.closers = append(a.closers, a.Redis.Close)
		if err := redis.Ping(ctx, a.Redis); err != nil {
			_ = a.Close()
			return nil, err
		}
	}

	var (
		users   repository.UserDirectory
		members repository.MemberDirectory
		linker  repository.AggregateLinker
	)
	switch cfg.StoreDriver {
	case "memory":
		a.Repo = memory.NewOutboxStore()
		a.Ledger = memory.NewLedger()
		dir := memory.NewDirectory()
		users, members, linker = dir, dir, dir
	case "postgres", "":
		db, err := database.Connect(cfg)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.DB = db
		a.closers = append(a.closers, database.Close)
		a.Repo = repository.NewOutboxRepository(db)
		a.Ledger = repository.NewIdempotencyLedger(db)
		dir := repository.NewDirectoryRepository(db, repository.DefaultDirectoryTables())
		users, members, linker = dir, dir, dir
	default:
		_ = a.Close()
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}

	if cfg.LedgerDriver == "redis" {
		if a.Redis == nil {
			_ = a.Close()
			return nil, errors.New("LEDGER_DRIVER=redis requires REDIS_ENABLED=true")
		}
		a.Ledger = redis.NewIdempotencyLedger(a.Redis, redis.DefaultIdempotencyConfig())
	}

	bus, err := a.buildBus()
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Bus = bus

	var archiver outbox.DlqArchiver
	if cfg.ArchiveEnabled() {
		client, err := storage.NewS3Client(ctx, storage.S3Config{
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Endpoint:  cfg.S3Endpoint,
		})
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("build s3 client: %w", err)
		}
		s3Archiver, err := storage.NewDlqArchiver(client, cfg.S3Bucket, "dlq")
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		archiver = s3Archiver
	}

	a.Publisher = outbox.NewPublisher(a.Repo, outbox.WithMaxRetries(cfg.Dispatcher.MaxRetries))
	a.Processor = outbox.NewProcessor(a.Repo, a.Registry, a.Bus, outbox.ProcessorConfig{
		WorkerID:      cfg.WorkerID,
		BatchSize:     cfg.Dispatcher.BatchSize,
		LeaseDuration: cfg.Dispatcher.LeaseDuration,
		BaseDelay:     cfg.Dispatcher.BaseDelay,
		MaxDelay:      cfg.Dispatcher.MaxDelay,
		ErrorCooldown: cfg.Dispatcher.ErrorCooldown,
	}, outbox.WithLedger(a.Ledger), outbox.WithLogger(a.Log), outbox.WithMeterProvider(otel.GetMeterProvider()))
	a.Dlq = outbox.NewDlqService(a.Repo, archiver, a.Log)
	a.Cleanup = outbox.NewCleanupService(a.Repo, outbox.CleanupConfig{
		ProcessedRetentionDays: cfg.Cleanup.ProcessedRetentionDays,
		FailedRetentionDays:    cfg.Cleanup.FailedRetentionDays,
		BatchSize:              cfg.Cleanup.BatchSize,
		BatchDelay:             cfg.Cleanup.BatchDelay,
	}, a.Log)
	a.Reconciliation = outbox.NewReconciliationService(a.Repo, a.Registry, users, members, linker,
		outbox.ReconciliationConfig{StaleAfter: cfg.Reconciliation.StaleAfter}, a.Log)

	if err := a.buildScheduler(); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) buildBus() (events.Bus, error) {
	a.LocalBus = events.NewInProcessBus()
	for _, name := range a.Registry.FullNames() {
		a.LocalBus.Subscribe(name, events.HandlerFunc(func(ctx context.Context, e events.IntegrationEvent) error {
			a.Log.Ctx(ctx).Debugf("delivered %s", events.FullName(e))
			return nil
		}))
	}

	var next events.Bus
	switch a.Config.EventBus {
	case "memory", "":
		next = a.LocalBus
	case "redis":
		if a.Redis == nil {
			return nil, errors.New("EVENT_BUS=redis requires REDIS_ENABLED=true")
		}
		next = events.NewRedisBus(a.Redis)
	default:
		return nil, fmt.Errorf("unknown event bus %q", a.Config.EventBus)
	}

	return events.NewBreakerBus(next, events.BreakerConfig{
		Name:        "event-bus-" + a.Config.EventBus,
		MaxFailures: uint32(max(a.Config.BreakerMaxFails, 0)),
		OpenTimeout: a.Config.BreakerOpenPeriod,
		OnStateChange: func(name string, from, to gobreaker.State) {
			a.Log.Warnf("circuit breaker %s: %s -> %s", name, from, to)
		},
	}), nil
}

func (a *App) buildScheduler() error {
	sc := a.Config.Scheduler
	var locker scheduler.Locker
	if a.Redis != nil {
		locker = redis.NewJobLocker(a.Redis, sc.LockTTL)
	}
	a.Scheduler = scheduler.New(scheduler.Config{
		Attempts:   sc.JobAttempts,
		RetryDelay: sc.JobRetryDelay,
	}, locker, a.Log)

	jobs := []scheduler.Job{
		{Name: JobCleanup, Interval: sc.CleanupInterval, Run: func(ctx context.Context) error {
			_, err := a.Cleanup.RunFullCleanup(ctx)
			return err
		}},
		{Name: JobDlq, Interval: sc.DlqInterval, Run: func(ctx context.Context) error {
			if _, err := a.Dlq.ProcessDlqMessages(ctx); err != nil {
				return err
			}
			_, err := a.Dlq.CleanupOldDlqMessages(ctx, a.Config.Cleanup.DlqRetentionDays)
			return err
		}},
		{Name: JobReconciliation, Interval: sc.ReconciliationInterval, Run: func(ctx context.Context) error {
			_, err := a.Reconciliation.RunComprehensive(ctx)
			return err
		}},
	}
	for _, job := range jobs {
		if err := a.Scheduler.Register(job); err != nil {
			return err
		}
	}
	return nil
}

// Subscriber returns a consumer that forwards Redis-delivered events into LocalBus, or nil without Redis.
func (a *App) Subscriber() *events.RedisSubscriber {
	if a.Redis == nil {
		return nil
	}
	return events.NewRedisSubscriber(a.Redis, a.Registry, a.LocalBus, func(channel string, err error) {
		a.Log.Warnf("drop event from %s: %v", channel, err)
	})
}

// HealthChecks returns one probe per connected dependency.
func (a *App) HealthChecks() map[string]server.HealthCheck {
	checks := map[string]server.HealthCheck{}
	if a.DB != nil {
		checks["postgres"] = database.Ping
	}
	if a.Redis != nil {
		client := a.Redis
		checks["redis"] = func(ctx context.Context) error { return redis.Ping(ctx, client) }
	}
	return checks
}

func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
