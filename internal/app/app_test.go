package app

import (
	"context"
	"testing"
	"time"

	"relaybox/config"
	"relaybox/internal/events"
	"relaybox/internal/events/contracts/ordering"
	"relaybox/internal/repository"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memoryConfig() *config.Config {
	return &config.Config{
		WorkerID:    "test-worker",
		StoreDriver: "memory",
		EventBus:    "memory",
		Dispatcher:  config.DispatcherConfig{BatchSize: 10, MaxRetries: 4},
		Cleanup:     config.CleanupConfig{DlqRetentionDays: 30},
		Scheduler: config.SchedulerConfig{
			CleanupInterval:        time.Hour,
			DlqInterval:            time.Minute,
			ReconciliationInterval: time.Hour,
			JobAttempts:            1,
			JobRetryDelay:          time.Millisecond,
		},
	}
}

func TestBuildMemoryDispatchesEndToEnd(t *testing.T) {
	a, err := Build(context.Background(), memoryConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	var delivered []events.IntegrationEvent
	a.LocalBus.Subscribe("ordering.OrderCreated", events.HandlerFunc(func(ctx context.Context, e events.IntegrationEvent) error {
		delivered = append(delivered, e)
		return nil
	}))

	ctx := context.Background()
	err = a.Repo.WithTx(ctx, func(tx repository.DBTX) error {
		return a.Publisher.Publish(ctx, tx, ordering.OrderCreated{ID: 9})
	})
	require.NoError(t, err)

	result, err := a.Processor.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, []events.IntegrationEvent{ordering.OrderCreated{ID: 9}}, delivered)

	msgs, err := a.Repo.GetProcessedMessagesOlderThan(ctx, time.Now().Add(time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, 4, msgs[0].MaxRetries)
}

func TestBuildRegistersMaintenanceJobs(t *testing.T) {
	a, err := Build(context.Background(), memoryConfig(), nil)
	require.NoError(t, err)

	names := []string{}
	for _, s := range a.Scheduler.Statuses() {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{JobDlq, JobCleanup, JobReconciliation}, names)

	require.NoError(t, a.Scheduler.TriggerNow(context.Background(), JobDlq))
	require.NoError(t, a.Scheduler.TriggerNow(context.Background(), JobReconciliation))
	assert.Empty(t, a.HealthChecks())
}

func TestBuildRejectsInconsistentConfig(t *testing.T) {
	cfg := memoryConfig()
	cfg.EventBus = "redis"
	_, err := Build(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "REDIS_ENABLED")

	cfg = memoryConfig()
	cfg.LedgerDriver = "redis"
	_, err = Build(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "REDIS_ENABLED")

	cfg = memoryConfig()
	cfg.StoreDriver = "sqlite"
	_, err = Build(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "unknown store driver")
}

func TestBuildWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := memoryConfig()
	cfg.RedisEnabled = true
	cfg.RedisHost = mr.Host()
	cfg.RedisPort = mr.Port()
	cfg.EventBus = "redis"
	cfg.LedgerDriver = "redis"

	a, err := Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	assert.NotNil(t, a.Subscriber())
	require.Contains(t, a.HealthChecks(), "redis")
	assert.NoError(t, a.HealthChecks()["redis"](context.Background()))

	require.NoError(t, a.Scheduler.TriggerNow(context.Background(), JobCleanup))
	assert.False(t, mr.Exists("lock:job:"+JobCleanup))
}
