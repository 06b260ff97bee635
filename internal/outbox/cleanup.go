package outbox

import (
	"context"
	"fmt"
	"time"

	"relaybox/internal/domain/outbox"
	"relaybox/internal/repository"
	"relaybox/pkg/logger"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

type CleanupConfig struct {
	ProcessedRetentionDays int
	FailedRetentionDays    int
	BatchSize              int
	BatchDelay             time.Duration
}

func DefaultCleanupConfig() CleanupConfig {
	return CleanupConfig{
		ProcessedRetentionDays: 7,
		FailedRetentionDays:    30,
		BatchSize:              1000,
		BatchDelay:             100 * time.Millisecond,
	}
}

func (c CleanupConfig) normalize() CleanupConfig {
	d := DefaultCleanupConfig()
	if c.ProcessedRetentionDays <= 0 {
		c.ProcessedRetentionDays = d.ProcessedRetentionDays
	}
	if c.FailedRetentionDays <= 0 {
		c.FailedRetentionDays = d.FailedRetentionDays
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.BatchDelay < 0 {
		c.BatchDelay = d.BatchDelay
	}
	return c
}

type CleanupResult struct {
	ProcessedDeleted int           `json:"processed_deleted"`
	FailedDeleted    int           `json:"failed_deleted"`
	TotalDeleted     int           `json:"total_deleted"`
	Elapsed          time.Duration `json:"elapsed"`
}

// CleanupService deletes terminal messages once they are past retention.
type CleanupService struct {
	repo    repository.OutboxRepository
	cfg     CleanupConfig
	log     *logger.Logger
	metrics *outboxMetrics
	clock   func() time.Time
	sleep   func(context.Context, time.Duration) error
}

func NewCleanupService(repo repository.OutboxRepository, cfg CleanupConfig, l *logger.Logger) *CleanupService {
	return &CleanupService{
		repo:    repo,
		cfg:     cfg.normalize(),
		log:     logger.OrNop(l),
		metrics: mustMetrics(nil),
		clock:   time.Now,
		sleep:   sleepWithContext,
	}
}

type fetchOlderThan func(ctx context.Context, cutoff time.Time, limit int) ([]*outbox.OutboxMessage, error)

// CleanupProcessedMessages deletes messages processed more than ProcessedRetentionDays ago.
func (s *CleanupService) CleanupProcessedMessages(ctx context.Context) (int, error) {
	return s.run(ctx, "processed", s.cfg.ProcessedRetentionDays, s.repo.GetProcessedMessagesOlderThan)
}

// CleanupFailedMessages deletes DLQ messages that entered the DLQ more than FailedRetentionDays ago.
func (s *CleanupService) CleanupFailedMessages(ctx context.Context) (int, error) {
	return s.run(ctx, "failed", s.cfg.FailedRetentionDays, s.repo.GetFailedMessagesOlderThan)
}

func (s *CleanupService) RunFullCleanup(ctx context.Context) (CleanupResult, error) {
	var result CleanupResult
	start := s.clock()

	processed, err := s.CleanupProcessedMessages(ctx)
	result.ProcessedDeleted = processed
	result.TotalDeleted = processed
	if err != nil {
		result.Elapsed = s.clock().Sub(start)
		return result, err
	}

	failed, err := s.CleanupFailedMessages(ctx)
	result.FailedDeleted = failed
	result.TotalDeleted += failed
	result.Elapsed = s.clock().Sub(start)
	if err != nil {
		return result, err
	}

	s.log.Infof("outbox cleanup finished: processed=%d failed=%d in %s", processed, failed, result.Elapsed)
	return result, nil
}

// run deletes in batches until a fetch returns fewer than BatchSize rows. The cutoff is fixed for the
// whole run and the comparison is strict, so a message exactly at the cutoff is kept.
func (s *CleanupService) run(ctx context.Context, kind string, retentionDays int, fetch fetchOlderThan) (int, error) {
	cutoff := s.clock().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	total := 0

	for {
		batch, err := fetch(ctx, cutoff, s.cfg.BatchSize)
		if err != nil {
			return total, fmt.Errorf("fetch %s messages older than %s: %w", kind, cutoff.Format(time.RFC3339), err)
		}
		if len(batch) == 0 {
			break
		}

		ids := make([]uuid.UUID, 0, len(batch))
		for _, m := range batch {
			ids = append(ids, m.ID)
		}
		deleted, err := s.repo.DeleteMessages(ctx, ids)
		if err != nil {
			return total, fmt.Errorf("delete %s messages: %w", kind, err)
		}
		total += deleted
		s.metrics.add(ctx, s.metrics.deleted, deleted, attribute.String("kind", kind))

		if len(batch) < s.cfg.BatchSize || deleted == 0 {
			break
		}
		if err := s.sleep(ctx, s.cfg.BatchDelay); err != nil {
			return total, err
		}
	}

	if total > 0 {
		s.log.Infof("deleted %d %s outbox messages older than %d days", total, kind, retentionDays)
	}
	return total, nil
}
