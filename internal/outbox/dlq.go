package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"relaybox/internal/domain/outbox"
	"relaybox/internal/repository"
	relaybox_errors "relaybox/pkg/errors"
	"relaybox/pkg/logger"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

type DlqAction string

const (
	DlqActionRetried           DlqAction = "Retried"
	DlqActionPermanentlyFailed DlqAction = "PermanentlyFailed"
	DlqActionSkipped           DlqAction = "Skipped"
)

// DlqMessageAction is one audit entry of a DLQ processing run.
type DlqMessageAction struct {
	MessageID uuid.UUID `json:"message_id"`
	EventType string    `json:"event_type"`
	Action    DlqAction `json:"action"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
}

type DlqProcessingResult struct {
	Total             int                `json:"total"`
	Retried           int                `json:"retried"`
	PermanentlyFailed int                `json:"permanently_failed"`
	Skipped           int                `json:"skipped"`
	Errors            int                `json:"errors"`
	Actions           []DlqMessageAction `json:"actions"`
}

type DlqStatistics struct {
	TotalDlqMessages           int            `json:"total_dlq_messages"`
	PoisonMessages             int            `json:"poison_messages"`
	MaxRetriesExceededMessages int            `json:"max_retries_exceeded_messages"`
	MessagesByType             map[string]int `json:"messages_by_type"`
	MessagesByFailureReason    map[string]int `json:"messages_by_failure_reason"`
	OldestMessageAgeHours      float64        `json:"oldest_message_age_hours"`
	OldestMessageAt            *time.Time     `json:"oldest_message_at,omitempty"`
}

// DlqArchiver stores DLQ messages somewhere durable before they are deleted.
type DlqArchiver interface {
	Archive(ctx context.Context, msgs []*outbox.OutboxMessage) error
}

type DlqService struct {
	repo     repository.OutboxRepository
	archiver DlqArchiver
	log      *logger.Logger
	metrics  *outboxMetrics
	clock    func() time.Time
}

func NewDlqService(repo repository.OutboxRepository, archiver DlqArchiver, l *logger.Logger) *DlqService {
	return &DlqService{
		repo:     repo,
		archiver: archiver,
		log:      logger.OrNop(l),
		metrics:  mustMetrics(nil),
		clock:    time.Now,
	}
}

// ProcessDlqMessages decides an action for every DLQ message: poison stays, messages with retries
// left go back to pending, the rest are flagged as permanently failed.
func (s *DlqService) ProcessDlqMessages(ctx context.Context) (DlqProcessingResult, error) {
	result := DlqProcessingResult{Actions: []DlqMessageAction{}}

	msgs, err := s.repo.GetDlqMessages(ctx)
	if err != nil {
		return result, fmt.Errorf("load dlq messages: %w", err)
	}
	result.Total = len(msgs)

	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		action := DlqMessageAction{MessageID: msg.ID, EventType: msg.FullTypeName, Success: true}

		switch {
		case msg.IsPoisonMessage:
			action.Action = DlqActionSkipped
			result.Skipped++
		case msg.RetryCount < msg.MaxRetries:
			action.Action = DlqActionRetried
			ok, err := s.RetryDlqMessage(ctx, msg.ID)
			if err != nil || !ok {
				action.Success = false
				action.Error = errorText(err, "message left the DLQ before retry")
				result.Errors++
			} else {
				result.Retried++
			}
		default:
			action.Action = DlqActionPermanentlyFailed
			ok, err := s.MarkDlqMessageAsPermanentlyFailed(ctx, msg.ID, outbox.ReasonMaxRetriesExceeded)
			if err != nil || !ok {
				action.Success = false
				action.Error = errorText(err, "message not found")
				result.Errors++
			} else {
				result.PermanentlyFailed++
			}
		}
		result.Actions = append(result.Actions, action)
	}

	s.log.Infof("dlq processed: total=%d retried=%d permanently_failed=%d skipped=%d errors=%d",
		result.Total, result.Retried, result.PermanentlyFailed, result.Skipped, result.Errors)
	return result, nil
}

// RetryDlqMessage resets a DLQ message to pending. It returns false when the message is missing or not in the DLQ.
func (s *DlqService) RetryDlqMessage(ctx context.Context, id uuid.UUID) (bool, error) {
	msg, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, relaybox_errors.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if !msg.IsInDlq() {
		return false, nil
	}

	msg.ResetForRetry()
	if err := s.repo.Update(ctx, msg); err != nil {
		return false, fmt.Errorf("reset dlq message %s: %w", id, err)
	}
	s.log.Infof("dlq message %s (%s) reset for retry", id, msg.FullTypeName)
	return true, nil
}

// MarkDlqMessageAsPermanentlyFailed flags a DLQ message as poison. It returns false when the message
// is missing or not in the DLQ. Repeating it has no further effect.
func (s *DlqService) MarkDlqMessageAsPermanentlyFailed(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	msg, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, relaybox_errors.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if !msg.IsInDlq() {
		return false, nil
	}
	if msg.IsPoisonMessage && msg.MovedToDlqAt != nil {
		return true, nil
	}

	msg.MarkPermanentlyFailed(reason, s.clock())
	if err := s.repo.Update(ctx, msg); err != nil {
		return false, fmt.Errorf("mark dlq message %s permanently failed: %w", id, err)
	}
	return true, nil
}

func (s *DlqService) GetDlqStatistics(ctx context.Context) (DlqStatistics, error) {
	stats := DlqStatistics{
		MessagesByType:          map[string]int{},
		MessagesByFailureReason: map[string]int{},
	}

	msgs, err := s.repo.GetDlqMessages(ctx)
	if err != nil {
		return stats, fmt.Errorf("load dlq messages: %w", err)
	}

	now := s.clock()
	for _, msg := range msgs {
		stats.TotalDlqMessages++
		if msg.IsPoisonMessage {
			stats.PoisonMessages++
		} else {
			stats.MaxRetriesExceededMessages++
		}
		stats.MessagesByType[msg.FullTypeName]++

		reason := "unknown"
		if msg.DlqReason != nil && *msg.DlqReason != "" {
			reason = *msg.DlqReason
		}
		stats.MessagesByFailureReason[reason]++

		at := msg.MovedToDlqAt
		if at == nil {
			at = &msg.OccurredOn
		}
		if stats.OldestMessageAt == nil || at.Before(*stats.OldestMessageAt) {
			t := *at
			stats.OldestMessageAt = &t
		}
	}
	if stats.OldestMessageAt != nil {
		stats.OldestMessageAgeHours = now.Sub(*stats.OldestMessageAt).Hours()
	}
	return stats, nil
}

// ListDlqMessages returns DLQ messages, optionally restricted to one event type.
func (s *DlqService) ListDlqMessages(ctx context.Context, typeName string) ([]*outbox.OutboxMessage, error) {
	if typeName == "" {
		return s.repo.GetDlqMessages(ctx)
	}
	return s.repo.GetDlqMessagesByType(ctx, typeName)
}

// CleanupOldDlqMessages deletes DLQ messages that entered the DLQ before now - retentionDays.
// With an archiver configured, nothing is deleted unless the archive write succeeds.
func (s *DlqService) CleanupOldDlqMessages(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, fmt.Errorf("retention days must be positive: %w", relaybox_errors.ErrInvalidInput)
	}
	cutoff := s.clock().Add(-time.Duration(retentionDays) * 24 * time.Hour)

	msgs, err := s.repo.GetDlqMessagesOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("load dlq messages older than %s: %w", cutoff.Format(time.RFC3339), err)
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	if s.archiver != nil {
		if err := s.archiver.Archive(ctx, msgs); err != nil {
			return 0, fmt.Errorf("archive %d dlq messages: %w", len(msgs), err)
		}
	}

	ids := make([]uuid.UUID, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	deleted, err := s.repo.DeleteMessages(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("delete dlq messages: %w", err)
	}
	s.metrics.add(ctx, s.metrics.deleted, deleted, attribute.String("kind", "dlq"))
	s.log.Infof("deleted %d dlq messages older than %d days", deleted, retentionDays)
	return deleted, nil
}

func errorText(err error, fallback string) string {
	if err != nil {
		return err.Error()
	}
	return fallback
}
