package httpdto

import (
	"time"

	"relaybox/internal/domain/outbox"

	"github.com/google/uuid"
)

type OutboxMessageDTO struct {
	ID              uuid.UUID    `json:"id"`
	EventType       string       `json:"event_type"`
	FullType        string       `json:"full_type"`
	Module          string       `json:"module"`
	State           outbox.State `json:"state"`
	OccurredOn      time.Time    `json:"occurred_on"`
	ProcessedOn     *time.Time   `json:"processed_on,omitempty"`
	RetryCount      int          `json:"retry_count"`
	MaxRetries      int          `json:"max_retries"`
	NextRetryAt     *time.Time   `json:"next_retry_at,omitempty"`
	IsPoisonMessage bool         `json:"is_poison_message"`
	MovedToDlqAt    *time.Time   `json:"moved_to_dlq_at,omitempty"`
	DlqReason       *string      `json:"dlq_reason,omitempty"`
	Error           *string      `json:"error,omitempty"`
	IdempotencyKey  *string      `json:"idempotency_key,omitempty"`
	AggregateID     *uuid.UUID   `json:"aggregate_id,omitempty"`
	CorrelationID   *uuid.UUID   `json:"correlation_id,omitempty"`
	Content         string       `json:"content,omitempty"`
}

// FromOutboxMessage maps a message. Content is only included when withContent is set.
func FromOutboxMessage(m *outbox.OutboxMessage, now time.Time, withContent bool) OutboxMessageDTO {
	dto := OutboxMessageDTO{
		ID:              m.ID,
		EventType:       m.EventTypeName,
		FullType:        m.FullTypeName,
		Module:          m.ModuleName,
		State:           m.State(now),
		OccurredOn:      m.OccurredOn,
		ProcessedOn:     m.ProcessedOn,
		RetryCount:      m.RetryCount,
		MaxRetries:      m.MaxRetries,
		NextRetryAt:     m.NextRetryAt,
		IsPoisonMessage: m.IsPoisonMessage,
		MovedToDlqAt:    m.MovedToDlqAt,
		DlqReason:       m.DlqReason,
		Error:           m.Error,
		IdempotencyKey:  m.IdempotencyKey,
		AggregateID:     m.AggregateID,
		CorrelationID:   m.CorrelationID,
	}
	if withContent {
		dto.Content = m.Content
	}
	return dto
}

func FromOutboxMessages(msgs []*outbox.OutboxMessage, now time.Time) []OutboxMessageDTO {
	out := make([]OutboxMessageDTO, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, FromOutboxMessage(m, now, false))
	}
	return out
}

type ListDlqResponse struct {
	Messages []OutboxMessageDTO `json:"messages"`
	Total    int                `json:"total"`
}

type FailMessageRequest struct {
	Reason string `json:"reason" binding:"required"`
}

type MessageActionResponse struct {
	MessageID uuid.UUID `json:"message_id"`
	Applied   bool      `json:"applied"`
}

type DeletedResponse struct {
	Deleted int `json:"deleted"`
}
