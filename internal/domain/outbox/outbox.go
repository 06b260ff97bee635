package outbox

import (
	"math"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultMaxRetries = 3
	MaxBackoff        = 60 * time.Minute

	ReasonMaxRetriesExceeded = "Max retries exceeded"
)

// State is the derived lifecycle state of an outbox message
type State string

const (
	StatePending       State = "PENDING"
	StateAwaitingRetry State = "AWAITING_RETRY"
	StateProcessed     State = "PROCESSED"
	StateInDlq         State = "IN_DLQ"
)

// OutboxMessage stores an integration event waiting to be published to the event bus
type OutboxMessage struct {
	ID             uuid.UUID  `gorm:"type:uuid;primary_key;default:gen_random_uuid()" json:"id"`
	EventTypeName  string     `gorm:"type:varchar(200);not null;index" json:"event_type_name"`
	FullTypeName   string     `gorm:"type:varchar(300);not null;index" json:"full_type_name"`
	ModuleName     string     `gorm:"type:varchar(100);not null" json:"module_name"`
	Content        string     `gorm:"type:text;not null" json:"content"`
	OccurredOn     time.Time  `gorm:"not null;index" json:"occurred_on"`
	ProcessedOn    *time.Time `gorm:"index" json:"processed_on,omitempty"`
	RetryCount     int        `gorm:"not null;default:0" json:"retry_count"`
	MaxRetries     int        `gorm:"not null;default:3" json:"max_retries"`
	NextRetryAt    *time.Time `gorm:"index" json:"next_retry_at,omitempty"`
	IdempotencyKey *string    `gorm:"type:varchar(200)" json:"idempotency_key,omitempty"`
	AggregateID    *uuid.UUID `gorm:"type:uuid" json:"aggregate_id,omitempty"`
	CorrelationID  *uuid.UUID `gorm:"type:uuid" json:"correlation_id,omitempty"`
	SchemaVersion  int        `gorm:"not null;default:1" json:"schema_version"`
	FailureReason  *string    `gorm:"type:text" json:"failure_reason,omitempty"`
	Error          *string    `gorm:"type:text" json:"error,omitempty"`

	IsPoisonMessage bool       `gorm:"not null;default:false" json:"is_poison_message"`
	PoisonedAt      *time.Time `json:"poisoned_at,omitempty"`
	MovedToDlqAt    *time.Time `gorm:"index" json:"moved_to_dlq_at,omitempty"`
	DlqReason       *string    `gorm:"type:text" json:"dlq_reason,omitempty"`

	LeaseOwner  *string    `gorm:"type:varchar(100)" json:"lease_owner,omitempty"`
	LeasedUntil *time.Time `json:"leased_until,omitempty"`
}

// TableName returns the database table name
func (OutboxMessage) TableName() string {
	return "outbox_messages"
}

// NewMessage builds a pending message for the given type triple and JSON content.
func NewMessage(eventTypeName, fullTypeName, moduleName, content string, occurredOn time.Time) *OutboxMessage {
	return &OutboxMessage{
		ID:            uuid.New(),
		EventTypeName: eventTypeName,
		FullTypeName:  fullTypeName,
		ModuleName:    moduleName,
		Content:       content,
		OccurredOn:    occurredOn.UTC(),
		MaxRetries:    DefaultMaxRetries,
		SchemaVersion: 1,
	}
}

func (m *OutboxMessage) IsProcessed() bool {
	return m.ProcessedOn != nil
}

func (m *OutboxMessage) IsInDlq() bool {
	return m.MovedToDlqAt != nil || m.IsPoisonMessage
}

// ShouldRetry reports whether the dispatcher may pick the message up at now.
func (m *OutboxMessage) ShouldRetry(now time.Time) bool {
	if m.IsProcessed() || m.IsInDlq() {
		return false
	}
	if m.RetryCount >= m.MaxRetries {
		return false
	}
	return m.NextRetryAt == nil || !m.NextRetryAt.After(now)
}

func (m *OutboxMessage) State(now time.Time) State {
	switch {
	case m.IsInDlq():
		return StateInDlq
	case m.IsProcessed():
		return StateProcessed
	case m.NextRetryAt != nil && m.NextRetryAt.After(now):
		return StateAwaitingRetry
	default:
		return StatePending
	}
}

// MarkProcessed records a successful publish. Repeated calls keep the first ProcessedOn.
func (m *OutboxMessage) MarkProcessed(now time.Time) {
	if m.ProcessedOn == nil {
		t := now.UTC()
		m.ProcessedOn = &t
	}
	m.NextRetryAt = nil
	m.releaseLease()
}

// MarkFailed records a failed attempt and either schedules the next retry or moves the message to the DLQ.
func (m *OutboxMessage) MarkFailed(reason string, isPoison bool, now time.Time) {
	now = now.UTC()
	reason = SanitizeReason(reason)

	m.RetryCount++
	m.Error = &reason
	m.FailureReason = &reason
	m.releaseLease()

	if isPoison {
		m.IsPoisonMessage = true
		m.PoisonedAt = &now
		m.moveToDlq(reason, now)
		return
	}

	if m.RetryCount >= m.MaxRetries {
		m.moveToDlq(ReasonMaxRetriesExceeded, now)
		return
	}

	next := now.Add(BackoffFor(m.RetryCount))
	m.NextRetryAt = &next
}

// MarkPermanentlyFailed flags the message as poison. A message already in the DLQ keeps its
// MovedToDlqAt and DlqReason so retention and statistics still key on the original entry.
// An already poisoned message is left untouched.
func (m *OutboxMessage) MarkPermanentlyFailed(reason string, now time.Time) {
	now = now.UTC()
	reason = SanitizeReason(reason)
	if m.IsPoisonMessage {
		if m.MovedToDlqAt == nil {
			m.moveToDlq(reason, now)
		}
		return
	}
	m.IsPoisonMessage = true
	m.PoisonedAt = &now
	m.FailureReason = &reason
	m.releaseLease()
	if m.MovedToDlqAt == nil {
		m.moveToDlq(reason, now)
	}
}

// ResetForRetry returns the message to Pending. It is the only transition out of Processed or InDlq.
func (m *OutboxMessage) ResetForRetry() {
	m.RetryCount = 0
	m.Error = nil
	m.FailureReason = nil
	m.NextRetryAt = nil
	m.ProcessedOn = nil
	m.IsPoisonMessage = false
	m.PoisonedAt = nil
	m.MovedToDlqAt = nil
	m.DlqReason = nil
	m.releaseLease()
}

// Claim assigns the dispatch lease to owner until the given time.
func (m *OutboxMessage) Claim(owner string, until time.Time) {
	until = until.UTC()
	m.LeaseOwner = &owner
	m.LeasedUntil = &until
}

func (m *OutboxMessage) LeaseActive(now time.Time) bool {
	return m.LeasedUntil != nil && m.LeasedUntil.After(now)
}

// Clone returns a deep copy so stored state never aliases caller state.
func (m *OutboxMessage) Clone() *OutboxMessage {
	c := *m
	c.ProcessedOn = cloneTime(m.ProcessedOn)
	c.NextRetryAt = cloneTime(m.NextRetryAt)
	c.PoisonedAt = cloneTime(m.PoisonedAt)
	c.MovedToDlqAt = cloneTime(m.MovedToDlqAt)
	c.LeasedUntil = cloneTime(m.LeasedUntil)
	c.IdempotencyKey = cloneString(m.IdempotencyKey)
	c.FailureReason = cloneString(m.FailureReason)
	c.Error = cloneString(m.Error)
	c.DlqReason = cloneString(m.DlqReason)
	c.LeaseOwner = cloneString(m.LeaseOwner)
	if m.AggregateID != nil {
		id := *m.AggregateID
		c.AggregateID = &id
	}
	if m.CorrelationID != nil {
		id := *m.CorrelationID
		c.CorrelationID = &id
	}
	return &c
}

// BackoffFor returns the delay before retry number retryCount: 2^retryCount minutes, capped at MaxBackoff.
func BackoffFor(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	minutes := math.Pow(2, float64(retryCount))
	if minutes >= MaxBackoff.Minutes() {
		return MaxBackoff
	}
	return time.Duration(minutes) * time.Minute
}

func (m *OutboxMessage) moveToDlq(reason string, now time.Time) {
	m.MovedToDlqAt = &now
	m.DlqReason = &reason
	m.NextRetryAt = nil
}

func (m *OutboxMessage) releaseLease() {
	m.LeaseOwner = nil
	m.LeasedUntil = nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
