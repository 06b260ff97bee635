package outbox

import (
	"time"

	"github.com/google/uuid"
)

// ProcessedEvent is an idempotency ledger row written after a successful dispatch
type ProcessedEvent struct {
	IdempotencyKey string     `gorm:"type:varchar(200);primary_key"`
	AggregateID    *uuid.UUID `gorm:"type:uuid;index"`
	ProcessedAt    time.Time  `gorm:"not null"`
}

// TableName returns the database table name
func (ProcessedEvent) TableName() string {
	return "processed_events"
}
