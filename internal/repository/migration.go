package repository

import (
	"fmt"

	"relaybox/internal/domain/outbox"

	"gorm.io/gorm"
)

// OutboxTables lists the tables owned by the outbox schema.
var OutboxTables = []string{"outbox_messages", "processed_events"}

// InitSchema creates the outbox tables and the partial indexes the dispatcher and cleanup queries rely on.
func InitSchema(db *gorm.DB) error {
	// gen_random_uuid() on Postgres < 13
	if err := db.Exec(`CREATE EXTENSION IF NOT EXISTS "pgcrypto";`).Error; err != nil {
		return fmt.Errorf("failed to create extension: %w", err)
	}

	if err := db.AutoMigrate(&outbox.OutboxMessage{}, &outbox.ProcessedEvent{}); err != nil {
		return fmt.Errorf("auto migrate outbox tables: %w", err)
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_outbox_dispatchable
			ON outbox_messages (occurred_on)
			WHERE processed_on IS NULL AND moved_to_dlq_at IS NULL AND is_poison_message = FALSE;`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_processed_on
			ON outbox_messages (processed_on)
			WHERE processed_on IS NOT NULL;`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_dlq
			ON outbox_messages (moved_to_dlq_at)
			WHERE moved_to_dlq_at IS NOT NULL OR is_poison_message = TRUE;`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_idempotency_key
			ON outbox_messages (idempotency_key)
			WHERE idempotency_key IS NOT NULL;`,
	}
	for _, stmt := range indexes {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

func DropSchema(db *gorm.DB) error {
	for _, table := range OutboxTables {
		if err := db.Migrator().DropTable(table); err != nil {
			return fmt.Errorf("drop %s: %w", table, err)
		}
	}
	return nil
}
