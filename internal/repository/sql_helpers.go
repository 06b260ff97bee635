package repository

import (
	"context"
	"errors"

	relaybox_errors "relaybox/pkg/errors"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// DBTX is the caller's open unit of work. The GORM adapter expects a *gorm.DB
// obtained inside a transaction, the memory adapter a *memory.Tx.
type DBTX interface{}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// IsConnectionError reports Postgres failures that indicate the store is unreachable.
func IsConnectionError(err error) bool {
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// class 08: connection exception, 57P01..03: admin shutdown / cannot connect now
		return len(pgErr.Code) == 5 && (pgErr.Code[:2] == "08" || pgErr.Code[:3] == "57P")
	}
	return false
}

// gormTx unwraps a caller transaction for the GORM adapter.
func gormTx(tx DBTX) (*gorm.DB, error) {
	db, ok := tx.(*gorm.DB)
	if !ok || db == nil {
		return nil, relaybox_errors.ErrTransactionRequired
	}
	return db, nil
}

// WithTx executes fn inside a GORM transaction. Nested calls run in a savepoint.
func WithTx(ctx context.Context, db *gorm.DB, fn func(DBTX) error) error {
	if db == nil {
		return errors.New("database not initialized")
	}
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(tx)
	})
}
