package repository

import (
	"context"

	relaybox_errors "relaybox/pkg/errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DirectoryTables names the identity and membership tables that reconciliation inspects.
type DirectoryTables struct {
	Users            string
	Members          string
	MemberUserColumn string
}

func DefaultDirectoryTables() DirectoryTables {
	return DirectoryTables{Users: "users", Members: "members", MemberUserColumn: "user_id"}
}

// PostgresDirectory answers cross-context existence checks and repairs user to member links.
type PostgresDirectory struct {
	db     *gorm.DB
	tables DirectoryTables
}

func NewDirectoryRepository(db *gorm.DB, tables DirectoryTables) *PostgresDirectory {
	return &PostgresDirectory{db: db, tables: tables}
}

func (r *PostgresDirectory) UserExists(ctx context.Context, userID uuid.UUID) (bool, error) {
	return r.exists(ctx, r.tables.Users, "id = ?", userID)
}

func (r *PostgresDirectory) MemberExists(ctx context.Context, memberID uuid.UUID) (bool, error) {
	return r.exists(ctx, r.tables.Members, "id = ?", memberID)
}

func (r *PostgresDirectory) MemberExistsForUser(ctx context.Context, userID uuid.UUID) (bool, error) {
	return r.exists(ctx, r.tables.Members, r.tables.MemberUserColumn+" = ?", userID)
}

func (r *PostgresDirectory) IsLinked(ctx context.Context, userID, memberID uuid.UUID) (bool, error) {
	return r.exists(ctx, r.tables.Members, "id = ? AND "+r.tables.MemberUserColumn+" = ?", memberID, userID)
}

func (r *PostgresDirectory) Link(ctx context.Context, userID, memberID uuid.UUID) error {
	res := r.db.WithContext(ctx).
		Table(r.tables.Members).
		Where("id = ?", memberID).
		Update(r.tables.MemberUserColumn, userID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return relaybox_errors.ErrNotFound
	}
	return nil
}

func (r *PostgresDirectory) exists(ctx context.Context, table, query string, args ...interface{}) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Table(table).Where(query, args...).Limit(1).Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
