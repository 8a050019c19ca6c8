package revision

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"consentry/internal/platform/database"
	"consentry/internal/sentinel"
	"consentry/migrations"
)

const optionKey = "policy_revision"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS consent_options (
    key         TEXT      PRIMARY KEY,
    value       INTEGER   NOT NULL,
    updated_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// SQLStore keeps the revision in the consent_options key/value table.
type SQLStore struct {
	db      *sql.DB
	dialect database.Dialect
	schema  database.SchemaGuard
}

func NewSQLStore(db *sql.DB, dialect database.Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

func (s *SQLStore) ensureSchema(ctx context.Context) error {
	return s.schema.Ensure(ctx, func(ctx context.Context) error {
		ddl := sqliteSchema
		if s.dialect == database.Postgres {
			var err error
			if ddl, err = migrations.Up("000002_consent_options"); err != nil {
				return errors.Join(sentinel.ErrSchema, err)
			}
		}
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return errors.Join(sentinel.ErrSchema, fmt.Errorf("create consent_options: %w", err))
		}
		return nil
	})
}

func (s *SQLStore) Get(ctx context.Context) (int, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return 0, err
	}
	var rev int
	err := s.db.QueryRowContext(ctx,
		s.dialect.Rebind(`SELECT value FROM consent_options WHERE key = ?`),
		optionKey,
	).Scan(&rev)
	if errors.Is(err, sql.ErrNoRows) {
		return Initial, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read revision: %w", err)
	}
	return rev, nil
}

// Increment is a single upsert, so concurrent bumps never lose an update.
func (s *SQLStore) Increment(ctx context.Context) (int, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return 0, err
	}
	query := s.dialect.Rebind(`
		INSERT INTO consent_options (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (key) DO UPDATE
		SET value = consent_options.value + 1, updated_at = CURRENT_TIMESTAMP
		RETURNING value
	`)
	var rev int
	if err := s.db.QueryRowContext(ctx, query, optionKey, Initial+1).Scan(&rev); err != nil {
		return 0, fmt.Errorf("bump revision: %w", err)
	}
	return rev, nil
}
