package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"consentry/internal/platform/database"
	"consentry/internal/sentinel"
	"consentry/internal/servicescan/models"
	"consentry/migrations"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS service_snapshots (
    id        INTEGER   PRIMARY KEY CHECK (id = 1),
    services  TEXT      NOT NULL DEFAULT '[]',
    taken_at  TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS service_alerts (
    id               INTEGER   PRIMARY KEY CHECK (id = 1),
    active           BOOLEAN   NOT NULL DEFAULT FALSE,
    added            TEXT      NOT NULL DEFAULT '[]',
    removed          TEXT      NOT NULL DEFAULT '[]',
    detected_at      TIMESTAMP,
    last_checked     TIMESTAMP,
    last_emailed_at  TIMESTAMP
);
`

// SQLStore keeps the singleton rows in service_snapshots and service_alerts.
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
			if ddl, err = migrations.Up("000003_service_audit"); err != nil {
				return errors.Join(sentinel.ErrSchema, err)
			}
		}
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return errors.Join(sentinel.ErrSchema, fmt.Errorf("create service audit tables: %w", err))
		}
		return nil
	})
}

func (s *SQLStore) LoadSnapshot(ctx context.Context) (*models.Snapshot, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	var raw string
	var snap models.Snapshot
	err := s.db.QueryRowContext(ctx, `SELECT services, taken_at FROM service_snapshots WHERE id = 1`).
		Scan(&raw, &snap.TakenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load service snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &snap.Services); err != nil {
		return nil, fmt.Errorf("decode service snapshot: %w", err)
	}
	snap.TakenAt = snap.TakenAt.UTC()
	return &snap, nil
}

func (s *SQLStore) SaveSnapshot(ctx context.Context, snap *models.Snapshot) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	services, err := encodeServices(snap.Services)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO service_snapshots (id, services, taken_at) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET services = excluded.services, taken_at = excluded.taken_at
	`), services, snap.TakenAt.UTC())
	if err != nil {
		return fmt.Errorf("save service snapshot: %w", err)
	}
	return nil
}

func (s *SQLStore) LoadAlert(ctx context.Context) (*models.Alert, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	var (
		alert                              models.Alert
		added, removed                     string
		detectedAt, lastChecked, lastEmail sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT active, added, removed, detected_at, last_checked, last_emailed_at
		FROM service_alerts WHERE id = 1
	`).Scan(&alert.Active, &added, &removed, &detectedAt, &lastChecked, &lastEmail)
	if errors.Is(err, sql.ErrNoRows) {
		return &models.Alert{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load service alert: %w", err)
	}
	if err := json.Unmarshal([]byte(added), &alert.Added); err != nil {
		return nil, fmt.Errorf("decode alert: %w", err)
	}
	if err := json.Unmarshal([]byte(removed), &alert.Removed); err != nil {
		return nil, fmt.Errorf("decode alert: %w", err)
	}
	alert.DetectedAt = fromNull(detectedAt)
	alert.LastChecked = fromNull(lastChecked)
	alert.LastEmailedAt = fromNull(lastEmail)
	return &alert, nil
}

func (s *SQLStore) SaveAlert(ctx context.Context, alert *models.Alert) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	added, err := encodeServices(alert.Added)
	if err != nil {
		return err
	}
	removed, err := encodeServices(alert.Removed)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO service_alerts (id, active, added, removed, detected_at, last_checked, last_emailed_at)
		VALUES (1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			active = excluded.active,
			added = excluded.added,
			removed = excluded.removed,
			detected_at = excluded.detected_at,
			last_checked = excluded.last_checked,
			last_emailed_at = excluded.last_emailed_at
	`), alert.Active, added, removed, toNull(alert.DetectedAt), toNull(alert.LastChecked), toNull(alert.LastEmailedAt))
	if err != nil {
		return fmt.Errorf("save service alert: %w", err)
	}
	return nil
}

func encodeServices(services []models.Service) (string, error) {
	if services == nil {
		services = []models.Service{}
	}
	raw, err := json.Marshal(services)
	if err != nil {
		return "", fmt.Errorf("encode services: %w", err)
	}
	return string(raw), nil
}

func toNull(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC().Truncate(time.Microsecond), Valid: true}
}

func fromNull(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time.UTC()
}
