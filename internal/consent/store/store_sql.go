package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"consentry/internal/consent/models"
	"consentry/internal/platform/database"
	"consentry/internal/sentinel"
	"consentry/migrations"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS consent_records (
    id          INTEGER   PRIMARY KEY AUTOINCREMENT,
    consent_id  TEXT      NOT NULL,
    event       TEXT      NOT NULL,
    states      TEXT      NOT NULL DEFAULT '{}',
    ip_hash     TEXT      NOT NULL,
    user_agent  TEXT      NOT NULL DEFAULT '',
    lang        TEXT      NOT NULL DEFAULT '',
    rev         INTEGER   NOT NULL DEFAULT 1,
    created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_consent_records_consent_id ON consent_records (consent_id, id DESC);
CREATE INDEX IF NOT EXISTS idx_consent_records_created_at ON consent_records (created_at);
CREATE INDEX IF NOT EXISTS idx_consent_records_event ON consent_records (event);
`

const recordColumns = `id, consent_id, event, states, ip_hash, user_agent, lang, rev, created_at`

// SQLLedger persists the ledger in Postgres or SQLite. The table is created
// on first use if it is missing.
type SQLLedger struct {
	db      *sql.DB
	dialect database.Dialect
	schema  database.SchemaGuard
}

func NewSQLLedger(db *sql.DB, dialect database.Dialect) *SQLLedger {
	return &SQLLedger{db: db, dialect: dialect}
}

// NewPostgres constructs a PostgreSQL-backed ledger.
func NewPostgres(db *sql.DB) *SQLLedger {
	return NewSQLLedger(db, database.Postgres)
}

// NewSQLite constructs a SQLite-backed ledger.
func NewSQLite(db *sql.DB) *SQLLedger {
	return NewSQLLedger(db, database.SQLite)
}

func (s *SQLLedger) ensureSchema(ctx context.Context) error {
	return s.schema.Ensure(ctx, func(ctx context.Context) error {
		ddl := sqliteSchema
		if s.dialect == database.Postgres {
			var err error
			if ddl, err = migrations.Up("000001_consent_records"); err != nil {
				return errors.Join(sentinel.ErrSchema, err)
			}
		}
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return errors.Join(sentinel.ErrSchema, fmt.Errorf("create consent_records: %w", err))
		}
		return nil
	})
}

func (s *SQLLedger) Insert(ctx context.Context, record *models.Record) (int64, error) {
	if record == nil {
		return 0, fmt.Errorf("consent record is required")
	}
	if err := s.ensureSchema(ctx); err != nil {
		return 0, err
	}
	states, err := json.Marshal(record.States)
	if err != nil {
		return 0, fmt.Errorf("encode states: %w", err)
	}

	query := s.dialect.Rebind(`
		INSERT INTO consent_records (consent_id, event, states, ip_hash, user_agent, lang, rev, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`)
	var id int64
	err = s.db.QueryRowContext(ctx, query,
		record.ConsentID,
		string(record.Event),
		string(states),
		record.IPHash,
		record.UserAgent,
		record.Lang,
		record.Rev,
		record.CreatedAt.UTC().Truncate(time.Microsecond),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert consent record: %w", err)
	}
	record.ID = id
	return id, nil
}

func (s *SQLLedger) FindLatestByConsentID(ctx context.Context, consentID string) (*models.Record, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	query := s.dialect.Rebind(`SELECT ` + recordColumns + `
		FROM consent_records
		WHERE consent_id = ?
		ORDER BY id DESC
		LIMIT 1`)
	record, err := scanRecord(s.db.QueryRowContext(ctx, query, consentID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find latest consent record: %w", err)
	}
	return record, nil
}

func (s *SQLLedger) Query(ctx context.Context, filter models.Filter, page models.Page) ([]*models.Record, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	page = page.Normalize()
	where, args := s.where(filter)
	query := s.dialect.Rebind(`SELECT ` + recordColumns + ` FROM consent_records` + where + ` ORDER BY id DESC LIMIT ? OFFSET ?`)
	args = append(args, page.Limit, page.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query consent records: %w", err)
	}
	defer rows.Close()

	records := []*models.Record{}
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan consent record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate consent records: %w", err)
	}
	return records, nil
}

func (s *SQLLedger) Count(ctx context.Context, filter models.Filter) (int, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return 0, err
	}
	where, args := s.where(filter)
	var n int
	if err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT COUNT(*) FROM consent_records`+where), args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count consent records: %w", err)
	}
	return n, nil
}

func (s *SQLLedger) DeleteOlderThan(ctx context.Context, days int, now time.Time) (int, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		s.dialect.Rebind(`DELETE FROM consent_records WHERE created_at < ?`),
		RetentionCutoff(days, now),
	)
	if err != nil {
		return 0, fmt.Errorf("delete expired consent records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired consent records: %w", err)
	}
	return int(n), nil
}

func (s *SQLLedger) SummarySince(ctx context.Context, since time.Time) (map[models.Event]int, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		s.dialect.Rebind(`SELECT event, COUNT(*) FROM consent_records WHERE created_at >= ? GROUP BY event`),
		since.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("summarize consent records: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.Event]int)
	for rows.Next() {
		var event string
		var n int
		if err := rows.Scan(&event, &n); err != nil {
			return nil, fmt.Errorf("scan consent summary: %w", err)
		}
		counts[models.Event(event)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate consent summary: %w", err)
	}
	return counts, nil
}

func (s *SQLLedger) where(filter models.Filter) (string, []any) {
	var clauses []string
	var args []any
	if filter.Event != "" {
		clauses = append(clauses, "event = ?")
		args = append(args, string(filter.Event))
	}
	if filter.Search != "" {
		like := "LIKE"
		if s.dialect == database.Postgres {
			like = "ILIKE"
		}
		pattern := "%" + escapeLike(filter.Search) + "%"
		clauses = append(clauses, fmt.Sprintf(
			`(consent_id %[1]s ? ESCAPE '\' OR user_agent %[1]s ? ESCAPE '\' OR lang %[1]s ? ESCAPE '\')`, like))
		args = append(args, pattern, pattern, pattern)
	}
	if !filter.From.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, filter.From.UTC())
	}
	if !filter.To.IsZero() {
		clauses = append(clauses, "created_at < ?")
		args = append(args, filter.To.UTC())
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*models.Record, error) {
	var r models.Record
	var event string
	var states []byte
	if err := row.Scan(&r.ID, &r.ConsentID, &event, &states, &r.IPHash, &r.UserAgent, &r.Lang, &r.Rev, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.Event = models.Event(event)
	r.States = models.States{}
	if len(states) > 0 {
		if err := json.Unmarshal(states, &r.States); err != nil {
			return nil, fmt.Errorf("decode states: %w", err)
		}
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.IPHash = strings.TrimSpace(r.IPHash)
	return &r, nil
}
