package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/suite"

	"consentry/internal/consent/models"
	"consentry/internal/sentinel"
)

// Justification: sqlmock pins the Postgres statements (placeholders,
// retention predicate, schema bootstrap) without a running database.
type PostgresLedgerSQLSuite struct {
	suite.Suite
	mock   sqlmock.Sqlmock
	ledger *SQLLedger
	now    time.Time
}

func TestPostgresLedgerSQLSuite(t *testing.T) {
	suite.Run(t, new(PostgresLedgerSQLSuite))
}

func (s *PostgresLedgerSQLSuite) SetupTest() {
	db, mock, err := sqlmock.New()
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = db.Close() })
	s.mock = mock
	s.ledger = NewPostgres(db)
	s.now = time.Date(2025, 6, 30, 12, 0, 0, 0, time.UTC)
}

func (s *PostgresLedgerSQLSuite) TearDownTest() {
	s.NoError(s.mock.ExpectationsWereMet())
}

func (s *PostgresLedgerSQLSuite) expectSchema() {
	s.mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS consent_records")).
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func (s *PostgresLedgerSQLSuite) TestInsertUsesNumberedPlaceholdersAndReturnsID() {
	s.expectSchema()
	s.mock.ExpectQuery(regexp.QuoteMeta("VALUES ($1, $2, $3, $4, $5, $6, $7, $8)")).
		WithArgs("abc", "accept_all", `{"necessary":true}`, "hash", "ua", "en", 3, s.now).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))

	r, err := models.NewRecord("abc", models.EventAcceptAll, models.States{"necessary": true}, "hash", "ua", "en", 3, s.now)
	s.Require().NoError(err)

	id, err := s.ledger.Insert(context.Background(), r)
	s.Require().NoError(err)
	s.EqualValues(42, id)
	s.EqualValues(42, r.ID)
}

func (s *PostgresLedgerSQLSuite) TestSchemaIsEnsuredOncePerProcess() {
	s.expectSchema()
	for range 2 {
		s.mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM consent_records")).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	}

	for range 2 {
		_, err := s.ledger.Count(context.Background(), models.Filter{})
		s.Require().NoError(err)
	}
}

func (s *PostgresLedgerSQLSuite) TestSchemaFailureIsRetried() {
	s.mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS consent_records")).
		WillReturnError(errors.New("permission denied"))
	s.expectSchema()
	s.mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*)")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	_, err := s.ledger.Count(context.Background(), models.Filter{})
	s.ErrorIs(err, sentinel.ErrSchema)

	n, err := s.ledger.Count(context.Background(), models.Filter{})
	s.Require().NoError(err)
	s.Equal(7, n)
}

func (s *PostgresLedgerSQLSuite) TestFindLatestNotFound() {
	s.expectSchema()
	s.mock.ExpectQuery(regexp.QuoteMeta("WHERE consent_id = $1")).
		WithArgs("nobody").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.ledger.FindLatestByConsentID(context.Background(), "nobody")
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *PostgresLedgerSQLSuite) TestFindLatestDecodesRow() {
	s.expectSchema()
	s.mock.ExpectQuery(regexp.QuoteMeta("ORDER BY id DESC")).
		WithArgs("abc").
		WillReturnRows(sqlmock.NewRows([]string{"id", "consent_id", "event", "states", "ip_hash", "user_agent", "lang", "rev", "created_at"}).
			AddRow(9, "abc", "reject_all", []byte(`{"necessary":true,"marketing":false}`), "hash", "ua", "fr", 2, s.now))

	r, err := s.ledger.FindLatestByConsentID(context.Background(), "abc")
	s.Require().NoError(err)
	s.Equal(models.EventRejectAll, r.Event)
	s.Equal(models.States{"necessary": true, "marketing": false}, r.States)
	s.Equal(2, r.Rev)
}

func (s *PostgresLedgerSQLSuite) TestDeleteOlderThanUsesStrictCutoff() {
	s.expectSchema()
	s.mock.ExpectExec(regexp.QuoteMeta("DELETE FROM consent_records WHERE created_at < $1")).
		WithArgs(s.now.Add(-30 * 24 * time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := s.ledger.DeleteOlderThan(context.Background(), 30, s.now)
	s.Require().NoError(err)
	s.Equal(4, n)
}

func (s *PostgresLedgerSQLSuite) TestQueryBuildsFilterClauses() {
	s.expectSchema()
	from := s.now.Add(-time.Hour)
	s.mock.ExpectQuery(regexp.QuoteMeta(`WHERE event = $1 AND (consent_id ILIKE $2 ESCAPE '\' OR user_agent ILIKE $3 ESCAPE '\' OR lang ILIKE $4 ESCAPE '\') AND created_at >= $5 ORDER BY id DESC LIMIT $6 OFFSET $7`)).
		WithArgs("consent", `%50\%%`, `%50\%%`, `%50\%%`, from, 10, 20).
		WillReturnRows(sqlmock.NewRows([]string{"id", "consent_id", "event", "states", "ip_hash", "user_agent", "lang", "rev", "created_at"}))

	out, err := s.ledger.Query(context.Background(),
		models.Filter{Event: models.EventConsent, Search: "50%", From: from},
		models.Page{Limit: 10, Offset: 20})
	s.Require().NoError(err)
	s.Empty(out)
}

func (s *PostgresLedgerSQLSuite) TestInsertErrorIsWrapped() {
	s.expectSchema()
	s.mock.ExpectQuery("INSERT INTO consent_records").WillReturnError(errors.New("connection reset"))

	r, _ := models.NewRecord("abc", models.EventConsent, nil, "hash", "", "", 1, s.now)
	_, err := s.ledger.Insert(context.Background(), r)
	s.ErrorContains(err, "insert consent record")
}

func (s *PostgresLedgerSQLSuite) TestSummaryGroupsByEvent() {
	s.expectSchema()
	since := s.now.Add(-30 * 24 * time.Hour)
	s.mock.ExpectQuery(regexp.QuoteMeta("GROUP BY event")).
		WithArgs(since).
		WillReturnRows(sqlmock.NewRows([]string{"event", "count"}).AddRow("accept_all", 3).AddRow("reset", 1))

	counts, err := s.ledger.SummarySince(context.Background(), since)
	s.Require().NoError(err)
	s.Equal(map[models.Event]int{models.EventAcceptAll: 3, models.EventReset: 1}, counts)
}
