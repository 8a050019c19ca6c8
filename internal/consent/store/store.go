// Package store holds the append-only consent ledger. No implementation has
// an update path: rows are inserted once and removed only by retention.
package store

import (
	"context"
	"time"

	"consentry/internal/consent/models"
)

// Ledger is the consent record store.
// Error Contract:
//   - FindLatestByConsentID returns sentinel.ErrNotFound when no row exists
//   - other failures are wrapped storage errors
type Ledger interface {
	Insert(ctx context.Context, record *models.Record) (int64, error)
	FindLatestByConsentID(ctx context.Context, consentID string) (*models.Record, error)
	Query(ctx context.Context, filter models.Filter, page models.Page) ([]*models.Record, error)
	Count(ctx context.Context, filter models.Filter) (int, error)
	// DeleteOlderThan removes rows with created_at strictly before
	// now - days*24h. A row exactly on the cutoff is kept.
	DeleteOlderThan(ctx context.Context, days int, now time.Time) (int, error)
	SummarySince(ctx context.Context, since time.Time) (map[models.Event]int, error)
}

// RetentionCutoff is the first instant that survives a DeleteOlderThan(days).
func RetentionCutoff(days int, now time.Time) time.Time {
	return now.UTC().Add(-time.Duration(days) * 24 * time.Hour)
}
