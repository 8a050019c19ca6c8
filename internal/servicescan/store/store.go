// Package store persists the latest service snapshot and the audit alert.
package store

import (
	"context"

	"consentry/internal/servicescan/models"
)

// Store holds one snapshot and one alert; both are overwritten wholesale.
// Error Contract:
//   - LoadSnapshot returns sentinel.ErrNotFound before the first audit
//   - LoadAlert returns a zero Alert before the first audit
type Store interface {
	LoadSnapshot(ctx context.Context) (*models.Snapshot, error)
	SaveSnapshot(ctx context.Context, snap *models.Snapshot) error
	LoadAlert(ctx context.Context) (*models.Alert, error)
	SaveAlert(ctx context.Context, alert *models.Alert) error
}
