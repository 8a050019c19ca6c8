package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("empty url disables the pool", func(t *testing.T) {
		pool, err := New(Config{Driver: DriverPostgres})
		require.NoError(t, err)
		assert.Nil(t, pool)
		assert.NoError(t, pool.Close())
		assert.Error(t, pool.Health(context.Background()))
	})

	t.Run("unknown driver is rejected", func(t *testing.T) {
		_, err := New(Config{Driver: "oracle", URL: "x"})
		assert.Error(t, err)
	})

	t.Run("sqlite file pool is healthy", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Driver = DriverSQLite
		cfg.URL = "file:" + filepath.Join(t.TempDir(), "ledger.db")

		pool, err := New(cfg)
		require.NoError(t, err)
		t.Cleanup(func() { _ = pool.Close() })

		assert.Equal(t, DriverSQLite, pool.Driver())
		assert.NoError(t, pool.Health(context.Background()))
		assert.Equal(t, 1, pool.DB().Stats().MaxOpenConnections)
	})
}
