//go:build integration

package app

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consentry/pkg/testutil/containers"
)

func TestSubmitRateLimitInRedis(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	rc := containers.GetManager().GetRedis(t)
	require.NoError(t, rc.Flush(context.Background()))

	e := newTestEnv(t, map[string]string{
		"CONSENTRY_REDIS_URL":           rc.URL(),
		"CONSENTRY_RATE_LIMIT_REQUESTS": "2",
	})
	require.NotNil(t, e.app.Redis)
	headers := map[string]string{"Origin": siteURL, "X-Forwarded-For": "198.51.100.30"}

	for range 2 {
		resp := e.do(t, http.MethodPost, "/consent", `{"event":"accept_all"}`, headers)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp := e.do(t, http.MethodPost, "/consent", `{"event":"accept_all"}`, headers)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	keys, err := rc.Client.Keys(context.Background(), "*").Result()
	require.NoError(t, err)
	assert.NotEmpty(t, keys)
}

func TestPostgresLedgerBackend(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	pg := containers.GetManager().GetPostgres(t)
	require.NoError(t, pg.TruncateModuleTables(context.Background()))

	e := newTestEnv(t, map[string]string{
		"CONSENTRY_DB_DRIVER": "postgres",
		"CONSENTRY_DB_URL":    pg.DSN,
	})

	resp := e.do(t, http.MethodPost, "/consent", `{"event":"reject_all"}`, sameOrigin)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	id, _ := decode(t, resp)["consent_id"].(string)

	latest, err := e.app.Ledger.FindLatestByConsentID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "reject_all", string(latest.Event))
}
