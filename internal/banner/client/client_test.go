package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consentry/internal/banner"
	"consentry/internal/consent/models"
	dErrors "consentry/pkg/domain-errors"
)

func fastPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      2,
	}
}

func TestNew(t *testing.T) {
	_, err := New("not a url")
	assert.Error(t, err)

	c, err := New("https://example.com/api/")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/api/consent", c.endpoint("/consent", nil))
}

func TestSubmit(t *testing.T) {
	t.Run("posts the decision and returns the receipt", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/consent", r.URL.Path)
			assert.Equal(t, "https://example.com", r.Header.Get("Origin"))

			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "accept_all", body["event"])
			assert.Equal(t, "abc", body["consent_id"])
			assert.EqualValues(t, 2, body["revision"])

			_ = json.NewEncoder(w).Encode(map[string]any{"consent_id": "abc", "rev": 2})
		}))
		defer srv.Close()

		c, err := New(srv.URL, WithPolicy(fastPolicy()), WithOrigin("https://example.com"))
		require.NoError(t, err)

		receipt, err := c.Submit(context.Background(), banner.Submission{
			Event:     models.EventAcceptAll,
			States:    models.States{"necessary": true},
			ConsentID: "abc",
			Revision:  2,
		})
		require.NoError(t, err)
		assert.Equal(t, &banner.Receipt{ConsentID: "abc", Rev: 2}, receipt)
	})

	t.Run("server errors are retried", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"consent_id": "abc", "rev": 1})
		}))
		defer srv.Close()

		c, err := New(srv.URL, WithPolicy(fastPolicy()))
		require.NoError(t, err)

		_, err = c.Submit(context.Background(), banner.Submission{Event: models.EventConsent})
		require.NoError(t, err)
		assert.EqualValues(t, 2, calls.Load())
	})

	t.Run("rate limiting is not retried", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate_limited"}`))
		}))
		defer srv.Close()

		c, err := New(srv.URL, WithPolicy(fastPolicy()))
		require.NoError(t, err)

		_, err = c.Submit(context.Background(), banner.Submission{Event: models.EventConsent})
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeRateLimited))
		assert.EqualValues(t, 1, calls.Load())
	})

	t.Run("gives up after the attempt budget", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		c, err := New(srv.URL, WithPolicy(fastPolicy()))
		require.NoError(t, err)

		_, err = c.Submit(context.Background(), banner.Submission{Event: models.EventConsent})
		assert.True(t, dErrors.HasCode(err, dErrors.CodeUnavailable))
		assert.EqualValues(t, 3, calls.Load())
	})

	t.Run("presents a fresh nonce", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("GET /consent/nonce", func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]any{"nonce": "n-1"})
		})
		mux.HandleFunc("POST /consent", func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-Consent-Nonce") != "n-1" {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"consent_id": "abc", "rev": 1})
		})
		srv := httptest.NewServer(mux)
		defer srv.Close()

		c, err := New(srv.URL, WithPolicy(fastPolicy()), WithNonce())
		require.NoError(t, err)

		receipt, err := c.Submit(context.Background(), banner.Submission{Event: models.EventConsent})
		require.NoError(t, err)
		assert.Equal(t, "abc", receipt.ConsentID)
	})
}

func TestState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/consent/state", r.URL.Path)
		assert.Equal(t, "abc", r.URL.Query().Get("consent_id"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"consent_id":       "abc",
			"states":           map[string]bool{"necessary": true, "marketing": true},
			"rev":              3,
			"current_revision": 4,
			"should_display":   true,
		})
	}))
	defer srv.Close()

	c, err := New(srv.URL, WithPolicy(fastPolicy()))
	require.NoError(t, err)

	state, err := c.State(context.Background(), "abc")
	require.NoError(t, err)
	assert.True(t, state.Recorded)
	assert.Equal(t, 3, state.Rev)
	assert.Equal(t, 4, state.CurrentRevision)
	assert.True(t, state.States["marketing"])
}
