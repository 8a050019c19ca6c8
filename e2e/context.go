package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"consentry/internal/app"
	"consentry/internal/platform/config"
)

const (
	siteOrigin = "http://localhost:8080"
	adminToken = "e2e-admin-token"
)

// TestContext holds state between test steps. Without BASE_URL each
// scenario gets its own in-process server on the in-memory stores.
type TestContext struct {
	BaseURL          string
	HTTPClient       *http.Client
	LastResponse     *http.Response
	LastResponseBody []byte
	ConsentID        string
	ClientIP         string

	app    *app.App
	server *httptest.Server
}

// NewTestContext creates a new test context
func NewTestContext() *TestContext {
	return &TestContext{
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Reset clears per-scenario state.
func (tc *TestContext) Reset() {
	tc.Stop()
	tc.BaseURL = os.Getenv("BASE_URL")
	tc.LastResponse = nil
	tc.LastResponseBody = nil
	tc.ConsentID = ""
	tc.ClientIP = "203.0.113.10"
}

// Start boots the in-process server unless an external BASE_URL is set.
func (tc *TestContext) Start(env map[string]string) error {
	if tc.BaseURL != "" {
		return nil
	}
	vars := map[string]string{
		"CONSENTRY_ENV":         "test",
		"LOG_LEVEL":             "error",
		"CONSENTRY_SITE_URL":    siteOrigin,
		"CONSENTRY_ADMIN_TOKEN": adminToken,
	}
	for k, v := range env {
		vars[k] = v
	}
	cfg, err := config.FromEnv(func(k string) string { return vars[k] })
	if err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	a, err := app.New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)),
		app.WithRegisterer(reg))
	if err != nil {
		return err
	}
	tc.app = a
	tc.server = httptest.NewServer(a.Router(app.WithGatherer(reg)))
	tc.BaseURL = tc.server.URL
	return nil
}

// Stop shuts the in-process server down.
func (tc *TestContext) Stop() {
	if tc.server != nil {
		tc.server.Close()
		tc.server = nil
	}
	if tc.app != nil {
		_ = tc.app.Close()
		tc.app = nil
	}
}

// POSTWithHeaders makes a POST request and stores the response
func (tc *TestContext) POSTWithHeaders(path string, body any, headers map[string]string) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, tc.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return tc.do(req, headers)
}

// GET makes a GET request and stores the response
func (tc *TestContext) GET(path string, headers map[string]string) error {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, tc.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return tc.do(req, headers)
}

func (tc *TestContext) do(req *http.Request, headers map[string]string) error {
	req.Header.Set("X-Forwarded-For", tc.ClientIP)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := tc.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	tc.LastResponse = resp
	tc.LastResponseBody, err = io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	return nil
}

// GetResponseField extracts a field from the JSON response
func (tc *TestContext) GetResponseField(field string) (any, error) {
	var data map[string]any
	if err := json.Unmarshal(tc.LastResponseBody, &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	value, ok := data[field]
	if !ok {
		return nil, fmt.Errorf("field %q not found in response", field)
	}
	return value, nil
}
