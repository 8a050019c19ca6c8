package detector

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"consentry/pkg/platform/circuit"
)

const maxPageBytes = 4 << 20

// Fetcher loads the page to audit. Repeated failures open the breaker so a
// down site does not hold the audit for the full timeout on every run.
type Fetcher struct {
	url     string
	client  *http.Client
	breaker *circuit.Breaker
}

func NewFetcher(url string, timeout time.Duration, breaker *circuit.Breaker) *Fetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if breaker == nil {
		breaker = circuit.New("servicescan_fetch")
	}
	return &Fetcher{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		breaker: breaker,
	}
}

func (f *Fetcher) Fetch(ctx context.Context) (Page, error) {
	return circuit.Call(ctx, f.breaker, func(ctx context.Context) (Page, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
		if err != nil {
			return Page{}, fmt.Errorf("build audit request: %w", err)
		}
		req.Header.Set("User-Agent", "consentry-audit/1.0")
		req.Header.Set("Accept", "text/html")

		resp, err := f.client.Do(req)
		if err != nil {
			return Page{}, fmt.Errorf("fetch %s: %w", f.url, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= http.StatusBadRequest {
			return Page{}, fmt.Errorf("fetch %s: status %d", f.url, resp.StatusCode)
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
		if err != nil {
			return Page{}, fmt.Errorf("read %s: %w", f.url, err)
		}
		return NewPage(f.url, string(body)), nil
	})
}
