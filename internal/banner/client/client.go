// Package client talks to the consent endpoints on behalf of a banner.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"consentry/internal/banner"
	"consentry/internal/consent/models"
	dErrors "consentry/pkg/domain-errors"
)

const (
	nonceHeader   = "X-Consent-Nonce"
	maxReplyBytes = 64 << 10
)

// Policy bounds the retries of one call.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxElapsedTime  time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     4,
		InitialInterval: 250 * time.Millisecond,
		MaxInterval:     4 * time.Second,
		Multiplier:      2.0,
		MaxElapsedTime:  15 * time.Second,
	}
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialInterval
	exp.MaxInterval = p.MaxInterval
	exp.Multiplier = p.Multiplier
	exp.MaxElapsedTime = p.MaxElapsedTime
	return backoff.WithMaxRetries(backoff.WithContext(exp, ctx), uint64(p.MaxAttempts-1))
}

// StatusError is a non-2xx answer from the server.
type StatusError struct {
	StatusCode int
	Code       string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("consent endpoint returned %d (%s)", e.StatusCode, e.Code)
	}
	return fmt.Sprintf("consent endpoint returned %d", e.StatusCode)
}

// Retryable reports whether another attempt could succeed. Client errors,
// rate limiting included, never do.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusRequestTimeout
}

func (e *StatusError) domainCode() dErrors.Code {
	switch {
	case e.StatusCode == http.StatusTooManyRequests:
		return dErrors.CodeRateLimited
	case e.StatusCode == http.StatusForbidden:
		return dErrors.CodeForbidden
	case e.StatusCode == http.StatusRequestTimeout:
		return dErrors.CodeTimeout
	case e.StatusCode >= 500:
		return dErrors.CodeUnavailable
	default:
		return dErrors.CodeBadRequest
	}
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithPolicy(p Policy) Option {
	return func(c *Client) {
		c.policy = p
	}
}

// WithOrigin sets the Origin header, for clients that are not browsers.
func WithOrigin(origin string) Option {
	return func(c *Client) {
		c.origin = origin
	}
}

// WithNonce makes every write fetch a nonce first and present it.
func WithNonce() Option {
	return func(c *Client) {
		c.useNonce = true
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

type Client struct {
	base     *url.URL
	http     *http.Client
	policy   Policy
	origin   string
	useNonce bool
	logger   *slog.Logger
}

func New(baseURL string, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid consent endpoint base URL %q", baseURL)
	}
	c := &Client{
		base:   base,
		http:   &http.Client{Timeout: 10 * time.Second},
		policy: DefaultPolicy(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type submitBody struct {
	Event     models.Event  `json:"event"`
	States    models.States `json:"states"`
	Lang      string        `json:"lang,omitempty"`
	ConsentID string        `json:"consent_id,omitempty"`
	Revision  int           `json:"revision,omitempty"`
}

type submitReply struct {
	ConsentID string `json:"consent_id"`
	Rev       int    `json:"rev"`
}

// Submit posts a decision to /consent. It implements banner.Submitter.
func (c *Client) Submit(ctx context.Context, sub banner.Submission) (*banner.Receipt, error) {
	payload, err := json.Marshal(submitBody{
		Event:     sub.Event,
		States:    sub.States,
		Lang:      sub.Lang,
		ConsentID: sub.ConsentID,
		Revision:  sub.Revision,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding submission: %w", err)
	}

	var reply submitReply
	err = c.retry(ctx, "submit", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/consent", nil), bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if err := c.authorize(ctx, req); err != nil {
			return err
		}
		return c.do(req, &reply)
	})
	if err != nil {
		return nil, err
	}
	return &banner.Receipt{ConsentID: reply.ConsentID, Rev: reply.Rev}, nil
}

type stateReply struct {
	ConsentID       string        `json:"consent_id"`
	States          models.States `json:"states"`
	Rev             int           `json:"rev"`
	CurrentRevision int           `json:"current_revision"`
	ShouldDisplay   bool          `json:"should_display"`
}

// State fetches the server's view of consentID for reconciliation.
func (c *Client) State(ctx context.Context, consentID string) (*banner.ServerState, error) {
	q := url.Values{}
	if consentID != "" {
		q.Set("consent_id", consentID)
	}

	var reply stateReply
	err := c.retry(ctx, "state", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/consent/state", q), nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		return c.do(req, &reply)
	})
	if err != nil {
		return nil, err
	}
	return &banner.ServerState{
		ConsentID:       reply.ConsentID,
		States:          reply.States,
		Rev:             reply.Rev,
		CurrentRevision: reply.CurrentRevision,
		ShouldDisplay:   reply.ShouldDisplay,
		Recorded:        reply.Rev > 0,
	}, nil
}

// Nonce fetches a fresh origin nonce.
func (c *Client) Nonce(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/consent/nonce", nil), nil)
	if err != nil {
		return "", err
	}
	var reply struct {
		Nonce string `json:"nonce"`
	}
	if err := c.do(req, &reply); err != nil {
		return "", err
	}
	if reply.Nonce == "" {
		return "", errors.New("empty nonce")
	}
	return reply.Nonce, nil
}

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	if c.origin != "" {
		req.Header.Set("Origin", c.origin)
	}
	if !c.useNonce {
		return nil
	}
	nonce, err := c.Nonce(ctx)
	if err != nil {
		return err
	}
	req.Header.Set(nonceHeader, nonce)
	return nil
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var wire struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(body, &wire)
		return &StatusError{StatusCode: resp.StatusCode, Code: wire.Error}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return backoff.Permanent(fmt.Errorf("decoding reply: %w", err))
	}
	return nil
}

func (c *Client) retry(ctx context.Context, op string, fn func() error) error {
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		err := fn()
		var se *StatusError
		if errors.As(err, &se) && !se.Retryable() {
			return backoff.Permanent(err)
		}
		return err
	}, c.policy.backOff(ctx), func(err error, next time.Duration) {
		c.logger.DebugContext(ctx, "consent_client_retry", "op", op, "attempt", attempt, "next_ms", next.Milliseconds(), "error", err)
	})
	if err == nil {
		return nil
	}

	var se *StatusError
	if errors.As(err, &se) {
		return dErrors.Wrap(se, se.domainCode(), se.Error())
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "consent request abandoned")
	}
	return dErrors.Wrap(err, dErrors.CodeUnavailable, "consent endpoint unreachable")
}
