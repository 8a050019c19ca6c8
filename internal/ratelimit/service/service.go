// Package service enforces per-client fixed-window limits on consent actions.
//
// Usage:
//
//	svc, _ := service.New(redisStore, service.WithFallback(memStore))
//	result, _ := svc.Check(ctx, models.ActionConsentSubmit, ipHash)
//	if !result.Allowed {
//	    // 429, no side effects
//	}
//
// When a fallback store is configured the primary store runs behind a
// circuit breaker; a failing Redis degrades to per-instance windows instead
// of failing the visitor's request.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"consentry/internal/ratelimit/config"
	"consentry/internal/ratelimit/metrics"
	"consentry/internal/ratelimit/models"
	dErrors "consentry/pkg/domain-errors"
	"consentry/pkg/platform/circuit"
	"consentry/pkg/requestcontext"
)

// BucketStore increments a fixed window and reports the decision.
type BucketStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (*models.RateLimitResult, error)
}

// Service is safe for concurrent use by HTTP handlers.
type Service struct {
	primary  BucketStore
	fallback BucketStore
	breaker  *circuit.Breaker
	config   *config.Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// Option configures a Service instance.
type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithConfig(cfg *config.Config) Option {
	return func(s *Service) {
		if cfg != nil {
			s.config = cfg
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithFallback answers checks from store while the primary is failing.
func WithFallback(store BucketStore) Option {
	return func(s *Service) {
		s.fallback = store
	}
}

// WithBreaker replaces the default breaker guarding the primary store.
func WithBreaker(b *circuit.Breaker) Option {
	return func(s *Service) {
		s.breaker = b
	}
}

// New creates a rate limiting service around the primary window store.
func New(primary BucketStore, opts ...Option) (*Service, error) {
	if primary == nil {
		return nil, errors.New("bucket store is required")
	}
	svc := &Service{
		primary: primary,
		config:  config.DefaultConfig(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(svc)
	}
	if svc.fallback != nil && svc.breaker == nil {
		svc.breaker = circuit.New("ratelimit_store",
			circuit.WithFailureThreshold(3),
			circuit.WithOpenTimeout(15*time.Second),
			circuit.WithIgnoredErrors(func(err error) bool { return errors.Is(err, context.Canceled) }),
			circuit.WithStateChange(svc.onBreakerChange),
		)
	}
	return svc, nil
}

// Check counts one request by clientIdentity against action's window.
// clientIdentity should already be non-reversible (a salted IP hash).
func (s *Service) Check(ctx context.Context, action models.Action, clientIdentity string) (*models.RateLimitResult, error) {
	limit, ok := s.config.GetLimit(action)
	if !ok {
		s.logger.WarnContext(ctx, "rate_limit_config_missing", "action", action)
		return &models.RateLimitResult{
			Allowed:    false,
			ResetAt:    requestcontext.Now(ctx),
			RetryAfter: 60,
		}, nil
	}

	key := models.NewRateLimitKey(action, clientIdentity).String()
	result, err := s.allow(ctx, key, limit)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to check rate limit")
	}

	if s.metrics != nil {
		s.metrics.RecordCheck(action.String(), result.Allowed)
	}
	if !result.Allowed {
		s.logger.InfoContext(ctx, "rate_limit_exceeded",
			"action", action,
			"limit", result.Limit,
			"retry_after", result.RetryAfter,
			"degraded", result.Degraded,
		)
	}
	return result, nil
}

func (s *Service) allow(ctx context.Context, key string, limit config.Limit) (*models.RateLimitResult, error) {
	if s.fallback == nil {
		return s.primary.Allow(ctx, key, limit.RequestsPerWindow, limit.Window)
	}

	result, err := circuit.Call(ctx, s.breaker, func(ctx context.Context) (*models.RateLimitResult, error) {
		return s.primary.Allow(ctx, key, limit.RequestsPerWindow, limit.Window)
	})
	if err == nil {
		return result, nil
	}
	if errors.Is(err, context.Canceled) {
		return nil, err
	}
	if !errors.Is(err, circuit.ErrOpen) {
		s.logger.WarnContext(ctx, "rate_limit_store_failed", "error", err)
	}

	result, err = s.fallback.Allow(ctx, key, limit.RequestsPerWindow, limit.Window)
	if err != nil {
		return nil, err
	}
	result.Degraded = true
	if s.metrics != nil {
		s.metrics.RecordFallback()
	}
	return result, nil
}

func (s *Service) onBreakerChange(name string, from, to circuit.State) {
	s.logger.Warn("rate_limit_circuit_state_changed",
		"breaker", name,
		"from", from.String(),
		"to", to.String(),
	)
	if s.metrics != nil {
		s.metrics.SetCircuitOpen(to == circuit.StateOpen)
	}
}
