package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"consentry/internal/ratelimit/models"
	dErrors "consentry/pkg/domain-errors"
	"consentry/pkg/platform/httputil"
	"consentry/pkg/platform/privacy"
	"consentry/pkg/requestcontext"
)

type RateLimiter interface {
	Check(ctx context.Context, action models.Action, clientIdentity string) (*models.RateLimitResult, error)
}

// IdentityFunc turns a raw client IP into the key material the limiter sees.
type IdentityFunc func(ip string) string

type Middleware struct {
	limiter  RateLimiter
	identity IdentityFunc
	logger   *slog.Logger
}

func New(limiter RateLimiter, identity IdentityFunc, logger *slog.Logger) *Middleware {
	if identity == nil {
		identity = func(ip string) string { return ip }
	}
	return &Middleware{
		limiter:  limiter,
		identity: identity,
		logger:   logger,
	}
}

// RateLimit limits action per client IP. Limiter failures let the request
// through: losing a consent decision is worse than an uncounted request.
func (m *Middleware) RateLimit(action models.Action) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			ip := requestcontext.ClientIP(ctx)

			result, err := m.limiter.Check(ctx, action, m.identity(ip))
			if err != nil {
				m.logger.ErrorContext(ctx, "failed to check rate limit", "error", err, "ip_prefix", privacy.AnonymizeIP(ip))
				next.ServeHTTP(w, r)
				return
			}

			addRateLimitHeaders(w, result)
			if !result.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfter))
				httputil.WriteJSON(w, http.StatusTooManyRequests, map[string]any{
					"error":             httputil.DomainCodeToHTTPCode(dErrors.CodeRateLimited),
					"error_description": "too many requests, try again later",
					"retry_after":       result.RetryAfter,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func addRateLimitHeaders(w http.ResponseWriter, result *models.RateLimitResult) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
}
