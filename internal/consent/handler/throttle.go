package handler

import (
	"net/http"

	"golang.org/x/time/rate"

	dErrors "consentry/pkg/domain-errors"
	"consentry/pkg/platform/httputil"
)

// Throttle caps the instance-wide rate of consent writes independent of
// client. A nil limiter disables it.
func Throttle(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				httputil.WriteError(w, dErrors.New(dErrors.CodeRateLimited, "too many requests, try again later"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// NewThrottle builds the limiter for Throttle; rps <= 0 disables it.
func NewThrottle(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}
