package models

import "time"

// Action names the operation a limit applies to. Each action keeps its own
// window per client, so exhausting submissions does not block revocation.
type Action string

const (
	ActionConsentSubmit Action = "consent_submit"
	ActionConsentRevoke Action = "consent_revoke"
	ActionConsentNonce  Action = "consent_nonce"
)

func (a Action) String() string {
	return string(a)
}

type RateLimitResult struct {
	Allowed    bool      `json:"allowed"`
	Limit      int       `json:"limit"`
	Remaining  int       `json:"remaining"`
	ResetAt    time.Time `json:"reset_at"`
	RetryAfter int       `json:"retry_after,omitempty"` // seconds, only set when not allowed
	// Degraded is set when the shared store failed and the per-instance
	// fallback answered instead.
	Degraded bool `json:"degraded,omitempty"`
}

// NewResult derives a result from a post-increment window count.
func NewResult(count, limit int, resetAt, now time.Time) *RateLimitResult {
	allowed := count <= limit
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	res := &RateLimitResult{
		Allowed:   allowed,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
	if !allowed {
		res.RetryAfter = int(resetAt.Sub(now).Round(time.Second).Seconds())
		if res.RetryAfter < 1 {
			res.RetryAfter = 1
		}
	}
	return res
}
