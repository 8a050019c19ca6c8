package config

import (
	"time"

	"consentry/internal/ratelimit/models"
)

// Limit defines the fixed-window parameters for one action.
type Limit struct {
	RequestsPerWindow int
	Window            time.Duration
}

// Config holds rate limiting configuration.
type Config struct {
	Limits map[models.Action]Limit
}

// DefaultConfig allows 10 requests per 10 minutes per client for each action.
func DefaultConfig() *Config {
	return Uniform(10, 10*time.Minute)
}

// Uniform applies the same limit to every known action.
func Uniform(requests int, window time.Duration) *Config {
	l := Limit{RequestsPerWindow: requests, Window: window}
	return &Config{
		Limits: map[models.Action]Limit{
			models.ActionConsentSubmit: l,
			models.ActionConsentRevoke: l,
			models.ActionConsentNonce:  {RequestsPerWindow: requests * 3, Window: window},
		},
	}
}

// GetLimit returns the limit for action; ok is false when none is configured.
func (c *Config) GetLimit(action models.Action) (Limit, bool) {
	l, ok := c.Limits[action]
	if !ok || l.RequestsPerWindow <= 0 || l.Window <= 0 {
		return Limit{}, false
	}
	return l, true
}
