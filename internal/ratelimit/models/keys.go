package models

import (
	"fmt"
	"strings"
)

// KeyNamespace prefixes every limiter key so a shared Redis stays tidy.
const KeyNamespace = "consentry:rl"

// RateLimitKey is a value object encapsulating window key construction.
type RateLimitKey struct {
	action   Action
	identity string
}

// NewRateLimitKey builds the key for one client under one action.
func NewRateLimitKey(action Action, clientIdentity string) RateLimitKey {
	return RateLimitKey{
		action:   action,
		identity: sanitizeKeySegment(clientIdentity),
	}
}

// String returns the formatted key for storage lookup.
func (k RateLimitKey) String() string {
	return fmt.Sprintf("%s:%s:%s", KeyNamespace, sanitizeKeySegment(string(k.action)), k.identity)
}

// sanitizeKeySegment escapes delimiter characters so a crafted identity
// containing ':' cannot land in another client's window.
//
// Escape rules (order matters):
//  1. '_' becomes '__'
//  2. ':' becomes '_c'
func sanitizeKeySegment(s string) string {
	s = strings.ReplaceAll(s, "_", "__")
	s = strings.ReplaceAll(s, ":", "_c")
	return s
}
