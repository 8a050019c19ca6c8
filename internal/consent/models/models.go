package models

import (
	"strings"
	"time"

	dErrors "consentry/pkg/domain-errors"
	"consentry/pkg/platform/validation"
)

// Event is the kind of decision a ledger row records.
type Event string

const (
	EventAcceptAll        Event = "accept_all"
	EventRejectAll        Event = "reject_all"
	EventConsent          Event = "consent"
	EventReset            Event = "reset"
	EventRevisionBump     Event = "revision_bump"
	EventConsentRevoked   Event = "consent_revoked"
	EventConsentWithdrawn Event = "consent_withdrawn"
)

// AllEvents lists every event in a stable order; summaries are keyed by it.
var AllEvents = []Event{
	EventAcceptAll,
	EventRejectAll,
	EventConsent,
	EventReset,
	EventRevisionBump,
	EventConsentRevoked,
	EventConsentWithdrawn,
}

func (e Event) IsValid() bool {
	for _, known := range AllEvents {
		if e == known {
			return true
		}
	}
	return false
}

// CoerceEvent maps client input onto a known event. Anything unrecognised
// becomes EventConsent so a client bug never loses the decision.
func CoerceEvent(raw string) Event {
	e := Event(strings.ToLower(strings.TrimSpace(raw)))
	if e.IsValid() {
		return e
	}
	return EventConsent
}

// States maps category keys to the visitor's choice.
type States map[string]bool

func (s States) Clone() States {
	out := make(States, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Record is one immutable ledger row.
type Record struct {
	ID        int64
	ConsentID string
	Event     Event
	States    States
	IPHash    string
	UserAgent string
	Lang      string
	Rev       int
	CreatedAt time.Time
}

// NewRecord creates a Record with domain invariant checks. UserAgent and
// Lang are expected to be sanitized already.
func NewRecord(consentID string, event Event, states States, ipHash, userAgent, lang string, rev int, createdAt time.Time) (*Record, error) {
	if !validation.IsToken(consentID, validation.MaxConsentIDLength) {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "consent ID required")
	}
	if !event.IsValid() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "invalid consent event")
	}
	if rev < 0 {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "revision must not be negative")
	}
	if createdAt.IsZero() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "creation time required")
	}
	if states == nil {
		states = States{}
	}
	return &Record{
		ConsentID: consentID,
		Event:     event,
		States:    states,
		IPHash:    ipHash,
		UserAgent: strings.ToValidUTF8(userAgent, ""),
		Lang:      strings.ToValidUTF8(lang, ""),
		Rev:       rev,
		CreatedAt: createdAt.UTC(),
	}, nil
}

// Snapshot is the latest decision for a consent ID, computed on read.
type Snapshot struct {
	ConsentID string    `json:"consent_id"`
	Event     Event     `json:"event"`
	States    States    `json:"states"`
	Rev       int       `json:"rev"`
	CreatedAt time.Time `json:"created_at"`
}

func (r *Record) Snapshot() *Snapshot {
	return &Snapshot{
		ConsentID: r.ConsentID,
		Event:     r.Event,
		States:    r.States.Clone(),
		Rev:       r.Rev,
		CreatedAt: r.CreatedAt,
	}
}

// Filter narrows ledger queries. Zero values mean "no constraint"; From is
// inclusive and To is exclusive.
type Filter struct {
	Event  Event
	Search string
	From   time.Time
	To     time.Time
}

// Matches applies the filter in memory with the same semantics the SQL
// stores use.
func (f Filter) Matches(r *Record) bool {
	if f.Event != "" && r.Event != f.Event {
		return false
	}
	if !f.From.IsZero() && r.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !r.CreatedAt.Before(f.To) {
		return false
	}
	if f.Search != "" {
		needle := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(r.ConsentID), needle) &&
			!strings.Contains(strings.ToLower(r.UserAgent), needle) &&
			!strings.Contains(strings.ToLower(r.Lang), needle) {
			return false
		}
	}
	return true
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// Page is offset pagination over newest-first results.
type Page struct {
	Limit  int
	Offset int
}

func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageSize
	}
	if p.Limit > MaxPageSize {
		p.Limit = MaxPageSize
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// Summary counts events over a period. Every known event is present.
type Summary map[Event]int

// NewSummary zero-fills counts for every event and ignores unknown keys.
func NewSummary(counts map[Event]int) Summary {
	s := make(Summary, len(AllEvents))
	for _, e := range AllEvents {
		s[e] = counts[e]
	}
	return s
}

func (s Summary) Total() int {
	total := 0
	for _, n := range s {
		total += n
	}
	return total
}
