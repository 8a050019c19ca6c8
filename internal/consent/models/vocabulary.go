package models

import "sort"

// Vocabulary is the configured, ordered set of consent categories.
type Vocabulary struct {
	keys   []string
	known  map[string]bool
	locked map[string]bool
}

// NewVocabulary builds a vocabulary from category keys and the subset that
// is locked (always granted).
func NewVocabulary(keys []string, locked []string) Vocabulary {
	v := Vocabulary{
		keys:   append([]string(nil), keys...),
		known:  make(map[string]bool, len(keys)),
		locked: make(map[string]bool, len(locked)),
	}
	for _, k := range keys {
		v.known[k] = true
	}
	for _, k := range locked {
		if v.known[k] {
			v.locked[k] = true
		}
	}
	return v
}

func (v Vocabulary) Keys() []string {
	return append([]string(nil), v.keys...)
}

func (v Vocabulary) Has(key string) bool {
	return v.known[key]
}

func (v Vocabulary) IsLocked(key string) bool {
	return v.locked[key]
}

// Normalize returns a complete state vector: every configured key present,
// locked keys true, unknown keys dropped. The dropped keys are returned
// sorted so callers can log them.
func (v Vocabulary) Normalize(raw map[string]bool) (States, []string) {
	out := make(States, len(v.keys))
	for _, k := range v.keys {
		out[k] = v.locked[k] || raw[k]
	}
	var dropped []string
	for k := range raw {
		if !v.known[k] {
			dropped = append(dropped, k)
		}
	}
	sort.Strings(dropped)
	return out, dropped
}

// AcceptAll grants every category.
func (v Vocabulary) AcceptAll() States {
	out := make(States, len(v.keys))
	for _, k := range v.keys {
		out[k] = true
	}
	return out
}

// RejectAll declines every category that is not locked.
func (v Vocabulary) RejectAll() States {
	out := make(States, len(v.keys))
	for _, k := range v.keys {
		out[k] = v.locked[k]
	}
	return out
}

// ForEvent derives the stored vector for an event. Bulk and revocation
// events have fixed vectors; the rest use the submitted choices.
func (v Vocabulary) ForEvent(event Event, raw map[string]bool) (States, []string) {
	switch event {
	case EventAcceptAll:
		return v.AcceptAll(), nil
	case EventRejectAll, EventConsentRevoked, EventConsentWithdrawn:
		return v.RejectAll(), nil
	default:
		return v.Normalize(raw)
	}
}
