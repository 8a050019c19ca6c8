// Package models holds the service audit's snapshot and alert types.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// Service is one third-party integration observed on the site.
type Service struct {
	Slug     string `json:"slug,omitempty"`
	Name     string `json:"name"`
	Category string `json:"category"`
	Provider string `json:"provider,omitempty"`
}

// Key identifies a service across audits: the slug when present, else the
// lowercased name and provider, else a hash of the whole record.
func (s Service) Key() string {
	if slug := strings.TrimSpace(s.Slug); slug != "" {
		return "slug:" + strings.ToLower(slug)
	}
	name := strings.ToLower(strings.TrimSpace(s.Name))
	provider := strings.ToLower(strings.TrimSpace(s.Provider))
	if name != "" || provider != "" {
		return "np:" + name + "|" + provider
	}
	raw, _ := json.Marshal(s)
	sum := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Snapshot is the set of services seen by one audit run.
type Snapshot struct {
	Services []Service `json:"services"`
	TakenAt  time.Time `json:"taken_at"`
}

// Diff returns the services present in cur but not prev, and the reverse,
// each in the order they were listed.
func Diff(prev, cur []Service) (added, removed []Service) {
	prevKeys := keySet(prev)
	curKeys := keySet(cur)
	for _, s := range cur {
		if !prevKeys[s.Key()] {
			added = append(added, s)
			prevKeys[s.Key()] = true
		}
	}
	for _, s := range prev {
		if !curKeys[s.Key()] {
			removed = append(removed, s)
			curKeys[s.Key()] = true
		}
	}
	return added, removed
}

func keySet(services []Service) map[string]bool {
	out := make(map[string]bool, len(services))
	for _, s := range services {
		out[s.Key()] = true
	}
	return out
}

// Alert is the singleton outcome of the most recent audit.
type Alert struct {
	Active        bool      `json:"active"`
	Added         []Service `json:"added"`
	Removed       []Service `json:"removed"`
	DetectedAt    time.Time `json:"detected_at,omitzero"`
	LastChecked   time.Time `json:"last_checked,omitzero"`
	LastEmailedAt time.Time `json:"last_emailed_at,omitzero"`
}

// Raise marks the alert active with the given differences.
func (a *Alert) Raise(added, removed []Service, now time.Time) {
	a.Active = true
	a.Added = added
	a.Removed = removed
	a.DetectedAt = now
	a.LastChecked = now
}

// Clear deactivates the alert; email bookkeeping is kept for the cooldown.
func (a *Alert) Clear(now time.Time) {
	a.Active = false
	a.Added = nil
	a.Removed = nil
	a.LastChecked = now
}

// CooledDown reports whether enough time has passed since the last email.
func (a *Alert) CooledDown(now time.Time, cooldown time.Duration) bool {
	return a.LastEmailedAt.IsZero() || !now.Before(a.LastEmailedAt.Add(cooldown))
}

// Names lists service names sorted, for notifications and logs.
func Names(services []Service) []string {
	out := make([]string, 0, len(services))
	for _, s := range services {
		out = append(out, s.Name)
	}
	sort.Strings(out)
	return out
}
