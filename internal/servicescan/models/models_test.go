package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestServiceKey(t *testing.T) {
	t.Run("slug wins", func(t *testing.T) {
		a := Service{Slug: "GA4", Name: "Google Analytics"}
		b := Service{Slug: "ga4", Name: "renamed"}
		assert.Equal(t, a.Key(), b.Key())
	})

	t.Run("name and provider without slug", func(t *testing.T) {
		a := Service{Name: "Hotjar", Provider: "Hotjar Ltd"}
		b := Service{Name: " hotjar ", Provider: "HOTJAR LTD", Category: "statistics"}
		assert.Equal(t, a.Key(), b.Key())
	})

	t.Run("hash fallback for anonymous records", func(t *testing.T) {
		a := Service{Category: "marketing"}
		b := Service{Category: "statistics"}
		assert.NotEqual(t, a.Key(), b.Key())
		assert.Contains(t, a.Key(), "sha256:")
	})
}

func TestDiff(t *testing.T) {
	a := Service{Slug: "a", Name: "A"}
	b := Service{Slug: "b", Name: "B"}
	c := Service{Slug: "c", Name: "C"}

	added, removed := Diff([]Service{a, b}, []Service{a, c})
	assert.Equal(t, []Service{c}, added)
	assert.Equal(t, []Service{b}, removed)

	added, removed = Diff([]Service{a, b}, []Service{b, a})
	assert.Empty(t, added)
	assert.Empty(t, removed)

	added, _ = Diff(nil, []Service{a, a})
	assert.Len(t, added, 1)
}

func TestAlertCooldown(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	var a Alert
	assert.True(t, a.CooledDown(now, 24*time.Hour))

	a.LastEmailedAt = now.Add(-23 * time.Hour)
	assert.False(t, a.CooledDown(now, 24*time.Hour))

	a.LastEmailedAt = now.Add(-24 * time.Hour)
	assert.True(t, a.CooledDown(now, 24*time.Hour))
}

func TestAlertRaiseAndClear(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	a := Alert{LastEmailedAt: now.Add(-time.Hour)}

	a.Raise([]Service{{Slug: "c"}}, nil, now)
	assert.True(t, a.Active)
	assert.Equal(t, now, a.DetectedAt)

	a.Clear(now.Add(time.Hour))
	assert.False(t, a.Active)
	assert.Empty(t, a.Added)
	assert.Equal(t, now.Add(-time.Hour), a.LastEmailedAt)
	assert.Equal(t, now.Add(time.Hour), a.LastChecked)
}
