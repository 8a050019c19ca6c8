package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"consentry/internal/consent/models"
	"consentry/internal/sentinel"
)

// InMemoryLedger keeps the ledger in process memory. Used in development
// and as the reference behaviour for the SQL stores' tests.
type InMemoryLedger struct {
	mu      sync.RWMutex
	nextID  int64
	records []*models.Record
}

func NewInMemoryLedger() *InMemoryLedger {
	return &InMemoryLedger{nextID: 1}
}

func (s *InMemoryLedger) Insert(_ context.Context, record *models.Record) (int64, error) {
	if record == nil {
		return 0, fmt.Errorf("consent record is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *record
	stored.States = record.States.Clone()
	stored.ID = s.nextID
	s.nextID++
	s.records = append(s.records, &stored)

	record.ID = stored.ID
	return stored.ID, nil
}

func (s *InMemoryLedger) FindLatestByConsentID(_ context.Context, consentID string) (*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].ConsentID == consentID {
			return copyRecord(s.records[i]), nil
		}
	}
	return nil, sentinel.ErrNotFound
}

func (s *InMemoryLedger) Query(_ context.Context, filter models.Filter, page models.Page) ([]*models.Record, error) {
	page = page.Normalize()
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := s.matching(filter)
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })

	if page.Offset >= len(matched) {
		return []*models.Record{}, nil
	}
	end := min(page.Offset+page.Limit, len(matched))
	out := make([]*models.Record, 0, end-page.Offset)
	for _, r := range matched[page.Offset:end] {
		out = append(out, copyRecord(r))
	}
	return out, nil
}

func (s *InMemoryLedger) Count(_ context.Context, filter models.Filter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.matching(filter)), nil
}

func (s *InMemoryLedger) DeleteOlderThan(_ context.Context, days int, now time.Time) (int, error) {
	cutoff := RetentionCutoff(days, now)
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.records[:0]
	deleted := 0
	for _, r := range s.records {
		if r.CreatedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, r)
	}
	for i := len(kept); i < len(s.records); i++ {
		s.records[i] = nil
	}
	s.records = kept
	return deleted, nil
}

func (s *InMemoryLedger) SummarySince(_ context.Context, since time.Time) (map[models.Event]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[models.Event]int)
	for _, r := range s.records {
		if !r.CreatedAt.Before(since) {
			counts[r.Event]++
		}
	}
	return counts, nil
}

func (s *InMemoryLedger) matching(filter models.Filter) []*models.Record {
	var out []*models.Record
	for _, r := range s.records {
		if filter.Matches(r) {
			out = append(out, r)
		}
	}
	return out
}

func copyRecord(r *models.Record) *models.Record {
	c := *r
	c.States = r.States.Clone()
	return &c
}
