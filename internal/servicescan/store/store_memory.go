package store

import (
	"context"
	"slices"
	"sync"

	"consentry/internal/sentinel"
	"consentry/internal/servicescan/models"
)

type InMemoryStore struct {
	mu       sync.RWMutex
	snapshot *models.Snapshot
	alert    models.Alert
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) LoadSnapshot(_ context.Context) (*models.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snapshot == nil {
		return nil, sentinel.ErrNotFound
	}
	out := *s.snapshot
	out.Services = slices.Clone(s.snapshot.Services)
	return &out, nil
}

func (s *InMemoryStore) SaveSnapshot(_ context.Context, snap *models.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *snap
	stored.Services = slices.Clone(snap.Services)
	s.snapshot = &stored
	return nil
}

func (s *InMemoryStore) LoadAlert(_ context.Context) (*models.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.alert
	out.Added = slices.Clone(s.alert.Added)
	out.Removed = slices.Clone(s.alert.Removed)
	return &out, nil
}

func (s *InMemoryStore) SaveAlert(_ context.Context, alert *models.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alert = *alert
	s.alert.Added = slices.Clone(alert.Added)
	s.alert.Removed = slices.Clone(alert.Removed)
	return nil
}
