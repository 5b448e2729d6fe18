// Package memstore provides an in-memory implementation of application.Store.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/linnemanlabs/careertrack/internal/application"
)

// Store holds applications in memory. Suitable for dev/testing.
type Store struct {
	mu   sync.RWMutex
	apps map[string]*application.Application // application ID -> record
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		apps: make(map[string]*application.Application),
	}
}

// Get retrieves an application by its ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*application.Application, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.apps[id]
	if !ok {
		return nil, false, nil
	}
	return a.Clone(), true, nil
}

// List returns copies of all applications ordered by creation time, then ID.
func (s *Store) List(_ context.Context) ([]*application.Application, error) {
	s.mu.RLock()
	out := make([]*application.Application, 0, len(s.apps))
	for _, a := range s.apps {
		out = append(out, a.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Create stores a copy of a new application.
func (s *Store) Create(_ context.Context, a *application.Application) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.apps[a.ID]; ok {
		return fmt.Errorf("%w: %s", application.ErrExists, a.ID)
	}
	s.apps[a.ID] = a.Clone()
	return nil
}

// Update replaces the stored application if its version still matches
// expectedVersion.
func (s *Store) Update(_ context.Context, a *application.Application, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.apps[a.ID]
	if !ok {
		return fmt.Errorf("%w: %s", application.ErrNotFound, a.ID)
	}
	if cur.Version != expectedVersion {
		return fmt.Errorf("%w: stored version %d, expected %d", application.ErrVersionConflict, cur.Version, expectedVersion)
	}
	if len(a.Notes) < len(cur.Notes) {
		return fmt.Errorf("%w: notes are append-only (stored %d, got %d)", application.ErrVersionConflict, len(cur.Notes), len(a.Notes))
	}
	s.apps[a.ID] = a.Clone()
	return nil
}
