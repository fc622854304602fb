package memory

import (
	"context"
	"slices"
	"strings"
	"sync"

	"folio/internal/domain"
	"folio/internal/store"
)

// Store keeps sessions in process memory. Records do not survive a restart.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]domain.SessionRecord
}

func NewStore() *Store {
	return &Store{sessions: make(map[string]domain.SessionRecord)}
}

func (s *Store) Load(_ context.Context, accountID string) (domain.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[accountID]
	if !ok {
		return domain.SessionRecord{}, store.ErrNotFound
	}
	return rec, nil
}

func (s *Store) Save(_ context.Context, rec domain.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[rec.AccountID] = rec
	return nil
}

func (s *Store) Invalidate(_ context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[accountID]
	if !ok {
		return store.ErrNotFound
	}
	rec.Rejected = true
	s.sessions[accountID] = rec
	return nil
}

func (s *Store) List(_ context.Context) ([]domain.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.SessionRecord, 0, len(s.sessions))
	for _, rec := range s.sessions {
		out = append(out, rec)
	}
	slices.SortFunc(out, func(a, b domain.SessionRecord) int { return strings.Compare(a.AccountID, b.AccountID) })
	return out, nil
}
