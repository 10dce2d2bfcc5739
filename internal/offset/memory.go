package offset

import (
	"context"
	"sort"
	"sync"

	"github.com/emeraldservers/killfeed-ingest/internal/domain"
)

// MemoryStore keeps states in process memory. Used for dry runs.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[domain.StateKey]domain.ParserState
	saves  int
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[domain.StateKey]domain.ParserState)}
}

func (s *MemoryStore) Get(ctx context.Context, key domain.StateKey) (*domain.ParserState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &st, nil
}

func (s *MemoryStore) Save(ctx context.Context, state *domain.ParserState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.Key()] = *state
	s.saves++
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key domain.StateKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, key)
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]domain.ParserState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ParserState, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key().String() < out[j].Key().String()
	})
	return out, nil
}

// Saves returns how many times Save succeeded
func (s *MemoryStore) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}

func (s *MemoryStore) Close() error { return nil }
