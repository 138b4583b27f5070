// Package memory is an in-process vector store using brute-force cosine
// similarity. Used for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"rawrag/internal/vectorstore"
)

type Store struct {
	mu        sync.RWMutex
	dimension int
	rows      map[string][]vectorstore.Record
}

// New creates a store. A dimension of 0 accepts the first written size.
func New(dimension int) *Store {
	return &Store{dimension: dimension, rows: make(map[string][]vectorstore.Record)}
}

func (s *Store) Write(_ context.Context, records []vectorstore.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		if s.dimension == 0 {
			s.dimension = len(r.Vector)
		}
		if len(r.Vector) != s.dimension {
			return fmt.Errorf("%w: got %d, want %d", vectorstore.ErrDimensionMismatch, len(r.Vector), s.dimension)
		}
	}
	seen := make(map[string]map[int]bool)
	for _, r := range records {
		taken := seen[r.ConversationID]
		if taken == nil {
			taken = make(map[int]bool, len(s.rows[r.ConversationID]))
			for _, row := range s.rows[r.ConversationID] {
				taken[row.Index] = true
			}
			seen[r.ConversationID] = taken
		}
		if taken[r.Index] {
			return fmt.Errorf("%w: %s/%d", vectorstore.ErrDuplicateIndex, r.ConversationID, r.Index)
		}
		taken[r.Index] = true
	}
	for _, r := range records {
		r.Vector = append([]float32(nil), r.Vector...)
		s.rows[r.ConversationID] = append(s.rows[r.ConversationID], r)
	}
	return nil
}

func (s *Store) Acquire(context.Context) (vectorstore.Session, error) {
	return session{s}, nil
}

func (s *Store) NextIndex(_ context.Context, conversationID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	next := 0
	for _, r := range s.rows[conversationID] {
		next = max(next, r.Index+1)
	}
	return next, nil
}

func (s *Store) DeleteConversation(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, conversationID)
	return nil
}

func (s *Store) Close() error { return nil }

func (s *Store) nearest(vector []float32, conversationID string, k int) ([]vectorstore.Match, error) {
	if k <= 0 {
		k = 5
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.dimension != 0 && len(vector) != s.dimension {
		return nil, fmt.Errorf("%w: got %d, want %d", vectorstore.ErrDimensionMismatch, len(vector), s.dimension)
	}

	rows := s.rows[conversationID]
	matches := make([]vectorstore.Match, 0, len(rows))
	for _, r := range rows {
		matches = append(matches, vectorstore.Match{
			Text:       r.Text,
			Similarity: vectorstore.Clamp(vectorstore.Cosine(vector, r.Vector)),
		})
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Similarity > matches[j].Similarity })
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

type session struct{ s *Store }

func (x session) Nearest(_ context.Context, vector []float32, conversationID string, k int) ([]vectorstore.Match, error) {
	return x.s.nearest(vector, conversationID, k)
}

func (session) Release() {}
