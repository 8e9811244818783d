package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memoryStore is a process-lifetime Store used by tests and throwaway runs.
// It mirrors sqlite semantics (insert assigns ids, reads sort by scheduled
// time) so engine tests exercise the same contract.
type memoryStore struct {
	mu   sync.Mutex
	next int64
	rows map[int64]Mapping
}

func NewMemory() Store {
	return &memoryStore{rows: map[int64]Mapping{}}
}

func (s *memoryStore) InsertMapping(_ context.Context, m Mapping) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	m.ID = s.next
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	s.rows[m.ID] = m
	return m.ID, nil
}

func (s *memoryStore) DeleteMapping(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, id)
	return nil
}

func (s *memoryStore) FutureMappings(_ context.Context, kind string) ([]Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Mapping, 0, len(s.rows))
	for _, m := range s.rows {
		if kind != "" && m.Type != kind {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ScheduledAt.Before(out[j].ScheduledAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *memoryStore) TableExists(context.Context) (bool, error) { return true, nil }

func (s *memoryStore) Close() error { return nil }
