package storage

import (
	"context"
	"sync"
	"time"

	"lateralguard/internal/model"
)

// MemoryStore keeps events in process memory. Reads take a snapshot under
// the read lock.
type MemoryStore struct {
	mu     sync.RWMutex
	events []model.StoredEvent
	nextID int64
}

func NewMemory() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Append(_ context.Context, ev model.StoredEvent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	ev.ID = s.nextID
	s.events = append(s.events, ev)
	return ev.ID, nil
}

func (s *MemoryStore) CountDistinctTargets(_ context.Context, source string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, ev := range s.events {
		if ev.Source == source && !ev.Timestamp.Before(since) {
			seen[ev.Destination] = struct{}{}
		}
	}
	return len(seen), nil
}

func (s *MemoryStore) Query(_ context.Context, q Query) ([]model.StoredEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.StoredEvent, 0)
	for _, ev := range s.events {
		if !matches(ev, q) {
			continue
		}
		out = append(out, ev)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

func matches(ev model.StoredEvent, q Query) bool {
	if q.Source != "" && ev.Source != q.Source {
		return false
	}
	if !q.Since.IsZero() && ev.Timestamp.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && ev.Timestamp.After(q.Until) {
		return false
	}
	return true
}
