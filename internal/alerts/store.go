package alerts

import (
	"sync"
	"time"

	"lateralguard/internal/model"
)

// Store is a fixed-size ring of the most recent alerts. Once full, each Add
// overwrites the oldest entry.
type Store struct {
	mu    sync.RWMutex
	ring  []model.Alert
	head  int
	count int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{ring: make([]model.Alert, limit)}
}

func (s *Store) Add(alert model.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := (s.head + s.count) % len(s.ring)
	s.ring[idx] = alert
	if s.count < len(s.ring) {
		s.count++
		return
	}
	s.head = (s.head + 1) % len(s.ring)
}

// each visits alerts oldest first. Callers hold the lock.
func (s *Store) each(fn func(model.Alert)) {
	for i := 0; i < s.count; i++ {
		fn(s.ring[(s.head+i)%len(s.ring)])
	}
}

// Filter narrows List and Since results. Empty fields match everything.
type Filter struct {
	Source string
	Kind   model.AlertKind
}

func (f Filter) match(a model.Alert) bool {
	if f.Source != "" && a.Source != f.Source {
		return false
	}
	if f.Kind != "" && a.Kind != f.Kind {
		return false
	}
	return true
}

// List returns up to limit of the newest matching alerts, oldest first.
func (s *Store) List(limit int, f Filter) []model.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := make([]model.Alert, 0, s.count)
	s.each(func(a model.Alert) {
		if f.match(a) {
			matched = append(matched, a)
		}
	})
	if limit > 0 && limit < len(matched) {
		matched = matched[len(matched)-limit:]
	}
	return matched
}

func (s *Store) Since(ts time.Time, f Filter) []model.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Alert, 0)
	s.each(func(a model.Alert) {
		if !a.Timestamp.Before(ts) && f.match(a) {
			out = append(out, a)
		}
	})
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.ring)
	s.head, s.count = 0, 0
}
