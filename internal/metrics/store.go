package metrics

import (
	"sort"
	"sync"

	"lateralguard/internal/model"
)

// Store keeps the latest detection figures per source for the API.
type Store struct {
	mu       sync.RWMutex
	bySource map[string]model.SourceStats
	limit    int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 5000
	}
	return &Store{
		bySource: make(map[string]model.SourceStats),
		limit:    limit,
	}
}

// Observation is what one processed event contributes to a source's stats.
type Observation struct {
	Source    string
	Event     model.ConnectionEvent
	Samples   int
	LastCount float64
	Score     float64
	Targets   int
	Alerts    int
}

func (s *Store) Update(obs Observation) {
	if obs.Source == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.bySource[obs.Source]
	st.Source = obs.Source
	st.Samples = obs.Samples
	st.LastCount = obs.LastCount
	st.LastScore = obs.Score
	if obs.Targets >= 0 {
		st.Targets = obs.Targets
	}
	st.Connections++
	st.Alerts += uint64(obs.Alerts)
	if obs.Event.Timestamp.After(st.LastSeen) {
		st.LastSeen = obs.Event.Timestamp
	}
	s.bySource[obs.Source] = st
	if len(s.bySource) > s.limit {
		s.evictOldest()
	}
}

func (s *Store) Get(source string) (model.SourceStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.bySource[source]
	return st, ok
}

// GetAll returns every tracked source, most recently seen first.
func (s *Store) GetAll() []model.SourceStats {
	s.mu.RLock()
	out := make([]model.SourceStats, 0, len(s.bySource))
	for _, st := range s.bySource {
		out = append(out, st)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].Source < out[j].Source
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bySource)
}

func (s *Store) evictOldest() {
	var oldestSource string
	var oldest model.SourceStats
	for source, st := range s.bySource {
		if oldestSource == "" || st.LastSeen.Before(oldest.LastSeen) {
			oldestSource = source
			oldest = st
		}
	}
	if oldestSource != "" {
		delete(s.bySource, oldestSource)
	}
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bySource = make(map[string]model.SourceStats)
}
