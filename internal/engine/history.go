package engine

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"lateralguard/internal/config"
)

// Series is the bounded count sequence of a single source. With a zero
// bucket every observation appends a unit sample; otherwise observations
// falling in the same bucket increment the last sample.
type Series struct {
	counts []float64
	starts []time.Time
	head   int
}

func NewSeries() *Series {
	return &Series{
		counts: make([]float64, 0, 16),
		starts: make([]time.Time, 0, 16),
	}
}

func (s *Series) Observe(ts time.Time, bucket time.Duration) {
	if bucket > 0 {
		start := ts.Truncate(bucket)
		if n := len(s.counts); n > s.head {
			// late arrivals are folded into the newest bucket
			if !start.After(s.starts[n-1]) {
				s.counts[n-1]++
				return
			}
		}
		s.counts = append(s.counts, 1)
		s.starts = append(s.starts, start)
		return
	}
	s.counts = append(s.counts, 1)
	s.starts = append(s.starts, ts)
}

// Trim drops samples beyond maxSamples and samples that started before
// cutoff. The newest sample is always kept.
func (s *Series) Trim(maxSamples int, cutoff time.Time) {
	n := len(s.counts)
	if maxSamples > 0 && n-s.head > maxSamples {
		s.head = n - maxSamples
	}
	if !cutoff.IsZero() {
		for s.head < n-1 && s.starts[s.head].Before(cutoff) {
			s.head++
		}
	}
	if s.head > 0 && s.head*2 >= n {
		s.counts = append(make([]float64, 0, n-s.head+16), s.counts[s.head:]...)
		s.starts = append(make([]time.Time, 0, n-s.head+16), s.starts[s.head:]...)
		s.head = 0
	}
}

func (s *Series) Values() []float64 {
	return s.counts[s.head:]
}

func (s *Series) Len() int {
	return len(s.counts) - s.head
}

// ConnectionHistory maps a source address to its Series. The number of
// tracked sources is capped; the least recently updated source is evicted.
type ConnectionHistory struct {
	mu      sync.Mutex
	cfg     config.HistoryConfig
	sources *lru.Cache[string, *Series]
}

func NewConnectionHistory(cfg config.HistoryConfig) *ConnectionHistory {
	size := cfg.MaxSources
	if size <= 0 {
		size = 65536
	}
	cache, err := lru.New[string, *Series](size)
	if err != nil {
		panic(err)
	}
	return &ConnectionHistory{cfg: cfg, sources: cache}
}

// Update records one connection from source at ts and returns a copy of the
// source's count sequence, newest last.
func (h *ConnectionHistory) Update(source string, ts time.Time) []float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	series, ok := h.sources.Get(source)
	if !ok {
		series = NewSeries()
		h.sources.Add(source, series)
	}
	series.Observe(ts, h.cfg.Bucket)
	var cutoff time.Time
	if h.cfg.Horizon > 0 {
		cutoff = ts.Add(-h.cfg.Horizon)
	}
	series.Trim(h.cfg.MaxSamples, cutoff)
	values := series.Values()
	out := make([]float64, len(values))
	copy(out, values)
	return out
}

func (h *ConnectionHistory) Snapshot(source string) []float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	series, ok := h.sources.Peek(source)
	if !ok {
		return nil
	}
	values := series.Values()
	out := make([]float64, len(values))
	copy(out, values)
	return out
}

func (h *ConnectionHistory) Len() int {
	return h.sources.Len()
}

func (h *ConnectionHistory) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sources.Purge()
}

func (h *ConnectionHistory) SetConfig(cfg config.HistoryConfig) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cfg.MaxSources > 0 && cfg.MaxSources != h.cfg.MaxSources {
		h.sources.Resize(cfg.MaxSources)
	}
	h.cfg = cfg
}
