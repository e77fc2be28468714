package engine

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"lateralguard/internal/model"
	"lateralguard/internal/storage"
)

// FanOutTracker counts the distinct destinations a source contacted since a
// point in time.
type FanOutTracker interface {
	Observe(ev model.ConnectionEvent)
	CountDistinctTargets(ctx context.Context, source string, since time.Time) (int, error)
	Reset()
}

// StoreFanOut counts only events already persisted to the event store.
type StoreFanOut struct {
	store storage.Store
}

func NewStoreFanOut(store storage.Store) *StoreFanOut {
	return &StoreFanOut{store: store}
}

func (f *StoreFanOut) Observe(model.ConnectionEvent) {}

func (f *StoreFanOut) CountDistinctTargets(ctx context.Context, source string, since time.Time) (int, error) {
	if f.store == nil {
		return 0, nil
	}
	return f.store.CountDistinctTargets(ctx, source, since)
}

func (f *StoreFanOut) Reset() {}

type targetEntry struct {
	Timestamp   time.Time
	Destination string
}

// TargetWindow is a sliding window of one source's connections with a
// running count per destination.
type TargetWindow struct {
	mu      sync.Mutex
	entries []targetEntry
	head    int
	counts  map[string]int
}

func NewTargetWindow() *TargetWindow {
	return &TargetWindow{
		entries: make([]targetEntry, 0, 32),
		counts:  make(map[string]int),
	}
}

func (w *TargetWindow) Add(ts time.Time, dst string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = append(w.entries, targetEntry{Timestamp: ts, Destination: dst})
	w.counts[dst]++
}

func (w *TargetWindow) Evict(cutoff time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evict(cutoff)
}

func (w *TargetWindow) evict(cutoff time.Time) {
	for w.head < len(w.entries) {
		e := w.entries[w.head]
		if !e.Timestamp.Before(cutoff) {
			break
		}
		if count := w.counts[e.Destination]; count <= 1 {
			delete(w.counts, e.Destination)
		} else {
			w.counts[e.Destination] = count - 1
		}
		w.head++
	}
	if w.head > 0 && w.head*2 >= len(w.entries) {
		w.entries = append([]targetEntry{}, w.entries[w.head:]...)
		w.head = 0
	}
}

// Distinct evicts everything older than since and returns the number of
// destinations left in the window.
func (w *TargetWindow) Distinct(since time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evict(since)
	return len(w.counts)
}

// WindowFanOut counts every accepted connection, not only flagged ones.
type WindowFanOut struct {
	window  time.Duration
	mu      sync.Mutex
	sources *lru.Cache[string, *TargetWindow]
}

func NewWindowFanOut(window time.Duration, maxSources int) *WindowFanOut {
	if maxSources <= 0 {
		maxSources = 65536
	}
	cache, err := lru.New[string, *TargetWindow](maxSources)
	if err != nil {
		panic(err)
	}
	return &WindowFanOut{window: window, sources: cache}
}

func (f *WindowFanOut) get(source string) *TargetWindow {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.sources.Get(source)
	if !ok {
		w = NewTargetWindow()
		f.sources.Add(source, w)
	}
	return w
}

func (f *WindowFanOut) Observe(ev model.ConnectionEvent) {
	w := f.get(ev.Source)
	if f.window > 0 {
		w.Evict(ev.Timestamp.Add(-f.window))
	}
	w.Add(ev.Timestamp, ev.Destination)
}

func (f *WindowFanOut) CountDistinctTargets(_ context.Context, source string, since time.Time) (int, error) {
	f.mu.Lock()
	w, ok := f.sources.Peek(source)
	f.mu.Unlock()
	if !ok {
		return 0, nil
	}
	return w.Distinct(since), nil
}

func (f *WindowFanOut) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sources.Purge()
}
