package engine

import (
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"time"

	"lateralguard/internal/model"
)

const dedupeMaxEntries = 1 << 16

type fingerprint [sha256.Size]byte

// fingerprintOf identifies a connection by its endpoints, protocol and
// exact event time.
func fingerprintOf(ev model.ConnectionEvent) fingerprint {
	h := sha256.New()
	for _, part := range []string{ev.Source, ev.Destination, ev.Protocol} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(ev.Timestamp.UnixNano()))
	h.Write(ts[:])
	var fp fingerprint
	copy(fp[:], h.Sum(nil))
	return fp
}

type seenEntry struct {
	fp fingerprint
	at time.Time
}

// DedupeCache remembers recent fingerprints in arrival order. Entries are
// expired from the front as event time moves on, and the oldest entry is
// evicted once the cache is full.
type DedupeCache struct {
	mu    sync.Mutex
	items map[fingerprint]time.Time
	order []seenEntry
	max   int
}

func NewDedupeCache() *DedupeCache {
	return &DedupeCache{items: make(map[fingerprint]time.Time), max: dedupeMaxEntries}
}

// Seen reports whether fp was recorded within ttl of now and records it
// otherwise.
func (d *DedupeCache) Seen(fp fingerprint, now time.Time, ttl time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.expire(now, ttl)
	if at, ok := d.items[fp]; ok && now.Sub(at) <= ttl {
		return true
	}
	d.items[fp] = now
	d.order = append(d.order, seenEntry{fp: fp, at: now})
	for len(d.order) > d.max {
		d.evictFront()
	}
	return false
}

func (d *DedupeCache) expire(now time.Time, ttl time.Duration) {
	for len(d.order) > 0 && now.Sub(d.order[0].at) > ttl {
		d.evictFront()
	}
	if cap(d.order) > 2*d.max && len(d.order) < d.max/2 {
		d.order = append([]seenEntry(nil), d.order...)
	}
}

func (d *DedupeCache) evictFront() {
	e := d.order[0]
	d.order = d.order[1:]
	// a later sighting of the same fingerprint owns the map entry
	if at, ok := d.items[e.fp]; ok && at.Equal(e.at) {
		delete(d.items, e.fp)
	}
}

func (d *DedupeCache) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

func (d *DedupeCache) Reset() {
	d.mu.Lock()
	d.items = make(map[fingerprint]time.Time)
	d.order = nil
	d.mu.Unlock()
}
