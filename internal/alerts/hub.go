package alerts

import (
	"sync"
	"sync/atomic"

	"lateralguard/internal/model"
)

// Subscription is one consumer of the alert stream. C is closed when the
// subscription ends.
type Subscription struct {
	id      uint64
	ch      chan model.Alert
	dropped atomic.Uint64
	closed  bool
}

func (s *Subscription) C() <-chan model.Alert {
	return s.ch
}

func (s *Subscription) ID() uint64 {
	return s.id
}

// Dropped counts alerts this subscriber missed because its queue was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Hub fans alerts out to subscribers. Publish never blocks: every
// subscriber owns a bounded queue and a full queue loses the alert.
type Hub struct {
	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	nextID  uint64
	buffer  int
	recent  *Store
	onDrop  func()
	onCount func(int)
	closed  bool
}

func NewHub(recent *Store, buffer int) *Hub {
	if buffer <= 0 {
		buffer = 256
	}
	return &Hub{
		subs:   make(map[uint64]*Subscription),
		buffer: buffer,
		recent: recent,
	}
}

// OnDrop and OnSubscribers hook instrumentation; set them before use.
func (h *Hub) OnDrop(fn func()) {
	h.onDrop = fn
}

func (h *Hub) OnSubscribers(fn func(int)) {
	h.onCount = fn
}

func (h *Hub) Recent() *Store {
	return h.recent
}

func (h *Hub) Publish(alert model.Alert) {
	if h.recent != nil {
		h.recent.Add(alert)
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for _, sub := range h.subs {
		select {
		case sub.ch <- alert:
		default:
			sub.dropped.Add(1)
			if h.onDrop != nil {
				h.onDrop()
			}
		}
	}
}

// Subscribe registers a consumer. A non-positive buffer uses the hub default.
func (h *Hub) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = h.buffer
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	sub := &Subscription{id: h.nextID, ch: make(chan model.Alert, buffer)}
	if h.closed {
		sub.closed = true
		close(sub.ch)
		return sub
	}
	h.subs[sub.id] = sub
	h.notifyCount()
	return sub
}

func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub.id]; !ok {
		return
	}
	delete(h.subs, sub.id)
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
	h.notifyCount()
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close ends every subscription. Later publishes only reach the recent store.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
	}
	h.notifyCount()
}

func (h *Hub) notifyCount() {
	if h.onCount != nil {
		h.onCount(len(h.subs))
	}
}
