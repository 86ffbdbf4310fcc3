// Package pubsub fans typed events out to any number of subscribers.
package pubsub

import "sync"

// Hub delivers every published value to each current subscriber. Publishing never
// blocks: a subscriber whose buffer is full misses the value.
type Hub[T any] struct {
	mu     sync.RWMutex
	subs   map[uint64]chan T
	nextID uint64
	closed bool
}

func NewHub[T any]() *Hub[T] {
	return &Hub[T]{subs: make(map[uint64]chan T)}
}

// Subscribe registers a subscriber with the given buffer. The returned cancel
// func closes the channel and is safe to call more than once.
func (h *Hub[T]) Subscribe(buffer int) (<-chan T, func()) {
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan T, buffer)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

// Publish reports how many subscribers received v.
func (h *Hub[T]) Publish(v T) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for _, ch := range h.subs {
		select {
		case ch <- v:
			delivered++
		default:
		}
	}
	return delivered
}

func (h *Hub[T]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close closes every subscriber channel. Later subscriptions receive a closed
// channel and later publishes are dropped.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
}
