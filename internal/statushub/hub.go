// Package statushub fans status frames out to stream subscribers.
// Broadcast never blocks: each subscriber gets a buffered channel and a
// slow consumer simply misses frames.
package statushub

import (
	"sync"

	"github.com/paceloop/paceloop/pkg/statusv1"
)

const subscriberBuffer = 16

// Hub is a single-topic publish/subscribe registry.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan statusv1.Frame
	closed bool
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan statusv1.Frame)}
}

// Subscribe registers a new consumer. The returned cancel function
// removes the subscription and closes the channel; it is idempotent.
func (h *Hub) Subscribe() (<-chan statusv1.Frame, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan statusv1.Frame, subscriberBuffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if _, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(ch)
			}
			h.mu.Unlock()
		})
	}
	return ch, cancel
}

// Broadcast queues a frame to every subscriber, skipping any whose
// buffer is full.
func (h *Hub) Broadcast(f statusv1.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- f:
		default:
		}
	}
}

// Count reports the number of active subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close drops all subscribers and closes their channels. Subsequent
// Subscribe calls return a closed channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
