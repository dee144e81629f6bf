package feed

import (
	"context"
	"sync"
)

// Hub fans published items out to every live subscriber without dropping.
// Each subscriber owns an unbounded Queue, so a slow reader never blocks Publish.
type Hub[T any] struct {
	mu          sync.RWMutex
	subscribers map[int64]*Queue[T]
	nextID      int64
}

// NewHub constructs an empty hub.
func NewHub[T any]() *Hub[T] {
	return &Hub[T]{subscribers: make(map[int64]*Queue[T])}
}

// Subscribe registers a subscriber that receives every item published after the
// call returns. The channel closes when ctx is done.
func (h *Hub[T]) Subscribe(ctx context.Context) <-chan T {
	queue := NewQueue[T]()

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subscribers[id] = queue
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subscribers, id)
		h.mu.Unlock()
		queue.Abort()
	}()
	return queue.Out()
}

// Publish delivers the item to every registered subscriber.
func (h *Hub[T]) Publish(item T) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, queue := range h.subscribers {
		queue.Push(item)
	}
}

// Subscribers reports the number of registered subscribers.
func (h *Hub[T]) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}
