package feed

import "sync"

// Queue is an unbounded single-consumer FIFO. Push never blocks; a pump
// goroutine forwards items to Out in order.
type Queue[T any] struct {
	mu       sync.Mutex
	items    []T
	closed   bool
	signal   chan struct{}
	abort    chan struct{}
	out      chan T
	stopOnce sync.Once
}

// NewQueue starts the pump and returns the queue.
func NewQueue[T any]() *Queue[T] {
	queue := &Queue[T]{
		signal: make(chan struct{}, 1),
		abort:  make(chan struct{}),
		out:    make(chan T),
	}
	go queue.pump()
	return queue
}

// Out yields pushed items; it closes after Close drains or Abort.
func (q *Queue[T]) Out() <-chan T {
	return q.out
}

// Push appends an item. It reports false once the queue is closed.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.wake()
	return true
}

// Len returns the number of undelivered items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting items; Out closes once the backlog is delivered.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

// Abort closes Out immediately and discards the backlog.
func (q *Queue[T]) Abort() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
	q.stopOnce.Do(func() { close(q.abort) })
}

func (q *Queue[T]) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *Queue[T]) pump() {
	defer close(q.out)
	var zero T
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-q.signal:
				continue
			case <-q.abort:
				return
			}
		}
		item := q.items[0]
		q.items[0] = zero
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.out <- item:
		case <-q.abort:
			return
		}
	}
}
