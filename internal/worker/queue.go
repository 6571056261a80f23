package worker

import "sync"

// Queue is an unbounded FIFO that producers never block on. Consumers block
// in Pop until an item arrives or the queue is closed and empty.
type Queue[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []T
	head   int
	active int
	closed bool
	halted bool
}

// NewQueue creates an empty open queue.
func NewQueue[T any]() *Queue[T] {
	q := &Queue[T]{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends item. It returns false once the queue is closed.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, item)
	q.cond.Signal()
	return true
}

// Pop removes the oldest item and marks it active until Ack is called. ok is
// false when the queue is closed and fully drained, or when it was halted.
func (q *Queue[T]) Pop() (item T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.len() == 0 && !q.closed && !q.halted {
		q.cond.Wait()
	}
	if q.halted || q.len() == 0 {
		return item, false
	}
	item = q.items[q.head]
	var zero T
	q.items[q.head] = zero
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	}
	q.active++
	return item, true
}

// Ack marks one popped item as finished.
func (q *Queue[T]) Ack() {
	q.mu.Lock()
	q.active--
	q.mu.Unlock()
}

// Idle reports whether nothing is queued and no popped item is unfinished.
func (q *Queue[T]) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.len() == 0 && q.active == 0
}

// Active returns the number of popped but unfinished items.
func (q *Queue[T]) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.len()
}

func (q *Queue[T]) len() int { return len(q.items) - q.head }

// Close stops accepting items. Queued items can still be popped.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Halt closes the queue and wakes consumers without letting them drain.
func (q *Queue[T]) Halt() {
	q.mu.Lock()
	q.closed = true
	q.halted = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Closed reports whether Close or Halt was called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Drain closes the queue and returns whatever was still queued.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	out := make([]T, q.len())
	copy(out, q.items[q.head:])
	q.items = nil
	q.head = 0
	q.cond.Broadcast()
	return out
}

// Extract removes every queued item for which match returns true and returns
// them in queue order. The remaining items keep their relative order.
func (q *Queue[T]) Extract(match func(T) bool) []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []T
	kept := q.items[:q.head]
	for _, item := range q.items[q.head:] {
		if match(item) {
			out = append(out, item)
			continue
		}
		kept = append(kept, item)
	}
	var zero T
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = zero
	}
	q.items = kept
	return out
}
