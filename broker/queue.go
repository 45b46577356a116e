package broker

import (
	"context"
	"sync"
)

// Queue is an unbounded FIFO queue safe for many producers and consumers.
//
// It also counts unfinished items: every Put must be matched by a Done once the
// consumer has finished with the item, and Wait blocks until the count is zero.
type Queue[T any] struct {
	mu         sync.Mutex
	items      []T
	ready      chan struct{}
	unfinished int
	drained    chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue[T any]() *Queue[T] {
	q := &Queue[T]{
		ready:   make(chan struct{}, 1),
		drained: make(chan struct{}),
	}
	close(q.drained)
	return q
}

// Put appends an item. It never blocks.
func (q *Queue[T]) Put(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	if q.unfinished == 0 {
		q.drained = make(chan struct{})
	}
	q.unfinished++
	q.mu.Unlock()

	q.signal()
}

// TryGet removes the head item without blocking.
func (q *Queue[T]) TryGet() (T, bool) {
	var zero T

	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return zero, false
	}
	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	more := len(q.items) > 0
	q.mu.Unlock()

	if more {
		q.signal()
	}
	return item, true
}

// Get removes the head item, blocking until one is available or ctx is done.
func (q *Queue[T]) Get(ctx context.Context) (T, error) {
	for {
		if item, ok := q.TryGet(); ok {
			return item, nil
		}

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-q.ready:
		}
	}
}

// Done marks one previously retrieved item as finished.
func (q *Queue[T]) Done() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.unfinished == 0 {
		return
	}
	q.unfinished--
	if q.unfinished == 0 {
		close(q.drained)
	}
}

// Wait blocks until every item put so far has been marked Done.
func (q *Queue[T]) Wait(ctx context.Context) error {
	q.mu.Lock()
	drained := q.drained
	q.mu.Unlock()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Unfinished returns the number of items not yet marked Done.
func (q *Queue[T]) Unfinished() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.unfinished
}

func (q *Queue[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
