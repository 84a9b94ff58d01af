package pipeline

import (
	"context"
	"sync"
	"time"
)

// fifo is an unbounded FIFO queue with task accounting.
// Every Pop must be matched by a Done; Join waits until all pushed items are done.
type fifo[T any] struct {
	mu         sync.Mutex
	items      []T
	unfinished int
	ready      chan struct{} // signalled when items are available
	drained    chan struct{} // closed while unfinished == 0
}

func newFifo[T any]() *fifo[T] {
	drained := make(chan struct{})
	close(drained)
	return &fifo[T]{
		ready:   make(chan struct{}, 1),
		drained: drained,
	}
}

// Push appends an item. Never blocks.
func (q *fifo[T]) Push(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.unfinished++
	if q.unfinished == 1 {
		q.drained = make(chan struct{})
	}
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Pop removes the oldest item, waiting up to timeout for one to arrive
func (q *fifo[T]) Pop(timeout time.Duration) (T, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			var zero T
			q.items[0] = zero
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				select {
				case q.ready <- struct{}{}:
				default:
				}
			}
			return item, true
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-timer.C:
			var zero T
			return zero, false
		}
	}
}

// Done marks one popped item as processed
func (q *fifo[T]) Done() {
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

// Join blocks until every pushed item has been marked done or ctx ends
func (q *fifo[T]) Join(ctx context.Context) error {
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

// Len returns the number of queued (not yet popped) items
func (q *fifo[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Unfinished returns the number of items pushed but not yet done
func (q *fifo[T]) Unfinished() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.unfinished
}
