package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gammazero/deque"
)

// ErrQueueClosed is returned when enqueueing onto a closed queue
var ErrQueueClosed = errors.New("queue closed")

// Queue is an unbounded FIFO safe for many producers and one consumer.
// It applies no backpressure: depth is only observed, never limited.
type Queue[T any] struct {
	items  deque.Deque[T]
	notify chan struct{}
	closed bool

	mu sync.Mutex
}

// NewQueue creates an empty queue
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{
		notify: make(chan struct{}, 1),
	}
}

// Enqueue appends v and returns the queue depth after the append
func (q *Queue[T]) Enqueue(v T) (int, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0, ErrQueueClosed
	}
	q.items.PushBack(v)
	depth := q.items.Len()
	q.mu.Unlock()

	q.signal()
	return depth, nil
}

// Dequeue removes the oldest item, waiting at most timeout for one to arrive.
// It reports false when the timeout elapses, ctx is done or the queue is
// closed and empty.
func (q *Queue[T]) Dequeue(ctx context.Context, timeout time.Duration) (T, bool) {
	var zero T

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if q.items.Len() > 0 {
			v := q.items.PopFront()
			remaining := q.items.Len()
			q.mu.Unlock()
			if remaining > 0 {
				q.signal()
			}
			return v, true
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return zero, false
		}

		select {
		case <-q.notify:
		case <-timer.C:
			return zero, false
		case <-ctx.Done():
			return zero, false
		}
	}
}

// Len returns the current depth
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Close rejects further enqueues and returns the items still queued
func (q *Queue[T]) Close() []T {
	q.mu.Lock()
	q.closed = true
	remaining := make([]T, 0, q.items.Len())
	for q.items.Len() > 0 {
		remaining = append(remaining, q.items.PopFront())
	}
	q.mu.Unlock()

	q.signal()
	return remaining
}

func (q *Queue[T]) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
