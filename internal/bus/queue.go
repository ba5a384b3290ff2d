package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	ErrQueueFull   = errors.New("event queue full")
	ErrQueueClosed = errors.New("event queue closed")
)

// Queue is a bounded multi-producer, single-consumer queue.
type Queue[T any] struct {
	mu      sync.RWMutex
	ch      chan T
	closed  atomic.Bool
	dropped atomic.Uint64
}

// NewQueue allocates a queue with the given capacity.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue[T]{ch: make(chan T, capacity)}
}

// TryPublish enqueues v without blocking. A full queue counts as a drop.
func (q *Queue[T]) TryPublish(v T) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed.Load() {
		return ErrQueueClosed
	}
	select {
	case q.ch <- v:
		return nil
	default:
		q.dropped.Add(1)
		return ErrQueueFull
	}
}

// Publish enqueues v, waiting for room until ctx is done.
func (q *Queue[T]) Publish(ctx context.Context, v T) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed.Load() {
		return ErrQueueClosed
	}
	select {
	case q.ch <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the queue from accepting new values. Values already queued are still delivered.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed.CompareAndSwap(false, true) {
		close(q.ch)
	}
}

// Len returns the number of queued values.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Dropped returns how many TryPublish calls found the queue full.
func (q *Queue[T]) Dropped() uint64 {
	return q.dropped.Load()
}

// Run consumes values until ctx is done, the queue is closed and drained, or handler fails.
func (q *Queue[T]) Run(ctx context.Context, handler func(T) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case v, ok := <-q.ch:
			if !ok {
				return nil
			}
			if err := handler(v); err != nil {
				return err
			}
		}
	}
}
