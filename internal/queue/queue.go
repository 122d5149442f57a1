package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrQueueFull is returned when an item would exceed the memory limit
	ErrQueueFull = errors.New("queue is full")

	// ErrQueueAtCapacity is returned by TryEnqueue when the queue holds maxSize items
	ErrQueueAtCapacity = errors.New("queue is at capacity")

	// ErrQueueClosed is returned when operations are attempted on a closed queue
	ErrQueueClosed = errors.New("queue is closed")
)

// Queue is a bounded FIFO. TryEnqueue rejects items once the queue holds
// maxSize items, EnqueueContext waits for space instead. Both drop items
// that would push the estimated memory use over memoryLimit.
type Queue[T any] struct {
	items []T

	// Configuration
	maxSize       int
	memoryLimit   int64
	currentMemory int64
	sizeOf        func(T) int64

	// Synchronization
	mu       sync.RWMutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	// State
	closed bool
	stats  Stats
}

// Stats tracks queue performance metrics
type Stats struct {
	TotalEnqueued int64
	TotalDequeued int64
	TotalDropped  int64
	CurrentSize   int
	PeakSize      int
	CurrentMemory int64
	LastEnqueue   time.Time
	LastDequeue   time.Time
}

// New creates a queue. sizeOf estimates an item's memory footprint; a nil
// sizeOf disables the memory limit.
func New[T any](maxSize int, memoryLimit int64, sizeOf func(T) int64) *Queue[T] {
	if maxSize <= 0 {
		maxSize = 1
	}
	if sizeOf == nil {
		sizeOf = func(T) int64 { return 0 }
	}

	q := &Queue[T]{
		items:       make([]T, 0, maxSize),
		maxSize:     maxSize,
		memoryLimit: memoryLimit,
		sizeOf:      sizeOf,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// TryEnqueue appends item without waiting. It returns ErrQueueAtCapacity
// when the queue is full.
func (q *Queue[T]) TryEnqueue(item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if len(q.items) >= q.maxSize {
		q.stats.TotalDropped++
		return ErrQueueAtCapacity
	}
	return q.push(item)
}

// EnqueueContext appends item, waiting for space until ctx is done.
func (q *Queue[T]) EnqueueContext(ctx context.Context, item T) error {
	for {
		if err := q.WaitForSpace(ctx); err != nil {
			return err
		}

		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrQueueClosed
		}
		if len(q.items) < q.maxSize {
			err := q.push(item)
			q.mu.Unlock()
			return err
		}
		// Another producer took the space.
		q.mu.Unlock()
	}
}

// push must be called with q.mu held and room in the queue.
func (q *Queue[T]) push(item T) error {
	size := q.sizeOf(item)
	if q.memoryLimit > 0 && q.currentMemory+size > q.memoryLimit {
		q.stats.TotalDropped++
		return ErrQueueFull
	}

	q.items = append(q.items, item)
	q.currentMemory += size
	q.stats.TotalEnqueued++
	q.stats.LastEnqueue = time.Now()
	if len(q.items) > q.stats.PeakSize {
		q.stats.PeakSize = len(q.items)
	}

	q.notEmpty.Signal()
	return nil
}

// Dequeue removes and returns the head, blocking while the queue is empty.
// Items still queued at Close are discarded.
func (q *Queue[T]) Dequeue() (T, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	for len(q.items) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if q.closed {
		return zero, ErrQueueClosed
	}

	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]

	q.currentMemory -= q.sizeOf(item)
	if q.currentMemory < 0 {
		q.currentMemory = 0
	}
	q.stats.TotalDequeued++
	q.stats.LastDequeue = time.Now()

	q.notFull.Broadcast()
	return item, nil
}

// GetStats returns current queue statistics.
func (q *Queue[T]) GetStats() Stats {
	q.mu.RLock()
	defer q.mu.RUnlock()

	stats := q.stats
	stats.CurrentSize = len(q.items)
	stats.CurrentMemory = q.currentMemory
	return stats
}

// WaitForSpace blocks until there is space in the queue or the context is cancelled.
func (q *Queue[T]) WaitForSpace(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if len(q.items) < q.maxSize {
		q.mu.Unlock()
		return nil
	}
	q.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		q.mu.Lock()
		defer q.mu.Unlock()

		for {
			if q.closed {
				done <- ErrQueueClosed
				return
			}
			if len(q.items) < q.maxSize {
				done <- nil
				return
			}
			if ctx.Err() != nil {
				done <- ctx.Err()
				return
			}
			q.notFull.Wait()
		}
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		// Wake up the waiting goroutine to avoid leak
		q.mu.Lock()
		q.notFull.Broadcast()
		q.mu.Unlock()
		return ctx.Err()
	}
}

// Close wakes every waiter. Later operations fail with ErrQueueClosed.
func (q *Queue[T]) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
	return nil
}
