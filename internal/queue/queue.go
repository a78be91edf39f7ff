// Package queue implements the bounded, closeable FIFO handoff used between
// pipeline stages. Each queue picks an overflow policy: producers on the GL
// thread use DropOldest so they never wait, while worker-to-worker queues use
// Block to push backpressure upstream.
package queue

import (
	"errors"
	"sync"
	"sync/atomic"
)

// Policy selects what Push does when the queue is full.
type Policy int

const (
	// Block waits until a consumer frees a slot.
	Block Policy = iota
	// DropOldest discards the oldest queued item to make room.
	DropOldest
)

// Errors returned by Push.
var (
	ErrClosed  = errors.New("queue: closed for input")
	ErrAborted = errors.New("queue: aborted")
)

// Queue is a bounded FIFO safe for multiple producers and consumers.
type Queue[T any] struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	items  []T
	head   int
	count  int
	policy Policy

	closed  bool
	aborted bool

	pushed  atomic.Uint64
	dropped atomic.Uint64

	onDrop func(item T, total uint64)
}

// New creates a queue holding at most capacity items. A capacity below one
// is raised to one.
func New[T any](capacity int, policy Policy) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	q := &Queue[T]{
		items:  make([]T, capacity),
		policy: policy,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// OnDrop installs a hook invoked (outside the lock) for every item discarded
// by the DropOldest policy. Must be set before the queue is shared.
func (q *Queue[T]) OnDrop(fn func(item T, total uint64)) {
	q.onDrop = fn
}

// Push appends item. With DropOldest it never waits; with Block it waits for
// room. It returns ErrClosed after Close and ErrAborted after Abort.
func (q *Queue[T]) Push(item T) error {
	q.mu.Lock()
	for {
		if q.aborted {
			q.mu.Unlock()
			return ErrAborted
		}
		if q.closed {
			q.mu.Unlock()
			return ErrClosed
		}
		if q.count < len(q.items) {
			break
		}
		if q.policy == DropOldest {
			old := q.items[q.head]
			var zero T
			q.items[q.head] = zero
			q.head = (q.head + 1) % len(q.items)
			q.count--
			total := q.dropped.Add(1)
			if q.onDrop != nil {
				q.mu.Unlock()
				q.onDrop(old, total)
				q.mu.Lock()
			}
			continue
		}
		q.notFull.Wait()
	}

	q.items[(q.head+q.count)%len(q.items)] = item
	q.count++
	q.pushed.Add(1)
	q.mu.Unlock()
	q.notEmpty.Signal()
	return nil
}

// Pop removes the oldest item, waiting while the queue is empty. The second
// result is false once the queue is closed and drained, or aborted.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	for q.count == 0 && !q.closed && !q.aborted {
		q.notEmpty.Wait()
	}
	var zero T
	if q.aborted || q.count == 0 {
		q.mu.Unlock()
		return zero, false
	}
	item := q.items[q.head]
	q.items[q.head] = zero
	q.head = (q.head + 1) % len(q.items)
	q.count--
	q.mu.Unlock()
	q.notFull.Signal()
	return item, true
}

// TryPop removes the oldest item without waiting. The third result reports
// whether more items can still arrive.
func (q *Queue[T]) TryPop() (item T, ok bool, open bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if q.aborted {
		return zero, false, false
	}
	if q.count == 0 {
		return zero, false, !q.closed
	}
	item = q.items[q.head]
	q.items[q.head] = zero
	q.head = (q.head + 1) % len(q.items)
	q.count--
	q.notFull.Signal()
	return item, true, true
}

// Close stops accepting input. Queued items remain poppable.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// Abort discards queued items and wakes every waiter. Subsequent Push and
// Pop calls fail immediately.
func (q *Queue[T]) Abort() {
	q.mu.Lock()
	q.aborted = true
	q.closed = true
	var zero T
	for i := range q.items {
		q.items[i] = zero
	}
	q.count = 0
	q.mu.Unlock()
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int {
	return len(q.items)
}

// Pushed returns the number of items accepted since creation.
func (q *Queue[T]) Pushed() uint64 {
	return q.pushed.Load()
}

// Dropped returns the number of items discarded by DropOldest.
func (q *Queue[T]) Dropped() uint64 {
	return q.dropped.Load()
}
