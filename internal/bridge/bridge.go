// Package bridge moves classified gesture events from the OS hook
// thread to the single-threaded dispatch side.
//
// The hook callback runs inside the OS input pipeline: blocking there
// freezes pointer input for the whole desktop. Publishing is therefore
// never allowed to block. When the queue is saturated the event is
// discarded on the spot and a drop counter is incremented; the
// consumer side observes the gap through the counter, not through
// backpressure.
//
// Every payload has exactly one owner at all times. TryPublish takes
// ownership unconditionally: on success the queue owns the value until
// a receive hands it to the consumer, on failure the discard hook runs
// synchronously before TryPublish returns. Close drains undelivered
// payloads through the same hook, so nothing is delivered after
// shutdown and nothing is dropped without being discarded.
package bridge

import (
	"sync/atomic"

	"shelfd/internal/syncutil"
)

// DefaultCapacity is the queue depth used when NewQueue is given a
// non-positive capacity.
const DefaultCapacity = 64

// Queue is a bounded FIFO carrying values from one producer thread to
// one consumer goroutine. Multiple producers are tolerated; ordering
// is guaranteed only per producer.
type Queue[T any] struct {
	ch      chan T
	discard func(T)

	// closeLock serializes publish against close so a publish never
	// lands on a closed channel. Hold times are a few instructions.
	closeLock syncutil.SpinLock
	closed    atomic.Bool

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewQueue creates a queue with the given capacity. discard is called
// for every payload that will never reach the consumer (saturation
// drops and close-time drains); nil means no reclamation is needed.
func NewQueue[T any](capacity int, discard func(T)) *Queue[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if discard == nil {
		discard = func(T) {}
	}
	return &Queue[T]{
		ch:      make(chan T, capacity),
		discard: discard,
	}
}

// TryPublish offers a payload to the consumer without blocking. It
// returns true when the payload was enqueued. On false the payload has
// already been discarded; the caller must not use it again either way.
func (q *Queue[T]) TryPublish(v T) bool {
	q.closeLock.Lock()
	if q.closed.Load() {
		q.closeLock.Unlock()
		q.discard(v)
		q.dropped.Add(1)
		return false
	}

	select {
	case q.ch <- v:
		q.closeLock.Unlock()
		q.published.Add(1)
		return true
	default:
		q.closeLock.Unlock()
		q.discard(v)
		q.dropped.Add(1)
		return false
	}
}

// Events returns the receive side. The channel closes after Close has
// drained undelivered payloads.
func (q *Queue[T]) Events() <-chan T {
	return q.ch
}

// Close stops the queue and discards everything still buffered.
// Payloads already received by the consumer are unaffected. Close is
// idempotent.
func (q *Queue[T]) Close() {
	q.closeLock.Lock()
	if q.closed.Swap(true) {
		q.closeLock.Unlock()
		return
	}
	close(q.ch)
	q.closeLock.Unlock()

	for v := range q.ch {
		q.discard(v)
		q.dropped.Add(1)
	}
}

// Published returns how many payloads were enqueued successfully.
func (q *Queue[T]) Published() uint64 {
	return q.published.Load()
}

// Dropped returns how many payloads were discarded: saturation drops,
// publishes after close, and close-time drains.
func (q *Queue[T]) Dropped() uint64 {
	return q.dropped.Load()
}

// Len returns the number of payloads currently buffered.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}
