// Package syncutil provides the synchronization primitives used by the
// sensing pipeline: a spinlock with exponential backoff, a sequence
// lock for single-writer snapshots, and a double buffer for read-mostly
// values.
//
// Lock hold times in this codebase are sub-microsecond (copying a
// handful of fields), which is the regime where a blocking mutex pays
// more in syscall overhead than the critical section costs. Hold any of
// these across an OS call and the pipeline stalls; don't.
//
// Memory ordering: everything here builds on sync/atomic, which Go
// defines as sequentially consistent on every supported architecture.
// There is deliberately no per-platform ordering knob.
package syncutil

import (
	"runtime"
	"sync/atomic"
)

// Backoff bounds for SpinLock, in spin iterations per failed attempt.
const (
	backoffInit = 4
	backoffMax  = 256
)

// SpinLock is a test-and-set lock with exponential backoff between
// acquisition attempts.
//
// The zero value is unlocked. A SpinLock must not be copied after
// first use.
type SpinLock struct {
	state atomic.Uint32
}

// spinSink keeps the backoff loop from being folded away. The atomic
// add stands in for the CPU pause hint, which Go does not expose.
var spinSink atomic.Uint32

// Lock acquires the lock. Each failed attempt busy-waits for an
// exponentially growing iteration count (4 doubling to 256); once the
// backoff is saturated the goroutine yields instead of burning further
// cycles.
func (l *SpinLock) Lock() {
	backoff := backoffInit
	for !l.state.CompareAndSwap(0, 1) {
		for i := 0; i < backoff; i++ {
			spinSink.Add(0)
		}
		if backoff < backoffMax {
			backoff <<= 1
		} else {
			runtime.Gosched()
		}
	}
}

// TryLock attempts to acquire the lock with a single compare-and-swap.
func (l *SpinLock) TryLock() bool {
	return l.state.CompareAndSwap(0, 1)
}

// Unlock releases the lock.
func (l *SpinLock) Unlock() {
	l.state.Store(0)
}
