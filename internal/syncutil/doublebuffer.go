package syncutil

import (
	"runtime"
	"sync/atomic"
)

// DoubleBuffer holds two copies of a value. Readers snapshot the
// active copy; the writer mutates the inactive copy and flips it
// active, so a reader never sees a half-applied update. A version
// counter forces readers that raced a completed flip to copy again,
// which also closes the classic flip-flip-back hazard of a plain
// two-slot scheme.
//
// Use it where reads vastly outnumber writes and a whole-value swap,
// not an incremental merge, is acceptable.
type DoubleBuffer[T any] struct {
	buffers  [2]T
	active   atomic.Uint32
	updating atomic.Uint32
	version  atomic.Uint64
}

// Read returns a consistent copy of the active value.
func (d *DoubleBuffer[T]) Read() T {
	for {
		v := d.version.Load()
		snapshot := d.buffers[d.active.Load()]
		if d.version.Load() == v {
			return snapshot
		}
	}
}

// Update copies the active value into the inactive slot, applies fn to
// it, and flips it active. Concurrent updaters serialize on the
// updating flag.
func (d *DoubleBuffer[T]) Update(fn func(*T)) {
	for !d.updating.CompareAndSwap(0, 1) {
		runtime.Gosched()
	}
	active := d.active.Load()
	inactive := 1 - active
	d.buffers[inactive] = d.buffers[active]
	fn(&d.buffers[inactive])
	d.active.Store(inactive)
	d.version.Add(1)
	d.updating.Store(0)
}

// Set replaces the value wholesale.
func (d *DoubleBuffer[T]) Set(v T) {
	d.Update(func(dst *T) { *dst = v })
}
