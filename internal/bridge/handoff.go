package bridge

import "sync/atomic"

// Handoff carries one value across an asynchronous boundary with
// single-owner semantics: the value is either taken by exactly one
// consumer or discarded, never both and never neither.
//
// The typical shape is a callback registered with an external system
// (a window layer, an OS completion routine) racing a cancellation
// path. Whichever side resolves the handoff first wins; the loser's
// call is a no-op.
type Handoff[T any] struct {
	value   T
	discard func(T)

	// 0 armed, 1 taken, 2 discarded
	state atomic.Uint32
}

const (
	handoffArmed uint32 = iota
	handoffTaken
	handoffDiscarded
)

// NewHandoff arms a handoff. discard runs if the value is abandoned
// via Discard before anyone takes it; nil means nothing to reclaim.
func NewHandoff[T any](v T, discard func(T)) *Handoff[T] {
	return &Handoff[T]{value: v, discard: discard}
}

// Take claims the value. Only the first call across all goroutines
// succeeds; later calls and calls after Discard return the zero value
// and false.
func (h *Handoff[T]) Take() (T, bool) {
	if h.state.CompareAndSwap(handoffArmed, handoffTaken) {
		return h.value, true
	}
	var zero T
	return zero, false
}

// Discard abandons the value, running the reclamation hook if the
// value was never taken. Safe to call multiple times and concurrently
// with Take.
func (h *Handoff[T]) Discard() {
	if h.state.CompareAndSwap(handoffArmed, handoffDiscarded) {
		if h.discard != nil {
			h.discard(h.value)
		}
	}
}

// Resolved reports whether the handoff has been taken or discarded.
func (h *Handoff[T]) Resolved() bool {
	return h.state.Load() != handoffArmed
}
