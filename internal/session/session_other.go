//go:build !linux

package session

import "sync"

// Watcher is a no-op on platforms without a session bus. Lock and
// sleep transitions are invisible here, so the session always reads
// as active and the sensor keeps running.
type Watcher struct {
	events   chan Event
	stopOnce sync.Once
}

// New creates a watcher that never reports a transition.
func New() *Watcher {
	return &Watcher{events: make(chan Event)}
}

// Start is a no-op.
func (w *Watcher) Start() error {
	return nil
}

// Events returns a channel that never delivers. It is closed by Stop.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Locked always reports false.
func (w *Watcher) Locked() bool {
	return false
}

// Sleeping always reports false.
func (w *Watcher) Sleeping() bool {
	return false
}

// Active always reports true.
func (w *Watcher) Active() bool {
	return true
}

// Stop closes the event channel. It is safe to call more than once.
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() { close(w.events) })
	return nil
}
