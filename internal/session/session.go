// Package session reports desktop session lock and sleep transitions.
//
// A global pointer hook keeps sensing whatever the compositor shows,
// including the lock screen. The engine subscribes to a Watcher and
// pauses the sensor while the session is locked or the machine is
// preparing to sleep, then resumes it when the user is back.
package session

import "time"

// EventKind classifies a session transition.
type EventKind int

const (
	// Locked means the screen saver or lock screen engaged.
	Locked EventKind = iota

	// Unlocked means the lock screen released.
	Unlocked

	// Sleeping means the machine is about to suspend.
	Sleeping

	// Resumed means the machine woke from suspend.
	Resumed
)

// String returns the kind name used in logs and status output.
func (k EventKind) String() string {
	switch k {
	case Locked:
		return "locked"
	case Unlocked:
		return "unlocked"
	case Sleeping:
		return "sleeping"
	case Resumed:
		return "resumed"
	default:
		return "unknown"
	}
}

// Event is a single session transition.
type Event struct {
	Kind EventKind `json:"kind"`
	At   time.Time `json:"at"`
}

// eventBuffer sizes the watcher's event channel. Transitions are rare;
// the buffer only has to cover a slow subscriber during a lock+sleep
// burst. State stays queryable, so a dropped event is recoverable.
const eventBuffer = 8
