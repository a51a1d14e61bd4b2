// Package shelf implements the drag/shelf state machine that turns
// gesture signals into authoritative shelf state.
//
// The machine performs no internal locking: all dispatch must happen
// on a single goroutine (the engine's pump). This is an explicit
// precondition, not something the machine enforces. Rejected events
// are logged no-ops, never fatal.
package shelf

import (
	"fmt"
	"log/slog"
)

// State is a machine state.
type State int

const (
	// Idle means no drag and no shelf.
	Idle State = iota

	// DragStarted means a file drag is in flight.
	DragStarted

	// ShelfCreating means a shake was recognized and the UI layer is
	// creating the shelf window.
	ShelfCreating

	// ShelfActive means a shelf window is up.
	ShelfActive

	// ShelfReceivingDrop means items are being dropped onto the
	// shelf. A mid-drop shelf is never hidden or closed.
	ShelfReceivingDrop

	// ShelfAutoHideScheduled means the shelf is empty and the hide
	// grace window is running.
	ShelfAutoHideScheduled

	// CleanupInProgress means the shelf window is being torn down.
	CleanupInProgress
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case DragStarted:
		return "drag_started"
	case ShelfCreating:
		return "shelf_creating"
	case ShelfActive:
		return "shelf_active"
	case ShelfReceivingDrop:
		return "shelf_receiving_drop"
	case ShelfAutoHideScheduled:
		return "shelf_auto_hide_scheduled"
	case CleanupInProgress:
		return "cleanup_in_progress"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the state as its string form.
func (s State) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Event is a machine input.
type Event int

const (
	// EventStartDrag reports a recognized drag.
	EventStartDrag Event = iota + 1

	// EventEndDrag reports the drag's button release.
	EventEndDrag

	// EventShakeDetected reports a shake during a drag.
	EventShakeDetected

	// EventShelfCreated reports that the UI layer finished creating
	// the shelf window. Data carries the shelf id.
	EventShelfCreated

	// EventItemsAdded reports items landing on the shelf.
	EventItemsAdded

	// EventDropStarted reports a drop onto the shelf beginning.
	EventDropStarted

	// EventDropEnded reports the drop finishing.
	EventDropEnded

	// EventAutoHideTriggered reports the hide grace window expiring.
	EventAutoHideTriggered

	// EventShelfClosed reports the user dismissing the shelf, or the
	// UI layer failing to create it.
	EventShelfClosed

	// EventCleanupComplete reports the teardown finishing.
	EventCleanupComplete
)

// String returns a human-readable name for the event.
func (e Event) String() string {
	switch e {
	case EventStartDrag:
		return "start_drag"
	case EventEndDrag:
		return "end_drag"
	case EventShakeDetected:
		return "shake_detected"
	case EventShelfCreated:
		return "shelf_created"
	case EventItemsAdded:
		return "items_added"
	case EventDropStarted:
		return "drop_started"
	case EventDropEnded:
		return "drop_ended"
	case EventAutoHideTriggered:
		return "auto_hide_triggered"
	case EventShelfClosed:
		return "shelf_closed"
	case EventCleanupComplete:
		return "cleanup_complete"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the event as its string form.
func (e Event) MarshalJSON() ([]byte, error) {
	return []byte(`"` + e.String() + `"`), nil
}

// ParseEvent parses an event name.
func ParseEvent(s string) (Event, error) {
	for e := EventStartDrag; e <= EventCleanupComplete; e++ {
		if e.String() == s {
			return e, nil
		}
	}
	return 0, fmt.Errorf("shelf: unknown event %q", s)
}

// Context is the machine's mutable state beyond the state name.
// Mutated only by transition actions.
type Context struct {
	IsDragging        bool   `json:"is_dragging"`
	ActiveShelfID     string `json:"active_shelf_id"`
	HasItems          bool   `json:"has_items"`
	DropInProgress    bool   `json:"drop_in_progress"`
	AutoHideScheduled bool   `json:"auto_hide_scheduled"`
}

// Change describes one completed transition.
type Change struct {
	From    State   `json:"from"`
	To      State   `json:"to"`
	Event   Event   `json:"event"`
	Context Context `json:"context"`
}

// transition is one row of the table. A nil guard always passes;
// guards within one (state, event) group are mutually exclusive so
// at most one row can fire.
type transition struct {
	event  Event
	to     State
	guard  func(Context) bool
	action func(*Context, any)
}

// Machine is the drag/shelf state machine. Create with NewMachine.
type Machine struct {
	state     State
	context   Context
	table     map[State][]transition
	observers []func(Change)
	logger    *slog.Logger
	rejected  uint64
}

// NewMachine creates a machine in Idle with a zeroed context. A nil
// logger falls back to slog.Default.
func NewMachine(logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		table:  buildTable(),
		logger: logger.With("component", "machine"),
	}
}

// buildTable constructs the transition table, grouped by source
// state for O(1) dispatch.
func buildTable() map[State][]transition {
	return map[State][]transition{
		Idle: {
			{event: EventStartDrag, to: DragStarted, action: func(c *Context, _ any) {
				c.IsDragging = true
			}},
		},

		DragStarted: {
			{event: EventShakeDetected, to: ShelfCreating},

			// A drag over an existing shelf returns to it; a plain
			// drag returns to idle.
			{event: EventEndDrag, to: ShelfActive,
				guard: func(c Context) bool { return c.ActiveShelfID != "" },
				action: func(c *Context, _ any) {
					c.IsDragging = false
				}},
			{event: EventEndDrag, to: Idle,
				guard: func(c Context) bool { return c.ActiveShelfID == "" },
				action: func(c *Context, _ any) {
					c.IsDragging = false
				}},
		},

		ShelfCreating: {
			{event: EventShelfCreated, to: ShelfActive, action: func(c *Context, data any) {
				if id, ok := data.(string); ok {
					c.ActiveShelfID = id
				}
				c.AutoHideScheduled = false
			}},

			// Releasing the button mid-creation does not cancel the
			// shelf; it arrives with the drag already over.
			{event: EventEndDrag, to: ShelfCreating, action: func(c *Context, _ any) {
				c.IsDragging = false
			}},

			// Creation failure unwinds to wherever the drag is.
			{event: EventShelfClosed, to: DragStarted,
				guard: func(c Context) bool { return c.IsDragging },
				action: func(c *Context, _ any) {
					c.ActiveShelfID = ""
				}},
			{event: EventShelfClosed, to: Idle,
				guard: func(c Context) bool { return !c.IsDragging },
				action: func(c *Context, _ any) {
					c.ActiveShelfID = ""
				}},
		},

		ShelfActive: {
			// Re-drag keeps the shelf id so several shelves can
			// coexist; the registry bound lives in the engine.
			{event: EventStartDrag, to: DragStarted, action: func(c *Context, _ any) {
				c.IsDragging = true
			}},

			{event: EventItemsAdded, to: ShelfActive, action: func(c *Context, _ any) {
				c.HasItems = true
			}},

			{event: EventDropStarted, to: ShelfReceivingDrop, action: func(c *Context, _ any) {
				c.DropInProgress = true
			}},

			// An empty shelf with no pending drop gets the hide
			// grace window; otherwise the drag just ends.
			{event: EventEndDrag, to: ShelfAutoHideScheduled,
				guard: func(c Context) bool { return !c.HasItems && !c.DropInProgress },
				action: func(c *Context, _ any) {
					c.IsDragging = false
					c.AutoHideScheduled = true
				}},
			{event: EventEndDrag, to: ShelfActive,
				guard: func(c Context) bool { return c.HasItems || c.DropInProgress },
				action: func(c *Context, _ any) {
					c.IsDragging = false
				}},

			{event: EventShelfClosed, to: CleanupInProgress},
		},

		ShelfReceivingDrop: {
			{event: EventItemsAdded, to: ShelfReceivingDrop, action: func(c *Context, _ any) {
				c.HasItems = true
			}},

			{event: EventDropEnded, to: ShelfActive, action: func(c *Context, _ any) {
				c.DropInProgress = false
			}},

			{event: EventEndDrag, to: ShelfReceivingDrop, action: func(c *Context, _ any) {
				c.IsDragging = false
			}},
		},

		ShelfAutoHideScheduled: {
			{event: EventAutoHideTriggered, to: CleanupInProgress, action: func(c *Context, _ any) {
				c.AutoHideScheduled = false
			}},

			// Any renewed interest cancels the scheduled hide.
			{event: EventStartDrag, to: DragStarted, action: func(c *Context, _ any) {
				c.IsDragging = true
				c.AutoHideScheduled = false
			}},
			{event: EventItemsAdded, to: ShelfActive, action: func(c *Context, _ any) {
				c.HasItems = true
				c.AutoHideScheduled = false
			}},
			{event: EventDropStarted, to: ShelfReceivingDrop, action: func(c *Context, _ any) {
				c.DropInProgress = true
				c.AutoHideScheduled = false
			}},

			{event: EventShelfClosed, to: CleanupInProgress, action: func(c *Context, _ any) {
				c.AutoHideScheduled = false
			}},
		},

		CleanupInProgress: {
			{event: EventCleanupComplete, to: Idle, action: func(c *Context, _ any) {
				*c = Context{}
			}},
		},
	}
}

// Send dispatches an event. The first transition for the current
// state whose guard passes fires: its action mutates the context,
// the state advances, and observers are notified. Returns false for
// rejected events, leaving state and context untouched.
func (m *Machine) Send(event Event, data any) bool {
	for _, tr := range m.table[m.state] {
		if tr.event != event {
			continue
		}
		if tr.guard != nil && !tr.guard(m.context) {
			continue
		}

		from := m.state
		if tr.action != nil {
			tr.action(&m.context, data)
		}
		m.state = tr.to

		m.logger.Debug("transition",
			"from", from.String(),
			"to", tr.to.String(),
			"event", event.String(),
		)

		change := Change{From: from, To: tr.to, Event: event, Context: m.context}
		for _, fn := range m.observers {
			fn(change)
		}
		return true
	}

	m.rejected++
	m.logger.Debug("event rejected",
		"state", m.state.String(),
		"event", event.String(),
	)
	return false
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// Context returns a copy of the current context.
func (m *Machine) Context() Context {
	return m.context
}

// CanHandle reports whether the current state has a transition for
// the event whose guard passes, without executing anything.
func (m *Machine) CanHandle(event Event) bool {
	for _, tr := range m.table[m.state] {
		if tr.event == event && (tr.guard == nil || tr.guard(m.context)) {
			return true
		}
	}
	return false
}

// Reset forces the machine back to Idle with a zeroed context. It is
// the recovery path for an inconsistent context; no transition
// notification fires.
func (m *Machine) Reset() {
	from := m.state
	m.state = Idle
	m.context = Context{}
	m.logger.Info("machine reset", "from", from.String())
}

// OnTransition registers an observer called after every completed
// transition, on the dispatching goroutine.
func (m *Machine) OnTransition(fn func(Change)) {
	m.observers = append(m.observers, fn)
}

// Rejected returns how many events were rejected since creation.
func (m *Machine) Rejected() uint64 {
	return m.rejected
}
