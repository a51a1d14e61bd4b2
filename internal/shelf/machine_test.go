package shelf

import (
	"io"
	"log/slog"
	"math/rand"
	"testing"
)

func newTestMachine() *Machine {
	return NewMachine(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

type step struct {
	event Event
	data  any
}

// drive sends a sequence of events, failing the test on any rejection.
func drive(t *testing.T, m *Machine, steps ...step) {
	t.Helper()
	for _, s := range steps {
		if !m.Send(s.event, s.data) {
			t.Fatalf("event %s rejected in state %s", s.event, m.State())
		}
	}
}

// TestInitialState verifies a fresh machine starts idle with a
// zeroed context.
func TestInitialState(t *testing.T) {
	m := newTestMachine()
	if got := m.State(); got != Idle {
		t.Errorf("expected idle, got %s", got)
	}
	if got := m.Context(); got != (Context{}) {
		t.Errorf("expected zero context, got %+v", got)
	}
}

// TestShelfLifecycle verifies the full populated-shelf path from
// drag to cleanup.
func TestShelfLifecycle(t *testing.T) {
	m := newTestMachine()

	drive(t, m, step{EventStartDrag, nil})
	if m.State() != DragStarted || !m.Context().IsDragging {
		t.Fatalf("expected dragging in drag_started, got %s %+v", m.State(), m.Context())
	}

	drive(t, m, step{EventShakeDetected, nil})
	if m.State() != ShelfCreating {
		t.Fatalf("expected shelf_creating, got %s", m.State())
	}

	drive(t, m, step{EventShelfCreated, "shelf-1"})
	if m.State() != ShelfActive {
		t.Fatalf("expected shelf_active, got %s", m.State())
	}
	if got := m.Context().ActiveShelfID; got != "shelf-1" {
		t.Errorf("expected shelf id shelf-1, got %q", got)
	}

	drive(t, m, step{EventItemsAdded, nil})
	if !m.Context().HasItems {
		t.Error("expected has_items after items_added")
	}

	drive(t, m, step{EventEndDrag, nil})
	if m.State() != ShelfActive {
		t.Errorf("expected populated shelf to stay active, got %s", m.State())
	}
	if m.Context().IsDragging {
		t.Error("expected dragging cleared after end_drag")
	}

	drive(t, m, step{EventShelfClosed, nil})
	if m.State() != CleanupInProgress {
		t.Fatalf("expected cleanup_in_progress, got %s", m.State())
	}

	drive(t, m, step{EventCleanupComplete, nil})
	if m.State() != Idle {
		t.Errorf("expected idle after cleanup, got %s", m.State())
	}
	if got := m.Context(); got != (Context{}) {
		t.Errorf("expected zero context after cleanup, got %+v", got)
	}
}

// TestAutoHidePath verifies an empty shelf gets the hide grace
// window and tears down when it expires.
func TestAutoHidePath(t *testing.T) {
	m := newTestMachine()
	drive(t, m,
		step{EventStartDrag, nil},
		step{EventShakeDetected, nil},
		step{EventShelfCreated, "shelf-1"},
		step{EventEndDrag, nil},
	)

	if m.State() != ShelfAutoHideScheduled {
		t.Fatalf("expected auto-hide scheduled for empty shelf, got %s", m.State())
	}
	ctx := m.Context()
	if !ctx.AutoHideScheduled || ctx.IsDragging {
		t.Errorf("expected scheduled and not dragging, got %+v", ctx)
	}

	drive(t, m, step{EventAutoHideTriggered, nil})
	if m.State() != CleanupInProgress {
		t.Fatalf("expected cleanup after auto-hide, got %s", m.State())
	}

	drive(t, m, step{EventCleanupComplete, nil})
	if m.State() != Idle {
		t.Errorf("expected idle, got %s", m.State())
	}
}

// TestEndDragGuards verifies the end_drag guard split in
// shelf_active: only an empty shelf with no pending drop schedules
// the hide.
func TestEndDragGuards(t *testing.T) {
	tests := []struct {
		name      string
		withItems bool
		expect    State
	}{
		{"empty shelf schedules hide", false, ShelfAutoHideScheduled},
		{"populated shelf stays active", true, ShelfActive},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			m := newTestMachine()
			drive(t, m,
				step{EventStartDrag, nil},
				step{EventShakeDetected, nil},
				step{EventShelfCreated, "shelf-1"},
			)
			if test.withItems {
				drive(t, m, step{EventItemsAdded, nil})
			}

			if !m.Send(EventEndDrag, nil) {
				t.Fatal("end_drag must always be accepted in shelf_active")
			}
			if got := m.State(); got != test.expect {
				t.Errorf("expected %s, got %s", test.expect, got)
			}
		})
	}
}

// TestMidDropShelfProtected verifies a shelf receiving a drop can
// neither be closed nor auto-hidden.
func TestMidDropShelfProtected(t *testing.T) {
	m := newTestMachine()
	drive(t, m,
		step{EventStartDrag, nil},
		step{EventShakeDetected, nil},
		step{EventShelfCreated, "shelf-1"},
		step{EventDropStarted, nil},
	)

	if m.State() != ShelfReceivingDrop || !m.Context().DropInProgress {
		t.Fatalf("expected receiving drop, got %s %+v", m.State(), m.Context())
	}

	if m.Send(EventShelfClosed, nil) {
		t.Error("mid-drop shelf must not be closable")
	}
	if m.Send(EventAutoHideTriggered, nil) {
		t.Error("mid-drop shelf must not auto-hide")
	}
	if m.State() != ShelfReceivingDrop {
		t.Fatalf("state moved to %s", m.State())
	}

	drive(t, m, step{EventItemsAdded, nil}, step{EventDropEnded, nil})
	if m.State() != ShelfActive {
		t.Fatalf("expected shelf_active after drop, got %s", m.State())
	}
	ctx := m.Context()
	if ctx.DropInProgress || !ctx.HasItems {
		t.Errorf("expected drop cleared and items kept, got %+v", ctx)
	}
}

// TestRedragPreservesShelfID verifies dragging again over an active
// shelf keeps its id, and a second shake replaces it.
func TestRedragPreservesShelfID(t *testing.T) {
	m := newTestMachine()
	drive(t, m,
		step{EventStartDrag, nil},
		step{EventShakeDetected, nil},
		step{EventShelfCreated, "shelf-1"},
		step{EventStartDrag, nil},
	)

	if m.State() != DragStarted {
		t.Fatalf("expected drag_started on re-drag, got %s", m.State())
	}
	if got := m.Context().ActiveShelfID; got != "shelf-1" {
		t.Errorf("expected shelf id preserved, got %q", got)
	}

	// Ending the re-drag returns to the existing shelf.
	drive(t, m, step{EventEndDrag, nil})
	if m.State() != ShelfActive {
		t.Fatalf("expected return to shelf_active, got %s", m.State())
	}

	// A second shake during another re-drag creates a new shelf.
	drive(t, m,
		step{EventStartDrag, nil},
		step{EventShakeDetected, nil},
		step{EventShelfCreated, "shelf-2"},
	)
	if got := m.Context().ActiveShelfID; got != "shelf-2" {
		t.Errorf("expected shelf id replaced, got %q", got)
	}
}

// TestRedragCancelsAutoHide verifies a new drag during the hide
// grace window cancels the scheduled hide.
func TestRedragCancelsAutoHide(t *testing.T) {
	m := newTestMachine()
	drive(t, m,
		step{EventStartDrag, nil},
		step{EventShakeDetected, nil},
		step{EventShelfCreated, "shelf-1"},
		step{EventEndDrag, nil},
		step{EventStartDrag, nil},
	)

	if m.State() != DragStarted {
		t.Fatalf("expected drag_started, got %s", m.State())
	}
	if m.Context().AutoHideScheduled {
		t.Error("expected scheduled hide cancelled by re-drag")
	}
	if m.Send(EventAutoHideTriggered, nil) {
		t.Error("stale auto_hide_triggered must be rejected after re-drag")
	}
}

// TestGraceWindowRevival verifies items or a drop landing during the
// grace window bring the shelf back.
func TestGraceWindowRevival(t *testing.T) {
	schedule := func(t *testing.T) *Machine {
		t.Helper()
		m := newTestMachine()
		drive(t, m,
			step{EventStartDrag, nil},
			step{EventShakeDetected, nil},
			step{EventShelfCreated, "shelf-1"},
			step{EventEndDrag, nil},
		)
		return m
	}

	t.Run("items_added", func(t *testing.T) {
		m := schedule(t)
		drive(t, m, step{EventItemsAdded, nil})
		if m.State() != ShelfActive {
			t.Fatalf("expected shelf_active, got %s", m.State())
		}
		ctx := m.Context()
		if !ctx.HasItems || ctx.AutoHideScheduled {
			t.Errorf("expected items kept and hide cancelled, got %+v", ctx)
		}
	})

	t.Run("drop_started", func(t *testing.T) {
		m := schedule(t)
		drive(t, m, step{EventDropStarted, nil})
		if m.State() != ShelfReceivingDrop {
			t.Fatalf("expected receiving drop, got %s", m.State())
		}
		if m.Context().AutoHideScheduled {
			t.Error("expected hide cancelled by drop")
		}
	})

	t.Run("shelf_closed", func(t *testing.T) {
		m := schedule(t)
		drive(t, m, step{EventShelfClosed, nil})
		if m.State() != CleanupInProgress {
			t.Fatalf("expected cleanup, got %s", m.State())
		}
	})
}

// TestCreationFailure verifies shelf_closed during creation unwinds
// to wherever the drag is.
func TestCreationFailure(t *testing.T) {
	t.Run("still dragging", func(t *testing.T) {
		m := newTestMachine()
		drive(t, m,
			step{EventStartDrag, nil},
			step{EventShakeDetected, nil},
			step{EventShelfClosed, nil},
		)
		if m.State() != DragStarted {
			t.Fatalf("expected drag_started, got %s", m.State())
		}
		if got := m.Context().ActiveShelfID; got != "" {
			t.Errorf("expected shelf id cleared, got %q", got)
		}
	})

	t.Run("drag already over", func(t *testing.T) {
		m := newTestMachine()
		drive(t, m,
			step{EventStartDrag, nil},
			step{EventShakeDetected, nil},
			step{EventEndDrag, nil},
		)
		if m.State() != ShelfCreating {
			t.Fatalf("expected creation to survive end_drag, got %s", m.State())
		}
		drive(t, m, step{EventShelfClosed, nil})
		if m.State() != Idle {
			t.Fatalf("expected idle, got %s", m.State())
		}
	})
}

// TestRejectedEventIsNoOp verifies mismatched (state, event) pairs
// return false and leave state and context untouched.
func TestRejectedEventIsNoOp(t *testing.T) {
	tests := []struct {
		name  string
		setup []step
		event Event
	}{
		{"end_drag in idle", nil, EventEndDrag},
		{"shelf_created in idle", nil, EventShelfCreated},
		{"cleanup_complete in idle", nil, EventCleanupComplete},
		{"items_added in drag_started", []step{{EventStartDrag, nil}}, EventItemsAdded},
		{"start_drag while dragging", []step{{EventStartDrag, nil}}, EventStartDrag},
		{"shake in shelf_creating", []step{{EventStartDrag, nil}, {EventShakeDetected, nil}}, EventShakeDetected},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			m := newTestMachine()
			drive(t, m, test.setup...)

			stateBefore := m.State()
			ctxBefore := m.Context()
			rejectedBefore := m.Rejected()

			if m.Send(test.event, nil) {
				t.Fatalf("expected %s rejected in %s", test.event, stateBefore)
			}
			if m.State() != stateBefore {
				t.Errorf("state changed: %s -> %s", stateBefore, m.State())
			}
			if m.Context() != ctxBefore {
				t.Errorf("context changed: %+v -> %+v", ctxBefore, m.Context())
			}
			if m.Rejected() != rejectedBefore+1 {
				t.Errorf("expected rejected counter %d, got %d", rejectedBefore+1, m.Rejected())
			}
		})
	}
}

// TestRandomWalkStaysInNamedStates verifies the machine never leaves
// the seven named states under arbitrary event sequences.
func TestRandomWalkStaysInNamedStates(t *testing.T) {
	m := newTestMachine()
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 2000; i++ {
		event := Event(rng.Intn(int(EventCleanupComplete)) + 1)
		var data any
		if event == EventShelfCreated {
			data = "shelf-x"
		}
		m.Send(event, data)

		if s := m.State(); s < Idle || s > CleanupInProgress {
			t.Fatalf("step %d: machine left the named states: %d", i, s)
		}
		if m.State().String() == "unknown" {
			t.Fatalf("step %d: unnamed state", i)
		}
	}
}

// TestResetReplay verifies reset followed by a replay reproduces a
// fresh machine's terminal state and context.
func TestResetReplay(t *testing.T) {
	replay := []step{
		{EventStartDrag, nil},
		{EventShakeDetected, nil},
		{EventShelfCreated, "shelf-1"},
		{EventItemsAdded, nil},
		{EventEndDrag, nil},
	}

	fresh := newTestMachine()
	drive(t, fresh, replay...)

	used := newTestMachine()
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		event := Event(rng.Intn(int(EventCleanupComplete)) + 1)
		var data any
		if event == EventShelfCreated {
			data = "junk"
		}
		used.Send(event, data)
	}
	used.Reset()
	if used.State() != Idle || used.Context() != (Context{}) {
		t.Fatalf("reset did not zero the machine: %s %+v", used.State(), used.Context())
	}
	drive(t, used, replay...)

	if fresh.State() != used.State() {
		t.Errorf("terminal states differ: %s vs %s", fresh.State(), used.State())
	}
	if fresh.Context() != used.Context() {
		t.Errorf("terminal contexts differ: %+v vs %+v", fresh.Context(), used.Context())
	}
}

// TestCanHandle verifies lookup-without-dispatch, including guard
// evaluation.
func TestCanHandle(t *testing.T) {
	m := newTestMachine()

	if !m.CanHandle(EventStartDrag) {
		t.Error("idle must handle start_drag")
	}
	if m.CanHandle(EventEndDrag) {
		t.Error("idle must not handle end_drag")
	}

	ctxBefore := m.Context()
	stateBefore := m.State()
	m.CanHandle(EventStartDrag)
	if m.State() != stateBefore || m.Context() != ctxBefore {
		t.Error("CanHandle must not mutate the machine")
	}

	drive(t, m, step{EventStartDrag, nil})
	if !m.CanHandle(EventShakeDetected) {
		t.Error("drag_started must handle shake_detected")
	}
	if m.CanHandle(EventCleanupComplete) {
		t.Error("drag_started must not handle cleanup_complete")
	}
}

// TestOnTransition verifies observers see each completed transition
// with the post-action context.
func TestOnTransition(t *testing.T) {
	m := newTestMachine()

	var changes []Change
	m.OnTransition(func(c Change) { changes = append(changes, c) })

	drive(t, m,
		step{EventStartDrag, nil},
		step{EventShakeDetected, nil},
		step{EventShelfCreated, "shelf-1"},
	)
	m.Send(EventEndDrag, nil) // accepted
	m.Send(EventStartDrag, nil)

	if len(changes) != 5 {
		t.Fatalf("expected 5 changes, got %d", len(changes))
	}
	first := changes[0]
	if first.From != Idle || first.To != DragStarted || first.Event != EventStartDrag {
		t.Errorf("unexpected first change: %+v", first)
	}
	if !first.Context.IsDragging {
		t.Error("expected post-action context in change")
	}
	third := changes[2]
	if third.Context.ActiveShelfID != "shelf-1" {
		t.Errorf("expected shelf id in change context, got %q", third.Context.ActiveShelfID)
	}
}

// TestParseEvent verifies event name round trips and the unknown
// case.
func TestParseEvent(t *testing.T) {
	for e := EventStartDrag; e <= EventCleanupComplete; e++ {
		parsed, err := ParseEvent(e.String())
		if err != nil {
			t.Fatalf("ParseEvent(%q) failed: %v", e.String(), err)
		}
		if parsed != e {
			t.Errorf("expected %d, got %d", e, parsed)
		}
	}

	if _, err := ParseEvent("defenestrate"); err == nil {
		t.Error("expected error for unknown event")
	}
}

// TestStateJSON verifies states and events marshal as their names.
func TestStateJSON(t *testing.T) {
	data, err := ShelfAutoHideScheduled.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON failed: %v", err)
	}
	if string(data) != `"shelf_auto_hide_scheduled"` {
		t.Errorf("unexpected marshal: %s", data)
	}

	data, err = EventShakeDetected.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON failed: %v", err)
	}
	if string(data) != `"shake_detected"` {
		t.Errorf("unexpected marshal: %s", data)
	}
}
