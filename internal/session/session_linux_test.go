//go:build linux

package session

import (
	"os"
	"testing"

	"github.com/godbus/dbus/v5"
)

func saverSignal(active bool) *dbus.Signal {
	return &dbus.Signal{
		Path: screenSaverPath,
		Name: screenSaverService + "." + activeChanged,
		Body: []interface{}{active},
	}
}

func gnomeSaverSignal(active bool) *dbus.Signal {
	return &dbus.Signal{
		Name: gnomeSaverService + "." + activeChanged,
		Body: []interface{}{active},
	}
}

func sleepSignal(start bool) *dbus.Signal {
	return &dbus.Signal{
		Path: login1Path,
		Name: loginManagerIface + "." + prepareForSleep,
		Body: []interface{}{start},
	}
}

func nextEvent(t *testing.T, w *Watcher) Event {
	t.Helper()
	select {
	case ev := <-w.Events():
		return ev
	default:
		t.Fatal("expected a session event")
		return Event{}
	}
}

func expectNoEvent(t *testing.T, w *Watcher) {
	t.Helper()
	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event: %v", ev.Kind)
	default:
	}
}

func TestLockSignal(t *testing.T) {
	w := New()
	defer w.Stop()

	w.handleSignal(saverSignal(true))

	if !w.Locked() {
		t.Error("expected locked after ActiveChanged(true)")
	}
	if w.Active() {
		t.Error("locked session should not be active")
	}
	if ev := nextEvent(t, w); ev.Kind != Locked {
		t.Errorf("event kind = %v, want %v", ev.Kind, Locked)
	}
}

func TestUnlockSignal(t *testing.T) {
	w := New()
	defer w.Stop()

	w.handleSignal(saverSignal(true))
	nextEvent(t, w)

	w.handleSignal(saverSignal(false))

	if w.Locked() {
		t.Error("expected unlocked after ActiveChanged(false)")
	}
	if !w.Active() {
		t.Error("unlocked session should be active")
	}
	if ev := nextEvent(t, w); ev.Kind != Unlocked {
		t.Errorf("event kind = %v, want %v", ev.Kind, Unlocked)
	}
}

func TestGnomeScreenSaverSignal(t *testing.T) {
	w := New()
	defer w.Stop()

	w.handleSignal(gnomeSaverSignal(true))

	if !w.Locked() {
		t.Error("expected locked after GNOME ActiveChanged(true)")
	}
	if ev := nextEvent(t, w); ev.Kind != Locked {
		t.Errorf("event kind = %v, want %v", ev.Kind, Locked)
	}
}

func TestSleepSignal(t *testing.T) {
	w := New()
	defer w.Stop()

	w.handleSignal(sleepSignal(true))

	if !w.Sleeping() {
		t.Error("expected sleeping after PrepareForSleep(true)")
	}
	if w.Active() {
		t.Error("sleeping session should not be active")
	}
	if ev := nextEvent(t, w); ev.Kind != Sleeping {
		t.Errorf("event kind = %v, want %v", ev.Kind, Sleeping)
	}

	w.handleSignal(sleepSignal(false))

	if w.Sleeping() {
		t.Error("expected awake after PrepareForSleep(false)")
	}
	if !w.Active() {
		t.Error("resumed session should be active")
	}
	if ev := nextEvent(t, w); ev.Kind != Resumed {
		t.Errorf("event kind = %v, want %v", ev.Kind, Resumed)
	}
}

func TestLockSleepOverlap(t *testing.T) {
	w := New()
	defer w.Stop()

	w.handleSignal(saverSignal(true))
	w.handleSignal(sleepSignal(true))

	if w.Active() {
		t.Error("locked and sleeping session should not be active")
	}

	// Unlock while still between sleep and resume: not active yet.
	w.handleSignal(saverSignal(false))
	if w.Active() {
		t.Error("session should stay inactive until resume")
	}

	w.handleSignal(sleepSignal(false))
	if !w.Active() {
		t.Error("session should be active after unlock and resume")
	}
}

func TestDuplicateSignalsCoalesce(t *testing.T) {
	w := New()
	defer w.Stop()

	w.handleSignal(saverSignal(true))
	nextEvent(t, w)

	w.handleSignal(saverSignal(true))
	expectNoEvent(t, w)

	w.handleSignal(sleepSignal(false))
	expectNoEvent(t, w)
}

func TestMalformedSignalsIgnored(t *testing.T) {
	w := New()
	defer w.Stop()

	signals := []*dbus.Signal{
		nil,
		{Name: screenSaverService + "." + activeChanged},
		{Name: screenSaverService + "." + activeChanged, Body: []interface{}{"yes"}},
		{Name: screenSaverService + "." + activeChanged, Body: []interface{}{uint32(1)}},
		{Name: "org.example.Other.ActiveChanged", Body: []interface{}{true}},
	}

	for _, sig := range signals {
		w.handleSignal(sig)
	}

	if !w.Active() {
		t.Error("malformed signals should not change session state")
	}
	expectNoEvent(t, w)
}

func TestEventBufferOverflowDropsNotState(t *testing.T) {
	w := New()
	defer w.Stop()

	// Far more transitions than the channel holds.
	for i := 0; i < eventBuffer*4; i++ {
		w.handleSignal(saverSignal(i%2 == 0))
	}

	drained := 0
	for {
		select {
		case <-w.Events():
			drained++
			continue
		default:
		}
		break
	}

	if drained != eventBuffer {
		t.Errorf("drained %d events, want %d", drained, eventBuffer)
	}

	// State tracked every transition even though events were dropped.
	lastLocked := (eventBuffer*4 - 1) % 2 == 0
	if w.Locked() != lastLocked {
		t.Errorf("Locked() = %v, want %v", w.Locked(), lastLocked)
	}
}

func TestStartAgainstLiveBus(t *testing.T) {
	if os.Getenv("DBUS_SESSION_BUS_ADDRESS") == "" {
		t.Skip("no session bus available")
	}

	w := New()
	if err := w.Start(); err != nil {
		t.Skipf("bus present but unusable: %v", err)
	}

	// Second Start is a no-op.
	if err := w.Start(); err != nil {
		t.Errorf("second Start failed: %v", err)
	}

	if err := w.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}

// =============================================================================
// Benchmarks
// =============================================================================

func BenchmarkHandleSignal(b *testing.B) {
	w := New()
	defer w.Stop()

	for i := 0; i < b.N; i++ {
		w.handleSignal(saverSignal(i%2 == 0))
	}
}
