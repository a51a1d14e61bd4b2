package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shelfd/internal/config"
	"shelfd/internal/sensor"
	"shelfd/internal/session"
	"shelfd/internal/shelf"
)

// ============================================================
// Helpers
// ============================================================

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Sensor.AutoStart = false
	cfg.Journal.Enabled = false
	cfg.Notify.Enabled = false
	cfg.Health.TickMs = 50
	cfg.Shelf.AutoHideDelayMs = 60
	return cfg
}

// newTestEngine builds a started engine driven by a simulated sensor.
func newTestEngine(t *testing.T, cfg *config.Config) (*Engine, *sensor.SimulatedSensor) {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}

	e, err := New(cfg, discardLogger())
	require.NoError(t, err)

	sim := sensor.NewSimulated()
	e.sensor = sim

	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { e.Stop() })
	return e, sim
}

// waitState reads transitions until one lands in the wanted state.
func waitState(t *testing.T, changes <-chan shelf.Change, want shelf.State) shelf.Change {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case c, ok := <-changes:
			if !ok {
				t.Fatalf("state change channel closed waiting for %s", want)
			}
			if c.To == want {
				return c
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

// beginShakeDrag presses the button and zigzags hard enough to
// classify a drag and a shake, without releasing.
func beginShakeDrag(sim *sensor.SimulatedSensor, base time.Time) {
	sim.SimulateButtonDown(0, 0, base)
	for i := 1; i <= 14; i++ {
		x := 0.0
		if i%2 == 1 {
			x = 40.0
		}
		sim.SimulateMove(x, 0, base.Add(time.Duration(i)*20*time.Millisecond))
	}
}

// itemPayload creates n real files and returns their descriptors.
func itemPayload(t *testing.T, n int) []sensor.FileDescriptor {
	t.Helper()
	dir := t.TempDir()
	files := make([]sensor.FileDescriptor, n)
	for i := range files {
		path := filepath.Join(dir, fmt.Sprintf("item-%d.txt", i))
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
		files[i] = sensor.FileDescriptor{
			Path:   path,
			Name:   filepath.Base(path),
			Exists: true,
		}
	}
	return files
}

// ============================================================
// Lifecycle
// ============================================================

func TestStartStop(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	assert.True(t, e.Running())
	assert.Equal(t, shelf.Idle, e.State())
	assert.False(t, e.Monitoring())

	require.NoError(t, e.Start(context.Background()))

	require.NoError(t, e.Stop())
	assert.False(t, e.Running())
	require.NoError(t, e.Stop())
	assert.Error(t, e.Start(context.Background()))
}

func TestStartSensingLifecycle(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	require.NoError(t, e.StartSensing())
	assert.True(t, e.Monitoring())
	assert.ErrorIs(t, e.StartSensing(), ErrAlreadyMonitoring)

	require.NoError(t, e.StopSensing())
	assert.False(t, e.Monitoring())
	assert.ErrorIs(t, e.StopSensing(), ErrNotMonitoring)
}

func TestStartSensingBeforeStart(t *testing.T) {
	e, err := New(testConfig(), discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { e.items.Close() })

	assert.ErrorIs(t, e.StartSensing(), ErrNotRunning)
}

func TestSubscribersClosedOnStop(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	changes := e.StateChanges(4)

	require.NoError(t, e.Stop())

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-changes:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("state change channel still open after Stop")
		}
	}
}

// ============================================================
// Gesture-driven shelf lifecycle
// ============================================================

func TestShakeCreatesShelf(t *testing.T) {
	e, sim := newTestEngine(t, nil)
	changes := e.StateChanges(32)
	require.NoError(t, e.StartSensing())

	beginShakeDrag(sim, time.Now())

	waitState(t, changes, shelf.DragStarted)
	waitState(t, changes, shelf.ShelfActive)

	mctx := e.Context()
	assert.Equal(t, "shelf-1", mctx.ActiveShelfID)
	assert.True(t, mctx.IsDragging)

	shelves := e.Shelves()
	require.Len(t, shelves, 1)
	assert.Equal(t, "shelf-1", shelves[0].ID)
	assert.Zero(t, shelves[0].ItemCount)
}

func TestEmptyShelfAutoHides(t *testing.T) {
	e, sim := newTestEngine(t, nil)
	changes := e.StateChanges(32)
	require.NoError(t, e.StartSensing())

	base := time.Now()
	beginShakeDrag(sim, base)
	waitState(t, changes, shelf.ShelfActive)

	sim.SimulateButtonUp(40, 0, base.Add(320*time.Millisecond))

	waitState(t, changes, shelf.ShelfAutoHideScheduled)
	waitState(t, changes, shelf.CleanupInProgress)
	waitState(t, changes, shelf.Idle)

	assert.Empty(t, e.Shelves())
	assert.Empty(t, e.Context().ActiveShelfID)
}

func TestItemsKeepShelfAlive(t *testing.T) {
	e, sim := newTestEngine(t, nil)
	changes := e.StateChanges(32)
	require.NoError(t, e.StartSensing())

	sim.SetPayload(itemPayload(t, 2))

	base := time.Now()
	beginShakeDrag(sim, base)
	waitState(t, changes, shelf.ShelfActive)

	accepted, err := e.SendUIEvent(shelf.EventItemsAdded, "")
	require.NoError(t, err)
	assert.True(t, accepted)

	shelves := e.Shelves()
	require.Len(t, shelves, 1)
	assert.Equal(t, 2, shelves[0].ItemCount)
	assert.True(t, e.Context().HasItems)

	// Button-up over a shelf with items must not schedule a hide.
	sim.SimulateButtonUp(40, 0, base.Add(320*time.Millisecond))
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, shelf.ShelfActive, e.State())

	accepted, err = e.SendUIEvent(shelf.EventShelfClosed, "")
	require.NoError(t, err)
	assert.True(t, accepted)

	waitState(t, changes, shelf.Idle)
	assert.Empty(t, e.Shelves())
}

func TestDropLifecycle(t *testing.T) {
	e, sim := newTestEngine(t, nil)
	changes := e.StateChanges(32)
	require.NoError(t, e.StartSensing())

	beginShakeDrag(sim, time.Now())
	waitState(t, changes, shelf.ShelfActive)

	accepted, err := e.SendUIEvent(shelf.EventDropStarted, "")
	require.NoError(t, err)
	assert.True(t, accepted)
	waitState(t, changes, shelf.ShelfReceivingDrop)

	accepted, err = e.SendUIEvent(shelf.EventDropEnded, "")
	require.NoError(t, err)
	assert.True(t, accepted)
	waitState(t, changes, shelf.ShelfActive)
}

func TestSecondShakeIgnoredWhileShelfActive(t *testing.T) {
	e, sim := newTestEngine(t, nil)
	changes := e.StateChanges(32)
	require.NoError(t, e.StartSensing())

	base := time.Now()
	beginShakeDrag(sim, base)
	waitState(t, changes, shelf.ShelfActive)

	// Keep shaking. The machine has no shake transition out of
	// ShelfActive, so no second shelf may appear.
	for i := 15; i <= 28; i++ {
		x := 0.0
		if i%2 == 1 {
			x = 40.0
		}
		sim.SimulateMove(x, 0, base.Add(time.Duration(i)*20*time.Millisecond))
	}
	time.Sleep(100 * time.Millisecond)

	shelves := e.Shelves()
	require.Len(t, shelves, 1)
	assert.Equal(t, "shelf-1", shelves[0].ID)
	assert.Equal(t, "shelf-1", e.Context().ActiveShelfID)
}

func TestReDragStacksSecondShelf(t *testing.T) {
	e, sim := newTestEngine(t, nil)
	changes := e.StateChanges(64)
	require.NoError(t, e.StartSensing())

	sim.SetPayload(itemPayload(t, 1))

	base := time.Now()
	beginShakeDrag(sim, base)
	waitState(t, changes, shelf.ShelfActive)

	accepted, err := e.SendUIEvent(shelf.EventItemsAdded, "")
	require.NoError(t, err)
	require.True(t, accepted)

	sim.SimulateButtonUp(40, 0, base.Add(320*time.Millisecond))

	// A second shake mid re-drag re-targets the machine onto a new
	// shelf; the first stays in the registry with its items.
	beginShakeDrag(sim, base.Add(500*time.Millisecond))
	waitState(t, changes, shelf.ShelfCreating)
	waitState(t, changes, shelf.ShelfActive)

	assert.Equal(t, "shelf-2", e.Context().ActiveShelfID)
	shelves := e.Shelves()
	require.Len(t, shelves, 2)
	assert.Equal(t, "shelf-1", shelves[0].ID)
	assert.Equal(t, 1, shelves[0].ItemCount)
	assert.Equal(t, "shelf-2", shelves[1].ID)

	_, err = e.SendUIEvent(shelf.EventItemsAdded, "shelf-1")
	assert.ErrorIs(t, err, ErrShelfNotActive)

	accepted, err = e.SendUIEvent(shelf.EventShelfClosed, "shelf-1")
	require.NoError(t, err)
	assert.True(t, accepted)

	shelves = e.Shelves()
	require.Len(t, shelves, 1)
	assert.Equal(t, "shelf-2", shelves[0].ID)
	assert.Equal(t, "shelf-2", e.Context().ActiveShelfID)
}

// ============================================================
// UI event injection
// ============================================================

func TestSendUIEventRejectsNonInjectable(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	for _, ev := range []shelf.Event{
		shelf.EventStartDrag,
		shelf.EventEndDrag,
		shelf.EventShakeDetected,
		shelf.EventShelfCreated,
		shelf.EventAutoHideTriggered,
		shelf.EventCleanupComplete,
	} {
		_, err := e.SendUIEvent(ev, "")
		assert.ErrorIs(t, err, ErrEventNotInjectable, "event %s", ev)
	}
}

func TestSendUIEventNotRunning(t *testing.T) {
	e, err := New(testConfig(), discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { e.items.Close() })

	_, err = e.SendUIEvent(shelf.EventItemsAdded, "")
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestSendUIEventUnknownShelf(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	_, err := e.SendUIEvent(shelf.EventItemsAdded, "shelf-99")
	assert.ErrorIs(t, err, ErrShelfNotFound)
}

func TestSendUIEventInactiveShelf(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	e.mu.Lock()
	e.shelves["shelf-7"] = &shelfRecord{
		id:        "shelf-7",
		createdAt: time.Now(),
		items:     make(map[string]bool),
	}
	e.mu.Unlock()

	_, err := e.SendUIEvent(shelf.EventItemsAdded, "shelf-7")
	assert.ErrorIs(t, err, ErrShelfNotActive)

	// Closing a background shelf works without a machine transition.
	accepted, err := e.SendUIEvent(shelf.EventShelfClosed, "shelf-7")
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Empty(t, e.Shelves())
	assert.Equal(t, shelf.Idle, e.State())
}

func TestRejectedEventCounted(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	before := e.RejectedEvents()
	accepted, err := e.SendUIEvent(shelf.EventItemsAdded, "")
	require.NoError(t, err)
	assert.False(t, accepted)
	assert.Equal(t, before+1, e.RejectedEvents())
}

// ============================================================
// Recovery and session policy
// ============================================================

func TestRecoverMachineClosesShelves(t *testing.T) {
	e, sim := newTestEngine(t, nil)
	changes := e.StateChanges(32)
	require.NoError(t, e.StartSensing())

	beginShakeDrag(sim, time.Now())
	waitState(t, changes, shelf.ShelfActive)

	assert.True(t, e.RecoverModule(moduleMachine))
	assert.Equal(t, shelf.Idle, e.State())
	assert.Empty(t, e.Shelves())
}

func TestRecoverUnknownModule(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	assert.False(t, e.RecoverModule("no-such-module"))
}

func TestSessionPauseResume(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	require.NoError(t, e.StartSensing())

	e.pauseForSession(session.Locked)
	assert.False(t, e.Monitoring())

	e.resumeForSession(session.Unlocked)
	assert.True(t, e.Monitoring())
}

func TestResumeOnlyAfterPause(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	// Sensing was never active, so an unlock must not start it.
	e.resumeForSession(session.Unlocked)
	assert.False(t, e.Monitoring())
}

func TestManualStopWinsOverResume(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	require.NoError(t, e.StartSensing())

	e.pauseForSession(session.Sleeping)
	require.NoError(t, e.StartSensing())
	require.NoError(t, e.StopSensing())

	// The explicit stop cleared the pending resume.
	e.resumeForSession(session.Resumed)
	assert.False(t, e.Monitoring())
}

// ============================================================
// Journal
// ============================================================

func TestJournalRecordsLifecycle(t *testing.T) {
	cfg := testConfig()
	cfg.Journal.Enabled = true
	cfg.Journal.Path = filepath.Join(t.TempDir(), "journal.db")

	e, sim := newTestEngine(t, cfg)
	changes := e.StateChanges(32)
	require.NoError(t, e.StartSensing())

	base := time.Now()
	beginShakeDrag(sim, base)
	waitState(t, changes, shelf.ShelfActive)
	sim.SimulateButtonUp(40, 0, base.Add(320*time.Millisecond))
	waitState(t, changes, shelf.Idle)

	drags, err := e.Journal().RecentDragSessions(5)
	require.NoError(t, err)
	require.Len(t, drags, 1)
	assert.True(t, drags[0].ShakeDetected)
	assert.Greater(t, drags[0].Distance, 0.0)
	assert.Greater(t, drags[0].EndedNs, drags[0].StartedNs)

	shelves, err := e.Journal().RecentShelfSessions(5)
	require.NoError(t, err)
	require.Len(t, shelves, 1)
	assert.Equal(t, "shelf-1", shelves[0].ShelfID)
	require.NotNil(t, shelves[0].DestroyedNs)
	assert.True(t, shelves[0].AutoHidden)
}

func TestStaleShelfRowsClosedOnStart(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.Journal.Enabled = true
	cfg.Journal.Path = filepath.Join(dir, "journal.db")

	e1, sim := newTestEngine(t, cfg)
	changes := e1.StateChanges(32)
	require.NoError(t, e1.StartSensing())
	beginShakeDrag(sim, time.Now())
	waitState(t, changes, shelf.ShelfActive)

	// Stop with the shelf still up leaves its journal row open.
	require.NoError(t, e1.Stop())

	e2, _ := newTestEngine(t, cfg.Clone())
	open, err := e2.Journal().OpenShelfSessions()
	require.NoError(t, err)
	assert.Empty(t, open)
}

// ============================================================
// Configuration
// ============================================================

func TestReload(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	cfg := e.ConfigSnapshot()
	cfg.Trajectory.Sensitivity = 2.5
	cfg.Shelf.MaxShelves = 1
	e.Reload(cfg)

	got := e.ConfigSnapshot()
	assert.Equal(t, 2.5, got.Trajectory.Sensitivity)
	assert.Equal(t, 1, got.Shelf.MaxShelves)
}

func TestConfigSnapshotIsCopy(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	snap := e.ConfigSnapshot()
	snap.Shelf.MaxShelves = 99
	assert.NotEqual(t, 99, e.ConfigSnapshot().Shelf.MaxShelves)
}

// ============================================================
// Errors
// ============================================================

func TestErrorsAreDistinct(t *testing.T) {
	errs := []error{
		ErrNotRunning,
		ErrAlreadyMonitoring,
		ErrNotMonitoring,
		ErrSensorUnavailable,
		ErrShelfNotFound,
		ErrShelfNotActive,
		ErrEventNotInjectable,
		ErrDispatchStalled,
	}
	for i, a := range errs {
		for j, b := range errs {
			if i != j && errors.Is(a, b) {
				t.Errorf("errors %d and %d are not distinct", i, j)
			}
		}
	}
}
