// Package sensor provides global drag gesture sensing.
//
// IMPORTANT: This package observes pointer button state, movement
// geometry, and the file list of an OS drag payload - it does NOT
// read file contents and it does not observe keyboard input. What it
// learns about a drag:
// - where the pointer went (trajectory, velocity)
// - which file paths ride the drag payload, if any
//
// The data is used to:
// 1. Recognize file drags as they begin
// 2. Recognize shake gestures that summon a shelf
// 3. Expose the dragged file list to the shelf layer
//
// Platform support:
// - macOS: CGEventTap + drag pasteboard (requires Accessibility permission)
// - Windows: WH_MOUSE_LL hook + OLE clipboard (user-mode, no driver)
// - Linux: /dev/input/event* (requires input group or root; no payload)
package sensor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"shelfd/internal/bridge"
	"shelfd/internal/syncutil"
	"shelfd/internal/trajectory"
)

// Recognition thresholds. A drag classifies once all three are met;
// the payload inspection then runs exactly once for the session.
const (
	minDragDistance = 3.0
	minDragTime     = 10 * time.Millisecond
	minMoveCount    = 1
)

// clearDelay is how long dragged file descriptors stay readable after
// button-up. A drop lands right at button-up; the grace window lets
// the receiving side still inspect the list while the count already
// reads zero.
const clearDelay = 500 * time.Millisecond

// gestureQueueDepth bounds the gesture channel between the hook
// thread and the consumer. Overflow drops, never blocks the hook.
const gestureQueueDepth = 64

// Sensor senses global drag gestures.
type Sensor interface {
	// Start installs the platform hook and begins sensing. It is
	// idempotent: starting a running sensor returns nil.
	Start(ctx context.Context) error

	// Stop uninstalls the hook and joins the hook thread. Safe to
	// call from any goroutine; returns after the thread unwound.
	Stop() error

	// Monitoring reports whether the hook is installed.
	Monitoring() bool

	// ActiveDrag reports whether a classified drag is in flight.
	ActiveDrag() bool

	// FileCount returns the number of files on the current drag.
	FileCount() int

	// DraggedFiles returns the file descriptors of the current drag.
	DraggedFiles() []FileDescriptor

	// Gestures returns the channel carrying classified gestures for
	// the current monitoring session. It closes when Stop runs.
	Gestures() <-chan Gesture

	// SetThresholds applies shake tuning to the trajectory analyzer.
	SetThresholds(t trajectory.Thresholds)

	// Available reports whether drag sensing can work on this
	// platform with current permissions.
	Available() (bool, string)
}

// GestureKind identifies a classified gesture.
type GestureKind int

const (
	// GestureDragStart fires once per session when the drag
	// thresholds are crossed and the payload has been inspected.
	GestureDragStart GestureKind = iota + 1

	// GestureDragEnd fires on button-up after a classified drag.
	GestureDragEnd

	// GestureShake fires when the trajectory classifies a shake.
	GestureShake
)

// String returns the wire name of the gesture kind.
func (k GestureKind) String() string {
	switch k {
	case GestureDragStart:
		return "drag_start"
	case GestureDragEnd:
		return "drag_end"
	case GestureShake:
		return "shake"
	default:
		return "unknown"
	}
}

// Gesture is one classified gesture crossing to the consumer side.
type Gesture struct {
	Kind  GestureKind
	X, Y  float64
	At    time.Time
	Files []FileDescriptor
	Stats trajectory.Stats
}

// FileDescriptor describes one file riding a drag payload.
type FileDescriptor struct {
	Path        string `json:"path"`
	Name        string `json:"name"`
	Extension   string `json:"extension,omitempty"`
	SizeBytes   int64  `json:"size_bytes"`
	IsDirectory bool   `json:"is_directory"`
	Exists      bool   `json:"exists"`
}

// Kind names the descriptor for display: "folder" for directories,
// "file" for everything else.
func (d FileDescriptor) Kind() string {
	if d.IsDirectory {
		return "folder"
	}
	return "file"
}

// DescribeFile builds a descriptor for a payload path. Stat failure
// means the path rode the payload but does not resolve here; the
// descriptor survives with Exists=false so consumers can tell the
// difference.
func DescribeFile(path string) FileDescriptor {
	d := FileDescriptor{
		Path: path,
		Name: filepath.Base(path),
	}

	info, err := os.Stat(path)
	if err != nil {
		if ext := filepath.Ext(d.Name); ext != "" {
			d.Extension = strings.TrimPrefix(ext, ".")
		}
		return d
	}

	d.Exists = true
	d.IsDirectory = info.IsDir()
	if !d.IsDirectory {
		d.SizeBytes = info.Size()
		if ext := filepath.Ext(d.Name); ext != "" {
			d.Extension = strings.TrimPrefix(ext, ".")
		}
	}
	return d
}

// ErrNotAvailable is returned when drag sensing isn't available.
var ErrNotAvailable = errors.New("drag sensing not available on this platform")

// ErrPermissionDenied is returned when permissions are insufficient.
var ErrPermissionDenied = errors.New("insufficient permissions for pointer hook")

// ErrHookInstall is returned when the OS rejects hook installation.
var ErrHookInstall = errors.New("pointer hook installation failed")

// dragSession is the per-press state. It exists between button-down
// and button-up and is touched only from the hook thread.
type dragSession struct {
	startX, startY float64
	startTime      time.Time
	buttonDown     bool
	inspected      bool
}

// BaseSensor provides the classification core shared by platform
// implementations. Platform code delivers raw samples via ButtonDown,
// PointerMove, and ButtonUp; everything downstream of those calls is
// platform-independent.
type BaseSensor struct {
	mu         sync.RWMutex
	monitoring bool
	queue      *bridge.Queue[Gesture]

	// inspect queries the OS drag payload. nil means the platform
	// cannot expose one and drags classify with zero files.
	inspect func() []FileDescriptor

	analyzer *trajectory.Analyzer

	// Locks are held only while copying a handful of fields, never
	// across an OS call.
	sessionLock syncutil.SpinLock
	session     dragSession

	fileLock syncutil.SpinLock
	files    []FileDescriptor
	clearGen uint64

	activeDrag atomic.Bool
	fileCount  atomic.Int32
}

// initBase wires the shared state. Platform constructors call this
// exactly once.
func (b *BaseSensor) initBase(inspect func() []FileDescriptor) {
	b.inspect = inspect
	b.analyzer = trajectory.NewAnalyzer()
	b.queue = bridge.NewQueue[Gesture](gestureQueueDepth, nil)
}

// rearm replaces the gesture queue for a new monitoring session.
// Start calls this before installing the hook so a stopped-then-
// restarted sensor hands out a fresh channel.
func (b *BaseSensor) rearm() {
	b.mu.Lock()
	b.queue = bridge.NewQueue[Gesture](gestureQueueDepth, nil)
	b.mu.Unlock()
}

// closeQueue shuts the gesture channel, discarding undelivered
// gestures. Called from Stop after the hook thread unwound.
func (b *BaseSensor) closeQueue() {
	b.mu.RLock()
	q := b.queue
	b.mu.RUnlock()
	if q != nil {
		q.Close()
	}
}

func (b *BaseSensor) publish(g Gesture) {
	b.mu.RLock()
	q := b.queue
	b.mu.RUnlock()
	if q != nil {
		q.TryPublish(g)
	}
}

// Monitoring reports whether sensing is active.
func (b *BaseSensor) Monitoring() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.monitoring
}

// SetMonitoring sets the monitoring state.
func (b *BaseSensor) SetMonitoring(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.monitoring = v
}

// ActiveDrag reports whether a classified drag is in flight.
func (b *BaseSensor) ActiveDrag() bool {
	return b.activeDrag.Load()
}

// FileCount returns the file count of the current drag.
func (b *BaseSensor) FileCount() int {
	return int(b.fileCount.Load())
}

// DraggedFiles returns a copy of the current drag's file descriptors.
// Within the grace window after button-up the list is still readable
// even though FileCount already reads zero.
func (b *BaseSensor) DraggedFiles() []FileDescriptor {
	b.fileLock.Lock()
	out := make([]FileDescriptor, len(b.files))
	copy(out, b.files)
	b.fileLock.Unlock()
	return out
}

// Gestures returns the gesture channel for the current session.
func (b *BaseSensor) Gestures() <-chan Gesture {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.queue.Events()
}

// DroppedGestures returns how many gestures were dropped because the
// consumer fell behind.
func (b *BaseSensor) DroppedGestures() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.queue.Dropped()
}

// SessionStats snapshots the trajectory statistics of the current
// drag session.
func (b *BaseSensor) SessionStats() trajectory.Stats {
	return b.analyzer.Stats()
}

// SetThresholds applies shake tuning to the trajectory analyzer. A
// session already in flight keeps its accumulated state; the tuning
// applies from the next sample.
func (b *BaseSensor) SetThresholds(t trajectory.Thresholds) {
	b.analyzer.SetThresholds(t)
}

// ButtonDown begins a new drag session at the given position. Any
// grace-window file list from the previous drag is cleared now.
func (b *BaseSensor) ButtonDown(x, y float64, at time.Time) {
	b.fileLock.Lock()
	b.clearGen++
	b.files = nil
	b.fileLock.Unlock()
	b.fileCount.Store(0)

	b.sessionLock.Lock()
	b.session = dragSession{startX: x, startY: y, startTime: at, buttonDown: true}
	b.sessionLock.Unlock()

	b.activeDrag.Store(false)
	b.analyzer.Reset()
	b.analyzer.Observe(x, y, at)
}

// PointerMove records a sample while the primary button is held.
// Crossing the recognition thresholds triggers the one-shot payload
// inspection; a recognized shake publishes a gesture.
func (b *BaseSensor) PointerMove(x, y float64, at time.Time) {
	b.sessionLock.Lock()
	if !b.session.buttonDown {
		b.sessionLock.Unlock()
		return
	}
	start := b.session.startTime
	inspected := b.session.inspected
	b.sessionLock.Unlock()

	b.analyzer.Observe(x, y, at)
	stats := b.analyzer.Stats()

	if !inspected &&
		stats.TotalDistance >= minDragDistance &&
		at.Sub(start) >= minDragTime &&
		stats.MoveCount >= minMoveCount {

		b.sessionLock.Lock()
		fire := b.session.buttonDown && !b.session.inspected
		b.session.inspected = true
		b.sessionLock.Unlock()

		if fire {
			b.classifyDrag(x, y, at, stats)
		}
	}

	if b.analyzer.TakeShake() {
		b.publish(Gesture{Kind: GestureShake, X: x, Y: y, At: at, Stats: b.analyzer.Stats()})
	}
}

// classifyDrag runs the per-session payload inspection. Inspection
// failure still marks the drag active with zero files so non-file
// drags remain observable.
func (b *BaseSensor) classifyDrag(x, y float64, at time.Time, stats trajectory.Stats) {
	var files []FileDescriptor
	if b.inspect != nil {
		files = b.inspect()
	}

	b.fileLock.Lock()
	b.clearGen++
	b.files = files
	b.fileLock.Unlock()
	b.fileCount.Store(int32(len(files)))

	b.activeDrag.Store(true)

	snapshot := make([]FileDescriptor, len(files))
	copy(snapshot, files)
	b.publish(Gesture{Kind: GestureDragStart, X: x, Y: y, At: at, Files: snapshot, Stats: stats})
}

// ButtonUp ends the drag session. The active flag and file count
// drop immediately; the descriptor list is cleared after the grace
// window unless a new press claims it first.
func (b *BaseSensor) ButtonUp(x, y float64, at time.Time) {
	b.sessionLock.Lock()
	b.session.buttonDown = false
	b.session.inspected = false
	b.sessionLock.Unlock()

	if !b.activeDrag.Swap(false) {
		return
	}

	stats := b.analyzer.Stats()
	b.fileCount.Store(0)

	b.fileLock.Lock()
	b.clearGen++
	gen := b.clearGen
	b.fileLock.Unlock()

	time.AfterFunc(clearDelay, func() {
		b.fileLock.Lock()
		if b.clearGen == gen {
			b.files = nil
		}
		b.fileLock.Unlock()
	})

	b.publish(Gesture{Kind: GestureDragEnd, X: x, Y: y, At: at, Stats: stats})
}

// New creates a Sensor for the current platform.
func New() Sensor {
	return newPlatformSensor()
}
