//go:build linux

package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

// D-Bus names for the lock and sleep signals. GNOME ships its own
// screen saver interface with the same ActiveChanged signature, so
// both are matched.
const (
	screenSaverService = "org.freedesktop.ScreenSaver"
	screenSaverPath    = "/org/freedesktop/ScreenSaver"
	gnomeSaverService  = "org.gnome.ScreenSaver"
	activeChanged      = "ActiveChanged"

	loginManagerIface = "org.freedesktop.login1.Manager"
	login1Path        = "/org/freedesktop/login1"
	prepareForSleep   = "PrepareForSleep"
)

// signalBuffer sizes the per-bus signal channels. godbus discards
// signals when the registered channel is full.
const signalBuffer = 16

// Watcher listens on the session bus for screen saver transitions and
// on the system bus for logind sleep announcements. Each bus can be
// missing independently; a headless host has neither, a minimal
// container often has only the system bus.
type Watcher struct {
	mu       sync.RWMutex
	running  bool
	locked   bool
	sleeping bool

	sessionConn *dbus.Conn
	systemConn  *dbus.Conn
	sessionSig  chan *dbus.Signal
	systemSig   chan *dbus.Signal

	events chan Event
	done   chan struct{}
	wg     sync.WaitGroup

	stopOnce sync.Once
}

// New creates a session watcher. It does not touch the bus until
// Start.
func New() *Watcher {
	return &Watcher{
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}
}

// Start connects to the buses and begins watching. A missing bus
// degrades rather than fails: lock watching needs the session bus,
// sleep watching the system bus. Only when neither is reachable does
// Start return an error.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	sessionErr := w.connectSession()
	systemErr := w.connectSystem()
	if sessionErr != nil && systemErr != nil {
		return fmt.Errorf("no usable bus: %v; %v", sessionErr, systemErr)
	}

	w.running = true
	w.wg.Add(1)
	go w.signalLoop()

	return nil
}

// connectSession subscribes to screen saver ActiveChanged signals and
// reads the current lock state, so a daemon started behind a lock
// screen pauses immediately.
func (w *Watcher) connectSession() error {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return fmt.Errorf("failed to connect to session bus: %w", err)
	}

	for _, iface := range []string{screenSaverService, gnomeSaverService} {
		if err := conn.AddMatchSignal(
			dbus.WithMatchInterface(iface),
			dbus.WithMatchMember(activeChanged),
		); err != nil {
			conn.Close()
			return fmt.Errorf("failed to match %s: %w", iface, err)
		}
	}

	ch := make(chan *dbus.Signal, signalBuffer)
	conn.Signal(ch)

	var active bool
	obj := conn.Object(screenSaverService, screenSaverPath)
	if err := obj.Call(screenSaverService+".GetActive", 0).Store(&active); err == nil && active {
		w.locked = true
		w.emit(Locked)
	}

	w.sessionConn = conn
	w.sessionSig = ch
	return nil
}

// connectSystem subscribes to logind PrepareForSleep signals.
func (w *Watcher) connectSystem() error {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("failed to connect to system bus: %w", err)
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(login1Path),
		dbus.WithMatchInterface(loginManagerIface),
		dbus.WithMatchMember(prepareForSleep),
	); err != nil {
		conn.Close()
		return fmt.Errorf("failed to match %s: %w", loginManagerIface, err)
	}

	ch := make(chan *dbus.Signal, signalBuffer)
	conn.Signal(ch)

	w.systemConn = conn
	w.systemSig = ch
	return nil
}

// signalLoop funnels both buses into handleSignal. Local copies of
// the channels let a dead bus be nilled out without spinning on its
// closed channel.
func (w *Watcher) signalLoop() {
	defer w.wg.Done()

	sessionSig, systemSig := w.sessionSig, w.systemSig
	for {
		select {
		case <-w.done:
			return
		case sig, ok := <-sessionSig:
			if !ok {
				sessionSig = nil
				continue
			}
			w.handleSignal(sig)
		case sig, ok := <-systemSig:
			if !ok {
				systemSig = nil
				continue
			}
			w.handleSignal(sig)
		}
	}
}

// handleSignal maps a bus signal to a session transition. Both
// signals carry a single boolean: screen saver engaged, or suspend
// beginning. Anything malformed is ignored.
func (w *Watcher) handleSignal(sig *dbus.Signal) {
	if sig == nil || len(sig.Body) == 0 {
		return
	}
	on, ok := sig.Body[0].(bool)
	if !ok {
		return
	}

	switch sig.Name {
	case screenSaverService + "." + activeChanged,
		gnomeSaverService + "." + activeChanged:
		w.setLocked(on)
	case loginManagerIface + "." + prepareForSleep:
		w.setSleeping(on)
	}
}

func (w *Watcher) setLocked(locked bool) {
	w.mu.Lock()
	if w.locked == locked {
		w.mu.Unlock()
		return
	}
	w.locked = locked
	w.mu.Unlock()

	if locked {
		w.emit(Locked)
	} else {
		w.emit(Unlocked)
	}
}

func (w *Watcher) setSleeping(sleeping bool) {
	w.mu.Lock()
	if w.sleeping == sleeping {
		w.mu.Unlock()
		return
	}
	w.sleeping = sleeping
	w.mu.Unlock()

	if sleeping {
		w.emit(Sleeping)
	} else {
		w.emit(Resumed)
	}
}

// emit delivers an event without blocking the signal loop. State is
// the source of truth; a full channel just loses the notification.
func (w *Watcher) emit(kind EventKind) {
	select {
	case w.events <- Event{Kind: kind, At: time.Now()}:
	default:
	}
}

// Events returns the transition channel. It is closed by Stop.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Locked reports whether the screen is currently locked.
func (w *Watcher) Locked() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.locked
}

// Sleeping reports whether the machine is between PrepareForSleep and
// resume.
func (w *Watcher) Sleeping() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.sleeping
}

// Active reports whether the session is interactive: neither locked
// nor preparing to sleep.
func (w *Watcher) Active() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return !w.locked && !w.sleeping
}

// Stop disconnects from the buses and joins the signal loop. It is
// safe to call more than once and safe without a prior Start.
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.running = false
		sessionConn, systemConn := w.sessionConn, w.systemConn
		sessionSig, systemSig := w.sessionSig, w.systemSig
		w.sessionConn, w.systemConn = nil, nil
		w.mu.Unlock()

		close(w.done)

		// Unregister before closing: Close would close the signal
		// channels itself, and the loop may still be selecting on
		// them.
		if sessionConn != nil {
			sessionConn.RemoveSignal(sessionSig)
			sessionConn.Close()
		}
		if systemConn != nil {
			systemConn.RemoveSignal(systemSig)
			systemConn.Close()
		}

		w.wg.Wait()
		close(w.events)
	})
	return nil
}
