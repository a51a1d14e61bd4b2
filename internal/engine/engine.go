// Package engine wires the sensor, state machine, health monitor and
// journal into the running daemon.
//
// The engine owns the single dispatch goroutine (the pump): classified
// gestures, UI-injected events and the auto-hide timer all funnel
// through it, so state machine transitions never race. Everything the
// IPC surface reports is read back out through mutex-guarded
// accessors.
//
// The watchdog observes the pump through keepalive activity reports:
// if the pump wedges, the registered modules go silent together and
// recovery fires.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"shelfd/internal/bridge"
	"shelfd/internal/config"
	"shelfd/internal/health"
	"shelfd/internal/logging"
	"shelfd/internal/metrics"
	"shelfd/internal/notify"
	"shelfd/internal/security"
	"shelfd/internal/sensor"
	"shelfd/internal/session"
	"shelfd/internal/shelf"
	"shelfd/internal/store"
	"shelfd/internal/trajectory"
	"shelfd/internal/watcher"
)

// Engine errors.
var (
	ErrNotRunning         = errors.New("engine: not running")
	ErrAlreadyMonitoring  = errors.New("engine: sensing already active")
	ErrNotMonitoring      = errors.New("engine: sensing not active")
	ErrSensorUnavailable  = errors.New("engine: drag sensing unavailable")
	ErrShelfNotFound      = errors.New("engine: shelf not found")
	ErrShelfNotActive     = errors.New("engine: shelf is not the active shelf")
	ErrEventNotInjectable = errors.New("engine: event is not injectable")
	ErrDispatchStalled    = errors.New("engine: dispatch queue stalled")
)

// Watchdog module names.
const (
	moduleSensor  = "sensor"
	moduleBridge  = "bridge"
	moduleMachine = "machine"
)

// injectable lists the event kinds the UI layer may send over IPC.
// Gesture events belong to the sensor, auto_hide_triggered to the
// engine's timer, and shelf_created/cleanup_complete are raised by the
// engine itself as part of the shelf lifecycle.
var injectable = map[shelf.Event]bool{
	shelf.EventItemsAdded:  true,
	shelf.EventDropStarted: true,
	shelf.EventDropEnded:   true,
	shelf.EventShelfClosed: true,
}

// HealthChange is one derived-status transition, streamed to
// subscribers.
type HealthChange struct {
	From health.Status `json:"from"`
	To   health.Status `json:"to"`
	At   time.Time     `json:"at"`
}

// ShelfInfo is the exported view of one tracked shelf.
type ShelfInfo struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	ItemCount    int       `json:"item_count"`
	MissingItems int       `json:"missing_items,omitempty"`
	Pinned       bool      `json:"pinned"`
}

// shelfRecord tracks one live shelf. items maps item path to on-disk
// existence, kept current by the item watcher. row is the open journal
// row, 0 when journaling is off.
type shelfRecord struct {
	id        string
	createdAt time.Time
	items     map[string]bool
	pinned    bool
	row       int64
}

// injection carries a UI event or timer event onto the pump.
type injection struct {
	event   shelf.Event
	data    any
	shelfID string
	reply   chan injectionResult
}

type injectionResult struct {
	accepted bool
	err      error
}

// Engine is the daemon orchestrator. Create with New, then Start.
type Engine struct {
	mu  sync.RWMutex
	cfg *config.Config

	logger *slog.Logger
	audit  *logging.AuditLogger
	crash  *logging.CrashHandler

	sensor    sensor.Sensor
	machine   *shelf.Machine
	monitor   *health.Monitor
	journal   *store.Store
	items     *watcher.Watcher
	desktop   *session.Watcher
	notifier  *notify.Notifier
	metrics   *metrics.ShelfdMetrics
	itemPaths *security.PathValidator

	// Shelf registry; shelfSeq numbers shelf IDs across the process
	// lifetime.
	shelves  map[string]*shelfRecord
	shelfSeq int

	// Drag bookkeeping for the journal row written at drag end. The
	// drag-end gesture carries no file payload, so the count is
	// captured at drag start.
	dragStartedAt time.Time
	dragShake     bool
	dragFiles     int

	// autoHide is armed while the machine sits in the hide grace
	// window. Guarded by mu.
	autoHide *time.Timer

	// inject carries UI events and timer events onto the pump.
	inject chan injection

	// rearm hands the pump a fresh gesture channel after the sensor
	// starts or restarts.
	rearm chan (<-chan sensor.Gesture)

	// resumeSensing remembers that the session watcher paused an
	// active sensor and should restart it when the session returns.
	resumeSensing bool

	// startMu serializes sensing start/stop across IPC handlers, the
	// session watcher and recovery actions.
	startMu sync.Mutex

	subMu       sync.Mutex
	stateSubs   []*bridge.Queue[shelf.Change]
	gestureSubs []*bridge.Queue[sensor.Gesture]
	healthSubs  []*bridge.Queue[HealthChange]
	sessionSubs []*bridge.Queue[session.Event]

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	stopped   bool
	startedAt time.Time
}

// New creates an engine from the configuration. The journal is opened
// here when enabled so a broken journal path surfaces at startup, not
// on the first drag.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	items, err := watcher.New(0)
	if err != nil {
		return nil, fmt.Errorf("failed to create item watcher: %w", err)
	}

	monitor := health.NewMonitor(health.Config{
		Tick:          cfg.Health.Tick(),
		ModuleTimeout: cfg.Health.ModuleTimeout(),
	}, logger)

	e := &Engine{
		cfg:       cfg,
		logger:    logger.With("component", "engine"),
		audit:     logging.DefaultAuditLogger(),
		crash:     logging.DefaultCrashHandler(),
		sensor:    sensor.New(),
		machine:   shelf.NewMachine(logger),
		monitor:   monitor,
		items:     items,
		desktop:   session.New(),
		notifier:  notify.New(cfg.Notify),
		metrics:   metrics.GetMetrics(),
		itemPaths: security.ItemPathValidator(),
		shelves:   make(map[string]*shelfRecord),
		inject:    make(chan injection, 16),
		rearm:     make(chan (<-chan sensor.Gesture), 1),
	}

	if cfg.Journal.Enabled {
		journal, err := store.OpenWithTimeout(cfg.Journal.Path, cfg.Journal.BusyTimeoutMs)
		if err != nil {
			items.Close()
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		e.journal = journal
	}

	e.sensor.SetThresholds(thresholdsFrom(cfg.Trajectory))
	e.machine.OnTransition(e.fanoutChange)

	e.monitor.RegisterModule(moduleSensor, e.recoverSensor)
	e.monitor.RegisterModule(moduleBridge, nil)
	e.monitor.RegisterModule(moduleMachine, e.recoverMachine)
	e.monitor.OnStatusChange(e.onStatusChange)
	e.monitor.OnRecovery(e.onRecovery)

	return e, nil
}

func thresholdsFrom(tc config.TrajectoryConfig) trajectory.Thresholds {
	return trajectory.Thresholds{
		TurnAngle:    tc.TurnAngleRad,
		ShakeChanges: tc.ShakeChanges,
		ShakeWindow:  tc.ShakeWindow(),
		Sensitivity:  tc.Sensitivity,
	}
}

// Start brings the engine up: watchdog, session watcher, item watcher
// and the pump. Sensing starts too when [sensor].auto_start is set and
// the platform allows it; a sensor that cannot start degrades the
// daemon instead of killing it.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	if e.stopped {
		e.mu.Unlock()
		return errors.New("engine: cannot restart a stopped engine")
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.running = true
	e.startedAt = time.Now()
	e.mu.Unlock()

	e.closeStaleShelfRows()

	if err := e.monitor.Start(e.ctx); err != nil {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		e.cancel()
		return fmt.Errorf("failed to start health monitor: %w", err)
	}
	if err := e.items.Start(); err != nil {
		e.logger.Warn("item watcher failed to start", "error", err)
	}
	if err := e.desktop.Start(); err != nil {
		e.logger.Warn("session watcher unavailable", "error", err)
	}

	e.wg.Add(2)
	go e.pump()
	go e.itemLoop()

	if e.config().Sensor.AutoStart {
		if err := e.StartSensing(); err != nil {
			e.logger.Warn("sensing did not start", "error", err)
		}
	}

	e.logger.Info("engine started",
		"journal", e.journal != nil,
		"auto_start", e.config().Sensor.AutoStart,
	)
	return nil
}

// Stop shuts the engine down and joins the pump. Safe to call more
// than once; a stopped engine cannot be restarted.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.stopped = true
	if e.autoHide != nil {
		e.autoHide.Stop()
		e.autoHide = nil
	}
	e.mu.Unlock()

	e.cancel()
	if err := e.sensor.Stop(); err != nil {
		e.logger.Warn("sensor stop failed", "error", err)
	}
	e.wg.Wait()

	e.desktop.Stop()
	e.items.Close()
	e.monitor.Stop()

	e.subMu.Lock()
	for _, q := range e.stateSubs {
		q.Close()
	}
	for _, q := range e.gestureSubs {
		q.Close()
	}
	for _, q := range e.healthSubs {
		q.Close()
	}
	for _, q := range e.sessionSubs {
		q.Close()
	}
	e.stateSubs, e.gestureSubs, e.healthSubs, e.sessionSubs = nil, nil, nil, nil
	e.subMu.Unlock()

	var firstErr error
	if e.journal != nil {
		if err := e.journal.Close(); err != nil {
			firstErr = fmt.Errorf("failed to close journal: %w", err)
		}
	}

	e.logger.Info("engine stopped")
	return firstErr
}

// Running reports whether Start has run and Stop has not.
func (e *Engine) Running() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// closeStaleShelfRows finalizes journal rows left open by a previous
// process that never shut down cleanly.
func (e *Engine) closeStaleShelfRows() {
	if e.journal == nil {
		return
	}
	stale, err := e.journal.OpenShelfSessions()
	if err != nil {
		e.logger.Warn("failed to list open shelf sessions", "error", err)
		return
	}
	now := time.Now().UnixNano()
	for _, row := range stale {
		if err := e.journal.CloseShelfSession(row.ID, now, row.ItemCount, row.Pinned, false); err != nil {
			e.logger.Warn("failed to close stale shelf session",
				"shelf", row.ShelfID, "error", err)
		}
	}
	if len(stale) > 0 {
		e.logger.Info("closed stale shelf sessions", "count", len(stale))
	}
}

func (e *Engine) config() *config.Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

func (e *Engine) engineCtx() context.Context {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.ctx == nil {
		return context.Background()
	}
	return e.ctx
}

// Reload applies a changed configuration to the running engine. Shake
// thresholds, shelf policy, session pause policy and notification
// gates take effect immediately; journal path, IPC socket and health
// cadence need a restart.
func (e *Engine) Reload(cfg *config.Config) {
	if cfg == nil {
		return
	}
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()

	e.sensor.SetThresholds(thresholdsFrom(cfg.Trajectory))
	e.notifier.SetConfig(cfg.Notify)

	e.logger.Info("configuration applied",
		"max_shelves", cfg.Shelf.MaxShelves,
		"auto_hide_delay", cfg.Shelf.AutoHideDelay(),
		"sensitivity", cfg.Trajectory.Sensitivity,
	)
}

// ConfigSnapshot returns a copy of the active configuration.
func (e *Engine) ConfigSnapshot() *config.Config {
	return e.config().Clone()
}

// StartSensing installs the platform hook and hands the pump the new
// gesture channel.
func (e *Engine) StartSensing() error {
	e.startMu.Lock()
	defer e.startMu.Unlock()

	if !e.Running() {
		return ErrNotRunning
	}
	if e.sensor.Monitoring() {
		return ErrAlreadyMonitoring
	}
	if ok, reason := e.sensor.Available(); !ok {
		return fmt.Errorf("%w: %s", ErrSensorUnavailable, reason)
	}
	if err := e.sensor.Start(e.engineCtx()); err != nil {
		e.metrics.RecordError()
		return fmt.Errorf("failed to start sensing: %w", err)
	}

	e.handGesturesToPump()

	e.mu.Lock()
	e.resumeSensing = false
	e.mu.Unlock()

	e.logger.Info("sensing started")
	return nil
}

// StopSensing uninstalls the hook and joins the hook thread. The pump
// notices the closed gesture channel and ends any in-flight drag.
func (e *Engine) StopSensing() error {
	e.startMu.Lock()
	defer e.startMu.Unlock()

	if !e.sensor.Monitoring() {
		return ErrNotMonitoring
	}
	if err := e.sensor.Stop(); err != nil {
		return fmt.Errorf("failed to stop sensing: %w", err)
	}

	// An explicit stop wins over a pending session resume.
	e.mu.Lock()
	e.resumeSensing = false
	e.mu.Unlock()

	e.logger.Info("sensing stopped")
	return nil
}

// handGesturesToPump replaces any stale queued channel with the
// sensor's current one. Callers hold startMu.
func (e *Engine) handGesturesToPump() {
	select {
	case <-e.rearm:
	default:
	}
	e.rearm <- e.sensor.Gestures()
}

// SendUIEvent injects a UI-originated event into the state machine on
// the dispatch goroutine and reports whether it was acted on. An empty
// shelf ID targets the active shelf. A shelf ID naming any other
// tracked shelf may only close it; that close runs against the
// registry and journal without a machine transition.
func (e *Engine) SendUIEvent(event shelf.Event, shelfID string) (bool, error) {
	if !injectable[event] {
		return false, ErrEventNotInjectable
	}

	e.mu.RLock()
	running := e.running
	ctx := e.ctx
	e.mu.RUnlock()
	if !running {
		return false, ErrNotRunning
	}

	inj := injection{
		event:   event,
		shelfID: shelfID,
		reply:   make(chan injectionResult, 1),
	}

	select {
	case e.inject <- inj:
	case <-ctx.Done():
		return false, ErrNotRunning
	case <-time.After(dispatchTimeout):
		return false, ErrDispatchStalled
	}

	select {
	case res := <-inj.reply:
		return res.accepted, res.err
	case <-ctx.Done():
		return false, ErrNotRunning
	}
}

// RecoverModule invokes a module's recovery action. Returns false for
// unknown modules.
func (e *Engine) RecoverModule(name string) bool {
	return e.monitor.AttemptRecovery(name)
}

// EmergencyCleanup runs the watchdog's critical-status cleanup pass on
// demand.
func (e *Engine) EmergencyCleanup() {
	e.monitor.EmergencyCleanup()
}

// State returns the machine's current state.
func (e *Engine) State() shelf.State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.machine.State()
}

// Context returns a copy of the machine's context.
func (e *Engine) Context() shelf.Context {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.machine.Context()
}

// RejectedEvents returns how many machine events were rejected.
func (e *Engine) RejectedEvents() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.machine.Rejected()
}

// Monitoring reports whether the pointer hook is installed.
func (e *Engine) Monitoring() bool { return e.sensor.Monitoring() }

// ActiveDrag reports whether a classified drag is in flight.
func (e *Engine) ActiveDrag() bool { return e.sensor.ActiveDrag() }

// FileCount returns the number of files on the current drag.
func (e *Engine) FileCount() int { return e.sensor.FileCount() }

// DraggedFiles returns the file descriptors of the current drag.
func (e *Engine) DraggedFiles() []sensor.FileDescriptor {
	return e.sensor.DraggedFiles()
}

// SensorAvailable reports whether drag sensing can work here.
func (e *Engine) SensorAvailable() (bool, string) { return e.sensor.Available() }

// HealthStatus returns the derived daemon status.
func (e *Engine) HealthStatus() health.Status { return e.monitor.Status() }

// HealthMetrics returns the watchdog counter snapshot.
func (e *Engine) HealthMetrics() health.Metrics { return e.monitor.Metrics() }

// HealthModules returns the per-module health view.
func (e *Engine) HealthModules() map[string]health.ModuleHealth {
	return e.monitor.Modules()
}

// MetricsSnapshot returns the daemon metrics as a flat map.
func (e *Engine) MetricsSnapshot() map[string]interface{} {
	return e.metrics.Snapshot()
}

// Journal returns the session journal, nil when journaling is off.
func (e *Engine) Journal() *store.Store { return e.journal }

// SessionActive reports whether the desktop session is unlocked and
// awake.
func (e *Engine) SessionActive() bool { return e.desktop.Active() }

// StartedAt returns when Start ran.
func (e *Engine) StartedAt() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.startedAt
}

// Uptime returns how long the engine has been running.
func (e *Engine) Uptime() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.startedAt.IsZero() {
		return 0
	}
	return time.Since(e.startedAt)
}

func (e *Engine) shelfCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.shelves)
}

// Shelves returns the tracked shelves, oldest first.
func (e *Engine) Shelves() []ShelfInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]ShelfInfo, 0, len(e.shelves))
	for _, rec := range e.shelves {
		missing := 0
		for _, exists := range rec.items {
			if !exists {
				missing++
			}
		}
		out = append(out, ShelfInfo{
			ID:           rec.id,
			CreatedAt:    rec.createdAt,
			ItemCount:    len(rec.items),
			MissingItems: missing,
			Pinned:       rec.pinned,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// StateChanges returns a channel of completed machine transitions.
// The channel is dropped-on-overflow and closes when the engine stops.
// A non-positive buffer falls back to [bridge].queue_size.
func (e *Engine) StateChanges(buffer int) <-chan shelf.Change {
	q := bridge.NewQueue[shelf.Change](e.subscriberBuffer(buffer), func(shelf.Change) {
		e.metrics.RecordEventDropped()
	})
	e.subMu.Lock()
	e.stateSubs = append(e.stateSubs, q)
	e.subMu.Unlock()
	return q.Events()
}

// Gestures returns a channel of classified gestures.
func (e *Engine) Gestures(buffer int) <-chan sensor.Gesture {
	q := bridge.NewQueue[sensor.Gesture](e.subscriberBuffer(buffer), func(sensor.Gesture) {
		e.metrics.RecordEventDropped()
	})
	e.subMu.Lock()
	e.gestureSubs = append(e.gestureSubs, q)
	e.subMu.Unlock()
	return q.Events()
}

// HealthChanges returns a channel of derived-status transitions.
func (e *Engine) HealthChanges(buffer int) <-chan HealthChange {
	q := bridge.NewQueue[HealthChange](e.subscriberBuffer(buffer), func(HealthChange) {
		e.metrics.RecordEventDropped()
	})
	e.subMu.Lock()
	e.healthSubs = append(e.healthSubs, q)
	e.subMu.Unlock()
	return q.Events()
}

// SessionChanges returns a channel of desktop session transitions.
func (e *Engine) SessionChanges(buffer int) <-chan session.Event {
	q := bridge.NewQueue[session.Event](e.subscriberBuffer(buffer), func(session.Event) {
		e.metrics.RecordEventDropped()
	})
	e.subMu.Lock()
	e.sessionSubs = append(e.sessionSubs, q)
	e.subMu.Unlock()
	return q.Events()
}

func (e *Engine) subscriberBuffer(buffer int) int {
	if buffer > 0 {
		return buffer
	}
	return e.config().Bridge.QueueSize
}

func (e *Engine) fanoutChange(change shelf.Change) {
	e.subMu.Lock()
	subs := make([]*bridge.Queue[shelf.Change], len(e.stateSubs))
	copy(subs, e.stateSubs)
	e.subMu.Unlock()
	for _, q := range subs {
		q.TryPublish(change)
	}
}

func (e *Engine) fanoutGesture(g sensor.Gesture) {
	e.subMu.Lock()
	subs := make([]*bridge.Queue[sensor.Gesture], len(e.gestureSubs))
	copy(subs, e.gestureSubs)
	e.subMu.Unlock()
	for _, q := range subs {
		q.TryPublish(g)
	}
}

func (e *Engine) fanoutHealth(hc HealthChange) {
	e.subMu.Lock()
	subs := make([]*bridge.Queue[HealthChange], len(e.healthSubs))
	copy(subs, e.healthSubs)
	e.subMu.Unlock()
	for _, q := range subs {
		q.TryPublish(hc)
	}
}

func (e *Engine) fanoutSession(ev session.Event) {
	e.subMu.Lock()
	subs := make([]*bridge.Queue[session.Event], len(e.sessionSubs))
	copy(subs, e.sessionSubs)
	e.subMu.Unlock()
	for _, q := range subs {
		q.TryPublish(ev)
	}
}

// onStatusChange runs on the watchdog goroutine.
func (e *Engine) onStatusChange(old, new health.Status) {
	at := time.Now()
	e.fanoutHealth(HealthChange{From: old, To: new, At: at})
	e.journalIncident(at, "daemon", new.String(),
		fmt.Sprintf("status changed from %s to %s", old, new))

	if new == health.StatusCritical {
		e.notifier.Critical("daemon", "event pipeline stalled")
	}
	if new == health.StatusHealthy && old >= health.StatusUnhealthy {
		e.notifier.Recovered("daemon")
	}
}

// onRecovery runs whenever a recovery action was attempted, from the
// watchdog or a manual request.
func (e *Engine) onRecovery(module string) {
	e.journalIncident(time.Now(), module, "recovered", "")
	e.notifier.Recovered(module)
}

func (e *Engine) journalIncident(at time.Time, module, status, message string) {
	if e.journal == nil {
		return
	}
	_, err := e.journal.InsertHealthIncident(&store.HealthIncident{
		AtNs:    at.UnixNano(),
		Module:  module,
		Status:  status,
		Message: message,
	})
	if err != nil {
		e.logger.Warn("failed to journal incident", "module", module, "error", err)
		e.metrics.RecordError()
	}
}

// recoverSensor is the sensor module's recovery action: bounce the
// hook. Runs on the watchdog goroutine.
func (e *Engine) recoverSensor() {
	e.startMu.Lock()
	defer e.startMu.Unlock()

	if !e.sensor.Monitoring() {
		return
	}
	if err := e.sensor.Stop(); err != nil {
		e.logger.Warn("sensor recovery stop failed", "error", err)
		return
	}
	if err := e.sensor.Start(e.engineCtx()); err != nil {
		e.logger.Error("sensor recovery failed", "error", err)
		e.metrics.RecordError()
		return
	}
	e.handGesturesToPump()
	e.logger.Info("sensor restarted by recovery")
}

// recoverMachine is the machine module's recovery action: force the
// machine back to idle and close out every tracked shelf, since the
// context that bound them is gone.
func (e *Engine) recoverMachine() {
	e.mu.Lock()
	e.machine.Reset()
	if e.autoHide != nil {
		e.autoHide.Stop()
		e.autoHide = nil
	}
	ids := make([]string, 0, len(e.shelves))
	for id := range e.shelves {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		e.finishShelf(e.removeShelf(id), time.Now(), false)
	}
	e.logger.Warn("machine reset by recovery", "shelves_closed", len(ids))
}
