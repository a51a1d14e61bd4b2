package engine

import (
	"fmt"
	"time"

	"shelfd/internal/sensor"
	"shelfd/internal/session"
	"shelfd/internal/shelf"
	"shelfd/internal/store"
	"shelfd/internal/watcher"
)

const (
	// dispatchTimeout bounds how long a UI injection waits for the
	// pump before failing with ErrDispatchStalled.
	dispatchTimeout = 2 * time.Second

	// housekeepingInterval paces the keepalive reports. Must stay
	// well inside the watchdog's module timeout.
	housekeepingInterval = time.Second

	pruneInterval = 12 * time.Hour
)

// pump is the single dispatch goroutine. Every state machine input
// goes through here: classified gestures, UI injections, the
// auto-hide timer and session events.
func (e *Engine) pump() {
	defer e.wg.Done()
	defer e.crash.RecoverGoroutine()

	housekeeping := time.NewTicker(housekeepingInterval)
	defer housekeeping.Stop()
	prune := time.NewTicker(pruneInterval)
	defer prune.Stop()

	e.pruneJournal()

	var gestures <-chan sensor.Gesture
	sessionEvents := e.desktop.Events()

	for {
		select {
		case <-e.ctx.Done():
			return

		case ch := <-e.rearm:
			// A restart can beat the old channel's close notice;
			// any drag left over from the previous sensor session
			// ends before the new one feeds in.
			e.endOrphanedDrag()
			gestures = ch

		case g, ok := <-gestures:
			if !ok {
				// Sensor stopped. A drag the hook was mid-way
				// through never gets its button-up, so end it
				// here.
				gestures = nil
				e.endOrphanedDrag()
				continue
			}
			e.handleGesture(g)

		case inj := <-e.inject:
			e.handleInjection(inj)

		case ev, ok := <-sessionEvents:
			if !ok {
				sessionEvents = nil
				continue
			}
			e.handleSessionEvent(ev)

		case <-housekeeping.C:
			e.keepalive()

		case <-prune.C:
			e.pruneJournal()
		}
	}
}

// keepalive reports activity for every registered module. The
// watchdog's staleness tracking therefore measures one thing: whether
// the pump is still turning. A wedged pump silences all three modules
// at once and recovery fires.
func (e *Engine) keepalive() {
	e.monitor.ReportActivity(moduleSensor)
	e.monitor.ReportActivity(moduleBridge)
	e.monitor.ReportActivity(moduleMachine)
	e.metrics.UpdateUptime()
	e.metrics.SetBridgeQueueDepth(e.subscriberDepth())
}

// subscriberDepth sums the backlog across every subscriber queue.
func (e *Engine) subscriberDepth() int64 {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	var depth int64
	for _, q := range e.stateSubs {
		depth += int64(q.Len())
	}
	for _, q := range e.gestureSubs {
		depth += int64(q.Len())
	}
	for _, q := range e.healthSubs {
		depth += int64(q.Len())
	}
	for _, q := range e.sessionSubs {
		depth += int64(q.Len())
	}
	return depth
}

// handleGesture maps one classified gesture onto machine events and
// bookkeeping.
func (e *Engine) handleGesture(g sensor.Gesture) {
	start := time.Now()
	e.monitor.ReportActivity(moduleSensor)
	e.monitor.ReportActivity(moduleBridge)
	e.fanoutGesture(g)

	switch g.Kind {
	case sensor.GestureDragStart:
		e.mu.Lock()
		e.dragStartedAt = g.At
		e.dragShake = false
		e.dragFiles = len(g.Files)
		e.mu.Unlock()
		e.metrics.DragStarted()
		for _, f := range g.Files {
			e.logger.Debug("drag payload item", "path", f.Path, "kind", f.Kind(), "exists", f.Exists)
		}
		e.dispatch(shelf.EventStartDrag, g)

	case sensor.GestureShake:
		e.mu.Lock()
		e.dragShake = true
		e.mu.Unlock()
		e.metrics.RecordShake(g.Stats.DirectionChanges)
		if e.canCreateShelf() && e.canHandle(shelf.EventShakeDetected) {
			e.dispatch(shelf.EventShakeDetected, g)
		} else {
			e.logger.Debug("shake ignored",
				"state", e.State().String(),
				"shelves", e.shelfCount(),
			)
		}

	case sensor.GestureDragEnd:
		e.metrics.DragEnded(g.Stats.Elapsed)
		e.dispatch(shelf.EventEndDrag, g)
		e.journalDrag(g)
	}

	elapsed := time.Since(start)
	e.metrics.RecordGesture(elapsed)
	e.monitor.ReportLatency(elapsed)
}

// dispatch sends one event into the machine under the engine lock and
// runs the side effects the resulting transition asks for. Only the
// pump calls this.
func (e *Engine) dispatch(event shelf.Event, data any) bool {
	e.mu.Lock()
	before := e.machine.State()
	accepted := e.machine.Send(event, data)
	after := e.machine.State()
	mctx := e.machine.Context()
	e.mu.Unlock()

	if !accepted {
		e.metrics.RecordTransitionRejected()
		return false
	}
	e.monitor.ReportActivity(moduleMachine)
	e.afterTransition(before, after, event, mctx)
	return true
}

// afterTransition performs the engine's share of a completed
// transition. Shelf creation and cleanup completion are raised here
// rather than waited on: a headless daemon must never stall on a UI
// acknowledgment.
func (e *Engine) afterTransition(before, after shelf.State, event shelf.Event, mctx shelf.Context) {
	if after == shelf.ShelfAutoHideScheduled && before != after {
		e.armAutoHide()
	}
	if before == shelf.ShelfAutoHideScheduled && after != before {
		e.disarmAutoHide()
	}

	switch {
	case after == shelf.ShelfCreating:
		rec := e.createShelf(time.Now())
		e.dispatch(shelf.EventShelfCreated, rec.id)

	case after == shelf.CleanupInProgress:
		autoHidden := event == shelf.EventAutoHideTriggered
		if rec := e.removeShelf(mctx.ActiveShelfID); rec != nil {
			e.finishShelf(rec, time.Now(), autoHidden)
		}
		e.dispatch(shelf.EventCleanupComplete, nil)

	case event == shelf.EventItemsAdded:
		e.captureShelfItems(mctx.ActiveShelfID)

	case event == shelf.EventDropEnded:
		e.metrics.RecordDrop()
	}
}

// handleInjection dispatches a UI or timer event. A shelf ID naming a
// shelf other than the machine's active one may only close it; the
// close runs against the registry and journal without a transition.
func (e *Engine) handleInjection(inj injection) {
	var res injectionResult

	switch {
	case inj.shelfID == "" || inj.shelfID == e.activeShelfID():
		res.accepted = e.dispatch(inj.event, inj.data)

	case !e.shelfKnown(inj.shelfID):
		res.err = ErrShelfNotFound

	case inj.event == shelf.EventShelfClosed:
		if rec := e.removeShelf(inj.shelfID); rec != nil {
			e.finishShelf(rec, time.Now(), false)
			res.accepted = true
		} else {
			res.err = ErrShelfNotFound
		}

	default:
		res.err = ErrShelfNotActive
	}

	if inj.reply != nil {
		inj.reply <- res
	}
}

func (e *Engine) activeShelfID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.machine.Context().ActiveShelfID
}

func (e *Engine) shelfKnown(id string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.shelves[id]
	return ok
}

func (e *Engine) canCreateShelf() bool {
	limit := e.config().Shelf.MaxShelves
	return limit <= 0 || e.shelfCount() < limit
}

func (e *Engine) canHandle(event shelf.Event) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.machine.CanHandle(event)
}

// endOrphanedDrag closes out a drag whose button-up the hook never
// delivered. Runs when the gesture channel closes under an active
// drag.
func (e *Engine) endOrphanedDrag() {
	e.mu.RLock()
	dragging := e.machine.Context().IsDragging
	e.mu.RUnlock()
	if !dragging {
		return
	}
	e.logger.Warn("ending drag orphaned by sensor stop")
	e.dispatch(shelf.EventEndDrag, nil)
	e.mu.Lock()
	e.dragStartedAt = time.Time{}
	e.dragShake = false
	e.dragFiles = 0
	e.mu.Unlock()
}

// armAutoHide starts the hide grace timer. The callback posts onto
// the pump instead of touching the machine: timer goroutines never
// dispatch.
func (e *Engine) armAutoHide() {
	delay := e.config().Shelf.AutoHideDelay()
	e.mu.Lock()
	if e.autoHide != nil {
		e.autoHide.Stop()
	}
	e.autoHide = time.AfterFunc(delay, e.postAutoHide)
	e.mu.Unlock()
	e.logger.Debug("auto-hide armed", "delay", delay)
}

func (e *Engine) disarmAutoHide() {
	e.mu.Lock()
	if e.autoHide != nil {
		e.autoHide.Stop()
		e.autoHide = nil
	}
	e.mu.Unlock()
}

func (e *Engine) postAutoHide() {
	select {
	case e.inject <- injection{event: shelf.EventAutoHideTriggered}:
	case <-e.engineCtx().Done():
	}
}

// createShelf assigns the next shelf ID, opens its journal row and
// registers it. The journal insert happens before the record becomes
// visible so a concurrent close always sees the final row id.
func (e *Engine) createShelf(now time.Time) *shelfRecord {
	e.mu.Lock()
	e.shelfSeq++
	rec := &shelfRecord{
		id:        fmt.Sprintf("shelf-%d", e.shelfSeq),
		createdAt: now,
		items:     make(map[string]bool),
	}
	e.mu.Unlock()

	if e.journal != nil {
		row, err := e.journal.InsertShelfSession(&store.ShelfSession{
			ShelfID:   rec.id,
			CreatedNs: now.UnixNano(),
		})
		if err != nil {
			e.logger.Warn("failed to journal shelf creation", "shelf", rec.id, "error", err)
			e.metrics.RecordError()
		} else {
			rec.row = row
		}
	}

	e.mu.Lock()
	e.shelves[rec.id] = rec
	e.mu.Unlock()

	e.metrics.ShelfCreated()
	e.logger.Info("shelf created", "shelf", rec.id)
	return rec
}

// removeShelf takes a shelf out of the registry, returning nil when
// the ID is unknown.
func (e *Engine) removeShelf(id string) *shelfRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.shelves[id]
	if !ok {
		return nil
	}
	delete(e.shelves, id)
	return rec
}

// finishShelf releases a removed shelf's item watches and closes its
// journal row.
func (e *Engine) finishShelf(rec *shelfRecord, at time.Time, autoHidden bool) {
	if rec == nil {
		return
	}
	for path := range rec.items {
		e.items.Untrack(path)
	}
	e.metrics.ShelfDestroyed()

	if e.journal != nil && rec.row != 0 {
		err := e.journal.CloseShelfSession(rec.row, at.UnixNano(), len(rec.items), rec.pinned, autoHidden)
		if err != nil {
			e.logger.Warn("failed to journal shelf close", "shelf", rec.id, "error", err)
			e.metrics.RecordError()
		}
	}
	e.logger.Info("shelf closed",
		"shelf", rec.id,
		"items", len(rec.items),
		"auto_hidden", autoHidden,
	)
}

// captureShelfItems snapshots the sensor's dragged files onto the
// shelf and starts watching them. The sensor keeps the payload
// readable for a grace period after button-up, which covers the UI
// reporting items_added just after the drop.
func (e *Engine) captureShelfItems(shelfID string) {
	if shelfID == "" {
		return
	}
	files := e.sensor.DraggedFiles()
	if len(files) == 0 {
		return
	}

	var added []string
	skipped := 0

	e.mu.Lock()
	rec, ok := e.shelves[shelfID]
	if ok {
		for _, f := range files {
			clean, err := e.itemPaths.ValidatePath(f.Path)
			if err != nil {
				skipped++
				continue
			}
			if _, dup := rec.items[clean]; dup {
				continue
			}
			rec.items[clean] = f.Exists
			added = append(added, clean)
		}
	}
	e.mu.Unlock()

	if !ok {
		return
	}
	for _, p := range added {
		if err := e.items.Track(p); err != nil {
			e.logger.Warn("failed to watch shelf item", "path", p, "error", err)
		}
	}
	if skipped > 0 {
		e.logger.Warn("dropped invalid item paths", "shelf", shelfID, "count", skipped)
	}
	if len(added) > 0 {
		e.logger.Info("items added", "shelf", shelfID, "count", len(added))
	}
}

// handleSessionEvent applies the session pause policy and fans the
// event out to subscribers.
func (e *Engine) handleSessionEvent(ev session.Event) {
	e.fanoutSession(ev)
	cfg := e.config()

	switch ev.Kind {
	case session.Locked:
		if cfg.Session.PauseOnLock {
			e.pauseForSession(ev.Kind)
		}
	case session.Sleeping:
		if cfg.Session.PauseOnSleep {
			e.pauseForSession(ev.Kind)
		}
	case session.Unlocked, session.Resumed:
		if e.desktop.Active() {
			e.resumeForSession(ev.Kind)
		}
	}
}

// pauseForSession stops the sensor for a lock or sleep and remembers
// to restart it. Runs on the pump; the closed gesture channel is
// observed on the next loop turn.
func (e *Engine) pauseForSession(kind session.EventKind) {
	e.startMu.Lock()
	defer e.startMu.Unlock()

	if !e.sensor.Monitoring() {
		return
	}
	if err := e.sensor.Stop(); err != nil {
		e.logger.Warn("failed to pause sensing", "error", err)
		return
	}
	e.mu.Lock()
	e.resumeSensing = true
	e.mu.Unlock()

	e.audit.LogSessionPause(e.engineCtx(), kind.String())
	e.logger.Info("sensing paused", "reason", kind.String())
}

// resumeForSession restarts the sensor after an unlock or wake, but
// only when the pause above stopped it. A sensor the user stopped by
// hand stays stopped.
func (e *Engine) resumeForSession(kind session.EventKind) {
	e.startMu.Lock()
	defer e.startMu.Unlock()

	e.mu.Lock()
	want := e.resumeSensing
	e.resumeSensing = false
	e.mu.Unlock()

	if !want || e.sensor.Monitoring() {
		return
	}
	if ok, reason := e.sensor.Available(); !ok {
		e.logger.Warn("cannot resume sensing", "reason", reason)
		return
	}
	if err := e.sensor.Start(e.engineCtx()); err != nil {
		e.logger.Error("failed to resume sensing", "error", err)
		e.metrics.RecordError()
		return
	}
	e.handGesturesToPump()

	e.audit.LogSessionResume(e.engineCtx(), kind.String())
	e.logger.Info("sensing resumed", "reason", kind.String())
}

// journalDrag writes the drag-session row at drag end.
func (e *Engine) journalDrag(g sensor.Gesture) {
	if e.journal == nil {
		return
	}
	e.mu.Lock()
	startedAt := e.dragStartedAt
	shake := e.dragShake
	files := e.dragFiles
	e.dragStartedAt = time.Time{}
	e.dragShake = false
	e.dragFiles = 0
	e.mu.Unlock()

	if startedAt.IsZero() {
		startedAt = g.At.Add(-g.Stats.Elapsed)
	}

	_, err := e.journal.InsertDragSession(&store.DragSession{
		StartedNs:        startedAt.UnixNano(),
		EndedNs:          g.At.UnixNano(),
		Distance:         g.Stats.TotalDistance,
		MoveCount:        g.Stats.MoveCount,
		DirectionChanges: g.Stats.DirectionChanges,
		MaxVelocity:      g.Stats.MaxVelocity,
		AvgVelocity:      g.Stats.AvgVelocity,
		FileCount:        files,
		ShakeDetected:    shake,
	})
	if err != nil {
		e.logger.Warn("failed to journal drag session", "error", err)
		e.metrics.RecordError()
	}
}

// pruneJournal drops rows older than the retention window.
func (e *Engine) pruneJournal() {
	if e.journal == nil {
		return
	}
	retention := e.config().Journal.Retention()
	if retention <= 0 {
		return
	}
	before := time.Now().Add(-retention).UnixNano()
	removed, err := e.journal.Prune(before)
	if err != nil {
		e.logger.Warn("journal prune failed", "error", err)
		e.metrics.RecordError()
		return
	}
	if removed > 0 {
		e.audit.LogJournalPrune(e.engineCtx(), removed)
		e.logger.Info("journal pruned", "removed", removed)
	}
}

// itemLoop consumes the item watcher and keeps shelf item existence
// current.
func (e *Engine) itemLoop() {
	defer e.wg.Done()
	defer e.crash.RecoverGoroutine()

	events := e.items.Events()
	errs := e.items.Errors()

	for {
		select {
		case <-e.ctx.Done():
			return
		case up, ok := <-events:
			if !ok {
				return
			}
			e.applyItemUpdate(up)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			e.logger.Warn("item watcher error", "error", err)
		}
	}
}

func (e *Engine) applyItemUpdate(up watcher.Update) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, rec := range e.shelves {
		if _, tracked := rec.items[up.Path]; tracked {
			rec.items[up.Path] = up.Exists
		}
	}
}
