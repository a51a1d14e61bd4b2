package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"shelfd/internal/config"
	"shelfd/internal/engine"
	"shelfd/internal/health"
	"shelfd/internal/logging"
	"shelfd/internal/sensor"
	"shelfd/internal/session"
	"shelfd/internal/shelf"
	"shelfd/internal/store"
)

// History queries without an explicit limit return this many rows.
const defaultHistoryLimit = 50

// DaemonHandlerConfig carries the daemon components the control
// surface exposes.
type DaemonHandlerConfig struct {
	// Engine is the running daemon core. Required.
	Engine *engine.Engine

	// Loader re-reads the configuration file on reload requests.
	// When nil, reload requests are refused.
	Loader *config.Loader

	// Version is the daemon version reported in status responses.
	Version string

	// Audit receives control-plane audit records. Nil falls back to
	// the process-wide audit logger.
	Audit *logging.AuditLogger

	// OnShutdown runs once when a privileged client requests daemon
	// shutdown. It is invoked on its own goroutine after the
	// acknowledgement is queued, so it may tear the server down.
	OnShutdown func()
}

// DaemonHandler serves the control protocol over a running engine.
// One instance is shared by every client connection.
type DaemonHandler struct {
	mu          sync.RWMutex
	engine      *engine.Engine
	loader      *config.Loader
	audit       *logging.AuditLogger
	version     string
	broadcaster func(*Event)

	onShutdown   func()
	shutdownOnce sync.Once
}

// NewDaemonHandler creates the daemon-side message handler.
func NewDaemonHandler(cfg DaemonHandlerConfig) *DaemonHandler {
	audit := cfg.Audit
	if audit == nil {
		audit = logging.DefaultAuditLogger()
	}
	return &DaemonHandler{
		engine:     cfg.Engine,
		loader:     cfg.Loader,
		audit:      audit,
		version:    cfg.Version,
		onShutdown: cfg.OnShutdown,
	}
}

// SetBroadcaster wires the server's event fan-out into the handler so
// control operations can announce what they changed.
func (h *DaemonHandler) SetBroadcaster(fn func(*Event)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcaster = fn
}

func (h *DaemonHandler) broadcast(ev *Event) {
	h.mu.RLock()
	fn := h.broadcaster
	h.mu.RUnlock()
	if fn != nil {
		fn(ev)
	}
}

// HandleMessage dispatches one decoded request to its handler.
func (h *DaemonHandler) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	switch msg.Header.Type {
	case MsgStatusRequest:
		return h.handleStatus(ctx, client, msg)

	case MsgSensorStart:
		return h.handleSensorStart(ctx, client, msg)

	case MsgSensorStop:
		return h.handleSensorStop(ctx, client, msg)

	case MsgSensorFiles:
		return h.handleSensorFiles(ctx, client, msg)

	case MsgShelfState:
		return h.handleShelfState(ctx, client, msg)

	case MsgShelfSendEvent:
		return h.handleShelfSendEvent(ctx, client, msg)

	case MsgHealthStatus:
		return h.handleHealthStatus(ctx, client, msg)

	case MsgHealthMetrics:
		return h.handleHealthMetrics(ctx, client, msg)

	case MsgHealthRecover:
		return h.handleHealthRecover(ctx, client, msg)

	case MsgJournalHistory:
		return h.handleJournalHistory(ctx, client, msg)

	case MsgConfigGet:
		return h.handleConfigGet(ctx, client, msg)

	case MsgConfigReload:
		return h.handleConfigReload(ctx, client, msg)

	case MsgShutdown:
		return h.handleShutdown(ctx, client, msg)

	default:
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest,
			fmt.Sprintf("unknown message type: %d", msg.Header.Type)), nil
	}
}

// handleStatus reports the daemon's operational picture.
func (h *DaemonHandler) handleStatus(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	var req StatusRequest
	if len(msg.Payload) > 0 {
		if err := Decode(msg.Payload, &req); err != nil {
			return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid request"), nil
		}
	}

	avail, detail := h.engine.SensorAvailable()
	resp := &StatusResponse{
		Version:         h.version,
		Uptime:          h.engine.Uptime(),
		StartedAt:       h.engine.StartedAt(),
		Monitoring:      h.engine.Monitoring(),
		SensorAvailable: avail,
		SensorDetail:    detail,
		State:           h.engine.State().String(),
		Context:         shelfContextFrom(h.engine.Context()),
		ActiveDrag:      h.engine.ActiveDrag(),
		FileCount:       h.engine.FileCount(),
		Health:          h.engine.HealthStatus().String(),
		SessionActive:   h.engine.SessionActive(),
	}

	if req.IncludeShelves {
		resp.Shelves = shelfSummariesFrom(h.engine.Shelves())
	}
	if req.IncludeConfig {
		cfg, err := configMap(h.engine.ConfigSnapshot(), nil)
		if err != nil {
			return NewErrorMessage(msg.Header.RequestID, ErrInternalError, "failed to encode config"), nil
		}
		resp.Config = cfg
	}

	return NewResponse(MsgStatusResponse, msg.Header.RequestID, resp)
}

// handleSensorStart installs the pointer hook and begins gesture
// classification.
func (h *DaemonHandler) handleSensorStart(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	if client.Permission < PermReadWrite {
		return NewErrorMessage(msg.Header.RequestID, ErrPermissionDenied, "write permission required"), nil
	}

	err := h.engine.StartSensing()
	h.audit.LogSensorControl(ctx, "start", client.ID, err)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrAlreadyMonitoring):
			return NewErrorMessage(msg.Header.RequestID, ErrAlreadyMonitoring, err.Error()), nil
		case errors.Is(err, engine.ErrSensorUnavailable):
			return NewErrorMessage(msg.Header.RequestID, ErrNotFound, err.Error()), nil
		default:
			return NewErrorMessage(msg.Header.RequestID, ErrInternalError, err.Error()), nil
		}
	}

	return NewResponse(MsgSensorStartResp, msg.Header.RequestID, &SensorStartResponse{Success: true})
}

// handleSensorStop uninstalls the pointer hook.
func (h *DaemonHandler) handleSensorStop(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	if client.Permission < PermReadWrite {
		return NewErrorMessage(msg.Header.RequestID, ErrPermissionDenied, "write permission required"), nil
	}

	err := h.engine.StopSensing()
	h.audit.LogSensorControl(ctx, "stop", client.ID, err)
	if err != nil {
		if errors.Is(err, engine.ErrNotMonitoring) {
			return NewErrorMessage(msg.Header.RequestID, ErrNotMonitoring, err.Error()), nil
		}
		return NewErrorMessage(msg.Header.RequestID, ErrInternalError, err.Error()), nil
	}

	return NewResponse(MsgSensorStopResp, msg.Header.RequestID, &SensorStopResponse{Success: true})
}

// handleSensorFiles returns the payload riding the current drag.
func (h *DaemonHandler) handleSensorFiles(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	files := h.engine.DraggedFiles()
	resp := &SensorFilesResponse{
		ActiveDrag: h.engine.ActiveDrag(),
		FileCount:  len(files),
		Files:      fileInfosFrom(files),
	}
	return NewResponse(MsgSensorFilesResp, msg.Header.RequestID, resp)
}

// handleShelfState returns the machine state and extended context.
func (h *DaemonHandler) handleShelfState(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	resp := &ShelfStateResponse{
		State:          h.engine.State().String(),
		Context:        shelfContextFrom(h.engine.Context()),
		RejectedEvents: h.engine.RejectedEvents(),
	}
	return NewResponse(MsgShelfStateResp, msg.Header.RequestID, resp)
}

// handleShelfSendEvent injects a UI-layer event into the machine.
func (h *DaemonHandler) handleShelfSendEvent(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	if client.Permission < PermReadWrite {
		return NewErrorMessage(msg.Header.RequestID, ErrPermissionDenied, "write permission required"), nil
	}

	var req ShelfSendEventRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid request"), nil
	}

	ev, err := shelf.ParseEvent(req.Event)
	if err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, err.Error()), nil
	}

	accepted, err := h.engine.SendUIEvent(ev, req.ShelfID)
	h.audit.LogEventInjection(ctx, client.ID, req.Event, accepted)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrEventNotInjectable), errors.Is(err, engine.ErrShelfNotActive):
			return NewErrorMessage(msg.Header.RequestID, ErrEventRejected, err.Error()), nil
		case errors.Is(err, engine.ErrShelfNotFound):
			return NewErrorMessage(msg.Header.RequestID, ErrNotFound, err.Error()), nil
		default:
			return NewErrorMessage(msg.Header.RequestID, ErrInternalError, err.Error()), nil
		}
	}

	resp := &ShelfSendEventResponse{
		Accepted: accepted,
		State:    h.engine.State().String(),
	}
	return NewResponse(MsgShelfSendEventResp, msg.Header.RequestID, resp)
}

// handleHealthStatus reports derived health with per-module detail.
func (h *DaemonHandler) handleHealthStatus(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	wd := h.engine.HealthMetrics()
	resp := &HealthStatusResponse{
		Status: h.engine.HealthStatus().String(),
		Watchdog: WatchdogMetrics{
			LastEventTime:   wd.LastEventTime,
			EventsProcessed: wd.EventsProcessed,
			ErrorsCount:     wd.ErrorsCount,
			AvgLatencyMs:    wd.AvgLatencyMs,
			Status:          wd.Status.String(),
		},
		Modules: moduleInfosFrom(h.engine.HealthModules()),
	}
	return NewResponse(MsgHealthStatusResp, msg.Header.RequestID, resp)
}

// handleHealthMetrics returns the daemon counter snapshot.
func (h *DaemonHandler) handleHealthMetrics(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	resp := &HealthMetricsResponse{Metrics: h.engine.MetricsSnapshot()}
	return NewResponse(MsgHealthMetricsResp, msg.Header.RequestID, resp)
}

// handleHealthRecover triggers module recovery, or the emergency
// cleanup when no module is named.
func (h *DaemonHandler) handleHealthRecover(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	if client.Permission < PermReadWrite {
		return NewErrorMessage(msg.Header.RequestID, ErrPermissionDenied, "write permission required"), nil
	}

	var req HealthRecoverRequest
	if len(msg.Payload) > 0 {
		if err := Decode(msg.Payload, &req); err != nil {
			return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid request"), nil
		}
	}

	if req.Module == "" {
		h.engine.EmergencyCleanup()
		h.audit.LogRecovery(ctx, client.ID, "emergency", true)
		return NewResponse(MsgHealthRecoverResp, msg.Header.RequestID, &HealthRecoverResponse{Success: true})
	}

	ok := h.engine.RecoverModule(req.Module)
	h.audit.LogRecovery(ctx, client.ID, req.Module, ok)
	if !ok {
		return NewErrorMessage(msg.Header.RequestID, ErrNotFound,
			fmt.Sprintf("unknown module: %s", req.Module)), nil
	}

	return NewResponse(MsgHealthRecoverResp, msg.Header.RequestID, &HealthRecoverResponse{Success: true})
}

// handleJournalHistory queries the session journal.
func (h *DaemonHandler) handleJournalHistory(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	var req JournalHistoryRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid request"), nil
	}

	journal := h.engine.Journal()
	if journal == nil {
		return NewErrorMessage(msg.Header.RequestID, ErrNotFound, "journal is disabled"), nil
	}

	limit := req.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	// A since/until window queries the range directly; otherwise the
	// most recent rows are returned.
	ranged := req.SinceNs > 0 || req.UntilNs > 0
	until := req.UntilNs
	if ranged && until == 0 {
		until = time.Now().UnixNano()
	}

	resp := &JournalHistoryResponse{Kind: req.Kind}
	switch req.Kind {
	case "drags":
		var rows []store.DragSession
		var err error
		if ranged {
			rows, err = journal.GetDragSessions(req.SinceNs, until)
		} else {
			rows, err = journal.RecentDragSessions(limit)
		}
		if err != nil {
			return NewErrorMessage(msg.Header.RequestID, ErrInternalError, "journal query failed"), nil
		}
		if ranged && req.Limit > 0 && len(rows) > req.Limit {
			rows = rows[:req.Limit]
		}
		resp.Drags = dragRecordsFrom(rows)
		resp.Total = len(resp.Drags)

	case "shelves":
		var rows []store.ShelfSession
		var err error
		if ranged {
			rows, err = journal.GetShelfSessions(req.SinceNs, until)
		} else {
			rows, err = journal.RecentShelfSessions(limit)
		}
		if err != nil {
			return NewErrorMessage(msg.Header.RequestID, ErrInternalError, "journal query failed"), nil
		}
		if ranged && req.Limit > 0 && len(rows) > req.Limit {
			rows = rows[:req.Limit]
		}
		resp.Shelves = shelfRecordsFrom(rows)
		resp.Total = len(resp.Shelves)

	case "incidents":
		var rows []store.HealthIncident
		var err error
		if ranged {
			rows, err = journal.GetHealthIncidents(req.SinceNs, until)
		} else {
			rows, err = journal.RecentHealthIncidents(limit)
		}
		if err != nil {
			return NewErrorMessage(msg.Header.RequestID, ErrInternalError, "journal query failed"), nil
		}
		if ranged && req.Limit > 0 && len(rows) > req.Limit {
			rows = rows[:req.Limit]
		}
		resp.Incidents = incidentRecordsFrom(rows)
		resp.Total = len(resp.Incidents)

	default:
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest,
			fmt.Sprintf("unknown journal kind: %q", req.Kind)), nil
	}

	return NewResponse(MsgJournalHistoryResp, msg.Header.RequestID, resp)
}

// handleConfigGet returns the running configuration, optionally
// filtered to the requested top-level sections.
func (h *DaemonHandler) handleConfigGet(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	var req ConfigGetRequest
	if len(msg.Payload) > 0 {
		if err := Decode(msg.Payload, &req); err != nil {
			return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid request"), nil
		}
	}

	cfg, err := configMap(h.engine.ConfigSnapshot(), req.Keys)
	if err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInternalError, "failed to encode config"), nil
	}

	return NewResponse(MsgConfigGetResp, msg.Header.RequestID, &ConfigGetResponse{Config: cfg})
}

// handleConfigReload re-reads the configuration file and applies it to
// the engine. A file that fails to parse or validate leaves the
// running configuration untouched.
func (h *DaemonHandler) handleConfigReload(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	if client.Permission < PermFullControl {
		return NewErrorMessage(msg.Header.RequestID, ErrPermissionDenied, "full control required"), nil
	}
	if h.loader == nil {
		return NewErrorMessage(msg.Header.RequestID, ErrNotFound, "no configuration file to reload"), nil
	}

	cfg, err := h.loader.Load()
	h.audit.LogConfigReload(ctx, h.loader.Path(), err)
	if err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInternalError, err.Error()), nil
	}

	h.engine.Reload(cfg)
	h.broadcast(&Event{
		Type:      EventConfigChanged,
		Timestamp: time.Now(),
		Data:      map[string]string{"path": h.loader.Path()},
	})

	return NewResponse(MsgConfigReloadResp, msg.Header.RequestID, &ConfigReloadResponse{Success: true})
}

// handleShutdown asks the daemon to exit. The acknowledgement is
// queued before the shutdown callback runs, but the client may still
// see the connection drop instead of the reply.
func (h *DaemonHandler) handleShutdown(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	if client.Permission < PermFullControl {
		return NewErrorMessage(msg.Header.RequestID, ErrPermissionDenied, "full control required"), nil
	}

	h.audit.LogShutdown(ctx, "requested over ipc by "+client.ID)
	h.broadcast(&Event{Type: EventDaemonShutdown, Timestamp: time.Now()})

	h.mu.RLock()
	fn := h.onShutdown
	h.mu.RUnlock()
	if fn != nil {
		h.shutdownOnce.Do(func() { go fn() })
	}

	return NewMessage(MsgShutdown, msg.Header.RequestID, nil), nil
}

// Wire conversions.

func shelfContextFrom(c shelf.Context) ShelfContext {
	return ShelfContext{
		IsDragging:        c.IsDragging,
		ActiveShelfID:     c.ActiveShelfID,
		HasItems:          c.HasItems,
		DropInProgress:    c.DropInProgress,
		AutoHideScheduled: c.AutoHideScheduled,
	}
}

func shelfSummariesFrom(shelves []engine.ShelfInfo) []ShelfSummary {
	if len(shelves) == 0 {
		return nil
	}
	out := make([]ShelfSummary, len(shelves))
	for i, s := range shelves {
		out[i] = ShelfSummary{
			ID:           s.ID,
			CreatedAt:    s.CreatedAt,
			ItemCount:    s.ItemCount,
			MissingItems: s.MissingItems,
			Pinned:       s.Pinned,
		}
	}
	return out
}

func fileInfosFrom(files []sensor.FileDescriptor) []FileInfo {
	if len(files) == 0 {
		return nil
	}
	out := make([]FileInfo, len(files))
	for i, f := range files {
		out[i] = FileInfo{
			Path:        f.Path,
			Name:        f.Name,
			Extension:   f.Extension,
			SizeBytes:   f.SizeBytes,
			IsDirectory: f.IsDirectory,
			Exists:      f.Exists,
		}
	}
	return out
}

func moduleInfosFrom(mods map[string]health.ModuleHealth) map[string]ModuleInfo {
	if len(mods) == 0 {
		return nil
	}
	out := make(map[string]ModuleInfo, len(mods))
	for name, m := range mods {
		out[name] = ModuleInfo{
			LastActivity: m.LastActivity,
			ErrorCount:   m.ErrorCount,
			Responding:   m.Responding,
		}
	}
	return out
}

func dragRecordsFrom(rows []store.DragSession) []DragRecord {
	if len(rows) == 0 {
		return nil
	}
	out := make([]DragRecord, len(rows))
	for i, r := range rows {
		out[i] = DragRecord{
			ID:               r.ID,
			StartedNs:        r.StartedNs,
			EndedNs:          r.EndedNs,
			Distance:         r.Distance,
			MoveCount:        r.MoveCount,
			DirectionChanges: r.DirectionChanges,
			MaxVelocity:      r.MaxVelocity,
			AvgVelocity:      r.AvgVelocity,
			FileCount:        r.FileCount,
			ShakeDetected:    r.ShakeDetected,
		}
	}
	return out
}

func shelfRecordsFrom(rows []store.ShelfSession) []ShelfRecord {
	if len(rows) == 0 {
		return nil
	}
	out := make([]ShelfRecord, len(rows))
	for i, r := range rows {
		out[i] = ShelfRecord{
			ID:          r.ID,
			ShelfID:     r.ShelfID,
			CreatedNs:   r.CreatedNs,
			DestroyedNs: r.DestroyedNs,
			ItemCount:   r.ItemCount,
			Pinned:      r.Pinned,
			AutoHidden:  r.AutoHidden,
		}
	}
	return out
}

func incidentRecordsFrom(rows []store.HealthIncident) []IncidentRecord {
	if len(rows) == 0 {
		return nil
	}
	out := make([]IncidentRecord, len(rows))
	for i, r := range rows {
		out[i] = IncidentRecord{
			ID:      r.ID,
			AtNs:    r.AtNs,
			Module:  r.Module,
			Status:  r.Status,
			Message: r.Message,
		}
	}
	return out
}

// configMap flattens the configuration to the generic shape carried on
// the wire. Keys filter to the named top-level sections.
func configMap(cfg *config.Config, keys []string) (map[string]any, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var full map[string]any
	if err := json.Unmarshal(raw, &full); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return full, nil
	}
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := full[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

// Streamed event constructors used by the daemon's broadcast bridge.

// NewGestureEvent wraps a classified gesture for the event stream.
func NewGestureEvent(g sensor.Gesture) *Event {
	return &Event{
		Type:      EventGesture,
		Timestamp: g.At,
		Data: &GestureEvent{
			Kind:      g.Kind.String(),
			X:         g.X,
			Y:         g.Y,
			At:        g.At,
			FileCount: len(g.Files),
			Files:     fileInfosFrom(g.Files),
			Stats: GestureStats{
				Points:           g.Stats.Points,
				TotalDistance:    g.Stats.TotalDistance,
				MoveCount:        g.Stats.MoveCount,
				DirectionChanges: g.Stats.DirectionChanges,
				MaxVelocity:      g.Stats.MaxVelocity,
				AvgVelocity:      g.Stats.AvgVelocity,
				Elapsed:          g.Stats.Elapsed,
			},
		},
	}
}

// NewStateChangeEvent wraps a machine transition for the event stream.
func NewStateChangeEvent(c shelf.Change) *Event {
	return &Event{
		Type:      EventStateChange,
		Timestamp: time.Now(),
		Data: &StateChangeEvent{
			From:    c.From.String(),
			To:      c.To.String(),
			Event:   c.Event.String(),
			Context: shelfContextFrom(c.Context),
		},
	}
}

// NewHealthChangeEvent wraps a derived health transition for the
// event stream.
func NewHealthChangeEvent(hc engine.HealthChange) *Event {
	return &Event{
		Type:      EventHealthChange,
		Timestamp: hc.At,
		Data: &HealthChangeEvent{
			From: hc.From.String(),
			To:   hc.To.String(),
		},
	}
}

// NewSessionChangeEvent wraps a desktop session transition for the
// event stream.
func NewSessionChangeEvent(ev session.Event) *Event {
	return &Event{
		Type:      EventSessionChange,
		Timestamp: ev.At,
		Data: &SessionChangeEvent{
			Kind: ev.Kind.String(),
			At:   ev.At,
		},
	}
}
