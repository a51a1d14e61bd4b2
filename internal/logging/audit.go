package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

// Audit event types. The audit log records control operations, not
// gesture traffic; per-drag history lives in the journal.
const (
	AuditEventStartup       AuditEventType = "startup"
	AuditEventShutdown      AuditEventType = "shutdown"
	AuditEventConfigReload  AuditEventType = "config_reload"
	AuditEventAuth          AuditEventType = "authentication"
	AuditEventSensorControl AuditEventType = "sensor_control"
	AuditEventInjection     AuditEventType = "event_injection"
	AuditEventRecovery      AuditEventType = "recovery"
	AuditEventPrune         AuditEventType = "journal_prune"
	AuditEventSessionPause  AuditEventType = "session_pause"
	AuditEventSessionResume AuditEventType = "session_resume"
	AuditEventRateLimit     AuditEventType = "rate_limited"
	AuditEventError         AuditEventType = "error"
)

// AuditEvent represents a control operation against the daemon.
type AuditEvent struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType AuditEventType         `json:"event_type"`
	Component string                 `json:"component"`
	Action    string                 `json:"action"`
	Resource  string                 `json:"resource,omitempty"`
	Result    string                 `json:"result"` // "success", "failure", "denied"
	Client    string                 `json:"client,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Error     string                 `json:"error,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// AuditLoggerConfig holds configuration for the audit logger.
type AuditLoggerConfig struct {
	// FilePath is the path to the audit log file.
	FilePath string

	// MaxSizeMB is the maximum size in MB before rotation.
	MaxSizeMB int64

	// MaxAge is the maximum age in days before deletion.
	MaxAge int

	// MaxBackups is the maximum number of rotated files to keep.
	MaxBackups int

	// Compress determines if rotated logs should be compressed.
	Compress bool

	// Component is the component name for audit events.
	Component string
}

// DefaultAuditConfig returns default audit logger configuration.
func DefaultAuditConfig() *AuditLoggerConfig {
	return &AuditLoggerConfig{
		FilePath:   defaultAuditLogPath(),
		MaxSizeMB:  20,
		MaxAge:     90,
		MaxBackups: 5,
		Compress:   true,
		Component:  "shelfd",
	}
}

// defaultAuditLogPath puts the audit log next to the daemon log.
func defaultAuditLogPath() string {
	return filepath.Join(filepath.Dir(defaultLogPath()), "audit.log")
}

// AuditLogger writes control operations as JSON lines through a
// rotating file.
type AuditLogger struct {
	config  *AuditLoggerConfig
	rotator *Rotator
	logger  *slog.Logger
	mu      sync.Mutex
}

var (
	defaultAuditLogger *AuditLogger
	auditLoggerOnce    sync.Once
)

// DefaultAuditLogger returns the default global audit logger.
func DefaultAuditLogger() *AuditLogger {
	auditLoggerOnce.Do(func() {
		var err error
		defaultAuditLogger, err = NewAuditLogger(DefaultAuditConfig())
		if err != nil {
			// Fall back to stderr
			defaultAuditLogger = &AuditLogger{
				config: DefaultAuditConfig(),
				logger: slog.Default(),
			}
		}
	})
	return defaultAuditLogger
}

// SetDefaultAuditLogger sets the default global audit logger.
func SetDefaultAuditLogger(l *AuditLogger) {
	defaultAuditLogger = l
}

// NewAuditLogger creates a new AuditLogger.
func NewAuditLogger(cfg *AuditLoggerConfig) (*AuditLogger, error) {
	if cfg == nil {
		cfg = DefaultAuditConfig()
	}

	rotatorCfg := &Config{
		FilePath:   cfg.FilePath,
		MaxSizeMB:  cfg.MaxSizeMB,
		MaxAge:     cfg.MaxAge,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
		Format:     FormatJSON,
		Level:      LevelInfo,
	}

	rotator, err := NewRotator(rotatorCfg)
	if err != nil {
		return nil, fmt.Errorf("create audit rotator: %w", err)
	}

	handler := slog.NewJSONHandler(rotator, &slog.HandlerOptions{Level: LevelInfo})

	return &AuditLogger{
		config:  cfg,
		rotator: rotator,
		logger:  slog.New(handler),
	}, nil
}

// Log writes an audit event.
func (a *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Component == "" {
		event.Component = a.config.Component
	}
	if event.RequestID == "" {
		event.RequestID = RequestIDFromContext(ctx)
	}

	if a.rotator == nil {
		// Fallback logger path
		a.logger.InfoContext(ctx, "audit", slog.String("event_type", string(event.EventType)), slog.String("action", event.Action))
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	data = append(data, '\n')
	if _, err := a.rotator.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}

	return nil
}

// LogStartup logs a daemon startup event.
func (a *AuditLogger) LogStartup(ctx context.Context, version string, details map[string]interface{}) error {
	if details == nil {
		details = make(map[string]interface{})
	}
	details["version"] = version
	details["pid"] = os.Getpid()
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventStartup,
		Action:    "daemon_started",
		Result:    "success",
		Details:   details,
	})
}

// LogShutdown logs a daemon shutdown event.
func (a *AuditLogger) LogShutdown(ctx context.Context, reason string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventShutdown,
		Action:    "daemon_stopped",
		Result:    "success",
		Details: map[string]interface{}{
			"reason": reason,
		},
	})
}

// LogConfigReload logs a configuration reload, successful or not.
func (a *AuditLogger) LogConfigReload(ctx context.Context, path string, err error) error {
	event := AuditEvent{
		EventType: AuditEventConfigReload,
		Action:    "config_reloaded",
		Resource:  path,
		Result:    "success",
	}
	if err != nil {
		event.Result = "failure"
		event.Error = err.Error()
	}
	return a.Log(ctx, event)
}

// LogAuth logs an IPC client authentication attempt.
func (a *AuditLogger) LogAuth(ctx context.Context, client string, success bool) error {
	result := "success"
	if !success {
		result = "denied"
	}
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventAuth,
		Action:    "client_auth",
		Result:    result,
		Client:    client,
	})
}

// LogSensorControl logs a sensor start or stop requested over IPC.
func (a *AuditLogger) LogSensorControl(ctx context.Context, action, client string, err error) error {
	event := AuditEvent{
		EventType: AuditEventSensorControl,
		Action:    action,
		Result:    "success",
		Client:    client,
	}
	if err != nil {
		event.Result = "failure"
		event.Error = err.Error()
	}
	return a.Log(ctx, event)
}

// LogEventInjection logs a state machine event injected over IPC.
// Denied injections are recorded with the rejected event name.
func (a *AuditLogger) LogEventInjection(ctx context.Context, client, event string, allowed bool) error {
	result := "success"
	if !allowed {
		result = "denied"
	}
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventInjection,
		Action:    "send_event",
		Resource:  event,
		Result:    result,
		Client:    client,
	})
}

// LogRecovery logs a manual module recovery request.
func (a *AuditLogger) LogRecovery(ctx context.Context, client, module string, success bool) error {
	result := "success"
	if !success {
		result = "failure"
	}
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventRecovery,
		Action:    "module_recover",
		Resource:  module,
		Result:    result,
		Client:    client,
	})
}

// LogJournalPrune logs a retention sweep of the session journal.
func (a *AuditLogger) LogJournalPrune(ctx context.Context, removed int64) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventPrune,
		Action:    "journal_pruned",
		Result:    "success",
		Details: map[string]interface{}{
			"rows_removed": removed,
		},
	})
}

// LogSessionPause logs a sensing pause caused by the desktop session.
func (a *AuditLogger) LogSessionPause(ctx context.Context, reason string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventSessionPause,
		Action:    "sensing_paused",
		Result:    "success",
		Details: map[string]interface{}{
			"reason": reason,
		},
	})
}

// LogSessionResume logs sensing resuming after a session pause.
func (a *AuditLogger) LogSessionResume(ctx context.Context, reason string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventSessionResume,
		Action:    "sensing_resumed",
		Result:    "success",
		Details: map[string]interface{}{
			"reason": reason,
		},
	})
}

// LogRateLimited logs a client request dropped by the rate limiter.
func (a *AuditLogger) LogRateLimited(ctx context.Context, client string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventRateLimit,
		Action:    "request_dropped",
		Result:    "denied",
		Client:    client,
	})
}

// LogError logs an error event.
func (a *AuditLogger) LogError(ctx context.Context, operation string, err error, details map[string]interface{}) error {
	if details == nil {
		details = make(map[string]interface{})
	}
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventError,
		Action:    operation,
		Result:    "failure",
		Error:     err.Error(),
		Details:   details,
	})
}

// Close closes the audit logger.
func (a *AuditLogger) Close() error {
	if a.rotator != nil {
		return a.rotator.Close()
	}
	return nil
}

// Sync flushes any buffered audit events.
func (a *AuditLogger) Sync() error {
	if a.rotator != nil {
		return a.rotator.Sync()
	}
	return nil
}

// Convenience functions for the default audit logger.

// Audit logs an audit event using the default audit logger.
func Audit(ctx context.Context, event AuditEvent) error {
	return DefaultAuditLogger().Log(ctx, event)
}

// AuditError logs an error using the default audit logger.
func AuditError(ctx context.Context, operation string, err error, details map[string]interface{}) error {
	return DefaultAuditLogger().LogError(ctx, operation, err, details)
}
