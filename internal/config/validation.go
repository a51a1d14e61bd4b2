package config

import (
	"fmt"
	"math"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// ValidateConfig performs comprehensive validation of the configuration.
// The result mixes error- and warning-level issues; see HasErrors.
func ValidateConfig(c *Config) ValidationErrors {
	var errs ValidationErrors

	// Validate version
	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateTrajectory(&c.Trajectory)...)
	errs = append(errs, validateBridge(&c.Bridge)...)
	errs = append(errs, validateHealth(&c.Health)...)
	errs = append(errs, validateShelf(&c.Shelf)...)
	errs = append(errs, validateJournal(&c.Journal)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateMetrics(&c.Metrics)...)
	errs = append(errs, validateIPC(&c.IPC)...)

	return errs
}

func validateTrajectory(t *TrajectoryConfig) ValidationErrors {
	var errs ValidationErrors

	if t.TurnAngleRad <= 0 || t.TurnAngleRad > math.Pi {
		errs = append(errs, ValidationError{
			Field:   "trajectory.turn_angle_rad",
			Message: fmt.Sprintf("turn angle must be in (0, pi], got %g", t.TurnAngleRad),
		})
	}

	if t.ShakeChanges < 2 {
		errs = append(errs, ValidationError{
			Field:   "trajectory.shake_changes",
			Message: "shake change count must be at least 2",
		})
	}

	if t.ShakeWindowMs < 50 || t.ShakeWindowMs > 10000 {
		errs = append(errs, ValidationError{
			Field:   "trajectory.shake_window_ms",
			Message: "shake window must be between 50ms and 10000ms",
		})
	}

	if t.Sensitivity <= 0 || t.Sensitivity > 10 {
		errs = append(errs, ValidationError{
			Field:   "trajectory.sensitivity",
			Message: fmt.Sprintf("sensitivity must be in (0, 10], got %g", t.Sensitivity),
		})
	}

	return errs
}

func validateBridge(b *BridgeConfig) ValidationErrors {
	var errs ValidationErrors

	if b.QueueSize < 1 || b.QueueSize > 4096 {
		errs = append(errs, ValidationError{
			Field:   "bridge.queue_size",
			Message: "queue size must be between 1 and 4096",
		})
	}

	return errs
}

func validateHealth(h *HealthConfig) ValidationErrors {
	var errs ValidationErrors

	if h.TickMs < 100 {
		errs = append(errs, ValidationError{
			Field:   "health.tick_ms",
			Message: "watchdog tick must be at least 100ms",
		})
	}

	if h.ModuleTimeoutMs < h.TickMs {
		errs = append(errs, ValidationError{
			Field:   "health.module_timeout_ms",
			Message: "module timeout must be at least one watchdog tick",
		})
	}

	return errs
}

func validateShelf(s *ShelfConfig) ValidationErrors {
	var errs ValidationErrors

	if s.MaxShelves < 1 || s.MaxShelves > 64 {
		errs = append(errs, ValidationError{
			Field:   "shelf.max_shelves",
			Message: "max shelves must be between 1 and 64",
		})
	}

	if s.AutoHideDelayMs < 100 || s.AutoHideDelayMs > 600000 {
		errs = append(errs, ValidationError{
			Field:   "shelf.auto_hide_delay_ms",
			Message: "auto-hide delay must be between 100ms and 600000ms",
		})
	}

	return errs
}

func validateJournal(j *JournalConfig) ValidationErrors {
	var errs ValidationErrors

	if !j.Enabled {
		return errs // Skip validation if the journal is disabled
	}

	if j.Path == "" {
		errs = append(errs, ValidationError{
			Field:   "journal.path",
			Message: "journal path is required when enabled",
		})
	} else {
		// Check the parent directory is usable. A directory that
		// doesn't exist yet is fine, it will be created.
		dir := filepath.Dir(expandPath(j.Path))
		if dir != "" && dir != "." {
			if info, err := os.Stat(dir); err == nil && !info.IsDir() {
				errs = append(errs, ValidationError{
					Field:   "journal.path",
					Message: fmt.Sprintf("parent path is not a directory: %s", dir),
				})
			}
		}
	}

	if j.RetentionDays < 1 {
		errs = append(errs, ValidationError{
			Field:   "journal.retention_days",
			Message: "retention must be at least 1 day",
		})
	}

	if j.BusyTimeoutMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "journal.busy_timeout_ms",
			Message: "busy timeout cannot be negative",
		})
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
		// Valid levels
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
		// Valid formats
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
		// Valid outputs
	case "file":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path is required when output is 'file'",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %s (valid: stdout, stderr, file)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}

	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}

	return errs
}

func validateMetrics(m *MetricsConfig) ValidationErrors {
	var errs ValidationErrors

	if !m.Enabled {
		return errs
	}

	host, _, err := net.SplitHostPort(m.Listen)
	if err != nil {
		errs = append(errs, ValidationError{
			Field:   "metrics.listen",
			Message: fmt.Sprintf("invalid listen address: %s", m.Listen),
		})
		return errs
	}

	// Warning-level: the metrics surface is meant for loopback; a
	// wider bind is allowed but flagged.
	if !isLoopbackHost(host) {
		errs = append(errs, ValidationError{
			Field:   "metrics.listen",
			Message: fmt.Sprintf("listener %s is not loopback; metrics will be reachable off-host", m.Listen),
		})
	}

	return errs
}

func validateIPC(i *IPCConfig) ValidationErrors {
	var errs ValidationErrors

	if !i.Enabled {
		return errs
	}

	if i.SocketPath == "" {
		errs = append(errs, ValidationError{
			Field:   "ipc.socket_path",
			Message: "socket path is required when IPC is enabled",
		})
	}

	// Validate permissions format (Unix only)
	if i.Permissions != "" {
		if matched, _ := regexp.MatchString(`^0[0-7]{3}$`, i.Permissions); !matched {
			errs = append(errs, ValidationError{
				Field:   "ipc.permissions",
				Message: fmt.Sprintf("invalid permissions format: %s (expected octal like 0600)", i.Permissions),
			})
		}
	}

	if i.MaxConnections < 1 {
		errs = append(errs, ValidationError{
			Field:   "ipc.max_connections",
			Message: "max connections must be at least 1",
		})
	}

	if i.TimeoutSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "ipc.timeout_sec",
			Message: "timeout must be at least 1 second",
		})
	}

	if i.RequestsPerSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "ipc.requests_per_sec",
			Message: "request rate limit must be at least 1",
		})
	}

	return errs
}

// Helper functions

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// IsWarning returns true if this is a non-fatal validation issue.
func (e *ValidationError) IsWarning() bool {
	warningFields := []string{
		"metrics.listen", // Non-loopback binds are allowed, just flagged
	}
	for _, f := range warningFields {
		if strings.HasPrefix(e.Field, f) {
			return true
		}
	}
	return false
}

// Warnings returns only warning-level validation errors.
func (e ValidationErrors) Warnings() ValidationErrors {
	var warnings ValidationErrors
	for _, err := range e {
		if err.IsWarning() {
			warnings = append(warnings, err)
		}
	}
	return warnings
}

// Errors returns only error-level validation errors.
func (e ValidationErrors) Errors() ValidationErrors {
	var errs ValidationErrors
	for _, err := range e {
		if !err.IsWarning() {
			errs = append(errs, err)
		}
	}
	return errs
}

// HasErrors returns true if there are any non-warning errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e.Errors()) > 0
}
