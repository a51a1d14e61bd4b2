// Package config handles configuration loading, validation, and management for shelfd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Version is the current configuration schema version.
//
// v1 kept the shake tuning keys flat at the top level; v2 nests them
// under [trajectory].
const Version = 2

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version for migrations.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Sensor configuration for the platform pointer hook.
	Sensor SensorConfig `toml:"sensor" json:"sensor" yaml:"sensor"`

	// Trajectory configuration tuning shake classification.
	Trajectory TrajectoryConfig `toml:"trajectory" json:"trajectory" yaml:"trajectory"`

	// Bridge configuration for the dispatch-side event queues.
	Bridge BridgeConfig `toml:"bridge" json:"bridge" yaml:"bridge"`

	// Health configuration for the watchdog monitor.
	Health HealthConfig `toml:"health" json:"health" yaml:"health"`

	// Shelf configuration for lifecycle policy.
	Shelf ShelfConfig `toml:"shelf" json:"shelf" yaml:"shelf"`

	// Journal configuration for the on-disk session journal.
	Journal JournalConfig `toml:"journal" json:"journal" yaml:"journal"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Metrics configuration for the loopback metrics listener.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`

	// IPC configuration for the control socket.
	IPC IPCConfig `toml:"ipc" json:"ipc" yaml:"ipc"`

	// Notify configuration for desktop alerts.
	Notify NotifyConfig `toml:"notify" json:"notify" yaml:"notify"`

	// Session configuration for lock/sleep handling.
	Session SessionConfig `toml:"session" json:"session" yaml:"session"`
}

// SensorConfig holds pointer hook configuration.
type SensorConfig struct {
	// AutoStart determines whether sensing starts with the daemon.
	// When false the hook stays uninstalled until a start request
	// arrives over IPC.
	AutoStart bool `toml:"auto_start" json:"auto_start" yaml:"auto_start"`
}

// TrajectoryConfig holds shake classification tuning.
//
// Prior to config version 2 these keys lived flat at the top level
// (shake_changes, shake_window_ms, shake_sensitivity, turn_angle_rad).
type TrajectoryConfig struct {
	// TurnAngleRad is the minimum turn angle, in radians, for a point
	// triple to count as a direction change.
	TurnAngleRad float64 `toml:"turn_angle_rad" json:"turn_angle_rad" yaml:"turn_angle_rad"`

	// ShakeChanges is the direction-change count that classifies a
	// shake, before sensitivity scaling.
	ShakeChanges int `toml:"shake_changes" json:"shake_changes" yaml:"shake_changes"`

	// ShakeWindowMs is the trailing window, in milliseconds, inside
	// which the direction changes must land.
	ShakeWindowMs int `toml:"shake_window_ms" json:"shake_window_ms" yaml:"shake_window_ms"`

	// Sensitivity scales the required change count: 2.0 halves it,
	// 0.5 doubles it.
	Sensitivity float64 `toml:"sensitivity" json:"sensitivity" yaml:"sensitivity"`
}

// BridgeConfig holds event queue configuration.
type BridgeConfig struct {
	// QueueSize is the capacity of the dispatch-side broadcast
	// queues. Overflow drops events rather than blocking producers.
	QueueSize int `toml:"queue_size" json:"queue_size" yaml:"queue_size"`
}

// HealthConfig holds watchdog configuration.
type HealthConfig struct {
	// TickMs is the watchdog evaluation interval in milliseconds.
	TickMs int `toml:"tick_ms" json:"tick_ms" yaml:"tick_ms"`

	// ModuleTimeoutMs is how long a registered module may stay silent
	// before it is considered non-responding.
	ModuleTimeoutMs int `toml:"module_timeout_ms" json:"module_timeout_ms" yaml:"module_timeout_ms"`
}

// ShelfConfig holds shelf lifecycle policy.
type ShelfConfig struct {
	// MaxShelves caps the number of concurrently tracked shelves.
	// Shake gestures beyond the cap are ignored.
	MaxShelves int `toml:"max_shelves" json:"max_shelves" yaml:"max_shelves"`

	// AutoHideDelayMs is how long an empty shelf lingers after its
	// drag ends before auto-hide fires.
	AutoHideDelayMs int `toml:"auto_hide_delay_ms" json:"auto_hide_delay_ms" yaml:"auto_hide_delay_ms"`
}

// JournalConfig holds session journal configuration.
type JournalConfig struct {
	// Enabled determines whether drag/shelf/incident rows are written.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Path is the path to the journal database file.
	Path string `toml:"path" json:"path" yaml:"path"`

	// RetentionDays is how long journal rows are kept before pruning.
	RetentionDays int `toml:"retention_days" json:"retention_days" yaml:"retention_days"`

	// BusyTimeoutMs is the SQLite busy timeout in milliseconds.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log output: "stdout", "stderr", or "file".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file (when Output is "file").
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of rotated log files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// Compress determines whether rotated logs are gzipped.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`
}

// MetricsConfig holds metrics listener configuration.
type MetricsConfig struct {
	// Enabled determines whether the metrics HTTP listener runs.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Listen is the listener address. Anything other than loopback
	// draws a validation warning.
	Listen string `toml:"listen" json:"listen" yaml:"listen"`
}

// IPCConfig holds control socket configuration.
type IPCConfig struct {
	// Enabled determines whether the IPC server is started.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// SocketPath is the path to the Unix socket. On Windows the same
	// path holds the loopback TCP port file.
	SocketPath string `toml:"socket_path" json:"socket_path" yaml:"socket_path"`

	// Permissions is the Unix socket permission string (e.g. "0600").
	Permissions string `toml:"permissions" json:"permissions" yaml:"permissions"`

	// MaxConnections is the maximum concurrent client count.
	MaxConnections int `toml:"max_connections" json:"max_connections" yaml:"max_connections"`

	// TimeoutSec is the per-request read timeout.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`

	// RequestsPerSec is the per-client request rate limit.
	RequestsPerSec int `toml:"requests_per_sec" json:"requests_per_sec" yaml:"requests_per_sec"`
}

// NotifyConfig holds desktop notification configuration.
type NotifyConfig struct {
	// Enabled determines whether notifications are sent at all.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// OnCritical fires a notification when health goes critical.
	OnCritical bool `toml:"on_critical" json:"on_critical" yaml:"on_critical"`

	// OnRecovery fires a notification when health recovers.
	OnRecovery bool `toml:"on_recovery" json:"on_recovery" yaml:"on_recovery"`
}

// SessionConfig holds desktop session handling configuration.
type SessionConfig struct {
	// PauseOnLock pauses sensing while the screen is locked.
	PauseOnLock bool `toml:"pause_on_lock" json:"pause_on_lock" yaml:"pause_on_lock"`

	// PauseOnSleep pauses sensing across system sleep.
	PauseOnSleep bool `toml:"pause_on_sleep" json:"pause_on_sleep" yaml:"pause_on_sleep"`
}

// defaultTurnAngleRad is pi/4, spelled out so the generated config
// file carries a readable literal.
const defaultTurnAngleRad = 0.7853981633974483

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := ShelfdDir()

	return &Config{
		Version: Version,
		Sensor: SensorConfig{
			AutoStart: true,
		},
		Trajectory: TrajectoryConfig{
			TurnAngleRad:  defaultTurnAngleRad,
			ShakeChanges:  6,
			ShakeWindowMs: 500,
			Sensitivity:   1.0,
		},
		Bridge: BridgeConfig{
			QueueSize: 64,
		},
		Health: HealthConfig{
			TickMs:          1000,
			ModuleTimeoutMs: 5000,
		},
		Shelf: ShelfConfig{
			MaxShelves:      5,
			AutoHideDelayMs: 3000,
		},
		Journal: JournalConfig{
			Enabled:       true,
			Path:          filepath.Join(dir, "journal.db"),
			RetentionDays: 30,
			BusyTimeoutMs: 5000,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "file",
			FilePath:   filepath.Join(PlatformLogDir(), "shelfd.log"),
			MaxSizeMB:  50,
			MaxBackups: 3,
			Compress:   true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9390",
		},
		IPC: IPCConfig{
			Enabled:        true,
			SocketPath:     filepath.Join(dir, "daemon.sock"),
			Permissions:    "0600",
			MaxConnections: 10,
			TimeoutSec:     30,
			RequestsPerSec: 64,
		},
		Notify: NotifyConfig{
			Enabled:    true,
			OnCritical: true,
			OnRecovery: true,
		},
		Session: SessionConfig{
			PauseOnLock:  true,
			PauseOnSleep: true,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(ShelfdDir(), "config.toml")
}

// Load reads configuration from the specified path. An empty path
// means the default location; a missing file yields the defaults.
// TOML, JSON, and YAML are recognized by extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}

	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Validate checks the configuration for errors. Warning-level issues
// (see ValidationErrors.Warnings) do not fail validation.
func (c *Config) Validate() error {
	errs := ValidateConfig(c)
	if errs.HasErrors() {
		return errs.Errors()
	}
	return nil
}

// EnsureDirectories creates all directories the daemon writes into.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Journal.Path),
		filepath.Dir(c.Logging.FilePath),
		filepath.Dir(c.IPC.SocketPath),
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// ShelfdDir returns the base shelfd data directory (config, journal,
// socket, pid file). Uses the SHELFD_DATA_DIR environment override
// when set.
func ShelfdDir() string {
	if envDir := os.Getenv("SHELFD_DATA_DIR"); envDir != "" {
		return envDir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".shelfd")
}

// ApplyEnvOverrides applies environment variable overrides to the
// configuration. Variables are prefixed with SHELFD_.
func (c *Config) ApplyEnvOverrides() {
	// Logging overrides
	if v := os.Getenv("SHELFD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("SHELFD_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}

	// IPC overrides
	if v := os.Getenv("SHELFD_SOCKET"); v != "" {
		c.IPC.SocketPath = v
	}

	// Journal overrides
	if v := os.Getenv("SHELFD_JOURNAL_PATH"); v != "" {
		c.Journal.Path = v
	}

	// Metrics overrides
	if v := os.Getenv("SHELFD_METRICS_LISTEN"); v != "" {
		c.Metrics.Listen = v
	}
}

// Clone returns a copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// ShakeWindow returns the shake window as a duration.
func (t TrajectoryConfig) ShakeWindow() time.Duration {
	return time.Duration(t.ShakeWindowMs) * time.Millisecond
}

// Tick returns the watchdog interval as a duration.
func (h HealthConfig) Tick() time.Duration {
	return time.Duration(h.TickMs) * time.Millisecond
}

// ModuleTimeout returns the module silence limit as a duration.
func (h HealthConfig) ModuleTimeout() time.Duration {
	return time.Duration(h.ModuleTimeoutMs) * time.Millisecond
}

// AutoHideDelay returns the auto-hide delay as a duration.
func (s ShelfConfig) AutoHideDelay() time.Duration {
	return time.Duration(s.AutoHideDelayMs) * time.Millisecond
}

// Retention returns the journal retention as a duration.
func (j JournalConfig) Retention() time.Duration {
	return time.Duration(j.RetentionDays) * 24 * time.Hour
}

// Timeout returns the per-request timeout as a duration.
func (i IPCConfig) Timeout() time.Duration {
	return time.Duration(i.TimeoutSec) * time.Second
}

// Mode parses the socket permission string, falling back to 0600.
func (i IPCConfig) Mode() os.FileMode {
	m, err := strconv.ParseUint(i.Permissions, 8, 32)
	if err != nil {
		return 0o600
	}
	return os.FileMode(m)
}
