// Package config handles configuration loading and validation for shelfd.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MigrationResult contains the result of a configuration migration.
type MigrationResult struct {
	FromVersion int
	ToVersion   int
	Backup      string
	Changes     []string
	Warnings    []string
}

// MigrateConfig migrates a configuration from an older version to the
// current version. It creates a backup before migration.
func MigrateConfig(cfg *Config, configPath string) (*MigrationResult, error) {
	if cfg.Version >= Version {
		return nil, nil // No migration needed
	}

	result := &MigrationResult{
		FromVersion: cfg.Version,
		ToVersion:   Version,
	}

	if configPath != "" {
		backup, err := backupConfig(configPath)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("could not create backup: %v", err))
		} else {
			result.Backup = backup
		}
	}

	// Apply migrations in sequence
	for cfg.Version < Version {
		changes, warnings, err := applyMigration(cfg)
		if err != nil {
			return result, fmt.Errorf("migration from v%d to v%d failed: %w", cfg.Version, cfg.Version+1, err)
		}
		result.Changes = append(result.Changes, changes...)
		result.Warnings = append(result.Warnings, warnings...)
	}

	return result, nil
}

// applyMigration applies a single version upgrade.
func applyMigration(cfg *Config) (changes []string, warnings []string, err error) {
	switch cfg.Version {
	case 1:
		changes, warnings = migrateV1ToV2(cfg)
	default:
		return nil, nil, fmt.Errorf("unknown version %d", cfg.Version)
	}

	cfg.Version++
	return changes, warnings, nil
}

// migrateV1ToV2 migrates from version 1 to version 2.
//
// V1 kept the shake tuning keys flat at the top level; those are
// picked up by MigrateLegacyConfig. Here the nested [trajectory]
// section and the sections v2 introduced get populated.
func migrateV1ToV2(cfg *Config) (changes []string, warnings []string) {
	if cfg.Trajectory.TurnAngleRad == 0 {
		cfg.Trajectory.TurnAngleRad = defaultTurnAngleRad
		changes = append(changes, "set default trajectory.turn_angle_rad")
	}
	if cfg.Trajectory.ShakeChanges == 0 {
		cfg.Trajectory.ShakeChanges = 6
		changes = append(changes, "set default trajectory.shake_changes")
	}
	if cfg.Trajectory.ShakeWindowMs == 0 {
		cfg.Trajectory.ShakeWindowMs = 500
		changes = append(changes, "set default trajectory.shake_window_ms")
	}
	if cfg.Trajectory.Sensitivity == 0 {
		cfg.Trajectory.Sensitivity = 1.0
		changes = append(changes, "set default trajectory.sensitivity")
	}

	// v2 introduced the session journal.
	if cfg.Journal.Path == "" {
		cfg.Journal.Enabled = true
		cfg.Journal.Path = filepath.Join(ShelfdDir(), "journal.db")
		cfg.Journal.RetentionDays = 30
		cfg.Journal.BusyTimeoutMs = 5000
		changes = append(changes, "added journal configuration")
	}

	// v2 introduced the metrics listener (disabled by default).
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = "127.0.0.1:9390"
		changes = append(changes, "added metrics configuration")
	}

	// v2 introduced the request rate limit.
	if cfg.IPC.RequestsPerSec == 0 {
		cfg.IPC.RequestsPerSec = 64
		changes = append(changes, "added ipc.requests_per_sec")
	}

	return changes, warnings
}

// backupConfig creates a backup of the config file.
func backupConfig(configPath string) (string, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return "", nil // No file to backup
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return "", fmt.Errorf("read config: %w", err)
	}

	timestamp := time.Now().Format("20060102-150405")
	backupPath := configPath + ".backup-" + timestamp

	if err := os.WriteFile(backupPath, data, 0600); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}

	return backupPath, nil
}

// MigrateLegacyConfig converts a v1 configuration map to the current
// format. V1 files were flat TOML; the keys the v2 struct no longer
// carries are recovered here.
func MigrateLegacyConfig(data map[string]interface{}) (*Config, error) {
	cfg := DefaultConfig()

	if v, ok := data["version"].(float64); ok {
		cfg.Version = int(v)
	} else if v, ok := data["version"].(int64); ok {
		cfg.Version = int(v)
	} else {
		cfg.Version = 1 // Assume version 1 if not specified
	}

	// Flat v1 shake tuning keys
	if v, ok := toFloat(data["turn_angle_rad"]); ok {
		cfg.Trajectory.TurnAngleRad = v
	}
	if v, ok := toFloat(data["shake_changes"]); ok {
		cfg.Trajectory.ShakeChanges = int(v)
	}
	if v, ok := toFloat(data["shake_window_ms"]); ok {
		cfg.Trajectory.ShakeWindowMs = int(v)
	}
	if v, ok := toFloat(data["shake_sensitivity"]); ok {
		cfg.Trajectory.Sensitivity = v
	}

	// Flat v1 daemon keys
	if v, ok := data["auto_start"].(bool); ok {
		cfg.Sensor.AutoStart = v
	}
	if v, ok := data["socket_path"].(string); ok {
		cfg.IPC.SocketPath = v
	}
	if v, ok := data["log_path"].(string); ok {
		cfg.Logging.FilePath = v
	}
	if v, ok := data["log_level"].(string); ok {
		cfg.Logging.Level = v
	}
	if v, ok := data["journal_path"].(string); ok {
		cfg.Journal.Path = v
	}
	if v, ok := toFloat(data["max_shelves"]); ok {
		cfg.Shelf.MaxShelves = int(v)
	}
	if v, ok := toFloat(data["auto_hide_delay_ms"]); ok {
		cfg.Shelf.AutoHideDelayMs = int(v)
	}

	// Nested sections from newer v1 files
	if tr, ok := data["trajectory"].(map[string]interface{}); ok {
		if v, ok := toFloat(tr["turn_angle_rad"]); ok {
			cfg.Trajectory.TurnAngleRad = v
		}
		if v, ok := toFloat(tr["shake_changes"]); ok {
			cfg.Trajectory.ShakeChanges = int(v)
		}
		if v, ok := toFloat(tr["shake_window_ms"]); ok {
			cfg.Trajectory.ShakeWindowMs = int(v)
		}
		if v, ok := toFloat(tr["sensitivity"]); ok {
			cfg.Trajectory.Sensitivity = v
		}
	}

	if sh, ok := data["shelf"].(map[string]interface{}); ok {
		if v, ok := toFloat(sh["max_shelves"]); ok {
			cfg.Shelf.MaxShelves = int(v)
		}
		if v, ok := toFloat(sh["auto_hide_delay_ms"]); ok {
			cfg.Shelf.AutoHideDelayMs = int(v)
		}
	}

	if hc, ok := data["health"].(map[string]interface{}); ok {
		if v, ok := toFloat(hc["tick_ms"]); ok {
			cfg.Health.TickMs = int(v)
		}
		if v, ok := toFloat(hc["module_timeout_ms"]); ok {
			cfg.Health.ModuleTimeoutMs = int(v)
		}
	}

	if ipc, ok := data["ipc"].(map[string]interface{}); ok {
		if v, ok := ipc["socket_path"].(string); ok {
			cfg.IPC.SocketPath = v
		}
		if v, ok := ipc["permissions"].(string); ok {
			cfg.IPC.Permissions = v
		}
		if v, ok := toFloat(ipc["max_connections"]); ok {
			cfg.IPC.MaxConnections = int(v)
		}
	}

	return cfg, nil
}

// toFloat normalizes the numeric types the TOML and JSON decoders
// hand back for an untyped map.
func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

// SaveConfig saves the configuration to a file. The write is atomic:
// a temp file is written next to the target and renamed over it, so a
// crash mid-write never truncates the live config.
func SaveConfig(cfg *Config, path string) error {
	ext := filepath.Ext(path)

	var data []byte
	var err error

	switch ext {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	case ".yaml", ".yml":
		data, err = encodeToYAML(cfg)
	default:
		// TOML is the primary format
		data, err = encodeToTOML(cfg)
	}

	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace config: %w", err)
	}

	return nil
}

// encodeToTOML encodes the config to TOML format. The file is
// generated from a template rather than the TOML encoder so the
// output carries section comments.
func encodeToTOML(cfg *Config) ([]byte, error) {
	return []byte(generateTOML(cfg)), nil
}

// generateTOML generates a well-formatted TOML configuration file.
func generateTOML(cfg *Config) string {
	return fmt.Sprintf(`# shelfd configuration
# Version %d

version = %d

[sensor]
auto_start = %t

# Shake classification tuning. Sensitivity scales the required
# direction-change count: 2.0 halves it, 0.5 doubles it.
[trajectory]
turn_angle_rad = %s
shake_changes = %d
shake_window_ms = %d
sensitivity = %s

[bridge]
queue_size = %d

[health]
tick_ms = %d
module_timeout_ms = %d

[shelf]
max_shelves = %d
auto_hide_delay_ms = %d

[journal]
enabled = %t
path = %s
retention_days = %d
busy_timeout_ms = %d

[logging]
level = "%s"
format = "%s"
output = "%s"
file_path = %s
max_size_mb = %d
max_backups = %d
compress = %t

[metrics]
enabled = %t
listen = "%s"

[ipc]
enabled = %t
socket_path = %s
permissions = "%s"
max_connections = %d
timeout_sec = %d
requests_per_sec = %d

[notify]
enabled = %t
on_critical = %t
on_recovery = %t

[session]
pause_on_lock = %t
pause_on_sleep = %t
`,
		Version,
		cfg.Version,
		cfg.Sensor.AutoStart,
		toTOMLFloat(cfg.Trajectory.TurnAngleRad),
		cfg.Trajectory.ShakeChanges,
		cfg.Trajectory.ShakeWindowMs,
		toTOMLFloat(cfg.Trajectory.Sensitivity),
		cfg.Bridge.QueueSize,
		cfg.Health.TickMs,
		cfg.Health.ModuleTimeoutMs,
		cfg.Shelf.MaxShelves,
		cfg.Shelf.AutoHideDelayMs,
		cfg.Journal.Enabled,
		toTOMLString(cfg.Journal.Path),
		cfg.Journal.RetentionDays,
		cfg.Journal.BusyTimeoutMs,
		cfg.Logging.Level,
		cfg.Logging.Format,
		cfg.Logging.Output,
		toTOMLString(cfg.Logging.FilePath),
		cfg.Logging.MaxSizeMB,
		cfg.Logging.MaxBackups,
		cfg.Logging.Compress,
		cfg.Metrics.Enabled,
		cfg.Metrics.Listen,
		cfg.IPC.Enabled,
		toTOMLString(cfg.IPC.SocketPath),
		cfg.IPC.Permissions,
		cfg.IPC.MaxConnections,
		cfg.IPC.TimeoutSec,
		cfg.IPC.RequestsPerSec,
		cfg.Notify.Enabled,
		cfg.Notify.OnCritical,
		cfg.Notify.OnRecovery,
		cfg.Session.PauseOnLock,
		cfg.Session.PauseOnSleep,
	)
}

// toTOMLString quotes a string for a TOML basic string. Windows paths
// carry backslashes, so plain %q-style quoting is required rather
// than bare interpolation.
func toTOMLString(s string) string {
	return strconv.Quote(s)
}

// toTOMLFloat formats a float so TOML parses it back as a float even
// when the value is integral.
func toTOMLFloat(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

// encodeToYAML encodes the config to YAML format.
func encodeToYAML(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// GetMigrationHistory returns the migration history if stored in the
// data directory.
func GetMigrationHistory() ([]MigrationResult, error) {
	historyPath := filepath.Join(ShelfdDir(), "migration_history.json")

	data, err := os.ReadFile(historyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read migration history: %w", err)
	}

	var history []MigrationResult
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, fmt.Errorf("parse migration history: %w", err)
	}

	return history, nil
}

// SaveMigrationHistory saves a migration result to the history file.
func SaveMigrationHistory(result *MigrationResult) error {
	historyPath := filepath.Join(ShelfdDir(), "migration_history.json")

	history, err := GetMigrationHistory()
	if err != nil {
		history = nil // Start fresh if unreadable
	}

	history = append(history, *result)

	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return fmt.Errorf("encode migration history: %w", err)
	}

	dir := filepath.Dir(historyPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	if err := os.WriteFile(historyPath, data, 0600); err != nil {
		return fmt.Errorf("write migration history: %w", err)
	}

	return nil
}
