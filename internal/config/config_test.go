package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Version != Version {
		t.Errorf("Version = %d, want %d", cfg.Version, Version)
	}
	if !cfg.Sensor.AutoStart {
		t.Error("Sensor.AutoStart should default to true")
	}
	if cfg.Trajectory.ShakeChanges != 6 {
		t.Errorf("Trajectory.ShakeChanges = %d, want 6", cfg.Trajectory.ShakeChanges)
	}
	if cfg.Trajectory.ShakeWindowMs != 500 {
		t.Errorf("Trajectory.ShakeWindowMs = %d, want 500", cfg.Trajectory.ShakeWindowMs)
	}
	if cfg.Bridge.QueueSize != 64 {
		t.Errorf("Bridge.QueueSize = %d, want 64", cfg.Bridge.QueueSize)
	}
	if cfg.Shelf.MaxShelves != 5 {
		t.Errorf("Shelf.MaxShelves = %d, want 5", cfg.Shelf.MaxShelves)
	}
	if !cfg.Journal.Enabled {
		t.Error("Journal.Enabled should default to true")
	}
	if cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled should default to false")
	}
	if !cfg.IPC.Enabled {
		t.Error("IPC.Enabled should default to true")
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestShelfdDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SHELFD_DATA_DIR", dir)

	if got := ShelfdDir(); got != dir {
		t.Errorf("ShelfdDir() = %q, want %q", got, dir)
	}
	if got := ConfigPath(); got != filepath.Join(dir, "config.toml") {
		t.Errorf("ConfigPath() = %q", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load missing file: %v", err)
	}
	if cfg.Version != Version {
		t.Errorf("missing file should yield defaults, got version %d", cfg.Version)
	}
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `version = 2

[trajectory]
shake_changes = 8

[shelf]
max_shelves = 3
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Trajectory.ShakeChanges != 8 {
		t.Errorf("ShakeChanges = %d, want 8", cfg.Trajectory.ShakeChanges)
	}
	if cfg.Shelf.MaxShelves != 3 {
		t.Errorf("MaxShelves = %d, want 3", cfg.Shelf.MaxShelves)
	}

	// Unset keys keep their defaults.
	if cfg.Trajectory.ShakeWindowMs != 500 {
		t.Errorf("ShakeWindowMs = %d, want default 500", cfg.Trajectory.ShakeWindowMs)
	}
	if cfg.Bridge.QueueSize != 64 {
		t.Errorf("QueueSize = %d, want default 64", cfg.Bridge.QueueSize)
	}
}

func TestLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{"version": 2, "shelf": {"max_shelves": 7}}`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Shelf.MaxShelves != 7 {
		t.Errorf("MaxShelves = %d, want 7", cfg.Shelf.MaxShelves)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "version: 2\nshelf:\n  max_shelves: 9\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Shelf.MaxShelves != 9 {
		t.Errorf("MaxShelves = %d, want 9", cfg.Shelf.MaxShelves)
	}
}

func TestLoadAutoDetect(t *testing.T) {
	// Unknown extension falls back to format probing.
	path := filepath.Join(t.TempDir(), "config.conf")
	content := "version = 2\n\n[bridge]\nqueue_size = 128\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Bridge.QueueSize != 128 {
		t.Errorf("QueueSize = %d, want 128", cfg.Bridge.QueueSize)
	}
}

func TestLoadInvalidTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("version = [broken"), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid TOML")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SHELFD_LOG_LEVEL", "debug")
	t.Setenv("SHELFD_LOG_PATH", "/tmp/override.log")
	t.Setenv("SHELFD_SOCKET", "/tmp/override.sock")
	t.Setenv("SHELFD_JOURNAL_PATH", "/tmp/override.db")
	t.Setenv("SHELFD_METRICS_LISTEN", "127.0.0.1:9999")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()

	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q", cfg.Logging.Level)
	}
	if cfg.Logging.FilePath != "/tmp/override.log" {
		t.Errorf("Logging.FilePath = %q", cfg.Logging.FilePath)
	}
	if cfg.IPC.SocketPath != "/tmp/override.sock" {
		t.Errorf("IPC.SocketPath = %q", cfg.IPC.SocketPath)
	}
	if cfg.Journal.Path != "/tmp/override.db" {
		t.Errorf("Journal.Path = %q", cfg.Journal.Path)
	}
	if cfg.Metrics.Listen != "127.0.0.1:9999" {
		t.Errorf("Metrics.Listen = %q", cfg.Metrics.Listen)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad version", func(c *Config) { c.Version = 99 }, "version"},
		{"zero turn angle", func(c *Config) { c.Trajectory.TurnAngleRad = 0 }, "trajectory.turn_angle_rad"},
		{"turn angle above pi", func(c *Config) { c.Trajectory.TurnAngleRad = 4.0 }, "trajectory.turn_angle_rad"},
		{"shake changes too low", func(c *Config) { c.Trajectory.ShakeChanges = 1 }, "trajectory.shake_changes"},
		{"shake window too short", func(c *Config) { c.Trajectory.ShakeWindowMs = 10 }, "trajectory.shake_window_ms"},
		{"shake window too long", func(c *Config) { c.Trajectory.ShakeWindowMs = 60000 }, "trajectory.shake_window_ms"},
		{"sensitivity zero", func(c *Config) { c.Trajectory.Sensitivity = 0 }, "trajectory.sensitivity"},
		{"sensitivity too high", func(c *Config) { c.Trajectory.Sensitivity = 11 }, "trajectory.sensitivity"},
		{"queue size zero", func(c *Config) { c.Bridge.QueueSize = 0 }, "bridge.queue_size"},
		{"queue size huge", func(c *Config) { c.Bridge.QueueSize = 10000 }, "bridge.queue_size"},
		{"tick too fast", func(c *Config) { c.Health.TickMs = 10 }, "health.tick_ms"},
		{"timeout under tick", func(c *Config) { c.Health.ModuleTimeoutMs = 500 }, "health.module_timeout_ms"},
		{"zero shelves", func(c *Config) { c.Shelf.MaxShelves = 0 }, "shelf.max_shelves"},
		{"too many shelves", func(c *Config) { c.Shelf.MaxShelves = 100 }, "shelf.max_shelves"},
		{"auto-hide too short", func(c *Config) { c.Shelf.AutoHideDelayMs = 10 }, "shelf.auto_hide_delay_ms"},
		{"journal path empty", func(c *Config) { c.Journal.Path = "" }, "journal.path"},
		{"journal retention zero", func(c *Config) { c.Journal.RetentionDays = 0 }, "journal.retention_days"},
		{"journal busy negative", func(c *Config) { c.Journal.BusyTimeoutMs = -1 }, "journal.busy_timeout_ms"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"bad log output", func(c *Config) { c.Logging.Output = "syslog" }, "logging.output"},
		{"file output without path", func(c *Config) { c.Logging.Output = "file"; c.Logging.FilePath = "" }, "logging.file_path"},
		{"log size zero", func(c *Config) { c.Logging.MaxSizeMB = 0 }, "logging.max_size_mb"},
		{"ipc socket empty", func(c *Config) { c.IPC.SocketPath = "" }, "ipc.socket_path"},
		{"ipc bad permissions", func(c *Config) { c.IPC.Permissions = "rw-" }, "ipc.permissions"},
		{"ipc zero connections", func(c *Config) { c.IPC.MaxConnections = 0 }, "ipc.max_connections"},
		{"ipc zero timeout", func(c *Config) { c.IPC.TimeoutSec = 0 }, "ipc.timeout_sec"},
		{"ipc zero rate", func(c *Config) { c.IPC.RequestsPerSec = 0 }, "ipc.requests_per_sec"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			errs := ValidateConfig(cfg)
			if !errs.HasErrors() {
				t.Fatalf("expected a validation error for %s", tt.field)
			}

			found := false
			for _, e := range errs.Errors() {
				if e.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("no error for field %s in %v", tt.field, errs)
			}

			if cfg.Validate() == nil {
				t.Error("Validate should fail")
			}
		})
	}
}

func TestValidateDisabledSections(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Journal.Enabled = false
	cfg.Journal.Path = ""
	cfg.Journal.RetentionDays = 0
	cfg.IPC.Enabled = false
	cfg.IPC.SocketPath = ""

	if err := cfg.Validate(); err != nil {
		t.Errorf("disabled sections should not be validated: %v", err)
	}
}

func TestValidationWarnings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Metrics.Enabled = true
	cfg.Metrics.Listen = "0.0.0.0:9390"

	errs := ValidateConfig(cfg)
	if errs.HasErrors() {
		t.Fatalf("non-loopback listen should be a warning, got errors: %v", errs.Errors())
	}
	warnings := errs.Warnings()
	if len(warnings) != 1 {
		t.Fatalf("warnings = %v, want exactly one", warnings)
	}
	if warnings[0].Field != "metrics.listen" {
		t.Errorf("warning field = %q", warnings[0].Field)
	}
	if !strings.Contains(warnings[0].Message, "loopback") {
		t.Errorf("warning message = %q", warnings[0].Message)
	}

	// Warnings do not fail Validate.
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}

	// Loopback draws no warning.
	cfg.Metrics.Listen = "127.0.0.1:9390"
	if errs := ValidateConfig(cfg); len(errs) != 0 {
		t.Errorf("loopback listen flagged: %v", errs)
	}
	cfg.Metrics.Listen = "localhost:9390"
	if errs := ValidateConfig(cfg); len(errs) != 0 {
		t.Errorf("localhost listen flagged: %v", errs)
	}

	// Disabled metrics skip the listen check entirely.
	cfg.Metrics.Enabled = false
	cfg.Metrics.Listen = "not-an-address"
	if errs := ValidateConfig(cfg); len(errs) != 0 {
		t.Errorf("disabled metrics flagged: %v", errs)
	}
}

func TestMigrateConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("version = 1\n"), 0600); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{Version: 1}
	result, err := MigrateConfig(cfg, path)
	if err != nil {
		t.Fatalf("MigrateConfig: %v", err)
	}
	if result == nil {
		t.Fatal("expected a migration result")
	}
	if result.FromVersion != 1 || result.ToVersion != Version {
		t.Errorf("migrated %d -> %d", result.FromVersion, result.ToVersion)
	}
	if cfg.Version != Version {
		t.Errorf("config version = %d, want %d", cfg.Version, Version)
	}
	if len(result.Changes) == 0 {
		t.Error("expected recorded changes")
	}

	// Backup should exist next to the original.
	if result.Backup == "" {
		t.Fatal("expected a backup path")
	}
	if _, err := os.Stat(result.Backup); err != nil {
		t.Errorf("backup not written: %v", err)
	}

	// Migrated sections carry defaults.
	if cfg.Trajectory.ShakeChanges != 6 {
		t.Errorf("ShakeChanges = %d", cfg.Trajectory.ShakeChanges)
	}
	if cfg.Journal.Path == "" {
		t.Error("journal path not filled in")
	}
	if cfg.IPC.RequestsPerSec != 64 {
		t.Errorf("RequestsPerSec = %d", cfg.IPC.RequestsPerSec)
	}
}

func TestMigrateConfigCurrent(t *testing.T) {
	cfg := DefaultConfig()
	result, err := MigrateConfig(cfg, "")
	if err != nil {
		t.Fatalf("MigrateConfig: %v", err)
	}
	if result != nil {
		t.Errorf("current version should not migrate, got %+v", result)
	}
}

func TestMigrateConfigUnknownVersion(t *testing.T) {
	cfg := &Config{Version: 0}
	if _, err := MigrateConfig(cfg, ""); err == nil {
		t.Error("expected error for unknown version")
	}
}

func TestMigrateConfigKeepsTuning(t *testing.T) {
	// Explicit v1 values survive the migration.
	cfg := &Config{Version: 1}
	cfg.Trajectory.ShakeChanges = 10
	cfg.Trajectory.ShakeWindowMs = 750

	if _, err := MigrateConfig(cfg, ""); err != nil {
		t.Fatalf("MigrateConfig: %v", err)
	}
	if cfg.Trajectory.ShakeChanges != 10 {
		t.Errorf("ShakeChanges = %d, want 10", cfg.Trajectory.ShakeChanges)
	}
	if cfg.Trajectory.ShakeWindowMs != 750 {
		t.Errorf("ShakeWindowMs = %d, want 750", cfg.Trajectory.ShakeWindowMs)
	}
}

func TestMigrateLegacyConfig(t *testing.T) {
	data := map[string]interface{}{
		"version":           int64(1),
		"turn_angle_rad":    0.5,
		"shake_changes":     int64(4),
		"shake_window_ms":   int64(400),
		"shake_sensitivity": 2.0,
		"auto_start":        false,
		"socket_path":       "/tmp/legacy.sock",
		"log_level":         "debug",
		"max_shelves":       int64(2),
	}

	cfg, err := MigrateLegacyConfig(data)
	if err != nil {
		t.Fatalf("MigrateLegacyConfig: %v", err)
	}

	if cfg.Version != 1 {
		t.Errorf("Version = %d, want 1", cfg.Version)
	}
	if cfg.Trajectory.TurnAngleRad != 0.5 {
		t.Errorf("TurnAngleRad = %g", cfg.Trajectory.TurnAngleRad)
	}
	if cfg.Trajectory.ShakeChanges != 4 {
		t.Errorf("ShakeChanges = %d", cfg.Trajectory.ShakeChanges)
	}
	if cfg.Trajectory.Sensitivity != 2.0 {
		t.Errorf("Sensitivity = %g", cfg.Trajectory.Sensitivity)
	}
	if cfg.Sensor.AutoStart {
		t.Error("AutoStart should be false")
	}
	if cfg.IPC.SocketPath != "/tmp/legacy.sock" {
		t.Errorf("SocketPath = %q", cfg.IPC.SocketPath)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Level = %q", cfg.Logging.Level)
	}
	if cfg.Shelf.MaxShelves != 2 {
		t.Errorf("MaxShelves = %d", cfg.Shelf.MaxShelves)
	}
}

func TestMigrateLegacyConfigNested(t *testing.T) {
	// Later v1 files already nested some sections.
	data := map[string]interface{}{
		"trajectory": map[string]interface{}{
			"shake_changes": int64(12),
		},
		"shelf": map[string]interface{}{
			"max_shelves": int64(8),
		},
		"ipc": map[string]interface{}{
			"permissions": "0660",
		},
	}

	cfg, err := MigrateLegacyConfig(data)
	if err != nil {
		t.Fatalf("MigrateLegacyConfig: %v", err)
	}
	if cfg.Version != 1 {
		t.Errorf("Version = %d, want assumed 1", cfg.Version)
	}
	if cfg.Trajectory.ShakeChanges != 12 {
		t.Errorf("ShakeChanges = %d", cfg.Trajectory.ShakeChanges)
	}
	if cfg.Shelf.MaxShelves != 8 {
		t.Errorf("MaxShelves = %d", cfg.Shelf.MaxShelves)
	}
	if cfg.IPC.Permissions != "0660" {
		t.Errorf("Permissions = %q", cfg.IPC.Permissions)
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	for _, ext := range []string{".toml", ".json", ".yaml"} {
		t.Run(ext, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config"+ext)

			cfg := DefaultConfig()
			cfg.Trajectory.ShakeChanges = 9
			cfg.Trajectory.Sensitivity = 1.5
			cfg.Shelf.MaxShelves = 11
			cfg.Journal.Path = "/tmp/some dir/journal.db"
			cfg.Metrics.Enabled = true

			if err := SaveConfig(cfg, path); err != nil {
				t.Fatalf("SaveConfig: %v", err)
			}

			loaded, err := Load(path)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if loaded.Trajectory.ShakeChanges != 9 {
				t.Errorf("ShakeChanges = %d", loaded.Trajectory.ShakeChanges)
			}
			if loaded.Trajectory.Sensitivity != 1.5 {
				t.Errorf("Sensitivity = %g", loaded.Trajectory.Sensitivity)
			}
			if loaded.Shelf.MaxShelves != 11 {
				t.Errorf("MaxShelves = %d", loaded.Shelf.MaxShelves)
			}
			if loaded.Journal.Path != cfg.Journal.Path {
				t.Errorf("Journal.Path = %q", loaded.Journal.Path)
			}
			if !loaded.Metrics.Enabled {
				t.Error("Metrics.Enabled lost")
			}
		})
	}
}

func TestSaveConfigTOMLComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := SaveConfig(DefaultConfig(), path); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "# shelfd configuration") {
		t.Error("generated TOML should start with the header comment")
	}
	if !strings.Contains(string(data), "[trajectory]") {
		t.Error("generated TOML missing [trajectory] section")
	}
}

func TestSaveConfigPermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file modes are not meaningful on Windows")
	}

	path := filepath.Join(t.TempDir(), "config.toml")
	if err := SaveConfig(DefaultConfig(), path); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("config mode = %o, want 0600", perm)
	}
}

func TestLoadOrCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg, created, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if !created {
		t.Error("expected the file to be created")
	}
	if cfg.Version != Version {
		t.Errorf("Version = %d", cfg.Version)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("config file not written: %v", err)
	}

	_, created, err = LoadOrCreate(path)
	if err != nil {
		t.Fatalf("second LoadOrCreate: %v", err)
	}
	if created {
		t.Error("existing file reported as created")
	}
}

func TestEnsureDirectories(t *testing.T) {
	base := t.TempDir()
	cfg := DefaultConfig()
	cfg.Journal.Path = filepath.Join(base, "data", "journal.db")
	cfg.Logging.FilePath = filepath.Join(base, "logs", "shelfd.log")
	cfg.IPC.SocketPath = filepath.Join(base, "run", "daemon.sock")

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}

	for _, dir := range []string{"data", "logs", "run"} {
		info, err := os.Stat(filepath.Join(base, dir))
		if err != nil {
			t.Errorf("%s not created: %v", dir, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", dir)
		}
	}
}

func TestMerge(t *testing.T) {
	dst := DefaultConfig()
	src := &Config{}
	src.Trajectory.ShakeChanges = 10
	src.Logging.Level = "debug"
	src.IPC.SocketPath = "/tmp/merged.sock"

	merged := Merge(dst, src)

	if merged.Trajectory.ShakeChanges != 10 {
		t.Errorf("ShakeChanges = %d", merged.Trajectory.ShakeChanges)
	}
	if merged.Logging.Level != "debug" {
		t.Errorf("Level = %q", merged.Logging.Level)
	}
	if merged.IPC.SocketPath != "/tmp/merged.sock" {
		t.Errorf("SocketPath = %q", merged.IPC.SocketPath)
	}

	// Zero fields in src leave dst alone.
	if merged.Shelf.MaxShelves != dst.Shelf.MaxShelves {
		t.Errorf("MaxShelves = %d", merged.Shelf.MaxShelves)
	}

	// Merge does not mutate dst.
	if dst.Trajectory.ShakeChanges != 6 {
		t.Errorf("dst mutated: ShakeChanges = %d", dst.Trajectory.ShakeChanges)
	}
}

func TestClone(t *testing.T) {
	cfg := DefaultConfig()
	clone := cfg.Clone()

	clone.Shelf.MaxShelves = 42
	if cfg.Shelf.MaxShelves == 42 {
		t.Error("clone shares state with the original")
	}
}

func TestLoaderLoadAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("version = 2\n\n[shelf]\nmax_shelves = 4\n"), 0600); err != nil {
		t.Fatal(err)
	}

	l := NewLoader(path)
	defer l.Close()

	cfg, err := l.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Shelf.MaxShelves != 4 {
		t.Errorf("MaxShelves = %d, want 4", cfg.Shelf.MaxShelves)
	}

	var notified *Config
	l.OnChange(func(c *Config) { notified = c })

	if err := os.WriteFile(path, []byte("version = 2\n\n[shelf]\nmax_shelves = 6\n"), 0600); err != nil {
		t.Fatal(err)
	}
	l.reload()

	if got := l.Config().Shelf.MaxShelves; got != 6 {
		t.Errorf("MaxShelves after reload = %d, want 6", got)
	}
	if notified == nil {
		t.Fatal("OnChange callback not invoked")
	}
	if notified.Shelf.MaxShelves != 6 {
		t.Errorf("callback config MaxShelves = %d", notified.Shelf.MaxShelves)
	}
}

func TestLoaderReloadKeepsOldOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("version = 2\n"), 0600); err != nil {
		t.Fatal(err)
	}

	l := NewLoader(path)
	defer l.Close()

	if _, err := l.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	// A file that no longer validates must not replace the running config.
	if err := os.WriteFile(path, []byte("version = 2\n\n[shelf]\nmax_shelves = 0\n"), 0600); err != nil {
		t.Fatal(err)
	}
	l.reload()

	if got := l.Config().Shelf.MaxShelves; got != 5 {
		t.Errorf("MaxShelves = %d, want untouched default 5", got)
	}

	select {
	case err := <-l.Errors():
		if err == nil {
			t.Error("nil error on error channel")
		}
	case <-time.After(time.Second):
		t.Error("no error reported for invalid reload")
	}
}

func TestLoaderLoadMigrates(t *testing.T) {
	t.Setenv("SHELFD_DATA_DIR", t.TempDir())

	path := filepath.Join(t.TempDir(), "config.toml")
	content := "version = 1\n\n[trajectory]\nshake_changes = 7\nshake_window_ms = 600\nturn_angle_rad = 0.8\nsensitivity = 1.0\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	l := NewLoader(path)
	defer l.Close()

	cfg, err := l.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Version != Version {
		t.Errorf("Version = %d, want migrated %d", cfg.Version, Version)
	}
	if cfg.Trajectory.ShakeChanges != 7 {
		t.Errorf("ShakeChanges = %d, want preserved 7", cfg.Trajectory.ShakeChanges)
	}

	history, err := GetMigrationHistory()
	if err != nil {
		t.Fatalf("GetMigrationHistory: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("history length = %d, want 1", len(history))
	}
	if history[0].FromVersion != 1 || history[0].ToVersion != Version {
		t.Errorf("history records %d -> %d", history[0].FromVersion, history[0].ToVersion)
	}
}

func TestDurationAccessors(t *testing.T) {
	cfg := DefaultConfig()

	if got := cfg.Trajectory.ShakeWindow(); got != 500*time.Millisecond {
		t.Errorf("ShakeWindow = %v", got)
	}
	if got := cfg.Health.Tick(); got != time.Second {
		t.Errorf("Tick = %v", got)
	}
	if got := cfg.Health.ModuleTimeout(); got != 5*time.Second {
		t.Errorf("ModuleTimeout = %v", got)
	}
	if got := cfg.Shelf.AutoHideDelay(); got != 3*time.Second {
		t.Errorf("AutoHideDelay = %v", got)
	}
	if got := cfg.Journal.Retention(); got != 30*24*time.Hour {
		t.Errorf("Retention = %v", got)
	}
	if got := cfg.IPC.Timeout(); got != 30*time.Second {
		t.Errorf("Timeout = %v", got)
	}
}

func TestIPCMode(t *testing.T) {
	tests := []struct {
		perms string
		want  os.FileMode
	}{
		{"0600", 0o600},
		{"0660", 0o660},
		{"0700", 0o700},
		{"", 0o600},
		{"garbage", 0o600},
	}

	for _, tt := range tests {
		ipc := IPCConfig{Permissions: tt.perms}
		if got := ipc.Mode(); got != tt.want {
			t.Errorf("Mode(%q) = %o, want %o", tt.perms, got, tt.want)
		}
	}
}
