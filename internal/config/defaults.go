// Package config handles configuration loading and validation for shelfd.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// PlatformLogDir returns the platform-specific log directory.
//
// Platform paths:
//   - macOS:   ~/Library/Logs/shelfd/
//   - Linux:   ~/.local/state/shelfd/logs/ (XDG_STATE_HOME honored)
//   - Windows: %LOCALAPPDATA%\shelfd\logs\
//
// Falls back to ~/.shelfd/logs if platform detection fails.
func PlatformLogDir() string {
	switch runtime.GOOS {
	case "darwin":
		return macOSLogDir()
	case "linux":
		return linuxLogDir()
	case "windows":
		return windowsLogDir()
	default:
		return filepath.Join(ShelfdDir(), "logs")
	}
}

// PlatformCrashDir returns where crash reports are written. Crash
// reports sit next to the data so a support bundle is one directory.
func PlatformCrashDir() string {
	return filepath.Join(ShelfdDir(), "crash")
}

func macOSLogDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, "Library", "Logs", "shelfd")
}

// linuxLogDir follows the XDG Base Directory Specification: state data
// like logs belongs under XDG_STATE_HOME.
func linuxLogDir() string {
	if xdgState := os.Getenv("XDG_STATE_HOME"); xdgState != "" {
		return filepath.Join(xdgState, "shelfd", "logs")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "state", "shelfd", "logs")
}

func windowsLogDir() string {
	if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
		return filepath.Join(localAppData, "shelfd", "logs")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "AppData", "Local", "shelfd", "logs")
}

// DefaultPaths collects every default path the daemon touches.
type DefaultPaths struct {
	DataDir  string
	LogDir   string
	CrashDir string

	ConfigFile  string
	JournalFile string
	SocketPath  string
	PIDFile     string
	StateFile   string
	LogFile     string
}

// GetDefaultPaths returns all default paths for the current platform.
func GetDefaultPaths() *DefaultPaths {
	dataDir := ShelfdDir()
	logDir := PlatformLogDir()

	return &DefaultPaths{
		DataDir:  dataDir,
		LogDir:   logDir,
		CrashDir: PlatformCrashDir(),

		ConfigFile:  filepath.Join(dataDir, "config.toml"),
		JournalFile: filepath.Join(dataDir, "journal.db"),
		SocketPath:  filepath.Join(dataDir, "daemon.sock"),
		PIDFile:     filepath.Join(dataDir, "shelfd.pid"),
		StateFile:   filepath.Join(dataDir, "state.json"),
		LogFile:     filepath.Join(logDir, "shelfd.log"),
	}
}

// SupportedConfigFormats returns the list of supported config file formats.
func SupportedConfigFormats() []string {
	return []string{
		"toml",
		"json",
		"yaml",
		"yml",
	}
}

// FindConfigFile searches for a config file in standard locations.
// Returns the path to the first found config file, or empty string if
// none found.
func FindConfigFile() string {
	// Search order:
	// 1. Current directory
	// 2. Data directory
	searchDirs := []string{
		".",
		ShelfdDir(),
	}

	for _, dir := range searchDirs {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "config."+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}

	return ""
}

// Platform constants for feature detection
const (
	PlatformMacOS   = "darwin"
	PlatformLinux   = "linux"
	PlatformWindows = "windows"
)

// HasPointerHookSupport returns true if the platform can install a
// global pointer hook.
func HasPointerHookSupport() bool {
	switch runtime.GOOS {
	case "darwin", "linux", "windows":
		return true
	default:
		return false
	}
}

// HasDragPayloadInspection returns true if the platform exposes the
// file list of an in-flight drag. Linux evdev carries pointer state
// only, so drags there classify with zero files.
func HasDragPayloadInspection() bool {
	switch runtime.GOOS {
	case "darwin", "windows":
		return true
	default:
		return false
	}
}

// HasSessionLockWatch returns true if the platform reports session
// lock and sleep transitions to the daemon.
func HasSessionLockWatch() bool {
	return runtime.GOOS == "linux"
}
