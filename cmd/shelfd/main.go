// shelfd - Drag shelf gesture daemon
//
// shelfd watches pointer drags, classifies shake gestures, and drives
// the shelf state machine. Clients control it over a local socket:
//
//	shelfd run            Run the daemon in the foreground
//	shelfd status         Show daemon and configuration status
//	shelfd check-config   Validate the configuration file
//	shelfd version        Print the version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"shelfd/internal/config"
	"shelfd/internal/engine"
	"shelfd/internal/health"
	"shelfd/internal/ipc"
	"shelfd/internal/logging"
	"shelfd/internal/metrics"
	"shelfd/internal/security"
)

const version = "1.2.0"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]

	switch cmd {
	case "run":
		cmdRun()
	case "status":
		cmdStatus()
	case "check-config":
		cmdCheckConfig()
	case "version":
		cmdVersion()
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`shelfd - Drag Shelf Gesture Daemon

USAGE:
    shelfd <command> [options]

COMMANDS:
    run             Run the daemon
    status          Show daemon and configuration status
    check-config    Validate the configuration file
    version         Print the shelfd version
    help            Show this help message

RUN OPTIONS:
    -config <path>  Configuration file (default: search standard locations)
    -detach         Run in the background

The daemon monitors pointer drags, detects shake gestures, and manages
drop shelves. Use 'shelfctl' to query or control a running daemon over
the local socket.

SIGNALS:
    SIGHUP          Reload the configuration file
    SIGINT/SIGTERM  Graceful shutdown

ENVIRONMENT:
    SHELFD_DATA_DIR        Override the data directory
    SHELFD_LOG_LEVEL       Override the log level
    SHELFD_SOCKET          Override the control socket path
    SHELFD_JOURNAL_PATH    Override the journal database path
    SHELFD_METRICS_LISTEN  Override the metrics listen address`)
}

func cmdRun() {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "path to the configuration file")
	detach := fs.Bool("detach", false, "run in the background")
	fs.Parse(os.Args[2:])

	if *detach {
		pid, err := spawnDetached(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to start daemon: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("shelfd started in the background (pid %d)\n", pid)
		return
	}

	crash := logging.DefaultCrashHandler()
	crash.SetVersion(version)
	defer func() {
		if r := recover(); r != nil {
			crash.HandlePanic(r, map[string]interface{}{"command": "run"})
			os.Exit(1)
		}
	}()

	if err := runDaemon(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "shelfd: %v\n", err)
		os.Exit(1)
	}
}

// spawnDetached re-executes the binary without -detach, in its own
// session so it survives the terminal.
func spawnDetached(configPath string) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("find executable: %w", err)
	}

	args := []string{"run"}
	if configPath != "" {
		args = append(args, "-config", configPath)
	}

	cmd := exec.Command(exe, args...)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = getDaemonSysProcAttr()

	if err := cmd.Start(); err != nil {
		return 0, err
	}
	return cmd.Process.Pid, nil
}

func runDaemon(configPath string) error {
	security.RestrictUmask()

	if configPath == "" {
		configPath = config.FindConfigFile()
	}
	if configPath == "" {
		configPath = config.ConfigPath()
	}

	cfg, created, err := config.LoadOrCreate(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	loader := config.NewLoader(configPath)
	if cfg, err = loader.Load(); err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	mainLogger, err := buildLogger(cfg)
	if err != nil {
		return fmt.Errorf("set up logging: %w", err)
	}
	logging.SetDefault(mainLogger)
	defer mainLogger.Close()
	logger := mainLogger.Logger

	logger.Info("shelfd starting", "version", version, "config", configPath, "pid", os.Getpid())
	if created {
		logger.Info("wrote default configuration", "path", configPath)
	}
	if security.RunningAsRoot() {
		logger.Warn("running as root; shelfd is designed to run as the desktop user")
	}

	pidFile, err := acquirePidFile(pidFilePath())
	if err != nil {
		return err
	}
	defer releasePidFile(pidFile)

	audit := logging.DefaultAuditLogger()
	ctx := context.Background()
	audit.LogStartup(ctx, version, map[string]interface{}{
		"config": configPath,
		"pid":    os.Getpid(),
	})

	eng, err := engine.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer eng.Stop()

	shutdownCh := make(chan struct{}, 1)
	requestShutdown := func() {
		select {
		case shutdownCh <- struct{}{}:
		default:
		}
	}

	var ipcd *IPCDaemon
	if cfg.IPC.Enabled {
		ipcd, err = newIPCDaemon(eng, loader, audit, cfg, logger, requestShutdown)
		if err != nil {
			return fmt.Errorf("set up control socket: %w", err)
		}
		if err := ipcd.Start(); err != nil {
			return fmt.Errorf("start control socket: %w", err)
		}
		defer ipcd.Stop()
		ipcd.StreamEngineEvents(eng)
		logger.Info("control socket listening", "path", ipcd.SocketPath())
	}

	var msrv *metrics.Server
	if cfg.Metrics.Enabled {
		msrv = metrics.NewServer(cfg.Metrics.Listen, metrics.Default())
		msrv.SetHealthFunc(func() (string, bool) {
			st := eng.HealthStatus()
			return st.String(), st <= health.StatusDegraded
		})
		if err := msrv.Start(); err != nil {
			logger.Warn("metrics server failed to start", "error", err)
			msrv = nil
		} else {
			defer msrv.Stop()
			logger.Info("metrics listening", "addr", msrv.Addr())
		}
	}

	applyReload := func(c *config.Config, source string) {
		eng.Reload(c)
		logger.Info("configuration reloaded", "source", source, "path", loader.Path())
		if ipcd != nil {
			ipcd.Broadcast(&ipc.Event{
				Type:      ipc.EventConfigChanged,
				Timestamp: time.Now(),
				Data:      map[string]string{"path": loader.Path()},
			})
		}
	}

	loader.OnChange(func(c *config.Config) {
		applyReload(c, "file watch")
	})
	if err := loader.Watch(); err != nil {
		logger.Warn("configuration watch unavailable", "error", err)
	}
	defer loader.Close()
	go func() {
		for err := range loader.Errors() {
			logger.Warn("configuration watch error", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	logger.Info("shelfd running")

	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				c, err := loader.Load()
				audit.LogConfigReload(ctx, loader.Path(), err)
				if err != nil {
					logger.Warn("configuration reload failed; keeping previous", "error", err)
					continue
				}
				applyReload(c, "SIGHUP")
				continue
			}
			logger.Info("signal received, shutting down", "signal", sig.String())
			audit.LogShutdown(ctx, "signal "+sig.String())
			return nil

		case <-shutdownCh:
			logger.Info("shutdown requested over control socket")
			return nil

		case <-ticker.C:
			metrics.GetMetrics().UpdateUptime()
			if ipcd != nil {
				logger.Debug("control socket clients", "count", ipcd.ClientCount())
			}
		}
	}
}

// buildLogger maps the [logging] section onto a logger. Zero values
// fall back to the logging defaults.
func buildLogger(cfg *config.Config) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return nil, err
	}

	lc := logging.DefaultConfig()
	lc.Level = level
	lc.Format = format
	if cfg.Logging.Output != "" {
		lc.Output = cfg.Logging.Output
	}
	if cfg.Logging.FilePath != "" {
		lc.FilePath = cfg.Logging.FilePath
	}
	if cfg.Logging.MaxSizeMB > 0 {
		lc.MaxSizeMB = int64(cfg.Logging.MaxSizeMB)
	}
	if cfg.Logging.MaxBackups > 0 {
		lc.MaxBackups = cfg.Logging.MaxBackups
	}
	lc.Compress = cfg.Logging.Compress
	return logging.New(lc)
}

func cmdStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "path to the configuration file")
	fs.Parse(os.Args[2:])

	path := *configPath
	found := true
	if path == "" {
		path = config.FindConfigFile()
		if path == "" {
			path = config.ConfigPath()
			found = false
		}
	}

	loader := config.NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("shelfd status")
	fmt.Println()
	if found {
		fmt.Printf("  %-14s %s\n", "Config file:", path)
	} else {
		fmt.Printf("  %-14s %s (not found, defaults apply)\n", "Config file:", path)
	}
	fmt.Printf("  %-14s %s\n", "Data dir:", config.ShelfdDir())

	socketPath := cfg.IPC.SocketPath
	if socketPath == "" {
		socketPath = ipc.DefaultServerConfig(config.ShelfdDir()).SocketPath
	}
	fmt.Printf("  %-14s %s\n", "Socket:", socketPath)

	if pid, running := daemonPid(pidFilePath()); running {
		fmt.Printf("  %-14s running (pid %d)\n", "Daemon:", pid)
	} else {
		fmt.Printf("  %-14s not running\n", "Daemon:")
	}

	if cfg.Journal.Enabled {
		detail := cfg.Journal.Path
		if fi, err := os.Stat(cfg.Journal.Path); err == nil {
			detail = fmt.Sprintf("%s (%.1f KB)", cfg.Journal.Path, float64(fi.Size())/1024)
		}
		fmt.Printf("  %-14s enabled, %s\n", "Journal:", detail)
	} else {
		fmt.Printf("  %-14s disabled\n", "Journal:")
	}

	if cfg.Metrics.Enabled {
		fmt.Printf("  %-14s enabled on %s\n", "Metrics:", cfg.Metrics.Listen)
	} else {
		fmt.Printf("  %-14s disabled\n", "Metrics:")
	}

	fmt.Println()
	fmt.Println("  Platform capabilities:")
	fmt.Printf("    pointer hook:       %s\n", yesNo(config.HasPointerHookSupport()))
	fmt.Printf("    payload inspection: %s\n", yesNo(config.HasDragPayloadInspection()))
	fmt.Printf("    session lock watch: %s\n", yesNo(config.HasSessionLockWatch()))
}

func cmdCheckConfig() {
	fs := flag.NewFlagSet("check-config", flag.ExitOnError)
	configPath := fs.String("config", "", "path to the configuration file")
	fs.Parse(os.Args[2:])

	path := *configPath
	if path == "" {
		path = config.FindConfigFile()
	}
	if path == "" {
		fmt.Fprintln(os.Stderr, "No configuration file found; the daemon would use built-in defaults.")
		return
	}

	loader := config.NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Configuration OK: %s\n", path)
	fmt.Printf("  sensor autostart: %s\n", enabledDisabled(cfg.Sensor.AutoStart))
	fmt.Printf("  shake threshold:  %d direction changes in %d ms\n",
		cfg.Trajectory.ShakeChanges, cfg.Trajectory.ShakeWindowMs)
	fmt.Printf("  journal:          %s\n", enabledDisabled(cfg.Journal.Enabled))
	fmt.Printf("  control socket:   %s\n", enabledDisabled(cfg.IPC.Enabled))
	fmt.Printf("  metrics:          %s\n", enabledDisabled(cfg.Metrics.Enabled))
}

func cmdVersion() {
	fmt.Printf("shelfd %s\n", version)
}

// Helper functions

func pidFilePath() string {
	return filepath.Join(config.ShelfdDir(), "shelfd.pid")
}

// acquirePidFile locks the pid file for the lifetime of the process.
// A held lock means another instance is already running.
func acquirePidFile(path string) (*os.File, error) {
	if err := security.EnsureSecureDir(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("prepare data dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open pid file: %w", err)
	}

	if err := security.TryLockFile(f); err != nil {
		f.Close()
		if errors.Is(err, security.ErrFileLocked) {
			return nil, fmt.Errorf("another shelfd instance is already running (pid file %s)", path)
		}
		return nil, fmt.Errorf("lock pid file: %w", err)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, fmt.Errorf("write pid file: %w", err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())), 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("write pid file: %w", err)
	}
	return f, nil
}

func releasePidFile(f *os.File) {
	path := f.Name()
	security.UnlockFile(f)
	f.Close()
	os.Remove(path)
}

// daemonPid reads the pid file and checks the process is alive.
func daemonPid(pidFile string) (int, bool) {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, false
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return 0, false
	}

	// On Unix FindProcess always succeeds; signal 0 probes existence.
	if err := process.Signal(syscall.Signal(0)); err != nil {
		return 0, false
	}
	return pid, true
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func enabledDisabled(v bool) string {
	if v {
		return "enabled"
	}
	return "disabled"
}
