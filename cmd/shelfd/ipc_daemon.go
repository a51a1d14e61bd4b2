// Package main provides the control socket wiring for the shelfd
// daemon. This connects the IPC server to the engine-backed handler so
// shelfctl and desktop shells can talk to a running daemon.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"shelfd/internal/config"
	"shelfd/internal/engine"
	"shelfd/internal/ipc"
	"shelfd/internal/logging"
)

// eventStreamBuffer is the per-stream queue depth between the engine
// and the broadcast fan-out.
const eventStreamBuffer = 16

// IPCDaemon bundles the control socket server with its handler.
type IPCDaemon struct {
	server  *ipc.Server
	handler *ipc.DaemonHandler
}

// newIPCDaemon builds the handler and server from the [ipc] section.
// Zero values in the section keep the server defaults.
func newIPCDaemon(eng *engine.Engine, loader *config.Loader, audit *logging.AuditLogger, cfg *config.Config, logger *slog.Logger, requestShutdown func()) (*IPCDaemon, error) {
	handler := ipc.NewDaemonHandler(ipc.DaemonHandlerConfig{
		Engine:     eng,
		Loader:     loader,
		Version:    version,
		Audit:      audit,
		OnShutdown: requestShutdown,
	})

	serverCfg := ipc.DefaultServerConfig(config.ShelfdDir())
	serverCfg.Version = version
	if cfg.IPC.SocketPath != "" {
		serverCfg.SocketPath = cfg.IPC.SocketPath
		serverCfg.TokenPath = cfg.IPC.SocketPath + ".token"
	}
	if cfg.IPC.MaxConnections > 0 {
		serverCfg.MaxConnections = cfg.IPC.MaxConnections
	}
	if cfg.IPC.TimeoutSec > 0 {
		serverCfg.ReadTimeout = time.Duration(cfg.IPC.TimeoutSec) * time.Second
	}
	if cfg.IPC.RequestsPerSec > 0 {
		serverCfg.RequestsPerSec = float64(cfg.IPC.RequestsPerSec)
	}
	if cfg.IPC.Permissions != "" {
		mode, err := parseSocketMode(cfg.IPC.Permissions)
		if err != nil {
			logger.Warn("invalid socket permissions, using default", "error", err)
		} else {
			serverCfg.SocketMode = mode
		}
	}

	server, err := ipc.NewServer(serverCfg, handler, logger)
	if err != nil {
		return nil, fmt.Errorf("create server: %w", err)
	}

	handler.SetBroadcaster(server.Broadcast)

	return &IPCDaemon{server: server, handler: handler}, nil
}

// Start begins accepting client connections.
func (d *IPCDaemon) Start() error {
	return d.server.Start()
}

// Stop closes the listener and disconnects clients.
func (d *IPCDaemon) Stop() error {
	return d.server.Stop()
}

// SocketPath returns the path clients connect to.
func (d *IPCDaemon) SocketPath() string {
	return d.server.SocketPath()
}

// ClientCount returns the number of connected clients.
func (d *IPCDaemon) ClientCount() int {
	return d.server.ClientCount()
}

// Broadcast delivers an event to subscribed clients.
func (d *IPCDaemon) Broadcast(ev *ipc.Event) {
	d.server.Broadcast(ev)
}

// StreamEngineEvents forwards the engine subscription streams to
// subscribed clients. The goroutines exit when the engine closes its
// streams on Stop.
func (d *IPCDaemon) StreamEngineEvents(eng *engine.Engine) {
	go func() {
		for g := range eng.Gestures(eventStreamBuffer) {
			d.server.Broadcast(ipc.NewGestureEvent(g))
		}
	}()
	go func() {
		for ch := range eng.StateChanges(eventStreamBuffer) {
			d.server.Broadcast(ipc.NewStateChangeEvent(ch))
		}
	}()
	go func() {
		for hc := range eng.HealthChanges(eventStreamBuffer) {
			d.server.Broadcast(ipc.NewHealthChangeEvent(hc))
		}
	}()
	go func() {
		for ev := range eng.SessionChanges(eventStreamBuffer) {
			d.server.Broadcast(ipc.NewSessionChangeEvent(ev))
		}
	}()
}

// parseSocketMode parses an octal permission string like "0600".
func parseSocketMode(s string) (os.FileMode, error) {
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("socket permissions %q: %w", s, err)
	}
	return os.FileMode(v), nil
}
