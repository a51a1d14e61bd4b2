//go:build !windows

package ipc

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
)

// listen creates the unix socket listener, replacing any stale socket
// file left by a previous run.
func (s *Server) listen() (net.Listener, error) {
	socketDir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(socketDir, 0700); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}

	if err := CleanupSocket(s.socketPath); err != nil {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}

	// Owner-only access
	if err := os.Chmod(s.socketPath, s.socketMode); err != nil {
		listener.Close()
		return nil, fmt.Errorf("set socket permissions: %w", err)
	}

	return listener, nil
}

// cleanupTransport removes the socket file after shutdown.
func (s *Server) cleanupTransport() {
	os.Remove(s.socketPath)
}

// peerString derives the limiter key for a connection from the peer's
// socket credentials.
func peerString(conn net.Conn) string {
	cred, err := GetPeerCredentials(conn)
	if err != nil {
		return "unknown"
	}
	if cred.PID > 0 {
		return fmt.Sprintf("pid=%d uid=%d", cred.PID, cred.UID)
	}
	return fmt.Sprintf("uid=%d", cred.UID)
}

// verifyPeer reports whether the connecting process runs as the same
// user as the daemon.
func verifyPeer(conn net.Conn) (bool, error) {
	cred, err := GetPeerCredentials(conn)
	if err != nil {
		return false, err
	}
	return cred.UID == os.Getuid(), nil
}

// SetSocketPermissions sets the socket file permissions
func SetSocketPermissions(path string, mode os.FileMode) error {
	return os.Chmod(path, mode)
}

// CleanupSocket removes a stale socket file
func CleanupSocket(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	// Only remove if it's a socket
	if info.Mode()&os.ModeSocket != 0 {
		return os.Remove(path)
	}

	return fmt.Errorf("path exists but is not a socket: %s", path)
}

// IsSocketListening checks if a socket is already listening
func IsSocketListening(path string) bool {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
