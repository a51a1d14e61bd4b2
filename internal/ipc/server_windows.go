//go:build windows

// Windows has no unix socket peer credentials, so the daemon listens
// on a loopback TCP port instead. The bound port is published through
// an owner-only port file next to the configured socket path, and
// clients prove their identity with the shared token file. Same-user
// enforcement comes from file permissions on both.
package ipc

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"shelfd/internal/security"
)

// listen binds a loopback TCP port and publishes it in the port file.
func (s *Server) listen() (net.Listener, error) {
	dir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	tokenPath := s.tokenPath
	if tokenPath == "" {
		tokenPath = tokenFilePath(s.socketPath)
	}
	token, err := security.LoadOrCreateToken(tokenPath)
	if err != nil {
		return nil, fmt.Errorf("load auth token: %w", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen on loopback: %w", err)
	}

	addr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		listener.Close()
		return nil, fmt.Errorf("unexpected listener address %v", listener.Addr())
	}

	port := fmt.Sprintf("%d\n", addr.Port)
	if err := security.WriteSecureFile(portFilePath(s.socketPath), []byte(port), 0600); err != nil {
		listener.Close()
		return nil, fmt.Errorf("write port file: %w", err)
	}

	s.mu.Lock()
	s.token = token
	s.mu.Unlock()

	return listener, nil
}

// cleanupTransport removes the port file after shutdown. The token
// file stays; it is the long-lived shared secret.
func (s *Server) cleanupTransport() {
	os.Remove(portFilePath(s.socketPath))
}

// peerString derives the limiter key for a connection. Loopback TCP
// exposes no process identity, so the remote address stands in.
func peerString(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}

// verifyPeer always fails on Windows; clients authenticate with the
// token instead.
func verifyPeer(conn net.Conn) (bool, error) {
	return false, fmt.Errorf("peer credentials not available on windows")
}

// GetPeerCredentials is unavailable on Windows.
func GetPeerCredentials(conn net.Conn) (*PeerCredentials, error) {
	return nil, fmt.Errorf("peer credentials not available on windows")
}

// portFilePath derives the port file path from the socket path.
func portFilePath(socketPath string) string {
	return strings.TrimSuffix(socketPath, filepath.Ext(socketPath)) + ".port"
}

// tokenFilePath derives the token file path from the socket path.
func tokenFilePath(socketPath string) string {
	return strings.TrimSuffix(socketPath, filepath.Ext(socketPath)) + ".token"
}
