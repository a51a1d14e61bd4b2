//go:build windows

package ipc

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strconv"
	"strings"

	"shelfd/internal/security"
)

// dial reads the daemon's port file and connects over loopback TCP.
func (c *IPCClient) dial() (net.Conn, error) {
	data, err := security.ReadSecureFile(portFilePath(c.socketPath), 64)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrDaemonNotRunning
		}
		return nil, fmt.Errorf("read port file: %w", err)
	}

	port, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("malformed port file %s", portFilePath(c.socketPath))
	}

	dialer := net.Dialer{
		Timeout: c.config.ConnectTimeout,
	}

	conn, err := dialer.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		// A stale port file outlives the daemon
		return nil, ErrDaemonNotRunning
	}

	return conn, nil
}

// authRequest builds the platform auth request. Loopback TCP carries
// no peer identity, so the client presents the shared token; being
// able to read the owner-only token file is the proof.
func (c *IPCClient) authRequest() (*AuthRequest, error) {
	tokenPath := c.config.TokenPath
	if tokenPath == "" {
		tokenPath = tokenFilePath(c.socketPath)
	}

	data, err := security.ReadSecureFile(tokenPath, 4096)
	if err != nil {
		return nil, fmt.Errorf("read auth token: %w", err)
	}

	return &AuthRequest{
		Method: "token",
		Token:  strings.TrimSpace(string(data)),
	}, nil
}
