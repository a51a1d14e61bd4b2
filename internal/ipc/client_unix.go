//go:build !windows

package ipc

import (
	"errors"
	"io/fs"
	"net"
	"os"
	"syscall"
)

// dial connects to the daemon's unix socket.
func (c *IPCClient) dial() (net.Conn, error) {
	dialer := net.Dialer{
		Timeout: c.config.ConnectTimeout,
	}

	conn, err := dialer.Dial("unix", c.socketPath)
	if err != nil {
		// No socket, or a socket nobody accepts on
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ECONNREFUSED) {
			return nil, ErrDaemonNotRunning
		}
		return nil, err
	}

	return conn, nil
}

// authRequest builds the platform auth request. The unix socket
// carries peer credentials, so the client just states its PID.
func (c *IPCClient) authRequest() (*AuthRequest, error) {
	return &AuthRequest{
		Method: "peer",
		PID:    os.Getpid(),
	}, nil
}
