package security

import (
	"os"
)

// RunningAsRoot reports whether the process runs with root privileges.
// The daemon refuses nothing but logs a warning: shelf state, the
// session bus and the journal all belong to the desktop user.
func RunningAsRoot() bool {
	return os.Geteuid() == 0
}

// RestrictUmask sets the process umask to 0077 so files the daemon
// creates default to owner-only. Returns the previous umask. No-op on
// Windows.
func RestrictUmask() int {
	return setUmask(0077)
}
