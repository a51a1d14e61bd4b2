//go:build unix
// +build unix

package security

import (
	"golang.org/x/sys/unix"
)

// setUmask sets the process umask on Unix.
func setUmask(mask int) int {
	return unix.Umask(mask)
}
