//go:build windows
// +build windows

package security

// setUmask is a no-op on Windows; file ACLs come from the parent
// directory.
func setUmask(mask int) int {
	return 0
}
