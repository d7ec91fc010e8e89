//go:build !linux

package ssu

import "syscall"

// tuneSocket is a no-op on platforms without the unix socket-option set
// used on Linux; Listen still succeeds with default OS socket tuning.
func tuneSocket(network, address string, c syscall.RawConn) error {
	return nil
}
