package ssu

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// rcvBufSize requests a deeper kernel receive buffer than the default so a
// burst of fragment retransmissions doesn't overflow the socket queue
// before handlePacket's goroutines drain it.
const rcvBufSize = 1 << 20

// tuneSocket sets SO_REUSEADDR and SO_RCVBUF on the listening UDP socket
// before bind, via the net.ListenConfig.Control hook used by
// ssu.Transport.Listen.
func tuneSocket(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			sockErr = err
			return
		}
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, rcvBufSize)
	})
	if err != nil {
		return err
	}
	return sockErr
}
