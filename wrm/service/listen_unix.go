//go:build unix

package service

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// setReuseAddr lets a restarted server rebind while old sockets linger in TIME_WAIT.
func setReuseAddr(_, _ string, rawConn syscall.RawConn) error {
	var sockErr error
	if err := rawConn.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return sockErr
}
