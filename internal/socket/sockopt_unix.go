//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package socket

import (
	"fmt"
	"runtime"
	"syscall"

	"golang.org/x/sys/unix"
)

// listenControl lets several agents on one host share the discovery port.
// Linux delivers broadcast and multicast to every SO_REUSEADDR socket; the
// BSDs need SO_REUSEPORT for the same behaviour.
func listenControl(_, _ string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			opErr = fmt.Errorf("set SO_REUSEADDR: %w", err)
			return
		}
		if runtime.GOOS != "linux" {
			if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
				opErr = fmt.Errorf("set SO_REUSEPORT: %w", err)
			}
		}
	})
	if err != nil {
		return err
	}
	return opErr
}

func jabberControl(_, _ string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1); err != nil {
			opErr = fmt.Errorf("set SO_BROADCAST: %w", err)
		}
	})
	if err != nil {
		return err
	}
	return opErr
}
