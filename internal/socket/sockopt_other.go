//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package socket

import "syscall"

// Other platforms keep the runtime's defaults; the Go net package already
// enables broadcast on datagram sockets.
func listenControl(_, _ string, _ syscall.RawConn) error { return nil }

func jabberControl(_, _ string, _ syscall.RawConn) error { return nil }
