package tarpit

import (
	"net"
	"syscall"
)

// clampReceiveWindow shrinks the connection's TCP receive buffer to n
// bytes, the "shrink the receive window for further torture" step
// spec.md §4.2's DATA_IN transition calls for: a tiny advertised
// window forces a spamming client's TCP stack to split its message
// into many small segments, each one paced by the kernel's own flow
// control on top of the tarpit's own stutter. n <= 0 is a no-op.
func clampReceiveWindow(conn net.Conn, n int) error {
	if n <= 0 {
		return nil
	}
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	raw, err := tc.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_RCVBUF, n)
	})
	if err != nil {
		return err
	}
	return sockErr
}
