package channel

import (
	"crypto/tls"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// controlListenSocket is the net.ListenConfig Control callback applied to
// every listening socket before bind: it sets SO_REUSEADDR so a restarted
// channel can rebind its endpoint while old connections linger in
// TIME_WAIT. The listen backlog is not settable per-socket in Go; the
// kernel's somaxconn cap applies.
func controlListenSocket(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

// tuneAcceptedConn applies per-connection TCP options on an accepted
// socket: TCP_NODELAY, so small response writes are not delayed by Nagle
// batching.
func tuneAcceptedConn(conn net.Conn) {
	if tlsConn, ok := conn.(*tls.Conn); ok {
		conn = tlsConn.NetConn()
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
}
