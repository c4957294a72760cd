// Package socket provides the non-blocking TCP primitives the server loop
// is built on: a listening socket with a configurable accept backlog, a
// connection handle with non-blocking recv/send, and a multi-socket
// readiness wait with a millisecond timeout.
//
// Everything is implemented on raw file descriptors through
// golang.org/x/sys/unix so that accept, recv, and the readiness wait are
// genuinely non-blocking; net.Listener hides the backlog and net.Conn has
// no poll-style wait across many connections.
package socket

import (
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// Listener is a non-blocking TCP listening socket bound to all interfaces.
type Listener struct {
	fd   int
	port int
}

// Listen binds a TCP socket to the given port on all interfaces with
// SO_REUSEADDR set, listens with the given backlog, and puts the socket in
// non-blocking mode. Port 0 binds an ephemeral port; Port() reports the
// one actually bound.
func Listen(port, backlog int) (*Listener, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: create: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("socket: set SO_REUSEADDR: %w", err)
	}

	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: port}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("socket: bind port %d: %w", port, err)
	}

	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("socket: listen: %w", err)
	}

	sa, err := unix.Getsockname(fd)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("socket: getsockname: %w", err)
	}
	if inet, ok := sa.(*unix.SockaddrInet4); ok {
		port = inet.Port
	}

	return &Listener{fd: fd, port: port}, nil
}

// Port returns the port the listener is bound to.
func (l *Listener) Port() int {
	return l.port
}

// Accept accepts one pending connection, if any. The accepted socket is
// non-blocking with TCP_NODELAY set. When no connection is ready it
// returns (nil, nil).
func (l *Listener) Accept() (*Conn, error) {
	fd, sa, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("socket: accept: %w", err)
	}

	// Best effort; a connection without NODELAY still works.
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

	return &Conn{fd: fd, endpoint: endpointString(sa), connected: true}, nil
}

// Close closes the listening socket.
func (l *Listener) Close() error {
	return unix.Close(l.fd)
}

// endpointString renders a socket address as "ip:port".
func endpointString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	default:
		return "unknown"
	}
}
