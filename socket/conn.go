package socket

import (
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// Conn is one accepted, non-blocking TCP connection.
type Conn struct {
	fd        int
	endpoint  string
	connected bool
}

// Endpoint returns the peer address as "ip:port".
func (c *Conn) Endpoint() string {
	return c.endpoint
}

// Connected reports whether the connection is still usable. It flips to
// false when the peer closes or a socket error is observed, and stays
// false after Close.
func (c *Conn) Connected() bool {
	return c.connected
}

// Recv reads at most len(buf) bytes without blocking. With peek set the
// bytes are not consumed from the socket.
//
// Returns n > 0 when data arrived, (0, nil) when nothing is ready, and
// (0, io.EOF) once the peer has closed. Socket errors mark the connection
// disconnected.
func (c *Conn) Recv(buf []byte, peek bool) (int, error) {
	if !c.connected {
		return 0, io.EOF
	}

	flags := unix.MSG_DONTWAIT
	if peek {
		flags |= unix.MSG_PEEK
	}

	n, _, err := unix.Recvfrom(c.fd, buf, flags)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
			return 0, nil
		}
		c.connected = false
		return 0, fmt.Errorf("socket: recv from %s: %w", c.endpoint, err)
	}
	if n == 0 {
		// Orderly shutdown by the peer.
		c.connected = false
		return 0, io.EOF
	}
	return n, nil
}

// Send writes all of data, waiting for writability when the socket's send
// buffer is full. A peer reset marks the connection disconnected.
func (c *Conn) Send(data []byte) (int, error) {
	if !c.connected {
		return 0, io.EOF
	}

	sent := 0
	for sent < len(data) {
		n, err := unix.Write(c.fd, data[sent:])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
				c.waitWritable()
				continue
			}
			c.connected = false
			return sent, fmt.Errorf("socket: send to %s: %w", c.endpoint, err)
		}
		sent += n
	}
	return sent, nil
}

// waitWritable blocks until the socket accepts more data or one second
// passes. Send retries after each wait, so a peer that never drains its
// receive buffer keeps Send waiting.
func (c *Conn) waitWritable() {
	fds := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLOUT}}
	_, _ = unix.Poll(fds, 1000)
}

// Close disconnects and closes the socket. Safe to call more than once.
func (c *Conn) Close() error {
	if c.fd < 0 {
		return nil
	}
	c.connected = false
	err := unix.Close(c.fd)
	c.fd = -1
	return err
}
