package socket

import "golang.org/x/sys/unix"

// Wait blocks until at least one of the connections is readable (or has
// hung up) or the timeout in milliseconds elapses, and returns the subset
// that is ready. A zero-length input or an interrupted poll returns no
// connections.
func Wait(conns []*Conn, timeoutMS int) []*Conn {
	if len(conns) == 0 {
		return nil
	}

	fds := make([]unix.PollFd, len(conns))
	for i, c := range conns {
		fds[i] = unix.PollFd{Fd: int32(c.fd), Events: unix.POLLIN}
	}

	n, err := unix.Poll(fds, timeoutMS)
	if err != nil || n == 0 {
		return nil
	}

	ready := make([]*Conn, 0, n)
	for i, fd := range fds {
		if fd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			ready = append(ready, conns[i])
		}
	}
	return ready
}
