package server

import (
	"time"

	"github.com/rs/zerolog"
)

// Defaults for Config's zero values.
const (
	DefaultPort    = 80
	DefaultBacklog = 1024
	DefaultDocRoot = "wwwroot"

	// DefaultIdleTimeout is how long a session may stay silent before the
	// sweep closes it.
	DefaultIdleTimeout = 3600 * time.Second

	// DefaultWaitTimeout bounds the readiness wait over all sessions.
	DefaultWaitTimeout = 50 * time.Millisecond

	// DefaultMaxHeaderBuffer caps the bytes buffered while waiting for a
	// request's header terminator.
	DefaultMaxHeaderBuffer = 8 << 10

	// DefaultMaxBodyBuffer caps the body bytes buffered beyond the header.
	DefaultMaxBodyBuffer = 128 << 10
)

// recvBufferSize is the per-iteration recv buffer.
const recvBufferSize = 8 << 10

// minRequestSize is the smallest parseable request:
// "GET / HTTP/1.1\r\n\r\n" is 18 bytes.
const minRequestSize = 18

// idleSleep is slept when no sessions exist, instead of the readiness wait.
const idleSleep = 10 * time.Millisecond

// Config configures a Server. Zero values take the defaults above.
type Config struct {
	// Port to listen on (all interfaces).
	Port int

	// Backlog for the listening socket.
	Backlog int

	// DocRoot is the static asset document root.
	DocRoot string

	// IdleTimeout sweeps sessions with no activity for this long.
	IdleTimeout time.Duration

	// WaitTimeout bounds each readiness wait.
	WaitTimeout time.Duration

	// MaxHeaderBuffer and MaxBodyBuffer bound a session's buffered
	// request bytes; exceeding them answers 400 and disconnects.
	MaxHeaderBuffer int
	MaxBodyBuffer   int

	// Logger receives the server's structured log. Nil disables logging.
	Logger *zerolog.Logger
}

// withDefaults fills unset fields.
func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Backlog == 0 {
		c.Backlog = DefaultBacklog
	}
	if c.DocRoot == "" {
		c.DocRoot = DefaultDocRoot
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.WaitTimeout == 0 {
		c.WaitTimeout = DefaultWaitTimeout
	}
	if c.MaxHeaderBuffer == 0 {
		c.MaxHeaderBuffer = DefaultMaxHeaderBuffer
	}
	if c.MaxBodyBuffer == 0 {
		c.MaxBodyBuffer = DefaultMaxBodyBuffer
	}
	return c
}

// logger returns the configured logger or a no-op one.
func (c Config) logger() zerolog.Logger {
	if c.Logger == nil {
		return zerolog.Nop()
	}
	return *c.Logger
}
