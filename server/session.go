// Package server ties the protocol layers together: it owns the listening
// socket and every client session, drives the non-blocking serve loop, and
// dispatches parsed requests and frames through the middleware registry.
package server

import (
	"reflect"
	"time"

	"github.com/rs/zerolog"

	"github.com/coregx/webserve/socket"
	"github.com/coregx/webserve/websocket"
)

// Mode is a session's protocol mode.
type Mode int

const (
	// ModeHTTP: the session parses HTTP/1.1 requests.
	ModeHTTP Mode = iota

	// ModeWebSocket: the session decodes WebSocket frames. Entered by the
	// upgrade handshake, never left.
	ModeWebSocket
)

// String returns the mode's name.
func (m Mode) String() string {
	if m == ModeWebSocket {
		return "websocket"
	}
	return "http"
}

// Session is the per-connection state: the socket handle, the protocol
// mode, partial parse buffers, and a user-data slot owned exclusively by
// the session.
//
// Sessions are created on accept and destroyed when the peer disconnects,
// a handler asks for disconnection, or the idle timeout elapses. The serve
// loop owns every session; middleware callbacks may use the one passed to
// them only for the duration of the call.
type Session struct {
	// Name is the client-visible display name. Defaults to the endpoint
	// string; handlers may rename it.
	Name string

	conn       *socket.Conn
	id         string
	mode       Mode
	wsResource string

	lastActivity time.Time

	// Partial HTTP request bytes, accumulated until the header terminator
	// arrives.
	reqBuf []byte

	// Unconsumed WebSocket bytes plus the partial-frame state feeding
	// ContinueDecode.
	frameBuf  []byte
	parseCode websocket.ParseCode
	partial   *websocket.Frame

	userData map[reflect.Type]any

	log zerolog.Logger
}

func newSession(conn *socket.Conn, id string, log zerolog.Logger) *Session {
	return &Session{
		Name:         conn.Endpoint(),
		conn:         conn,
		id:           id,
		lastActivity: time.Now(),
		parseCode:    websocket.ParseComplete,
		log:          log.With().Str("session_id", id).Str("endpoint", conn.Endpoint()).Logger(),
	}
}

// ID returns the session's identifier.
func (s *Session) ID() string {
	return s.id
}

// Endpoint returns the peer address as "ip:port".
func (s *Session) Endpoint() string {
	return s.conn.Endpoint()
}

// Mode returns the session's protocol mode.
func (s *Session) Mode() Mode {
	return s.mode
}

// Resource returns the resource path the WebSocket upgraded on, or "" for
// HTTP sessions.
func (s *Session) Resource() string {
	return s.wsResource
}

// SendFrame encodes the frame and writes it to the session's connection.
func (s *Session) SendFrame(f *websocket.Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	_, err = s.conn.Send(data)
	return err
}

// Disconnect closes the session's connection. The session itself is
// reaped by the next sweep.
func (s *Session) Disconnect() {
	_ = s.conn.Close()
}

// touch advances the activity clock.
func (s *Session) touch() {
	s.lastActivity = time.Now()
}

// UserData returns the session's slot for type T, allocating a zero value
// on first use. Each concrete type gets one slot; the slot lives until the
// session is destroyed or ClearUserData releases it.
func UserData[T any](s *Session) *T {
	key := reflect.TypeFor[T]()
	if v, ok := s.userData[key]; ok {
		return v.(*T)
	}
	if s.userData == nil {
		s.userData = make(map[reflect.Type]any)
	}
	v := new(T)
	s.userData[key] = v
	return v
}

// ClearUserData releases the session's slot for type T, if any.
func ClearUserData[T any](s *Session) {
	delete(s.userData, reflect.TypeFor[T]())
}
