package server

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/rs/zerolog"

	"github.com/coregx/webserve/assets"
	"github.com/coregx/webserve/http1"
	"github.com/coregx/webserve/socket"
	"github.com/coregx/webserve/websocket"
)

// command is deferred work executed on the loop goroutine. Entry points
// that may run on other goroutines (SendAll, PingAll) enqueue commands
// instead of touching the session set; the loop drains the queue FIFO at
// the top of each iteration, so one broadcast is fully delivered before
// the next begins.
type command func(*Server)

// commandQueue is an unbounded FIFO of commands. Unbounded so handlers
// running on the loop can enqueue without ever blocking it.
type commandQueue struct {
	mu   sync.Mutex
	cmds []command
}

func (q *commandQueue) push(cmd command) {
	q.mu.Lock()
	q.cmds = append(q.cmds, cmd)
	q.mu.Unlock()
}

func (q *commandQueue) drain() []command {
	q.mu.Lock()
	cmds := q.cmds
	q.cmds = nil
	q.mu.Unlock()
	return cmds
}

// Server accepts connections, parses HTTP/1.1 requests, upgrades
// WebSocket sessions, and dispatches both through the middleware
// registry. The serve loop is single-threaded and cooperative: handlers
// run synchronously on the loop goroutine, and a handler that blocks
// stalls every session.
type Server struct {
	// Registry holds the middleware chains; register handlers before
	// calling Serve.
	Registry

	// DefaultHeaders are added to every upgrade handshake response.
	DefaultHeaders http1.Fields

	cfg      Config
	ln       *socket.Listener
	loader   *assets.Loader
	sessions []*Session
	commands commandQueue
	recvBuf  [recvBufferSize]byte
	log      zerolog.Logger
}

// New binds the listening socket and returns a server ready to Serve.
// A negative Config.Port binds an ephemeral port.
func New(cfg Config) (*Server, error) {
	cfg = cfg.withDefaults()

	port := cfg.Port
	if port < 0 {
		port = 0
	}
	ln, err := socket.Listen(port, cfg.Backlog)
	if err != nil {
		return nil, err
	}

	return &Server{
		cfg:    cfg,
		ln:     ln,
		loader: assets.NewLoader(cfg.DocRoot),
		log:    cfg.logger(),
	}, nil
}

// Port returns the port the server is listening on.
func (s *Server) Port() int {
	return s.ln.Port()
}

// Serve runs the loop until ctx is canceled, then closes every session
// and the listener.
//
// Each iteration: drain queued commands, accept up to one new connection,
// wait for readiness across all sessions (or sleep briefly when there are
// none), recv and dispatch per readable session, then sweep disconnected
// and timed-out sessions.
func (s *Server) Serve(ctx context.Context) error {
	s.log.Info().Int("port", s.ln.Port()).Msg("server listening")

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		default:
		}
		s.iterate()
	}
}

// iterate runs one loop iteration, recovering handler panics so one
// misbehaving callback cannot take the other sessions down.
func (s *Server) iterate() {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Any("panic", r).Msg("handler panic recovered; continuing")
		}
	}()

	s.drainCommands()
	s.acceptClient()

	if len(s.sessions) == 0 {
		time.Sleep(idleSleep)
		return
	}

	conns := make([]*socket.Conn, len(s.sessions))
	byConn := make(map[*socket.Conn]*Session, len(s.sessions))
	for i, sess := range s.sessions {
		conns[i] = sess.conn
		byConn[sess.conn] = sess
	}
	for _, conn := range socket.Wait(conns, int(s.cfg.WaitTimeout.Milliseconds())) {
		s.process(byConn[conn])
	}

	s.sweep()
}

func (s *Server) drainCommands() {
	for _, cmd := range s.commands.drain() {
		cmd(s)
	}
}

// acceptClient accepts up to one pending connection.
func (s *Server) acceptClient() {
	conn, err := s.ln.Accept()
	if err != nil {
		s.log.Warn().Err(err).Msg("accept failed")
		return
	}
	if conn == nil {
		return
	}

	sess := newSession(conn, shortuuid.New(), s.log)
	s.sessions = append(s.sessions, sess)
	sess.log.Info().Int("total_clients", len(s.sessions)).Msg("client connected")
}

// process performs one bounded recv for a readable session and feeds the
// bytes to the session's protocol path.
func (s *Server) process(sess *Session) {
	n, err := sess.conn.Recv(s.recvBuf[:], false)
	if err != nil || n == 0 {
		// Closed or spurious wakeup; the sweep handles closed peers.
		return
	}

	data := s.recvBuf[:n]
	if sess.mode == ModeWebSocket {
		s.handleFrames(sess, data)
	} else {
		s.handleHTTPBytes(sess, data)
	}
}

// handleHTTPBytes buffers request bytes until the header terminator
// arrives, then parses and dispatches. The buffer is bounded by the header
// and body caps; parse failures answer 400 and disconnect.
func (s *Server) handleHTTPBytes(sess *Session, data []byte) {
	sess.reqBuf = append(sess.reqBuf, data...)

	if len(sess.reqBuf) > s.cfg.MaxHeaderBuffer+s.cfg.MaxBodyBuffer {
		sess.log.Warn().Int("buffered", len(sess.reqBuf)).Msg("request too large")
		s.rejectRequest(sess)
		return
	}
	if len(sess.reqBuf) < minRequestSize || !headerTerminated(sess.reqBuf) {
		if len(sess.reqBuf) > s.cfg.MaxHeaderBuffer {
			sess.log.Warn().Int("buffered", len(sess.reqBuf)).Msg("header block too large")
			s.rejectRequest(sess)
		}
		return
	}

	req, err := http1.ParseRequest(sess.reqBuf)
	sess.reqBuf = nil
	if err != nil {
		sess.log.Warn().Err(err).Msg("malformed request")
		s.rejectRequest(sess)
		return
	}

	sess.touch()
	s.handleRequest(sess, req)
}

// headerTerminated reports whether the buffered bytes contain the end of
// the header block (CRLF CRLF, or bare LF LF).
func headerTerminated(buf []byte) bool {
	return bytes.Contains(buf, []byte("\r\n\r\n")) || bytes.Contains(buf, []byte("\n\n"))
}

// rejectRequest answers 400 and disconnects.
func (s *Server) rejectRequest(sess *Session) {
	resp := &http1.Response{Code: http1.StatusBadRequest}
	resp.Headers.Set("Content-Type", "text/html")
	resp.SetBody("<h1>Bad Request</h1>")
	_, _ = sess.conn.Send(resp.Marshal())
	_, _ = sess.conn.Send(resp.Body)
	sess.Disconnect()
}

// handleRequest routes one parsed request: upgrade handshake first, then
// the HTTP handler chain, then the static asset fallback.
func (s *Server) handleRequest(sess *Session, req *http1.Request) {
	if websocket.IsUpgrade(req) {
		s.handshake(sess, req)
		return
	}

	for _, h := range s.httpHandlers {
		status, resp := h(req)
		switch status {
		case DisconnectClient:
			sess.log.Info().Str("resource", req.Resource).Msg("handler disconnected client")
			sess.Disconnect()
			return
		case DynamicResponse:
			if resp == nil {
				s.log.Warn().Msg("handler returned dynamic response without payload, ignoring")
				continue
			}
			s.sendResponse(sess, req, resp)
			return
		}
		// DefaultResponse: keep walking the chain.
	}

	s.serveStatic(sess, req)
}

// serveStatic is the default path: load the resource from the document
// root, or render the 404 template around the stringified request.
func (s *Server) serveStatic(sess *Session, req *http1.Request) {
	resp := &http1.Response{}
	body, mime, ok := s.loader.Load(req.Resource)
	if ok {
		resp.Code = http1.StatusOK
	} else {
		resp.Code = http1.StatusNotFound
		body, mime = s.loader.NotFound(req.String())
	}
	resp.Headers.Set("Content-Type", mime)
	resp.Body = body
	s.sendResponse(sess, req, resp)

	sess.log.Info().
		Int("status", int(resp.Code)).
		Str("resource", req.Resource).
		Str("content_type", mime).
		Int("bytes", len(body)).
		Msg("served static asset")
}

// sendResponse runs the post-processor chain and writes the response.
func (s *Server) sendResponse(sess *Session, req *http1.Request, resp *http1.Response) {
	for _, p := range s.postProcessors {
		p(req, resp)
	}
	if _, err := sess.conn.Send(resp.Marshal()); err != nil {
		return
	}
	if len(resp.Body) > 0 {
		_, _ = sess.conn.Send(resp.Body)
	}
}

// handshake answers the upgrade request per RFC 6455 Section 4.2.2 and
// flips the session into WebSocket mode, bound to the upgrading resource.
func (s *Server) handshake(sess *Session, req *http1.Request) {
	resp := &http1.Response{Code: http1.StatusSwitchingProtocols}
	s.DefaultHeaders.Each(resp.Headers.Set)
	resp.Headers.Set("Upgrade", "websocket")
	resp.Headers.Set("Connection", "Upgrade")
	resp.Headers.Set("Sec-WebSocket-Accept", websocket.AcceptKey(req.Headers.Value("Sec-WebSocket-Key")))
	s.sendResponse(sess, req, resp)

	sess.mode = ModeWebSocket
	sess.wsResource = req.Resource
	sess.log.Info().Str("resource", req.Resource).Msg("upgraded to websocket")
}

// handleFrames feeds recv'd bytes to the frame codec: first completing
// any prior partial decode, then decoding fresh frames until the buffered
// bytes run out. Unconsumed bytes (including a straddled frame header)
// stay buffered for the next recv.
func (s *Server) handleFrames(sess *Session, data []byte) {
	sess.frameBuf = append(sess.frameBuf, data...)
	off := 0

loop:
	for {
		if sess.parseCode != websocket.ParseComplete {
			code := sess.partial.ContinueDecode(sess.frameBuf, &off, sess.parseCode)
			sess.parseCode = code
			switch code {
			case websocket.ParseComplete:
				f := sess.partial
				sess.partial = nil
				sess.touch()
				if !s.dispatchFrame(sess, f) {
					break loop
				}
				continue
			case websocket.ParseFailed:
				sess.log.Warn().Msg("websocket frame continuation failed, closing connection")
				sess.Disconnect()
				sess.frameBuf = nil
				return
			default:
				// Still waiting on mask or payload bytes.
				break loop
			}
		}

		if !websocket.HeaderComplete(sess.frameBuf[off:]) {
			break
		}
		f, code := websocket.Decode(sess.frameBuf, &off)
		switch code {
		case websocket.ParseComplete:
			sess.touch()
			if !s.dispatchFrame(sess, f) {
				break loop
			}
		case websocket.ParseFailed:
			sess.log.Warn().Msg("websocket frame rejected, closing connection")
			sess.Disconnect()
			sess.frameBuf = nil
			return
		default:
			sess.partial = f
			sess.parseCode = code
			break loop
		}
	}

	if off > 0 {
		sess.frameBuf = append([]byte(nil), sess.frameBuf[off:]...)
	}
}

// dispatchFrame walks the frame handler chain; the first FrameProcessed
// wins. Unhandled close frames disconnect, unhandled pings are answered
// with a pong echoing the payload (unmasked, mask flag cleared). Returns
// false once the session's connection is gone.
func (s *Server) dispatchFrame(sess *Session, f *websocket.Frame) bool {
	for _, h := range s.frameHandlers {
		if h(sess, f) == FrameProcessed {
			return sess.conn.Connected()
		}
	}

	switch f.Opcode {
	case websocket.OpcodeClose:
		sess.log.Info().Msg("websocket peer sent close frame")
		sess.Disconnect()
		return false
	case websocket.OpcodePing:
		f.EnsureUnmasked()
		pong := &websocket.Frame{
			Fin:           true,
			Opcode:        websocket.OpcodePong,
			PayloadLength: f.PayloadLength,
			Payload:       f.Payload,
		}
		if err := sess.SendFrame(pong); err != nil {
			sess.log.Warn().Err(err).Msg("pong failed")
		}
	}
	return sess.conn.Connected()
}

// sweep drops sessions whose connection closed or whose activity clock is
// older than the idle timeout.
func (s *Server) sweep() {
	now := time.Now()
	kept := s.sessions[:0]
	for _, sess := range s.sessions {
		switch {
		case !sess.conn.Connected():
			sess.log.Info().Int("total_clients", len(s.sessions)-1).Msg("client disconnected")
			_ = sess.conn.Close()
		case now.Sub(sess.lastActivity) > s.cfg.IdleTimeout:
			sess.log.Info().Dur("idle", now.Sub(sess.lastActivity)).Msg("client timed out")
			_ = sess.conn.Close()
		default:
			kept = append(kept, sess)
			continue
		}
	}
	s.sessions = kept
}

// shutdown closes every session and the listener.
func (s *Server) shutdown() {
	for _, sess := range s.sessions {
		_ = sess.conn.Close()
	}
	s.sessions = nil
	_ = s.ln.Close()
	s.log.Info().Msg("server stopped")
}

// SendAll encodes the frame once and delivers it to every WebSocket
// session bound to resource (every WebSocket session when resource is
// empty). Safe to call from any goroutine: delivery happens on the loop,
// and one SendAll finishes delivering before the next begins.
func (s *Server) SendAll(f *websocket.Frame, resource string) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	s.commands.push(func(srv *Server) {
		srv.sendEncoded(data, resource)
	})
	return nil
}

// PingAll sends a ping frame to every WebSocket session. Safe to call
// from any goroutine.
func (s *Server) PingAll() error {
	data, err := websocket.PingFrame().Encode()
	if err != nil {
		return err
	}
	s.commands.push(func(srv *Server) {
		srv.sendEncoded(data, "")
	})
	return nil
}

func (s *Server) sendEncoded(data []byte, resource string) {
	for _, sess := range s.sessions {
		if sess.mode != ModeWebSocket {
			continue
		}
		if resource != "" && sess.wsResource != resource {
			continue
		}
		_, _ = sess.conn.Send(data)
	}
}
