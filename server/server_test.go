package server

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/coregx/webserve/http1"
	"github.com/coregx/webserve/websocket"
)

// newTestServer starts a server on an ephemeral port with the given
// document root, letting the caller register middleware first.
func newTestServer(t *testing.T, cfg Config, register func(*Server)) *Server {
	t.Helper()

	cfg.Port = -1
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = time.Hour
	}
	if cfg.DocRoot == "" {
		cfg.DocRoot = t.TempDir()
	}

	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if register != nil {
		register(srv)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = srv.Serve(ctx) }()

	return srv
}

// writeDocRoot fills a temp document root and returns it.
func writeDocRoot(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(root, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return root
}

// testClient is one client connection with buffered reads.
type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dialServer(t *testing.T, srv *Server) *testClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", srv.Port()), 2*time.Second)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *testClient) send(data []byte) {
	c.t.Helper()
	if _, err := c.conn.Write(data); err != nil {
		c.t.Fatalf("write failed: %v", err)
	}
}

// response reads one HTTP response: status line, headers, and the body
// announced by Content-Length.
func (c *testClient) response() (string, map[string]string, []byte) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	status, err := c.r.ReadString('\n')
	if err != nil {
		c.t.Fatalf("read status line: %v", err)
	}
	status = strings.TrimRight(status, "\r\n")

	headers := map[string]string{}
	for {
		line, err := c.r.ReadString('\n')
		if err != nil {
			c.t.Fatalf("read header line: %v", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		name, value, _ := strings.Cut(line, ": ")
		headers[name] = value
	}

	var body []byte
	if cl := headers["Content-Length"]; cl != "" {
		n, err := strconv.Atoi(cl)
		if err != nil {
			c.t.Fatalf("bad Content-Length %q", cl)
		}
		body = make([]byte, n)
		if _, err := io.ReadFull(c.r, body); err != nil {
			c.t.Fatalf("read body: %v", err)
		}
	}
	return status, headers, body
}

// upgrade performs the WebSocket handshake on the given resource using
// the RFC 6455 Section 1.3 sample key.
func (c *testClient) upgrade(resource string) map[string]string {
	c.t.Helper()
	c.send(fmt.Appendf(nil,
		"GET %s HTTP/1.1\r\nUpgrade: websocket\r\nSec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n\r\n",
		resource))

	status, headers, _ := c.response()
	if status != "HTTP/1.1 101 Switching Protocols" {
		c.t.Fatalf("upgrade status = %q", status)
	}
	if got := headers["Sec-WebSocket-Accept"]; got != "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=" {
		c.t.Fatalf("accept key = %q", got)
	}
	return headers
}

// sendMasked writes a masked client frame (payloads up to 125 bytes).
func (c *testClient) sendMasked(op byte, payload []byte) {
	c.t.Helper()
	mask := [4]byte{0x12, 0x34, 0x56, 0x78}
	buf := []byte{0x80 | op, 0x80 | byte(len(payload))}
	buf = append(buf, mask[:]...)
	for i, b := range payload {
		buf = append(buf, b^mask[i&3])
	}
	c.send(buf)
}

// frame reads one short server frame (payloads up to 125 bytes).
func (c *testClient) frame() (byte, []byte) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	header := make([]byte, 2)
	if _, err := io.ReadFull(c.r, header); err != nil {
		c.t.Fatalf("read frame header: %v", err)
	}
	if header[1]&0x80 != 0 {
		c.t.Fatal("server frame has the mask bit set")
	}
	payload := make([]byte, header[1]&0x7F)
	if _, err := io.ReadFull(c.r, payload); err != nil {
		c.t.Fatalf("read frame payload: %v", err)
	}
	return header[0] & 0x0F, payload
}

// expectClosed waits for the server to close the connection.
func (c *testClient) expectClosed() {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.r.ReadByte(); err != io.EOF {
		c.t.Errorf("read = %v, want EOF", err)
	}
}

// expectSilence verifies nothing arrives within the window.
func (c *testClient) expectSilence(d time.Duration) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(d))
	if _, err := c.r.ReadByte(); err == nil {
		c.t.Error("unexpected data from server")
	} else if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
		c.t.Errorf("read = %v, want timeout", err)
	}
}

// TestServe_StaticAsset is the basic static-file round trip.
func TestServe_StaticAsset(t *testing.T) {
	root := writeDocRoot(t, map[string]string{"index.html": "<html>home</html>"})
	srv := newTestServer(t, Config{DocRoot: root}, nil)

	c := dialServer(t, srv)
	c.send([]byte("GET /index.html HTTP/1.1\r\nHost: x\r\n\r\n"))

	status, headers, body := c.response()
	if status != "HTTP/1.1 200 OK" {
		t.Errorf("status = %q", status)
	}
	if ct := headers["Content-Type"]; ct != "text/html" {
		t.Errorf("content type = %q", ct)
	}
	if string(body) != "<html>home</html>" {
		t.Errorf("body = %q", body)
	}
}

// TestServe_NotFound covers the 404 fallback body and the rendered
// template.
func TestServe_NotFound(t *testing.T) {
	t.Run("fallback", func(t *testing.T) {
		srv := newTestServer(t, Config{}, nil)
		c := dialServer(t, srv)
		c.send([]byte("GET /nope.html HTTP/1.1\r\n\r\n"))

		status, headers, body := c.response()
		if status != "HTTP/1.1 404 Not Found" {
			t.Errorf("status = %q", status)
		}
		if headers["Content-Type"] != "text/html" {
			t.Errorf("content type = %q", headers["Content-Type"])
		}
		if string(body) != "<h1>Internal Server Error</h1>" {
			t.Errorf("body = %q", body)
		}
	})

	t.Run("template", func(t *testing.T) {
		root := writeDocRoot(t, map[string]string{"404.html": "<html>{}</html>"})
		srv := newTestServer(t, Config{DocRoot: root}, nil)
		c := dialServer(t, srv)
		c.send([]byte("GET /gone.html HTTP/1.1\r\n\r\n"))

		status, _, body := c.response()
		if status != "HTTP/1.1 404 Not Found" {
			t.Errorf("status = %q", status)
		}
		if !strings.Contains(string(body), "GET /gone.html") {
			t.Errorf("body = %q, request not interpolated", body)
		}
	})
}

// TestServe_TraversalNormalized verifies handlers see the normalized
// resource, never the raw traversal path.
func TestServe_TraversalNormalized(t *testing.T) {
	srv := newTestServer(t, Config{}, func(srv *Server) {
		srv.HandleHTTPRoute([]string{"/secrets"}, func(req *http1.Request) (RouteStatus, *http1.Response) {
			resp := &http1.Response{Code: http1.StatusOK}
			resp.Headers.Set("Content-Type", "text/plain")
			resp.SetBody("normalized to " + req.Resource)
			return DynamicResponse, resp
		}, true)
	})

	c := dialServer(t, srv)
	c.send([]byte("GET /../secrets HTTP/1.1\r\n\r\n"))

	status, _, body := c.response()
	if status != "HTTP/1.1 200 OK" {
		t.Errorf("status = %q", status)
	}
	if string(body) != "normalized to /secrets" {
		t.Errorf("body = %q", body)
	}
}

// TestServe_HandlerOrdering verifies the first dynamic response wins.
func TestServe_HandlerOrdering(t *testing.T) {
	srv := newTestServer(t, Config{}, func(srv *Server) {
		srv.HandleHTTP(func(_ *http1.Request) (RouteStatus, *http1.Response) {
			return DefaultResponse, nil
		})
		srv.HandleHTTPRoute([]string{"/page"}, func(_ *http1.Request) (RouteStatus, *http1.Response) {
			resp := &http1.Response{Code: http1.StatusOK}
			resp.SetBody("first")
			return DynamicResponse, resp
		}, true)
		srv.HandleHTTPRoute([]string{"/page"}, func(_ *http1.Request) (RouteStatus, *http1.Response) {
			resp := &http1.Response{Code: http1.StatusOK}
			resp.SetBody("second")
			return DynamicResponse, resp
		}, true)
	})

	c := dialServer(t, srv)
	c.send([]byte("GET /page HTTP/1.1\r\n\r\n"))

	if _, _, body := c.response(); string(body) != "first" {
		t.Errorf("body = %q, want the first registration's response", body)
	}
}

// TestServe_DisconnectClient verifies the disconnect verdict closes the
// connection before any later handler or response.
func TestServe_DisconnectClient(t *testing.T) {
	srv := newTestServer(t, Config{}, func(srv *Server) {
		srv.HandleHTTPRoute([]string{"/kill"}, func(_ *http1.Request) (RouteStatus, *http1.Response) {
			return DisconnectClient, nil
		}, true)
		srv.HandleHTTPRoute([]string{"/kill"}, func(_ *http1.Request) (RouteStatus, *http1.Response) {
			resp := &http1.Response{Code: http1.StatusOK}
			resp.SetBody("unreachable")
			return DynamicResponse, resp
		}, true)
	})

	c := dialServer(t, srv)
	c.send([]byte("GET /kill HTTP/1.1\r\n\r\n"))
	c.expectClosed()
}

// TestServe_PostProcessors verifies post-processors mutate static
// responses too.
func TestServe_PostProcessors(t *testing.T) {
	root := writeDocRoot(t, map[string]string{"index.html": "hi"})
	srv := newTestServer(t, Config{DocRoot: root}, func(srv *Server) {
		srv.PostProcess(func(_ *http1.Request, resp *http1.Response) {
			resp.Headers.Set("Server", "webserve")
		})
	})

	c := dialServer(t, srv)
	c.send([]byte("GET / HTTP/1.1\r\n\r\n"))

	if _, headers, _ := c.response(); headers["Server"] != "webserve" {
		t.Errorf("Server header = %q, want webserve", headers["Server"])
	}
}

// TestServe_MalformedRequest verifies unknown methods answer 400 and the
// connection is closed.
func TestServe_MalformedRequest(t *testing.T) {
	srv := newTestServer(t, Config{}, nil)

	c := dialServer(t, srv)
	c.send([]byte("BREW /tea HTTP/1.1\r\n\r\n"))

	status, _, _ := c.response()
	if status != "HTTP/1.1 400 Bad Request" {
		t.Errorf("status = %q", status)
	}
	c.expectClosed()
}

// TestServe_Upgrade is the handshake scenario: 101 with the canonical
// accept key, session bound to the resource.
func TestServe_Upgrade(t *testing.T) {
	received := make(chan string, 1)
	srv := newTestServer(t, Config{}, func(srv *Server) {
		srv.HandleResourceFrames([]string{"/chat"}, func(sess *Session, f *websocket.Frame) FrameStatus {
			if f.Opcode != websocket.OpcodeText {
				return FrameIgnored
			}
			received <- sess.Resource() + ":" + string(f.Payload)
			return FrameProcessed
		}, true)
	})

	c := dialServer(t, srv)
	headers := c.upgrade("/chat")
	if headers["Upgrade"] != "websocket" || headers["Connection"] != "Upgrade" {
		t.Errorf("upgrade headers = %v", headers)
	}

	// Scenario E: one masked text frame, one middleware invocation.
	c.sendMasked(0x1, []byte("hi"))
	select {
	case got := <-received:
		if got != "/chat:hi" {
			t.Errorf("middleware saw %q, want /chat:hi", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("middleware never invoked")
	}
}

// TestServe_PingPong verifies unhandled pings are answered with a pong
// echoing the payload, unmasked.
func TestServe_PingPong(t *testing.T) {
	srv := newTestServer(t, Config{}, nil)

	c := dialServer(t, srv)
	c.upgrade("/echo")
	c.sendMasked(0x9, []byte{0xDE, 0xAD, 0xBE, 0xEF})

	op, payload := c.frame()
	if op != 0xA {
		t.Errorf("opcode = 0x%X, want pong", op)
	}
	if string(payload) != string([]byte{0xDE, 0xAD, 0xBE, 0xEF}) {
		t.Errorf("payload = %v, want the ping's bytes", payload)
	}
}

// TestServe_CloseFrame verifies an unhandled close frame disconnects.
func TestServe_CloseFrame(t *testing.T) {
	srv := newTestServer(t, Config{}, nil)

	c := dialServer(t, srv)
	c.upgrade("/bye")
	c.sendMasked(0x8, nil)
	c.expectClosed()
}

// TestServe_OversizedFrame verifies a frame announcing more than the
// receive cap terminates the connection.
func TestServe_OversizedFrame(t *testing.T) {
	srv := newTestServer(t, Config{}, nil)

	c := dialServer(t, srv)
	c.upgrade("/big")

	// 16-bit length form announcing 1025 bytes.
	c.send([]byte{0x82, 0x80 | 126, 0x04, 0x01, 0x12, 0x34, 0x56, 0x78})
	c.expectClosed()
}

// TestServe_SplitFrame verifies a frame arriving in two TCP segments is
// reassembled across recvs.
func TestServe_SplitFrame(t *testing.T) {
	received := make(chan []byte, 1)
	srv := newTestServer(t, Config{}, func(srv *Server) {
		srv.HandleResourceFrames([]string{"/frag"}, func(_ *Session, f *websocket.Frame) FrameStatus {
			if f.Opcode != websocket.OpcodeText {
				return FrameIgnored
			}
			received <- f.Payload
			return FrameProcessed
		}, true)
	})

	c := dialServer(t, srv)
	c.upgrade("/frag")

	mask := [4]byte{0x12, 0x34, 0x56, 0x78}
	payload := []byte("split across segments")
	wire := []byte{0x81, 0x80 | byte(len(payload))}
	wire = append(wire, mask[:]...)
	for i, b := range payload {
		wire = append(wire, b^mask[i&3])
	}

	// Header plus three mask bytes first; the rest after a pause so the
	// server sees two distinct recvs (missing-mask, then completion).
	c.send(wire[:5])
	time.Sleep(150 * time.Millisecond)
	c.send(wire[5:])

	select {
	case got := <-received:
		if string(got) != string(payload) {
			t.Errorf("payload = %q, want %q", got, payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("split frame never completed")
	}
}

// TestSendAll verifies broadcast reaches every session bound to the
// resource and no other.
func TestSendAll(t *testing.T) {
	srv := newTestServer(t, Config{}, nil)

	a1 := dialServer(t, srv)
	a1.upgrade("/a")
	a2 := dialServer(t, srv)
	a2.upgrade("/a")
	b := dialServer(t, srv)
	b.upgrade("/b")

	if err := srv.SendAll(websocket.TextFrame("fan-out"), "/a"); err != nil {
		t.Fatalf("SendAll failed: %v", err)
	}

	for _, c := range []*testClient{a1, a2} {
		op, payload := c.frame()
		if op != 0x1 || string(payload) != "fan-out" {
			t.Errorf("got opcode 0x%X payload %q", op, payload)
		}
	}
	b.expectSilence(300 * time.Millisecond)
}

// TestSendAll_EmptyFilter verifies an empty resource filter reaches every
// WebSocket session.
func TestSendAll_EmptyFilter(t *testing.T) {
	srv := newTestServer(t, Config{}, nil)

	a := dialServer(t, srv)
	a.upgrade("/a")
	b := dialServer(t, srv)
	b.upgrade("/b")

	if err := srv.SendAll(websocket.TextFrame("all"), ""); err != nil {
		t.Fatalf("SendAll failed: %v", err)
	}

	for _, c := range []*testClient{a, b} {
		if op, payload := c.frame(); op != 0x1 || string(payload) != "all" {
			t.Errorf("got opcode 0x%X payload %q", op, payload)
		}
	}
}

// TestServe_IdleSweep verifies silent sessions are dropped after the idle
// timeout.
func TestServe_IdleSweep(t *testing.T) {
	root := writeDocRoot(t, map[string]string{"index.html": "hi"})
	srv := newTestServer(t, Config{DocRoot: root, IdleTimeout: 200 * time.Millisecond}, nil)

	c := dialServer(t, srv)
	c.send([]byte("GET / HTTP/1.1\r\n\r\n"))
	if status, _, _ := c.response(); status != "HTTP/1.1 200 OK" {
		t.Fatalf("status = %q", status)
	}

	c.expectClosed()
}

// TestServe_BareLFRequest verifies bare-LF requests are served like CRLF
// ones.
func TestServe_BareLFRequest(t *testing.T) {
	root := writeDocRoot(t, map[string]string{"index.html": "hi"})
	srv := newTestServer(t, Config{DocRoot: root}, nil)

	c := dialServer(t, srv)
	c.send([]byte("GET /index.html HTTP/1.1\nHost: x\n\n"))

	if status, _, body := c.response(); status != "HTTP/1.1 200 OK" || string(body) != "hi" {
		t.Errorf("status %q body %q", status, body)
	}
}
