package websocket

import (
	"crypto/sha1" // #nosec G505 - SHA-1 required by RFC 6455 Section 1.3
	"encoding/base64"

	"github.com/coregx/webserve/http1"
)

// Magic GUID from RFC 6455 Section 1.3.
// Used for computing the Sec-WebSocket-Accept header.
const acceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// IsUpgrade reports whether the request asks for a WebSocket upgrade:
// an Upgrade header whose value equals "websocket" together with a
// Sec-WebSocket-Key header.
func IsUpgrade(req *http1.Request) bool {
	return req.Headers.Value("Upgrade") == "websocket" &&
		req.Headers.Has("Sec-WebSocket-Key")
}

// AcceptKey computes Sec-WebSocket-Accept from the client's key.
//
// RFC 6455 Section 1.3:
//
//	Sec-WebSocket-Accept = base64(SHA-1(key + GUID))
//
// The SHA-1 digest's five 32-bit words are already big-endian bytes, so
// the digest is Base64-encoded as-is.
//
// Example:
//
//	AcceptKey("dGhlIHNhbXBsZSBub25jZQ==")
//	// "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
func AcceptKey(key string) string {
	// #nosec G401 - SHA-1 required by RFC 6455 Section 1.3 (not for cryptographic security)
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(acceptGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
