package server

import (
	"strings"

	"github.com/coregx/webserve/http1"
	"github.com/coregx/webserve/websocket"
)

// RouteStatus is an HTTP handler's verdict on a request.
type RouteStatus int

const (
	// DefaultResponse: the handler declines; dispatch continues with the
	// next handler, falling through to the static asset path.
	DefaultResponse RouteStatus = iota

	// DynamicResponse: the handler produced a response; it is sent and
	// dispatch stops.
	DynamicResponse

	// DisconnectClient: the connection is closed immediately.
	DisconnectClient
)

// FrameStatus is a WebSocket handler's verdict on a frame.
type FrameStatus int

const (
	// FrameIgnored: dispatch continues with the next handler, falling
	// through to the built-in close/ping handling.
	FrameIgnored FrameStatus = iota

	// FrameProcessed: the frame is consumed; dispatch stops.
	FrameProcessed
)

// HTTPHandler inspects a request and either produces a response
// (DynamicResponse with a non-nil response), declines (DefaultResponse),
// or asks for the client to be disconnected.
type HTTPHandler func(req *http1.Request) (RouteStatus, *http1.Response)

// PostProcessor mutates a response in place before it is serialized. Post
// processors run on handler, upgrade, static asset and 404 responses; the
// 400 answer to a malformed or oversized request does not pass through them.
type PostProcessor func(req *http1.Request, resp *http1.Response)

// FrameHandler consumes a completely decoded WebSocket frame, or ignores
// it to let later handlers (and the built-in close/ping handling) see it.
type FrameHandler func(sess *Session, f *websocket.Frame) FrameStatus

// Registry holds the ordered middleware chains. Handlers run in
// registration order; the route-scoped variants wrap a handler with a
// predicate on the request's resource (HTTP) or the session's upgrade
// resource (WebSocket).
type Registry struct {
	httpHandlers   []HTTPHandler
	postProcessors []PostProcessor
	frameHandlers  []FrameHandler
}

// HandleHTTP appends an HTTP handler to the chain.
func (r *Registry) HandleHTTP(h HTTPHandler) {
	r.httpHandlers = append(r.httpHandlers, h)
}

// HandleHTTPRoute appends an HTTP handler scoped to the given routes.
// Requests for other resources see DefaultResponse.
func (r *Registry) HandleHTTPRoute(routes []string, h HTTPHandler, caseSensitive bool) {
	if len(routes) == 0 {
		return
	}
	r.HandleHTTP(func(req *http1.Request) (RouteStatus, *http1.Response) {
		if !matchRoute(routes, req.Resource, caseSensitive) {
			return DefaultResponse, nil
		}
		return h(req)
	})
}

// PostProcess appends a response post-processor to the chain.
func (r *Registry) PostProcess(p PostProcessor) {
	r.postProcessors = append(r.postProcessors, p)
}

// PostProcessRoute appends a post-processor scoped to the given routes.
func (r *Registry) PostProcessRoute(routes []string, p PostProcessor, caseSensitive bool) {
	if len(routes) == 0 {
		return
	}
	r.PostProcess(func(req *http1.Request, resp *http1.Response) {
		if matchRoute(routes, req.Resource, caseSensitive) {
			p(req, resp)
		}
	})
}

// HandleFrames appends a WebSocket frame handler to the chain.
func (r *Registry) HandleFrames(h FrameHandler) {
	r.frameHandlers = append(r.frameHandlers, h)
}

// HandleResourceFrames appends a frame handler scoped to sessions that
// upgraded on one of the given resources. The wrapped handler's status is
// propagated, so a scoped handler short-circuits the chain like any other.
func (r *Registry) HandleResourceFrames(resources []string, h FrameHandler, caseSensitive bool) {
	if len(resources) == 0 {
		return
	}
	r.HandleFrames(func(sess *Session, f *websocket.Frame) FrameStatus {
		if !matchRoute(resources, sess.wsResource, caseSensitive) {
			return FrameIgnored
		}
		return h(sess, f)
	})
}

// matchRoute reports whether resource equals one of routes, exactly or
// case-insensitively per the registration.
func matchRoute(routes []string, resource string, caseSensitive bool) bool {
	for _, route := range routes {
		if caseSensitive {
			if route == resource {
				return true
			}
		} else if strings.EqualFold(route, resource) {
			return true
		}
	}
	return false
}
