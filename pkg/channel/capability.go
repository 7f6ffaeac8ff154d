// Package channel implements the listening channel and its per-connection
// handlers: one listening socket bound to one endpoint, HTTP variant, and
// TLS configuration, driving accepted connections through the
// request/response state machine.
package channel

import (
	"strings"

	"github.com/WhileEndless/httpchannel/pkg/httpmethod"
	"github.com/WhileEndless/httpchannel/pkg/httpstatus"
	"github.com/WhileEndless/httpchannel/pkg/response"
)

// RequestHead is the parsed request-line plus the handful of headers the
// core interprets directly.
type RequestHead struct {
	Method            httpmethod.Method
	Path              string
	RawTarget         string
	HTTPVersion       string // "HTTP/1.0", "HTTP/1.1", "HTTP/2"
	Headers           map[string][]string
	ContentLength     int64 // -1 when absent
	ConnectionTokens  []string
	IfMatch           string
	IfNoneMatch       string
	IfModifiedSince   string
	IfUnmodifiedSince string
}

// HeaderValue returns the first value of header name, or "" if absent.
// HTTP/1 heads carry canonical MIME keys and HTTP/2 heads carry lowercase
// keys, so both forms are consulted.
func (h RequestHead) HeaderValue(name string) string {
	if vs, ok := h.Headers[name]; ok && len(vs) > 0 {
		return vs[0]
	}
	if vs, ok := h.Headers[strings.ToLower(name)]; ok && len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// RequestIncidentKind enumerates the request-scoped incidents a
// ConnectionHandler can raise.
type RequestIncidentKind string

const (
	IncidentByteLimitExceeded    RequestIncidentKind = "byte_limit_exceeded"
	IncidentInvalidHeader        RequestIncidentKind = "invalid_header"
	IncidentNoResponse           RequestIncidentKind = "no_response"
	IncidentRequestProcessingErr RequestIncidentKind = "request_processing_error"
	IncidentResponseBodyErr      RequestIncidentKind = "response_body_error"
)

// RequestIncident is a request-scoped policy violation. Its Kind selects the
// default response (see DefaultResponse); Message and Inner carry details
// for the kinds that have them.
type RequestIncident struct {
	Kind    RequestIncidentKind
	Message string
	Inner   error
}

// DefaultResponse builds the incident's default response.
func (i RequestIncident) DefaultResponse() response.Response {
	switch i.Kind {
	case IncidentByteLimitExceeded:
		return response.OK().WithStatus(httpstatus.ContentTooLarge).Bodiless()
	case IncidentInvalidHeader:
		return response.OK().WithStatus(httpstatus.BadRequest).Bodiless()
	case IncidentNoResponse:
		return response.NotFound()
	case IncidentRequestProcessingErr, IncidentResponseBodyErr:
		return response.OK().WithStatus(httpstatus.InternalServerError).Bodiless()
	default:
		return response.OK().WithStatus(httpstatus.InternalServerError).Bodiless()
	}
}

// ClientIncidentKind enumerates the client-scoped incidents a channel's
// delegate can raise.
type ClientIncidentKind string

const (
	IncidentNoRequestHandler ClientIncidentKind = "no_request_handler"
)

// ClientIncident is a client-scoped policy violation (one not tied to a
// specific in-flight request).
type ClientIncident struct {
	Kind ClientIncidentKind
}

// DefaultResponse builds the incident's default response.
func (i ClientIncident) DefaultResponse() response.Response {
	return response.NotFound()
}

// Handler is the per-request capability the connection handler drives:
// body bytes, completion, and incident overrides. User code implements
// this per accepted request.
type Handler interface {
	// BodyLengthLimit returns the maximum number of body bytes this request
	// may deliver; the connection handler enforces this against
	// Content-Length and against the running total of delivered chunks.
	BodyLengthLimit() int64
	// OnBodyChunk delivers one body chunk in receipt order. Returning an
	// error raises a request_processing_error incident.
	OnBodyChunk(chunk []byte) error
	// OnEnd is invoked once the request body is fully received, on the
	// connection's serialized response dispatch queue. A nil response (with
	// a nil error) raises a no_response incident.
	OnEnd() (*response.Response, error)
	// OnIncident lets user code override an incident's default response; a
	// nil return keeps the default.
	OnIncident(incident RequestIncident) *response.Response
	// OnError reports a transport error that occurred while this request
	// was the active one.
	OnError(err error)
}

// ClientDelegate is the per-connection capability a Channel's accept path
// consults: supplying a Handler per request head, and handling client- and
// connection-scoped errors/incidents when no request is active.
type ClientDelegate interface {
	// RequestHandlerFor returns a Handler for head, or nil to indicate no
	// handler is available (raises a no_request_handler incident).
	RequestHandlerFor(head RequestHead) Handler
	// OnClientIncident lets user code override a client incident's default
	// response; a nil return keeps the default.
	OnClientIncident(incident ClientIncident) *response.Response
	// OnError reports a transport error with no active request.
	OnError(err error)
}

// Delegate is installed on a Channel and is notified as connections are
// accepted and retired.
type Delegate interface {
	// DidStartClient is called once a ConnectionHandler has been allocated
	// for a freshly accepted socket. The callback must either install a
	// ClientDelegate on handler or disconnect it.
	DidStartClient(handler *ConnectionHandler)
	// DidStopClient is called once the connection's socket has closed.
	DidStopClient(handler *ConnectionHandler, result error)
	// OnError reports a listening-socket-scoped error.
	OnError(err error)
}
