package channel

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/WhileEndless/httpchannel/pkg/buffer"
	"github.com/WhileEndless/httpchannel/pkg/constants"
	"github.com/WhileEndless/httpchannel/pkg/errors"
	"github.com/WhileEndless/httpchannel/pkg/httpmethod"
	"github.com/WhileEndless/httpchannel/pkg/mimetype"
	"github.com/WhileEndless/httpchannel/pkg/precondition"
	"github.com/WhileEndless/httpchannel/pkg/response"
	"github.com/WhileEndless/httpchannel/pkg/timing"
)

// ProcessingState is a ConnectionHandler's request-processing state.
type ProcessingState int

const (
	StateIdle ProcessingState = iota
	StateProcessing
	StateStopped
)

func (s ProcessingState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProcessing:
		return "processing"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// WireWriter is implemented by the HTTP/1.1 and HTTP/2 wire drivers. The
// ConnectionHandler calls it once per response, after precondition
// evaluation, to render the status line, headers, and body onto the
// socket/stream.
type WireWriter interface {
	// EmitResponse writes resp for a request of the given method, using the
	// connection's negotiated keep-alive rules for httpVersion and the
	// client's Connection header tokens. It reports whether the underlying
	// socket is still usable afterward.
	EmitResponse(resp response.Response, method httpmethod.Method, connTokens []string, httpVersion string, willClose bool) (socketStillActive bool, err error)
	// Close tears down the underlying socket/stream.
	Close() error
	// IsSocketActive reports whether the transport is still usable.
	IsSocketActive() bool
}

// producerError marks a failure returned by a response body producer, as
// opposed to a transport write error; the two are routed differently
// (incident taxonomy vs. plain error propagation).
type producerError struct {
	err error
}

func (e *producerError) Error() string { return e.err.Error() }

func (e *producerError) Unwrap() error { return e.err }

// requestCtx is the per-in-flight-request record. done closes once this
// request's response cycle (including the wire write) has completed,
// letting the wire driver keep responses ordered: response N's bytes
// precede any byte of response N+1.
type requestCtx struct {
	head                RequestHead
	handler             Handler
	remainingBodyBudget int64
	done                chan struct{}
	timer               *timing.Timer
}

func newRequestCtx(head RequestHead, h Handler, budget int64) *requestCtx {
	return &requestCtx{head: head, handler: h, remainingBodyBudget: budget, done: make(chan struct{}), timer: timing.NewTimer()}
}

// connResources is the request quota counter and idle timer a
// ConnectionHandler consults. A lone HTTP/1.1 handler owns one privately;
// HTTP/2 uses one ConnectionHandler per stream, and every stream on a
// connection shares one connResources so the quota and idle timeout are
// enforced connection-wide rather than reset per stream. Guarded by its own mutex, separate from any
// one handler's, since multiple per-stream handlers' response-dispatch
// goroutines can reach it concurrently.
type connResources struct {
	mu sync.Mutex

	activeCount    int
	remainingQuota int64
	idleDuration   time.Duration
	idleTimer      *time.Timer
	idleFired      bool

	// onIdle is invoked, outside the lock, when the idle timer fires while
	// no request is active. It closes whatever transport this resource set
	// belongs to: one handler's socket for HTTP/1.1, or the whole HTTP/2
	// connection for a shared instance.
	onIdle func()
}

func newConnResources(idleDuration time.Duration, quota int64, onIdle func()) *connResources {
	r := &connResources{remainingQuota: quota, idleDuration: idleDuration, onIdle: onIdle}
	r.mu.Lock()
	r.armLocked()
	r.mu.Unlock()
	return r
}

func (r *connResources) armLocked() {
	if r.idleTimer != nil {
		r.idleTimer.Stop()
	}
	r.idleFired = false
	r.idleTimer = time.AfterFunc(r.idleDuration, r.fire)
}

func (r *connResources) fire() {
	r.mu.Lock()
	r.idleFired = true
	noActive := r.activeCount == 0
	r.mu.Unlock()
	if noActive && r.onIdle != nil {
		r.onIdle()
	}
}

// tryConsume decrements the remaining quota and increments the active
// count, cancelling the idle timer on the 0->1 active-count transition. It
// reports whether a request head may proceed (false when quota is already
// exhausted).
func (r *connResources) tryConsume() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.remainingQuota == 0 {
		return false
	}
	r.remainingQuota--
	if r.activeCount == 0 && r.idleTimer != nil {
		r.idleTimer.Stop()
	}
	r.activeCount++
	return true
}

func (r *connResources) quotaExhausted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remainingQuota == 0
}

// finish decrements the active count, re-arming the idle timer on the
// 1->0 transition (unless quota is already exhausted), and reports
// whether the idle timer had fired or the quota ran out with no request
// left active — the two terms of the disconnect decision that depend on
// this resource set.
func (r *connResources) finish() (idleFiredWithNoActive, quotaExhaustedWithNoActive bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activeCount--
	quotaExhausted := r.remainingQuota == 0
	if r.activeCount == 0 {
		idleFiredWithNoActive = r.idleFired
		quotaExhaustedWithNoActive = quotaExhausted
		if !quotaExhausted {
			r.armLocked()
		}
	}
	return
}

// ConnectionHandler is the per-connection state machine driving request
// intake, body-limit enforcement, keep-alive, idle timeout, request quota,
// incident handling, and response emission.
type ConnectionHandler struct {
	mu sync.Mutex

	id          string
	httpVersion string
	state       ProcessingState

	res *connResources

	current *requestCtx

	delegate ClientDelegate
	wire     WireWriter
	log      *logrus.Entry

	respQueue chan func()
	closeOnce sync.Once
	stopped   chan struct{}

	// scratch is reused across this connection's incident responses to
	// render a short plain-text reason body without a fresh allocation per
	// incident.
	scratch *buffer.Buffer
}

// NewConnectionHandler builds a handler for a freshly accepted HTTP/1.1
// connection, owning its own private quota counter and idle timer. wire
// must be supplied by the HTTP/1.1 driver that owns the underlying socket.
func NewConnectionHandler(id, httpVersion string, idleDuration time.Duration, requestQuota int64, wire WireWriter, log *logrus.Entry) *ConnectionHandler {
	h := &ConnectionHandler{
		id:          id,
		httpVersion: httpVersion,
		state:       StateIdle,
		wire:        wire,
		log:         log,
		respQueue:   make(chan func(), 8),
		stopped:     make(chan struct{}),
		scratch:     buffer.New(constants.ResponseScratchBufSize),
	}
	h.res = newConnResources(idleDuration, requestQuota, h.closeSocket)
	go h.drainDispatchQueue()
	return h
}

// NewConnectionHandlerShared builds a handler for one HTTP/2 stream,
// sharing quota and idle-timer enforcement with res, a connection-wide
// supervisor, instead of owning private copies. HTTP/2 gets one handler
// per stream while the request quota and idle timeout stay
// connection-scoped.
func NewConnectionHandlerShared(id, httpVersion string, res *connResources, wire WireWriter, log *logrus.Entry) *ConnectionHandler {
	h := &ConnectionHandler{
		id:          id,
		httpVersion: httpVersion,
		state:       StateIdle,
		res:         res,
		wire:        wire,
		log:         log,
		respQueue:   make(chan func(), 8),
		stopped:     make(chan struct{}),
		scratch:     buffer.New(constants.ResponseScratchBufSize),
	}
	go h.drainDispatchQueue()
	return h
}

// SetDelegate installs the client delegate that supplies handlers for
// request heads on this connection.
func (h *ConnectionHandler) SetDelegate(d ClientDelegate) {
	h.mu.Lock()
	h.delegate = d
	h.mu.Unlock()
}

// State returns the current processing state.
func (h *ConnectionHandler) State() ProcessingState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *ConnectionHandler) drainDispatchQueue() {
	for {
		select {
		case fn := <-h.respQueue:
			fn()
		case <-h.stopped:
			return
		}
	}
}

// HandleHead processes a newly received request head: state and quota
// checks, handler lookup, and Content-Length validation against the
// handler's body limit. It returns false when the caller must not read a
// body for this head (dropped mid-processing, discarded post-stop, or silently exhausted
// quota). The returned channel closes once this request's response cycle
// has fully completed (or immediately, for the silent no-response paths);
// wire drivers must wait on it before reading or writing the next request.
func (h *ConnectionHandler) HandleHead(head RequestHead) (bool, <-chan struct{}) {
	h.mu.Lock()

	switch h.state {
	case StateProcessing:
		h.mu.Unlock()
		if h.log != nil {
			h.log.WithField("conn", h.id).Warn("head arrived while processing a request, dropping")
		}
		return false, closedChan()
	case StateStopped:
		h.mu.Unlock()
		return false, closedChan()
	}

	if !h.res.tryConsume() {
		h.state = StateStopped
		h.mu.Unlock()
		return false, closedChan()
	}

	delegate := h.delegate
	h.mu.Unlock()

	if delegate == nil {
		ctx := newRequestCtx(head, nil, 0)
		h.emitClientIncident(ClientIncident{Kind: IncidentNoRequestHandler}, ctx)
		return false, ctx.done
	}
	reqHandler := delegate.RequestHandlerFor(head)
	if reqHandler == nil {
		ctx := newRequestCtx(head, nil, 0)
		h.emitClientIncident(ClientIncident{Kind: IncidentNoRequestHandler}, ctx)
		return false, ctx.done
	}

	limit := reqHandler.BodyLengthLimit()
	if head.ContentLength == -2 {
		ctx := newRequestCtx(head, reqHandler, 0)
		h.emitRequestIncident(RequestIncident{Kind: IncidentInvalidHeader, Message: "invalid Content-Length"}, ctx)
		return false, ctx.done
	}
	if head.ContentLength > 0 && head.ContentLength > limit {
		ctx := newRequestCtx(head, reqHandler, 0)
		h.emitRequestIncident(RequestIncident{Kind: IncidentByteLimitExceeded}, ctx)
		return false, ctx.done
	}

	ctx := newRequestCtx(head, reqHandler, limit)
	h.mu.Lock()
	h.state = StateProcessing
	h.current = ctx
	h.mu.Unlock()
	return true, ctx.done
}

func closedChan() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}

// HandleBodyChunk forwards one body chunk to the active request's handler,
// enforcing the remaining body budget.
func (h *ConnectionHandler) HandleBodyChunk(chunk []byte) {
	h.mu.Lock()
	if h.state != StateProcessing || h.current == nil {
		h.mu.Unlock()
		return
	}
	ctx := h.current
	if int64(len(chunk)) > ctx.remainingBodyBudget {
		h.mu.Unlock()
		h.emitRequestIncident(RequestIncident{Kind: IncidentByteLimitExceeded}, ctx)
		return
	}
	ctx.remainingBodyBudget -= int64(len(chunk))
	h.mu.Unlock()

	if err := ctx.handler.OnBodyChunk(chunk); err != nil {
		h.emitRequestIncident(RequestIncident{Kind: IncidentRequestProcessingErr, Inner: err}, ctx)
	}
}

// HandleEnd dispatches the active request's completion onto the serialized
// response queue.
func (h *ConnectionHandler) HandleEnd() {
	h.mu.Lock()
	if h.state != StateProcessing || h.current == nil {
		h.mu.Unlock()
		return
	}
	ctx := h.current
	h.mu.Unlock()
	ctx.timer.MarkBodyReceived()

	h.enqueue(func() {
		ctx.timer.MarkDequeued()
		resp, err := ctx.handler.OnEnd()
		ctx.timer.MarkHandlerDone()
		if err != nil {
			h.emitRequestIncident(RequestIncident{Kind: IncidentRequestProcessingErr, Inner: err}, ctx)
			return
		}
		if resp == nil {
			h.emitRequestIncident(RequestIncident{Kind: IncidentNoResponse}, ctx)
			return
		}
		h.writeResponse(*resp, ctx, false)
	})
}

func (h *ConnectionHandler) enqueue(fn func()) {
	select {
	case h.respQueue <- fn:
	case <-h.stopped:
	}
}

func (h *ConnectionHandler) emitClientIncident(inc ClientIncident, ctx *requestCtx) {
	h.mu.Lock()
	h.state = StateStopped
	h.mu.Unlock()
	h.enqueue(func() {
		h.mu.Lock()
		delegate := h.delegate
		h.mu.Unlock()

		var resp response.Response
		if delegate != nil {
			if override := delegate.OnClientIncident(inc); override != nil {
				resp = *override
			} else {
				resp = inc.DefaultResponse()
			}
		} else {
			resp = inc.DefaultResponse()
		}
		h.writeResponse(resp, ctx, true)
	})
}

// emitRequestIncident moves the state machine to stopped before queueing
// the incident response, so further body chunks or the end-of-request for
// the same request are discarded rather than producing a second response.
func (h *ConnectionHandler) emitRequestIncident(inc RequestIncident, ctx *requestCtx) {
	h.mu.Lock()
	h.state = StateStopped
	h.mu.Unlock()
	h.enqueue(func() {
		var resp response.Response
		if ctx.handler != nil {
			if override := ctx.handler.OnIncident(inc); override != nil {
				resp = *override
			} else {
				resp = inc.DefaultResponse()
			}
		} else {
			resp = inc.DefaultResponse()
		}
		h.writeResponse(resp, ctx, true)
	})
}

// writeResponse applies precondition evaluation, emits the response over
// the wire, and then decides whether the connection must close: on an
// explicit disconnect flag, a non-keep-alive request, a dead socket, a
// fired idle timer, or an exhausted request quota.
func (h *ConnectionHandler) writeResponse(resp response.Response, ctx *requestCtx, isIncident bool) {
	defer close(ctx.done)

	cond := precondition.Conditions{
		IfMatch:           ctx.head.IfMatch,
		IfNoneMatch:       ctx.head.IfNoneMatch,
		IfModifiedSince:   ctx.head.IfModifiedSince,
		IfUnmodifiedSince: ctx.head.IfUnmodifiedSince,
	}
	final := precondition.Evaluate(resp, ctx.head.Method, cond)

	if isIncident {
		final = final.NeedsDisconnect(true)
		if final.Body == nil && final.ContentLength == nil {
			final = h.renderIncidentBody(final)
		}
	}

	// Acquire the body producer before a single header byte is written, by
	// pulling its first chunk. An acquisition failure on a regular response
	// can then still be answered with a response_body_error incident
	// response; one inside an incident response is demoted per the error
	// policy: content-length stripped, body omitted, connection closed, and
	// the failure surfaced as incident_response_body after the write.
	var demotedErr error
	suppressBody := ctx.head.Method.Equal(httpmethod.HEAD) || final.Status.Code == 304
	if !suppressBody && final.Body != nil {
		acquired, aerr := acquireBody(final)
		if aerr != nil && !isIncident {
			inc := RequestIncident{Kind: IncidentResponseBodyErr, Inner: aerr}
			var override *response.Response
			if ctx.handler != nil {
				override = ctx.handler.OnIncident(inc)
			}
			if override != nil {
				final = *override
			} else {
				final = inc.DefaultResponse()
			}
			final = final.NeedsDisconnect(true)
			if final.Body == nil && final.ContentLength == nil {
				final = h.renderIncidentBody(final)
			}
			isIncident = true
			if final.Body != nil {
				acquired, aerr = acquireBody(final)
			} else {
				acquired, aerr = final, nil
			}
		}
		if aerr != nil {
			final = acquired.WithoutContentLength()
			demotedErr = errors.NewIncidentResponseBodyError(aerr)
		} else {
			final = acquired
		}
	}

	quotaExhaustedNow := h.res.quotaExhausted()
	headNotKeepAlive := protocolWantsClose(ctx.head.HTTPVersion, ctx.head.ConnectionTokens)
	willClose := final.Opts.NeedsDisconnect || quotaExhaustedNow || headNotKeepAlive

	socketActive, err := h.wire.EmitResponse(final, ctx.head.Method, ctx.head.ConnectionTokens, ctx.head.HTTPVersion, willClose)
	if h.log != nil {
		h.log.WithField("conn", h.id).WithField("timing", ctx.timer.Metrics().String()).Debug("response written")
	}
	if err != nil {
		if h.log != nil {
			h.log.WithField("conn", h.id).WithError(err).Warn("response write error")
		}
		if pe, ok := err.(*producerError); ok {
			if isIncident {
				h.routeError(ctx, errors.NewIncidentResponseBodyError(pe.err))
			} else if ctx.handler != nil {
				// The response headers are already on the wire, so the
				// incident can no longer produce a replacement response; it
				// is surfaced for observation and the connection closes.
				ctx.handler.OnIncident(RequestIncident{Kind: IncidentResponseBodyErr, Inner: pe.err})
			} else {
				h.routeError(ctx, pe.err)
			}
		} else {
			h.routeError(ctx, err)
		}
		socketActive = false
	}
	if demotedErr != nil {
		h.routeError(ctx, demotedErr)
	}

	idleFiredNow, quotaExhausted := h.res.finish()
	shouldClose := final.Opts.NeedsDisconnect || headNotKeepAlive || !socketActive || idleFiredNow || quotaExhausted

	h.mu.Lock()
	if quotaExhausted && h.state != StateStopped {
		h.state = StateStopped
	}
	if h.state == StateProcessing {
		h.state = StateIdle
	}
	h.current = nil
	h.mu.Unlock()

	if shouldClose {
		h.closeSocket()
	}
}

// acquireBody pulls the first chunk from resp's body producer. On success
// the returned response replays that chunk before resuming the original
// producer; an empty first pull clears the body outright. On failure the
// returned response is bodiless and the producer's error is returned for
// the caller to translate into the incident taxonomy.
func acquireBody(resp response.Response) (response.Response, error) {
	probe := make([]byte, constants.ResponseScratchBufSize)
	n, err := resp.Body(probe)
	if err != nil {
		return resp.Bodiless(), err
	}
	if n == 0 {
		return resp.Bodiless(), nil
	}
	chunk := probe[:n]
	rest := resp.Body
	return resp.WithBody(func(buf []byte) (int, error) {
		if len(chunk) > 0 {
			m := copy(buf, chunk)
			chunk = chunk[m:]
			return m, nil
		}
		return rest(buf)
	}), nil
}

// routeError delivers a transport- or body-level error to the active
// request's handler when one is installed, otherwise to the client
// delegate.
func (h *ConnectionHandler) routeError(ctx *requestCtx, err error) {
	if ctx.handler != nil {
		ctx.handler.OnError(err)
		return
	}
	h.mu.Lock()
	delegate := h.delegate
	h.mu.Unlock()
	if delegate != nil {
		delegate.OnError(err)
	}
}

// protocolWantsClose reports whether the
// connection's own HTTP version and Connection tokens call for closing
// after this response, independent of incidents or quota. Only HTTP/1
// versions carry this notion; HTTP/1.0 defaults to close unless the client
// advertised keep-alive, HTTP/1.1 defaults to keep-alive unless the client
// advertised close.
func protocolWantsClose(httpVersion string, tokens []string) bool {
	hasToken := func(tok string) bool {
		for _, t := range tokens {
			if t == tok {
				return true
			}
		}
		return false
	}
	switch httpVersion {
	case "HTTP/1.0":
		return !hasToken("keep-alive")
	case "HTTP/1.1":
		return hasToken("close")
	default:
		return false
	}
}

// renderIncidentBody fills the connection's reusable scratch buffer with a
// short plain-text reason phrase and attaches it to resp, so a bare
// incident default response is never silently bodiless.
func (h *ConnectionHandler) renderIncidentBody(resp response.Response) response.Response {
	h.scratch.Reset()
	h.scratch.Write([]byte(resp.Status.String()))
	h.scratch.Write([]byte("\n"))

	body := h.scratch.Bytes()
	n := int64(len(body))
	sent := false
	producer := func(buf []byte) (int, error) {
		if sent {
			return 0, nil
		}
		sent = true
		return copy(buf, body), nil
	}

	ct := mimetype.TextPlain
	return resp.WithContentType(ct).WithContentLength(n).WithBody(producer)
}

// closeSocket transitions the handler to stopped and closes the wire
// exactly once.
func (h *ConnectionHandler) closeSocket() {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.state = StateStopped
		h.mu.Unlock()
		close(h.stopped)
		_ = h.wire.Close()
	})
}
