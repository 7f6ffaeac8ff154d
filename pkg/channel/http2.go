package channel

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/WhileEndless/httpchannel/pkg/constants"
	"github.com/WhileEndless/httpchannel/pkg/httpdate"
	"github.com/WhileEndless/httpchannel/pkg/httpmethod"
	"github.com/WhileEndless/httpchannel/pkg/response"
)

// http2Conn drives one HTTP/2 connection. Each request-stream gets its own
// ConnectionHandler (all of them sharing one idle timer and one request
// quota through the supervisor, so both stay connection-scoped even though
// HTTP/2 multiplexes many requests over one transport), with frame I/O
// serialized through framerMu.
type http2Conn struct {
	conn net.Conn

	framerMu sync.Mutex
	framer   *http2.Framer

	encoderBuf *bytes.Buffer
	encoder    *hpack.Encoder
	decoder    *hpack.Decoder

	// supervisor shares one quota counter and one idle timer across every
	// stream's ConnectionHandler on this connection, so the request quota
	// and idle timeout stay connection-scoped rather than resetting per
	// stream.
	supervisor *http2Supervisor
	log        *logrus.Entry

	mu       sync.Mutex
	streams  map[uint32]*h2Stream
	closed   bool
	delegate Delegate
}

// http2Supervisor is the per-connection supervisor: it owns the
// connResources (quota + idle timer) shared by every stream's
// ConnectionHandler, and closes the
// whole transport — not just one stream — when the connection-wide idle
// timer fires with no request active on any stream.
type http2Supervisor struct {
	res *connResources
}

func newHTTP2Supervisor(conn net.Conn, idleTimeout time.Duration, requestQuota int64) *http2Supervisor {
	sup := &http2Supervisor{}
	sup.res = newConnResources(idleTimeout, requestQuota, func() {
		conn.Close()
	})
	return sup
}

// h2Stream is the per-stream decode accumulator plus the ConnectionHandler
// driving that one request.
type h2Stream struct {
	id      uint32
	headers map[string][]string
	handler *ConnectionHandler
	head    RequestHead
	done    <-chan struct{}
	ended   bool
	// endPending records an END_STREAM flag seen before the header block
	// finished (END_HEADERS on a later CONTINUATION frame).
	endPending bool
}

func newHTTP2Conn(conn net.Conn, idleTimeout time.Duration, requestQuota int64, log *logrus.Entry) *http2Conn {
	encBuf := &bytes.Buffer{}
	return &http2Conn{
		conn:       conn,
		framer:     http2.NewFramer(conn, conn),
		encoderBuf: encBuf,
		encoder:    hpack.NewEncoder(encBuf),
		decoder:    hpack.NewDecoder(constants.DefaultHpackTableSize, nil),
		supervisor: newHTTP2Supervisor(conn, idleTimeout, requestQuota),
		log:        log,
		streams:    make(map[uint32]*h2Stream),
	}
}

// Serve performs the server-side connection preface and SETTINGS handshake,
// then dispatches frames to their streams until the connection ends.
func (c *http2Conn) Serve(delegate Delegate) {
	c.delegate = delegate
	if err := c.readPreface(); err != nil {
		if c.log != nil {
			c.log.WithError(err).Debug("http2: preface read failed")
		}
		c.conn.Close()
		return
	}

	if err := c.framer.WriteSettings(
		http2.Setting{ID: http2.SettingMaxConcurrentStreams, Val: constants.DefaultMaxConcurrent},
		http2.Setting{ID: http2.SettingInitialWindowSize, Val: constants.DefaultInitialWindow},
		http2.Setting{ID: http2.SettingHeaderTableSize, Val: constants.DefaultHpackTableSize},
	); err != nil {
		c.conn.Close()
		return
	}

	for {
		frame, err := c.framer.ReadFrame()
		if err != nil {
			if err != io.EOF && c.log != nil {
				c.log.WithError(err).Debug("http2: frame read ended")
			}
			break
		}

		switch f := frame.(type) {
		case *http2.SettingsFrame:
			if !f.IsAck() {
				c.framerMu.Lock()
				c.framer.WriteSettingsAck()
				c.framerMu.Unlock()
			}
		case *http2.HeadersFrame:
			c.onHeaders(f, delegate)
		case *http2.ContinuationFrame:
			c.onContinuation(f, delegate)
		case *http2.DataFrame:
			c.onData(f)
		case *http2.WindowUpdateFrame:
			// Flow control accounting is out of scope for this channel's
			// request/response model; acknowledged implicitly by reading.
		case *http2.RSTStreamFrame:
			c.onReset(f.StreamID)
		case *http2.PingFrame:
			if !f.IsAck() {
				c.framerMu.Lock()
				c.framer.WritePing(true, f.Data)
				c.framerMu.Unlock()
			}
		case *http2.GoAwayFrame:
			c.conn.Close()
			return
		}
	}

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.conn.Close()
}

func (c *http2Conn) readPreface() error {
	preface := make([]byte, len(http2.ClientPreface))
	if _, err := io.ReadFull(c.conn, preface); err != nil {
		return err
	}
	if string(preface) != http2.ClientPreface {
		return fmt.Errorf("httpchannel: bad HTTP/2 client preface")
	}
	return nil
}

func (c *http2Conn) onHeaders(f *http2.HeadersFrame, delegate Delegate) {
	st := &h2Stream{id: f.StreamID, headers: make(map[string][]string)}
	c.mu.Lock()
	c.streams[f.StreamID] = st
	c.mu.Unlock()

	c.decodeInto(st, f.HeaderBlockFragment())
	if f.StreamEnded() {
		st.endPending = true
	}
	if f.HeadersEnded() {
		c.finishHeaders(st, delegate)
	}
}

func (c *http2Conn) onContinuation(f *http2.ContinuationFrame, delegate Delegate) {
	c.mu.Lock()
	st := c.streams[f.StreamID]
	c.mu.Unlock()
	if st == nil {
		return
	}
	c.decodeInto(st, f.HeaderBlockFragment())
	if f.HeadersEnded() {
		c.finishHeaders(st, delegate)
	}
}

func (c *http2Conn) decodeInto(st *h2Stream, block []byte) {
	fields, err := c.decoder.DecodeFull(block)
	if err != nil {
		if c.log != nil {
			c.log.WithError(err).Debug("http2: hpack decode error")
		}
		return
	}
	for _, f := range fields {
		st.headers[f.Name] = append(st.headers[f.Name], f.Value)
	}
}

func (c *http2Conn) finishHeaders(st *h2Stream, delegate Delegate) {
	method := httpmethod.Parse(first(st.headers, ":method"))
	path := first(st.headers, ":path")

	contentLength := int64(-1)
	if raw := first(st.headers, "content-length"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n >= 0 {
			contentLength = n
		} else {
			contentLength = -2
		}
	}

	st.head = RequestHead{
		Method:            method,
		Path:              pathOnly(path),
		RawTarget:         path,
		HTTPVersion:       "HTTP/2",
		Headers:           plainHeaders(st.headers),
		ContentLength:     contentLength,
		IfMatch:           first(st.headers, "if-match"),
		IfNoneMatch:       first(st.headers, "if-none-match"),
		IfModifiedSince:   first(st.headers, "if-modified-since"),
		IfUnmodifiedSince: first(st.headers, "if-unmodified-since"),
	}

	writer := &http2StreamWriter{conn: c, streamID: st.id}
	handler := NewConnectionHandlerShared(
		fmt.Sprintf("%s/stream-%d", c.conn.RemoteAddr().String(), st.id),
		"HTTP/2", c.supervisor.res, writer, c.log)
	writer.handler = handler
	st.handler = handler
	delegate.DidStartClient(handler)

	ok, done := handler.HandleHead(st.head)
	st.done = done
	if !ok {
		c.mu.Lock()
		delete(c.streams, st.id)
		c.mu.Unlock()
		return
	}
	if st.endPending {
		c.endStream(st)
	}
}

func (c *http2Conn) onData(f *http2.DataFrame) {
	c.mu.Lock()
	st := c.streams[f.StreamID]
	c.mu.Unlock()
	if st == nil || st.handler == nil {
		return
	}
	if len(f.Data()) > 0 {
		st.handler.HandleBodyChunk(f.Data())
	}
	if f.StreamEnded() {
		c.endStream(st)
	}
}

func (c *http2Conn) endStream(st *h2Stream) {
	if st.ended || st.handler == nil {
		return
	}
	st.ended = true
	st.handler.HandleEnd()
	go func() {
		<-st.done
		c.mu.Lock()
		delete(c.streams, st.id)
		c.mu.Unlock()
	}()
}

func (c *http2Conn) onReset(streamID uint32) {
	c.mu.Lock()
	delete(c.streams, streamID)
	c.mu.Unlock()
}

func first(headers map[string][]string, name string) string {
	if vs, ok := headers[name]; ok && len(vs) > 0 {
		return vs[0]
	}
	return ""
}

func plainHeaders(h map[string][]string) map[string][]string {
	out := make(map[string][]string, len(h))
	for k, vs := range h {
		if strings.HasPrefix(k, ":") {
			continue
		}
		out[strings.ToLower(k)] = vs
	}
	return out
}

// http2StreamWriter implements WireWriter for a single HTTP/2 stream,
// serializing header encoding and frame writes against the shared
// connection framer.
type http2StreamWriter struct {
	conn     *http2Conn
	streamID uint32
	handler  *ConnectionHandler
}

func (w *http2StreamWriter) EmitResponse(resp response.Response, method httpmethod.Method, _ []string, _ string, willClose bool) (bool, error) {
	c := w.conn
	c.framerMu.Lock()
	defer c.framerMu.Unlock()

	c.encoderBuf.Reset()
	c.encoder.WriteField(hpack.HeaderField{Name: ":status", Value: strconv.Itoa(resp.Status.Code)})
	if resp.ContentType != nil {
		c.encoder.WriteField(hpack.HeaderField{Name: "content-type", Value: resp.ContentType.String()})
	}
	if resp.ContentLength != nil {
		c.encoder.WriteField(hpack.HeaderField{Name: "content-length", Value: strconv.FormatInt(*resp.ContentLength, 10)})
	}
	if resp.EntityTag != nil {
		c.encoder.WriteField(hpack.HeaderField{Name: "etag", Value: resp.EntityTag.String()})
	}
	if resp.ModificationDate != nil {
		c.encoder.WriteField(hpack.HeaderField{Name: "last-modified", Value: httpdate.Format(*resp.ModificationDate)})
	}
	if resp.Location != nil {
		c.encoder.WriteField(hpack.HeaderField{Name: "location", Value: *resp.Location})
	}
	for _, hdr := range resp.CustomHeaders {
		c.encoder.WriteField(hpack.HeaderField{Name: strings.ToLower(hdr.Name), Value: hdr.Value})
	}

	suppressBody := method.Equal(httpmethod.HEAD) || resp.Status.Code == 304
	hasBody := !suppressBody && resp.Body != nil

	if err := c.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      w.streamID,
		BlockFragment: c.encoderBuf.Bytes(),
		EndHeaders:    true,
		EndStream:     !hasBody,
	}); err != nil {
		return false, err
	}

	if hasBody {
		if err := w.writeBody(resp.Body); err != nil {
			return false, err
		}
	}

	if willClose {
		c.framer.WriteGoAway(w.streamID, http2.ErrCodeNo, nil)
		return false, nil
	}
	return true, nil
}

// writeBody streams producer's output as DATA frames, since the pull-based
// producer only signals end-of-body on the call *after* the last real read
// (a 0-byte, nil-error return), a final empty END_STREAM frame follows.
func (w *http2StreamWriter) writeBody(producer response.BodyProducer) error {
	c := w.conn
	scratch := make([]byte, constants.ResponseScratchBufSize)
	for {
		n, err := producer(scratch)
		if n > 0 {
			if werr := c.framer.WriteData(w.streamID, false, scratch[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			return &producerError{err: err}
		}
		if n == 0 {
			return c.framer.WriteData(w.streamID, true, nil)
		}
	}
}

func (w *http2StreamWriter) Close() error {
	w.conn.onReset(w.streamID)
	if w.conn.delegate != nil {
		w.conn.delegate.DidStopClient(w.handler, nil)
	}
	return nil
}

func (w *http2StreamWriter) IsSocketActive() bool {
	w.conn.mu.Lock()
	defer w.conn.mu.Unlock()
	return !w.conn.closed
}
