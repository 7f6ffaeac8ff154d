package channel

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/WhileEndless/httpchannel/pkg/constants"
	"github.com/WhileEndless/httpchannel/pkg/httpdate"
	"github.com/WhileEndless/httpchannel/pkg/httpmethod"
	"github.com/WhileEndless/httpchannel/pkg/response"
)

// http1Conn drives one HTTP/1.1 (or 1.0) connection: request-line/header
// intake, chunked/fixed-length body streaming, and response emission.
type http1Conn struct {
	conn    net.Conn
	br      *bufio.Reader
	bw      *bufio.Writer
	handler *ConnectionHandler
	log     *logrus.Entry
	active  bool
}

// newHTTP1Conn wires a freshly accepted socket into a ConnectionHandler and
// returns the driver, ready for Serve.
func newHTTP1Conn(conn net.Conn, idleTimeout time.Duration, requestQuota int64, log *logrus.Entry) *http1Conn {
	c := &http1Conn{
		conn:   conn,
		br:     bufio.NewReaderSize(conn, 4096),
		bw:     bufio.NewWriterSize(conn, 4096),
		log:    log,
		active: true,
	}
	c.handler = NewConnectionHandler(conn.RemoteAddr().String(), "HTTP/1.1", idleTimeout, requestQuota, c, log)
	return c
}

// Serve reads requests until the connection closes or the handler stops it.
func (c *http1Conn) Serve(delegate Delegate) {
	delegate.DidStartClient(c.handler)

	for {
		if c.handler.State() == StateStopped {
			break
		}

		head, err := c.readRequestHead()
		if err != nil {
			if err != io.EOF && c.log != nil {
				c.log.WithError(err).Debug("http1: connection read ended")
			}
			break
		}

		ok, done := c.handler.HandleHead(head)
		if !ok {
			<-done
			if c.handler.State() == StateStopped {
				break
			}
			continue
		}

		if err := c.streamBody(head); err != nil {
			if c.log != nil {
				c.log.WithError(err).Debug("http1: body read error")
			}
			break
		}

		c.handler.HandleEnd()
		<-done

		if c.handler.State() == StateStopped || !c.active {
			break
		}
	}

	c.handler.closeSocket()
	delegate.DidStopClient(c.handler, nil)
}

func (c *http1Conn) readRequestHead() (RequestHead, error) {
	line, err := c.readLine()
	if err != nil {
		return RequestHead{}, err
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return RequestHead{}, fmt.Errorf("httpchannel: malformed request line %q", line)
	}

	headers, err := c.readHeaders()
	if err != nil {
		return RequestHead{}, err
	}

	contentLength := int64(-1)
	if raw := headerValue(headers, "Content-Length"); raw != "" {
		n, perr := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if perr != nil || n < 0 {
			contentLength = -2
		} else {
			contentLength = n
		}
	}

	var connTokens []string
	if raw := headerValue(headers, "Connection"); raw != "" {
		for _, tok := range strings.Split(raw, ",") {
			connTokens = append(connTokens, strings.ToLower(strings.TrimSpace(tok)))
		}
	}

	return RequestHead{
		Method:            httpmethod.Parse(parts[0]),
		RawTarget:         parts[1],
		Path:              pathOnly(parts[1]),
		HTTPVersion:       strings.TrimSpace(parts[2]),
		Headers:           headers,
		ContentLength:     contentLength,
		ConnectionTokens:  connTokens,
		IfMatch:           headerValue(headers, "If-Match"),
		IfNoneMatch:       headerValue(headers, "If-None-Match"),
		IfModifiedSince:   headerValue(headers, "If-Modified-Since"),
		IfUnmodifiedSince: headerValue(headers, "If-Unmodified-Since"),
	}, nil
}

func pathOnly(target string) string {
	if idx := strings.IndexByte(target, '?'); idx >= 0 {
		return target[:idx]
	}
	return target
}

func headerValue(headers map[string][]string, name string) string {
	if vs, ok := headers[textproto.CanonicalMIMEHeaderKey(name)]; ok && len(vs) > 0 {
		return vs[0]
	}
	return ""
}

func (c *http1Conn) readLine() (string, error) {
	line, err := c.br.ReadString('\n')
	if err != nil {
		return "", err
	}
	if len(line) >= 2 && line[len(line)-2:] == "\r\n" {
		return line[:len(line)-2], nil
	}
	return strings.TrimRight(line, "\n"), nil
}

// readHeaders parses the header block, folding RFC 7230 §3.2.4
// continuation lines, capped at constants.MaxHeaderBytes.
func (c *http1Conn) readHeaders() (map[string][]string, error) {
	headers := make(map[string][]string)
	total := 0
	var lastKey string

	for {
		line, err := c.br.ReadString('\n')
		if err != nil {
			return nil, err
		}

		total += len(line)
		if total > constants.MaxHeaderBytes {
			return nil, fmt.Errorf("httpchannel: headers exceed maximum size")
		}

		if line == "\r\n" || line == "\n" {
			break
		}

		trimmed := strings.TrimRight(line, "\r\n")

		if strings.HasPrefix(trimmed, " ") || strings.HasPrefix(trimmed, "\t") {
			if lastKey == "" {
				continue
			}
			idx := len(headers[lastKey]) - 1
			headers[lastKey][idx] = headers[lastKey][idx] + " " + strings.TrimSpace(trimmed)
			continue
		}

		parts := strings.SplitN(trimmed, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(parts[0]))
		value := strings.TrimSpace(parts[1])
		headers[key] = append(headers[key], value)
		lastKey = key
	}

	return headers, nil
}

// streamBody delivers the request body to the handler in chunked or
// fixed-length framing, forwarding each piece as it is read rather than
// accumulating the whole body.
func (c *http1Conn) streamBody(head RequestHead) error {
	te := headerValue(head.Headers, "Transfer-Encoding")
	switch {
	case strings.Contains(strings.ToLower(te), "chunked"):
		return c.readChunkedBody()
	case head.ContentLength > 0:
		return c.readFixedBody(head.ContentLength)
	default:
		return nil
	}
}

func (c *http1Conn) readChunkedBody() error {
	tp := textproto.NewReader(c.br)
	buf := make([]byte, 32*1024)
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return err
		}
		size, err := strconv.ParseInt(strings.TrimSpace(strings.Split(line, ";")[0]), 16, 64)
		if err != nil {
			return fmt.Errorf("httpchannel: invalid chunk size: %w", err)
		}
		if size == 0 {
			break
		}
		remaining := size
		for remaining > 0 {
			n := int64(len(buf))
			if remaining < n {
				n = remaining
			}
			read, rerr := io.ReadFull(tp.R, buf[:n])
			if rerr != nil {
				return rerr
			}
			c.handler.HandleBodyChunk(buf[:read])
			remaining -= int64(read)
		}
		crlf := make([]byte, 2)
		if _, err := io.ReadFull(tp.R, crlf); err != nil {
			return err
		}
	}
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return err
		}
		if line == "" {
			break
		}
	}
	return nil
}

func (c *http1Conn) readFixedBody(length int64) error {
	buf := make([]byte, 32*1024)
	remaining := length
	for remaining > 0 {
		n := int64(len(buf))
		if remaining < n {
			n = remaining
		}
		read, err := io.ReadFull(c.br, buf[:n])
		if err != nil {
			if err == io.ErrUnexpectedEOF || err == io.EOF {
				if read > 0 {
					c.handler.HandleBodyChunk(buf[:read])
				}
				return nil
			}
			return err
		}
		c.handler.HandleBodyChunk(buf[:read])
		remaining -= int64(read)
	}
	return nil
}

// EmitResponse implements WireWriter for HTTP/1.x.
func (c *http1Conn) EmitResponse(resp response.Response, method httpmethod.Method, connTokens []string, httpVersion string, willClose bool) (bool, error) {
	status := resp.Status
	fmt.Fprintf(c.bw, "%s %s\r\n", httpVersion, status.String())

	if resp.ContentType != nil {
		fmt.Fprintf(c.bw, "Content-Type: %s\r\n", resp.ContentType.String())
	}
	if resp.ContentLength != nil {
		fmt.Fprintf(c.bw, "Content-Length: %d\r\n", *resp.ContentLength)
	}
	if resp.EntityTag != nil {
		fmt.Fprintf(c.bw, "ETag: %s\r\n", resp.EntityTag.String())
	}
	if resp.ModificationDate != nil {
		fmt.Fprintf(c.bw, "Last-Modified: %s\r\n", httpdate.Format(*resp.ModificationDate))
	}
	if resp.Location != nil {
		fmt.Fprintf(c.bw, "Location: %s\r\n", *resp.Location)
	}

	connValue := c.connectionHeaderValue(httpVersion, connTokens, willClose)
	if connValue != "" {
		fmt.Fprintf(c.bw, "Connection: %s\r\n", connValue)
	}

	for _, hdr := range resp.CustomHeaders {
		fmt.Fprintf(c.bw, "%s: %s\r\n", hdr.Name, hdr.Value)
	}
	c.bw.WriteString("\r\n")

	suppressBody := method.Equal(httpmethod.HEAD) || status.Code == 304
	if !suppressBody && resp.Body != nil {
		if err := c.writeBody(resp.Body); err != nil {
			return false, err
		}
	}

	if err := c.bw.Flush(); err != nil {
		return false, err
	}

	if willClose {
		c.active = false
	}
	return c.active, nil
}

// connectionHeaderValue decides whether a Connection header is emitted and
// with which token. On HTTP/1.1 it emits "close" whenever the connection
// will close after this response, whatever tokens the client sent. On
// HTTP/1.0, whose default is close, it emits a header only when the client
// sent keep-alive: "keep-alive" if the connection stays open, else "close".
// willClose already folds in the server's own reasons to disconnect
// (incidents, exhausted quota, the client's own tokens) per
// protocolWantsClose, so it always reflects what will actually happen to
// the socket — the header mirrors reality rather than only the client's
// ask.
func (c *http1Conn) connectionHeaderValue(httpVersion string, clientTokens []string, willClose bool) string {
	hasToken := func(tok string) bool {
		for _, t := range clientTokens {
			if t == tok {
				return true
			}
		}
		return false
	}
	if httpVersion == "HTTP/1.0" {
		switch {
		case willClose && hasToken("keep-alive"):
			return "close"
		case !willClose && hasToken("keep-alive"):
			return "keep-alive"
		default:
			return ""
		}
	}
	if willClose {
		return "close"
	}
	return ""
}

func (c *http1Conn) writeBody(producer response.BodyProducer) error {
	scratch := make([]byte, constants.ResponseScratchBufSize)
	for {
		n, err := producer(scratch)
		if n > 0 {
			if _, werr := c.bw.Write(scratch[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			return &producerError{err: err}
		}
		if n == 0 {
			return nil
		}
		if n == len(scratch) && len(scratch) < 1024*1024 {
			scratch = make([]byte, len(scratch)*2)
		}
	}
}

// Close tears down the underlying socket.
func (c *http1Conn) Close() error {
	c.active = false
	return c.conn.Close()
}

// IsSocketActive reports whether the connection is still usable.
func (c *http1Conn) IsSocketActive() bool {
	return c.active
}
