package channel

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/WhileEndless/httpchannel/pkg/etag"
	"github.com/WhileEndless/httpchannel/pkg/response"
)

// echoHandler implements Handler, buffering body chunks and replying with
// them verbatim (S1) or as configured by a test-provided callback.
type echoHandler struct {
	limit      int64
	body       []byte
	onEnd      func(body []byte) (*response.Response, error)
	onErr      func(error)
	onIncident func(RequestIncident) *response.Response
}

func (h *echoHandler) BodyLengthLimit() int64 { return h.limit }
func (h *echoHandler) OnBodyChunk(chunk []byte) error {
	h.body = append(h.body, chunk...)
	return nil
}
func (h *echoHandler) OnEnd() (*response.Response, error) {
	if h.onEnd != nil {
		return h.onEnd(h.body)
	}
	r := response.Binary(nil).WithBody(fixedBody(h.body)).WithContentLength(int64(len(h.body)))
	return &r, nil
}
func (h *echoHandler) OnIncident(inc RequestIncident) *response.Response {
	if h.onIncident != nil {
		return h.onIncident(inc)
	}
	return nil
}
func (h *echoHandler) OnError(err error) {
	if h.onErr != nil {
		h.onErr(err)
	}
}

func fixedBody(data []byte) response.BodyProducer {
	sent := false
	return func(buf []byte) (int, error) {
		if sent {
			return 0, nil
		}
		sent = true
		return copy(buf, data), nil
	}
}

// testDelegate hands out a fresh Handler per request head via a factory.
type testDelegate struct {
	mu      sync.Mutex
	started []*ConnectionHandler
	factory func(RequestHead) Handler
}

func (d *testDelegate) DidStartClient(h *ConnectionHandler) {
	d.mu.Lock()
	d.started = append(d.started, h)
	d.mu.Unlock()
	h.SetDelegate(&perConnDelegate{factory: d.factory})
}
func (d *testDelegate) DidStopClient(h *ConnectionHandler, err error) {}
func (d *testDelegate) OnError(err error)                             {}

type perConnDelegate struct {
	factory func(RequestHead) Handler
}

func (p *perConnDelegate) RequestHandlerFor(head RequestHead) Handler {
	if p.factory == nil {
		return nil
	}
	return p.factory(head)
}
func (p *perConnDelegate) OnClientIncident(inc ClientIncident) *response.Response { return nil }
func (p *perConnDelegate) OnError(err error)                                      {}

func startTestChannel(t *testing.T, cfg Config, delegate Delegate) (*Channel, string) {
	t.Helper()
	cfg.Variant = VariantHTTP1
	ch := New(cfg, delegate)
	if err := ch.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { ch.Stop(2 * time.Second) })
	addr := ch.LocalAddress().String()
	return ch, addr
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	return conn
}

// S1 Echo 200.
func TestS1Echo200(t *testing.T) {
	delegate := &testDelegate{factory: func(RequestHead) Handler {
		return &echoHandler{limit: 256 * 1024}
	}}
	_, addr := startTestChannel(t, Config{IdleTimeout: time.Second, RequestQuota: 10}, delegate)

	conn := dial(t, addr)
	defer conn.Close()
	fmt.Fprintf(conn, "POST /echo HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\n\r\nhello")

	resp := readResponse(t, conn)
	if resp.status != "200 OK" {
		t.Fatalf("status = %q", resp.status)
	}
	if resp.headers["Content-Length"] != "5" {
		t.Fatalf("Content-Length = %q", resp.headers["Content-Length"])
	}
	if resp.headers["Content-Type"] != "application/octet-stream" {
		t.Fatalf("Content-Type = %q", resp.headers["Content-Type"])
	}
	if resp.body != "hello" {
		t.Fatalf("body = %q", resp.body)
	}
}

// S2 Oversize.
func TestS2Oversize(t *testing.T) {
	delegate := &testDelegate{factory: func(RequestHead) Handler {
		return &echoHandler{limit: 256 * 1024}
	}}
	_, addr := startTestChannel(t, Config{IdleTimeout: time.Second, RequestQuota: 10}, delegate)

	conn := dial(t, addr)
	defer conn.Close()
	fmt.Fprintf(conn, "POST /echo HTTP/1.1\r\nHost: x\r\nContent-Length: 1048576\r\n\r\n")

	resp := readResponse(t, conn)
	if resp.status != "413 Content Too Large" {
		t.Fatalf("status = %q", resp.status)
	}
	if resp.headers["Connection"] != "close" {
		t.Fatalf("Connection = %q, want close", resp.headers["Connection"])
	}
}

// S3 304 via etag.
func TestS3NotModifiedViaETag(t *testing.T) {
	tag, _ := etag.New("abc", false)
	delegate := &testDelegate{factory: func(RequestHead) Handler {
		return &echoHandler{limit: 1024, onEnd: func([]byte) (*response.Response, error) {
			r := response.OK().WithEntityTag(tag)
			return &r, nil
		}}
	}}
	_, addr := startTestChannel(t, Config{IdleTimeout: time.Second, RequestQuota: 10}, delegate)

	conn := dial(t, addr)
	defer conn.Close()
	fmt.Fprintf(conn, "GET /asset HTTP/1.1\r\nHost: x\r\nIf-None-Match: \"abc\"\r\n\r\n")

	resp := readResponse(t, conn)
	if resp.status != "304 Not Modified" {
		t.Fatalf("status = %q", resp.status)
	}
	if resp.headers["Etag"] != `"abc"` {
		t.Fatalf("ETag = %q", resp.headers["Etag"])
	}
	if resp.body != "" {
		t.Fatalf("304 must be bodiless, got %q", resp.body)
	}
}

// S4 412 via if-match.
func TestS4PreconditionFailedViaIfMatch(t *testing.T) {
	tag, _ := etag.New("v2", false)
	delegate := &testDelegate{factory: func(RequestHead) Handler {
		return &echoHandler{limit: 1024, onEnd: func([]byte) (*response.Response, error) {
			r := response.OK().WithEntityTag(tag)
			return &r, nil
		}}
	}}
	_, addr := startTestChannel(t, Config{IdleTimeout: time.Second, RequestQuota: 10}, delegate)

	conn := dial(t, addr)
	defer conn.Close()
	fmt.Fprintf(conn, "PUT /doc HTTP/1.1\r\nHost: x\r\nIf-Match: \"v1\"\r\nContent-Length: 0\r\n\r\n")

	resp := readResponse(t, conn)
	if resp.status != "412 Precondition Failed" {
		t.Fatalf("status = %q", resp.status)
	}
}

// S6 Quota exhaustion.
func TestS6QuotaExhaustion(t *testing.T) {
	delegate := &testDelegate{factory: func(RequestHead) Handler {
		return &echoHandler{limit: 1024, onEnd: func([]byte) (*response.Response, error) {
			r := response.OK()
			return &r, nil
		}}
	}}
	_, addr := startTestChannel(t, Config{IdleTimeout: 5 * time.Second, RequestQuota: 2}, delegate)

	conn := dial(t, addr)
	defer conn.Close()
	req := "GET / HTTP/1.1\r\nHost: x\r\n\r\n"
	// pipeline three requests; only R1 and R2 should get responses.
	fmt.Fprint(conn, req+req+req)

	r1 := readResponse(t, conn)
	if r1.status != "200 OK" {
		t.Fatalf("R1 status = %q", r1.status)
	}
	r2 := readResponse(t, conn)
	if r2.status != "200 OK" {
		t.Fatalf("R2 status = %q", r2.status)
	}
	if r2.headers["Connection"] != "close" {
		t.Fatalf("R2 Connection = %q, want close (quota exhausted)", r2.headers["Connection"])
	}

	// The socket should now be closed by the server without a third response.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	if n != 0 || err == nil {
		t.Fatalf("expected the connection to be closed after R2, got n=%d err=%v", n, err)
	}
}

func TestHEADNeverInvokesBodyProducer(t *testing.T) {
	called := false
	delegate := &testDelegate{factory: func(RequestHead) Handler {
		return &echoHandler{limit: 1024, onEnd: func([]byte) (*response.Response, error) {
			r := response.OK().WithContentLength(5).WithBody(func(buf []byte) (int, error) {
				called = true
				return copy(buf, "hello"), nil
			})
			return &r, nil
		}}
	}}
	_, addr := startTestChannel(t, Config{IdleTimeout: time.Second, RequestQuota: 10}, delegate)

	conn := dial(t, addr)
	defer conn.Close()
	fmt.Fprintf(conn, "HEAD / HTTP/1.1\r\nHost: x\r\n\r\n")

	resp, br := readResponseHead(t, conn)
	if resp.status != "200 OK" {
		t.Fatalf("status = %q", resp.status)
	}
	// Content-Length: 5 is still announced, but no body bytes may follow;
	// the next read ends at the idle close with nothing read.
	if n, _ := br.Read(make([]byte, 16)); n != 0 {
		t.Fatalf("HEAD response must be bodiless, got %d body bytes", n)
	}
	if called {
		t.Fatal("body producer must never be invoked for HEAD")
	}
}

func TestNoRequestHandlerIncidentDefaults404(t *testing.T) {
	delegate := &testDelegate{factory: func(RequestHead) Handler { return nil }}
	_, addr := startTestChannel(t, Config{IdleTimeout: time.Second, RequestQuota: 10}, delegate)

	conn := dial(t, addr)
	defer conn.Close()
	fmt.Fprintf(conn, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")

	resp := readResponse(t, conn)
	if resp.status != "404 Not Found" {
		t.Fatalf("status = %q", resp.status)
	}
	if resp.headers["Connection"] != "close" {
		t.Fatalf("Connection = %q, want close", resp.headers["Connection"])
	}
}

func TestBodyProducerAcquisitionFailureBecomes500(t *testing.T) {
	producerErr := fmt.Errorf("backing store gone")
	delegate := &testDelegate{factory: func(RequestHead) Handler {
		return &echoHandler{limit: 1024, onEnd: func([]byte) (*response.Response, error) {
			r := response.OK().WithContentLength(64).WithBody(func(buf []byte) (int, error) {
				return 0, producerErr
			})
			return &r, nil
		}}
	}}
	_, addr := startTestChannel(t, Config{IdleTimeout: time.Second, RequestQuota: 10}, delegate)

	conn := dial(t, addr)
	defer conn.Close()
	fmt.Fprintf(conn, "GET /asset HTTP/1.1\r\nHost: x\r\n\r\n")

	resp := readResponse(t, conn)
	if resp.status != "500 Internal Server Error" {
		t.Fatalf("status = %q, want 500 (producer failed before headers were written)", resp.status)
	}
	if resp.headers["Connection"] != "close" {
		t.Fatalf("Connection = %q, want close", resp.headers["Connection"])
	}
}

func TestIncidentOverrideWithFailingProducerIsDemoted(t *testing.T) {
	var mu sync.Mutex
	var surfaced []error
	delegate := &testDelegate{factory: func(RequestHead) Handler {
		return &echoHandler{
			limit: 1024,
			onEnd: func([]byte) (*response.Response, error) {
				r := response.OK().WithBody(func(buf []byte) (int, error) {
					return 0, fmt.Errorf("first producer failed")
				})
				return &r, nil
			},
			onIncident: func(inc RequestIncident) *response.Response {
				if inc.Kind != IncidentResponseBodyErr {
					return nil
				}
				r := response.OK().WithContentLength(8).WithBody(func(buf []byte) (int, error) {
					return 0, fmt.Errorf("override producer failed too")
				})
				return &r
			},
			onErr: func(err error) {
				mu.Lock()
				surfaced = append(surfaced, err)
				mu.Unlock()
			},
		}
	}}
	_, addr := startTestChannel(t, Config{IdleTimeout: time.Second, RequestQuota: 10}, delegate)

	conn := dial(t, addr)
	defer conn.Close()
	fmt.Fprintf(conn, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")

	resp := readResponse(t, conn)
	if resp.status != "200 OK" {
		t.Fatalf("status = %q, want the override's 200", resp.status)
	}
	if _, ok := resp.headers["Content-Length"]; ok {
		t.Fatal("a demoted incident response must have its Content-Length stripped")
	}
	if resp.body != "" {
		t.Fatalf("a demoted incident response must be bodiless, got %q", resp.body)
	}

	// The error is surfaced after the header flush; wait for the server's
	// close so the assertion below cannot race it.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	io.Copy(io.Discard, conn)

	mu.Lock()
	defer mu.Unlock()
	if len(surfaced) == 0 {
		t.Fatal("the demoted producer failure must be surfaced to the handler")
	}
}

func TestNoResponseIncidentDefaults404(t *testing.T) {
	delegate := &testDelegate{factory: func(RequestHead) Handler {
		return &echoHandler{limit: 1024, onEnd: func([]byte) (*response.Response, error) {
			return nil, nil
		}}
	}}
	_, addr := startTestChannel(t, Config{IdleTimeout: time.Second, RequestQuota: 10}, delegate)

	conn := dial(t, addr)
	defer conn.Close()
	fmt.Fprintf(conn, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")

	resp := readResponse(t, conn)
	if resp.status != "404 Not Found" {
		t.Fatalf("status = %q", resp.status)
	}
}

// S5 Idle close: no writes for longer than the configured idle timeout
// closes the socket without a response.
func TestS5IdleClose(t *testing.T) {
	delegate := &testDelegate{factory: func(RequestHead) Handler {
		return &echoHandler{limit: 1024}
	}}
	_, addr := startTestChannel(t, Config{IdleTimeout: 200 * time.Millisecond, RequestQuota: 10}, delegate)

	conn := dial(t, addr)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	if n != 0 || err == nil {
		t.Fatalf("expected idle close with no bytes written, got n=%d err=%v", n, err)
	}
}

func TestKeepAliveAcrossMultipleRequests(t *testing.T) {
	delegate := &testDelegate{factory: func(RequestHead) Handler {
		return &echoHandler{limit: 1024, onEnd: func([]byte) (*response.Response, error) {
			r := response.OK()
			return &r, nil
		}}
	}}
	_, addr := startTestChannel(t, Config{IdleTimeout: 2 * time.Second, RequestQuota: 10}, delegate)

	conn := dial(t, addr)
	defer conn.Close()

	for i := 0; i < 3; i++ {
		fmt.Fprintf(conn, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
		resp := readResponse(t, conn)
		if resp.status != "200 OK" {
			t.Fatalf("request %d: status = %q", i, resp.status)
		}
	}
}

// --- minimal HTTP/1.1 response reader for tests ---

type parsedResponse struct {
	status  string
	headers map[string]string
	body    string
}

func readResponse(t *testing.T, conn net.Conn) parsedResponse {
	t.Helper()
	resp, br := readResponseHead(t, conn)

	if cl := resp.headers["Content-Length"]; cl != "" {
		n, err := strconv.Atoi(cl)
		if err != nil {
			t.Fatalf("bad Content-Length %q: %v", cl, err)
		}
		buf := make([]byte, n)
		if n > 0 {
			if _, err := io.ReadFull(br, buf); err != nil {
				t.Fatalf("reading body: %v", err)
			}
		}
		resp.body = string(buf)
	}
	return resp
}

// readResponseHead reads the status line and header block only, for
// responses such as HEAD whose Content-Length announces no body bytes.
func readResponseHead(t *testing.T, conn net.Conn) (parsedResponse, *bufio.Reader) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	br := bufio.NewReader(conn)

	statusLine, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("reading status line: %v", err)
	}
	status := ""
	if parts := strings.SplitN(strings.TrimRight(statusLine, "\r\n"), " ", 2); len(parts) == 2 {
		status = parts[1]
	}

	headers := map[string]string{}
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("reading headers: %v", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if kv := strings.SplitN(line, ":", 2); len(kv) == 2 {
			headers[textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(kv[0]))] = strings.TrimSpace(kv[1])
		}
	}

	return parsedResponse{status: status, headers: headers}, br
}
