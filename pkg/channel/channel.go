package channel

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/WhileEndless/httpchannel/pkg/constants"
	"github.com/WhileEndless/httpchannel/pkg/endpoint"
	"github.com/WhileEndless/httpchannel/pkg/tlsconfig"
)

// Variant selects the HTTP version(s) a Channel serves.
type Variant int

const (
	// VariantHTTP1 serves plaintext or TLS HTTP/1.1 only.
	VariantHTTP1 Variant = iota
	// VariantHTTP2 serves HTTP/2 over TLS with ALPN, falling back to
	// HTTP/1.1 for peers that do not negotiate "h2".
	VariantHTTP2
)

// Config is a Channel's construction-time configuration.
type Config struct {
	Endpoint endpoint.Endpoint
	Variant  Variant

	// TLS is required for VariantHTTP2 and optional for VariantHTTP1
	// (a nil TLS serves plaintext HTTP/1.1).
	TLS *tlsconfig.Material

	IdleTimeout  time.Duration
	RequestQuota int64

	Log *logrus.Entry
}

// chanState is a Channel's lifecycle state.
type chanState int

const (
	channelStopped chanState = iota
	channelRunning
	channelStopping
)

// Channel is one listening socket bound to one endpoint, dispatching
// accepted connections to the HTTP/1.1 or HTTP/2 driver per its configured
// variant and (for HTTP/2) ALPN negotiation result.
type Channel struct {
	mu       sync.Mutex
	id       uint64
	cfg      Config
	state    chanState
	listener net.Listener
	delegate Delegate
	wg       sync.WaitGroup
	log      *logrus.Entry
}

var channelIDCounter atomic.Uint64

// New builds an unstarted Channel from cfg, applying default idle timeout
// and request quota when unset.
func New(cfg Config, delegate Delegate) *Channel {
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = constants.DefaultIdleTimeout
	}
	if cfg.RequestQuota == 0 {
		cfg.RequestQuota = constants.DefaultMaxRequestsPerConn
	}
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Channel{id: channelIDCounter.Add(1), cfg: cfg, delegate: delegate, log: log}
}

// ID returns this channel's stable per-instance identifier.
func (c *Channel) ID() uint64 {
	return c.id
}

// LocalAddress returns the listener's bound address once Start has
// succeeded, or the zero value beforehand.
func (c *Channel) LocalAddress() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener == nil {
		return nil
	}
	return c.listener.Addr()
}

// EndpointURLs returns the unique scheme://host[:port] URLs reachable over
// the bound local address. A wildcard bind (0.0.0.0 or ::) yields one URL
// per address family; a concrete bind yields exactly one. Empty until Start
// has succeeded. Only TCP listeners are supported.
func (c *Channel) EndpointURLs() []string {
	c.mu.Lock()
	ln := c.listener
	secure := c.cfg.TLS != nil
	c.mu.Unlock()
	if ln == nil {
		return nil
	}
	tcpAddr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		return nil
	}

	scheme := "http"
	if secure {
		scheme = "https"
	}
	port := uint16(tcpAddr.Port)

	if tcpAddr.IP.IsUnspecified() {
		urls := []string{endpoint.New("127.0.0.1", port).URL(scheme)}
		if tcpAddr.IP.To4() == nil {
			urls = append(urls, endpoint.New("::", port).URL(scheme))
		}
		return urls
	}
	return []string{endpoint.New(tcpAddr.IP.String(), port).URL(scheme)}
}

// Start binds the listening socket (wrapping it in TLS per cfg) and begins
// accepting connections on a background goroutine.
func (c *Channel) Start() error {
	c.mu.Lock()
	if c.state != channelStopped {
		c.mu.Unlock()
		return fmt.Errorf("httpchannel: channel already started")
	}

	addr := fmt.Sprintf("%s:%d", c.cfg.Endpoint.Address, c.cfg.Endpoint.Port)
	lc := net.ListenConfig{Control: controlListenSocket}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("httpchannel: listen %s: %w", addr, err)
	}

	if c.cfg.TLS != nil {
		tlsCfg, terr := tlsconfig.BuildServerConfig(*c.cfg.TLS)
		if terr != nil {
			ln.Close()
			c.mu.Unlock()
			return terr
		}
		ln = tls.NewListener(ln, tlsCfg)
	} else if c.cfg.Variant == VariantHTTP2 {
		ln.Close()
		c.mu.Unlock()
		return fmt.Errorf("httpchannel: HTTP/2 channel requires TLS material")
	}

	c.listener = ln
	c.state = channelRunning
	c.mu.Unlock()

	c.wg.Add(1)
	go c.acceptLoop(ln)
	return nil
}

func (c *Channel) acceptLoop(ln net.Listener) {
	defer c.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			c.mu.Lock()
			stopping := c.state != channelRunning
			c.mu.Unlock()
			if stopping {
				return
			}
			if c.delegate != nil {
				c.delegate.OnError(fmt.Errorf("httpchannel: accept: %w", err))
			}
			return
		}
		tuneAcceptedConn(conn)
		c.wg.Add(1)
		go c.serveConn(conn)
	}
}

func (c *Channel) serveConn(conn net.Conn) {
	defer c.wg.Done()

	negotiated := ""
	if tc, ok := conn.(*tls.Conn); ok {
		if err := tc.Handshake(); err != nil {
			if c.delegate != nil {
				c.delegate.OnError(fmt.Errorf("httpchannel: tls handshake: %w", err))
			}
			conn.Close()
			return
		}
		negotiated = tc.ConnectionState().NegotiatedProtocol
	}

	if c.cfg.Variant == VariantHTTP2 && negotiated == "h2" {
		h2c := newHTTP2Conn(conn, c.cfg.IdleTimeout, c.cfg.RequestQuota, c.log)
		h2c.Serve(c.delegate)
		return
	}

	h1 := newHTTP1Conn(conn, c.cfg.IdleTimeout, c.cfg.RequestQuota, c.log)
	h1.Serve(c.delegate)
}

// Stop closes the listening socket and waits up to drain for in-flight
// connections to finish on their own (per-connection idle timeout and
// quota exhaustion still apply; Stop does not forcibly sever them).
func (c *Channel) Stop(drain time.Duration) {
	c.mu.Lock()
	if c.state != channelRunning {
		c.mu.Unlock()
		return
	}
	c.state = channelStopping
	ln := c.listener
	c.mu.Unlock()

	if ln != nil {
		ln.Close()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(drain):
	}

	c.mu.Lock()
	c.state = channelStopped
	c.mu.Unlock()
}
