// Package httpchannel provides an embeddable HTTPS server engine: a
// channel-level connection listener supporting HTTP/1.1 and HTTP/2, a
// per-connection request/response state machine with resource limits and
// RFC 9110 conditional-request evaluation, and a declarative response-
// content value type.
package httpchannel

import (
	"github.com/sirupsen/logrus"

	"github.com/WhileEndless/httpchannel/pkg/channel"
	"github.com/WhileEndless/httpchannel/pkg/constants"
	"github.com/WhileEndless/httpchannel/pkg/endpoint"
	"github.com/WhileEndless/httpchannel/pkg/response"
	"github.com/WhileEndless/httpchannel/pkg/server"
	"github.com/WhileEndless/httpchannel/pkg/tlsconfig"
)

// Version is the current version of the httpchannel library.
const Version = "0.1.0"

// GetVersion returns the current version of the library.
func GetVersion() string {
	return Version
}

// Re-export the core types for convenient single-import usage.
type (
	// Endpoint identifies a listening socket's address and port.
	Endpoint = endpoint.Endpoint

	// ChannelConfig configures one Channel: endpoint, HTTP variant, TLS
	// material, and connection resource limits.
	ChannelConfig = channel.Config

	// Channel is one listening socket, dispatching accepted connections to
	// the HTTP/1.1 or HTTP/2 driver per its configured variant.
	Channel = channel.Channel

	// Variant selects the HTTP version(s) a Channel serves.
	Variant = channel.Variant

	// ConnectionHandler is the per-connection request/response state
	// machine a Delegate is notified about and a ClientDelegate drives.
	ConnectionHandler = channel.ConnectionHandler

	// RequestHead is the parsed request-line plus the headers the core
	// interprets directly.
	RequestHead = channel.RequestHead

	// Handler is the per-request capability: body bytes, completion, and
	// incident overrides.
	Handler = channel.Handler

	// ClientDelegate supplies Handlers per request and handles
	// connection-scoped incidents.
	ClientDelegate = channel.ClientDelegate

	// Delegate is notified as a Channel accepts and retires connections.
	Delegate = channel.Delegate

	// Response is the immutable, declarative response-content value.
	Response = response.Response

	// BodyProducer is a deferred, pull-based response body writer.
	BodyProducer = response.BodyProducer

	// TLSMaterial is the certificate/key/version-profile/ALPN bundle a
	// Channel is configured with.
	TLSMaterial = tlsconfig.Material

	// Server is the top-level lifecycle object owning a set of Channels.
	Server = server.Server
)

// Variant values, re-exported for convenience.
const (
	VariantHTTP1 = channel.VariantHTTP1
	VariantHTTP2 = channel.VariantHTTP2
)

// TLS version profiles, re-exported for convenience.
var (
	TLSProfileModern     = tlsconfig.ProfileModern
	TLSProfileSecure     = tlsconfig.ProfileSecure
	TLSProfileCompatible = tlsconfig.ProfileCompatible
	TLSProfileLegacy     = tlsconfig.ProfileLegacy
)

// NewServer builds an unstarted Server with no channels registered. log may
// be nil, in which case the standard logrus logger is used.
func NewServer(log *logrus.Entry) *Server {
	return server.New(log)
}

// NewChannel builds an unstarted Channel bound to cfg, notifying delegate as
// connections are accepted and retired.
func NewChannel(cfg ChannelConfig, delegate Delegate) *Channel {
	return channel.New(cfg, delegate)
}

// NewEndpoint builds an Endpoint from an address and port.
func NewEndpoint(address string, port uint16) Endpoint {
	return endpoint.New(address, port)
}

// DefaultIdleTimeout is the connection idle duration a Channel applies when
// ChannelConfig.IdleTimeout is left at zero.
const DefaultIdleTimeout = constants.DefaultIdleTimeout
