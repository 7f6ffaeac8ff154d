// Package endpoint models the host+port identity of a listening socket.
package endpoint

import (
	"fmt"
	"strings"
)

// Endpoint is the address/port identity of a listening socket. Address may
// be a literal IPv4, IPv6, or hostname.
type Endpoint struct {
	Address string
	Port    uint16
}

// New builds an Endpoint from an address and port.
func New(address string, port uint16) Endpoint {
	return Endpoint{Address: address, Port: port}
}

// Equal reports field equality.
func (e Endpoint) Equal(other Endpoint) bool {
	return e.Address == other.Address && e.Port == other.Port
}

// String renders host[:port] with IPv6 literals bracketed and the
// unspecified "::" rendered as "[::1]".
func (e Endpoint) String() string {
	host := e.renderHost()
	if e.Port == 0 {
		return host
	}
	return fmt.Sprintf("%s:%d", host, e.Port)
}

// URL renders scheme://host[:port] for the given scheme ("http" or "https").
func (e Endpoint) URL(scheme string) string {
	host := e.renderHost()
	if e.Port == 0 || (scheme == "http" && e.Port == 80) || (scheme == "https" && e.Port == 443) {
		return fmt.Sprintf("%s://%s", scheme, host)
	}
	return fmt.Sprintf("%s://%s:%d", scheme, host, e.Port)
}

func (e Endpoint) renderHost() string {
	addr := e.Address
	if addr == "::" {
		return "[::1]"
	}
	if strings.Contains(addr, ":") && !strings.HasPrefix(addr, "[") {
		return "[" + addr + "]"
	}
	return addr
}
