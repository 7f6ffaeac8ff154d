// Package tlsconfig provides helpers and constants for server-side TLS
// configuration: version/cipher profiles, PEM key+certificate loading, and
// ALPN negotiation setup for the HTTP/1.1 and HTTP/2 variants.
package tlsconfig

import (
	"crypto/tls"

	"github.com/WhileEndless/httpchannel/pkg/errors"
)

// SSL/TLS Protocol Versions. VersionSSL30 is carried as a historical
// identifier for ProfileLegacy's documentation value only — crypto/tls has
// not negotiated SSL 3.0 since Go 1.14, so ApplyVersionProfile clamps any
// profile whose Min is VersionSSL30 up to VersionTLS10.
const (
	VersionSSL30 uint16 = 0x0300
	VersionTLS10 uint16 = tls.VersionTLS10 // 0x0301 — deprecated
	VersionTLS11 uint16 = tls.VersionTLS11 // 0x0302 — deprecated
	VersionTLS12 uint16 = tls.VersionTLS12 // 0x0303 — minimum recommended
	VersionTLS13 uint16 = tls.VersionTLS13 // 0x0304 — preferred
)

// VersionProfile is a pre-configured min/max TLS version range.
type VersionProfile struct {
	Min         uint16
	Max         uint16
	Description string
}

var (
	ProfileModern = VersionProfile{
		Min:         VersionTLS13,
		Max:         VersionTLS13,
		Description: "TLS 1.3 only - maximum security, modern peers only",
	}
	ProfileSecure = VersionProfile{
		Min:         VersionTLS12,
		Max:         VersionTLS13,
		Description: "TLS 1.2+ - secure and widely compatible",
	}
	ProfileCompatible = VersionProfile{
		Min:         VersionTLS10,
		Max:         VersionTLS13,
		Description: "TLS 1.0+ - maximum compatibility, includes deprecated versions",
	}
	ProfileLegacy = VersionProfile{
		Min:         VersionSSL30,
		Max:         VersionTLS13,
		Description: "SSL 3.0+ - legacy compatibility, includes insecure versions",
	}
)

// GetVersionName returns a human-readable name for a TLS version.
func GetVersionName(version uint16) string {
	switch version {
	case VersionSSL30:
		return "SSL 3.0"
	case VersionTLS10:
		return "TLS 1.0"
	case VersionTLS11:
		return "TLS 1.1"
	case VersionTLS12:
		return "TLS 1.2"
	case VersionTLS13:
		return "TLS 1.3"
	default:
		return "Unknown"
	}
}

// IsVersionDeprecated reports whether version is below TLS 1.2.
func IsVersionDeprecated(version uint16) bool {
	return version < VersionTLS12
}

var (
	CipherSuitesTLS13 = []uint16{
		tls.TLS_AES_128_GCM_SHA256,
		tls.TLS_AES_256_GCM_SHA384,
		tls.TLS_CHACHA20_POLY1305_SHA256,
	}

	CipherSuitesTLS12Secure = []uint16{
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
	}

	CipherSuitesTLS12Compatible = []uint16{
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA,
		tls.TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA,
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA,
	}

	CipherSuitesLegacy = []uint16{
		tls.TLS_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_RSA_WITH_AES_128_CBC_SHA256,
		tls.TLS_RSA_WITH_AES_128_CBC_SHA,
		tls.TLS_RSA_WITH_AES_256_CBC_SHA,
		tls.TLS_RSA_WITH_3DES_EDE_CBC_SHA,
	}
)

// ApplyVersionProfile applies a pre-configured version profile to a tls.Config.
func ApplyVersionProfile(config *tls.Config, profile VersionProfile) {
	min := profile.Min
	if min == VersionSSL30 {
		min = VersionTLS10
	}
	config.MinVersion = min
	config.MaxVersion = profile.Max
}

// ApplyCipherSuites applies a recommended cipher suite list based on the
// configured minimum TLS version.
func ApplyCipherSuites(config *tls.Config, minVersion uint16) {
	switch {
	case minVersion >= VersionTLS13:
		config.CipherSuites = nil
	case minVersion >= VersionTLS12:
		config.CipherSuites = CipherSuitesTLS12Secure
	case minVersion >= VersionTLS10:
		config.CipherSuites = CipherSuitesTLS12Compatible
	default:
		config.CipherSuites = CipherSuitesLegacy
	}
}

// Material is the TLS material a Channel is configured with: a certificate
// chain and private key, both PEM-encoded, plus which HTTP variants the
// channel should advertise over ALPN.
type Material struct {
	CertPEM []byte
	KeyPEM  []byte
	Profile VersionProfile
	// ALPNProtocols lists the protocols to advertise, in preference order.
	// A channel serving HTTP/2 lists {"h2", "http/1.1"}; an HTTP/1.1-only
	// channel lists {"http/1.1"}.
	ALPNProtocols []string
}

// BuildServerConfig loads the PEM key pair in m and returns a *tls.Config
// ready to hand to a net.Listener, with the version profile, cipher suites,
// and ALPN NextProtos applied.
func BuildServerConfig(m Material) (*tls.Config, error) {
	cert, err := tls.X509KeyPair(m.CertPEM, m.KeyPEM)
	if err != nil {
		return nil, errors.NewTLSError("", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   m.ALPNProtocols,
	}

	profile := m.Profile
	if profile.Min == 0 {
		profile = ProfileSecure
	}
	ApplyVersionProfile(cfg, profile)
	ApplyCipherSuites(cfg, profile.Min)

	return cfg, nil
}
