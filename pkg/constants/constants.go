// Package constants defines magic numbers and default values used throughout httpchannel.
package constants

import "time"

// Connection timeouts and limits
const (
	// DefaultIdleTimeout is the maximum wall time between the end of the
	// last in-flight request and the next inbound byte before the
	// connection is closed.
	DefaultIdleTimeout  = 4 * time.Second
	DefaultReadTimeout  = 30 * time.Second
	DefaultWriteTimeout = 30 * time.Second
	DefaultStopDrain    = 30 * time.Second
)

// HTTP/2 limits
const (
	MaxTotalStreams       = 10000
	SettingsAckTimeout    = 10 * time.Second
	DefaultHpackTableSize = 4096
	DefaultMaxConcurrent  = 250
	DefaultInitialWindow  = 65535
)

// HTTP/1.1 framing limits
const (
	MaxHeaderBytes = 64 * 1024
	MaxRequestLine = 8 * 1024
	MaxHeaderCount = 100
)

// Resource caps (Channel configuration defaults)
const (
	// DefaultMaxRequestsPerConn is the maximum number of requests
	// serviced on a single connection before it is drained and closed.
	DefaultMaxRequestsPerConn = 128
	DefaultMaxBodyBytes       = 10 * 1024 * 1024 // 10MB
	ResponseScratchBufSize    = 16 * 1024        // 16 KiB grow-on-demand scratch buffer
)
