// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for most operations
	DefaultTimeout = 30 * time.Second

	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 30 * time.Second

	// WebSocketPongWait is how long a connection may stay silent before it is dropped
	WebSocketPongWait = 60 * time.Second

	// WebSocketWriteWait is the deadline for a single WebSocket write
	WebSocketWriteWait = 10 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second
)

// Database connection constants
const (
	// MaxConnLifetime is the maximum lifetime of a database connection
	MaxConnLifetime = 1 * time.Hour

	// MaxConnIdleTime is the maximum idle time for a database connection
	MaxConnIdleTime = 30 * time.Minute

	// HealthCheckPeriod is the interval between database health checks
	HealthCheckPeriod = 1 * time.Minute
)

// Ring constants
const (
	// MaxRingCount is the number of ring intervals before an unanswered call is given up
	MaxRingCount = 5

	// RingInterval is the time between two rings
	RingInterval = 4000 * time.Millisecond
)

// In-call monitoring constants
const (
	// QualitySampleInterval is the period of transport statistics sampling while connected
	QualitySampleInterval = 2800 * time.Millisecond

	// ReconnectGracePeriod bounds how long a call may stay reconnecting before it is dropped
	ReconnectGracePeriod = 12000 * time.Millisecond

	// HeartbeatInterval is how often a client in a call refreshes its session
	HeartbeatInterval = 15 * time.Second
)

// Signaling payload limits
const (
	// MaxSidechatLength is the maximum number of characters in a call-chat message
	MaxSidechatLength = 500

	// DefaultSidechatCap is the number of call-chat messages kept per session
	DefaultSidechatCap = 50

	// MaxSDPSize is the largest session description accepted, in bytes
	MaxSDPSize = 64 * 1024

	// MaxCandidateSize is the largest ICE candidate line accepted, in bytes
	MaxCandidateSize = 1024

	// MaxStrokeWidth is the widest annotation stroke accepted
	MaxStrokeWidth = 32

	// MaxMessageSize is the read limit of a signaling WebSocket frame
	MaxMessageSize = 128 * 1024
)

// Rate limiting constants
const (
	// DefaultRateLimitRequests is the number of HTTP requests allowed per window
	DefaultRateLimitRequests = 120

	// DefaultRateLimitWindow is the rate limiting window
	DefaultRateLimitWindow = time.Minute
)

// Push notification constants
const (
	// PushTokenExpiry is the validity period for push notification tokens
	PushTokenExpiry = 30 * 24 * time.Hour // 30 days
)

// Pagination constants
const (
	// DefaultPageSize is the default number of items per page
	DefaultPageSize = 20

	// MaxPageSize is the maximum number of items per page
	MaxPageSize = 100
)
