// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for most operations
	DefaultTimeout = 30 * time.Second

	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 60 * time.Second

	// WebSocketWriteTimeout bounds a single frame write to the UI
	WebSocketWriteTimeout = 10 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second

	// RedisHealthCheckInterval is how often the Redis client is pinged
	RedisHealthCheckInterval = 10 * time.Second
)

// Signaling constants
const (
	// InboxPrefix prefixes a user ID to form that user's signal inbox name
	InboxPrefix = "call-signals:"

	// HandshakeTimeout bounds the wait for a subscribe confirmation
	HandshakeTimeout = 5 * time.Second

	// InboxBufferSize is the number of undelivered inbound payloads held per subscription
	InboxBufferSize = 256

	// EventBufferSize is the per-consumer buffer of orchestrator events
	EventBufferSize = 64
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

// JWT-related constants
const (
	// AccessTokenExpiry is the default access token lifetime
	AccessTokenExpiry = 15 * time.Minute

	// MinJWTSecretLength is the shortest secret accepted in production
	MinJWTSecretLength = 32
)
