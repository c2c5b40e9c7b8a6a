package constants

import (
	"time"
)

// Application identity
const (
	// AppName is used for config/state directory names and notification titles.
	AppName = "airstrike"

	// DisplayName is the human-facing product name.
	DisplayName = "AirStrike"
)

// Pull channel cadence
const (
	// DefaultPollInterval - fixed pull-channel interval (2 seconds)
	// The original web UI polled every 2-3 seconds; 2s keeps the progress bar lively
	// without hammering the job API.
	DefaultPollInterval = 2 * time.Second

	// MinPollInterval - lower bound accepted from configuration (250ms)
	MinPollInterval = 250 * time.Millisecond

	// DefaultMissedTickBudget - consecutive ticks without any inbound update
	// before a job is declared lost (5 ticks = 10s at the default interval)
	DefaultMissedTickBudget = 5

	// MinMissedTickBudget - a budget of 1 would fail a job on its first tick
	MinMissedTickBudget = 2

	// DefaultRequestTimeout - per-request timeout for status/log/start/stop calls
	DefaultRequestTimeout = 5 * time.Second
)

// Job log limits
const (
	// DefaultMaxLogEntries - most recent log entries kept in the store (200)
	// Matches the job server's in-memory log ring.
	DefaultMaxLogEntries = 200
)

// Push channel
const (
	// PushHandshakeTimeout - websocket handshake timeout
	PushHandshakeTimeout = 10 * time.Second

	// PushReadTimeout - read deadline, extended on every message or pong
	PushReadTimeout = 60 * time.Second

	// PushPingInterval - keepalive ping interval (must be < PushReadTimeout)
	PushPingInterval = 25 * time.Second

	// PushWriteTimeout - deadline for control frames
	PushWriteTimeout = 5 * time.Second

	// DefaultPushReconnectAttempts - reconnection attempts after the stream drops
	DefaultPushReconnectAttempts = 3

	// PushReconnectInitialDelay / PushReconnectMaxDelay bound the jittered backoff
	PushReconnectInitialDelay = 250 * time.Millisecond
	PushReconnectMaxDelay     = 5 * time.Second
)

// API client pacing
const (
	// DefaultRateLimitPerSecond - client-side request budget against the job API
	DefaultRateLimitPerSecond = 10

	// DefaultRateLimitBurst - burst allowance for the request budget
	DefaultRateLimitBurst = 10
)

// Event bus configuration
const (
	// EventBusDefaultBuffer - default buffer size for event channels (256)
	// Operator notices are low-volume; a small buffer is plenty.
	EventBusDefaultBuffer = 256

	// EventBusMaxBuffer - maximum buffer size (4096)
	EventBusMaxBuffer = 4096
)

// HTTP transport configuration
const (
	// HTTPIdleConnTimeout - how long to keep idle connections open (90 seconds)
	HTTPIdleConnTimeout = 90 * time.Second

	// HTTPTLSHandshakeTimeout - timeout for TLS handshake (15 seconds)
	HTTPTLSHandshakeTimeout = 15 * time.Second

	// HTTPExpectContinueTimeout - timeout for 100-continue response (1 second)
	HTTPExpectContinueTimeout = 1 * time.Second

	// HTTPDialTimeout - timeout for establishing connection (10 seconds)
	HTTPDialTimeout = 10 * time.Second

	// HTTPDialKeepAlive - keep-alive period for dialer (30 seconds)
	HTTPDialKeepAlive = 30 * time.Second

	// ProxyWarmupTimeout - budget for the optional proxy warmup request
	ProxyWarmupTimeout = 15 * time.Second
)

// Simulated backend defaults
const (
	// SimulatorStepInterval - time between progress steps of a simulated job
	SimulatorStepInterval = 1 * time.Second

	// SimulatorSteps - number of steps until a simulated job completes (20% each)
	SimulatorSteps = 5

	// SimulatorListenAddr - default listen address for `airstrike simulate`
	SimulatorListenAddr = "127.0.0.1:5000"
)
