// Package gateway maintains the long-lived session to the broker gateway:
// connection state, session-id allocation, reconnect backoff and health
// checks, all owned by one background worker.
package gateway

import (
	"context"
	"time"
)

// ConnectionConfig is what a Dialer needs to open one session.
type ConnectionConfig struct {
	Host     string
	Port     int
	ClientID int
	Timeout  time.Duration
	ReadOnly bool
}

// Session is a live gateway session.
type Session interface {
	// ClientID is the session id the gateway accepted.
	ClientID() int
	// Ping performs a cheap round trip used for health checks.
	Ping(ctx context.Context) error
	// Call sends a request and decodes the response into out (may be nil).
	Call(ctx context.Context, method string, params, out any) error
	// Done is closed when the transport fails or the session is closed.
	Done() <-chan struct{}
	Close() error
}

// Dialer opens sessions. Dial must return an error satisfying
// domain.IsSessionIDInUse when the gateway rejects the client id.
type Dialer interface {
	Dial(ctx context.Context, cfg ConnectionConfig) (Session, error)
}

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Status is a snapshot of the connection.
type Status struct {
	State           State     `json:"state"`
	Host            string    `json:"host"`
	Port            int       `json:"port"`
	ClientID        int       `json:"client_id,omitempty"`
	ConnectedSince  time.Time `json:"connected_since,omitempty"`
	FailedAttempts  int       `json:"failed_attempts"`
	NextRetry       time.Time `json:"next_retry,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
	LastHealthCheck time.Time `json:"last_health_check,omitempty"`
	Healthy         bool      `json:"healthy"`
}

// Metrics counts connection lifecycle events.
type Metrics struct {
	ConnectAttempts  int           `json:"connect_attempts"`
	Connects         int           `json:"connects"`
	ConnectFailures  int           `json:"connect_failures"`
	SessionConflicts int           `json:"session_conflicts"`
	Exhaustions      int           `json:"exhaustions"`
	Disconnects      int           `json:"disconnects"`
	HealthChecks     int           `json:"health_checks"`
	HealthFailures   int           `json:"health_failures"`
	Uptime           time.Duration `json:"uptime"`
}
