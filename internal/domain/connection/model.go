package connection

import (
	"errors"
	"time"
)

// State is the lifecycle state of the event-channel connection.
type State string

// State constants.
const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateReconnecting State = "RECONNECTING"
	StateFailed       State = "FAILED"
)

// Error taxonomy for the realtime subsystem.
var (
	ErrTransport         = errors.New("transport error")
	ErrAuthentication    = errors.New("authentication rejected")
	ErrMalformedMessage  = errors.New("malformed message")
	ErrHandler           = errors.New("topic handler failed")
	ErrReconciliation    = errors.New("reconciliation failed")
	ErrNotConnected      = errors.New("not connected")
	ErrAttemptsExhausted = errors.New("reconnect attempts exhausted")
)

// Status is an observable view of the connection.
type Status struct {
	State            State
	ReconnectAttempt int
	LastError        error
}

// IsConnected reports whether the state is CONNECTED.
func (s Status) IsConnected() bool {
	return s.State == StateConnected
}

// Policy bounds automatic reconnection.
type Policy struct {
	MaxReconnectAttempts int
	BaseDelay            time.Duration
	MaxDelay             time.Duration
}

// DefaultPolicy returns sensible defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxReconnectAttempts: 5,
		BaseDelay:            time.Second,
		MaxDelay:             30 * time.Second,
	}
}

// RetryDelay returns the delay before reconnect attempt n (1-based):
// baseDelay * n, capped at maxDelay.
// PRE: attempt >= 1
// POST: 0 < delay <= MaxDelay (when MaxDelay > 0)
func (p Policy) RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay * time.Duration(attempt)
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Exhausted reports whether attempt has used up the retry budget.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.MaxReconnectAttempts
}

// IsRetryable reports whether err should trigger automatic reconnection.
// Authentication failures are never retried.
func IsRetryable(err error) bool {
	return err != nil && !errors.Is(err, ErrAuthentication)
}
